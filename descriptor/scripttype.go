// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// ErrInvalidScriptType is returned for a script type outside of the closed
// set of supported types.
var ErrInvalidScriptType = errors.New("invalid script type")

// ScriptType is the kind of output script an account pays to.
type ScriptType uint8

const (
	// Legacy is pay-to-pubkey-hash (BIP44).
	Legacy ScriptType = iota + 1

	// NestedSegwit is pay-to-witness-pubkey-hash nested in P2SH (BIP49).
	NestedSegwit

	// NativeSegwit is pay-to-witness-pubkey-hash (BIP84).
	NativeSegwit

	// Taproot is a BIP86 key path only pay-to-taproot output.
	Taproot
)

// addressFunc derives the address for a public key, along with the redeem
// script for P2SH wrapped types.
type addressFunc func(pub *btcec.PublicKey, net *chaincfg.Params) (
	btcutil.Address, []byte, error)

// scriptTypeInfo is one row of the script type table.
type scriptTypeInfo struct {
	name string

	// purpose is the hardened BIP43 purpose index.
	purpose uint32

	// template wraps the key expression into a descriptor.
	template string

	// pkScriptSize is the size of the output script, used for size and
	// dust estimates.
	pkScriptSize int

	address addressFunc
}

// scriptTypes is the single mapping from script type to derivation purpose,
// descriptor template and address construction. Every other lookup in this
// package goes through it.
var scriptTypes = map[ScriptType]scriptTypeInfo{
	Legacy: {
		name:         "legacy",
		purpose:      44,
		template:     "pkh(%s)",
		pkScriptSize: txsizes.P2PKHPkScriptSize,
		address:      legacyAddress,
	},
	NestedSegwit: {
		name:         "nested_segwit",
		purpose:      49,
		template:     "sh(wpkh(%s))",
		pkScriptSize: txsizes.NestedP2WPKHPkScriptSize,
		address:      nestedSegwitAddress,
	},
	NativeSegwit: {
		name:         "native_segwit",
		purpose:      84,
		template:     "wpkh(%s)",
		pkScriptSize: txsizes.P2WPKHPkScriptSize,
		address:      nativeSegwitAddress,
	},
	Taproot: {
		name:         "taproot",
		purpose:      86,
		template:     "tr(%s)",
		pkScriptSize: txsizes.P2TRPkScriptSize,
		address:      taprootAddress,
	},
}

func (s ScriptType) info() (scriptTypeInfo, error) {
	info, ok := scriptTypes[s]
	if !ok {
		return scriptTypeInfo{}, fmt.Errorf("%w: %d",
			ErrInvalidScriptType, uint8(s))
	}

	return info, nil
}

// Validate returns ErrInvalidScriptType for unsupported values.
func (s ScriptType) Validate() error {
	_, err := s.info()
	return err
}

// Purpose returns the BIP43 purpose index, without the hardened offset.
func (s ScriptType) Purpose() (uint32, error) {
	info, err := s.info()
	if err != nil {
		return 0, err
	}

	return info.purpose, nil
}

// PkScriptSize returns the output script size for this type.
func (s ScriptType) PkScriptSize() (int, error) {
	info, err := s.info()
	if err != nil {
		return 0, err
	}

	return info.pkScriptSize, nil
}

// String returns the name of the script type.
func (s ScriptType) String() string {
	info, err := s.info()
	if err != nil {
		return fmt.Sprintf("ScriptType(%d)", uint8(s))
	}

	return info.name
}

// ParseScriptType parses either a script type name or its purpose number.
func ParseScriptType(s string) (ScriptType, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for st, info := range scriptTypes {
		if info.name == needle || fmt.Sprint(info.purpose) == needle {
			return st, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidScriptType, s)
}

// ScriptTypeFromPurpose returns the script type that uses the given purpose
// index.
func ScriptTypeFromPurpose(purpose uint32) (ScriptType, error) {
	for st, info := range scriptTypes {
		if info.purpose == purpose {
			return st, nil
		}
	}

	return 0, fmt.Errorf("%w: purpose %d", ErrInvalidScriptType, purpose)
}

// ScriptTypeOf classifies an output script, returning false when it is not
// one of the supported single key types. A P2SH script is assumed to be a
// nested P2WPKH output.
func ScriptTypeOf(pkScript []byte) (ScriptType, bool) {
	switch {
	case txscript.IsPayToPubKeyHash(pkScript):
		return Legacy, true
	case txscript.IsPayToScriptHash(pkScript):
		return NestedSegwit, true
	case txscript.IsPayToWitnessPubKeyHash(pkScript):
		return NativeSegwit, true
	case txscript.IsPayToTaproot(pkScript):
		return Taproot, true
	default:
		return 0, false
	}
}

func legacyAddress(pub *btcec.PublicKey, net *chaincfg.Params) (
	btcutil.Address, []byte, error) {

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), net,
	)

	return addr, nil, err
}

func nestedSegwitAddress(pub *btcec.PublicKey, net *chaincfg.Params) (
	btcutil.Address, []byte, error) {

	witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), net,
	)
	if err != nil {
		return nil, nil, err
	}

	redeemScript, err := txscript.PayToAddrScript(witnessAddr)
	if err != nil {
		return nil, nil, err
	}

	addr, err := btcutil.NewAddressScriptHash(redeemScript, net)

	return addr, redeemScript, err
}

func nativeSegwitAddress(pub *btcec.PublicKey, net *chaincfg.Params) (
	btcutil.Address, []byte, error) {

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), net,
	)

	return addr, nil, err
}

func taprootAddress(pub *btcec.PublicKey, net *chaincfg.Params) (
	btcutil.Address, []byte, error) {

	outputKey := txscript.ComputeTaprootKeyNoScript(pub)
	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(outputKey), net,
	)

	return addr, nil, err
}
