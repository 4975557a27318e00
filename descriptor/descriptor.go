// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package descriptor builds the external and internal output descriptors of
// an HD account and derives addresses and keys from them.
package descriptor

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

var (
	// ErrInvalidExtendedKey is returned when the account key given to Build
	// is not a private extended key or cannot be derived from.
	ErrInvalidExtendedKey = errors.New("invalid account extended key")

	// ErrInvalidIndex is returned when deriving at a hardened index.
	ErrInvalidIndex = errors.New("address index must not be hardened")
)

// Keychain is the branch of an account's derivation.
type Keychain uint32

const (
	// External is the receiving branch.
	External Keychain = 0

	// Internal is the change branch.
	Internal Keychain = 1
)

// Keychains lists both branches in derivation order.
var Keychains = []Keychain{External, Internal}

// String returns the keychain name.
func (k Keychain) String() string {
	switch k {
	case External:
		return "external"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("Keychain(%d)", uint32(k))
	}
}

// Fingerprint is the first four bytes of the HASH160 of a public key, as
// used for BIP32 key origins.
type Fingerprint [4]byte

// FingerprintOf computes the fingerprint of an extended key.
func FingerprintOf(key *hdkeychain.ExtendedKey) (Fingerprint, error) {
	var fp Fingerprint

	pub, err := key.ECPubKey()
	if err != nil {
		return fp, err
	}
	copy(fp[:], btcutil.Hash160(pub.SerializeCompressed())[:4])

	return fp, nil
}

// String returns the lowercase hex encoding of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// PSBT returns the fingerprint in the integer form psbt.Bip32Derivation
// serializes, which writes it little endian.
func (f Fingerprint) PSBT() uint32 {
	return binary.LittleEndian.Uint32(f[:])
}

// KeyOrigin records where an account key sits below the master key.
type KeyOrigin struct {
	Fingerprint Fingerprint
	Path        DerivationPath
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	origin  *KeyOrigin
	network *Network
}

// WithNetwork selects the network addresses are encoded for. Without it the
// network is inferred from the key version, which cannot tell the test
// networks apart and resolves to testnet.
func WithNetwork(n Network) Option {
	return func(o *buildOptions) {
		o.network = &n
	}
}

// WithOrigin attaches key origin information to the descriptors so rendered
// descriptors and derived paths are anchored at the master key.
func WithOrigin(fp Fingerprint, path DerivationPath) Option {
	return func(o *buildOptions) {
		o.origin = &KeyOrigin{
			Fingerprint: fp,
			Path:        path.Child(),
		}
	}
}

// Descriptor is a single keychain output descriptor of an account. It is
// immutable and safe for concurrent use.
type Descriptor struct {
	scriptType ScriptType
	keychain   Keychain
	params     *chaincfg.Params
	origin     *KeyOrigin

	// accountPub is the neutered account key used to render the
	// descriptor.
	accountPub *hdkeychain.ExtendedKey

	// branchPub is accountPub/keychain, the parent of every address key.
	branchPub *hdkeychain.ExtendedKey
}

// Pair holds the two descriptors of an account and the key map that can
// produce their private keys.
type Pair struct {
	External *Descriptor
	Internal *Descriptor
	Keys     *KeyMap
}

// ForKeychain returns the descriptor of the given branch.
func (p *Pair) ForKeychain(k Keychain) *Descriptor {
	if k == Internal {
		return p.Internal
	}

	return p.External
}

// Build derives the external and internal descriptors for the account key
// and script type. The result only depends on its inputs.
func Build(accountXprv *hdkeychain.ExtendedKey, st ScriptType,
	opts ...Option) (*Pair, error) {

	if err := st.Validate(); err != nil {
		return nil, err
	}
	if accountXprv == nil || !accountXprv.IsPrivate() {
		return nil, ErrInvalidExtendedKey
	}

	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	params, err := paramsForKey(accountXprv)
	if err != nil {
		return nil, err
	}
	if o.network != nil {
		if err := o.network.Validate(); err != nil {
			return nil, err
		}

		// The key version must belong to the same family as the
		// requested network.
		if !accountXprv.IsForNet(o.network.Params()) {
			return nil, fmt.Errorf("%w: key is not for %v",
				ErrInvalidExtendedKey, *o.network)
		}
		params = o.network.Params()
	}

	accountPub, err := accountXprv.Neuter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}

	pair := &Pair{
		Keys: &KeyMap{
			accountPriv: accountXprv,
			accountPub:  accountPub.String(),
		},
	}
	for _, k := range Keychains {
		branch, err := accountPub.Derive(uint32(k))
		if err != nil {
			return nil, fmt.Errorf("%w: derive %v keychain: %v",
				ErrInvalidExtendedKey, k, err)
		}

		desc := &Descriptor{
			scriptType: st,
			keychain:   k,
			params:     params,
			origin:     o.origin,
			accountPub: accountPub,
			branchPub:  branch,
		}
		if k == External {
			pair.External = desc
		} else {
			pair.Internal = desc
		}
	}

	return pair, nil
}

// paramsForKey finds the registered network whose private key version
// matches the extended key.
func paramsForKey(key *hdkeychain.ExtendedKey) (*chaincfg.Params, error) {
	// Testnet, signet and regtest share the tprv version, so the first
	// test network matching is returned.
	for _, n := range []Network{Bitcoin, Testnet, Signet, Regtest} {
		if key.IsForNet(n.Params()) {
			return n.Params(), nil
		}
	}

	return nil, fmt.Errorf("%w: unknown key version", ErrInvalidExtendedKey)
}

// ScriptType returns the script type of the descriptor.
func (d *Descriptor) ScriptType() ScriptType {
	return d.scriptType
}

// Keychain returns the branch the descriptor derives on.
func (d *Descriptor) Keychain() Keychain {
	return d.keychain
}

// Origin returns the key origin, if one was attached.
func (d *Descriptor) Origin() (KeyOrigin, bool) {
	if d.origin == nil {
		return KeyOrigin{}, false
	}

	return *d.origin, true
}

// String renders the public descriptor with its checksum, for example
// "wpkh([d34db33f/84'/1'/0']tpub.../0/*)#checksum".
func (d *Descriptor) String() string {
	info, _ := d.scriptType.info()

	keyExpr := fmt.Sprintf("%s/%d/*", d.accountPub.String(), d.keychain)
	if d.origin != nil {
		keyExpr = fmt.Sprintf("[%s%s]%s", d.origin.Fingerprint,
			d.origin.Path.relative(), keyExpr)
	}

	body := fmt.Sprintf(info.template, keyExpr)

	// The body only holds characters of the checksum charset.
	desc, _ := AddChecksum(body)

	return desc
}

// DerivedAddress is the output information of one descriptor index.
type DerivedAddress struct {
	Keychain Keychain
	Index    uint32
	Address  btcutil.Address
	PkScript []byte

	// RedeemScript is set for nested segwit outputs.
	RedeemScript []byte

	// PubKey is the derived public key before any taproot tweak.
	PubKey *btcec.PublicKey

	// Path is the full path from the master key when the descriptor has
	// an origin, and the keychain/index suffix otherwise.
	Path DerivationPath
}

// Derive returns the address at a non-hardened index of the descriptor.
func (d *Descriptor) Derive(index uint32) (*DerivedAddress, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, ErrInvalidIndex
	}

	child, err := d.branchPub.Derive(index)
	if err != nil {
		return nil, err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}

	info, _ := d.scriptType.info()
	addr, redeemScript, err := info.address(pub, d.params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	path := DerivationPath{uint32(d.keychain), index}
	if d.origin != nil {
		path = d.origin.Path.Child(uint32(d.keychain), index)
	}

	return &DerivedAddress{
		Keychain:     d.keychain,
		Index:        index,
		Address:      addr,
		PkScript:     pkScript,
		RedeemScript: redeemScript,
		PubKey:       pub,
		Path:         path,
	}, nil
}

// KeyMap holds the account private key behind a descriptor pair.
type KeyMap struct {
	accountPriv *hdkeychain.ExtendedKey
	accountPub  string
}

// PublicKey returns the serialized account xpub the descriptors refer to.
func (k *KeyMap) PublicKey() string {
	return k.accountPub
}

// PrivKey derives the private key at keychain/index.
func (k *KeyMap) PrivKey(keychain Keychain, index uint32) (*btcec.PrivateKey,
	error) {

	branch, err := k.accountPriv.Derive(uint32(keychain))
	if err != nil {
		return nil, err
	}
	child, err := branch.Derive(index)
	if err != nil {
		return nil, err
	}

	return child.ECPrivKey()
}
