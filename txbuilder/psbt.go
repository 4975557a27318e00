// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/btcsuite/hdwallet/wallet"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// txVersion is the version of built transactions.
const txVersion = 2

// CreatePSBT selects inputs from the bound account and returns an unsigned
// PSBT paying the recipients. Inputs and outputs are in BIP69 order. The
// builder itself is not changed and can be used again.
func (b Builder) CreatePSBT(net descriptor.Network) (*psbt.Packet, error) {
	if b.account == nil {
		return nil, ErrNoAccount
	}
	if b.account.Network() != net {
		return nil, fmt.Errorf("%w: account is on %v, not %v",
			ErrWrongNetwork, b.account.Network(), net)
	}

	outputs, err := b.recipientOutputs(net)
	if err != nil {
		return nil, err
	}

	snap := b.account.Snapshot()
	spendable, err := b.account.SpendableUtxos()
	if err != nil {
		return nil, err
	}
	pinned, pool, err := b.splitPinned(spendable)
	if err != nil {
		return nil, err
	}

	changeInfo, err := b.account.ChangeAddress()
	if err != nil {
		return nil, fmt.Errorf("derive change address: %w", err)
	}

	model := &feeModel{
		scriptType: b.account.ScriptType(),
		outputs:    outputs,
		changeSize: len(changeInfo.PkScript),
		rate:       b.FeeRate(),
	}

	sel, err := selectCoins(
		pinned, pool, model, b.coinSelection, b.changePolicy,
		b.maxFeeDonation,
	)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(txVersion)
	tx.LockTime = b.locktime.UnwrapOr(0)

	sequence := b.sequence()
	for _, u := range sel.inputs {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: u.OutPoint,
			Sequence:         sequence,
		})
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	if sel.hasChange() {
		tx.AddTxOut(wire.NewTxOut(
			int64(sel.change), changeInfo.PkScript,
		))
	}

	txsort.InPlaceSort(tx)

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("create psbt: %w", err)
	}

	byOutPoint := make(map[wire.OutPoint]txstore.Utxo, len(sel.inputs))
	for _, u := range sel.inputs {
		byOutPoint[u.OutPoint] = u
	}
	for i, txIn := range packet.UnsignedTx.TxIn {
		u := byOutPoint[txIn.PreviousOutPoint]
		err := b.addInputInfo(&packet.Inputs[i], u, snap)
		if err != nil {
			return nil, err
		}
	}

	if sel.hasChange() {
		for i, txOut := range packet.UnsignedTx.TxOut {
			if !bytes.Equal(txOut.PkScript, changeInfo.PkScript) ||
				txOut.Value != int64(sel.change) {

				continue
			}

			out, err := b.createOutputInfo(txOut, changeInfo)
			if err != nil {
				return nil, err
			}
			packet.Outputs[i] = *out

			break
		}
	}

	log.Debugf("Created PSBT %v: %d inputs, %d outputs, fee %v, change %v",
		packet.UnsignedTx.TxHash(), len(sel.inputs),
		len(packet.UnsignedTx.TxOut), sel.fee, sel.change)
	log.Tracef("Unsigned transaction: %v", newLogClosure(func() string {
		return spew.Sdump(packet.UnsignedTx)
	}))

	return packet, nil
}

// recipientOutputs validates the recipients and turns them into outputs.
func (b Builder) recipientOutputs(net descriptor.Network) ([]*wire.TxOut,
	error) {

	if len(b.recipients) == 0 {
		return nil, ErrNoRecipients
	}

	params := net.Params()
	outputs := make([]*wire.TxOut, 0, len(b.recipients))
	for i, r := range b.recipients {
		if r.Address.IsNone() || r.Amount.IsNone() {
			return nil, fmt.Errorf("%w: recipient %d (%v)",
				ErrIncompleteRecipient, i, r.ID)
		}

		addr := r.Address.UnsafeFromSome()
		if !addr.IsForNet(params) {
			return nil, fmt.Errorf("%w: recipient %d address %v",
				ErrWrongNetwork, i, addr)
		}

		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("recipient %d script: %w", i,
				err)
		}

		out := wire.NewTxOut(int64(r.Amount.UnsafeFromSome()), pkScript)
		err = txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		outputs = append(outputs, out)
	}

	return outputs, nil
}

// splitPinned separates the pinned outputs from the rest of the spendable
// set. Every pinned outpoint must be spendable.
func (b Builder) splitPinned(spendable []txstore.Utxo) ([]txstore.Utxo,
	[]txstore.Utxo, error) {

	byOutPoint := make(map[wire.OutPoint]txstore.Utxo, len(spendable))
	for _, u := range spendable {
		byOutPoint[u.OutPoint] = u
	}

	pinned := make([]txstore.Utxo, 0, len(b.utxosToSpend))
	isPinned := make(map[wire.OutPoint]struct{}, len(b.utxosToSpend))
	for _, op := range b.utxosToSpend {
		u, ok := byOutPoint[op]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %v", ErrUtxoNotFound,
				op)
		}
		pinned = append(pinned, u)
		isPinned[op] = struct{}{}
	}

	pool := make([]txstore.Utxo, 0, len(spendable))
	for _, u := range spendable {
		if _, ok := isPinned[u.OutPoint]; !ok {
			pool = append(pool, u)
		}
	}

	return pinned, pool, nil
}

// derivation returns the BIP32 derivation of an account script, or None when
// the account does not know its master fingerprint.
func (b Builder) derivation(
	derived *descriptor.DerivedAddress) fn.Option[*psbt.Bip32Derivation] {

	toDerivation := func(
		origin descriptor.KeyOrigin) *psbt.Bip32Derivation {

		return &psbt.Bip32Derivation{
			PubKey:               derived.PubKey.SerializeCompressed(),
			MasterKeyFingerprint: origin.Fingerprint.PSBT(),
			Bip32Path:            []uint32(derived.Path),
		}
	}

	return fn.MapOption(toDerivation)(b.account.KeyOrigin())
}

// addInputInfo decorates a PSBT input with the data a signer needs: the
// spent output, the redeem script for nested segwit and the key derivation.
func (b Builder) addInputInfo(in *psbt.PInput, u txstore.Utxo,
	snap *txstore.Snapshot) error {

	derived, err := b.account.DerivedAddress(u.Keychain, u.Index)
	if err != nil {
		return fmt.Errorf("derive input %v: %w", u.OutPoint, err)
	}

	prevTx := fn.None[*wire.MsgTx]()
	if rec, ok := snap.Txs[u.OutPoint.Hash]; ok {
		prevTx = fn.Some(rec.MsgTx)
	}

	utxo := wire.NewTxOut(int64(u.Value), u.PkScript)
	derivation := b.derivation(derived)

	switch b.account.ScriptType() {
	case descriptor.Legacy:
		in.NonWitnessUtxo = prevTx.UnwrapOr(nil)
		in.SighashType = txscript.SigHashAll
		derivation.WhenSome(func(d *psbt.Bip32Derivation) {
			in.Bip32Derivation = []*psbt.Bip32Derivation{d}
		})

	case descriptor.NestedSegwit, descriptor.NativeSegwit:
		// The full previous transaction is added when known so
		// signers can check the input amount.
		in.NonWitnessUtxo = prevTx.UnwrapOr(nil)
		in.WitnessUtxo = utxo
		in.SighashType = txscript.SigHashAll
		derivation.WhenSome(func(d *psbt.Bip32Derivation) {
			in.Bip32Derivation = []*psbt.Bip32Derivation{d}
		})
		if len(derived.RedeemScript) > 0 {
			in.RedeemScript = derived.RedeemScript
		}

	case descriptor.Taproot:
		in.WitnessUtxo = utxo
		in.SighashType = txscript.SigHashDefault
		derivation.WhenSome(func(d *psbt.Bip32Derivation) {
			in.Bip32Derivation = []*psbt.Bip32Derivation{d}
			in.TaprootBip32Derivation = []*psbt.
				TaprootBip32Derivation{{
				XOnlyPubKey:          d.PubKey[1:],
				MasterKeyFingerprint: d.MasterKeyFingerprint,
				Bip32Path:            d.Bip32Path,
			}}
		})
		in.TaprootInternalKey = derived.PubKey.SerializeCompressed()[1:]

	default:
		return fmt.Errorf("%w: %v", descriptor.ErrInvalidScriptType,
			b.account.ScriptType())
	}

	return nil
}

// createOutputInfo creates the BIP32 derivation info for a change output.
func (b Builder) createOutputInfo(txOut *wire.TxOut,
	change *wallet.AddressInfo) (*psbt.POutput, error) {

	derived, err := b.account.DerivedAddress(change.Keychain, change.Index)
	if err != nil {
		return nil, fmt.Errorf("derive change output: %w", err)
	}

	out := &psbt.POutput{}
	if len(derived.RedeemScript) > 0 {
		out.RedeemScript = derived.RedeemScript
	}

	b.derivation(derived).WhenSome(func(d *psbt.Bip32Derivation) {
		out.Bip32Derivation = []*psbt.Bip32Derivation{d}

		if txscript.IsPayToTaproot(txOut.PkScript) {
			schnorrPubKey := d.PubKey[1:]
			out.TaprootBip32Derivation = []*psbt.
				TaprootBip32Derivation{{
				XOnlyPubKey:          schnorrPubKey,
				MasterKeyFingerprint: d.MasterKeyFingerprint,
				Bip32Path:            d.Bip32Path,
			}}
			out.TaprootInternalKey = schnorrPubKey
		}
	})

	return out, nil
}
