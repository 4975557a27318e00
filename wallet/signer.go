// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/hdwallet/chain"
	"github.com/btcsuite/hdwallet/descriptor"
)

// SignOptions tunes Sign.
type SignOptions struct {
	// TrustWitnessUtxo allows signing segwit v0 inputs the account does
	// not track from their WitnessUtxo alone. Without it such inputs need
	// a NonWitnessUtxo to prove the spent value.
	TrustWitnessUtxo bool
}

// signInput is an input the account will sign.
type signInput struct {
	index   int
	prevOut *wire.TxOut
	loc     scriptLoc
}

// Sign adds final scripts to every unsigned input spending an account
// output and reports whether any input was signed. Inputs of other parties
// and inputs that already carry final scripts are left untouched.
func (a *Account) Sign(packet *psbt.Packet, opts SignOptions) (bool, error) {
	if packet == nil || packet.UnsignedTx == nil ||
		len(packet.Inputs) != len(packet.UnsignedTx.TxIn) {

		return false, fmt.Errorf("%w: malformed packet", ErrSigningFailure)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tx := packet.UnsignedTx
	var (
		toSign       []signInput
		prevScripts  = make([][]byte, len(tx.TxIn))
		prevValues   = make([]btcutil.Amount, len(tx.TxIn))
		allPrevOuts  = true
		needsTaproot bool
	)
	for i, txIn := range tx.TxIn {
		prevOut, err := inputPrevOut(packet, i)
		if err != nil {
			return false, err
		}
		if prevOut == nil {
			allPrevOuts = false
			continue
		}
		prevScripts[i] = prevOut.PkScript
		prevValues[i] = btcutil.Amount(prevOut.Value)

		in := &packet.Inputs[i]
		if len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0 {
			continue
		}

		loc, ok, err := a.signerFor(txIn.PreviousOutPoint, prevOut)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		// Segwit v0 signatures commit to the value, which is only
		// proven by the full previous transaction.
		_, tracked := a.snap.Utxos[txIn.PreviousOutPoint]
		segwitV0 := a.ScriptType() == descriptor.NativeSegwit ||
			a.ScriptType() == descriptor.NestedSegwit
		if segwitV0 && in.NonWitnessUtxo == nil && !tracked &&
			!opts.TrustWitnessUtxo {

			log.Debugf("Skipping input %d: unproven witness utxo", i)
			continue
		}

		if a.ScriptType() == descriptor.Taproot {
			needsTaproot = true
		}
		toSign = append(toSign, signInput{
			index: i, prevOut: prevOut, loc: loc,
		})
	}

	if len(toSign) == 0 {
		return false, nil
	}

	// Taproot signatures commit to every spent output.
	if needsTaproot && !allPrevOuts {
		return false, fmt.Errorf("%w: taproot signing needs every "+
			"previous output", ErrSigningFailure)
	}

	fetcher, err := txauthor.TXPrevOutFetcher(tx, prevScripts, prevValues)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for _, s := range toSign {
		if err := a.signInput(packet, s, sigHashes); err != nil {
			return false, err
		}
	}

	log.Debugf("Account %v signed %d of %d inputs of %v", a.path,
		len(toSign), len(tx.TxIn), tx.TxHash())

	return true, nil
}

// inputPrevOut returns the output spent by input i, nil when the packet does
// not carry it. A NonWitnessUtxo that does not match the outpoint makes the
// packet corrupt.
func inputPrevOut(packet *psbt.Packet, i int) (*wire.TxOut, error) {
	in := &packet.Inputs[i]
	op := packet.UnsignedTx.TxIn[i].PreviousOutPoint

	if in.NonWitnessUtxo != nil {
		if in.NonWitnessUtxo.TxHash() != op.Hash ||
			int(op.Index) >= len(in.NonWitnessUtxo.TxOut) {

			return nil, fmt.Errorf("%w: input %d previous tx does "+
				"not match %v", ErrSigningFailure, i, op)
		}
		prevOut := in.NonWitnessUtxo.TxOut[op.Index]

		if in.WitnessUtxo != nil && !psbt.TxOutsEqual(
			in.WitnessUtxo, prevOut,
		) {

			return nil, fmt.Errorf("%w: input %d witness utxo does "+
				"not match previous tx", ErrSigningFailure, i)
		}

		return prevOut, nil
	}

	return in.WitnessUtxo, nil
}

// signerFor locates the key behind an input. Outputs the account tracks
// must match the packet exactly.
func (a *Account) signerFor(op wire.OutPoint,
	prevOut *wire.TxOut) (scriptLoc, bool, error) {

	if utxo, ok := a.snap.Utxos[op]; ok {
		if int64(utxo.Value) != prevOut.Value ||
			!bytes.Equal(utxo.PkScript, prevOut.PkScript) {

			return scriptLoc{}, false, fmt.Errorf("%w: input %v "+
				"does not match the tracked output",
				ErrSigningFailure, op)
		}

		return scriptLoc{keychain: utxo.Keychain, index: utxo.Index},
			true, nil
	}

	loc, ok := a.scripts.lookup(prevOut.PkScript, ownershipLimits(a.snap))

	return loc, ok, nil
}

func (a *Account) signInput(packet *psbt.Packet, s signInput,
	sigHashes *txscript.TxSigHashes) error {

	privKey, err := a.pair.Keys.PrivKey(s.loc.keychain, s.loc.index)
	if err != nil {
		return fmt.Errorf("%w: derive key: %v", ErrSigningFailure, err)
	}

	derived, err := a.scripts.address(s.loc.keychain, s.loc.index)
	if err != nil {
		return fmt.Errorf("%w: derive script: %v", ErrSigningFailure, err)
	}

	witness, sigScript, err := a.inputScripts(
		packet, s, sigHashes, privKey, derived,
	)
	if err != nil {
		return fmt.Errorf("%w: input %d: %v", ErrSigningFailure,
			s.index, err)
	}

	in := &packet.Inputs[s.index]
	if len(witness) > 0 {
		var witnessBytes bytes.Buffer
		if err := psbt.WriteTxWitness(&witnessBytes, witness); err != nil {
			return fmt.Errorf("%w: serialize witness: %v",
				ErrSigningFailure, err)
		}
		in.FinalScriptWitness = witnessBytes.Bytes()
	}
	in.FinalScriptSig = sigScript

	return nil
}

// inputScripts produces the witness and signature script of an input,
// following the account script type.
func (a *Account) inputScripts(packet *psbt.Packet, s signInput,
	sigHashes *txscript.TxSigHashes, privKey *btcec.PrivateKey,
	derived *descriptor.DerivedAddress) (wire.TxWitness, []byte, error) {

	tx := packet.UnsignedTx
	hashType := packet.Inputs[s.index].SighashType

	switch a.ScriptType() {
	case descriptor.Taproot:
		witness, err := txscript.TaprootWitnessSignature(
			tx, sigHashes, s.index, s.prevOut.Value,
			s.prevOut.PkScript, hashType, privKey,
		)

		return witness, nil, err

	case descriptor.NativeSegwit:
		if hashType == 0 {
			hashType = txscript.SigHashAll
		}
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, s.index, s.prevOut.Value,
			s.prevOut.PkScript, hashType, privKey, true,
		)

		return witness, nil, err

	case descriptor.NestedSegwit:
		if hashType == 0 {
			hashType = txscript.SigHashAll
		}
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, s.index, s.prevOut.Value,
			derived.RedeemScript, hashType, privKey, true,
		)
		if err != nil {
			return nil, nil, err
		}

		sigScript, err := txscript.NewScriptBuilder().
			AddData(derived.RedeemScript).Script()

		return witness, sigScript, err

	default:
		if hashType == 0 {
			hashType = txscript.SigHashAll
		}
		sigScript, err := txscript.SignatureScript(
			tx, s.index, s.prevOut.PkScript, hashType, privKey,
			true,
		)

		return nil, sigScript, err
	}
}

// Finalize completes every input of the packet that has enough data.
func (a *Account) Finalize(packet *psbt.Packet) error {
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return fmt.Errorf("%w: %v", ErrCannotBroadcast, err)
	}

	return nil
}

// Extract finalizes the packet and returns the network transaction.
func (a *Account) Extract(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := a.Finalize(packet); err != nil {
		return nil, err
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotBroadcast, err)
	}

	return tx, nil
}

// Broadcast extracts the packet and publishes it. The account state is not
// changed: the transaction shows up with the next sync.
func (a *Account) Broadcast(ctx context.Context, b chain.Broadcaster,
	packet *psbt.Packet) (chainhash.Hash, error) {

	tx, err := a.Extract(packet)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return b.Broadcast(ctx, tx)
}
