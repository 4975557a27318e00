// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/mnemonic"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/btcsuite/hdwallet/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon about"

var testTime = time.Unix(1700000000, 0)

// newTestAccount adds account 0 of the script type to a fresh regtest
// wallet.
func newTestAccount(t require.TestingT,
	st descriptor.ScriptType) *wallet.Account {

	w, err := wallet.NewFromMnemonic(
		descriptor.Regtest, testMnemonic, "", mnemonic.English,
	)
	require.NoError(t, err)

	path, err := descriptor.AccountPath(st, descriptor.Regtest, 0)
	require.NoError(t, err)

	account, err := w.AddAccount(st, path, txstore.MemFactory())
	require.NoError(t, err)

	return account
}

func testBlock(height int32) wtxmgr.BlockMeta {
	return wtxmgr.BlockMeta{
		Block: wtxmgr.Block{
			Hash:   chainhash.Hash{byte(height), byte(height >> 8)},
			Height: height,
		},
		Time: testTime.Add(time.Duration(height) * 10 * time.Minute),
	}
}

// fund pays each value to a new external index of the account, confirming
// the i-th payment at height 100+i, and returns the created outpoints.
func fund(t require.TestingT, account *wallet.Account,
	values ...btcutil.Amount) []wire.OutPoint {

	snap := account.Snapshot()
	first := snap.NextUnused(descriptor.External)
	tip := snap.TipHeight()

	update := &txstore.Update{
		LastUsed: make(map[descriptor.Keychain]uint32),
	}
	outPoints := make([]wire.OutPoint, 0, len(values))
	for i, value := range values {
		index := first + uint32(i)
		pkScript, err := account.ScriptAt(descriptor.External, index)
		require.NoError(t, err)

		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{
			Hash:  chainhash.Hash{0xee},
			Index: index,
		}, nil, nil))
		tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))

		height := int32(100 + int(index))
		if height > tip {
			tip = height
		}

		rec := txstore.NewTxRecord(tx, testTime)
		rec.Block = testBlock(height)

		op := wire.OutPoint{Hash: tx.TxHash()}
		update.Txs = append(update.Txs, rec)
		update.AddUtxos = append(update.AddUtxos, txstore.Utxo{
			OutPoint: op,
			Value:    value,
			PkScript: pkScript,
			Keychain: descriptor.External,
			Index:    index,
			Height:   height,
		})
		update.LastUsed[descriptor.External] = index
		outPoints = append(outPoints, op)
	}
	update.Checkpoint = fn.Some(testBlock(tip))

	require.NoError(t, account.ApplyUpdate(update))

	return outPoints
}

// foreignAddr returns a regtest P2WPKH address the test wallet does not own.
func foreignAddr(t require.TestingT, seed byte) btcutil.Address {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{seed}, 20), descriptor.Regtest.Params(),
	)
	require.NoError(t, err)

	return addr
}

// inputTotal sums the witness or non-witness utxos of the packet inputs.
func inputTotal(t require.TestingT, packet *psbt.Packet) btcutil.Amount {
	var total btcutil.Amount
	for i, in := range packet.Inputs {
		switch {
		case in.WitnessUtxo != nil:
			total += btcutil.Amount(in.WitnessUtxo.Value)

		case in.NonWitnessUtxo != nil:
			op := packet.UnsignedTx.TxIn[i].PreviousOutPoint
			total += btcutil.Amount(
				in.NonWitnessUtxo.TxOut[op.Index].Value,
			)

		default:
			require.Fail(t, "input without utxo data")
		}
	}

	return total
}

// outputTotal sums the packet outputs.
func outputTotal(packet *psbt.Packet) btcutil.Amount {
	var total btcutil.Amount
	for _, out := range packet.UnsignedTx.TxOut {
		total += btcutil.Amount(out.Value)
	}

	return total
}
