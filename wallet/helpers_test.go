// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/mnemonic"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// testMnemonic is the mnemonic of the BIP44/49/84/86 test vectors.
const testMnemonic = "abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon about"

var testTime = time.Unix(1700000000, 0)

func newTestWallet(t require.TestingT, net descriptor.Network) *Wallet {
	w, err := NewFromMnemonic(net, testMnemonic, "", mnemonic.English)
	require.NoError(t, err)

	return w
}

// newTestAccount adds account 0 of the script type to a fresh wallet.
func newTestAccount(t require.TestingT, net descriptor.Network,
	st descriptor.ScriptType) *Account {

	w := newTestWallet(t, net)

	path, err := descriptor.AccountPath(st, net, 0)
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

// fundingTx pays value to pkScript from an unknown outpoint.
func fundingTx(pkScript []byte, value int64, nonce uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{0xee}, Index: nonce},
		nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))

	return tx
}

// receive builds an update paying value to keychain/index of the account,
// confirmed at height or unmined when height is txstore.Unmined.
func receive(t require.TestingT, a *Account, k descriptor.Keychain,
	index uint32, value int64, height int32,
	nonce uint32) (*txstore.Update, *wire.MsgTx) {

	pkScript, err := a.ScriptAt(k, index)
	require.NoError(t, err)

	tx := fundingTx(pkScript, value, nonce)
	rec := txstore.NewTxRecord(tx, testTime.Add(time.Duration(nonce)))
	if height != txstore.Unmined {
		rec.Block = testBlock(height)
		rec.LastSeen = time.Time{}
	}

	tip := height
	if tip == txstore.Unmined {
		tip = 1
	}

	return &txstore.Update{
		AddUtxos: []txstore.Utxo{{
			OutPoint: wire.OutPoint{Hash: tx.TxHash()},
			Value:    btcutil.Amount(value),
			PkScript: pkScript,
			Keychain: k,
			Index:    index,
			Height:   height,
		}},
		Txs:        []*txstore.TxRecord{rec},
		LastUsed:   map[descriptor.Keychain]uint32{k: index},
		Checkpoint: fn.Some(testBlock(tip)),
	}, tx
}
