// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain synchronizes wallet accounts with a remote ledger. The Engine
// turns ledger answers into txstore updates without touching local state, and
// the Syncer drives it for a set of accounts.
package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrTxNotFound is returned by a Ledger when it does not know a transaction.
var ErrTxNotFound = errors.New("transaction not found")

// BlockStamp identifies a block by hash, height and time.
type BlockStamp = wtxmgr.BlockMeta

// TxStatus is the confirmation status of a transaction as seen by a ledger.
type TxStatus struct {
	Confirmed bool

	// Block is the confirming block. It is only set when Confirmed.
	Block BlockStamp
}

// blockMeta returns the status as a wtxmgr block, using the unmined height
// for mempool transactions.
func (s *TxStatus) blockMeta() wtxmgr.BlockMeta {
	if !s.Confirmed {
		return txstore.UnminedBlock
	}

	return s.Block
}

// LedgerTx is a transaction returned by an activity query.
type LedgerTx struct {
	Tx     *wire.MsgTx
	Status TxStatus

	// Fee is set when the ledger reports it.
	Fee fn.Option[btcutil.Amount]

	// PrevOuts holds the spent output of each input, nil when unknown.
	PrevOuts []*wire.TxOut
}

// LedgerUtxo is an unspent output returned by a ledger.
type LedgerUtxo struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	Status   TxStatus
}

// Ledger is a remote source of chain state indexed by output script.
type Ledger interface {
	// ScriptActivity returns every transaction paying to or spending
	// from the script, confirmed or not.
	ScriptActivity(ctx context.Context, pkScript []byte) ([]*LedgerTx,
		error)

	// ScriptUtxos returns the unspent outputs paying to the script.
	ScriptUtxos(ctx context.Context, pkScript []byte) ([]*LedgerUtxo,
		error)

	// Broadcast publishes a transaction and returns its hash.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)

	// FeeEstimates maps confirmation targets, in blocks, to fee rates.
	FeeEstimates(ctx context.Context) (map[uint32]unit.SatPerVByte, error)

	// MempoolMinFee is the lowest fee rate the mempool accepts.
	MempoolMinFee(ctx context.Context) (unit.SatPerVByte, error)

	// MinReplacementFee is the lowest fee rate increase a replacement
	// must pay.
	MinReplacementFee(ctx context.Context) (unit.SatPerVByte, error)

	// BestBlock returns the current chain tip.
	BestBlock(ctx context.Context) (BlockStamp, error)

	// TxStatus returns the status of a transaction, or ErrTxNotFound.
	TxStatus(ctx context.Context, txid chainhash.Hash) (*TxStatus, error)
}

// Broadcaster publishes transactions. Every Ledger is a Broadcaster.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
}

// AccountView is the read-only account surface synced by the Engine.
type AccountView interface {
	// Key uniquely identifies the account, usually by derivation path.
	Key() string

	// Snapshot returns the current immutable account state.
	Snapshot() *txstore.Snapshot

	// ScriptAt derives the output script of a keychain index.
	ScriptAt(k descriptor.Keychain, index uint32) ([]byte, error)
}

// SyncTarget is an account the Syncer can both sync and update.
type SyncTarget interface {
	AccountView

	// ApplyUpdate merges a sync result into the account.
	ApplyUpdate(u *txstore.Update) error
}
