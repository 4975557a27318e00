// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Unmined is the block height used for records that are not in a block,
// following the wtxmgr convention.
const Unmined int32 = -1

// UnminedBlock is the block meta of an unconfirmed record.
var UnminedBlock = wtxmgr.BlockMeta{Block: wtxmgr.Block{Height: Unmined}}

// Utxo is an unspent output paying to one of the account's scripts.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// Keychain and Index locate the script in the account.
	Keychain descriptor.Keychain
	Index    uint32

	// Height is the confirmation height, or Unmined.
	Height int32

	// IsCoinbase marks outputs of coinbase transactions, which are subject
	// to the maturity rule.
	IsCoinbase bool
}

// Confirmed reports whether the output is in a block.
func (u *Utxo) Confirmed() bool {
	return u.Height != Unmined
}

// Confirmations returns the number of confirmations relative to a tip
// height, zero for unconfirmed outputs.
func (u *Utxo) Confirmations(tipHeight int32) int32 {
	if !u.Confirmed() || tipHeight < u.Height {
		return 0
	}

	return tipHeight - u.Height + 1
}

// TxRecord is a transaction relevant to the account.
type TxRecord struct {
	MsgTx *wire.MsgTx
	Hash  chainhash.Hash

	// Block holds the confirming block, with a height of Unmined while
	// the transaction is in the mempool.
	Block wtxmgr.BlockMeta

	// LastSeen is the last time the transaction was observed unconfirmed.
	LastSeen time.Time

	// Fee is set when every previous output of the transaction is known.
	Fee fn.Option[btcutil.Amount]

	// PrevOuts holds the spent output of each input as reported by the
	// ledger, with nil entries for unknown ones.
	PrevOuts []*wire.TxOut
}

// NewTxRecord creates an unconfirmed record for the transaction.
func NewTxRecord(msgTx *wire.MsgTx, seen time.Time) *TxRecord {
	return &TxRecord{
		MsgTx:    msgTx,
		Hash:     msgTx.TxHash(),
		Block:    UnminedBlock,
		LastSeen: seen,
	}
}

// Confirmed reports whether the transaction is in a block.
func (r *TxRecord) Confirmed() bool {
	return r.Block.Height != Unmined
}

// PrevOut returns the known previous output of input i.
func (r *TxRecord) PrevOut(i int) *wire.TxOut {
	if i < 0 || i >= len(r.PrevOuts) {
		return nil
	}

	return r.PrevOuts[i]
}

// mergeTxRecord combines a stored record with a newer observation of the same
// transaction. The newer confirmation status always wins so reorgs are
// reflected, while data only the older record carries is kept.
func mergeTxRecord(old, update *TxRecord) *TxRecord {
	if old == nil {
		return update
	}

	merged := *update
	if old.LastSeen.After(merged.LastSeen) {
		merged.LastSeen = old.LastSeen
	}
	if merged.Fee.IsNone() {
		merged.Fee = old.Fee
	}

	if len(old.PrevOuts) == len(merged.PrevOuts) {
		prevOuts := make([]*wire.TxOut, len(merged.PrevOuts))
		for i := range prevOuts {
			prevOuts[i] = merged.PrevOuts[i]
			if prevOuts[i] == nil {
				prevOuts[i] = old.PrevOuts[i]
			}
		}
		merged.PrevOuts = prevOuts
	} else if len(merged.PrevOuts) == 0 {
		merged.PrevOuts = old.PrevOuts
	}

	return &merged
}

// Update is the delta computed by a sync. It is applied with the same result
// any number of times: UTXOs are keyed by outpoint and transactions by hash.
type Update struct {
	// AddUtxos are new or refreshed unspent outputs.
	AddUtxos []Utxo

	// RemoveUtxos are outputs that are now spent or gone.
	RemoveUtxos []wire.OutPoint

	// Txs are new or refreshed transaction records.
	Txs []*TxRecord

	// EvictTxs are unconfirmed transactions the ledger no longer knows.
	// Their outputs are dropped with them.
	EvictTxs []chainhash.Hash

	// LastUsed is the highest index with on-chain activity per keychain.
	LastUsed map[descriptor.Keychain]uint32

	// Checkpoint is the chain tip the update was computed against.
	Checkpoint fn.Option[wtxmgr.BlockMeta]
}

// IsEmpty reports whether the update carries no UTXO, transaction or index
// changes. The checkpoint is not considered.
func (u *Update) IsEmpty() bool {
	return len(u.AddUtxos) == 0 && len(u.RemoveUtxos) == 0 &&
		len(u.Txs) == 0 && len(u.EvictTxs) == 0 && len(u.LastUsed) == 0
}

// Validate checks the update for malformed entries.
func (u *Update) Validate() error {
	for _, utxo := range u.AddUtxos {
		if utxo.Value < 0 || utxo.Value > btcutil.MaxSatoshi {
			return fmt.Errorf("%w: utxo %v has value %d",
				ErrInvalidUpdate, utxo.OutPoint, utxo.Value)
		}
		if len(utxo.PkScript) == 0 {
			return fmt.Errorf("%w: utxo %v has no script",
				ErrInvalidUpdate, utxo.OutPoint)
		}
	}

	for _, rec := range u.Txs {
		if rec == nil || rec.MsgTx == nil {
			return fmt.Errorf("%w: nil transaction", ErrInvalidUpdate)
		}
		if rec.MsgTx.TxHash() != rec.Hash {
			return fmt.Errorf("%w: hash mismatch for %v",
				ErrInvalidUpdate, rec.Hash)
		}
		if len(rec.PrevOuts) != 0 &&
			len(rec.PrevOuts) != len(rec.MsgTx.TxIn) {

			return fmt.Errorf("%w: %v has %d prevouts for %d "+
				"inputs", ErrInvalidUpdate, rec.Hash,
				len(rec.PrevOuts), len(rec.MsgTx.TxIn))
		}
	}

	return nil
}

// Snapshot is an immutable view of an account store. Apply returns a new
// snapshot and leaves the receiver untouched, so a snapshot can be read
// without locks once obtained.
type Snapshot struct {
	Utxos      map[wire.OutPoint]Utxo
	Txs        map[chainhash.Hash]*TxRecord
	LastUsed   map[descriptor.Keychain]uint32
	Checkpoint fn.Option[wtxmgr.BlockMeta]
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Utxos:      make(map[wire.OutPoint]Utxo),
		Txs:        make(map[chainhash.Hash]*TxRecord),
		LastUsed:   make(map[descriptor.Keychain]uint32),
		Checkpoint: fn.None[wtxmgr.BlockMeta](),
	}
}

// clone makes a shallow copy of the snapshot maps. Records are never mutated
// in place, so sharing them is safe.
func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Utxos:      make(map[wire.OutPoint]Utxo, len(s.Utxos)),
		Txs:        make(map[chainhash.Hash]*TxRecord, len(s.Txs)),
		LastUsed:   make(map[descriptor.Keychain]uint32, len(s.LastUsed)),
		Checkpoint: s.Checkpoint,
	}
	for k, v := range s.Utxos {
		c.Utxos[k] = v
	}
	for k, v := range s.Txs {
		c.Txs[k] = v
	}
	for k, v := range s.LastUsed {
		c.LastUsed[k] = v
	}

	return c
}

// Apply merges the update into a copy of the snapshot and returns it.
func (s *Snapshot) Apply(u *Update) *Snapshot {
	next := s.clone()

	for _, rec := range u.Txs {
		next.Txs[rec.Hash] = mergeTxRecord(next.Txs[rec.Hash], rec)
	}

	for _, hash := range u.EvictTxs {
		delete(next.Txs, hash)
		for op := range next.Utxos {
			if op.Hash == hash {
				delete(next.Utxos, op)
			}
		}
	}

	for _, op := range u.RemoveUtxos {
		delete(next.Utxos, op)
	}
	for _, utxo := range u.AddUtxos {
		next.Utxos[utxo.OutPoint] = utxo
	}

	for k, idx := range u.LastUsed {
		if cur, ok := next.LastUsed[k]; !ok || idx > cur {
			next.LastUsed[k] = idx
		}
	}

	u.Checkpoint.WhenSome(func(cp wtxmgr.BlockMeta) {
		next.Checkpoint = fn.Some(cp)
	})

	return next
}

// UtxoList returns the unspent outputs in no particular order.
func (s *Snapshot) UtxoList() []Utxo {
	utxos := make([]Utxo, 0, len(s.Utxos))
	for _, utxo := range s.Utxos {
		utxos = append(utxos, utxo)
	}

	return utxos
}

// TxList returns the transaction records in no particular order.
func (s *Snapshot) TxList() []*TxRecord {
	txs := make([]*TxRecord, 0, len(s.Txs))
	for _, rec := range s.Txs {
		txs = append(txs, rec)
	}

	return txs
}

// TipHeight returns the checkpoint height, or Unmined without a checkpoint.
func (s *Snapshot) TipHeight() int32 {
	height := Unmined
	s.Checkpoint.WhenSome(func(cp wtxmgr.BlockMeta) {
		height = cp.Height
	})

	return height
}

// NextUnused returns the first index of the keychain without observed
// activity.
func (s *Snapshot) NextUnused(k descriptor.Keychain) uint32 {
	idx, ok := s.LastUsed[k]
	if !ok {
		return 0
	}

	return idx + 1
}
