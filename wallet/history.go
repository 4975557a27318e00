// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TxTime is when a transaction happened: either ConfirmedTime or
// UnconfirmedTime.
type TxTime interface {
	// Timestamp is the time used to order transactions.
	Timestamp() time.Time

	isTxTime()
}

// ConfirmedTime locates a transaction in a block.
type ConfirmedTime struct {
	Height int32
	Time   time.Time
}

// Timestamp returns the block time.
func (c ConfirmedTime) Timestamp() time.Time { return c.Time }

func (ConfirmedTime) isTxTime() {}

// UnconfirmedTime is the last time a mempool transaction was seen.
type UnconfirmedTime struct {
	LastSeen time.Time
}

// Timestamp returns the last seen time.
func (u UnconfirmedTime) Timestamp() time.Time { return u.LastSeen }

func (UnconfirmedTime) isTxTime() {}

// Pagination selects the window [Skip, Skip+Take) of a transaction list.
type Pagination struct {
	Skip uint32
	Take uint32
}

// SimpleTransaction summarizes the effect of a transaction on an account.
type SimpleTransaction struct {
	TxID chainhash.Hash

	// Received is the value paid to account scripts.
	Received btcutil.Amount

	// Sent is the value spent from account scripts.
	Sent btcutil.Amount

	// Net is Received minus Sent, negative for outgoing payments.
	Net btcutil.Amount

	// Fee is known when every previous output of the transaction is.
	Fee fn.Option[btcutil.Amount]

	Time TxTime

	// AccountKey identifies the account the summary belongs to.
	AccountKey string
}

// InputDetail is one input of a DetailedTransaction.
type InputDetail struct {
	PreviousOutPoint wire.OutPoint

	// Value and Address are known when the previous output is.
	Value   fn.Option[btcutil.Amount]
	Address fn.Option[btcutil.Address]

	IsMine bool
}

// OutputDetail is one output of a DetailedTransaction.
type OutputDetail struct {
	Index    uint32
	Value    btcutil.Amount
	PkScript []byte

	// Address is absent for non standard scripts.
	Address fn.Option[btcutil.Address]

	IsMine bool

	// Keychain is set for outputs paying to the account.
	Keychain fn.Option[descriptor.Keychain]
}

// DetailedTransaction is a SimpleTransaction with resolved inputs and
// outputs.
type DetailedTransaction struct {
	SimpleTransaction

	Inputs  []InputDetail
	Outputs []OutputDetail
}

// Transactions returns the account history. Sorted lists are ordered newest
// first by block time, or last seen time for unconfirmed ones, otherwise by
// txid. The pagination window, when given, is applied after ordering.
func (a *Account) Transactions(p fn.Option[Pagination],
	sorted bool) ([]SimpleTransaction, error) {

	snap := a.Snapshot()

	txs := make([]SimpleTransaction, 0, len(snap.Txs))
	for _, rec := range snap.Txs {
		txs = append(txs, a.summarize(snap, rec))
	}

	return paginate(orderTransactions(txs, sorted), p), nil
}

// Transaction returns the detailed view of a transaction of the account.
func (a *Account) Transaction(txid chainhash.Hash) (*DetailedTransaction,
	error) {

	snap := a.Snapshot()

	rec, ok := snap.Txs[txid]
	if !ok {
		return nil, ErrTransactionNotFound
	}

	detail := &DetailedTransaction{
		SimpleTransaction: a.summarize(snap, rec),
		Inputs:            make([]InputDetail, len(rec.MsgTx.TxIn)),
		Outputs:           make([]OutputDetail, len(rec.MsgTx.TxOut)),
	}

	for i, txIn := range rec.MsgTx.TxIn {
		in := InputDetail{
			PreviousOutPoint: txIn.PreviousOutPoint,
			Value:            fn.None[btcutil.Amount](),
			Address:          fn.None[btcutil.Address](),
		}
		if prevOut := prevOutput(snap, rec, i); prevOut != nil {
			in.Value = fn.Some(btcutil.Amount(prevOut.Value))
			in.Address = scriptAddress(prevOut.PkScript, a.params)
			_, in.IsMine = a.ownedScript(snap, prevOut.PkScript)
		}
		detail.Inputs[i] = in
	}

	for i, txOut := range rec.MsgTx.TxOut {
		out := OutputDetail{
			Index:    uint32(i),
			Value:    btcutil.Amount(txOut.Value),
			PkScript: txOut.PkScript,
			Address:  scriptAddress(txOut.PkScript, a.params),
			Keychain: fn.None[descriptor.Keychain](),
		}
		if loc, ok := a.ownedScript(snap, txOut.PkScript); ok {
			out.IsMine = true
			out.Keychain = fn.Some(loc.keychain)
		}
		detail.Outputs[i] = out
	}

	return detail, nil
}

// summarize computes the account view of a record.
func (a *Account) summarize(snap *txstore.Snapshot,
	rec *txstore.TxRecord) SimpleTransaction {

	var received, sent btcutil.Amount
	for _, txOut := range rec.MsgTx.TxOut {
		if _, ok := a.ownedScript(snap, txOut.PkScript); ok {
			received += btcutil.Amount(txOut.Value)
		}
	}

	// Mine are the previous outputs paying to the account.
	var mine []*wire.TxOut
	for i := range rec.MsgTx.TxIn {
		prevOut := prevOutput(snap, rec, i)
		if prevOut == nil {
			continue
		}
		if _, ok := a.ownedScript(snap, prevOut.PkScript); ok {
			mine = append(mine, prevOut)
		}
	}
	sent = txauthor.SumOutputValues(mine)

	return SimpleTransaction{
		TxID:       rec.Hash,
		Received:   received,
		Sent:       sent,
		Net:        received - sent,
		Fee:        rec.Fee,
		Time:       recordTime(rec),
		AccountKey: a.key,
	}
}

// prevOutput returns the output spent by input i, from the record itself or
// from another transaction of the account.
func prevOutput(snap *txstore.Snapshot, rec *txstore.TxRecord,
	i int) *wire.TxOut {

	if prevOut := rec.PrevOut(i); prevOut != nil {
		return prevOut
	}

	op := rec.MsgTx.TxIn[i].PreviousOutPoint
	parent, ok := snap.Txs[op.Hash]
	if !ok || int(op.Index) >= len(parent.MsgTx.TxOut) {
		return nil
	}

	return parent.MsgTx.TxOut[op.Index]
}

func recordTime(rec *txstore.TxRecord) TxTime {
	if rec.Confirmed() {
		return ConfirmedTime{Height: rec.Block.Height, Time: rec.Block.Time}
	}

	return UnconfirmedTime{LastSeen: rec.LastSeen}
}

// scriptAddress decodes the address an output script pays to.
func scriptAddress(pkScript []byte,
	params *chaincfg.Params) fn.Option[btcutil.Address] {

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) != 1 {
		return fn.None[btcutil.Address]()
	}

	return fn.Some(addrs[0])
}

// orderTransactions sorts newest first when sorted is set, by txid
// otherwise. Ties are broken by txid so the order is total.
func orderTransactions(txs []SimpleTransaction,
	sorted bool) []SimpleTransaction {

	sort.Slice(txs, func(i, j int) bool {
		if sorted {
			ti, tj := txs[i].Time.Timestamp(), txs[j].Time.Timestamp()
			if !ti.Equal(tj) {
				return ti.After(tj)
			}
		}

		if c := bytes.Compare(txs[i].TxID[:], txs[j].TxID[:]); c != 0 {
			return c < 0
		}

		return txs[i].AccountKey < txs[j].AccountKey
	})

	return txs
}

// paginate applies the window to an ordered list.
func paginate(txs []SimpleTransaction,
	p fn.Option[Pagination]) []SimpleTransaction {

	if p.IsNone() {
		return txs
	}
	window := p.UnsafeFromSome()

	if uint64(window.Skip) >= uint64(len(txs)) {
		return []SimpleTransaction{}
	}

	txs = txs[window.Skip:]
	if uint64(window.Take) < uint64(len(txs)) {
		txs = txs[:window.Take]
	}

	return txs
}

func outPointLess(a, b wire.OutPoint) bool {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}

	return a.Index < b.Index
}
