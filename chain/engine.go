// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultStopGap is the number of consecutive unused scripts after
	// which a full sync stops scanning a keychain.
	DefaultStopGap = 20

	// DefaultLookahead is the number of unused scripts past the last used
	// index a partial sync checks.
	DefaultLookahead = 5

	// DefaultMaxConcurrency bounds the number of ledger queries in
	// flight.
	DefaultMaxConcurrency = 8
)

// ErrInvalidStopGap is returned for a stop gap below one.
var ErrInvalidStopGap = errors.New("stop gap must be at least 1")

// EngineConfig holds the engine dependencies.
type EngineConfig struct {
	// Ledger is queried for chain state.
	Ledger Ledger

	// Lookahead is the partial sync lookahead. Zero selects
	// DefaultLookahead.
	Lookahead uint32

	// MaxConcurrency bounds parallel ledger queries. Zero selects
	// DefaultMaxConcurrency.
	MaxConcurrency int

	// Clock stamps the last seen time of mempool transactions.
	Clock clock.Clock
}

// Engine computes account updates from a ledger. It never mutates accounts:
// every method either returns a complete update or an error.
type Engine struct {
	cfg EngineConfig
}

// NewEngine creates an engine, filling in defaults for unset config fields.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Lookahead == 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Engine{cfg: cfg}
}

// scriptActivity is the ledger view of one derived script.
type scriptActivity struct {
	keychain descriptor.Keychain
	index    uint32
	pkScript []byte
	txs      []*LedgerTx
	utxos    []*LedgerUtxo
}

func (a *scriptActivity) used() bool {
	return len(a.txs) > 0
}

// FullSync discovers the account's scripts from index zero on both keychains.
// A keychain is scanned until stopGap consecutive scripts show no activity.
func (e *Engine) FullSync(ctx context.Context, view AccountView,
	stopGap fn.Option[int]) (*txstore.Update, error) {

	gap := stopGap.UnwrapOr(DefaultStopGap)
	if gap < 1 {
		return nil, ErrInvalidStopGap
	}

	log.Debugf("Full sync of account %s with stop gap %d", view.Key(),
		gap)

	return e.sync(ctx, view, func(descriptor.Keychain) uint32 {
		return 0
	}, uint32(gap))
}

// PartialSync checks the scripts up to the last used index of each keychain
// plus the lookahead, and refreshes known mempool transactions.
func (e *Engine) PartialSync(ctx context.Context,
	view AccountView) (*txstore.Update, error) {

	snap := view.Snapshot()

	log.Debugf("Partial sync of account %s from height %d", view.Key(),
		snap.TipHeight())

	return e.sync(ctx, view, snap.NextUnused, e.cfg.Lookahead)
}

// sync scans both keychains and assembles the update. scanTo gives the index
// each keychain must be scanned up to before the gap rule applies.
func (e *Engine) sync(ctx context.Context, view AccountView,
	scanTo func(descriptor.Keychain) uint32,
	gap uint32) (*txstore.Update, error) {

	snap := view.Snapshot()

	tip, err := e.cfg.Ledger.BestBlock(ctx)
	if err != nil {
		return nil, syncErr(view, "best block", err)
	}

	scans := make([][]*scriptActivity, len(descriptor.Keychains))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, k := range descriptor.Keychains {
		eg.Go(func() error {
			scanned, err := e.scanKeychain(
				egCtx, view, k, scanTo(k), gap,
			)
			if err != nil {
				return err
			}
			scans[i] = scanned

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, syncErr(view, "scan", err)
	}

	var activity []*scriptActivity
	for _, scanned := range scans {
		activity = append(activity, scanned...)
	}
	if err := e.fetchUtxos(ctx, activity); err != nil {
		return nil, syncErr(view, "utxos", err)
	}

	u, pending := e.buildUpdate(snap, activity, tip)

	// Mempool transactions the scan did not return either confirmed
	// through scripts outside the scanned range or were dropped.
	if err := e.refreshPending(ctx, u, pending); err != nil {
		return nil, syncErr(view, "tx status", err)
	}

	log.Debugf("Sync of account %s at height %d: %d utxos added, %d "+
		"removed, %d txs, %d evicted", view.Key(), tip.Height,
		len(u.AddUtxos), len(u.RemoveUtxos), len(u.Txs),
		len(u.EvictTxs))
	log.Tracef("Sync update: %v", spewUpdate(u))

	return u, nil
}

// scanKeychain queries scripts in batches until at least scanTo scripts were
// checked and the last gap of them were unused.
func (e *Engine) scanKeychain(ctx context.Context, view AccountView,
	k descriptor.Keychain, scanTo, gap uint32) ([]*scriptActivity, error) {

	var (
		scanned []*scriptActivity
		unused  uint32
		next    uint32
	)
	for {
		// Never query past the index where the gap is reached.
		batch := gap - unused
		if next < scanTo && scanTo-next > batch {
			batch = scanTo - next
		}

		results := make([]*scriptActivity, batch)
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(e.cfg.MaxConcurrency)

		for i := range results {
			index := next + uint32(i)
			pkScript, err := view.ScriptAt(k, index)
			if err != nil {
				return nil, fmt.Errorf("derive %v/%d: %w", k,
					index, err)
			}

			eg.Go(func() error {
				txs, err := e.cfg.Ledger.ScriptActivity(
					egCtx, pkScript,
				)
				if err != nil {
					return err
				}
				results[i] = &scriptActivity{
					keychain: k,
					index:    index,
					pkScript: pkScript,
					txs:      txs,
				}

				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}

		for _, r := range results {
			scanned = append(scanned, r)
			if r.used() {
				unused = 0
			} else {
				unused++
			}

			if r.index+1 >= scanTo && unused >= gap {
				log.Tracef("Keychain %v scanned to index %d", k,
					r.index)

				return scanned, nil
			}
		}
		next += batch
	}
}

// fetchUtxos loads the unspent outputs of every used script.
func (e *Engine) fetchUtxos(ctx context.Context,
	activity []*scriptActivity) error {

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.MaxConcurrency)

	for _, a := range activity {
		if !a.used() {
			continue
		}

		eg.Go(func() error {
			utxos, err := e.cfg.Ledger.ScriptUtxos(egCtx, a.pkScript)
			if err != nil {
				return err
			}
			a.utxos = utxos

			return nil
		})
	}

	return eg.Wait()
}

// buildUpdate diffs the scan against the snapshot. It returns the update and
// the snapshot's mempool transactions the scan did not return.
func (e *Engine) buildUpdate(snap *txstore.Snapshot,
	activity []*scriptActivity,
	tip BlockStamp) (*txstore.Update, []*txstore.TxRecord) {

	var (
		now      = e.cfg.Clock.Now()
		seenTxs  = make(map[chainhash.Hash]*LedgerTx)
		utxos    = make(map[wire.OutPoint]txstore.Utxo)
		scripts  = make(map[string]struct{}, len(activity))
		lastUsed = make(map[descriptor.Keychain]uint32)
	)

	for _, a := range activity {
		scripts[string(a.pkScript)] = struct{}{}
		if !a.used() {
			continue
		}

		if cur, ok := lastUsed[a.keychain]; !ok || a.index > cur {
			lastUsed[a.keychain] = a.index
		}
		for _, tx := range a.txs {
			seenTxs[tx.Tx.TxHash()] = tx
		}
		for _, lu := range a.utxos {
			block := lu.Status.blockMeta()
			utxos[lu.OutPoint] = txstore.Utxo{
				OutPoint: lu.OutPoint,
				Value:    lu.Value,
				PkScript: a.pkScript,
				Keychain: a.keychain,
				Index:    a.index,
				Height:   block.Height,
			}
		}
	}

	u := &txstore.Update{
		Checkpoint: fn.Some(tip),
	}

	// Only record indexes that move forward.
	for k, idx := range lastUsed {
		if cur, ok := snap.LastUsed[k]; ok && cur >= idx {
			continue
		}
		if u.LastUsed == nil {
			u.LastUsed = make(map[descriptor.Keychain]uint32)
		}
		u.LastUsed[k] = idx
	}

	for op, utxo := range utxos {
		if tx, ok := seenTxs[op.Hash]; ok {
			utxo.IsCoinbase = blockchain.IsCoinBaseTx(tx.Tx)
		}
		if old, ok := snap.Utxos[op]; ok && sameUtxo(&old, &utxo) {
			continue
		}
		u.AddUtxos = append(u.AddUtxos, utxo)
	}
	for op, old := range snap.Utxos {
		if _, ok := utxos[op]; ok {
			continue
		}
		if _, ok := scripts[string(old.PkScript)]; ok {
			u.RemoveUtxos = append(u.RemoveUtxos, op)
		}
	}

	for hash, tx := range seenTxs {
		rec := newRecord(tx, now)
		if old, ok := snap.Txs[hash]; ok && sameRecord(old, rec) {
			continue
		}
		u.Txs = append(u.Txs, rec)
	}

	var pending []*txstore.TxRecord
	for hash, old := range snap.Txs {
		if _, ok := seenTxs[hash]; ok || old.Confirmed() {
			continue
		}
		pending = append(pending, old)
	}

	sortUpdate(u)
	sort.Slice(pending, func(i, j int) bool {
		return bytes.Compare(pending[i].Hash[:], pending[j].Hash[:]) < 0
	})

	return u, pending
}

// refreshPending asks the ledger for the status of mempool transactions the
// scan missed, confirming or evicting them in the update.
func (e *Engine) refreshPending(ctx context.Context, u *txstore.Update,
	pending []*txstore.TxRecord) error {

	if len(pending) == 0 {
		return nil
	}

	statuses := make([]*TxStatus, len(pending))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.MaxConcurrency)
	for i, rec := range pending {
		eg.Go(func() error {
			status, err := e.cfg.Ledger.TxStatus(egCtx, rec.Hash)
			switch {
			case errors.Is(err, ErrTxNotFound):
				return nil

			case err != nil:
				return err
			}
			statuses[i] = status

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, rec := range pending {
		status := statuses[i]
		switch {
		case status == nil:
			log.Debugf("Evicting dropped transaction %v", rec.Hash)
			u.EvictTxs = append(u.EvictTxs, rec.Hash)

		case status.Confirmed:
			confirmed := *rec
			confirmed.Block = status.Block
			u.Txs = append(u.Txs, &confirmed)
		}
	}

	return nil
}

// ShouldSync reports whether the account is stale. That is the case when it
// has no checkpoint, when the ledger tip differs from the checkpoint, or when
// a mempool transaction of the account confirmed or left the ledger.
func (e *Engine) ShouldSync(ctx context.Context,
	view AccountView) (bool, error) {

	snap := view.Snapshot()
	if snap.Checkpoint.IsNone() {
		return true, nil
	}
	cp := snap.Checkpoint.UnsafeFromSome()

	tip, err := e.cfg.Ledger.BestBlock(ctx)
	if err != nil {
		return false, syncErr(view, "best block", err)
	}
	if tip.Height != cp.Height || tip.Hash != cp.Hash {
		log.Debugf("Account %s checkpoint %d is behind tip %d",
			view.Key(), cp.Height, tip.Height)

		return true, nil
	}

	var pending []chainhash.Hash
	for hash, rec := range snap.Txs {
		if !rec.Confirmed() {
			pending = append(pending, hash)
		}
	}

	changed := make([]bool, len(pending))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.MaxConcurrency)
	for i, hash := range pending {
		eg.Go(func() error {
			status, err := e.cfg.Ledger.TxStatus(egCtx, hash)
			switch {
			case errors.Is(err, ErrTxNotFound):
				changed[i] = true

			case err != nil:
				return err

			default:
				changed[i] = status.Confirmed
			}

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return false, syncErr(view, "tx status", err)
	}

	for _, c := range changed {
		if c {
			return true, nil
		}
	}

	return false, nil
}

// newRecord converts a ledger transaction into a store record.
func newRecord(tx *LedgerTx, now time.Time) *txstore.TxRecord {
	rec := txstore.NewTxRecord(tx.Tx, now)
	rec.Block = tx.Status.blockMeta()
	rec.PrevOuts = tx.PrevOuts
	rec.Fee = tx.Fee

	if tx.Status.Confirmed {
		rec.LastSeen = time.Time{}
	}
	if rec.Fee.IsNone() {
		rec.Fee = feeFromPrevOuts(tx.Tx, tx.PrevOuts)
	}

	return rec
}

// feeFromPrevOuts computes the fee when every spent output is known.
func feeFromPrevOuts(tx *wire.MsgTx,
	prevOuts []*wire.TxOut) fn.Option[btcutil.Amount] {

	if len(prevOuts) == 0 || len(prevOuts) != len(tx.TxIn) {
		return fn.None[btcutil.Amount]()
	}

	for _, out := range prevOuts {
		if out == nil {
			return fn.None[btcutil.Amount]()
		}
	}
	in := txauthor.SumOutputValues(prevOuts)

	fee := in - txauthor.SumOutputValues(tx.TxOut)
	if fee < 0 {
		return fn.None[btcutil.Amount]()
	}

	return fn.Some(fee)
}

func sameUtxo(a, b *txstore.Utxo) bool {
	return a.Value == b.Value && a.Height == b.Height &&
		a.IsCoinbase == b.IsCoinbase && a.Keychain == b.Keychain &&
		a.Index == b.Index && bytes.Equal(a.PkScript, b.PkScript)
}

// sameRecord reports whether a fresh record adds nothing to a stored one.
// Mempool transactions are always refreshed to bump their last seen time.
func sameRecord(old, rec *txstore.TxRecord) bool {
	if !rec.Confirmed() {
		return false
	}

	return old.Block.Block == rec.Block.Block &&
		(old.Fee.IsSome() || rec.Fee.IsNone())
}

func sortUpdate(u *txstore.Update) {
	sort.Slice(u.AddUtxos, func(i, j int) bool {
		return outPointLess(u.AddUtxos[i].OutPoint, u.AddUtxos[j].OutPoint)
	})
	sort.Slice(u.RemoveUtxos, func(i, j int) bool {
		return outPointLess(u.RemoveUtxos[i], u.RemoveUtxos[j])
	})
	sort.Slice(u.Txs, func(i, j int) bool {
		return bytes.Compare(u.Txs[i].Hash[:], u.Txs[j].Hash[:]) < 0
	})
}

func outPointLess(a, b wire.OutPoint) bool {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}

	return a.Index < b.Index
}
