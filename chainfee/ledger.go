// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainfee

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/btcsuite/hdwallet/chain"
	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long ledger answers are served from the cache.
const DefaultCacheTTL = 2 * time.Minute

// Source is the part of a ledger that reports fee rates.
type Source interface {
	FeeEstimates(ctx context.Context) (map[uint32]unit.SatPerVByte, error)
	MempoolMinFee(ctx context.Context) (unit.SatPerVByte, error)
	MinReplacementFee(ctx context.Context) (unit.SatPerVByte, error)
}

// Every chain ledger is a fee source.
var _ Source = (chain.Ledger)(nil)

// LedgerConfig holds the dependencies of a LedgerOracle.
type LedgerConfig struct {
	// Source is queried on cache misses.
	Source Source

	// TTL is how long an answer stays cached. Zero means
	// DefaultCacheTTL.
	TTL time.Duration

	// Clock is used to expire cached answers.
	Clock clock.Clock
}

// cacheEntry is a value with its expiry time.
type cacheEntry[T any] struct {
	value  T
	expiry time.Time
}

// LedgerOracle serves fee rates from a ledger, caching every answer for a
// while so repeated builder runs do not hit the network. Failed queries are
// not cached. Concurrent misses for the same value share one query.
type LedgerOracle struct {
	cfg LedgerConfig

	group singleflight.Group

	mtx            sync.Mutex
	estimates      fn.Option[cacheEntry[map[uint32]unit.SatPerVByte]]
	mempoolMin     fn.Option[cacheEntry[unit.SatPerVByte]]
	minReplacement fn.Option[cacheEntry[unit.SatPerVByte]]
}

// NewLedgerOracle returns an oracle backed by the configured source.
func NewLedgerOracle(cfg LedgerConfig) *LedgerOracle {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &LedgerOracle{cfg: cfg}
}

// cached returns the entry value if it has not expired, otherwise it runs
// fetch once for all concurrent callers and stores the result.
func cached[T any](ctx context.Context, o *LedgerOracle, key string,
	entry *fn.Option[cacheEntry[T]],
	fetch func(context.Context) (T, error)) (T, error) {

	o.mtx.Lock()
	now := o.cfg.Clock.Now()
	hit := fn.FlatMapOption(func(e cacheEntry[T]) fn.Option[T] {
		if now.Before(e.expiry) {
			return fn.Some(e.value)
		}

		return fn.None[T]()
	})(*entry)
	o.mtx.Unlock()

	if hit.IsSome() {
		return hit.UnsafeFromSome(), nil
	}

	res, err, _ := o.group.Do(key, func() (interface{}, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		o.mtx.Lock()
		*entry = fn.Some(cacheEntry[T]{
			value:  v,
			expiry: o.cfg.Clock.Now().Add(o.cfg.TTL),
		})
		o.mtx.Unlock()

		log.Tracef("Refreshed %s: %v", key, v)

		return v, nil
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("query %s: %w", key, err)
	}

	return res.(T), nil
}

// FeeEstimates returns a copy of the cached estimates, refreshing them when
// stale.
//
// NOTE: This method is part of the Oracle interface.
func (o *LedgerOracle) FeeEstimates(
	ctx context.Context) (map[uint32]unit.SatPerVByte, error) {

	estimates, err := cached(
		ctx, o, "fee estimates", &o.estimates, o.cfg.Source.FeeEstimates,
	)
	if err != nil {
		return nil, err
	}
	if len(estimates) == 0 {
		return nil, ErrNoEstimates
	}

	return maps.Clone(estimates), nil
}

// EstimateFeeRate selects the rate for confTarget from the cached estimates.
//
// NOTE: This method is part of the Oracle interface.
func (o *LedgerOracle) EstimateFeeRate(ctx context.Context,
	confTarget uint32) (unit.SatPerVByte, error) {

	if confTarget == 0 {
		return unit.SatPerVByte{}, ErrInvalidConfTarget
	}

	return estimateFrom(ctx, o, confTarget)
}

// MempoolMinFee returns the cached mempool floor.
//
// NOTE: This method is part of the Oracle interface.
func (o *LedgerOracle) MempoolMinFee(
	ctx context.Context) (unit.SatPerVByte, error) {

	return cached(
		ctx, o, "mempool min fee", &o.mempoolMin,
		o.cfg.Source.MempoolMinFee,
	)
}

// MinReplacementFee returns the cached replacement increment.
//
// NOTE: This method is part of the Oracle interface.
func (o *LedgerOracle) MinReplacementFee(
	ctx context.Context) (unit.SatPerVByte, error) {

	return cached(
		ctx, o, "min replacement fee", &o.minReplacement,
		o.cfg.Source.MinReplacementFee,
	)
}

// Invalidate drops every cached answer, for example after a new block.
func (o *LedgerOracle) Invalidate() {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	o.estimates = fn.None[cacheEntry[map[uint32]unit.SatPerVByte]]()
	o.mempoolMin = fn.None[cacheEntry[unit.SatPerVByte]]()
	o.minReplacement = fn.None[cacheEntry[unit.SatPerVByte]]()
}

// A compile-time assertion to ensure that LedgerOracle implements the Oracle
// interface.
var _ Oracle = (*LedgerOracle)(nil)
