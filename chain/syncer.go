// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSyncInterval is the mean time between background syncs.
	DefaultSyncInterval = 10 * time.Minute

	// DefaultSyncJitter spreads background syncs by +/- 20%.
	DefaultSyncJitter = 0.2
)

// ErrSyncerStopped is returned when using a stopped syncer.
var ErrSyncerStopped = errors.New("syncer stopped")

// SyncKind is the kind of work a sync did.
type SyncKind string

const (
	// SyncFull is a gap-limited discovery from index zero.
	SyncFull SyncKind = "full"

	// SyncPartial is a refresh of known scripts.
	SyncPartial SyncKind = "partial"

	// SyncSkipped means the account was already current.
	SyncSkipped SyncKind = "skipped"
)

// SyncResult describes a completed sync.
type SyncResult struct {
	Kind SyncKind

	// Update is the applied update, nil when skipped.
	Update *txstore.Update
}

// SyncerConfig holds the syncer dependencies.
type SyncerConfig struct {
	// Engine computes the updates.
	Engine *Engine

	// StopGap is passed to full syncs.
	StopGap fn.Option[int]

	// Ticker drives background syncs. Nil selects a JitterTicker with
	// DefaultSyncInterval and DefaultSyncJitter.
	Ticker ticker.Ticker

	// Clock times syncs for the duration metric.
	Clock clock.Clock

	// Registerer receives the sync metrics. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
}

// Syncer keeps a set of accounts in sync. A sync of an account runs at most
// once at a time: concurrent requests for the same account share the result
// of the one in flight.
type Syncer struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg     SyncerConfig
	metrics *syncMetrics
	group   singleflight.Group

	mu      sync.Mutex
	targets map[string]SyncTarget

	flightMtx sync.Mutex
	flights   map[string]*flight

	// syncs tracks running shared syncs, which may outlive their callers.
	syncs sync.WaitGroup

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewSyncer creates a syncer. Accounts are added with Watch.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Engine == nil {
		return nil, errors.New("syncer requires an engine")
	}
	if cfg.Ticker == nil {
		cfg.Ticker = NewJitterTicker(
			DefaultSyncInterval, DefaultSyncJitter,
		)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	metrics, err := newSyncMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}

	return &Syncer{
		cfg:     cfg,
		metrics: metrics,
		targets: make(map[string]SyncTarget),
		flights: make(map[string]*flight),
		quit:    make(chan struct{}),
	}, nil
}

// flight is the context of a shared sync. It is canceled once every caller
// waiting on the sync has left.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// flightResult carries the flight a sync ran under next to its result.
type flightResult struct {
	flight *flight
	result *SyncResult
}

// join registers a caller with the flight of the account.
func (s *Syncer) join(key string) *flight {
	s.flightMtx.Lock()
	defer s.flightMtx.Unlock()

	f, ok := s.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		f = &flight{ctx: ctx, cancel: cancel}
		s.flights[key] = f
	}
	f.waiters++

	return f
}

// leave unregisters a caller. The last one out cancels the flight.
func (s *Syncer) leave(key string, f *flight) {
	s.flightMtx.Lock()
	defer s.flightMtx.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}

	f.cancel()
	if s.flights[key] == f {
		delete(s.flights, key)
	}
}

// Sync brings one account up to date. Without a checkpoint it runs a full
// sync, otherwise a partial sync when ShouldSync reports the account stale.
// A caller joining a sync already in flight gets that sync's result. The
// shared sync is canceled only when every joined caller gave up, so one
// caller's cancellation does not fail the others.
func (s *Syncer) Sync(ctx context.Context,
	target SyncTarget) (*SyncResult, error) {

	if atomic.LoadInt32(&s.stopped) == 1 {
		return nil, ErrSyncerStopped
	}

	key := target.Key()
	f := s.join(key)
	defer s.leave(key, f)

	for {
		resChan := s.group.DoChan(key, func() (interface{}, error) {
			s.syncs.Add(1)
			defer s.syncs.Done()

			res, err := s.syncOnce(f.ctx, target)
			return flightResult{flight: f, result: res}, err
		})

		select {
		case res := <-resChan:
			if res.Shared {
				log.Tracef("Shared sync of account %s", key)
			}

			ran := res.Val.(flightResult).flight

			// A sync abandoned by all of its callers may still be
			// unwinding when a new caller joins it. Run again
			// under the caller's own flight.
			if res.Err != nil && ran != f && ran.ctx.Err() != nil &&
				ctx.Err() == nil {

				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}

			return res.Val.(flightResult).result, nil

		case <-ctx.Done():
			return nil, ctx.Err()

		case <-s.quit:
			return nil, ErrSyncerStopped
		}
	}
}

func (s *Syncer) syncOnce(ctx context.Context,
	target SyncTarget) (*SyncResult, error) {

	start := s.cfg.Clock.Now()

	result, err := s.computeAndApply(ctx, target)

	kind := SyncFull
	if result != nil {
		kind = result.Kind
	} else if target.Snapshot().Checkpoint.IsSome() {
		kind = SyncPartial
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.runs.WithLabelValues(string(kind), outcome).Inc()
	s.metrics.duration.WithLabelValues(string(kind)).Observe(
		s.cfg.Clock.Now().Sub(start).Seconds(),
	)

	if err != nil {
		log.Debugf("Sync of account %s failed: %v", target.Key(), err)
		return nil, err
	}

	target.Snapshot().Checkpoint.WhenSome(func(cp wtxmgr.BlockMeta) {
		s.metrics.tip.WithLabelValues(target.Key()).Set(
			float64(cp.Height),
		)
	})

	return result, nil
}

func (s *Syncer) computeAndApply(ctx context.Context,
	target SyncTarget) (*SyncResult, error) {

	var (
		kind SyncKind
		u    *txstore.Update
		err  error
	)
	if target.Snapshot().Checkpoint.IsNone() {
		kind = SyncFull
		u, err = s.cfg.Engine.FullSync(ctx, target, s.cfg.StopGap)
	} else {
		stale, serr := s.cfg.Engine.ShouldSync(ctx, target)
		if serr != nil {
			return nil, serr
		}
		if !stale {
			return &SyncResult{Kind: SyncSkipped}, nil
		}

		kind = SyncPartial
		u, err = s.cfg.Engine.PartialSync(ctx, target)
	}
	if err != nil {
		return nil, err
	}

	if err := target.ApplyUpdate(u); err != nil {
		return nil, err
	}

	return &SyncResult{Kind: kind, Update: u}, nil
}

// Watch adds an account to the background schedule.
func (s *Syncer) Watch(target SyncTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.targets[target.Key()] = target
}

// Unwatch removes an account from the background schedule.
func (s *Syncer) Unwatch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.targets, key)
}

// Start begins background syncing.
func (s *Syncer) Start() error {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	log.Info("Starting background account syncer")

	s.cfg.Ticker.Resume()

	s.wg.Add(1)
	go s.syncHandler()

	return nil
}

// Stop halts background syncing and waits for the running sync to return.
func (s *Syncer) Stop() error {
	if atomic.AddInt32(&s.stopped, 1) != 1 {
		return nil
	}

	log.Info("Stopping background account syncer")

	s.cfg.Ticker.Stop()
	close(s.quit)
	s.wg.Wait()
	s.syncs.Wait()

	return nil
}

// syncHandler syncs every watched account on each tick.
//
// NOTE: This MUST be run as a goroutine.
func (s *Syncer) syncHandler() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-s.cfg.Ticker.Ticks():
			s.syncAll(ctx)

		case <-s.quit:
			return
		}
	}
}

// SyncAll syncs every watched account once and returns the number of
// failed syncs.
func (s *Syncer) SyncAll(ctx context.Context) int {
	return s.syncAll(ctx)
}

func (s *Syncer) syncAll(ctx context.Context) int {
	s.mu.Lock()
	targets := make([]SyncTarget, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	var (
		wg     sync.WaitGroup
		failed int32
	)
	for _, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()

			res, err := s.Sync(ctx, t)
			if err != nil {
				atomic.AddInt32(&failed, 1)
				log.Errorf("Unable to sync account %s: %v",
					t.Key(), err)

				return
			}
			log.Debugf("Account %s sync: %s", t.Key(), res.Kind)
		}()
	}
	wg.Wait()

	return int(failed)
}
