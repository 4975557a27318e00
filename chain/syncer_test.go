// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestSyncer(t *testing.T, ledger Ledger,
	tick ticker.Ticker) *Syncer {

	t.Helper()

	s, err := NewSyncer(SyncerConfig{
		Engine:     newTestEngine(ledger),
		Ticker:     tick,
		Clock:      clock.NewTestClock(testTime),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	return s
}

// TestSyncerSync checks the full, skipped and partial sync sequence.
func TestSyncerSync(t *testing.T) {
	t.Parallel()

	ledger := newMockLedger(50)
	ledger.receive(descriptor.External, 0, 25_000, 40)

	s := newTestSyncer(t, ledger, ticker.NewForce(time.Hour))
	acct := newMockAccount("m/84'/1'/0'")
	ctx := context.Background()

	res, err := s.Sync(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, SyncFull, res.Kind)
	require.Len(t, acct.Snapshot().Utxos, 1)

	res, err = s.Sync(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, SyncSkipped, res.Kind)
	require.Nil(t, res.Update)

	ledger.mu.Lock()
	ledger.tip = testTip(51)
	ledger.mu.Unlock()

	res, err = s.Sync(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, SyncPartial, res.Kind)
	require.Equal(t, int32(51), acct.Snapshot().TipHeight())

	require.Equal(t, 1.0, testutil.ToFloat64(
		s.metrics.runs.WithLabelValues("full", "ok"),
	))
	require.Equal(t, 1.0, testutil.ToFloat64(
		s.metrics.runs.WithLabelValues("partial", "ok"),
	))
	require.Equal(t, 51.0, testutil.ToFloat64(
		s.metrics.tip.WithLabelValues("m/84'/1'/0'"),
	))
}

// TestSyncerFailure checks that failed syncs leave the account untouched and
// are counted.
func TestSyncerFailure(t *testing.T) {
	t.Parallel()

	ledger := newMockLedger(50)
	ledger.failScript = testScript(descriptor.External, 0)

	s := newTestSyncer(t, ledger, ticker.NewForce(time.Hour))
	acct := newMockAccount("m/49'/1'/0'")

	_, err := s.Sync(context.Background(), acct)
	require.ErrorIs(t, err, errLedgerDown)
	require.True(t, acct.Snapshot().Checkpoint.IsNone())
	require.Equal(t, 1.0, testutil.ToFloat64(
		s.metrics.runs.WithLabelValues("full", "error"),
	))
}

// TestSyncerSingleFlight checks that concurrent syncs of one account share
// a single run.
func TestSyncerSingleFlight(t *testing.T) {
	t.Parallel()

	ledger := newMockLedger(50)
	ledger.blockTip = make(chan struct{})
	ledger.tipEntered = make(chan struct{}, 2)

	s := newTestSyncer(t, ledger, ticker.NewForce(time.Hour))
	acct := newMockAccount("m/84'/1'/0'")

	var (
		wg      sync.WaitGroup
		results = make([]*SyncResult, 2)
		errs    = make([]error, 2)
	)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()

			results[i], errs[i] = s.Sync(context.Background(), acct)
		}()

		// Let the first sync reach the ledger before the second
		// one starts.
		if i == 0 {
			<-ledger.tipEntered
		}
	}

	// Give the second caller time to join the flight.
	time.Sleep(100 * time.Millisecond)
	close(ledger.blockTip)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Same(t, results[0], results[1])

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	require.Equal(t, 1, ledger.tipCalls)
}

// TestSyncerCallerCancel checks that a caller giving up does not fail the
// callers sharing its sync, and that a sync nobody waits for is canceled.
func TestSyncerCallerCancel(t *testing.T) {
	t.Parallel()

	ledger := newMockLedger(50)
	ledger.blockTip = make(chan struct{})
	ledger.tipEntered = make(chan struct{}, 2)

	s := newTestSyncer(t, ledger, ticker.NewForce(time.Hour))
	acct := newMockAccount("m/84'/1'/0'")

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Sync(firstCtx, acct)
		firstErr <- err
	}()
	<-ledger.tipEntered

	type syncOutcome struct {
		res *SyncResult
		err error
	}
	second := make(chan syncOutcome, 1)
	go func() {
		res, err := s.Sync(context.Background(), acct)
		second <- syncOutcome{res, err}
	}()

	// Give the second caller time to join the flight.
	time.Sleep(100 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(ledger.blockTip)
	out := <-second
	require.NoError(t, out.err)
	require.Equal(t, SyncFull, out.res.Kind)
	require.True(t, acct.Snapshot().Checkpoint.IsSome())

	ledger.mu.Lock()
	require.Equal(t, 1, ledger.tipCalls)
	ledger.mu.Unlock()

	// With every caller gone the sync itself is canceled.
	stalled := newMockLedger(50)
	stalled.blockTip = make(chan struct{})
	stalled.tipEntered = make(chan struct{}, 1)

	s = newTestSyncer(t, stalled, ticker.NewForce(time.Hour))
	lone := newMockAccount("m/86'/1'/0'")

	ctx, cancel := context.WithCancel(context.Background())
	loneErr := make(chan error, 1)
	go func() {
		_, err := s.Sync(ctx, lone)
		loneErr <- err
	}()
	<-stalled.tipEntered

	cancel()
	require.ErrorIs(t, <-loneErr, context.Canceled)

	// Stop waits for the abandoned sync to unwind.
	require.NoError(t, s.Stop())
	require.True(t, lone.Snapshot().Checkpoint.IsNone())
}

// TestSyncerBackground checks that ticks sync every watched account.
func TestSyncerBackground(t *testing.T) {
	t.Parallel()

	ledger := newMockLedger(70)
	ledger.receive(descriptor.Internal, 0, 1_000, 60)

	force := ticker.NewForce(time.Hour)
	s := newTestSyncer(t, ledger, force)

	accts := []*mockAccount{
		newMockAccount("m/84'/1'/0'"),
		newMockAccount("m/86'/1'/0'"),
	}
	for _, a := range accts {
		s.Watch(a)
	}
	s.Unwatch("m/86'/1'/0'")

	require.NoError(t, s.Start())
	force.Force <- testTime

	require.Eventually(t, func() bool {
		return accts[0].Snapshot().Checkpoint.IsSome()
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.True(t, accts[1].Snapshot().Checkpoint.IsNone())

	_, err := s.Sync(context.Background(), accts[1])
	require.ErrorIs(t, err, ErrSyncerStopped)
}

// TestSyncAll checks the one-shot sync of all watched accounts.
func TestSyncAll(t *testing.T) {
	t.Parallel()

	ledger := newMockLedger(70)
	ledger.failScript = testScript(descriptor.Internal, 0)

	s := newTestSyncer(t, ledger, ticker.NewForce(time.Hour))
	s.Watch(newMockAccount("a"))
	s.Watch(newMockAccount("b"))

	require.Equal(t, 2, s.SyncAll(context.Background()))
}

// TestCalculateMinMax tests the calculation of the min and max jitter values.
func TestCalculateMinMax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		scaler   float64
		min, max int64
	}{
		{name: "no jitter", scaler: 0, min: 1000, max: 1000},
		{name: "half", scaler: 0.5, min: 500, max: 1500},
		{name: "full", scaler: 1, min: 0, max: 2000},
		{name: "above one", scaler: 1.5, min: 0, max: 2500},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			min, max := calculateMinMax(1000, tc.scaler)
			require.Equal(t, tc.min, min)
			require.Equal(t, tc.max, max)
		})
	}

	require.Panics(t, func() { calculateMinMax(1000, -0.5) })
}

// TestJitterTicker checks that a resumed ticker ticks within its bounds and
// that a paused one does not.
func TestJitterTicker(t *testing.T) {
	t.Parallel()

	jt := NewJitterTicker(20*time.Millisecond, 0.5)
	defer jt.Stop()

	select {
	case <-jt.Ticks():
		t.Fatal("paused ticker ticked")
	case <-time.After(60 * time.Millisecond):
	}

	jt.Resume()
	select {
	case <-jt.Ticks():
	case <-time.After(time.Second):
		t.Fatal("no tick after resume")
	}

	jt.Stop()
	jt.Stop()
}
