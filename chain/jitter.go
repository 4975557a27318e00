// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

// JitterTicker is a ticker.Ticker whose interval is drawn uniformly from
// [d*(1-jitter), d*(1+jitter)] on every tick. Accounts synced on a jittered
// schedule do not hit the ledger in lockstep.
type JitterTicker struct {
	c chan time.Time

	duration time.Duration

	// min and max bound the random interval, in nanoseconds.
	min int64
	max int64

	mu     sync.Mutex
	active bool
	timer  *time.Timer

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// A compile-time check to ensure JitterTicker implements ticker.Ticker.
var _ ticker.Ticker = (*JitterTicker)(nil)

// NewJitterTicker returns a paused ticker. It panics on a negative jitter.
func NewJitterTicker(d time.Duration, jitter float64) *JitterTicker {
	min, max := calculateMinMax(d, jitter)

	jt := &JitterTicker{
		c:        make(chan time.Time, 1),
		duration: d,
		min:      min,
		max:      max,
		quit:     make(chan struct{}),
	}

	return jt
}

// calculateMinMax calculates the min and max duration values. A negative min
// is clamped to zero.
func calculateMinMax(d time.Duration, scaler float64) (int64, int64) {
	if scaler < 0 {
		panic(errors.New("scaler must be positive"))
	}

	min := math.Floor(float64(d) * (1 - scaler))
	max := math.Ceil(float64(d) * (1 + scaler))
	if 1-scaler < 0 {
		min = 0
	}

	return int64(min), int64(max)
}

// Ticks returns the tick channel.
//
// NOTE: Part of the ticker.Ticker interface.
func (jt *JitterTicker) Ticks() <-chan time.Time {
	return jt.c
}

// Resume starts delivering ticks.
//
// NOTE: Part of the ticker.Ticker interface.
func (jt *JitterTicker) Resume() {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	if jt.active {
		return
	}
	jt.active = true

	if jt.timer == nil {
		jt.timer = time.NewTimer(jt.rand())
		jt.wg.Add(1)
		go jt.run(jt.timer)

		return
	}
	jt.timer.Reset(jt.rand())
}

// Pause stops delivering ticks until the next Resume.
//
// NOTE: Part of the ticker.Ticker interface.
func (jt *JitterTicker) Pause() {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	jt.active = false
	if jt.timer != nil {
		jt.timer.Stop()
	}
}

// Stop shuts the ticker down. It cannot be resumed afterwards.
//
// NOTE: Part of the ticker.Ticker interface.
func (jt *JitterTicker) Stop() {
	jt.once.Do(func() {
		jt.Pause()
		close(jt.quit)
		jt.wg.Wait()
	})
}

func (jt *JitterTicker) run(timer *time.Timer) {
	defer jt.wg.Done()

	for {
		select {
		case t := <-timer.C:
			jt.mu.Lock()
			if jt.active {
				timer.Reset(jt.rand())
			}
			jt.mu.Unlock()

			// Ticks are dropped when the reader is behind.
			select {
			case jt.c <- t:
			default:
			}

		case <-jt.quit:
			return
		}
	}
}

// rand returns a random duration between the min and max values.
func (jt *JitterTicker) rand() time.Duration {
	if jt.max == jt.min {
		return jt.duration
	}

	d := rand.Int63n(jt.max-jt.min) + jt.min //nolint:gosec
	return time.Duration(d)
}
