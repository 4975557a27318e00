// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chainfee provides fee rate estimates for transaction builders.
// Estimates are keyed by confirmation target, in blocks, and expressed in
// sat/vB.
package chainfee

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/btcsuite/hdwallet/pkg/unit"
)

var (
	// ErrNoEstimates is returned when the source reports no fee
	// estimates at all.
	ErrNoEstimates = errors.New("no fee estimates available")

	// ErrInvalidConfTarget is returned for a confirmation target of zero
	// blocks.
	ErrInvalidConfTarget = errors.New("confirmation target must be at " +
		"least one block")
)

// Oracle answers fee rate questions for callers building transactions.
type Oracle interface {
	// FeeEstimates maps confirmation targets to fee rates.
	FeeEstimates(ctx context.Context) (map[uint32]unit.SatPerVByte, error)

	// EstimateFeeRate returns the fee rate expected to confirm within
	// confTarget blocks.
	EstimateFeeRate(ctx context.Context,
		confTarget uint32) (unit.SatPerVByte, error)

	// MempoolMinFee is the lowest fee rate the mempool accepts.
	MempoolMinFee(ctx context.Context) (unit.SatPerVByte, error)

	// MinReplacementFee is the lowest fee rate increase a replacement
	// must pay.
	MinReplacementFee(ctx context.Context) (unit.SatPerVByte, error)
}

// SelectFeeRate picks the estimate for confTarget out of a target to rate
// mapping. The estimate of the closest target at or below confTarget is
// used, since it confirms at least as fast. When every known target is
// slower than confTarget the highest known rate is returned.
func SelectFeeRate(estimates map[uint32]unit.SatPerVByte,
	confTarget uint32) (unit.SatPerVByte, error) {

	if confTarget == 0 {
		return unit.SatPerVByte{}, ErrInvalidConfTarget
	}
	if len(estimates) == 0 {
		return unit.SatPerVByte{}, ErrNoEstimates
	}

	targets := slices.Sorted(maps.Keys(estimates))
	for i := len(targets) - 1; i >= 0; i-- {
		if targets[i] <= confTarget {
			return estimates[targets[i]], nil
		}
	}

	var highest unit.SatPerVByte
	for _, target := range targets {
		rate := estimates[target]
		if highest.Rat == nil || rate.GreaterThan(highest) {
			highest = rate
		}
	}

	log.Debugf("No estimate at or below %d blocks, using highest rate %v",
		confTarget, highest)

	return highest, nil
}

// StaticOracle returns fixed rates. It is useful for tests and for callers
// that pin their fees.
type StaticOracle struct {
	estimates      map[uint32]unit.SatPerVByte
	mempoolMin     unit.SatPerVByte
	minReplacement unit.SatPerVByte
}

// NewStaticOracle returns an oracle that always reports the given values.
func NewStaticOracle(estimates map[uint32]unit.SatPerVByte, mempoolMin,
	minReplacement unit.SatPerVByte) *StaticOracle {

	return &StaticOracle{
		estimates:      maps.Clone(estimates),
		mempoolMin:     mempoolMin,
		minReplacement: minReplacement,
	}
}

// FeeEstimates returns a copy of the static estimates.
//
// NOTE: This method is part of the Oracle interface.
func (s *StaticOracle) FeeEstimates(
	context.Context) (map[uint32]unit.SatPerVByte, error) {

	if len(s.estimates) == 0 {
		return nil, ErrNoEstimates
	}

	return maps.Clone(s.estimates), nil
}

// EstimateFeeRate selects from the static estimates.
//
// NOTE: This method is part of the Oracle interface.
func (s *StaticOracle) EstimateFeeRate(_ context.Context,
	confTarget uint32) (unit.SatPerVByte, error) {

	return SelectFeeRate(s.estimates, confTarget)
}

// MempoolMinFee returns the static mempool floor.
//
// NOTE: This method is part of the Oracle interface.
func (s *StaticOracle) MempoolMinFee(
	context.Context) (unit.SatPerVByte, error) {

	return s.mempoolMin, nil
}

// MinReplacementFee returns the static replacement increment.
//
// NOTE: This method is part of the Oracle interface.
func (s *StaticOracle) MinReplacementFee(
	context.Context) (unit.SatPerVByte, error) {

	return s.minReplacement, nil
}

// A compile-time assertion to ensure that StaticOracle implements the Oracle
// interface.
var _ Oracle = (*StaticOracle)(nil)

// estimateFrom fetches estimates and selects the rate for confTarget.
func estimateFrom(ctx context.Context, o Oracle,
	confTarget uint32) (unit.SatPerVByte, error) {

	estimates, err := o.FeeEstimates(ctx)
	if err != nil {
		return unit.SatPerVByte{}, fmt.Errorf("fee estimates: %w", err)
	}

	return SelectFeeRate(estimates, confTarget)
}
