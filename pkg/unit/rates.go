// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package unit provides a set of types for dealing with bitcoin units, fee
// rates and transaction sizes.
package unit

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

const (
	// SatsPerKilo is the number of satoshis in a kilo-satoshi.
	SatsPerKilo = 1000

	// SatPerVByteFromBTCPerKB is the fixed factor used to convert a fee
	// rate expressed in BTC/kB, as reported by bitcoind style mempool
	// endpoints, into sat/vB.
	SatPerVByteFromBTCPerKB = btcutil.SatoshiPerBitcoin / SatsPerKilo

	// floatStringPrecision is the number of decimal places to use when
	// converting a fee rate to a string.
	floatStringPrecision = 2
)

// SatPerVByte represents a fee rate in sat/vbyte. The fee rate is encoded
// as a big.Rat to allow for fractional (sub-satoshi) fee rates.
type SatPerVByte struct {
	*big.Rat
}

// NewSatPerVByte creates a new fee rate in sat/vb. The given fee and vbytes
// are used to calculate the fee rate.
func NewSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	if vb == 0 {
		return SatPerVByte{big.NewRat(0, 1)}
	}

	return SatPerVByte{
		big.NewRat(int64(fee), safeUint64ToInt64(uint64(vb))),
	}
}

// SatsPerVByte creates a whole number sat/vb fee rate.
func SatsPerVByte(sats uint64) SatPerVByte {
	return SatPerVByte{big.NewRat(safeUint64ToInt64(sats), 1)}
}

// SatPerVByteFromDecimal creates a fee rate from a decimal sat/vb value.
// Negative values are clamped to zero.
func SatPerVByteFromDecimal(d decimal.Decimal) SatPerVByte {
	if d.IsNegative() {
		return SatPerVByte{big.NewRat(0, 1)}
	}

	return SatPerVByte{d.Rat()}
}

// SatPerVByteFromFloat creates a fee rate from a floating point sat/vb value
// as reported by explorer style fee estimate endpoints.
func SatPerVByteFromFloat(f float64) SatPerVByte {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return SatPerVByte{big.NewRat(0, 1)}
	}

	return SatPerVByteFromDecimal(decimal.NewFromFloat(f))
}

// FromBTCPerKB converts a fee rate given in BTC/kB into sat/vB. The conversion
// uses decimal arithmetic so values such as 0.00001 BTC/kB map to exactly
// 1 sat/vB.
func FromBTCPerKB(btcPerKB float64) SatPerVByte {
	if math.IsNaN(btcPerKB) || math.IsInf(btcPerKB, 0) {
		return SatPerVByte{big.NewRat(0, 1)}
	}

	d := decimal.NewFromFloat(btcPerKB).Mul(
		decimal.NewFromInt(SatPerVByteFromBTCPerKB),
	)

	return SatPerVByteFromDecimal(d)
}

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes. Fractional satoshis are rounded up so the resulting fee
// never pays less than the requested rate.
func (s SatPerVByte) FeeForVSize(vb VByte) btcutil.Amount {
	if s.Rat == nil {
		return 0
	}

	fee := new(big.Rat).Mul(
		s.Rat, big.NewRat(safeUint64ToInt64(uint64(vb)), 1),
	)

	return ceilToAmount(fee)
}

// FeePerKWeight converts the current fee rate from sat/vb to sat/kw.
func (s SatPerVByte) FeePerKWeight() SatPerKWeight {
	vbToKwRate := big.NewRat(SatsPerKilo, blockchain.WitnessScaleFactor)
	kwRate := new(big.Rat).Mul(s.rat(), vbToKwRate)

	return SatPerKWeight{kwRate}
}

// FeePerKVByte converts the current fee rate from sat/vb to sat/kvb.
func (s SatPerVByte) FeePerKVByte() SatPerKVByte {
	vbToKvbRate := big.NewRat(SatsPerKilo, 1)
	kvbRate := new(big.Rat).Mul(s.rat(), vbToKvbRate)

	return SatPerKVByte{kvbRate}
}

// IsZero returns true if the fee rate is unset or zero.
func (s SatPerVByte) IsZero() bool {
	return s.Rat == nil || s.Sign() == 0
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	return s.rat().FloatString(floatStringPrecision) + " sat/vb"
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.rat().Cmp(other.rat()) == 0
}

// GreaterThan returns true if the fee rate is greater than the other fee rate.
func (s SatPerVByte) GreaterThan(other SatPerVByte) bool {
	return s.rat().Cmp(other.rat()) > 0
}

// LessThan returns true if the fee rate is less than the other fee rate.
func (s SatPerVByte) LessThan(other SatPerVByte) bool {
	return s.rat().Cmp(other.rat()) < 0
}

// Max returns the highest of the two fee rates.
func (s SatPerVByte) Max(other SatPerVByte) SatPerVByte {
	if other.GreaterThan(s) {
		return other
	}

	return s
}

func (s SatPerVByte) rat() *big.Rat {
	if s.Rat == nil {
		return new(big.Rat)
	}

	return s.Rat
}

// SatPerKVByte represents a fee rate in sat/kb. The fee rate is encoded as a
// big.Rat to allow for fractional (sub-satoshi) fee rates.
type SatPerKVByte struct {
	*big.Rat
}

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes.
func (s SatPerKVByte) FeeForVSize(vbytes VByte) btcutil.Amount {
	fee := new(big.Rat).Mul(
		s.Rat,
		big.NewRat(safeUint64ToInt64(uint64(vbytes)), SatsPerKilo),
	)

	return roundToAmount(fee)
}

// Amount returns the fee rate as a whole satoshi per kvbyte amount, rounded
// up. This is the representation expected by txrules.
func (s SatPerKVByte) Amount() btcutil.Amount {
	return ceilToAmount(s.Rat)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return s.FloatString(floatStringPrecision) + " sat/kvb"
}

// SatPerKWeight represents a fee rate in sat/kw. The fee rate is encoded as a
// big.Rat to allow for fractional (sub-satoshi) fee rates.
type SatPerKWeight struct {
	*big.Rat
}

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight in weight units (wu), rounding down.
func (s SatPerKWeight) FeeForWeight(wu WeightUnit) btcutil.Amount {
	fee := new(big.Rat).Mul(
		s.Rat, big.NewRat(safeUint64ToInt64(uint64(wu)), SatsPerKilo),
	)

	return btcutil.Amount(new(big.Int).Div(fee.Num(), fee.Denom()).Int64())
}

// FeePerVByte converts the current fee rate from sat/kw to sat/vb.
func (s SatPerKWeight) FeePerVByte() SatPerVByte {
	kwToVbRate := big.NewRat(blockchain.WitnessScaleFactor, SatsPerKilo)
	vbRate := new(big.Rat).Mul(s.Rat, kwToVbRate)

	return SatPerVByte{vbRate}
}

// String returns a human-readable string of the fee rate.
func (s SatPerKWeight) String() string {
	return s.FloatString(floatStringPrecision) + " sat/kw"
}

// roundToAmount rounds a big.Rat to the nearest btcutil.Amount (int64),
// with halves rounded away from zero.
func roundToAmount(r *big.Rat) btcutil.Amount {
	f, _ := r.Float64()

	return btcutil.Amount(math.Round(f))
}

// ceilToAmount rounds a non-negative big.Rat up to the next whole satoshi
// using the (numerator + denominator - 1) / denominator formula.
func ceilToAmount(r *big.Rat) btcutil.Amount {
	if r == nil || r.Sign() <= 0 {
		return 0
	}

	num := new(big.Int).Set(r.Num())
	den := r.Denom()
	num.Add(num, den)
	num.Sub(num, big.NewInt(1))
	num.Div(num, den)

	return btcutil.Amount(num.Int64())
}

// safeUint64ToInt64 converts a uint64 to an int64, capping at math.MaxInt64.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}
