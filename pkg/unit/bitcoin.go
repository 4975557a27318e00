// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package unit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// ErrUnknownBitcoinUnit is returned when a unit name cannot be parsed.
var ErrUnknownBitcoinUnit = errors.New("unknown bitcoin unit")

// BitcoinUnit is a display denomination for bitcoin amounts.
type BitcoinUnit uint8

const (
	// BTC is 100,000,000 satoshis.
	BTC BitcoinUnit = iota

	// MBTC is 100,000 satoshis.
	MBTC

	// SAT is a single satoshi.
	SAT
)

// satsPerUnit is the number of satoshis represented by one of each unit.
var satsPerUnit = map[BitcoinUnit]int64{
	BTC:  btcutil.SatoshiPerBitcoin,
	MBTC: btcutil.SatoshiPerBitcoin / 1000,
	SAT:  1,
}

// String returns the conventional name of the unit.
func (u BitcoinUnit) String() string {
	switch u {
	case BTC:
		return "BTC"
	case MBTC:
		return "mBTC"
	case SAT:
		return "sat"
	default:
		return fmt.Sprintf("BitcoinUnit(%d)", uint8(u))
	}
}

// ParseBitcoinUnit parses a case-insensitive unit name.
func ParseBitcoinUnit(s string) (BitcoinUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "btc":
		return BTC, nil
	case "mbtc":
		return MBTC, nil
	case "sat", "sats", "satoshi":
		return SAT, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownBitcoinUnit, s)
	}
}

// ConvertAmount converts value expressed in the from unit into the to unit.
func ConvertAmount(value decimal.Decimal, from, to BitcoinUnit) (
	decimal.Decimal, error) {

	fromSats, ok := satsPerUnit[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnknownBitcoinUnit,
			from)
	}
	toSats, ok := satsPerUnit[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnknownBitcoinUnit,
			to)
	}

	sats := value.Mul(decimal.NewFromInt(fromSats))

	return sats.Div(decimal.NewFromInt(toSats)), nil
}

// ToAmount converts a value in the given unit to a satoshi amount. Values that
// carry sub-satoshi precision are rejected.
func ToAmount(value decimal.Decimal, from BitcoinUnit) (btcutil.Amount, error) {
	sats, err := ConvertAmount(value, from, SAT)
	if err != nil {
		return 0, err
	}

	if !sats.Equal(sats.Truncate(0)) {
		return 0, fmt.Errorf("amount %v %v has sub-satoshi precision",
			value, from)
	}
	if sats.IsNegative() || sats.GreaterThan(
		decimal.NewFromInt(btcutil.MaxSatoshi)) {

		return 0, fmt.Errorf("amount %v %v out of range", value, from)
	}

	return btcutil.Amount(sats.IntPart()), nil
}

// FromAmount expresses a satoshi amount in the given unit.
func FromAmount(amt btcutil.Amount, to BitcoinUnit) (decimal.Decimal, error) {
	return ConvertAmount(decimal.NewFromInt(int64(amt)), SAT, to)
}
