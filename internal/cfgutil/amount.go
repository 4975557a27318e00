// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/shopspring/decimal"
)

// AmountFlag embeds a btcutil.Amount and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.  Values
// are read in BTC unless followed by a unit, as in "1500 sat" or "2 mBTC".
type AmountFlag struct {
	btcutil.Amount
}

// NewAmountFlag creates an AmountFlag with a default btcutil.Amount.
func NewAmountFlag(defaultValue btcutil.Amount) *AmountFlag {
	return &AmountFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (a *AmountFlag) MarshalFlag() (string, error) {
	return a.Amount.String(), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (a *AmountFlag) UnmarshalFlag(value string) error {
	amount, err := ParseAmount(value)
	if err != nil {
		return err
	}
	a.Amount = amount
	return nil
}

// ParseAmount parses a decimal value with an optional unit suffix.
func ParseAmount(value string) (btcutil.Amount, error) {
	fields := strings.Fields(value)
	from := unit.BTC
	switch len(fields) {
	case 1:
	case 2:
		u, err := unit.ParseBitcoinUnit(fields[1])
		if err != nil {
			return 0, err
		}
		from = u
	default:
		return 0, fmt.Errorf("invalid amount %q", value)
	}

	d, err := decimal.NewFromString(fields[0])
	if err != nil {
		return 0, err
	}

	return unit.ToAmount(d, from)
}
