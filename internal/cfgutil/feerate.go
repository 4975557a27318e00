// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/shopspring/decimal"
)

// FeeRateFlag is a sat/vB fee rate usable as a config struct field.  Fractional
// rates such as "1.5" are accepted.  An unset flag is zero.
type FeeRateFlag struct {
	unit.SatPerVByte
}

// IsSet reports whether a non-zero rate was given.
func (f *FeeRateFlag) IsSet() bool {
	return !f.IsZero()
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (f *FeeRateFlag) MarshalFlag() (string, error) {
	if f.Rat == nil {
		return "", nil
	}
	return f.Rat.FloatString(2), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (f *FeeRateFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSpace(value)
	if i := strings.IndexFunc(value, unicode.IsLetter); i > 0 {
		if !strings.EqualFold(value[i:], "sat/vb") {
			return fmt.Errorf("unknown fee rate unit in %q", value)
		}
		value = strings.TrimSpace(value[:i])
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return err
	}
	if d.IsNegative() {
		return fmt.Errorf("negative fee rate %v", d)
	}
	f.SatPerVByte = unit.SatPerVByteFromDecimal(d)
	return nil
}
