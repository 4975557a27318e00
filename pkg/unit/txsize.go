// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package unit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
)

// WeightUnit defines a unit to express the transaction size. One weight unit
// is 1/4_000_000 of the max block size. The tx weight is calculated using
// `Base tx size * 3 + Total tx size`.
type WeightUnit uint64

// ToVB converts a value expressed in weight units to virtual bytes, rounding
// up to the next integer as defined by BIP141.
func (wu WeightUnit) ToVB() VByte {
	return VByte((uint64(wu) + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor)
}

// String returns the string representation of the weight unit.
func (wu WeightUnit) String() string {
	return fmt.Sprintf("%d wu", uint64(wu))
}

// VByte defines a unit to express the transaction size. One virtual byte is
// 1/4th of a weight unit.
type VByte uint64

// ToWU converts a value expressed in virtual bytes to weight units.
func (vb VByte) ToWU() WeightUnit {
	return WeightUnit(uint64(vb) * blockchain.WitnessScaleFactor)
}

// String returns the string representation of the virtual byte.
func (vb VByte) String() string {
	return fmt.Sprintf("%d vb", uint64(vb))
}
