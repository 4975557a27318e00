// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"errors"
	"strings"
)

const (
	// checksumInputCharset is the character set a descriptor may contain.
	// The position of a character selects a 5 bit symbol and a group.
	checksumInputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	// checksumCharset is the bech32 alphabet the checksum is written in.
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	checksumLength = 8
)

var (
	// ErrInvalidChecksum is returned when a descriptor carries a checksum
	// that does not match its body.
	ErrInvalidChecksum = errors.New("invalid descriptor checksum")

	errInvalidCharacter = errors.New("invalid descriptor character")
)

// polyMod is the BCH code generator used by descriptor checksums.
func polyMod(c uint64, val int) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ uint64(val)
	if c0&1 != 0 {
		c ^= 0xf5dee51989
	}
	if c0&2 != 0 {
		c ^= 0xa9fdca3312
	}
	if c0&4 != 0 {
		c ^= 0x1bab10e32d
	}
	if c0&8 != 0 {
		c ^= 0x3706b1677a
	}
	if c0&16 != 0 {
		c ^= 0x644d626ffd
	}

	return c
}

// Checksum computes the 8 character checksum of a descriptor body.
func Checksum(desc string) (string, error) {
	c := uint64(1)
	cls, clsCount := 0, 0
	for _, ch := range desc {
		pos := strings.IndexRune(checksumInputCharset, ch)
		if pos < 0 {
			return "", errInvalidCharacter
		}

		c = polyMod(c, pos&31)
		cls = cls*3 + (pos >> 5)
		clsCount++
		if clsCount == 3 {
			c = polyMod(c, cls)
			cls, clsCount = 0, 0
		}
	}
	if clsCount > 0 {
		c = polyMod(c, cls)
	}
	for i := 0; i < checksumLength; i++ {
		c = polyMod(c, 0)
	}
	c ^= 1

	var out [checksumLength]byte
	for i := 0; i < checksumLength; i++ {
		out[i] = checksumCharset[(c>>(5*(7-i)))&31]
	}

	return string(out[:]), nil
}

// AddChecksum appends "#checksum" to a descriptor body.
func AddChecksum(desc string) (string, error) {
	sum, err := Checksum(desc)
	if err != nil {
		return "", err
	}

	return desc + "#" + sum, nil
}

// VerifyChecksum checks a descriptor of the form "body#checksum" and returns
// the body.
func VerifyChecksum(desc string) (string, error) {
	body, sum, found := strings.Cut(desc, "#")
	if !found {
		return "", ErrInvalidChecksum
	}

	want, err := Checksum(body)
	if err != nil {
		return "", err
	}
	if sum != want {
		return "", ErrInvalidChecksum
	}

	return body, nil
}
