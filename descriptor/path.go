// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// ErrInvalidDerivationPath is returned when a derivation path cannot be
// parsed or does not describe an account of the expected script type and
// network.
var ErrInvalidDerivationPath = errors.New("invalid derivation path")

// accountPathDepth is the depth of a BIP44 style account path:
// purpose'/coin_type'/account'.
const accountPathDepth = 3

// DerivationPath is a sequence of BIP32 child indexes starting at the master
// key. Hardened indexes include the hdkeychain.HardenedKeyStart offset.
type DerivationPath []uint32

// AccountPath builds the purpose'/coin_type'/account' path for a script type
// on the given network.
func AccountPath(st ScriptType, net Network, account uint32) (DerivationPath,
	error) {

	purpose, err := st.Purpose()
	if err != nil {
		return nil, err
	}
	if err := net.Validate(); err != nil {
		return nil, err
	}
	if account >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: account index %d out of range",
			ErrInvalidDerivationPath, account)
	}

	return DerivationPath{
		purpose + hdkeychain.HardenedKeyStart,
		net.CoinType() + hdkeychain.HardenedKeyStart,
		account + hdkeychain.HardenedKeyStart,
	}, nil
}

// ParseDerivationPath parses a path such as "m/84'/1'/0'". Hardened indexes
// may be marked with either ' or h. The leading "m" is optional.
func ParseDerivationPath(s string) (DerivationPath, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "m")
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return DerivationPath{}, nil
	}

	parts := strings.Split(s, "/")
	path := make(DerivationPath, 0, len(parts))
	for _, part := range parts {
		hardened := false
		switch {
		case strings.HasSuffix(part, "'"), strings.HasSuffix(part, "h"),
			strings.HasSuffix(part, "H"):

			hardened = true
			part = part[:len(part)-1]
		}

		idx, err := strconv.ParseUint(part, 10, 32)
		if err != nil || idx >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: bad element %q in %q",
				ErrInvalidDerivationPath, part, s)
		}

		child := uint32(idx)
		if hardened {
			child += hdkeychain.HardenedKeyStart
		}
		path = append(path, child)
	}

	return path, nil
}

// ValidateAccount checks that the path is a fully hardened account path whose
// purpose matches the script type and whose coin type matches the network.
func (p DerivationPath) ValidateAccount(st ScriptType, net Network) error {
	purpose, err := st.Purpose()
	if err != nil {
		return err
	}
	if err := net.Validate(); err != nil {
		return err
	}

	if len(p) != accountPathDepth {
		return fmt.Errorf("%w: %v has depth %d, want %d",
			ErrInvalidDerivationPath, p, len(p), accountPathDepth)
	}
	for _, child := range p {
		if child < hdkeychain.HardenedKeyStart {
			return fmt.Errorf("%w: %v is not fully hardened",
				ErrInvalidDerivationPath, p)
		}
	}

	if p[0]-hdkeychain.HardenedKeyStart != purpose {
		return fmt.Errorf("%w: purpose %d does not match %v",
			ErrInvalidDerivationPath,
			p[0]-hdkeychain.HardenedKeyStart, st)
	}
	if p[1]-hdkeychain.HardenedKeyStart != net.CoinType() {
		return fmt.Errorf("%w: coin type %d does not match %v",
			ErrInvalidDerivationPath,
			p[1]-hdkeychain.HardenedKeyStart, net)
	}

	return nil
}

// Child returns a new path extended with the given indexes.
func (p DerivationPath) Child(children ...uint32) DerivationPath {
	out := make(DerivationPath, 0, len(p)+len(children))
	out = append(out, p...)

	return append(out, children...)
}

// Equal reports whether both paths hold the same indexes.
func (p DerivationPath) Equal(other DerivationPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}

	return true
}

// String formats the path as "m/84'/1'/0'".
func (p DerivationPath) String() string {
	var b strings.Builder
	b.WriteString("m")
	b.WriteString(p.relative())

	return b.String()
}

// relative formats the path without the leading "m", e.g. "/84'/1'/0'".
func (p DerivationPath) relative() string {
	var b strings.Builder
	for _, child := range p {
		b.WriteByte('/')
		if child >= hdkeychain.HardenedKeyStart {
			b.WriteString(strconv.FormatUint(
				uint64(child-hdkeychain.HardenedKeyStart), 10,
			))
			b.WriteByte('\'')
			continue
		}
		b.WriteString(strconv.FormatUint(uint64(child), 10))
	}

	return b.String()
}
