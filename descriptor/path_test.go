// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

const h = hdkeychain.HardenedKeyStart

// TestParseDerivationPath checks path parsing and formatting.
func TestParseDerivationPath(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected DerivationPath
		str      string
		fail     bool
	}{
		{
			name:     "apostrophe",
			input:    "m/84'/1'/0'",
			expected: DerivationPath{84 + h, 1 + h, h},
			str:      "m/84'/1'/0'",
		},
		{
			name:     "h suffix without m",
			input:    "86h/0h/5h",
			expected: DerivationPath{86 + h, h, 5 + h},
			str:      "m/86'/0'/5'",
		},
		{
			name:     "mixed",
			input:    "m/0/1'/2",
			expected: DerivationPath{0, 1 + h, 2},
			str:      "m/0/1'/2",
		},
		{
			name:     "master",
			input:    "m",
			expected: DerivationPath{},
			str:      "m",
		},
		{name: "garbage", input: "m/abc", fail: true},
		{name: "overflow", input: "m/2147483648", fail: true},
		{name: "empty element", input: "m/1//2", fail: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path, err := ParseDerivationPath(tc.input)
			if tc.fail {
				require.ErrorIs(t, err, ErrInvalidDerivationPath)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expected, path)
			require.Equal(t, tc.str, path.String())
		})
	}
}

// TestAccountPath checks the purpose and coin type selection.
func TestAccountPath(t *testing.T) {
	t.Parallel()

	path, err := AccountPath(NativeSegwit, Bitcoin, 0)
	require.NoError(t, err)
	require.Equal(t, "m/84'/0'/0'", path.String())

	path, err = AccountPath(Taproot, Signet, 3)
	require.NoError(t, err)
	require.Equal(t, "m/86'/1'/3'", path.String())

	_, err = AccountPath(ScriptType(0), Bitcoin, 0)
	require.ErrorIs(t, err, ErrInvalidScriptType)

	_, err = AccountPath(Legacy, Network(42), 0)
	require.ErrorIs(t, err, ErrUnknownNetwork)
}

// TestValidateAccount checks the account path rules.
func TestValidateAccount(t *testing.T) {
	t.Parallel()

	mustParse := func(s string) DerivationPath {
		p, err := ParseDerivationPath(s)
		require.NoError(t, err)
		return p
	}

	require.NoError(t, mustParse("m/49'/1'/0'").ValidateAccount(
		NestedSegwit, Testnet,
	))

	testCases := []struct {
		name string
		path string
		st   ScriptType
		net  Network
	}{
		{"too short", "m/84'/1'", NativeSegwit, Testnet},
		{"too deep", "m/84'/1'/0'/0", NativeSegwit, Testnet},
		{"not hardened", "m/84'/1'/0", NativeSegwit, Testnet},
		{"wrong purpose", "m/44'/1'/0'", NativeSegwit, Testnet},
		{"wrong coin", "m/84'/0'/0'", NativeSegwit, Testnet},
	}
	for _, tc := range testCases {
		err := mustParse(tc.path).ValidateAccount(tc.st, tc.net)
		require.ErrorIs(t, err, ErrInvalidDerivationPath, tc.name)
	}
}

// TestNetworks checks network parsing and the params round trip.
func TestNetworks(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"bitcoin", "testnet", "signet", "regtest"} {
		n, err := ParseNetwork(name)
		require.NoError(t, err)
		require.Equal(t, name, n.String())

		back, err := NetworkFromParams(n.Params())
		require.NoError(t, err)
		require.Equal(t, n, back)
	}

	_, err := ParseNetwork("dogecoin")
	require.ErrorIs(t, err, ErrUnknownNetwork)

	_, err = NetworkFromParams(&chaincfg.SimNetParams)
	require.ErrorIs(t, err, ErrUnknownNetwork)

	require.Nil(t, Network(99).Params())
	require.Equal(t, uint32(0), Bitcoin.CoinType())
	require.Equal(t, uint32(1), Regtest.CoinType())
}

// TestScriptTypeTable checks the purpose mapping in both directions.
func TestScriptTypeTable(t *testing.T) {
	t.Parallel()

	expected := map[ScriptType]uint32{
		Legacy:       44,
		NestedSegwit: 49,
		NativeSegwit: 84,
		Taproot:      86,
	}
	for st, purpose := range expected {
		got, err := st.Purpose()
		require.NoError(t, err)
		require.Equal(t, purpose, got)

		back, err := ScriptTypeFromPurpose(purpose)
		require.NoError(t, err)
		require.Equal(t, st, back)

		parsed, err := ParseScriptType(st.String())
		require.NoError(t, err)
		require.Equal(t, st, parsed)
	}

	_, err := ScriptTypeFromPurpose(45)
	require.ErrorIs(t, err, ErrInvalidScriptType)

	size, err := ScriptType(99).PkScriptSize()
	require.ErrorIs(t, err, ErrInvalidScriptType)
	require.Zero(t, size)

	_, err = ParseScriptType("p2pk")
	require.ErrorIs(t, err, ErrInvalidScriptType)
}
