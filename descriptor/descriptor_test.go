// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var allScriptTypes = []ScriptType{Legacy, NestedSegwit, NativeSegwit, Taproot}

// accountKey derives the account key for the script type from the seed.
func accountKey(t require.TestingT, seed []byte, st ScriptType,
	net Network) (*hdkeychain.ExtendedKey, DerivationPath, Fingerprint) {

	master, err := hdkeychain.NewMaster(seed, net.Params())
	require.NoError(t, err)

	fp, err := FingerprintOf(master)
	require.NoError(t, err)

	path, err := AccountPath(st, net, 0)
	require.NoError(t, err)

	key := master
	for _, child := range path {
		key, err = key.Derive(child)
		require.NoError(t, err)
	}

	return key, path, fp
}

// TestBuildDeterministic checks that building descriptors twice from the
// same key yields identical descriptors and addresses.
func TestBuildDeterministic(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		seed := rapid.SliceOfN(rapid.Byte(), 16, 64).Draw(rt, "seed")
		st := rapid.SampledFrom(allScriptTypes).Draw(rt, "scriptType")
		index := rapid.Uint32Range(0, 1000).Draw(rt, "index")

		key, path, fp := accountKey(rt, seed, st, Testnet)

		first, err := Build(key, st, WithOrigin(fp, path))
		require.NoError(rt, err)
		second, err := Build(key, st, WithOrigin(fp, path))
		require.NoError(rt, err)

		require.Equal(rt, first.External.String(), second.External.String())
		require.Equal(rt, first.Internal.String(), second.Internal.String())
		require.NotEqual(rt, first.External.String(),
			first.Internal.String())

		a, err := first.External.Derive(index)
		require.NoError(rt, err)
		b, err := second.External.Derive(index)
		require.NoError(rt, err)
		require.Equal(rt, a.Address.String(), b.Address.String())
		require.Equal(rt, a.PkScript, b.PkScript)
	})
}

// TestDescriptorString checks the rendered descriptor shape per script type.
func TestDescriptorString(t *testing.T) {
	t.Parallel()

	seed := []byte(strings.Repeat("seed", 8))
	prefixes := map[ScriptType]string{
		Legacy:       "pkh([",
		NestedSegwit: "sh(wpkh([",
		NativeSegwit: "wpkh([",
		Taproot:      "tr([",
	}

	for _, st := range allScriptTypes {
		st := st
		t.Run(st.String(), func(t *testing.T) {
			t.Parallel()

			key, path, fp := accountKey(t, seed, st, Testnet)
			pair, err := Build(key, st, WithOrigin(fp, path))
			require.NoError(t, err)

			desc := pair.External.String()
			require.True(t, strings.HasPrefix(desc, prefixes[st]), desc)
			require.Contains(t, desc, fp.String()+path.relative())
			require.Contains(t, desc, "/0/*")
			require.Contains(t, pair.Internal.String(), "/1/*")

			body, err := VerifyChecksum(desc)
			require.NoError(t, err)
			require.Contains(t, body, pair.Keys.PublicKey())
		})
	}
}

// TestDeriveScripts checks that derived scripts match the script type and
// that the origin is reflected in the derived path.
func TestDeriveScripts(t *testing.T) {
	t.Parallel()

	seed := []byte(strings.Repeat("x", 32))
	classes := map[ScriptType]txscript.ScriptClass{
		Legacy:       txscript.PubKeyHashTy,
		NestedSegwit: txscript.ScriptHashTy,
		NativeSegwit: txscript.WitnessV0PubKeyHashTy,
		Taproot:      txscript.WitnessV1TaprootTy,
	}

	for _, st := range allScriptTypes {
		key, path, fp := accountKey(t, seed, st, Regtest)
		pair, err := Build(
			key, st, WithOrigin(fp, path), WithNetwork(Regtest),
		)
		require.NoError(t, err)

		derived, err := pair.Internal.Derive(7)
		require.NoError(t, err)
		require.Equal(t, classes[st], txscript.GetScriptClass(
			derived.PkScript,
		))
		require.Equal(t, path.Child(1, 7), derived.Path)
		require.Equal(t, Internal, derived.Keychain)
		size, err := st.PkScriptSize()
		require.NoError(t, err)
		require.Len(t, derived.PkScript, size)
		require.True(t, derived.Address.IsForNet(&chaincfg.RegressionNetParams))

		if st == NestedSegwit {
			require.NotEmpty(t, derived.RedeemScript)
		} else {
			require.Empty(t, derived.RedeemScript)
		}

		class, ok := ScriptTypeOf(derived.PkScript)
		require.True(t, ok)
		require.Equal(t, st, class)

		// The key map must produce the key behind the derived output.
		priv, err := pair.Keys.PrivKey(Internal, 7)
		require.NoError(t, err)
		require.True(t, priv.PubKey().IsEqual(derived.PubKey))

		_, err = pair.Internal.Derive(hdkeychain.HardenedKeyStart)
		require.ErrorIs(t, err, ErrInvalidIndex)
	}
}

// TestBuildErrors checks the rejected inputs of Build.
func TestBuildErrors(t *testing.T) {
	t.Parallel()

	key, _, _ := accountKey(t, []byte(strings.Repeat("k", 32)),
		NativeSegwit, Testnet)

	_, err := Build(key, ScriptType(9))
	require.ErrorIs(t, err, ErrInvalidScriptType)

	_, err = Build(nil, NativeSegwit)
	require.ErrorIs(t, err, ErrInvalidExtendedKey)

	pub, err := key.Neuter()
	require.NoError(t, err)
	_, err = Build(pub, NativeSegwit)
	require.ErrorIs(t, err, ErrInvalidExtendedKey)

	// A testnet key cannot produce mainnet descriptors.
	_, err = Build(key, NativeSegwit, WithNetwork(Bitcoin))
	require.ErrorIs(t, err, ErrInvalidExtendedKey)
}

// TestChecksum checks descriptor checksums against a known vector and
// rejects tampered descriptors.
func TestChecksum(t *testing.T) {
	t.Parallel()

	sum, err := Checksum("raw(deadbeef)")
	require.NoError(t, err)
	require.Equal(t, "89f8spxm", sum)

	body, err := VerifyChecksum("raw(deadbeef)#89f8spxm")
	require.NoError(t, err)
	require.Equal(t, "raw(deadbeef)", body)

	_, err = VerifyChecksum("raw(deadbeee)#89f8spxm")
	require.ErrorIs(t, err, ErrInvalidChecksum)

	_, err = VerifyChecksum("raw(deadbeef)")
	require.ErrorIs(t, err, ErrInvalidChecksum)

	_, err = Checksum("raw(é)")
	require.Error(t, err)
}
