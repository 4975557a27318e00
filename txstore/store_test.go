// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/stretchr/testify/require"
)

type factoryCloser interface {
	Factory
	Close() error
}

type memFactory struct {
	Factory
}

func (memFactory) Close() error { return nil }

// backends lists a constructor per storage backend.
var backends = []struct {
	name string
	open func(t *testing.T) factoryCloser
}{
	{
		name: "memory",
		open: func(t *testing.T) factoryCloser {
			return memFactory{MemFactory()}
		},
	},
	{
		name: "bdb",
		open: func(t *testing.T) factoryCloser {
			dbPath := filepath.Join(t.TempDir(), "wallet.db")
			f, err := OpenBoltFactory(dbPath, DefaultDBTimeout)
			require.NoError(t, err)

			return f
		},
	},
	{
		name: "sqlite",
		open: func(t *testing.T) factoryCloser {
			dbPath := filepath.Join(t.TempDir(), "wallet.sqlite")
			f, err := OpenSQLiteFactory(dbPath, DefaultDBTimeout)
			require.NoError(t, err)

			return f
		},
	},
}

// TestStoreRoundTrip checks that every backend loads back what the in-memory
// snapshot computes for the same sequence of updates.
func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			f := b.open(t)
			t.Cleanup(func() { require.NoError(t, f.Close()) })

			store, err := f.Open("m/84'/1'/0'")
			require.NoError(t, err)

			loaded, err := store.Load()
			require.NoError(t, err)
			requireSnapshotsEqual(t, NewSnapshot(), loaded)

			first := testUpdate()
			pending := first.Txs[1].Hash
			second := &Update{
				RemoveUtxos: []wire.OutPoint{
					first.AddUtxos[0].OutPoint,
				},
				EvictTxs: []chainhash.Hash{pending},
				LastUsed: map[descriptor.Keychain]uint32{
					descriptor.External: 2,
					descriptor.Internal: 6,
				},
			}

			expected := NewSnapshot()
			for _, u := range []*Update{first, second, first} {
				require.NoError(t, store.ApplyUpdate(u))
				expected = expected.Apply(u)

				loaded, err := store.Load()
				require.NoError(t, err)
				requireSnapshotsEqual(t, expected, loaded)
			}
		})
	}
}

// TestStoreAccountsIsolated checks that accounts sharing a database do not
// see each other's records.
func TestStoreAccountsIsolated(t *testing.T) {
	t.Parallel()

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			f := b.open(t)
			t.Cleanup(func() { require.NoError(t, f.Close()) })

			a, err := f.Open("m/84'/1'/0'")
			require.NoError(t, err)
			other, err := f.Open("m/86'/1'/0'")
			require.NoError(t, err)

			require.NoError(t, a.ApplyUpdate(testUpdate()))

			snap, err := other.Load()
			require.NoError(t, err)
			require.Empty(t, snap.Utxos)
			require.Empty(t, snap.Txs)
			require.True(t, snap.Checkpoint.IsNone())

			_, err = f.Open("")
			require.ErrorIs(t, err, ErrEmptyKey)
		})
	}
}

// TestStoreClosed checks that closed stores reject calls.
func TestStoreClosed(t *testing.T) {
	t.Parallel()

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			f := b.open(t)
			t.Cleanup(func() { require.NoError(t, f.Close()) })

			store, err := f.Open("m/44'/1'/0'")
			require.NoError(t, err)
			require.NoError(t, store.Close())

			_, err = store.Load()
			require.ErrorIs(t, err, ErrStoreClosed)
			require.ErrorIs(
				t, store.ApplyUpdate(testUpdate()),
				ErrStoreClosed,
			)
		})
	}
}

// TestStoreRejectsInvalidUpdate checks that nothing is written for a
// malformed update.
func TestStoreRejectsInvalidUpdate(t *testing.T) {
	t.Parallel()

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			f := b.open(t)
			t.Cleanup(func() { require.NoError(t, f.Close()) })

			store, err := f.Open("m/49'/1'/0'")
			require.NoError(t, err)

			u := testUpdate()
			u.AddUtxos = append(u.AddUtxos, Utxo{Value: 1})
			require.ErrorIs(t, store.ApplyUpdate(u), ErrInvalidUpdate)

			snap, err := store.Load()
			require.NoError(t, err)
			require.Empty(t, snap.Utxos)
			require.Empty(t, snap.Txs)
		})
	}
}
