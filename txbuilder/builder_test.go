// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestBuilderImmutable checks that setters never change the receiver.
func TestBuilderImmutable(t *testing.T) {
	t.Parallel()

	addr := foreignAddr(t, 1)
	base := New()

	one := base.AddRecipient(fn.Some(addr), fn.None[btcutil.Amount]())
	require.Empty(t, base.Recipients())
	require.Len(t, one.Recipients(), 1)

	two := one.AddRecipient(
		fn.None[btcutil.Address](), fn.Some(btcutil.Amount(5000)),
	)
	require.Len(t, one.Recipients(), 1)
	require.Len(t, two.Recipients(), 2)
	require.NotEqual(t, two.Recipients()[0].ID, two.Recipients()[1].ID)

	updated := two.UpdateRecipient(
		0, fn.None[btcutil.Address](), fn.Some(btcutil.Amount(7000)),
	)
	require.True(t, two.Recipients()[0].Amount.IsNone())
	require.Equal(t, btcutil.Amount(7000),
		updated.Recipients()[0].Amount.UnwrapOr(0))
	require.Equal(t, addr,
		updated.Recipients()[0].Address.UnwrapOr(nil))
	require.Equal(t, two.Recipients()[0].ID, updated.Recipients()[0].ID)

	// Out of range indexes leave the recipients alone.
	require.Equal(t, updated.Recipients(),
		updated.RemoveRecipient(5).Recipients())
	require.Equal(t, updated.Recipients(), updated.UpdateRecipient(
		-1, fn.Some(addr), fn.None[btcutil.Amount](),
	).Recipients())

	removed := updated.RemoveRecipient(0)
	require.Len(t, removed.Recipients(), 1)
	require.Len(t, updated.Recipients(), 2)
	require.Equal(t, updated.Recipients()[1], removed.Recipients()[0])

	op1 := wire.OutPoint{Hash: chainhash.Hash{1}}
	op2 := wire.OutPoint{Hash: chainhash.Hash{2}, Index: 1}
	pinned := base.AddUtxoToSpend(op1).AddUtxoToSpend(op2).
		AddUtxoToSpend(op1)
	require.Equal(t, []wire.OutPoint{op1, op2}, pinned.UtxosToSpend())
	require.Equal(t, []wire.OutPoint{op2},
		pinned.RemoveUtxoToSpend(op1).UtxosToSpend())
	require.Empty(t, pinned.ClearUtxosToSpend().UtxosToSpend())
	require.Len(t, pinned.UtxosToSpend(), 2)

	require.Equal(t, BranchAndBound, base.CoinSelection())
	require.Equal(t, ChangeAllowed, base.ChangePolicy())
	require.True(t, base.FeeRate().Equal(DefaultFeeRate))
	require.False(t, base.RBFEnabled())
	require.True(t, base.Locktime().IsNone())
	require.True(t, base.Account().IsNone())

	configured := base.SetCoinSelection(OldestFirst).
		SetChangePolicy(ChangeForbidden).
		SetFeeRate(unit.SatsPerVByte(12)).
		EnableRBF().
		AddLocktime(800_000).
		SetMaxFeeDonation(250)
	require.Equal(t, OldestFirst, configured.CoinSelection())
	require.Equal(t, ChangeForbidden, configured.ChangePolicy())
	require.True(t, configured.FeeRate().Equal(unit.SatsPerVByte(12)))
	require.True(t, configured.RBFEnabled())
	require.Equal(t, uint32(800_000), configured.Locktime().UnwrapOr(0))
	require.Equal(t, btcutil.Amount(250), configured.MaxFeeDonation())

	require.False(t, configured.DisableRBF().RBFEnabled())
	require.True(t, configured.RemoveLocktime().Locktime().IsNone())
	require.True(t, configured.RBFEnabled())

	require.Equal(t, "branch_and_bound", BranchAndBound.String())
	require.Equal(t, "only_change", OnlyChange.String())
}

// TestSequenceAndLocktime checks the input sequence for each RBF and
// locktime combination.
func TestSequenceAndLocktime(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t, descriptor.NativeSegwit)
	fund(t, account, 100_000)

	base := New().SetAccount(account).AddRecipient(
		fn.Some(foreignAddr(t, 1)), fn.Some(btcutil.Amount(10_000)),
	)

	testCases := []struct {
		name     string
		builder  Builder
		sequence uint32
		locktime uint32
	}{
		{
			name:     "final",
			builder:  base,
			sequence: 0xffffffff,
		},
		{
			name:     "rbf",
			builder:  base.EnableRBF(),
			sequence: 0xfffffffd,
		},
		{
			name:     "locktime",
			builder:  base.AddLocktime(500),
			sequence: 0xfffffffe,
			locktime: 500,
		},
		{
			name:     "rbf and locktime",
			builder:  base.AddLocktime(500).EnableRBF(),
			sequence: 0xfffffffd,
			locktime: 500,
		},
		{
			name:     "locktime removed",
			builder:  base.AddLocktime(500).RemoveLocktime(),
			sequence: 0xffffffff,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			packet, err := tc.builder.CreatePSBT(descriptor.Regtest)
			require.NoError(t, err)

			tx := packet.UnsignedTx
			require.Equal(t, int32(2), tx.Version)
			require.Equal(t, tc.locktime, tx.LockTime)
			for _, in := range tx.TxIn {
				require.Equal(t, tc.sequence, in.Sequence)
			}
		})
	}
}
