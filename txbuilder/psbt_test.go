// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/btcsuite/hdwallet/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const h = hdkeychain.HardenedKeyStart

// testFingerprint is the master fingerprint of the test mnemonic.
var testFingerprint = descriptor.Fingerprint{0x73, 0xc5, 0xda, 0x0a}

// recipientModel returns the fee model of a payment to addr from an account
// of the script type.
func recipientModel(t require.TestingT, st descriptor.ScriptType,
	addrs ...btcutil.Address) *feeModel {

	outputs := make([]*wire.TxOut, 0, len(addrs))
	for _, addr := range addrs {
		pkScript, err := txscript.PayToAddrScript(addr)
		require.NoError(t, err)
		outputs = append(outputs, wire.NewTxOut(0, pkScript))
	}

	changeSize, err := st.PkScriptSize()
	require.NoError(t, err)

	return &feeModel{
		scriptType: st,
		outputs:    outputs,
		changeSize: changeSize,
		rate:       DefaultFeeRate,
	}
}

// TestCreatePSBTValidation checks the failures reported before any input is
// selected and the insufficient funds report.
func TestCreatePSBTValidation(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t, descriptor.NativeSegwit)
	fund(t, account, 20_000, 30_000)

	addr := foreignAddr(t, 1)
	mainnetAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{1}, 20), descriptor.Bitcoin.Params(),
	)
	require.NoError(t, err)

	bound := New().SetAccount(account)
	amount := fn.Some(btcutil.Amount(10_000))

	testCases := []struct {
		name    string
		builder Builder
		net     descriptor.Network
		err     error
	}{
		{
			name:    "no account",
			builder: New().AddRecipient(fn.Some(addr), amount),
			net:     descriptor.Regtest,
			err:     ErrNoAccount,
		},
		{
			name:    "account on another network",
			builder: bound.AddRecipient(fn.Some(addr), amount),
			net:     descriptor.Testnet,
			err:     ErrWrongNetwork,
		},
		{
			name:    "no recipients",
			builder: bound,
			net:     descriptor.Regtest,
			err:     ErrNoRecipients,
		},
		{
			name: "missing amount",
			builder: bound.AddRecipient(
				fn.Some(addr), fn.None[btcutil.Amount](),
			),
			net: descriptor.Regtest,
			err: ErrIncompleteRecipient,
		},
		{
			name: "missing address",
			builder: bound.AddRecipient(fn.Some(addr), amount).
				AddRecipient(fn.None[btcutil.Address](), amount),
			net: descriptor.Regtest,
			err: ErrIncompleteRecipient,
		},
		{
			name:    "address on another network",
			builder: bound.AddRecipient(fn.Some(mainnetAddr), amount),
			net:     descriptor.Regtest,
			err:     ErrWrongNetwork,
		},
		{
			name: "dust recipient",
			builder: bound.AddRecipient(
				fn.Some(addr), fn.Some(btcutil.Amount(100)),
			),
			net: descriptor.Regtest,
			err: txrules.ErrOutputIsDust,
		},
		{
			name: "unknown pinned utxo",
			builder: bound.AddRecipient(fn.Some(addr), amount).
				AddUtxoToSpend(wire.OutPoint{
					Hash: chainhash.Hash{9},
				}),
			net: descriptor.Regtest,
			err: ErrUtxoNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := tc.builder.CreatePSBT(tc.net)
			require.ErrorIs(t, err, tc.err)
		})
	}

	for _, policy := range []CoinSelection{
		BranchAndBound, LargestFirst, OldestFirst, Manual,
	} {
		t.Run(policy.String(), func(t *testing.T) {
			t.Parallel()

			_, err := bound.SetCoinSelection(policy).AddRecipient(
				fn.Some(addr), fn.Some(btcutil.Amount(60_000)),
			).CreatePSBT(descriptor.Regtest)

			var insufficient *ErrInsufficientFunds
			require.True(t, errors.As(err, &insufficient))
			require.Greater(t, insufficient.Needed,
				btcutil.Amount(60_000))

			available := btcutil.Amount(50_000)
			if policy == Manual {
				available = 0
			}
			require.Equal(t, available, insufficient.Available)

			var sourceErr txauthor.InputSourceError
			require.True(t, errors.As(err, &sourceErr))
		})
	}
}

// TestChangeForbiddenExact spends two pinned outputs whose value matches the
// recipient plus the fee. One satoshi less for the recipient must fail
// unless the fee donation allows it.
func TestChangeForbiddenExact(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t, descriptor.NativeSegwit)
	ops := fund(t, account, 50_000, 30_000)

	addr := foreignAddr(t, 1)
	fee := recipientModel(t, descriptor.NativeSegwit, addr).fee(2, false)
	exact := btcutil.Amount(80_000) - fee

	for _, policy := range []CoinSelection{BranchAndBound, Manual} {
		t.Run(policy.String(), func(t *testing.T) {
			t.Parallel()

			builder := New().SetAccount(account).
				SetCoinSelection(policy).
				SetChangePolicy(ChangeForbidden).
				AddUtxoToSpend(ops[0]).
				AddUtxoToSpend(ops[1]).
				AddRecipient(fn.Some(addr), fn.Some(exact))

			packet, err := builder.CreatePSBT(descriptor.Regtest)
			require.NoError(t, err)
			require.Len(t, packet.UnsignedTx.TxIn, 2)
			require.Len(t, packet.UnsignedTx.TxOut, 1)
			require.Equal(t, int64(exact),
				packet.UnsignedTx.TxOut[0].Value)
			require.Equal(t, fee,
				inputTotal(t, packet)-outputTotal(packet))

			short := builder.UpdateRecipient(
				0, fn.None[btcutil.Address](), fn.Some(exact-1),
			)
			_, err = short.CreatePSBT(descriptor.Regtest)
			require.ErrorIs(t, err, ErrChangeForbiddenExcess)

			packet, err = short.SetMaxFeeDonation(1).
				CreatePSBT(descriptor.Regtest)
			require.NoError(t, err)
			require.Len(t, packet.UnsignedTx.TxOut, 1)
			require.Equal(t, fee+1,
				inputTotal(t, packet)-outputTotal(packet))

			// The failed attempt did not change the builder.
			packet, err = builder.CreatePSBT(descriptor.Regtest)
			require.NoError(t, err)
			require.Len(t, packet.UnsignedTx.TxOut, 1)
		})
	}
}

// TestBranchAndBoundExactMatch checks that the search finds a changeless
// subset that the greedy policies miss.
func TestBranchAndBoundExactMatch(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t, descriptor.NativeSegwit)
	ops := fund(t, account, 50_000, 30_000, 70_000)

	addr := foreignAddr(t, 1)
	fee := recipientModel(t, descriptor.NativeSegwit, addr).fee(2, false)
	builder := New().SetAccount(account).
		SetChangePolicy(ChangeForbidden).
		AddRecipient(fn.Some(addr), fn.Some(80_000-fee))

	packet, err := builder.CreatePSBT(descriptor.Regtest)
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxOut, 1)

	require.Len(t, packet.UnsignedTx.TxIn, 2)
	spent := []wire.OutPoint{
		packet.UnsignedTx.TxIn[0].PreviousOutPoint,
		packet.UnsignedTx.TxIn[1].PreviousOutPoint,
	}
	require.ElementsMatch(t, ops[:2], spent)

	// Largest first takes the 70k output and leaves too much over.
	_, err = builder.SetCoinSelection(LargestFirst).
		CreatePSBT(descriptor.Regtest)
	require.ErrorIs(t, err, ErrChangeForbiddenExcess)
}

// TestChangePolicies checks when a change output is created.
func TestChangePolicies(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t, descriptor.NativeSegwit)
	ops := fund(t, account, 50_000, 30_000)

	addr := foreignAddr(t, 1)
	model := recipientModel(t, descriptor.NativeSegwit, addr)
	noChangeFee := model.fee(2, false)
	changeFee := model.fee(2, true)

	change, err := account.ChangeAddress()
	require.NoError(t, err)

	manual := New().SetAccount(account).
		SetCoinSelection(Manual).
		AddUtxoToSpend(ops[0]).
		AddUtxoToSpend(ops[1])

	testCases := []struct {
		name   string
		policy ChangePolicy
		amount btcutil.Amount
		change btcutil.Amount
		err    error
	}{
		{
			name:   "change allowed with change",
			policy: ChangeAllowed,
			amount: 40_000,
			change: 40_000 - changeFee,
		},
		{
			name:   "change allowed with dust leftover",
			policy: ChangeAllowed,
			amount: 80_000 - noChangeFee - 100,
		},
		{
			name:   "only change",
			policy: OnlyChange,
			amount: 40_000,
			change: 40_000 - changeFee,
		},
		{
			name:   "only change with exact match",
			policy: OnlyChange,
			amount: 80_000 - noChangeFee,
			err:    ErrNoChangeAvailable,
		},
		{
			name:   "change forbidden with leftover",
			policy: ChangeForbidden,
			amount: 40_000,
			err:    ErrChangeForbiddenExcess,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			packet, err := manual.SetChangePolicy(tc.policy).
				AddRecipient(fn.Some(addr), fn.Some(tc.amount)).
				CreatePSBT(descriptor.Regtest)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)

			if tc.change == 0 {
				require.Len(t, packet.UnsignedTx.TxOut, 1)
				return
			}

			require.Len(t, packet.UnsignedTx.TxOut, 2)
			var found bool
			for i, out := range packet.UnsignedTx.TxOut {
				if !bytes.Equal(out.PkScript, change.PkScript) {
					require.Empty(t,
						packet.Outputs[i].Bip32Derivation)
					continue
				}

				found = true
				require.Equal(t, int64(tc.change), out.Value)

				derivation := packet.Outputs[i].Bip32Derivation
				require.Len(t, derivation, 1)
				require.Equal(t, []uint32{
					84 + h, 1 + h, h, 1, 0,
				}, derivation[0].Bip32Path)
				require.Equal(t, testFingerprint.PSBT(),
					derivation[0].MasterKeyFingerprint)
			}
			require.True(t, found)
		})
	}
}

// TestBuilderRoundTrip checks that the outputs of a built PSBT are exactly
// the recipients plus at most one change output.
func TestBuilderRoundTrip(t *testing.T) {
	t.Parallel()

	account := newTestAccount(t, descriptor.NativeSegwit)
	fund(t, account, 500_000, 250_000, 125_000, 60_000, 30_000)

	change, err := account.ChangeAddress()
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		policy := rapid.SampledFrom([]CoinSelection{
			BranchAndBound, LargestFirst, OldestFirst,
		}).Draw(rt, "policy")
		rate := rapid.Uint64Range(1, 20).Draw(rt, "rate")
		count := rapid.IntRange(1, 4).Draw(rt, "recipients")

		builder := New().SetAccount(account).
			SetCoinSelection(policy).
			SetFeeRate(unit.SatsPerVByte(rate))

		want := make(map[string]int)
		addrs := make([]btcutil.Address, 0, count)
		for i := 0; i < count; i++ {
			addr := foreignAddr(rt, byte(i+1))
			amount := btcutil.Amount(rapid.Int64Range(
				1_000, 200_000,
			).Draw(rt, fmt.Sprintf("amount%d", i)))

			builder = builder.AddRecipient(
				fn.Some(addr), fn.Some(amount),
			)
			addrs = append(addrs, addr)

			pkScript, err := txscript.PayToAddrScript(addr)
			require.NoError(rt, err)
			want[outputKey(pkScript, int64(amount))]++
		}

		packet, err := builder.CreatePSBT(descriptor.Regtest)
		require.NoError(rt, err)

		var changeOutputs int
		for i, out := range packet.UnsignedTx.TxOut {
			key := outputKey(out.PkScript, out.Value)
			if want[key] > 0 {
				want[key]--
				continue
			}

			require.Equal(rt, change.PkScript, out.PkScript)
			require.NotEmpty(rt, packet.Outputs[i].Bip32Derivation)
			changeOutputs++
		}
		for key, n := range want {
			require.Zero(rt, n, "missing output %x", key)
		}
		require.LessOrEqual(rt, changeOutputs, 1)

		model := recipientModel(rt, descriptor.NativeSegwit, addrs...)
		model.rate = unit.SatsPerVByte(rate)
		minFee := model.fee(
			len(packet.UnsignedTx.TxIn), changeOutputs == 1,
		)
		require.GreaterOrEqual(rt,
			inputTotal(rt, packet)-outputTotal(packet), minFee)

		// BIP69 orders outputs by amount, then script.
		require.True(rt, sort.SliceIsSorted(
			packet.UnsignedTx.TxOut, func(i, j int) bool {
				a := packet.UnsignedTx.TxOut[i]
				b := packet.UnsignedTx.TxOut[j]
				if a.Value != b.Value {
					return a.Value < b.Value
				}

				return bytes.Compare(a.PkScript, b.PkScript) < 0
			},
		))
	})
}

func outputKey(pkScript []byte, value int64) string {
	return fmt.Sprintf("%x:%d", pkScript, value)
}

// TestPSBTInputInfo checks the signer data attached to each input and that
// the account can sign the result.
func TestPSBTInputInfo(t *testing.T) {
	t.Parallel()

	for _, st := range []descriptor.ScriptType{
		descriptor.Legacy, descriptor.NestedSegwit,
		descriptor.NativeSegwit, descriptor.Taproot,
	} {
		t.Run(st.String(), func(t *testing.T) {
			t.Parallel()

			account := newTestAccount(t, st)
			fund(t, account, 60_000, 40_000)

			purpose, err := st.Purpose()
			require.NoError(t, err)

			packet, err := New().SetAccount(account).
				SetCoinSelection(LargestFirst).
				AddRecipient(
					fn.Some(foreignAddr(t, 1)),
					fn.Some(btcutil.Amount(70_000)),
				).
				CreatePSBT(descriptor.Regtest)
			require.NoError(t, err)
			require.Len(t, packet.Inputs, 2)

			snap := account.Snapshot()
			for i := range packet.Inputs {
				in := &packet.Inputs[i]
				op := packet.UnsignedTx.TxIn[i].PreviousOutPoint
				utxo := snap.Utxos[op]

				require.Len(t, in.Bip32Derivation, 1)
				require.Equal(t, []uint32{
					purpose + h, 1 + h, h, 0, utxo.Index,
				}, in.Bip32Derivation[0].Bip32Path)
				require.Equal(t, testFingerprint.PSBT(),
					in.Bip32Derivation[0].
						MasterKeyFingerprint)

				switch st {
				case descriptor.Legacy:
					require.NotNil(t, in.NonWitnessUtxo)
					require.Nil(t, in.WitnessUtxo)

				case descriptor.NestedSegwit:
					require.NotNil(t, in.WitnessUtxo)
					require.NotEmpty(t, in.RedeemScript)

				case descriptor.NativeSegwit:
					require.NotNil(t, in.WitnessUtxo)
					require.NotNil(t, in.NonWitnessUtxo)
					require.Empty(t, in.RedeemScript)

				case descriptor.Taproot:
					require.NotNil(t, in.WitnessUtxo)
					require.Nil(t, in.NonWitnessUtxo)
					require.Len(t,
						in.TaprootBip32Derivation, 1)
					require.Len(t, in.TaprootBip32Derivation[0].
						XOnlyPubKey, 32)
					require.Equal(t, txscript.SigHashDefault,
						in.SighashType)
				}
			}

			signed, err := account.Sign(packet, wallet.SignOptions{})
			require.NoError(t, err)
			require.True(t, signed)
			require.NoError(t, account.Finalize(packet))

			tx, err := account.Extract(packet)
			require.NoError(t, err)

			fetcher := txscript.NewMultiPrevOutFetcher(nil)
			for i, txIn := range tx.TxIn {
				fetcher.AddPrevOut(
					txIn.PreviousOutPoint,
					prevOut(t, packet, i),
				)
			}
			sigHashes := txscript.NewTxSigHashes(tx, fetcher)
			for i, txIn := range tx.TxIn {
				prev := fetcher.FetchPrevOutput(
					txIn.PreviousOutPoint,
				)
				engine, err := txscript.NewEngine(
					prev.PkScript, tx, i,
					txscript.StandardVerifyFlags, nil,
					sigHashes, prev.Value, fetcher,
				)
				require.NoError(t, err)
				require.NoError(t, engine.Execute())
			}
		})
	}
}

// prevOut returns the output spent by input i of the packet.
func prevOut(t *testing.T, packet *psbt.Packet, i int) *wire.TxOut {
	in := &packet.Inputs[i]
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo
	}

	require.NotNil(t, in.NonWitnessUtxo)
	op := packet.UnsignedTx.TxIn[i].PreviousOutPoint

	return in.NonWitnessUtxo.TxOut[op.Index]
}
