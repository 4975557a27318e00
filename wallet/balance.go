// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/txstore"
)

// Balance splits the value of the tracked unspent outputs into buckets.
// Every output falls in exactly one bucket.
type Balance struct {
	// Immature is coinbase value that cannot be spent yet.
	Immature btcutil.Amount

	// TrustedPending is unconfirmed value on the change keychain.
	TrustedPending btcutil.Amount

	// UntrustedPending is unconfirmed value received from others.
	UntrustedPending btcutil.Amount

	// Confirmed is mature confirmed value.
	Confirmed btcutil.Amount
}

// Total returns the sum of all buckets.
func (b Balance) Total() btcutil.Amount {
	return b.Immature + b.TrustedPending + b.UntrustedPending + b.Confirmed
}

// Spendable returns the value that can be spent without trusting a third
// party: confirmed funds and our own change.
func (b Balance) Spendable() btcutil.Amount {
	return b.Confirmed + b.TrustedPending
}

// Add returns the bucket wise sum of two balances.
func (b Balance) Add(other Balance) Balance {
	return Balance{
		Immature:         b.Immature + other.Immature,
		TrustedPending:   b.TrustedPending + other.TrustedPending,
		UntrustedPending: b.UntrustedPending + other.UntrustedPending,
		Confirmed:        b.Confirmed + other.Confirmed,
	}
}

// computeBalance buckets the snapshot outputs. Coinbase maturity is measured
// against the checkpoint height.
func computeBalance(snap *txstore.Snapshot, maturity int32) Balance {
	var (
		bal Balance
		tip = snap.TipHeight()
	)
	for _, utxo := range snap.Utxos {
		switch {
		case utxo.IsCoinbase && utxo.Confirmations(tip) < maturity:
			bal.Immature += utxo.Value

		case !utxo.Confirmed() && utxo.Keychain == descriptor.Internal:
			bal.TrustedPending += utxo.Value

		case !utxo.Confirmed():
			bal.UntrustedPending += utxo.Value

		default:
			bal.Confirmed += utxo.Value
		}
	}

	return bal
}
