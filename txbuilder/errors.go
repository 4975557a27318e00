// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
)

var (
	// ErrNoAccount is returned when a PSBT is requested from a builder
	// without a bound account.
	ErrNoAccount = errors.New("no account bound to the builder")

	// ErrNoRecipients is returned when the builder has no recipients.
	ErrNoRecipients = errors.New("transaction has no recipients")

	// ErrIncompleteRecipient is returned when a recipient lacks an address
	// or an amount.
	ErrIncompleteRecipient = errors.New("recipient is missing address or " +
		"amount")

	// ErrNoChangeAvailable is returned by the OnlyChange policy when the
	// available funds cannot produce a change output above dust.
	ErrNoChangeAvailable = errors.New("selection leaves no change output")

	// ErrChangeForbiddenExcess is returned by the ChangeForbidden policy
	// when the selected inputs exceed the outputs plus fee by more than
	// the allowed fee donation.
	ErrChangeForbiddenExcess = errors.New("excess over fee exceeds " +
		"maximum fee donation")

	// ErrUtxoNotFound is returned when a pinned outpoint is not a
	// spendable output of the account.
	ErrUtxoNotFound = errors.New("utxo not spendable by account")

	// ErrWrongNetwork is returned when a recipient address or the bound
	// account belongs to a different network.
	ErrWrongNetwork = errors.New("network mismatch")
)

// ErrInsufficientFunds is returned when no selection of inputs covers the
// recipients and the fee.
type ErrInsufficientFunds struct {
	// Needed is the amount the outputs and the fee require.
	Needed btcutil.Amount

	// Available is the value of the inputs the policy could use.
	Available btcutil.Amount
}

// A compile-time assertion to ensure ErrInsufficientFunds is recognized as an
// input source failure by txauthor callers.
var _ txauthor.InputSourceError = (*ErrInsufficientFunds)(nil)

// Error returns a human-readable string describing the error.
func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds: need %v, have %v available",
		e.Needed, e.Available)
}

// InputSourceError marks the error as an input source failure.
func (e *ErrInsufficientFunds) InputSourceError() {}
