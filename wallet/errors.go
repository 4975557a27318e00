// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import "errors"

var (
	// ErrDuplicateAccount is returned when adding an account whose
	// derivation path is already in the wallet.
	ErrDuplicateAccount = errors.New("account already exists")

	// ErrAccountNotFound is returned when no account has the requested
	// derivation path.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionNotFound is returned when a transaction is not part of
	// the account history.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAddressParse is returned when an address string cannot be decoded
	// for the wallet network.
	ErrAddressParse = errors.New("unable to parse address")

	// ErrSigningFailure is returned when a packet cannot be signed because
	// it is malformed or contradicts the account state.
	ErrSigningFailure = errors.New("signing failure")

	// ErrCannotBroadcast is returned when a packet cannot be turned into
	// a broadcastable transaction.
	ErrCannotBroadcast = errors.New("cannot broadcast transaction")
)
