// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import "fmt"

// SyncError is returned when a sync could not complete. No partial update is
// ever returned alongside it.
type SyncError struct {
	// Account is the key of the account being synced.
	Account string

	// Op names the failed sync step.
	Op string

	// Cause is the underlying ledger or derivation error.
	Cause error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %s: %v", e.Account, e.Op, e.Cause)
}

// Unwrap returns the cause so errors.Is sees through a SyncError.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

func syncErr(view AccountView, op string, err error) error {
	return &SyncError{Account: view.Key(), Op: op, Cause: err}
}
