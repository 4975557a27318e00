// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txstore persists the unspent outputs, transaction history and sync
// checkpoint of a single wallet account.
//
// A Store is only written through ApplyUpdate. Callers keep the Snapshot it
// loads in memory and apply the same update to it, which yields the state the
// store holds after the write.
package txstore

import "errors"

var (
	// ErrInvalidUpdate is returned when an update carries malformed
	// records. Nothing is written in that case.
	ErrInvalidUpdate = errors.New("invalid update")

	// ErrStoreClosed is returned when using a store after Close.
	ErrStoreClosed = errors.New("store closed")

	// ErrEmptyKey is returned by factories when no account key is given.
	ErrEmptyKey = errors.New("empty account key")
)

// Store is the persistent state of one account.
type Store interface {
	// Load reads the full state of the store.
	Load() (*Snapshot, error)

	// ApplyUpdate atomically merges the update into the stored state.
	// It either writes all of the update or none of it.
	ApplyUpdate(u *Update) error

	// Close releases the store. Stores sharing a database with other
	// accounts leave the database open.
	Close() error
}

// Factory opens the store of an account, creating it when needed. The key
// identifies the account, usually its derivation path.
type Factory interface {
	Open(key string) (Store, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(key string) (Store, error)

// Open calls f(key).
func (f FactoryFunc) Open(key string) (Store, error) {
	return f(key)
}
