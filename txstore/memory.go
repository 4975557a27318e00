// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import "sync"

// MemStore keeps the account state in memory only.
type MemStore struct {
	mu     sync.Mutex
	snap   *Snapshot
	closed bool
}

// A compile-time check to ensure that MemStore implements the Store interface.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{snap: NewSnapshot()}
}

// Load returns the current state.
func (m *MemStore) Load() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	return m.snap, nil
}

// ApplyUpdate merges the update into the in-memory state.
func (m *MemStore) ApplyUpdate(u *Update) error {
	if err := u.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.snap = m.snap.Apply(u)

	return nil
}

// Close marks the store closed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

// MemFactory hands out a fresh in-memory store per account key.
func MemFactory() Factory {
	return FactoryFunc(func(key string) (Store, error) {
		if key == "" {
			return nil, ErrEmptyKey
		}

		return NewMemStore(), nil
	})
}
