// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements HD accounts and the wallet that derives them from
// a single master key.
package wallet

import (
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/internal/zero"
	"github.com/btcsuite/hdwallet/mnemonic"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Wallet holds the master key of a seed and the accounts derived from it,
// keyed by derivation path. The master key is never exported.
type Wallet struct {
	net         descriptor.Network
	masterKey   *hdkeychain.ExtendedKey
	fingerprint descriptor.Fingerprint

	mu       sync.RWMutex
	accounts map[string]*Account
}

// New derives the master key of the seed for the network. The seed is
// zeroed before returning.
func New(net descriptor.Network, seed []byte) (*Wallet, error) {
	defer zero.Bytes(seed)

	if err := net.Validate(); err != nil {
		return nil, err
	}

	masterKey, err := hdkeychain.NewMaster(seed, net.Params())
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	fp, err := descriptor.FingerprintOf(masterKey)
	if err != nil {
		return nil, err
	}

	log.Infof("Opened wallet %v on %v", fp, net)

	return &Wallet{
		net:         net,
		masterKey:   masterKey,
		fingerprint: fp,
		accounts:    make(map[string]*Account),
	}, nil
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic and optional
// passphrase.
func NewFromMnemonic(net descriptor.Network, words, passphrase string,
	lang mnemonic.Language) (*Wallet, error) {

	seed, err := mnemonic.Seed(words, passphrase, lang)
	if err != nil {
		return nil, err
	}

	return New(net, seed)
}

// Network returns the wallet network.
func (w *Wallet) Network() descriptor.Network {
	return w.net
}

// Fingerprint returns the hex master key fingerprint.
func (w *Wallet) Fingerprint() string {
	return w.fingerprint.String()
}

// AddAccount derives the account at path and opens its store through the
// factory. The wallet is unchanged when an error is returned.
func (w *Wallet) AddAccount(st descriptor.ScriptType,
	path descriptor.DerivationPath,
	factory txstore.Factory) (*Account, error) {

	if err := path.ValidateAccount(st, w.net); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.accounts[path.String()]; ok {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateAccount, path)
	}

	acctXprv, err := w.deriveAccountKey(path)
	if err != nil {
		return nil, err
	}

	store, err := factory.Open(
		accountKey(fn.Some(w.fingerprint), path),
	)
	if err != nil {
		return nil, fmt.Errorf("open store for %v: %w", path, err)
	}

	account, err := NewAccount(
		acctXprv, w.net, st, path, store,
		descriptor.WithOrigin(w.fingerprint, path),
	)
	if err != nil {
		if cerr := store.Close(); cerr != nil {
			log.Errorf("Unable to close store of %v: %v", path,
				cerr)
		}

		return nil, err
	}

	w.accounts[path.String()] = account

	log.Infof("Added %v account %v", st, path)

	return account, nil
}

// deriveAccountKey walks the master key down the path.
func (w *Wallet) deriveAccountKey(
	path descriptor.DerivationPath) (*hdkeychain.ExtendedKey, error) {

	key := w.masterKey
	for _, child := range path {
		var err error
		key, err = key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("%w: derive %v: %v",
				descriptor.ErrInvalidDerivationPath, path, err)
		}
	}

	return key, nil
}

// Account returns the account at path.
func (w *Wallet) Account(path descriptor.DerivationPath) fn.Option[*Account] {
	w.mu.RLock()
	defer w.mu.RUnlock()

	account, ok := w.accounts[path.String()]
	if !ok {
		return fn.None[*Account]()
	}

	return fn.Some(account)
}

// RemoveAccount drops the account at path and closes its store. The stored
// data itself is kept.
func (w *Wallet) RemoveAccount(path descriptor.DerivationPath) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	account, ok := w.accounts[path.String()]
	if !ok {
		return fmt.Errorf("%w: %v", ErrAccountNotFound, path)
	}
	delete(w.accounts, path.String())

	if err := account.store.Close(); err != nil {
		return fmt.Errorf("close store of %v: %w", path, err)
	}

	log.Infof("Removed account %v", path)

	return nil
}

// Accounts returns the accounts ordered by path.
func (w *Wallet) Accounts() []*Account {
	w.mu.RLock()
	defer w.mu.RUnlock()

	accounts := make([]*Account, 0, len(w.accounts))
	for _, account := range w.accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].path.String() < accounts[j].path.String()
	})

	return accounts
}

// Balance returns the sum of the account balances.
func (w *Wallet) Balance() (Balance, error) {
	var total Balance
	for _, account := range w.Accounts() {
		bal, err := account.Balance()
		if err != nil {
			return Balance{}, err
		}
		total = total.Add(bal)
	}

	return total, nil
}

// Transactions returns the merged history of every account with the same
// ordering and pagination rules as Account.Transactions. A transaction
// between two accounts appears once per account.
func (w *Wallet) Transactions(p fn.Option[Pagination],
	sorted bool) ([]SimpleTransaction, error) {

	var all []SimpleTransaction
	for _, account := range w.Accounts() {
		txs, err := account.Transactions(fn.None[Pagination](), false)
		if err != nil {
			return nil, err
		}
		all = append(all, txs...)
	}

	return paginate(orderTransactions(all, sorted), p), nil
}

// Transaction returns a detailed transaction of the account at path.
func (w *Wallet) Transaction(path descriptor.DerivationPath,
	txid chainhash.Hash) (*DetailedTransaction, error) {

	account, err := w.Account(path).UnwrapOrErr(
		fmt.Errorf("%w: %v", ErrAccountNotFound, path),
	)
	if err != nil {
		return nil, err
	}

	return account.Transaction(txid)
}

// Close closes the stores of every account.
func (w *Wallet) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for key, account := range w.accounts {
		if err := account.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.accounts, key)
	}

	return firstErr
}
