// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/btcsuite/hdwallet/chain/esplora"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/internal/cfgutil"
	"github.com/btcsuite/hdwallet/internal/prompt"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/btcsuite/hdwallet/wallet"
)

// session is the state a command works on: the wallet opened from the user's
// mnemonic, the configured account and its store.
type session struct {
	cfg      *config
	prompter *prompt.Prompter
	wallet   *wallet.Wallet
	account  *wallet.Account
	factory  txstore.Factory
}

// openFactory opens the configured account state backend.
func openFactory(cfg *config) (txstore.Factory, error) {
	if cfg.Store == storeMemory {
		log.Warnf("Account state is kept in memory and lost on exit")
		return txstore.MemFactory(), nil
	}

	if err := cfgutil.CheckCreateDir(cfg.netDir); err != nil {
		return nil, err
	}

	dbPath := cfg.dbPath()
	log.Debugf("Opening %s account state at %s", cfg.Store, dbPath)

	switch cfg.Store {
	case storeSQLite:
		return txstore.OpenSQLiteFactory(dbPath, defaultDBTimeout)
	default:
		return txstore.OpenBoltFactory(dbPath, defaultDBTimeout)
	}
}

// openSession asks for the mnemonic and passphrase, derives the wallet and
// opens the configured account.
func openSession(cfg *config) (*session, error) {
	p := prompt.New(os.Stdin, os.Stderr)

	words, err := p.Mnemonic(cfg.lang)
	if err != nil {
		return nil, err
	}
	passphrase, err := p.Passphrase("Enter the BIP39 passphrase "+
		"(empty for none)", false)
	if err != nil {
		return nil, err
	}

	w, err := wallet.NewFromMnemonic(cfg.net, words, passphrase, cfg.lang)
	if err != nil {
		return nil, err
	}

	factory, err := openFactory(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:      cfg,
		prompter: p,
		wallet:   w,
		factory:  factory,
	}

	path, err := descriptor.AccountPath(cfg.st, cfg.net, cfg.Account)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.account, err = w.AddAccount(cfg.st, path, factory)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open account %v: %w", path, err)
	}

	log.Infof("Opened account %s", s.account.Key())

	return s, nil
}

// ledger returns an Esplora ledger for the configured network.
func (s *session) ledger() (*esplora.Ledger, error) {
	return newLedger(s.cfg)
}

func newLedger(cfg *config) (*esplora.Ledger, error) {
	log.Debugf("Using Esplora API at %s", cfg.esplora)

	return esplora.NewLedger(esplora.ClientConfig{
		URL:               cfg.esplora,
		RequestTimeout:    cfg.RequestTimeout,
		MaxRetries:        cfg.EsploraRetries,
		RequestsPerSecond: cfg.EsploraRPS,
	})
}

// Close closes the account stores and the backend holding them.
func (s *session) Close() error {
	err := s.wallet.Close()

	if closer, ok := s.factory.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}
