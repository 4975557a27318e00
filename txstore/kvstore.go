// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/lightningnetwork/lnd/fn/v2"

	// The bdb driver registers itself with walletdb.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	// DefaultDBTimeout is the time to wait for the database file lock.
	DefaultDBTimeout = 10 * time.Second
)

var (
	// accountsBucketKey is the top-level bucket holding one nested bucket
	// per account key.
	accountsBucketKey = []byte("hdwallet-accounts")

	utxosBucketKey    = []byte("utxos")
	txsBucketKey      = []byte("txs")
	lastUsedBucketKey = []byte("lastused")
	metaBucketKey     = []byte("meta")

	checkpointKey = []byte("checkpoint")
)

// KVFactory opens account stores inside a single walletdb database.
type KVFactory struct {
	db walletdb.DB

	// ownsDB is set when the factory created the database and must close
	// it.
	ownsDB bool
}

// NewKVFactory returns a factory storing accounts in db. The database stays
// owned by the caller.
func NewKVFactory(db walletdb.DB) (*KVFactory, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(accountsBucketKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create accounts bucket: %w", err)
	}

	return &KVFactory{db: db}, nil
}

// OpenBoltFactory opens, or creates, the bolt database file at dbPath and
// returns a factory that closes it on Close.
func OpenBoltFactory(dbPath string, timeout time.Duration) (*KVFactory,
	error) {

	db, err := walletdb.Create("bdb", dbPath, true, timeout, false)
	if err != nil {
		return nil, err
	}

	f, err := NewKVFactory(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	f.ownsDB = true

	return f, nil
}

// Open returns the store of the given account, creating its buckets.
func (f *KVFactory) Open(key string) (Store, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	err := walletdb.Update(f.db, func(tx walletdb.ReadWriteTx) error {
		accounts := tx.ReadWriteBucket(accountsBucketKey)
		acct, err := accounts.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}

		for _, k := range [][]byte{
			utxosBucketKey, txsBucketKey, lastUsedBucketKey,
			metaBucketKey,
		} {
			if _, err := acct.CreateBucketIfNotExists(k); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open account %q: %w", key, err)
	}

	log.Debugf("Opened kv store for account %s", key)

	return &KVStore{db: f.db, key: []byte(key)}, nil
}

// Close closes the database if the factory opened it.
func (f *KVFactory) Close() error {
	if !f.ownsDB {
		return nil
	}

	return f.db.Close()
}

// KVStore is an account store backed by walletdb buckets.
type KVStore struct {
	db  walletdb.DB
	key []byte

	mu     sync.Mutex
	closed bool
}

// A compile-time check to ensure that KVStore implements the Store interface.
var _ Store = (*KVStore)(nil)

// Load reads every record of the account.
func (s *KVStore) Load() (*Snapshot, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	snap := NewSnapshot()
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		acct := tx.ReadBucket(accountsBucketKey).NestedReadBucket(s.key)
		if acct == nil {
			return fmt.Errorf("account %q not found", s.key)
		}

		err := acct.NestedReadBucket(utxosBucketKey).ForEach(
			func(k, v []byte) error {
				op, err := readOutPointKey(k)
				if err != nil {
					return err
				}
				utxo, err := decodeUtxo(op, v)
				if err != nil {
					return err
				}
				snap.Utxos[op] = utxo

				return nil
			},
		)
		if err != nil {
			return err
		}

		err = acct.NestedReadBucket(txsBucketKey).ForEach(
			func(_, v []byte) error {
				rec, err := decodeTxRecord(v)
				if err != nil {
					return err
				}
				snap.Txs[rec.Hash] = rec

				return nil
			},
		)
		if err != nil {
			return err
		}

		err = acct.NestedReadBucket(lastUsedBucketKey).ForEach(
			func(k, v []byte) error {
				if len(k) != 4 || len(v) != 4 {
					return errors.New("malformed last used " +
						"index")
				}
				keychain := descriptor.Keychain(
					binary.BigEndian.Uint32(k),
				)
				snap.LastUsed[keychain] = binary.BigEndian.Uint32(v)

				return nil
			},
		)
		if err != nil {
			return err
		}

		cp := acct.NestedReadBucket(metaBucketKey).Get(checkpointKey)
		if cp == nil {
			return nil
		}
		block, err := decodeBlockMeta(cp)
		if err != nil {
			return err
		}
		snap.Checkpoint = fn.Some(block)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load account %q: %w", s.key, err)
	}

	return snap, nil
}

// ApplyUpdate writes the update in a single database transaction.
func (s *KVStore) ApplyUpdate(u *Update) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrStoreClosed
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		acct := tx.ReadWriteBucket(accountsBucketKey).
			NestedReadWriteBucket(s.key)
		if acct == nil {
			return fmt.Errorf("account %q not found", s.key)
		}

		return applyKV(acct, u)
	})
}

// applyKV mirrors Snapshot.Apply on the account buckets.
func applyKV(acct walletdb.ReadWriteBucket, u *Update) error {
	utxos := acct.NestedReadWriteBucket(utxosBucketKey)
	txs := acct.NestedReadWriteBucket(txsBucketKey)

	for _, rec := range u.Txs {
		if old := txs.Get(rec.Hash[:]); old != nil {
			oldRec, err := decodeTxRecord(old)
			if err != nil {
				return err
			}
			rec = mergeTxRecord(oldRec, rec)
		}

		v, err := encodeTxRecord(rec)
		if err != nil {
			return err
		}
		if err := txs.Put(rec.Hash[:], v); err != nil {
			return err
		}
	}

	for _, hash := range u.EvictTxs {
		if err := txs.Delete(hash[:]); err != nil {
			return err
		}
		if err := deleteOutputsOf(utxos, hash); err != nil {
			return err
		}
	}

	for _, op := range u.RemoveUtxos {
		if err := utxos.Delete(outPointKey(op)); err != nil {
			return err
		}
	}
	for i := range u.AddUtxos {
		v, err := encodeUtxo(&u.AddUtxos[i])
		if err != nil {
			return err
		}
		err = utxos.Put(outPointKey(u.AddUtxos[i].OutPoint), v)
		if err != nil {
			return err
		}
	}

	lastUsed := acct.NestedReadWriteBucket(lastUsedBucketKey)
	for keychain, idx := range u.LastUsed {
		var k, v [4]byte
		binary.BigEndian.PutUint32(k[:], uint32(keychain))

		if cur := lastUsed.Get(k[:]); len(cur) == 4 &&
			binary.BigEndian.Uint32(cur) >= idx {

			continue
		}

		binary.BigEndian.PutUint32(v[:], idx)
		if err := lastUsed.Put(k[:], v[:]); err != nil {
			return err
		}
	}

	if u.Checkpoint.IsNone() {
		return nil
	}
	cp, err := encodeBlockMeta(u.Checkpoint.UnsafeFromSome())
	if err != nil {
		return err
	}

	return acct.NestedReadWriteBucket(metaBucketKey).Put(checkpointKey, cp)
}

// deleteOutputsOf removes every stored output created by the transaction.
// Keys start with the transaction hash, so the matching keys are collected
// first and deleted after the scan.
func deleteOutputsOf(utxos walletdb.ReadWriteBucket,
	hash chainhash.Hash) error {

	var keys [][]byte
	err := utxos.ForEach(func(k, _ []byte) error {
		if len(k) == outPointKeySize &&
			chainhash.Hash(k[:chainhash.HashSize]) == hash {

			keys = append(keys, append([]byte(nil), k...))
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := utxos.Delete(k); err != nil {
			return err
		}
	}

	return nil
}

// Close marks the store closed. The database is shared with the factory and
// stays open.
func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

func (s *KVStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}
