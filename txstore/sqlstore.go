// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lightningnetwork/lnd/fn/v2"

	// The pure Go sqlite driver registers itself as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// SQLiteDSN builds the connection string used for wallet databases. Foreign
// keys are enforced, the journal runs in WAL mode, transactions take the
// write lock up front and lock contention is retried for five seconds.
func SQLiteDSN(dbPath string) string {
	return dbPath + "?_pragma=foreign_keys=on" +
		"&_pragma=journal_mode=WAL" +
		"&_txlock=immediate" +
		"&_pragma=busy_timeout=5000"
}

// ApplySQLiteMigrations brings the database schema up to date.
func ApplySQLiteMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("create source driver: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// SQLFactory opens account stores in a SQLite database.
type SQLFactory struct {
	db      *sql.DB
	timeout time.Duration
	ownsDB  bool
}

// NewSQLFactory migrates db and returns a factory using it. The database
// stays owned by the caller.
func NewSQLFactory(db *sql.DB, timeout time.Duration) (*SQLFactory, error) {
	if db == nil {
		return nil, errors.New("nil database")
	}
	if err := ApplySQLiteMigrations(db); err != nil {
		return nil, err
	}

	return &SQLFactory{db: db, timeout: timeout}, nil
}

// OpenSQLiteFactory opens, or creates, the SQLite file at dbPath.
func OpenSQLiteFactory(dbPath string, timeout time.Duration) (*SQLFactory,
	error) {

	db, err := sql.Open("sqlite", SQLiteDSN(dbPath))
	if err != nil {
		return nil, err
	}

	f, err := NewSQLFactory(db, timeout)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	f.ownsDB = true

	return f, nil
}

// Open returns the store of the given account, inserting its row when needed.
func (f *SQLFactory) Open(key string) (Store, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	ctx, cancel := f.context()
	defer cancel()

	_, err := f.db.ExecContext(ctx,
		`INSERT INTO accounts (account_key) VALUES (?)
		 ON CONFLICT (account_key) DO NOTHING`, key)
	if err != nil {
		return nil, fmt.Errorf("insert account %q: %w", key, err)
	}

	var id int64
	err = f.db.QueryRowContext(ctx,
		`SELECT id FROM accounts WHERE account_key = ?`, key,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("lookup account %q: %w", key, err)
	}

	log.Debugf("Opened sqlite store for account %s (id=%d)", key, id)

	return &SQLStore{db: f.db, accountID: id, timeout: f.timeout}, nil
}

// Close closes the database if the factory opened it.
func (f *SQLFactory) Close() error {
	if !f.ownsDB {
		return nil
	}

	return f.db.Close()
}

func (f *SQLFactory) context() (context.Context, context.CancelFunc) {
	return withTimeout(f.timeout)
}

func withTimeout(timeout time.Duration) (context.Context,
	context.CancelFunc) {

	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}

	return context.WithTimeout(context.Background(), timeout)
}

// SQLStore is an account store backed by SQLite tables.
type SQLStore struct {
	db        *sql.DB
	accountID int64
	timeout   time.Duration

	mu     sync.Mutex
	closed bool
}

// A compile-time check to ensure that SQLStore implements the Store interface.
var _ Store = (*SQLStore)(nil)

// Load reads every row of the account.
func (s *SQLStore) Load() (*Snapshot, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	ctx, cancel := withTimeout(s.timeout)
	defer cancel()

	snap := NewSnapshot()
	err := execInTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.loadCheckpoint(ctx, tx, snap); err != nil {
			return err
		}
		if err := s.loadUtxos(ctx, tx, snap); err != nil {
			return err
		}
		if err := s.loadTxs(ctx, tx, snap); err != nil {
			return err
		}

		return s.loadLastUsed(ctx, tx, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("load account %d: %w", s.accountID, err)
	}

	return snap, nil
}

func (s *SQLStore) loadCheckpoint(ctx context.Context, tx *sql.Tx,
	snap *Snapshot) error {

	var (
		hash   []byte
		height sql.NullInt64
		ts     sql.NullInt64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT checkpoint_hash, checkpoint_height, checkpoint_time
		 FROM accounts WHERE id = ?`, s.accountID,
	).Scan(&hash, &height, &ts)
	if err != nil {
		return err
	}
	if !height.Valid {
		return nil
	}

	block := wtxmgr.BlockMeta{
		Block: wtxmgr.Block{Height: int32(height.Int64)},
		Time:  fromUnixSeconds(uint64(ts.Int64)),
	}
	if len(hash) == chainhash.HashSize {
		copy(block.Hash[:], hash)
	}
	snap.Checkpoint = fn.Some(block)

	return nil
}

func (s *SQLStore) loadUtxos(ctx context.Context, tx *sql.Tx,
	snap *Snapshot) error {

	rows, err := tx.QueryContext(ctx,
		`SELECT txid, vout, amount, pk_script, keychain, address_index,
		        height, is_coinbase
		 FROM utxos WHERE account_id = ?`, s.accountID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			txid     []byte
			u        Utxo
			amount   int64
			keychain int64
			index    int64
		)
		err := rows.Scan(
			&txid, &u.OutPoint.Index, &amount, &u.PkScript,
			&keychain, &index, &u.Height, &u.IsCoinbase,
		)
		if err != nil {
			return err
		}
		if len(txid) != chainhash.HashSize {
			return fmt.Errorf("malformed txid of %d bytes",
				len(txid))
		}
		copy(u.OutPoint.Hash[:], txid)
		u.Value = btcutil.Amount(amount)
		u.Keychain = descriptor.Keychain(keychain)
		u.Index = uint32(index)

		snap.Utxos[u.OutPoint] = u
	}

	return rows.Err()
}

func (s *SQLStore) loadTxs(ctx context.Context, tx *sql.Tx,
	snap *Snapshot) error {

	rows, err := tx.QueryContext(ctx,
		`SELECT record FROM transactions WHERE account_id = ?`,
		s.accountID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return err
		}
		rec, err := decodeTxRecord(record)
		if err != nil {
			return err
		}
		snap.Txs[rec.Hash] = rec
	}

	return rows.Err()
}

func (s *SQLStore) loadLastUsed(ctx context.Context, tx *sql.Tx,
	snap *Snapshot) error {

	rows, err := tx.QueryContext(ctx,
		`SELECT keychain, address_index FROM last_used
		 WHERE account_id = ?`, s.accountID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var keychain, index int64
		if err := rows.Scan(&keychain, &index); err != nil {
			return err
		}
		snap.LastUsed[descriptor.Keychain(keychain)] = uint32(index)
	}

	return rows.Err()
}

// ApplyUpdate writes the update in a single SQL transaction.
func (s *SQLStore) ApplyUpdate(u *Update) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrStoreClosed
	}

	ctx, cancel := withTimeout(s.timeout)
	defer cancel()

	return execInTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, rec := range u.Txs {
			if err := s.putTx(ctx, tx, rec); err != nil {
				return err
			}
		}

		for _, hash := range u.EvictTxs {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM transactions
				 WHERE account_id = ? AND txid = ?`,
				s.accountID, hash[:])
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`DELETE FROM utxos
				 WHERE account_id = ? AND txid = ?`,
				s.accountID, hash[:])
			if err != nil {
				return err
			}
		}

		for _, op := range u.RemoveUtxos {
			if err := s.deleteUtxo(ctx, tx, op); err != nil {
				return err
			}
		}
		for i := range u.AddUtxos {
			if err := s.putUtxo(ctx, tx, &u.AddUtxos[i]); err != nil {
				return err
			}
		}

		for keychain, idx := range u.LastUsed {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO last_used
				    (account_id, keychain, address_index)
				 VALUES (?, ?, ?)
				 ON CONFLICT (account_id, keychain) DO UPDATE
				 SET address_index = MAX(address_index,
				     excluded.address_index)`,
				s.accountID, int64(keychain), int64(idx))
			if err != nil {
				return err
			}
		}

		if u.Checkpoint.IsNone() {
			return nil
		}
		cp := u.Checkpoint.UnsafeFromSome()
		_, err := tx.ExecContext(ctx,
			`UPDATE accounts SET checkpoint_hash = ?,
			    checkpoint_height = ?, checkpoint_time = ?
			 WHERE id = ?`,
			cp.Hash[:], int64(cp.Height),
			int64(unixSeconds(cp.Time)), s.accountID)

		return err
	})
}

func (s *SQLStore) putTx(ctx context.Context, tx *sql.Tx,
	rec *TxRecord) error {

	var old []byte
	err := tx.QueryRowContext(ctx,
		`SELECT record FROM transactions
		 WHERE account_id = ? AND txid = ?`,
		s.accountID, rec.Hash[:],
	).Scan(&old)

	switch {
	case errors.Is(err, sql.ErrNoRows):

	case err != nil:
		return err

	default:
		oldRec, err := decodeTxRecord(old)
		if err != nil {
			return err
		}
		rec = mergeTxRecord(oldRec, rec)
	}

	record, err := encodeTxRecord(rec)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (account_id, txid, record, height)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id, txid) DO UPDATE
		 SET record = excluded.record, height = excluded.height`,
		s.accountID, rec.Hash[:], record, int64(rec.Block.Height))

	return err
}

func (s *SQLStore) putUtxo(ctx context.Context, tx *sql.Tx, u *Utxo) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO utxos (account_id, txid, vout, amount, pk_script,
		     keychain, address_index, height, is_coinbase)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, txid, vout) DO UPDATE
		 SET amount = excluded.amount, pk_script = excluded.pk_script,
		     keychain = excluded.keychain,
		     address_index = excluded.address_index,
		     height = excluded.height,
		     is_coinbase = excluded.is_coinbase`,
		s.accountID, u.OutPoint.Hash[:], int64(u.OutPoint.Index),
		int64(u.Value), u.PkScript, int64(u.Keychain), int64(u.Index),
		int64(u.Height), u.IsCoinbase)

	return err
}

func (s *SQLStore) deleteUtxo(ctx context.Context, tx *sql.Tx,
	op wire.OutPoint) error {

	_, err := tx.ExecContext(ctx,
		`DELETE FROM utxos
		 WHERE account_id = ? AND txid = ? AND vout = ?`,
		s.accountID, op.Hash[:], int64(op.Index))

	return err
}

// Close marks the store closed. The database belongs to the factory.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

func (s *SQLStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// execInTx runs f inside a transaction, committing on success and rolling
// back on error.
func execInTx(ctx context.Context, db *sql.DB, f func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("Rollback failed: %v", rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
