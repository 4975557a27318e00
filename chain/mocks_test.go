// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/btcsuite/hdwallet/txstore"
)

var (
	testTime = time.Unix(1700000000, 0)

	errLedgerDown = errors.New("ledger down")
)

func testTip(height int32) BlockStamp {
	return BlockStamp{
		Block: wtxmgr.Block{
			Hash:   chainhash.Hash{byte(height), 0xaa},
			Height: height,
		},
		Time: testTime,
	}
}

// testScript is the script the mock account derives at keychain/index.
func testScript(k descriptor.Keychain, index uint32) []byte {
	return []byte{0x00, 0x14, byte(k), byte(index >> 8), byte(index)}
}

// mockLedger serves canned answers keyed by script.
type mockLedger struct {
	mu sync.Mutex

	tip      BlockStamp
	activity map[string][]*LedgerTx
	utxos    map[string][]*LedgerUtxo
	statuses map[chainhash.Hash]*TxStatus

	// failScript makes queries for that script fail.
	failScript []byte

	// queried counts activity queries per script.
	queried map[string]int

	// blockTip, when set, is waited on by BestBlock after signaling
	// tipEntered.
	blockTip   chan struct{}
	tipEntered chan struct{}
	tipCalls   int
}

func newMockLedger(tipHeight int32) *mockLedger {
	return &mockLedger{
		tip:      testTip(tipHeight),
		activity: make(map[string][]*LedgerTx),
		utxos:    make(map[string][]*LedgerUtxo),
		statuses: make(map[chainhash.Hash]*TxStatus),
		queried:  make(map[string]int),
	}
}

// receive records a transaction paying value to the script at
// keychain/index, confirmed at height or unconfirmed when height is
// txstore.Unmined.
func (m *mockLedger) receive(k descriptor.Keychain, index uint32,
	value int64, height int32) *wire.MsgTx {

	m.mu.Lock()
	defer m.mu.Unlock()

	script := testScript(k, index)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Hash: chainhash.Hash{byte(len(m.statuses) + 1)},
	}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, script))

	status := TxStatus{}
	if height != txstore.Unmined {
		status = TxStatus{Confirmed: true, Block: testTip(height)}
	}
	hash := tx.TxHash()
	m.statuses[hash] = &status

	m.activity[string(script)] = append(m.activity[string(script)],
		&LedgerTx{
			Tx:       tx,
			Status:   status,
			PrevOuts: []*wire.TxOut{wire.NewTxOut(value+200, nil)},
		})
	m.utxos[string(script)] = append(m.utxos[string(script)],
		&LedgerUtxo{
			OutPoint: wire.OutPoint{Hash: hash},
			Value:    btcutil.Amount(value),
			Status:   status,
		})

	return tx
}

func (m *mockLedger) ScriptActivity(_ context.Context,
	pkScript []byte) ([]*LedgerTx, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.queried[string(pkScript)]++
	if m.failScript != nil && string(m.failScript) == string(pkScript) {
		return nil, errLedgerDown
	}

	return m.activity[string(pkScript)], nil
}

func (m *mockLedger) ScriptUtxos(_ context.Context,
	pkScript []byte) ([]*LedgerUtxo, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.utxos[string(pkScript)], nil
}

func (m *mockLedger) Broadcast(_ context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	return tx.TxHash(), nil
}

func (m *mockLedger) FeeEstimates(
	context.Context) (map[uint32]unit.SatPerVByte, error) {

	return map[uint32]unit.SatPerVByte{1: unit.SatsPerVByte(10)}, nil
}

func (m *mockLedger) MempoolMinFee(context.Context) (unit.SatPerVByte,
	error) {

	return unit.SatsPerVByte(1), nil
}

func (m *mockLedger) MinReplacementFee(context.Context) (unit.SatPerVByte,
	error) {

	return unit.SatsPerVByte(1), nil
}

func (m *mockLedger) BestBlock(ctx context.Context) (BlockStamp, error) {
	m.mu.Lock()
	m.tipCalls++
	block, entered := m.blockTip, m.tipEntered
	tip := m.tip
	m.mu.Unlock()

	if block != nil {
		entered <- struct{}{}
		select {
		case <-block:
		case <-ctx.Done():
			return BlockStamp{}, ctx.Err()
		}
	}

	return tip, nil
}

func (m *mockLedger) TxStatus(_ context.Context,
	txid chainhash.Hash) (*TxStatus, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.statuses[txid]
	if !ok {
		return nil, ErrTxNotFound
	}

	return status, nil
}

func (m *mockLedger) queries() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := make(map[string]int, len(m.queried))
	for k, v := range m.queried {
		q[k] = v
	}

	return q
}

var _ Ledger = (*mockLedger)(nil)

// mockAccount is an in-memory sync target.
type mockAccount struct {
	key string

	mu   sync.Mutex
	snap *txstore.Snapshot

	derived map[string]int
}

func newMockAccount(key string) *mockAccount {
	return &mockAccount{
		key:     key,
		snap:    txstore.NewSnapshot(),
		derived: make(map[string]int),
	}
}

func (a *mockAccount) Key() string { return a.key }

func (a *mockAccount) Snapshot() *txstore.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.snap
}

func (a *mockAccount) ScriptAt(k descriptor.Keychain,
	index uint32) ([]byte, error) {

	a.mu.Lock()
	defer a.mu.Unlock()

	script := testScript(k, index)
	a.derived[string(script)]++

	return script, nil
}

func (a *mockAccount) ApplyUpdate(u *txstore.Update) error {
	if err := u.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.snap = a.snap.Apply(u)

	return nil
}

var _ SyncTarget = (*mockAccount)(nil)
