// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/hdwallet/chain"
	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Ledger adapts a Client to the chain.Ledger interface.
type Ledger struct {
	client *Client
}

// A compile-time check to ensure Ledger implements chain.Ledger.
var _ chain.Ledger = (*Ledger)(nil)

// NewLedger creates a ledger backed by the Esplora API at cfg.URL.
func NewLedger(cfg ClientConfig) (*Ledger, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return &Ledger{client: client}, nil
}

// Client returns the underlying API client.
func (l *Ledger) Client() *Client {
	return l.client
}

// ScriptActivity returns every transaction touching the script.
func (l *Ledger) ScriptActivity(ctx context.Context,
	pkScript []byte) ([]*chain.LedgerTx, error) {

	infos, err := l.client.GetScripthashTxs(ctx, ScriptHash(pkScript))
	if err != nil {
		return nil, err
	}

	txs := make([]*chain.LedgerTx, 0, len(infos))
	for _, info := range infos {
		tx, err := l.ledgerTx(ctx, info)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	return txs, nil
}

// ledgerTx converts an API transaction. The transaction is rebuilt from its
// JSON fields and only fetched raw when the rebuilt hash does not match.
func (l *Ledger) ledgerTx(ctx context.Context,
	info *TxInfo) (*chain.LedgerTx, error) {

	status, err := convertStatus(&info.Status)
	if err != nil {
		return nil, err
	}

	msgTx, err := rebuildTx(info)
	if err != nil || msgTx.TxHash().String() != info.TxID {
		log.Debugf("Fetching raw transaction %s", info.TxID)

		msgTx, err = l.rawTx(ctx, info.TxID)
		if err != nil {
			return nil, err
		}
	}

	prevOuts := make([]*wire.TxOut, len(info.Vin))
	for i, vin := range info.Vin {
		if vin.PrevOut == nil {
			continue
		}
		prevOuts[i], err = convertVout(vin.PrevOut)
		if err != nil {
			return nil, err
		}
	}

	fee := fn.None[btcutil.Amount]()
	if info.Fee > 0 {
		fee = fn.Some(btcutil.Amount(info.Fee))
	}

	return &chain.LedgerTx{
		Tx:       msgTx,
		Status:   *status,
		Fee:      fee,
		PrevOuts: prevOuts,
	}, nil
}

func (l *Ledger) rawTx(ctx context.Context, txid string) (*wire.MsgTx,
	error) {

	txHex, err := l.client.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", txid, err)
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize tx %s: %w", txid, err)
	}

	return msgTx, nil
}

// rebuildTx assembles a wire transaction from the API fields.
func rebuildTx(info *TxInfo) (*wire.MsgTx, error) {
	msgTx := wire.NewMsgTx(info.Version)
	msgTx.LockTime = info.LockTime

	for _, vin := range info.Vin {
		prevOut := wire.OutPoint{Index: vin.Vout}
		if vin.IsCoinbase {
			prevOut.Index = math.MaxUint32
		} else {
			hash, err := chainhash.NewHashFromStr(vin.TxID)
			if err != nil {
				return nil, err
			}
			prevOut.Hash = *hash
		}

		sigScript, err := hex.DecodeString(vin.ScriptSig)
		if err != nil {
			return nil, err
		}

		var witness wire.TxWitness
		for _, item := range vin.Witness {
			w, err := hex.DecodeString(item)
			if err != nil {
				return nil, err
			}
			witness = append(witness, w)
		}

		txIn := wire.NewTxIn(&prevOut, sigScript, witness)
		txIn.Sequence = vin.Sequence
		msgTx.AddTxIn(txIn)
	}

	for i := range info.Vout {
		out, err := convertVout(&info.Vout[i])
		if err != nil {
			return nil, err
		}
		msgTx.AddTxOut(out)
	}

	return msgTx, nil
}

func convertVout(v *TxVout) (*wire.TxOut, error) {
	pkScript, err := hex.DecodeString(v.ScriptPubKey)
	if err != nil {
		return nil, err
	}

	return wire.NewTxOut(v.Value, pkScript), nil
}

func convertStatus(s *TxStatus) (*chain.TxStatus, error) {
	if !s.Confirmed {
		return &chain.TxStatus{}, nil
	}

	hash, err := chainhash.NewHashFromStr(s.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("block hash: %w", err)
	}

	return &chain.TxStatus{
		Confirmed: true,
		Block: wtxmgr.BlockMeta{
			Block: wtxmgr.Block{
				Hash:   *hash,
				Height: int32(s.BlockHeight),
			},
			Time: time.Unix(s.BlockTime, 0),
		},
	}, nil
}

// ScriptUtxos returns the unspent outputs of the script.
func (l *Ledger) ScriptUtxos(ctx context.Context,
	pkScript []byte) ([]*chain.LedgerUtxo, error) {

	utxos, err := l.client.GetScripthashUTXOs(ctx, ScriptHash(pkScript))
	if err != nil {
		return nil, err
	}

	result := make([]*chain.LedgerUtxo, 0, len(utxos))
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, err
		}
		status, err := convertStatus(&u.Status)
		if err != nil {
			return nil, err
		}

		result = append(result, &chain.LedgerUtxo{
			OutPoint: wire.OutPoint{Hash: *hash, Index: u.Vout},
			Value:    btcutil.Amount(u.Value),
			Status:   *status,
		})
	}

	return result, nil
}

// Broadcast publishes the transaction.
func (l *Ledger) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to serialize tx: %w",
			err)
	}

	txid, err := l.client.BroadcastTransaction(
		ctx, hex.EncodeToString(buf.Bytes()),
	)
	if err != nil {
		return chainhash.Hash{}, err
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid txid %q: %w",
			txid, err)
	}

	return *hash, nil
}

// FeeEstimates returns the estimates keyed by confirmation target.
func (l *Ledger) FeeEstimates(
	ctx context.Context) (map[uint32]unit.SatPerVByte, error) {

	estimates, err := l.client.GetFeeEstimates(ctx)
	if err != nil {
		return nil, err
	}

	rates := make(map[uint32]unit.SatPerVByte, len(estimates))
	for target, rate := range estimates {
		blocks, err := strconv.ParseUint(target, 10, 32)
		if err != nil {
			log.Debugf("Skipping fee estimate target %q", target)
			continue
		}
		rates[uint32(blocks)] = unit.SatPerVByteFromFloat(rate)
	}

	return rates, nil
}

// MempoolMinFee returns the higher of the mempool minimum and the relay
// minimum.
func (l *Ledger) MempoolMinFee(ctx context.Context) (unit.SatPerVByte,
	error) {

	info, err := l.client.GetMempoolInfo(ctx)
	if err != nil {
		return unit.SatPerVByte{}, err
	}

	return unit.FromBTCPerKB(info.MempoolMinFee).Max(
		unit.FromBTCPerKB(info.MinRelayTxFee),
	), nil
}

// MinReplacementFee returns the lowest rate increase a replacement must pay,
// the higher of the relay minimum and the incremental relay fee.
func (l *Ledger) MinReplacementFee(ctx context.Context) (unit.SatPerVByte,
	error) {

	info, err := l.client.GetMempoolInfo(ctx)
	if err != nil {
		return unit.SatPerVByte{}, err
	}

	return unit.FromBTCPerKB(info.MinRelayTxFee).Max(
		unit.FromBTCPerKB(info.IncrementalRelayFee),
	), nil
}

// BestBlock returns the chain tip.
func (l *Ledger) BestBlock(ctx context.Context) (chain.BlockStamp, error) {
	tipHash, err := l.client.GetTipHash(ctx)
	if err != nil {
		return chain.BlockStamp{}, err
	}
	hash, err := chainhash.NewHashFromStr(tipHash)
	if err != nil {
		return chain.BlockStamp{}, fmt.Errorf("tip hash: %w", err)
	}

	info, err := l.client.GetBlockInfo(ctx, tipHash)
	if err != nil {
		return chain.BlockStamp{}, err
	}

	return chain.BlockStamp{
		Block: wtxmgr.Block{
			Hash:   *hash,
			Height: int32(info.Height),
		},
		Time: time.Unix(info.Timestamp, 0),
	}, nil
}

// TxStatus returns the status of the transaction, or chain.ErrTxNotFound.
func (l *Ledger) TxStatus(ctx context.Context,
	txid chainhash.Hash) (*chain.TxStatus, error) {

	status, err := l.client.GetTxStatus(ctx, txid.String())
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, chain.ErrTxNotFound

	case err != nil:
		return nil, err
	}

	return convertStatus(status)
}
