// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeUtxoValue    tlv.Type = 1
	typeUtxoPkScript tlv.Type = 2
	typeUtxoKeychain tlv.Type = 3
	typeUtxoIndex    tlv.Type = 4
	typeUtxoHeight   tlv.Type = 5
	typeUtxoCoinbase tlv.Type = 6

	typeTxRaw       tlv.Type = 1
	typeTxBlockHash tlv.Type = 2
	typeTxHeight    tlv.Type = 3
	typeTxBlockTime tlv.Type = 4
	typeTxLastSeen  tlv.Type = 5
	typeTxFee       tlv.Type = 6
	typeTxPrevOuts  tlv.Type = 7

	typeBlockHash   tlv.Type = 1
	typeBlockHeight tlv.Type = 2
	typeBlockTime   tlv.Type = 3

	// outPointKeySize is the size of a serialized outpoint key: the
	// transaction hash followed by the big endian output index.
	outPointKeySize = chainhash.HashSize + 4

	// maxPrevOutScriptSize bounds the scripts read back from a prevout
	// blob.
	maxPrevOutScriptSize = wire.MaxMessagePayload
)

// outPointKey serializes an outpoint so keys sort by transaction and then by
// output index.
func outPointKey(op wire.OutPoint) []byte {
	k := make([]byte, outPointKeySize)
	copy(k, op.Hash[:])
	binary.BigEndian.PutUint32(k[chainhash.HashSize:], op.Index)

	return k
}

func readOutPointKey(k []byte) (wire.OutPoint, error) {
	var op wire.OutPoint
	if len(k) != outPointKeySize {
		return op, fmt.Errorf("outpoint key has %d bytes", len(k))
	}
	copy(op.Hash[:], k[:chainhash.HashSize])
	op.Index = binary.BigEndian.Uint32(k[chainhash.HashSize:])

	return op, nil
}

func encodeStream(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeUtxo(u *Utxo) ([]byte, error) {
	var (
		value    = uint64(u.Value)
		keychain = uint32(u.Keychain)
		height   = uint32(u.Height)
		coinbase uint8
	)
	if u.IsCoinbase {
		coinbase = 1
	}

	return encodeStream(
		tlv.MakePrimitiveRecord(typeUtxoValue, &value),
		tlv.MakePrimitiveRecord(typeUtxoPkScript, &u.PkScript),
		tlv.MakePrimitiveRecord(typeUtxoKeychain, &keychain),
		tlv.MakePrimitiveRecord(typeUtxoIndex, &u.Index),
		tlv.MakePrimitiveRecord(typeUtxoHeight, &height),
		tlv.MakePrimitiveRecord(typeUtxoCoinbase, &coinbase),
	)
}

func decodeUtxo(op wire.OutPoint, data []byte) (Utxo, error) {
	var (
		u        = Utxo{OutPoint: op}
		value    uint64
		keychain uint32
		height   uint32
		coinbase uint8
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeUtxoValue, &value),
		tlv.MakePrimitiveRecord(typeUtxoPkScript, &u.PkScript),
		tlv.MakePrimitiveRecord(typeUtxoKeychain, &keychain),
		tlv.MakePrimitiveRecord(typeUtxoIndex, &u.Index),
		tlv.MakePrimitiveRecord(typeUtxoHeight, &height),
		tlv.MakePrimitiveRecord(typeUtxoCoinbase, &coinbase),
	)
	if err != nil {
		return u, err
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return u, fmt.Errorf("decode utxo %v: %w", op, err)
	}

	u.Value = btcutil.Amount(value)
	u.Keychain = descriptor.Keychain(keychain)
	u.Height = int32(height)
	u.IsCoinbase = coinbase == 1

	return u, nil
}

func encodeTxRecord(rec *TxRecord) ([]byte, error) {
	var raw bytes.Buffer
	if err := rec.MsgTx.Serialize(&raw); err != nil {
		return nil, err
	}

	var (
		rawTx     = raw.Bytes()
		blockHash = [32]byte(rec.Block.Hash)
		height    = uint32(rec.Block.Height)
		blockTime = unixSeconds(rec.Block.Time)
		lastSeen  = unixNanos(rec.LastSeen)
	)

	prevOuts, err := encodePrevOuts(rec.PrevOuts)
	if err != nil {
		return nil, err
	}

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeTxRaw, &rawTx),
		tlv.MakePrimitiveRecord(typeTxBlockHash, &blockHash),
		tlv.MakePrimitiveRecord(typeTxHeight, &height),
		tlv.MakePrimitiveRecord(typeTxBlockTime, &blockTime),
		tlv.MakePrimitiveRecord(typeTxLastSeen, &lastSeen),
	}

	fee, hasFee := rec.Fee.UnwrapOr(0), rec.Fee.IsSome()
	feeSats := uint64(fee)
	if hasFee {
		records = append(records, tlv.MakePrimitiveRecord(
			typeTxFee, &feeSats,
		))
	}
	if len(prevOuts) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeTxPrevOuts, &prevOuts,
		))
	}

	return encodeStream(records...)
}

func decodeTxRecord(data []byte) (*TxRecord, error) {
	var (
		rawTx     []byte
		blockHash [32]byte
		height    uint32
		blockTime uint64
		lastSeen  uint64
		fee       uint64
		prevOuts  []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeTxRaw, &rawTx),
		tlv.MakePrimitiveRecord(typeTxBlockHash, &blockHash),
		tlv.MakePrimitiveRecord(typeTxHeight, &height),
		tlv.MakePrimitiveRecord(typeTxBlockTime, &blockTime),
		tlv.MakePrimitiveRecord(typeTxLastSeen, &lastSeen),
		tlv.MakePrimitiveRecord(typeTxFee, &fee),
		tlv.MakePrimitiveRecord(typeTxPrevOuts, &prevOuts),
	)
	if err != nil {
		return nil, err
	}

	parsedTypes, err := stream.DecodeWithParsedTypes(
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, err
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	if err := msgTx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, fmt.Errorf("decode raw transaction: %w", err)
	}

	rec := &TxRecord{
		MsgTx: msgTx,
		Hash:  msgTx.TxHash(),
		Block: wtxmgr.BlockMeta{
			Block: wtxmgr.Block{
				Hash:   chainhash.Hash(blockHash),
				Height: int32(height),
			},
			Time: fromUnixSeconds(blockTime),
		},
		LastSeen: fromUnixNanos(lastSeen),
		Fee:      fn.None[btcutil.Amount](),
	}

	if t, ok := parsedTypes[typeTxFee]; ok && t == nil {
		rec.Fee = fn.Some(btcutil.Amount(fee))
	}
	if t, ok := parsedTypes[typeTxPrevOuts]; ok && t == nil {
		rec.PrevOuts, err = decodePrevOuts(prevOuts)
		if err != nil {
			return nil, err
		}
	}

	return rec, nil
}

// encodePrevOuts writes a count followed by one entry per input: a presence
// flag and, when present, the value and script of the spent output.
func encodePrevOuts(prevOuts []*wire.TxOut) ([]byte, error) {
	if len(prevOuts) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	err := wire.WriteVarInt(&buf, 0, uint64(len(prevOuts)))
	if err != nil {
		return nil, err
	}

	var scratch [8]byte
	for _, out := range prevOuts {
		if out == nil {
			buf.WriteByte(0)
			continue
		}

		buf.WriteByte(1)
		binary.BigEndian.PutUint64(scratch[:], uint64(out.Value))
		buf.Write(scratch[:])
		if err := wire.WriteVarBytes(&buf, 0, out.PkScript); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodePrevOuts(data []byte) ([]*wire.TxOut, error) {
	r := bytes.NewReader(data)

	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("prevout count %d exceeds data", count)
	}

	prevOuts := make([]*wire.TxOut, count)
	for i := range prevOuts {
		flag, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if flag == 0 {
			continue
		}

		var scratch [8]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}
		pkScript, err := wire.ReadVarBytes(
			r, 0, maxPrevOutScriptSize, "prevout script",
		)
		if err != nil {
			return nil, err
		}

		prevOuts[i] = wire.NewTxOut(
			int64(binary.BigEndian.Uint64(scratch[:])), pkScript,
		)
	}

	return prevOuts, nil
}

func encodeBlockMeta(b wtxmgr.BlockMeta) ([]byte, error) {
	var (
		hash   = [32]byte(b.Hash)
		height = uint32(b.Height)
		ts     = unixSeconds(b.Time)
	)

	return encodeStream(
		tlv.MakePrimitiveRecord(typeBlockHash, &hash),
		tlv.MakePrimitiveRecord(typeBlockHeight, &height),
		tlv.MakePrimitiveRecord(typeBlockTime, &ts),
	)
}

func decodeBlockMeta(data []byte) (wtxmgr.BlockMeta, error) {
	var (
		hash   [32]byte
		height uint32
		ts     uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeBlockHash, &hash),
		tlv.MakePrimitiveRecord(typeBlockHeight, &height),
		tlv.MakePrimitiveRecord(typeBlockTime, &ts),
	)
	if err != nil {
		return wtxmgr.BlockMeta{}, err
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return wtxmgr.BlockMeta{}, err
	}

	return wtxmgr.BlockMeta{
		Block: wtxmgr.Block{
			Hash:   chainhash.Hash(hash),
			Height: int32(height),
		},
		Time: fromUnixSeconds(ts),
	}, nil
}

// Zero times are stored as zero so they survive a round trip.

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	return uint64(t.Unix())
}

func fromUnixSeconds(s uint64) time.Time {
	if s == 0 {
		return time.Time{}
	}

	return time.Unix(int64(s), 0)
}

func unixNanos(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	return uint64(t.UnixNano())
}

func fromUnixNanos(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, int64(n))
}
