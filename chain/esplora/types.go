// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package esplora

// BlockInfo is the block summary returned by /block/:hash.
type BlockInfo struct {
	ID        string `json:"id"`
	Height    int64  `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// TxStatus is the confirmation status of a transaction.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// TxInfo is a transaction as returned by the address and scripthash
// endpoints.
type TxInfo struct {
	TxID     string   `json:"txid"`
	Version  int32    `json:"version"`
	LockTime uint32   `json:"locktime"`
	Fee      int64    `json:"fee"`
	Vin      []TxVin  `json:"vin"`
	Vout     []TxVout `json:"vout"`
	Status   TxStatus `json:"status"`
}

// TxVin is a transaction input.
type TxVin struct {
	TxID       string   `json:"txid"`
	Vout       uint32   `json:"vout"`
	PrevOut    *TxVout  `json:"prevout,omitempty"`
	ScriptSig  string   `json:"scriptsig"`
	Witness    []string `json:"witness,omitempty"`
	Sequence   uint32   `json:"sequence"`
	IsCoinbase bool     `json:"is_coinbase"`
}

// TxVout is a transaction output.
type TxVout struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Value        int64  `json:"value"`
}

// UTXO is an unspent output of a script.
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status TxStatus `json:"status"`
	Value  int64    `json:"value"`
}

// FeeEstimates maps confirmation targets, as strings, to sat/vB rates.
type FeeEstimates map[string]float64

// MempoolInfo carries the node mempool policy. Rates are in BTC/kB as
// reported by bitcoind's getmempoolinfo.
type MempoolInfo struct {
	MempoolMinFee       float64 `json:"mempoolminfee"`
	MinRelayTxFee       float64 `json:"minrelaytxfee"`
	IncrementalRelayFee float64 `json:"incrementalrelayfee"`
}
