// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package esplora

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestClient starts a server for the handler and returns a client for it.
func newTestClient(t *testing.T, handler http.Handler,
	maxRetries int) *Client {

	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		URL:        server.URL + "/",
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)

	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// TestNewClientRequiresURL checks the URL is mandatory.
func TestNewClientRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{})
	require.Error(t, err)
}

// TestClientTip checks the tip endpoints and whitespace trimming.
func TestClientTip(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, "840000\n")
	})
	mux.HandleFunc("/blocks/tip/hash", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, "00ff\n")
	})

	client := newTestClient(t, mux, 0)
	ctx := context.Background()

	height, err := client.GetTipHeight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 840000, height)

	hash, err := client.GetTipHash(ctx)
	require.NoError(t, err)
	require.Equal(t, "00ff", hash)
}

// TestClientNotFound checks that a 404 maps to ErrNotFound and other client
// errors to a StatusError, neither of them retried.
func TestClientNotFound(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/tx/missing/status", func(w http.ResponseWriter,
		_ *http.Request) {

		calls.Add(1)
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/tx/bad/status", func(w http.ResponseWriter,
		_ *http.Request) {

		calls.Add(1)
		http.Error(w, "invalid txid", http.StatusBadRequest)
	})

	client := newTestClient(t, mux, 2)
	ctx := context.Background()

	_, err := client.GetTxStatus(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = client.GetTxStatus(ctx, "bad")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.Code)

	require.EqualValues(t, 2, calls.Load())
}

// TestClientRetry checks that server errors are retried.
func TestClientRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "7")
	})

	client := newTestClient(t, mux, 1)

	height, err := client.GetTipHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 7, height)
	require.EqualValues(t, 2, calls.Load())
}

// TestClientRetryExhausted checks the last error is reported once every
// attempt fails.
func TestClientRetryExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter,
		_ *http.Request) {

		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	})

	client := newTestClient(t, handler, 1)

	_, err := client.GetTipHash(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.Code)
	require.EqualValues(t, 2, calls.Load())
}

// TestClientCircuitBreaker checks that a failing server trips the breaker
// and later requests fail fast.
func TestClientCircuitBreaker(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter,
		_ *http.Request) {

		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	})

	client := newTestClient(t, handler, 0)
	ctx := context.Background()

	for i := 0; i < 21; i++ {
		_, err := client.GetTipHash(ctx)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen)
	}

	_, err := client.GetTipHash(ctx)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.EqualValues(t, 21, calls.Load())
}

// TestClientCanceled checks that a canceled context stops the request.
func TestClientCanceled(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter,
		_ *http.Request) {

		http.Error(w, "down", http.StatusInternalServerError)
	})
	client := newTestClient(t, handler, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetTipHash(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}

// TestClientScripthashPaging checks that confirmed history is followed page
// by page until a short page.
func TestClientScripthashPaging(t *testing.T) {
	t.Parallel()

	const scripthash = "abcd"

	page := func(prefix string, n int, confirmed bool) []*TxInfo {
		txs := make([]*TxInfo, n)
		for i := range txs {
			txs[i] = &TxInfo{
				TxID:   fmt.Sprintf("%s%02d", prefix, i),
				Status: TxStatus{Confirmed: confirmed},
			}
		}
		return txs
	}

	first := append(page("mem", 2, false), page("a", 25, true)...)
	second := page("b", 25, true)
	third := page("c", 3, true)

	var requested atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/scripthash/", func(w http.ResponseWriter,
		r *http.Request) {

		requested.Add(1)

		switch strings.TrimPrefix(r.URL.Path, "/scripthash/"+scripthash) {
		case "/txs":
			writeJSON(t, w, first)
		case "/txs/chain/a24":
			writeJSON(t, w, second)
		case "/txs/chain/b24":
			writeJSON(t, w, third)
		default:
			http.NotFound(w, r)
		}
	})

	client := newTestClient(t, mux, 0)

	txs, err := client.GetScripthashTxs(context.Background(), scripthash)
	require.NoError(t, err)
	require.Len(t, txs, 2+25+25+3)
	require.Equal(t, "mem00", txs[0].TxID)
	require.Equal(t, "c02", txs[len(txs)-1].TxID)
	require.EqualValues(t, 3, requested.Load())
}

// TestClientBroadcast checks the raw hex is posted and the txid returned.
func TestClientBroadcast(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		posted string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)

		mu.Lock()
		posted = string(body)
		mu.Unlock()

		if string(body) == "00" {
			http.Error(w, "bad-txns", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "deadbeef")
	})

	client := newTestClient(t, mux, 0)
	ctx := context.Background()

	txid, err := client.BroadcastTransaction(ctx, "0100")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", txid)

	mu.Lock()
	require.Equal(t, "0100", posted)
	mu.Unlock()

	_, err = client.BroadcastTransaction(ctx, "00")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Contains(t, statusErr.Body, "bad-txns")
}

// TestScriptHash checks the hash is the unreversed SHA256 of the script.
func TestScriptHash(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		ScriptHash(nil),
	)
}
