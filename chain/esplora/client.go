// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package esplora implements chain.Ledger over the Esplora REST API.
package esplora

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
)

const (
	// DefaultMaxRetries is the number of retries of a failed request.
	DefaultMaxRetries = 3

	// DefaultMempoolInfoPath is the endpoint serving the node mempool
	// policy.
	DefaultMempoolInfoPath = "/mempool/info"

	// confirmedPageSize is the number of confirmed transactions Esplora
	// returns per history page.
	confirmedPageSize = 25

	// maxHistoryPages bounds the pages fetched for one script.
	maxHistoryPages = 400
)

var (
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("esplora: not found")

	// ErrCircuitOpen is returned while the breaker rejects requests
	// after repeated server failures.
	ErrCircuitOpen = errors.New("esplora: circuit open")
)

// StatusError is a non-200 response other than 404.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("esplora: status %d: %s", e.Code, e.Body)
}

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API, for example
	// https://blockstream.info/testnet/api.
	URL string

	// RequestTimeout bounds each HTTP request. Zero leaves requests
	// bounded by the caller's context only.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries int

	// RequestsPerSecond throttles outgoing requests. Zero disables the
	// limit.
	RequestsPerSecond int

	// MempoolInfoPath overrides DefaultMempoolInfoPath.
	MempoolInfoPath string

	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
}

// Client is an HTTP client for the Esplora REST API.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    ratelimit.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// response is a completed HTTP exchange.
type response struct {
	status int
	body   []byte
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("esplora URL required")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MempoolInfoPath == "" {
		cfg.MempoolInfoPath = DefaultMempoolInfoPath
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    limiter,
		breaker:    newCircuitBreaker(cfg.URL),
	}, nil
}

func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) /
				float64(counts.Requests)

			return counts.Requests > 20 && failureRatio >= 0.7
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				log.Warnf("Esplora %s seems down, stop allowing "+
					"requests", name)
			}
			if from == gobreaker.StateOpen &&
				to == gobreaker.StateHalfOpen {

				log.Infof("Checking esplora %s status", name)
			}
			if from == gobreaker.StateHalfOpen &&
				to == gobreaker.StateClosed {

				log.Infof("Esplora %s seems ok, restart allowing "+
					"requests", name)
			}
		},
	})
}

// doRequest sends a request through the breaker, retrying transport errors
// and server errors. Client errors are returned without retrying.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) (*response, error) {

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * 100 *
				time.Millisecond):
			}
		}

		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.roundTrip(ctx, method, path, body)
		})
		switch {
		case errors.Is(err, gobreaker.ErrOpenState),
			errors.Is(err, gobreaker.ErrTooManyRequests):

			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)

		case ctx.Err() != nil:
			return nil, ctx.Err()

		case err != nil:
			log.Debugf("Esplora %s %s attempt %d failed: %v",
				method, path, i+1, err)
			lastErr = err

			continue
		}

		return res.(*response), nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.cfg.MaxRetries+1, lastErr)
}

// roundTrip performs one HTTP exchange. Server errors count as breaker
// failures, other statuses are returned to the caller.
func (c *Client) roundTrip(ctx context.Context, method, path string,
	body []byte) (*response, error) {

	c.limiter.Take()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, c.cfg.URL+path, reader,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &StatusError{
			Code: resp.StatusCode, Body: string(respBody),
		}
	}

	return &response{status: resp.StatusCode, body: respBody}, nil
}

// doGet performs a GET request and returns the response body.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	res, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	switch res.status {
	case http.StatusOK:
		return res.body, nil

	case http.StatusNotFound:
		return nil, ErrNotFound

	default:
		return nil, &StatusError{Code: res.status, Body: string(res.body)}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return nil
}

// GetTipHeight returns the current blockchain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	return strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
}

// GetTipHash returns the current blockchain tip hash.
func (c *Client) GetTipHash(ctx context.Context) (string, error) {
	body, err := c.doGet(ctx, "/blocks/tip/hash")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(body)), nil
}

// GetBlockInfo returns the summary of a block.
func (c *Client) GetBlockInfo(ctx context.Context,
	blockHash string) (*BlockInfo, error) {

	var info BlockInfo
	if err := c.getJSON(ctx, "/block/"+blockHash, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// GetTxStatus returns the confirmation status of a transaction.
func (c *Client) GetTxStatus(ctx context.Context,
	txid string) (*TxStatus, error) {

	var status TxStatus
	if err := c.getJSON(ctx, "/tx/"+txid+"/status", &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// GetRawTransaction returns the hex serialization of a transaction.
func (c *Client) GetRawTransaction(ctx context.Context,
	txid string) (string, error) {

	body, err := c.doGet(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(body)), nil
}

// GetScripthashTxs returns the full history of a script hash: mempool
// transactions first, then confirmed ones newest first. Confirmed pages are
// followed until a short page is returned.
func (c *Client) GetScripthashTxs(ctx context.Context,
	scripthash string) ([]*TxInfo, error) {

	var txs []*TxInfo
	err := c.getJSON(ctx, "/scripthash/"+scripthash+"/txs", &txs)
	if err != nil {
		return nil, err
	}

	page := confirmedOnly(txs)
	for pages := 1; len(page) >= confirmedPageSize; pages++ {
		if pages >= maxHistoryPages {
			return nil, fmt.Errorf("history of %s exceeds %d pages",
				scripthash, maxHistoryPages)
		}

		last := page[len(page)-1].TxID

		var next []*TxInfo
		err := c.getJSON(ctx, "/scripthash/"+scripthash+
			"/txs/chain/"+last, &next)
		if err != nil {
			return nil, err
		}

		txs = append(txs, next...)
		page = next
	}

	return txs, nil
}

func confirmedOnly(txs []*TxInfo) []*TxInfo {
	var confirmed []*TxInfo
	for _, tx := range txs {
		if tx.Status.Confirmed {
			confirmed = append(confirmed, tx)
		}
	}

	return confirmed
}

// GetScripthashUTXOs returns the unspent outputs of a script hash.
func (c *Client) GetScripthashUTXOs(ctx context.Context,
	scripthash string) ([]*UTXO, error) {

	var utxos []*UTXO
	err := c.getJSON(ctx, "/scripthash/"+scripthash+"/utxo", &utxos)
	if err != nil {
		return nil, err
	}

	return utxos, nil
}

// GetFeeEstimates returns the fee estimates per confirmation target.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var estimates FeeEstimates
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}

	return estimates, nil
}

// GetMempoolInfo returns the node mempool policy.
func (c *Client) GetMempoolInfo(ctx context.Context) (*MempoolInfo, error) {
	var info MempoolInfo
	if err := c.getJSON(ctx, c.cfg.MempoolInfoPath, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// BroadcastTransaction broadcasts a raw transaction to the network.
// Returns the txid on success.
func (c *Client) BroadcastTransaction(ctx context.Context,
	txHex string) (string, error) {

	res, err := c.doRequest(ctx, http.MethodPost, "/tx", []byte(txHex))
	if err != nil {
		return "", err
	}
	if res.status != http.StatusOK {
		return "", &StatusError{Code: res.status, Body: string(res.body)}
	}

	return strings.TrimSpace(string(res.body)), nil
}

// ScriptHash returns the Esplora script hash of an output script, the hex
// SHA256 of the script in natural byte order.
func ScriptHash(pkScript []byte) string {
	h := sha256.Sum256(pkScript)

	return hex.EncodeToString(h[:])
}
