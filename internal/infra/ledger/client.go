// Package ledger implements the blockchain collaborator interface over a
// fullnode's JSON REST API. The core treats it as an opaque service: submit a
// signed transaction, wait for finality, fetch a receipt.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/streampay/internal/core/port"
	"github.com/arklim/streampay/internal/infra/config"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultRequestTimeout = 10 * time.Second

	pendingTransactionType = "pending_transaction"
)

// errTxnPending marks a transaction the node knows about but has not yet
// confirmed. It resolves by polling, so callers treat it as transient.
var errTxnPending = errors.New("ledger: transaction pending")

// Client talks to a fullnode REST endpoint.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewClient constructs a fullnode client from ledger settings.
func NewClient(cfg config.LedgerSettings, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	return &Client{
		baseURL:      cfg.NodeURL,
		httpClient:   &http.Client{Timeout: requestTimeout},
		pollInterval: pollInterval,
		logger:       logger,
	}
}

type wireEvent struct {
	Type string `json:"type"`
	Data struct {
		SessionID string `json:"session_id"`
		Sender    string `json:"sender"`
		Recipient string `json:"recipient"`
		Amount    string `json:"amount"`
		Timestamp string `json:"timestamp"`
	} `json:"data"`
}

type wireTransaction struct {
	Type     string      `json:"type"`
	Hash     string      `json:"hash"`
	Success  bool        `json:"success"`
	VMStatus string      `json:"vm_status"`
	Events   []wireEvent `json:"events"`
}

type wireSubmitResponse struct {
	Hash string `json:"hash"`
}

// Submit broadcasts a signed transaction envelope and returns its reference.
func (c *Client) Submit(ctx context.Context, signedTxn []byte) (string, error) {
	url := fmt.Sprintf("%s/v1/transactions", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(signedTxn))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit transaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit transaction: node returned %s: %s", resp.Status, readBodySnippet(resp.Body))
	}

	var submitted wireSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if submitted.Hash == "" {
		return "", errors.New("submit transaction: node returned no hash")
	}

	c.logger.Debug("transaction submitted", zap.String("transaction_ref", submitted.Hash))

	return submitted.Hash, nil
}

// WaitForFinality polls the node until the transaction confirms or the
// timeout elapses.
func (c *Client) WaitForFinality(ctx context.Context, transactionRef string, timeout time.Duration) (*port.SettlementReceipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.FetchReceipt(waitCtx, transactionRef)
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, errTxnPending), errors.Is(err, port.ErrReceiptNotFound):
			// Not confirmed yet; keep polling.
		default:
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("wait for finality of %s: %w", transactionRef, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// FetchReceipt looks up a transaction by reference. Pending transactions
// surface as a transient error; unknown references as ErrReceiptNotFound.
func (c *Client) FetchReceipt(ctx context.Context, transactionRef string) (*port.SettlementReceipt, error) {
	url := fmt.Sprintf("%s/v1/transactions/by_hash/%s", c.baseURL, transactionRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build receipt request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, port.ErrReceiptNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch receipt: node returned %s: %s", resp.Status, readBodySnippet(resp.Body))
	}

	var txn wireTransaction
	if err := json.NewDecoder(resp.Body).Decode(&txn); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}

	if txn.Type == pendingTransactionType {
		return nil, errTxnPending
	}

	return toReceipt(txn)
}

func toReceipt(txn wireTransaction) (*port.SettlementReceipt, error) {
	receipt := &port.SettlementReceipt{
		TransactionRef: txn.Hash,
		Success:        txn.Success,
		StatusDetail:   txn.VMStatus,
		Events:         make([]port.SettlementEvent, 0, len(txn.Events)),
	}

	for _, event := range txn.Events {
		amount := new(big.Int)
		if event.Data.Amount != "" {
			if _, ok := amount.SetString(event.Data.Amount, 10); !ok {
				return nil, fmt.Errorf("parse event amount %q", event.Data.Amount)
			}
		}

		var timestampMs int64
		if event.Data.Timestamp != "" {
			parsed, err := strconv.ParseInt(event.Data.Timestamp, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse event timestamp %q: %w", event.Data.Timestamp, err)
			}
			timestampMs = parsed
		}

		receipt.Events = append(receipt.Events, port.SettlementEvent{
			Type:        event.Type,
			SessionID:   event.Data.SessionID,
			Sender:      event.Data.Sender,
			Recipient:   event.Data.Recipient,
			Amount:      amount,
			TimestampMs: timestampMs,
		})
	}

	return receipt, nil
}

func readBodySnippet(r io.Reader) string {
	snippet, _ := io.ReadAll(io.LimitReader(r, 256))
	return string(snippet)
}

var _ port.LedgerClient = (*Client)(nil)
