package port

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ErrReceiptNotFound indicates the ledger has no record of the transaction.
var ErrReceiptNotFound = errors.New("ledger: receipt not found")

// SettlementEvent is the typed on-chain event a settlement transaction must
// emit. The session identifier it carries is the replay-protection anchor:
// a receipt only ever satisfies the session named in its event.
type SettlementEvent struct {
	Type        string
	SessionID   string
	Sender      string
	Recipient   string
	Amount      *big.Int // smallest currency unit
	TimestampMs int64
}

// SettlementReceipt is the confirmed record of a transaction read back from
// the ledger. It is ground truth for the verifier.
type SettlementReceipt struct {
	TransactionRef string
	Success        bool
	StatusDetail   string
	Events         []SettlementEvent
}

// LedgerClient is the opaque blockchain service the verifier depends on.
// All calls are long-latency and must be made without holding session state.
type LedgerClient interface {
	// Submit broadcasts a signed transaction and returns its reference.
	Submit(ctx context.Context, signedTxn []byte) (string, error)
	// WaitForFinality blocks until the transaction is confirmed or the
	// timeout elapses.
	WaitForFinality(ctx context.Context, transactionRef string, timeout time.Duration) (*SettlementReceipt, error)
	// FetchReceipt looks up a confirmed transaction, returning
	// ErrReceiptNotFound when the ledger has no such transaction.
	FetchReceipt(ctx context.Context, transactionRef string) (*SettlementReceipt, error)
}
