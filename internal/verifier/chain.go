package verifier

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/streampay/internal/core/port"
)

const defaultFinalityTimeout = 30 * time.Second

// Chain validates payment artifacts against a real ledger. It is stateless
// with respect to sessions: long finality waits happen here, before any
// status-changing store update, so a slow chain never blocks other sessions.
type Chain struct {
	ledger          port.LedgerClient
	eventType       string
	finalityTimeout time.Duration
	checkRecipient  bool
	logger          *zap.Logger
}

// ChainOption customizes the chain verifier.
type ChainOption func(*Chain)

// WithFinalityTimeout bounds how long Verify waits for a submitted
// transaction to confirm.
func WithFinalityTimeout(timeout time.Duration) ChainOption {
	return func(c *Chain) {
		if timeout > 0 {
			c.finalityTimeout = timeout
		}
	}
}

// WithRecipientCheck additionally requires the settlement event's recipient
// to match the session's creator. Off by default; the session identifier
// check is the primary replay guard.
func WithRecipientCheck(enabled bool) ChainOption {
	return func(c *Chain) { c.checkRecipient = enabled }
}

// NewChain constructs a ledger-backed settlement verifier.
func NewChain(ledger port.LedgerClient, eventType string, logger *zap.Logger, opts ...ChainOption) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{
		ledger:          ledger,
		eventType:       eventType,
		finalityTimeout: defaultFinalityTimeout,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify resolves the artifact to a confirmed receipt and checks it against
// the session's frozen obligation.
func (c *Chain) Verify(ctx context.Context, req port.VerificationRequest) (*port.VerifiedSettlement, error) {
	receipt, err := c.resolveReceipt(ctx, req.Artifact)
	if err != nil {
		return nil, err
	}
	return c.validate(receipt, req)
}

func (c *Chain) resolveReceipt(ctx context.Context, artifact port.PaymentArtifact) (*port.SettlementReceipt, error) {
	switch artifact.Kind {
	case port.ArtifactTransactionRef:
		receipt, err := c.ledger.FetchReceipt(ctx, artifact.Reference)
		if err != nil {
			if errors.Is(err, port.ErrReceiptNotFound) {
				return nil, &Error{Kind: KindTransactionNotFound, Actual: artifact.Reference}
			}
			return nil, failureCaused(KindBlockchainError, err)
		}
		return receipt, nil

	case port.ArtifactSignedTxn:
		ref, err := c.ledger.Submit(ctx, artifact.SignedTxn)
		if err != nil {
			return nil, failureCaused(KindBlockchainError, err)
		}
		c.logger.Debug("submitted settlement transaction", zap.String("transaction_ref", ref))
		receipt, err := c.ledger.WaitForFinality(ctx, ref, c.finalityTimeout)
		if err != nil {
			return nil, failureCaused(KindBlockchainError, err)
		}
		return receipt, nil

	default:
		return nil, ErrUnsupportedArtifact
	}
}

// validate runs the receipt checks in order: success flag, event presence,
// replay check on the session identifier, then the amount floor.
func (c *Chain) validate(receipt *port.SettlementReceipt, req port.VerificationRequest) (*port.VerifiedSettlement, error) {
	if !receipt.Success {
		return nil, &Error{Kind: KindTransactionFailed, Actual: receipt.StatusDetail}
	}

	event := findSettlementEvent(receipt.Events, c.eventType)
	if event == nil {
		return nil, &Error{Kind: KindEventNotFound, Expected: c.eventType}
	}

	if event.SessionID != req.SessionID {
		return nil, &Error{
			Kind:     KindSessionIDMismatch,
			Expected: req.SessionID,
			Actual:   event.SessionID,
		}
	}

	if event.Amount == nil || event.Amount.Cmp(req.ExpectedAmount) < 0 {
		actual := "<nil>"
		if event.Amount != nil {
			actual = event.Amount.String()
		}
		return nil, &Error{
			Kind:     KindAmountMismatch,
			Expected: req.ExpectedAmount.String(),
			Actual:   actual,
		}
	}

	if c.checkRecipient && event.Recipient != req.Creator {
		return nil, &Error{
			Kind:     KindRecipientMismatch,
			Expected: req.Creator,
			Actual:   event.Recipient,
		}
	}

	return &port.VerifiedSettlement{
		TransactionRef: receipt.TransactionRef,
		Amount:         event.Amount,
		Recipient:      event.Recipient,
	}, nil
}

func findSettlementEvent(events []port.SettlementEvent, eventType string) *port.SettlementEvent {
	for i := range events {
		if events[i].Type == eventType {
			return &events[i]
		}
	}
	return nil
}

var _ port.SettlementVerifier = (*Chain)(nil)
