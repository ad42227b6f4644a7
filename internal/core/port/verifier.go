package port

import (
	"context"
	"math/big"
)

// ArtifactKind distinguishes the payment artifact forms carried by a settle
// request.
type ArtifactKind string

const (
	// ArtifactTransactionRef is a 0x-prefixed reference to a transaction the
	// client already submitted.
	ArtifactTransactionRef ArtifactKind = "transaction_ref"
	// ArtifactSignedTxn is a signed-but-unsubmitted transaction envelope the
	// verifier submits on the client's behalf.
	ArtifactSignedTxn ArtifactKind = "signed_txn"
	// ArtifactSimulated is a synthetic artifact accepted only by the
	// simulation backend.
	ArtifactSimulated ArtifactKind = "simulated"
)

// PaymentArtifact is the parsed form of the X-Payment header value.
type PaymentArtifact struct {
	Kind      ArtifactKind
	Reference string // transaction reference or simulated marker
	SignedTxn []byte // decoded envelope for ArtifactSignedTxn
}

// VerificationRequest carries the frozen obligation a payment artifact is
// checked against.
type VerificationRequest struct {
	SessionID      string
	Creator        string
	ExpectedAmount *big.Int // smallest currency unit
	Artifact       PaymentArtifact
}

// VerifiedSettlement is the successful verification result.
type VerifiedSettlement struct {
	TransactionRef string
	Amount         *big.Int
	Recipient      string
}

// SettlementVerifier decides whether a payment artifact satisfies a session's
// outstanding obligation. Implementations never mutate session state; the
// status transition after a successful verification belongs to the caller.
type SettlementVerifier interface {
	Verify(ctx context.Context, req VerificationRequest) (*VerifiedSettlement, error)
}
