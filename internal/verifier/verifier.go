// Package verifier decides whether a claimed payment artifact satisfies a
// session's frozen obligation. Two interchangeable backends exist: Chain
// performs the full receipt validation against a ledger, Simulated fabricates
// receipts for development. Both sit behind port.SettlementVerifier so the
// session state machine never learns which one it is talking to.
package verifier

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/arklim/streampay/internal/core/port"
)

// SimulatedArtifactPrefix marks a synthetic payment artifact. Only the
// simulation backend accepts it.
const SimulatedArtifactPrefix = "sim:"

// ErrUnsupportedArtifact indicates the artifact form is not accepted by the
// configured backend (a simulated marker sent to the chain backend, or a real
// transaction sent to the simulation backend).
var ErrUnsupportedArtifact = errors.New("verifier: unsupported payment artifact for this backend")

// ErrInvalidArtifact indicates the artifact header could not be parsed at all.
var ErrInvalidArtifact = errors.New("verifier: malformed payment artifact")

// Kind identifies a verification failure class. Callers branch on it to
// distinguish "retry with more funds" from "network blip" from "fatal".
type Kind string

const (
	KindTransactionNotFound Kind = "transaction_not_found"
	KindTransactionFailed   Kind = "transaction_failed"
	KindEventNotFound       Kind = "event_not_found"
	KindSessionIDMismatch   Kind = "session_id_mismatch"
	KindAmountMismatch      Kind = "amount_mismatch"
	KindRecipientMismatch   Kind = "recipient_mismatch"
	KindBlockchainError     Kind = "blockchain_error"
)

// Retryable reports whether a failure of this kind can succeed on retry with
// the same artifact. Only ledger transport failures qualify: verification is
// side-effect free on the session store until it succeeds.
func (k Kind) Retryable() bool {
	return k == KindBlockchainError
}

// Error is a typed verification failure. Expected/Actual carry the mismatch
// detail for the replay and amount checks.
type Error struct {
	Kind     Kind
	Expected string
	Actual   string
	cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("settlement verification failed: %s", e.Kind)
	if e.Expected != "" || e.Actual != "" {
		msg = fmt.Sprintf("%s (expected %s, got %s)", msg, e.Expected, e.Actual)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// AsError unwraps a typed verification failure from err.
func AsError(err error) (*Error, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

func failure(kind Kind) *Error { return &Error{Kind: kind} }

func failureCaused(kind Kind, cause error) *Error { return &Error{Kind: kind, cause: cause} }

// ParseArtifact interprets the raw X-Payment header value: a reserved
// simulation marker, a 0x-prefixed transaction reference, or a base64 signed
// transaction envelope.
func ParseArtifact(raw string) (port.PaymentArtifact, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return port.PaymentArtifact{}, ErrInvalidArtifact
	}

	if strings.HasPrefix(raw, SimulatedArtifactPrefix) {
		return port.PaymentArtifact{Kind: port.ArtifactSimulated, Reference: raw}, nil
	}

	if strings.HasPrefix(raw, "0x") {
		if _, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err != nil {
			return port.PaymentArtifact{}, fmt.Errorf("%w: bad transaction reference", ErrInvalidArtifact)
		}
		return port.PaymentArtifact{Kind: port.ArtifactTransactionRef, Reference: raw}, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) == 0 {
		return port.PaymentArtifact{}, fmt.Errorf("%w: expected 0x reference or base64 envelope", ErrInvalidArtifact)
	}
	return port.PaymentArtifact{Kind: port.ArtifactSignedTxn, SignedTxn: decoded}, nil
}
