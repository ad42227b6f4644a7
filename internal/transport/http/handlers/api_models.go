package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/streampay/internal/core/domain"
	"github.com/arklim/streampay/internal/core/port"
	"github.com/arklim/streampay/internal/usecase"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	traceID, _ := c.Get("trace_id")
	traceIDStr, _ := traceID.(string)

	return ErrorResponse{
		Error:   errorMsg,
		TraceID: traceIDStr,
	}
}

// VerificationFailureResponse carries the typed reason a payment artifact was
// rejected, so clients can distinguish a replayed receipt from an underpayment.
type VerificationFailureResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Expected  string `json:"expected,omitempty"`
	Actual    string `json:"actual,omitempty"`
	Retryable bool   `json:"retryable"`
	TraceID   string `json:"trace_id,omitempty"`
}

// AlreadySettledResponse tells a retrying client which transaction already
// paid for the session.
type AlreadySettledResponse struct {
	Error         string  `json:"error"`
	SettlementTxn *string `json:"settlement_txn,omitempty"`
	TraceID       string  `json:"trace_id,omitempty"`
}

// StartSessionRequest defines the payload for opening a billing session.
type StartSessionRequest struct {
	Viewer  string `json:"viewer" binding:"required"`
	Creator string `json:"creator" binding:"required"`
	Rate    string `json:"rate" binding:"required"`
}

// SessionPayload is the API view of a session record. Monetary fields are
// decimal strings so precision survives JSON round-trips.
type SessionPayload struct {
	ID              string    `json:"session_id"`
	Viewer          string    `json:"viewer"`
	Creator         string    `json:"creator"`
	Rate            string    `json:"rate"`
	StartedAtMs     int64     `json:"started_at_ms"`
	EndedAtMs       *int64    `json:"ended_at_ms,omitempty"`
	DurationSeconds *int64    `json:"duration_seconds,omitempty"`
	AmountOwed      *string   `json:"amount_owed,omitempty"`
	Status          string    `json:"status"`
	SettlementTxn   *string   `json:"settlement_txn,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Populated only while the session is active.
	ElapsedSeconds *int64  `json:"elapsed_seconds,omitempty"`
	CurrentCost    *string `json:"current_cost,omitempty"`
}

func newSessionPayload(session domain.Session, live *usecase.LiveCost) SessionPayload {
	payload := SessionPayload{
		ID:              session.ID,
		Viewer:          session.Viewer,
		Creator:         session.Creator,
		Rate:            session.Rate.String(),
		StartedAtMs:     session.StartedAtMs,
		EndedAtMs:       session.EndedAtMs,
		DurationSeconds: session.DurationSeconds,
		Status:          string(session.Status),
		SettlementTxn:   session.SettlementTxn,
		CreatedAt:       session.CreatedAt,
		UpdatedAt:       session.UpdatedAt,
	}

	if session.AmountOwed != nil {
		owed := session.AmountOwed.String()
		payload.AmountOwed = &owed
	}

	if live != nil {
		elapsed := live.ElapsedSeconds
		cost := live.AmountOwed.String()
		payload.ElapsedSeconds = &elapsed
		payload.CurrentCost = &cost
	}

	return payload
}

// StartSessionResponse is returned when opening a session. Existing is set
// when an active session for the pair already existed.
type StartSessionResponse struct {
	Session  SessionPayload `json:"session"`
	Existing bool           `json:"existing,omitempty"`
}

// SessionListResponse wraps a filtered session listing.
type SessionListResponse struct {
	Sessions []SessionPayload `json:"sessions"`
	Total    int              `json:"total"`
}

// SettlementConfirmation reports the on-chain payment that settled a session.
type SettlementConfirmation struct {
	TransactionRef string `json:"transaction_ref"`
	Amount         string `json:"amount"`
	Recipient      string `json:"recipient,omitempty"`
}

// SettleSessionResponse is the success payload of a settle request.
type SettleSessionResponse struct {
	Session    SessionPayload         `json:"session"`
	Settlement SettlementConfirmation `json:"settlement"`
}

func newSettlementConfirmation(verified port.VerifiedSettlement) SettlementConfirmation {
	confirmation := SettlementConfirmation{
		TransactionRef: verified.TransactionRef,
		Recipient:      verified.Recipient,
	}
	if verified.Amount != nil {
		confirmation.Amount = verified.Amount.String()
	}
	return confirmation
}

// HealthResponse describes the service health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// ReadinessResponse reports the outcome of each registered readiness probe.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
