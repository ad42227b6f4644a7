package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus represents the lifecycle state of a billing session.
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusStopped SessionStatus = "stopped"
	SessionStatusSettled SessionStatus = "settled"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusStopped, SessionStatusSettled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
// Transitions are one-directional: active -> stopped -> settled.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionStatusActive:
		return next == SessionStatusStopped
	case SessionStatusStopped:
		return next == SessionStatusSettled
	}
	return false
}

// Session is the billable unit of work: a viewer consuming a creator's stream
// at a per-second rate. Records are never deleted; a settled session remains
// as the audit trail for its payment.
type Session struct {
	ID              string
	Viewer          string
	Creator         string
	Rate            decimal.Decimal // currency units per second, > 0
	StartedAtMs     int64           // wall clock, milliseconds
	EndedAtMs       *int64
	DurationSeconds *int64
	AmountOwed      *decimal.Decimal
	Status          SessionStatus
	SettlementTxn   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsFrozen reports whether the session's cost has been fixed (stop or settle
// already happened). Frozen duration and amount are authoritative and must
// never be recomputed.
func (s Session) IsFrozen() bool {
	return s.Status != SessionStatusActive
}

// PaymentChallenge is the 402 response payload telling the viewer exactly
// what payment satisfies settlement. It is derived from the frozen session
// record on demand and never persisted.
type PaymentChallenge struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// ChallengeScheme is the only payment scheme this service issues: the exact
// frozen amount, nothing rate-negotiated.
const ChallengeScheme = "exact"
