package domain

import "time"

// SessionStartedEvent is published when a billing session opens.
type SessionStartedEvent struct {
	EventID   string
	SessionID string
	Viewer    string
	Creator   string
	Rate      string
	StartedAt time.Time
	Metadata  map[string]any
}

// SessionStoppedEvent is published when a session's cost freezes.
type SessionStoppedEvent struct {
	EventID         string
	SessionID       string
	Viewer          string
	Creator         string
	DurationSeconds int64
	AmountOwed      string
	StoppedAt       time.Time
	Metadata        map[string]any
}

// SessionSettledEvent is published after an on-chain payment has been
// verified and the session reached its terminal state.
type SessionSettledEvent struct {
	EventID        string
	SessionID      string
	Viewer         string
	Creator        string
	AmountOwed     string
	SettledAmount  string // smallest-unit integer actually transferred
	TransactionRef string
	SettledAt      time.Time
	Metadata       map[string]any
}
