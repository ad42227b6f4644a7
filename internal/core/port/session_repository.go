package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/arklim/streampay/internal/core/domain"
)

// SessionFilter narrows List results. Empty fields match everything.
type SessionFilter struct {
	Viewer  string
	Creator string
	Status  *domain.SessionStatus
}

// SessionRepository is the durable session store. It guarantees a session
// identifier maps to at most one record and that status transitions are
// applied as atomic conditional updates, so concurrent stop/settle attempts
// serialize at the storage layer rather than in process.
type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) error
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	List(ctx context.Context, filter SessionFilter) ([]domain.Session, error)
	// FindActiveByPair returns the active session for the (viewer, creator)
	// pair, or repository.ErrNotFound when none exists.
	FindActiveByPair(ctx context.Context, viewer, creator string) (*domain.Session, error)
	// MarkStopped freezes the session's cost. The update only applies while
	// the session is still active; a lost race yields repository.ErrConflict.
	MarkStopped(ctx context.Context, sessionID string, endedAtMs, durationSeconds int64, amountOwed decimal.Decimal) (*domain.Session, error)
	// MarkSettled records the settlement receipt reference. The update only
	// applies while the session is stopped; a lost race yields
	// repository.ErrConflict.
	MarkSettled(ctx context.Context, sessionID string, transactionRef string) (*domain.Session, error)
}
