package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/arklim/streampay/internal/core/domain"
	"github.com/arklim/streampay/internal/core/port"
	"github.com/arklim/streampay/internal/repository"
)

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sessionsTable = "streampay.sessions"

var sessionColumns = []string{
	"id",
	"viewer",
	"creator",
	"rate",
	"started_at_ms",
	"ended_at_ms",
	"duration_seconds",
	"amount_owed",
	"status",
	"settlement_txn",
	"created_at",
	"updated_at",
}

// SessionRepository implements port.SessionRepository for PostgreSQL. Status
// transitions are expressed as conditional updates so that at-most-one
// concurrent stop or settle attempt wins, regardless of how many service
// instances run against the same database.
type SessionRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewSessionRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewSessionRepository(exec pgExecutor) *SessionRepository {
	return &SessionRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Create inserts a session record. A unique partial index on
// (viewer, creator) WHERE status = 'active' backs the duplicate-start guard;
// violations map to repository.ErrDuplicate.
func (r *SessionRepository) Create(ctx context.Context, session domain.Session) error {
	sql, args, err := r.builder.Insert(sessionsTable).
		Columns(sessionColumns...).
		Values(
			session.ID,
			session.Viewer,
			session.Creator,
			session.Rate,
			session.StartedAtMs,
			session.EndedAtMs,
			session.DurationSeconds,
			session.AmountOwed,
			session.Status,
			session.SettlementTxn,
			session.CreatedAt,
			session.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert session sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

// Get returns a session by identifier.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	sql, args, err := r.builder.
		Select(sessionColumns...).
		From(sessionsTable).
		Where(squirrel.Eq{"id": sessionID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select session sql: %w", err)
	}

	session, err := scanSession(r.exec.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	return session, nil
}

// List returns sessions matching the filter, newest first.
func (r *SessionRepository) List(ctx context.Context, filter port.SessionFilter) ([]domain.Session, error) {
	query := r.builder.
		Select(sessionColumns...).
		From(sessionsTable).
		OrderBy("started_at_ms DESC")

	if filter.Viewer != "" {
		query = query.Where(squirrel.Eq{"viewer": filter.Viewer})
	}
	if filter.Creator != "" {
		query = query.Where(squirrel.Eq{"creator": filter.Creator})
	}
	if filter.Status != nil {
		query = query.Where(squirrel.Eq{"status": *filter.Status})
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// FindActiveByPair returns the active session for the (viewer, creator) pair.
func (r *SessionRepository) FindActiveByPair(ctx context.Context, viewer, creator string) (*domain.Session, error) {
	sql, args, err := r.builder.
		Select(sessionColumns...).
		From(sessionsTable).
		Where(squirrel.Eq{"viewer": viewer, "creator": creator, "status": domain.SessionStatusActive}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select active pair sql: %w", err)
	}

	session, err := scanSession(r.exec.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan active pair session: %w", err)
	}

	return session, nil
}

// MarkStopped freezes end timestamp, duration, and owed amount. The WHERE
// clause pins the current status, making the transition a compare-and-swap.
func (r *SessionRepository) MarkStopped(ctx context.Context, sessionID string, endedAtMs, durationSeconds int64, amountOwed decimal.Decimal) (*domain.Session, error) {
	sql, args, err := r.builder.Update(sessionsTable).
		Set("status", domain.SessionStatusStopped).
		Set("ended_at_ms", endedAtMs).
		Set("duration_seconds", durationSeconds).
		Set("amount_owed", amountOwed).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": sessionID, "status": domain.SessionStatusActive}).
		Suffix("RETURNING " + returningColumns()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build mark stopped sql: %w", err)
	}

	session, err := scanSession(r.exec.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.resolveMissedUpdate(ctx, sessionID)
		}
		return nil, fmt.Errorf("mark session stopped: %w", err)
	}

	return session, nil
}

// MarkSettled records the settlement receipt reference. Only a stopped
// session can settle; a session that settled concurrently yields ErrConflict.
func (r *SessionRepository) MarkSettled(ctx context.Context, sessionID string, transactionRef string) (*domain.Session, error) {
	sql, args, err := r.builder.Update(sessionsTable).
		Set("status", domain.SessionStatusSettled).
		Set("settlement_txn", transactionRef).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": sessionID, "status": domain.SessionStatusStopped}).
		Suffix("RETURNING " + returningColumns()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build mark settled sql: %w", err)
	}

	session, err := scanSession(r.exec.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.resolveMissedUpdate(ctx, sessionID)
		}
		return nil, fmt.Errorf("mark session settled: %w", err)
	}

	return session, nil
}

// resolveMissedUpdate distinguishes "no such session" from "status already
// moved" after a conditional update matched nothing.
func (r *SessionRepository) resolveMissedUpdate(ctx context.Context, sessionID string) error {
	if _, err := r.Get(ctx, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.ErrNotFound
		}
		return err
	}
	return repository.ErrConflict
}

func returningColumns() string {
	cols := ""
	for i, c := range sessionColumns {
		if i > 0 {
			cols += ", "
		}
		cols += c
	}
	return cols
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var session domain.Session
	if err := row.Scan(
		&session.ID,
		&session.Viewer,
		&session.Creator,
		&session.Rate,
		&session.StartedAtMs,
		&session.EndedAtMs,
		&session.DurationSeconds,
		&session.AmountOwed,
		&session.Status,
		&session.SettlementTxn,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &session, nil
}

var _ port.SessionRepository = (*SessionRepository)(nil)
