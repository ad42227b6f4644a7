package usecase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/arklim/streampay/internal/core/domain"
	"github.com/arklim/streampay/internal/core/port"
	"github.com/arklim/streampay/internal/pricing"
	"github.com/arklim/streampay/internal/repository"
	"github.com/arklim/streampay/internal/verifier"
)

var (
	// ErrSessionNotFound indicates that the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidAddress indicates a missing, malformed, or non-distinct viewer/creator address.
	ErrInvalidAddress = errors.New("viewer and creator must be distinct, well-formed addresses")
	// ErrInvalidRate indicates the per-second rate is zero or negative.
	ErrInvalidRate = errors.New("rate must be greater than zero")
	// ErrAlreadySettled indicates the session has already reached its terminal state.
	ErrAlreadySettled = errors.New("session already settled")
	// ErrInvalidStatusFilter indicates an unknown status value in a list filter.
	ErrInvalidStatusFilter = errors.New("unknown session status")
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{1,64}$`)

// ChallengeConfig shapes the 402 payment challenge bodies the service issues.
type ChallengeConfig struct {
	Network        string
	Asset          string
	UnitScale      int32
	TimeoutSeconds int
	ResourceBase   string
}

// SessionService drives the settlement protocol state machine: session
// lifecycle, cost accrual, the 402 challenge exchange, and the transition to
// settled after a payment verifies. All collaborators are injected so the
// simulation backend can stand in during tests and development.
type SessionService struct {
	sessions  port.SessionRepository
	verifier  port.SettlementVerifier
	events    port.EventPublisher
	challenge ChallengeConfig
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// NewSessionService constructs a SessionService.
func NewSessionService(sessions port.SessionRepository, settlements port.SettlementVerifier, events port.EventPublisher, challenge ChallengeConfig, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if challenge.UnitScale <= 0 {
		challenge.UnitScale = pricing.DefaultUnitScale
	}
	if challenge.TimeoutSeconds <= 0 {
		challenge.TimeoutSeconds = 60
	}
	service := &SessionService{
		sessions:  sessions,
		verifier:  settlements,
		events:    events,
		challenge: challenge,
		logger:    logger,
	}
	service.now = func() time.Time { return time.Now().UTC() }
	service.newID = uuid.NewString
	return service
}

// WithClock overrides the internal clock for deterministic tests.
func (s *SessionService) WithClock(clock func() time.Time) *SessionService {
	if clock != nil {
		s.now = clock
	}
	return s
}

// WithIDFactory overrides session identifier generation for deterministic tests.
func (s *SessionService) WithIDFactory(factory func() string) *SessionService {
	if factory != nil {
		s.newID = factory
	}
	return s
}

// StartResult reports the session opened by Start, and whether it already
// existed for the (viewer, creator) pair.
type StartResult struct {
	Session  *domain.Session
	Existing bool
}

// Start opens a billing session. Starting again while a session for the same
// (viewer, creator) pair is active returns the existing record instead of
// creating a second one.
func (s *SessionService) Start(ctx context.Context, viewer, creator string, rate decimal.Decimal) (*StartResult, error) {
	viewer, err := normalizeAddress(viewer)
	if err != nil {
		return nil, err
	}
	creator, err = normalizeAddress(creator)
	if err != nil {
		return nil, err
	}
	if viewer == creator {
		return nil, ErrInvalidAddress
	}
	if !rate.IsPositive() {
		return nil, ErrInvalidRate
	}

	if existing, err := s.sessions.FindActiveByPair(ctx, viewer, creator); err == nil {
		return &StartResult{Session: existing, Existing: true}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find active session: %w", err)
	}

	now := s.now()
	session := domain.Session{
		ID:          s.newID(),
		Viewer:      viewer,
		Creator:     creator,
		Rate:        rate,
		StartedAtMs: now.UnixMilli(),
		Status:      domain.SessionStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost a concurrent start race; the winner's session is the one.
			if existing, findErr := s.sessions.FindActiveByPair(ctx, viewer, creator); findErr == nil {
				return &StartResult{Session: existing, Existing: true}, nil
			}
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.publishStarted(ctx, session)

	return &StartResult{Session: &session}, nil
}

// LiveCost is the running cost of an active session at read time. It is
// informational; only stop freezes authoritative values.
type LiveCost struct {
	ElapsedSeconds int64
	AmountOwed     decimal.Decimal
}

// Get fetches a session, attaching the live running cost while it is active.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*domain.Session, *LiveCost, error) {
	session, err := s.fetch(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	if session.Status != domain.SessionStatusActive {
		return session, nil, nil
	}

	elapsed, owed := pricing.Cost(session.StartedAtMs, s.now().UnixMilli(), session.Rate)
	return session, &LiveCost{ElapsedSeconds: elapsed, AmountOwed: owed}, nil
}

// List returns sessions matching the optional viewer/creator/status filters.
func (s *SessionService) List(ctx context.Context, viewer, creator, status string) ([]domain.Session, error) {
	filter := port.SessionFilter{
		Viewer:  strings.ToLower(strings.TrimSpace(viewer)),
		Creator: strings.ToLower(strings.TrimSpace(creator)),
	}

	if trimmed := strings.TrimSpace(status); trimmed != "" {
		parsed := domain.SessionStatus(strings.ToLower(trimmed))
		if !parsed.Valid() {
			return nil, ErrInvalidStatusFilter
		}
		filter.Status = &parsed
	}

	sessions, err := s.sessions.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Stop freezes the session's cost. Stopping a session that is already
// stopped or settled is a no-op returning the frozen record, so repeated
// calls always observe identical duration and amount.
func (s *SessionService) Stop(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.fetch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsFrozen() {
		return session, nil
	}

	// The stored end timestamp must never precede the start, even if the
	// wall clock stepped backwards between the two reads.
	endMs := s.now().UnixMilli()
	if endMs < session.StartedAtMs {
		endMs = session.StartedAtMs
	}
	duration, amount := pricing.FinalCost(session.StartedAtMs, endMs, session.Rate)

	stopped, err := s.sessions.MarkStopped(ctx, sessionID, endMs, duration, amount)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Another caller won the stop race; its frozen values stand.
			return s.fetch(ctx, sessionID)
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("mark session stopped: %w", err)
	}

	s.publishStopped(ctx, *stopped)

	return stopped, nil
}

// SettleResult is the outcome of a settle request: exactly one of Challenge
// (payment still required) or Settlement (payment verified) is set.
type SettleResult struct {
	Session    *domain.Session
	Challenge  *domain.PaymentChallenge
	Settlement *port.VerifiedSettlement
}

// Settle runs the 402 exchange. An active session is stopped first so the
// client settles against a frozen amount, not a moving target. Without an
// artifact the frozen obligation comes back as a payment challenge; with one,
// verification runs against the ledger before the single settled transition
// is applied. A failed verification leaves the session stopped and retryable.
func (s *SessionService) Settle(ctx context.Context, sessionID, rawArtifact string) (*SettleResult, error) {
	session, err := s.fetch(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == domain.SessionStatusSettled {
		return &SettleResult{Session: session}, ErrAlreadySettled
	}

	if session.Status == domain.SessionStatusActive {
		session, err = s.Stop(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.Status == domain.SessionStatusSettled {
			return &SettleResult{Session: session}, ErrAlreadySettled
		}
	}

	if session.AmountOwed == nil {
		return nil, fmt.Errorf("session %s is stopped without a frozen amount", sessionID)
	}
	expected := pricing.ToSmallestUnit(*session.AmountOwed, s.challenge.UnitScale)

	if strings.TrimSpace(rawArtifact) == "" {
		return &SettleResult{
			Session:   session,
			Challenge: s.buildChallenge(session, expected.String()),
		}, nil
	}

	artifact, err := verifier.ParseArtifact(rawArtifact)
	if err != nil {
		return nil, err
	}

	// Verification happens before the status update and holds no session
	// state, so a slow ledger never blocks other operations.
	verified, err := s.verifier.Verify(ctx, port.VerificationRequest{
		SessionID:      session.ID,
		Creator:        session.Creator,
		ExpectedAmount: expected,
		Artifact:       artifact,
	})
	if err != nil {
		return nil, err
	}

	settled, err := s.sessions.MarkSettled(ctx, sessionID, verified.TransactionRef)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			current, fetchErr := s.fetch(ctx, sessionID)
			if fetchErr == nil && current.Status == domain.SessionStatusSettled {
				return &SettleResult{Session: current}, ErrAlreadySettled
			}
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("mark session settled: %w", err)
	}

	s.publishSettled(ctx, *settled, verified)

	return &SettleResult{Session: settled, Settlement: verified}, nil
}

func (s *SessionService) buildChallenge(session *domain.Session, maxAmountRequired string) *domain.PaymentChallenge {
	resource := fmt.Sprintf("/api/v1/sessions/%s/settle", session.ID)
	if base := strings.TrimRight(s.challenge.ResourceBase, "/"); base != "" {
		resource = base + resource
	}

	var duration int64
	if session.DurationSeconds != nil {
		duration = *session.DurationSeconds
	}

	return &domain.PaymentChallenge{
		Scheme:            domain.ChallengeScheme,
		Network:           s.challenge.Network,
		MaxAmountRequired: maxAmountRequired,
		Resource:          resource,
		Description:       fmt.Sprintf("Stream session %s: %d seconds at %s/s", session.ID, duration, session.Rate.String()),
		PayTo:             session.Creator,
		MaxTimeoutSeconds: s.challenge.TimeoutSeconds,
		Asset:             s.challenge.Asset,
	}
}

func (s *SessionService) fetch(ctx context.Context, sessionID string) (*domain.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionNotFound
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *SessionService) publishStarted(ctx context.Context, session domain.Session) {
	if s.events == nil {
		return
	}
	event := domain.SessionStartedEvent{
		EventID:   uuid.NewString(),
		SessionID: session.ID,
		Viewer:    session.Viewer,
		Creator:   session.Creator,
		Rate:      session.Rate.String(),
		StartedAt: time.UnixMilli(session.StartedAtMs).UTC(),
	}
	if err := s.events.PublishSessionStarted(ctx, event); err != nil {
		s.logger.Warn("publish session started failed", zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (s *SessionService) publishStopped(ctx context.Context, session domain.Session) {
	if s.events == nil || session.DurationSeconds == nil || session.AmountOwed == nil {
		return
	}
	event := domain.SessionStoppedEvent{
		EventID:         uuid.NewString(),
		SessionID:       session.ID,
		Viewer:          session.Viewer,
		Creator:         session.Creator,
		DurationSeconds: *session.DurationSeconds,
		AmountOwed:      session.AmountOwed.String(),
		StoppedAt:       s.now(),
	}
	if err := s.events.PublishSessionStopped(ctx, event); err != nil {
		s.logger.Warn("publish session stopped failed", zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (s *SessionService) publishSettled(ctx context.Context, session domain.Session, verified *port.VerifiedSettlement) {
	if s.events == nil {
		return
	}
	amountOwed := ""
	if session.AmountOwed != nil {
		amountOwed = session.AmountOwed.String()
	}
	event := domain.SessionSettledEvent{
		EventID:        uuid.NewString(),
		SessionID:      session.ID,
		Viewer:         session.Viewer,
		Creator:        session.Creator,
		AmountOwed:     amountOwed,
		SettledAmount:  verified.Amount.String(),
		TransactionRef: verified.TransactionRef,
		SettledAt:      s.now(),
	}
	if err := s.events.PublishSessionSettled(ctx, event); err != nil {
		s.logger.Warn("publish session settled failed", zap.String("session_id", session.ID), zap.Error(err))
	}
}

func normalizeAddress(address string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if !addressPattern.MatchString(normalized) {
		return "", ErrInvalidAddress
	}
	return normalized, nil
}
