package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/streampay/internal/core/domain"
	"github.com/arklim/streampay/internal/core/port"
	"github.com/arklim/streampay/internal/repository"
	"github.com/arklim/streampay/internal/verifier"
)

type memorySessionRepository struct {
	sessions map[string]domain.Session

	// Invoked before the conditional update checks run, simulating a
	// concurrent writer that slips in between fetch and update.
	beforeMarkStopped func()
	beforeMarkSettled func()
}

func newMemorySessionRepository() *memorySessionRepository {
	return &memorySessionRepository{sessions: make(map[string]domain.Session)}
}

func (r *memorySessionRepository) Create(_ context.Context, session domain.Session) error {
	if _, exists := r.sessions[session.ID]; exists {
		return repository.ErrDuplicate
	}
	r.sessions[session.ID] = session
	return nil
}

func (r *memorySessionRepository) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := session
	return &copy, nil
}

func (r *memorySessionRepository) List(_ context.Context, filter port.SessionFilter) ([]domain.Session, error) {
	var out []domain.Session
	for _, session := range r.sessions {
		if filter.Viewer != "" && session.Viewer != filter.Viewer {
			continue
		}
		if filter.Creator != "" && session.Creator != filter.Creator {
			continue
		}
		if filter.Status != nil && session.Status != *filter.Status {
			continue
		}
		out = append(out, session)
	}
	return out, nil
}

func (r *memorySessionRepository) FindActiveByPair(_ context.Context, viewer, creator string) (*domain.Session, error) {
	for _, session := range r.sessions {
		if session.Viewer == viewer && session.Creator == creator && session.Status == domain.SessionStatusActive {
			copy := session
			return &copy, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memorySessionRepository) MarkStopped(_ context.Context, sessionID string, endedAtMs, durationSeconds int64, amountOwed decimal.Decimal) (*domain.Session, error) {
	if r.beforeMarkStopped != nil {
		r.beforeMarkStopped()
	}
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if session.Status != domain.SessionStatusActive {
		return nil, repository.ErrConflict
	}
	session.Status = domain.SessionStatusStopped
	session.EndedAtMs = &endedAtMs
	session.DurationSeconds = &durationSeconds
	session.AmountOwed = &amountOwed
	r.sessions[sessionID] = session
	copy := session
	return &copy, nil
}

func (r *memorySessionRepository) MarkSettled(_ context.Context, sessionID string, transactionRef string) (*domain.Session, error) {
	if r.beforeMarkSettled != nil {
		r.beforeMarkSettled()
	}
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if session.Status != domain.SessionStatusStopped {
		return nil, repository.ErrConflict
	}
	session.Status = domain.SessionStatusSettled
	session.SettlementTxn = &transactionRef
	r.sessions[sessionID] = session
	copy := session
	return &copy, nil
}

type recordingPublisher struct {
	started []domain.SessionStartedEvent
	stopped []domain.SessionStoppedEvent
	settled []domain.SessionSettledEvent
}

func (p *recordingPublisher) PublishSessionStarted(_ context.Context, event domain.SessionStartedEvent) error {
	p.started = append(p.started, event)
	return nil
}

func (p *recordingPublisher) PublishSessionStopped(_ context.Context, event domain.SessionStoppedEvent) error {
	p.stopped = append(p.stopped, event)
	return nil
}

func (p *recordingPublisher) PublishSessionSettled(_ context.Context, event domain.SessionSettledEvent) error {
	p.settled = append(p.settled, event)
	return nil
}

type stubVerifier struct {
	result   *port.VerifiedSettlement
	err      error
	requests []port.VerificationRequest
}

func (v *stubVerifier) Verify(_ context.Context, req port.VerificationRequest) (*port.VerifiedSettlement, error) {
	v.requests = append(v.requests, req)
	if v.err != nil {
		return nil, v.err
	}
	return v.result, nil
}

type fixture struct {
	repo      *memorySessionRepository
	publisher *recordingPublisher
	verifier  *stubVerifier
	service   *SessionService
	clock     *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := newMemorySessionRepository()
	publisher := &recordingPublisher{}
	stub := &stubVerifier{result: &port.VerifiedSettlement{
		TransactionRef: "0xsettled",
		Amount:         big.NewInt(12_000_000),
		Recipient:      "0xcreator",
	}}
	clock := &fakeClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}

	ids := 0
	service := NewSessionService(repo, stub, publisher, ChallengeConfig{
		Network:        "testnet",
		Asset:          "APT",
		UnitScale:      8,
		TimeoutSeconds: 60,
	}, zaptest.NewLogger(t)).
		WithClock(clock.Now).
		WithIDFactory(func() string {
			ids++
			return fmt.Sprintf("session-%d", ids)
		})

	return &fixture{repo: repo, publisher: publisher, verifier: stub, service: service, clock: clock}
}

const (
	viewerAddr  = "0x1a2b3c"
	creatorAddr = "0x8f4e2d"
)

func mustStart(t *testing.T, f *fixture) *domain.Session {
	t.Helper()
	result, err := f.service.Start(context.Background(), viewerAddr, creatorAddr, decimal.RequireFromString("0.001"))
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return result.Session
}

func TestStartCreatesActiveSession(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Start(context.Background(), "0x1A2B3C", creatorAddr, decimal.RequireFromString("0.001"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Existing {
		t.Fatal("fresh session must not be reported as existing")
	}
	if result.Session.Status != domain.SessionStatusActive {
		t.Fatalf("expected active status, got %s", result.Session.Status)
	}
	if result.Session.Viewer != viewerAddr {
		t.Fatalf("expected normalized viewer %q, got %q", viewerAddr, result.Session.Viewer)
	}
	if result.Session.StartedAtMs != f.clock.now.UnixMilli() {
		t.Fatalf("unexpected start timestamp %d", result.Session.StartedAtMs)
	}
	if len(f.publisher.started) != 1 {
		t.Fatalf("expected one started event, got %d", len(f.publisher.started))
	}
}

func TestStartRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.Start(ctx, "not-an-address", creatorAddr, decimal.RequireFromString("1")); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress for bad viewer, got %v", err)
	}
	if _, err := f.service.Start(ctx, viewerAddr, viewerAddr, decimal.RequireFromString("1")); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress for identical pair, got %v", err)
	}
	if _, err := f.service.Start(ctx, viewerAddr, creatorAddr, decimal.Zero); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for zero rate, got %v", err)
	}
	if _, err := f.service.Start(ctx, viewerAddr, creatorAddr, decimal.RequireFromString("-0.5")); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for negative rate, got %v", err)
	}
}

func TestStartReturnsExistingActiveSession(t *testing.T) {
	f := newFixture(t)
	first := mustStart(t, f)

	result, err := f.service.Start(context.Background(), viewerAddr, creatorAddr, decimal.RequireFromString("0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Existing {
		t.Fatal("expected existing session to be reported")
	}
	if result.Session.ID != first.ID {
		t.Fatalf("expected session %s, got %s", first.ID, result.Session.ID)
	}
	if len(f.repo.sessions) != 1 {
		t.Fatalf("expected a single stored session, got %d", len(f.repo.sessions))
	}
}

func TestGetAttachesLiveCostWhileActive(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)

	f.clock.Advance(45*time.Second + 700*time.Millisecond)

	got, live, err := f.service.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Status != domain.SessionStatusActive {
		t.Fatalf("expected active session, got %s", got.Status)
	}
	if live == nil {
		t.Fatal("expected live cost for active session")
	}
	if live.ElapsedSeconds != 45 {
		t.Fatalf("expected 45 elapsed seconds, got %d", live.ElapsedSeconds)
	}
	if !live.AmountOwed.Equal(decimal.RequireFromString("0.045")) {
		t.Fatalf("expected live amount 0.045, got %s", live.AmountOwed)
	}
}

func TestGetUnknownSession(t *testing.T) {
	f := newFixture(t)

	if _, _, err := f.service.Get(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStopFreezesCost(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)

	f.clock.Advance(120 * time.Second)

	stopped, err := f.service.Stop(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stopped.Status != domain.SessionStatusStopped {
		t.Fatalf("expected stopped status, got %s", stopped.Status)
	}
	if stopped.DurationSeconds == nil || *stopped.DurationSeconds != 120 {
		t.Fatalf("expected frozen duration 120, got %v", stopped.DurationSeconds)
	}
	if stopped.AmountOwed == nil || stopped.AmountOwed.String() != "0.12" {
		t.Fatalf("expected frozen amount 0.12, got %v", stopped.AmountOwed)
	}
	if len(f.publisher.stopped) != 1 {
		t.Fatalf("expected one stopped event, got %d", len(f.publisher.stopped))
	}
}

func TestStopClampsEndToStartWhenClockStepsBack(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)

	f.clock.Advance(-30 * time.Second)

	stopped, err := f.service.Stop(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stopped.EndedAtMs == nil || *stopped.EndedAtMs != session.StartedAtMs {
		t.Fatalf("expected end clamped to start %d, got %v", session.StartedAtMs, stopped.EndedAtMs)
	}
	if stopped.DurationSeconds == nil || *stopped.DurationSeconds != 0 {
		t.Fatalf("expected zero duration, got %v", stopped.DurationSeconds)
	}
	if stopped.AmountOwed == nil || !stopped.AmountOwed.IsZero() {
		t.Fatalf("expected zero amount, got %v", stopped.AmountOwed)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)

	f.clock.Advance(60 * time.Second)
	first, err := f.service.Stop(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// More time passes; the frozen values must not move.
	f.clock.Advance(300 * time.Second)
	second, err := f.service.Stop(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *first.DurationSeconds != *second.DurationSeconds {
		t.Fatalf("duration moved between stops: %d vs %d", *first.DurationSeconds, *second.DurationSeconds)
	}
	if !first.AmountOwed.Equal(*second.AmountOwed) {
		t.Fatalf("amount moved between stops: %s vs %s", first.AmountOwed, second.AmountOwed)
	}
	if len(f.publisher.stopped) != 1 {
		t.Fatalf("repeated stop must not republish, got %d events", len(f.publisher.stopped))
	}
}

func TestStopLostRaceReturnsWinnersValues(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)

	f.clock.Advance(30 * time.Second)

	// Another caller wins the conditional update between fetch and write.
	f.repo.beforeMarkStopped = func() {
		duration := int64(25)
		amount := decimal.RequireFromString("0.025")
		stored := f.repo.sessions[session.ID]
		stored.Status = domain.SessionStatusStopped
		stored.DurationSeconds = &duration
		stored.AmountOwed = &amount
		f.repo.sessions[session.ID] = stored
	}

	stopped, err := f.service.Stop(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *stopped.DurationSeconds != 25 {
		t.Fatalf("expected winner's duration 25, got %d", *stopped.DurationSeconds)
	}
}

func TestSettleWithoutArtifactIssuesChallenge(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)

	f.clock.Advance(120 * time.Second)

	result, err := f.service.Settle(context.Background(), session.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Challenge == nil {
		t.Fatal("expected a payment challenge")
	}
	if result.Settlement != nil {
		t.Fatal("challenge response must not carry a settlement")
	}

	// The active session was auto-stopped so the challenge quotes a frozen
	// amount: 120s * 0.001 = 0.12 coins = 12000000 smallest units.
	if result.Session.Status != domain.SessionStatusStopped {
		t.Fatalf("expected session stopped, got %s", result.Session.Status)
	}
	if result.Challenge.Scheme != domain.ChallengeScheme {
		t.Fatalf("expected scheme %q, got %q", domain.ChallengeScheme, result.Challenge.Scheme)
	}
	if result.Challenge.MaxAmountRequired != "12000000" {
		t.Fatalf("expected maxAmountRequired 12000000, got %q", result.Challenge.MaxAmountRequired)
	}
	if result.Challenge.PayTo != creatorAddr {
		t.Fatalf("expected payTo %q, got %q", creatorAddr, result.Challenge.PayTo)
	}
	if result.Challenge.Network != "testnet" || result.Challenge.Asset != "APT" {
		t.Fatalf("unexpected network/asset: %q/%q", result.Challenge.Network, result.Challenge.Asset)
	}
	if result.Challenge.Resource != "/api/v1/sessions/"+session.ID+"/settle" {
		t.Fatalf("unexpected resource %q", result.Challenge.Resource)
	}
}

func TestSettleVerifiesAndTransitions(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)

	f.clock.Advance(120 * time.Second)

	result, err := f.service.Settle(context.Background(), session.ID, "0xabc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Settlement == nil {
		t.Fatal("expected a settlement confirmation")
	}
	if result.Session.Status != domain.SessionStatusSettled {
		t.Fatalf("expected settled status, got %s", result.Session.Status)
	}
	if result.Session.SettlementTxn == nil || *result.Session.SettlementTxn != "0xsettled" {
		t.Fatalf("expected stored settlement ref 0xsettled, got %v", result.Session.SettlementTxn)
	}

	if len(f.verifier.requests) != 1 {
		t.Fatalf("expected one verification, got %d", len(f.verifier.requests))
	}
	req := f.verifier.requests[0]
	if req.SessionID != session.ID {
		t.Fatalf("verified wrong session %q", req.SessionID)
	}
	if req.ExpectedAmount.String() != "12000000" {
		t.Fatalf("expected obligation 12000000, got %s", req.ExpectedAmount)
	}

	if len(f.publisher.settled) != 1 {
		t.Fatalf("expected one settled event, got %d", len(f.publisher.settled))
	}
}

func TestSettleAlreadySettled(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)

	f.clock.Advance(10 * time.Second)
	if _, err := f.service.Settle(context.Background(), session.ID, "0xabc123"); err != nil {
		t.Fatalf("first settle failed: %v", err)
	}

	result, err := f.service.Settle(context.Background(), session.ID, "0xother")
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if result == nil || result.Session == nil {
		t.Fatal("already-settled response must carry the session")
	}
	if result.Session.SettlementTxn == nil || *result.Session.SettlementTxn != "0xsettled" {
		t.Fatalf("expected original settlement ref, got %v", result.Session.SettlementTxn)
	}

	if len(f.verifier.requests) != 1 {
		t.Fatalf("settled session must not be re-verified, got %d verifications", len(f.verifier.requests))
	}
}

func TestSettleFailedVerificationLeavesSessionStopped(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)
	f.clock.Advance(60 * time.Second)

	f.verifier.err = &verifier.Error{Kind: verifier.KindAmountMismatch, Expected: "60000", Actual: "10"}

	_, err := f.service.Settle(context.Background(), session.ID, "0xabc123")

	verr, ok := verifier.AsError(err)
	if !ok || verr.Kind != verifier.KindAmountMismatch {
		t.Fatalf("expected amount_mismatch, got %v", err)
	}

	stored, _, getErr := f.service.Get(context.Background(), session.ID)
	if getErr != nil {
		t.Fatalf("get after failed settle: %v", getErr)
	}
	if stored.Status != domain.SessionStatusStopped {
		t.Fatalf("failed verification must leave session stopped, got %s", stored.Status)
	}

	// A corrected artifact settles the same session afterwards.
	f.verifier.err = nil
	if _, err := f.service.Settle(context.Background(), session.ID, "0xabc456"); err != nil {
		t.Fatalf("retry after failed verification: %v", err)
	}
}

func TestSettleMalformedArtifact(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)

	_, err := f.service.Settle(context.Background(), session.ID, "0xzz-not-hex")
	if !errors.Is(err, verifier.ErrInvalidArtifact) {
		t.Fatalf("expected ErrInvalidArtifact, got %v", err)
	}
}

func TestSettleLostRaceMapsToAlreadySettled(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)
	f.clock.Advance(10 * time.Second)

	if _, err := f.service.Stop(context.Background(), session.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// A concurrent settle wins between fetch and the conditional update.
	f.repo.beforeMarkSettled = func() {
		ref := "0xwinner"
		stored := f.repo.sessions[session.ID]
		stored.Status = domain.SessionStatusSettled
		stored.SettlementTxn = &ref
		f.repo.sessions[session.ID] = stored
	}

	result, err := f.service.Settle(context.Background(), session.ID, "0xabc123")
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled after lost race, got %v", err)
	}
	if result.Session.SettlementTxn == nil || *result.Session.SettlementTxn != "0xwinner" {
		t.Fatalf("expected winner's ref, got %v", result.Session.SettlementTxn)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	session := mustStart(t, f)

	f.clock.Advance(5 * time.Second)
	if _, err := f.service.Stop(context.Background(), session.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := f.service.Start(context.Background(), viewerAddr, "0x9f9f9f", decimal.RequireFromString("0.002")); err != nil {
		t.Fatalf("second start: %v", err)
	}

	stopped, err := f.service.List(context.Background(), "", "", "stopped")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stopped) != 1 || stopped[0].ID != session.ID {
		t.Fatalf("expected only the stopped session, got %v", stopped)
	}

	all, err := f.service.List(context.Background(), viewerAddr, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions for viewer, got %d", len(all))
	}

	if _, err := f.service.List(context.Background(), "", "", "paused"); !errors.Is(err, ErrInvalidStatusFilter) {
		t.Fatalf("expected ErrInvalidStatusFilter, got %v", err)
	}
}

func TestFullLifecycleFixture(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Start(context.Background(), viewerAddr, creatorAddr, decimal.RequireFromString("0.001"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.clock.Advance(2 * time.Minute)

	settled, err := f.service.Settle(context.Background(), result.Session.ID, "0xabc123")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	session := settled.Session
	if *session.DurationSeconds != 120 {
		t.Fatalf("expected 120 seconds, got %d", *session.DurationSeconds)
	}
	if session.AmountOwed.String() != "0.12" {
		t.Fatalf("expected amount 0.12, got %s", session.AmountOwed)
	}
	if session.Status != domain.SessionStatusSettled {
		t.Fatalf("expected settled, got %s", session.Status)
	}

	if len(f.publisher.started) != 1 || len(f.publisher.stopped) != 1 || len(f.publisher.settled) != 1 {
		t.Fatalf("expected one event per transition, got %d/%d/%d",
			len(f.publisher.started), len(f.publisher.stopped), len(f.publisher.settled))
	}
}
