package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/streampay/internal/core/domain"
	"github.com/arklim/streampay/internal/core/port"
	"github.com/arklim/streampay/internal/infra/logger"
)

// StubPublisher logs events instead of sending them to Kafka. Useful for development environments.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, sessionID string, at time.Time, payload any) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Info("stub event published",
		zap.String("event_type", eventType),
		zap.String("session_id", sessionID),
		zap.Time("timestamp", at.UTC()),
		zap.Any("payload", payload),
	)
}

// PublishSessionStarted logs session.started events.
func (p *StubPublisher) PublishSessionStarted(_ context.Context, event domain.SessionStartedEvent) error {
	payload := map[string]any{
		"session_id":     event.SessionID,
		"masked_viewer":  logger.MaskAddress(event.Viewer),
		"masked_creator": logger.MaskAddress(event.Creator),
		"rate":           event.Rate,
		"started_at":     event.StartedAt,
	}
	p.logEvent("session.started", event.SessionID, event.StartedAt, payload)
	return nil
}

// PublishSessionStopped logs session.stopped events.
func (p *StubPublisher) PublishSessionStopped(_ context.Context, event domain.SessionStoppedEvent) error {
	payload := map[string]any{
		"session_id":       event.SessionID,
		"masked_viewer":    logger.MaskAddress(event.Viewer),
		"masked_creator":   logger.MaskAddress(event.Creator),
		"duration_seconds": event.DurationSeconds,
		"amount_owed":      event.AmountOwed,
		"stopped_at":       event.StoppedAt,
	}
	p.logEvent("session.stopped", event.SessionID, event.StoppedAt, payload)
	return nil
}

// PublishSessionSettled logs session.settled events.
func (p *StubPublisher) PublishSessionSettled(_ context.Context, event domain.SessionSettledEvent) error {
	payload := map[string]any{
		"session_id":      event.SessionID,
		"masked_viewer":   logger.MaskAddress(event.Viewer),
		"masked_creator":  logger.MaskAddress(event.Creator),
		"amount_owed":     event.AmountOwed,
		"settled_amount":  event.SettledAmount,
		"transaction_ref": event.TransactionRef,
		"settled_at":      event.SettledAt,
	}
	p.logEvent("session.settled", event.SessionID, event.SettledAt, payload)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
