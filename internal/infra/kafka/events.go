package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/streampay/internal/core/domain"
	"github.com/arklim/streampay/internal/core/port"
	"github.com/arklim/streampay/internal/infra/config"
)

const schemaVersion = "1.0"

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	SessionID string           `json:"session_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, sessionID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}

	if span := trace.SpanFromContext(ctx); span != nil {
		if sc := span.SpanContext(); sc.IsValid() {
			metadata["trace_id"] = sc.TraceID().String()
		}
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		SessionID: sessionID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Key:   sarama.StringEncoder(sessionID),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishSessionStarted publishes streampay.session.started events.
func (p *EventPublisher) PublishSessionStarted(ctx context.Context, event domain.SessionStartedEvent) error {
	payload := struct {
		SessionID string         `json:"session_id"`
		Viewer    string         `json:"viewer"`
		Creator   string         `json:"creator"`
		Rate      string         `json:"rate"`
		StartedAt time.Time      `json:"started_at"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}{
		SessionID: event.SessionID,
		Viewer:    event.Viewer,
		Creator:   event.Creator,
		Rate:      event.Rate,
		StartedAt: event.StartedAt.UTC(),
		Metadata:  event.Metadata,
	}

	return p.publish(ctx, event.EventID, "session.started", event.SessionID, event.StartedAt, payload)
}

// PublishSessionStopped publishes streampay.session.stopped events.
func (p *EventPublisher) PublishSessionStopped(ctx context.Context, event domain.SessionStoppedEvent) error {
	payload := struct {
		SessionID       string         `json:"session_id"`
		Viewer          string         `json:"viewer"`
		Creator         string         `json:"creator"`
		DurationSeconds int64          `json:"duration_seconds"`
		AmountOwed      string         `json:"amount_owed"`
		StoppedAt       time.Time      `json:"stopped_at"`
		Metadata        map[string]any `json:"metadata,omitempty"`
	}{
		SessionID:       event.SessionID,
		Viewer:          event.Viewer,
		Creator:         event.Creator,
		DurationSeconds: event.DurationSeconds,
		AmountOwed:      event.AmountOwed,
		StoppedAt:       event.StoppedAt.UTC(),
		Metadata:        event.Metadata,
	}

	return p.publish(ctx, event.EventID, "session.stopped", event.SessionID, event.StoppedAt, payload)
}

// PublishSessionSettled publishes streampay.session.settled events.
func (p *EventPublisher) PublishSessionSettled(ctx context.Context, event domain.SessionSettledEvent) error {
	payload := struct {
		SessionID      string         `json:"session_id"`
		Viewer         string         `json:"viewer"`
		Creator        string         `json:"creator"`
		AmountOwed     string         `json:"amount_owed"`
		SettledAmount  string         `json:"settled_amount"`
		TransactionRef string         `json:"transaction_ref"`
		SettledAt      time.Time      `json:"settled_at"`
		Metadata       map[string]any `json:"metadata,omitempty"`
	}{
		SessionID:      event.SessionID,
		Viewer:         event.Viewer,
		Creator:        event.Creator,
		AmountOwed:     event.AmountOwed,
		SettledAmount:  event.SettledAmount,
		TransactionRef: event.TransactionRef,
		SettledAt:      event.SettledAt.UTC(),
		Metadata:       event.Metadata,
	}

	return p.publish(ctx, event.EventID, "session.settled", event.SessionID, event.SettledAt, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)
