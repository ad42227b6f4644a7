package port

import (
	"context"

	"github.com/arklim/streampay/internal/core/domain"
)

// EventPublisher publishes session lifecycle events to the message bus.
type EventPublisher interface {
	PublishSessionStarted(ctx context.Context, event domain.SessionStartedEvent) error
	PublishSessionStopped(ctx context.Context, event domain.SessionStoppedEvent) error
	PublishSessionSettled(ctx context.Context, event domain.SessionSettledEvent) error
}
