package services

import (
	"context"

	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"
)

// NotificationApplier applies a decoded notification.
type NotificationApplier interface {
	ApplyNotification(ctx context.Context, env *models.NotificationEnvelope) (*Outcome, error)
}

// EventRouter drops notification types the engine does not model and
// forwards the rest.
type EventRouter struct {
	engine NotificationApplier
}

// NewEventRouter creates a router in front of engine
func NewEventRouter(engine NotificationApplier) *EventRouter {
	return &EventRouter{engine: engine}
}

// Route applies env. Unrecognized types are acknowledged and dropped without error.
func (r *EventRouter) Route(ctx context.Context, env *models.NotificationEnvelope) (*Outcome, error) {
	if env.Kind == models.KindUnrecognized {
		logging.Infof("Dropping unrecognized notification type %q - uuid: %s", env.NotificationType, env.NotificationUUID)
		metrics.NotificationsTotal.WithLabelValues(env.Kind.String(), string(OutcomeUnrecognized)).Inc()
		return &Outcome{Kind: OutcomeUnrecognized}, nil
	}

	outcome, err := r.engine.ApplyNotification(ctx, env)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(env.Kind.String(), "error").Inc()
		return nil, err
	}

	metrics.NotificationsTotal.WithLabelValues(env.Kind.String(), string(outcome.Kind)).Inc()
	return outcome, nil
}
