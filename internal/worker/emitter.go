package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"galaxymarket/internal/bus"
	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/reliability"
)

// Emitter publishes progress statuses and demand events for the workers.
// Publishes are retried while the bus is unavailable and then dropped with
// a log line; the engine state stays the source of truth.
type Emitter struct {
	publisher bus.Publisher
	retry     reliability.RetryPolicy
	logger    *zap.Logger
	now       func() time.Time
}

func NewEmitter(publisher bus.Publisher, retry reliability.RetryPolicy, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = func(err error) bool { return errors.Is(err, bus.ErrBusUnavailable) }
	}
	return &Emitter{publisher: publisher, retry: retry, logger: logger, now: time.Now}
}

// Emit appends one status to the demand's trail.
func (e *Emitter) Emit(ctx context.Context, demandID, status string, details map[string]any) {
	if e == nil {
		return
	}
	ev := saga.StatusEvent{DemandID: demandID, Status: status, Details: details, Timestamp: e.now().UTC()}
	e.publish(ctx, saga.TopicStatusUpdates, demandID, ev, zap.String("status", status))
}

// Event publishes an envelope on demand-events.
func (e *Emitter) Event(ctx context.Context, demandID, eventType string, data map[string]any) {
	if e == nil {
		return
	}
	env := saga.Envelope{EventType: eventType, Data: data}
	e.publish(ctx, saga.TopicDemandEvents, demandID, env, zap.String("event_type", eventType))
}

func (e *Emitter) publish(ctx context.Context, topic, key string, payload any, field zap.Field) {
	err := e.retry.Do(ctx, func() error {
		return e.publisher.Publish(ctx, topic, key, payload)
	})
	if err != nil {
		e.logger.Warn("publish dropped", zap.String("topic", topic), zap.String("demand_id", key), field, zap.Error(err))
	}
}
