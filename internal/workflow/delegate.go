package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/reliability"
)

// Delegate starts saga instances for demands. Starts are guarded by a
// breaker and retried only while the engine is unavailable.
type Delegate struct {
	engine     Engine
	processKey string
	guard      reliability.Guard
	logger     *zap.Logger
}

func NewDelegate(engine Engine, processKey string, guard reliability.Guard, logger *zap.Logger) *Delegate {
	if processKey == "" {
		processKey = saga.ProcessKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard.Retry.ShouldRetry == nil {
		guard.Retry.ShouldRetry = func(err error) bool {
			return errors.Is(err, ErrEngineUnavailable)
		}
	}
	return &Delegate{engine: engine, processKey: processKey, guard: guard, logger: logger}
}

// Engine exposes the wrapped engine for task-level calls.
func (d *Delegate) Engine() Engine { return d.engine }

// StartSaga begins one saga run correlated by demandID and returns the engine
// instance id.
func (d *Delegate) StartSaga(ctx context.Context, demandID, userID, objectID string, price float64) (string, error) {
	if demandID == "" || userID == "" || objectID == "" {
		return "", fmt.Errorf("%w: demand, user and object ids are required", ErrEngineRejected)
	}
	vars := Variables{
		saga.VarDemandID: String(demandID),
		saga.VarUserID:   String(userID),
		saga.VarObjectID: String(objectID),
		saga.VarPrice:    Double(price),
	}
	var (
		instanceID string
		attempts   int
	)
	err := d.guard.Do(ctx, func() error {
		attempts++
		if attempts > 1 {
			// An unavailable response may still have started the instance.
			id, err := d.runningInstance(ctx, demandID)
			if err != nil {
				return err
			}
			if id != "" {
				d.logger.Info("saga already running after failed start", zap.String("demand_id", demandID), zap.String("instance_id", id))
				instanceID = id
				return nil
			}
		}
		id, err := d.engine.StartInstance(ctx, d.processKey, demandID, vars)
		if err != nil {
			return err
		}
		instanceID = id
		return nil
	})
	if errors.Is(err, reliability.ErrCircuitOpen) {
		err = fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	if err != nil {
		d.logger.Warn("start saga failed", zap.String("demand_id", demandID), zap.Error(err))
		return "", err
	}
	d.logger.Info("saga started", zap.String("demand_id", demandID), zap.String("instance_id", instanceID))
	return instanceID, nil
}

func (d *Delegate) runningInstance(ctx context.Context, demandID string) (string, error) {
	instances, err := d.engine.ListInstances(ctx, demandID)
	if err != nil {
		return "", err
	}
	for _, inst := range instances {
		if !inst.Ended {
			return inst.ID, nil
		}
	}
	return "", nil
}
