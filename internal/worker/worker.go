// Package worker runs the saga's external-task workers: one lease-based poll
// loop per engine topic, each delegating to a step handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/observability"
	"galaxymarket/internal/workflow"
)

// Handler executes one leased task and returns the variables the task is
// completed with. A returned error fails the task without retries.
type Handler interface {
	Topic() string
	Handle(ctx context.Context, task workflow.Task) (workflow.Variables, error)
}

// Config controls the poll loop.
type Config struct {
	WorkerID     string
	PollInterval time.Duration
	LockDuration time.Duration
	MaxTasks     int
	// LongPoll is passed to the engine as the async response timeout.
	LongPoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "demand_service_worker"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 10 * time.Second
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = 1
	}
	return c
}

// Worker polls one topic. Leases it cannot finish are left to expire.
type Worker struct {
	engine  workflow.Engine
	handler Handler
	cfg     Config
	status  *Emitter
	metrics *observability.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

func New(engine workflow.Engine, handler Handler, cfg Config, status *Emitter, metrics *observability.Metrics, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		engine:  engine,
		handler: handler,
		cfg:     cfg,
		status:  status,
		metrics: metrics,
		logger:  logger.With(zap.String("topic", handler.Topic()), zap.String("worker_id", cfg.WorkerID)),
		tracer:  otel.Tracer("galaxymarket/internal/worker"),
	}
}

func (w *Worker) Topic() string { return w.handler.Topic() }

// Run polls until ctx is done. A fetch error is logged and the next cycle
// tries again.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("task worker started")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("fetch and lock failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			w.logger.Info("task worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one fetch-and-execute cycle and returns how many tasks it leased.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	tasks, err := w.engine.FetchAndLock(ctx, workflow.FetchRequest{
		WorkerID:     w.cfg.WorkerID,
		Topic:        w.handler.Topic(),
		MaxTasks:     w.cfg.MaxTasks,
		LockDuration: w.cfg.LockDuration,
		LongPoll:     w.cfg.LongPoll,
	})
	if err != nil {
		w.metrics.Incr("worker." + w.handler.Topic() + ".fetch_errors")
		return 0, err
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		w.execute(ctx, task)
	}
	return len(tasks), nil
}

func (w *Worker) execute(ctx context.Context, task workflow.Task) {
	topic := w.handler.Topic()
	demandID := demandIDOf(task)
	log := w.logger.With(zap.String("task_id", task.ID), zap.String("demand_id", demandID))

	ctx, span := w.tracer.Start(ctx, "task "+topic, trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.topic", topic),
		attribute.String("demand.id", demandID),
	))
	defer span.End()
	op := w.metrics.Start("worker." + topic)

	vars, err := w.run(ctx, task)
	if err != nil {
		op.End(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("task failed", zap.Error(err))
		w.status.Emit(ctx, demandID, saga.StatusError, map[string]any{
			"message": err.Error(),
			"step":    topic,
		})
		ferr := w.engine.Fail(ctx, task.ID, w.cfg.WorkerID, workflow.Failure{
			Message: err.Error(),
			Details: err.Error(),
			Retries: 0,
		})
		w.settled(log, "failed", ferr)
		return
	}
	op.End(nil)

	cerr := w.engine.Complete(ctx, task.ID, w.cfg.WorkerID, vars)
	if cerr != nil {
		span.RecordError(cerr)
	}
	w.settled(log, "completed", cerr)
}

// settled records how the lease ended. A lost race is someone else's task now.
func (w *Worker) settled(log *zap.Logger, outcome string, err error) {
	topic := w.handler.Topic()
	switch {
	case err == nil:
		w.metrics.Incr("worker." + topic + "." + outcome)
		log.Debug("task " + outcome)
	case workflow.IsLostRace(err):
		w.metrics.Incr("worker." + topic + ".lost")
		log.Info("task lease lost", zap.Error(err))
	default:
		w.metrics.Incr("worker." + topic + ".report_errors")
		log.Error("report task outcome", zap.String("outcome", outcome), zap.Error(err))
	}
}

func (w *Worker) run(ctx context.Context, task workflow.Task) (vars workflow.Variables, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, task)
}

func demandIDOf(task workflow.Task) string {
	if id, err := task.Variables.String(saga.VarDemandID); err == nil && id != "" {
		return id
	}
	return task.BusinessKey
}

// ErrMissingVariable reports a task without the variables its step needs.
var ErrMissingVariable = errors.New("worker: missing task variable")
