package demand

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"galaxymarket/internal/bus"
	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/observability"
)

// Processor consumes demand-requests and starts one saga per demand,
// however many times the request is delivered.
type Processor struct {
	sagas     saga.Store
	starter   SagaStarter
	publisher bus.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewProcessor(sagas saga.Store, starter SagaStarter, publisher bus.Publisher, metrics *observability.Metrics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		sagas:     sagas,
		starter:   starter,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Run subscribes to demand-requests under group until ctx is done.
func (p *Processor) Run(ctx context.Context, sub bus.Subscriber, group string) error {
	return sub.Subscribe(ctx, saga.TopicDemandRequests, group, bus.JSON(p.Handle))
}

// Handle starts the saga for req. Invalid requests and failed starts are
// reported on the status topic and acknowledged; only storage errors are
// returned so the request is redelivered.
func (p *Processor) Handle(ctx context.Context, req saga.DemandRequest) (err error) {
	span := p.metrics.Start("processor.demand_request")
	defer func() { span.End(err) }()

	log := p.logger.With(zap.String("demand_id", req.DemandID))
	if verr := validateRequest(req); verr != nil {
		log.Error("invalid demand request", zap.Error(verr))
		p.status(ctx, cmp.Or(req.DemandID, "unknown"), saga.StatusError, map[string]any{"message": "Invalid demand data: " + verr.Error()})
		return nil
	}

	rec, created, err := p.sagas.Start(ctx, req.DemandID, saga.Record{
		DemandID: req.DemandID,
		UserID:   req.UserID,
		ObjectID: req.ObjectID,
		Price:    req.PriceEUR,
		Status:   saga.RecordStarted,
	})
	switch {
	case errors.Is(err, saga.ErrIdempotencyConflict):
		log.Error("demand request conflicts with recorded saga", zap.Error(err))
		p.status(ctx, req.DemandID, saga.StatusError, map[string]any{"message": "Demand request conflicts with an earlier request"})
		return nil
	case err != nil:
		return fmt.Errorf("record saga %s: %w", req.DemandID, err)
	case !created:
		log.Info("duplicate demand request skipped", zap.String("instance_id", rec.InstanceID), zap.String("saga_status", string(rec.Status)))
		p.metrics.Incr("processor.duplicates")
		return nil
	}

	instanceID, err := p.starter.StartSaga(ctx, req.DemandID, req.UserID, req.ObjectID, req.PriceEUR)
	if err != nil {
		log.Error("start saga failed", zap.Error(err))
		if uerr := p.sagas.UpdateStatus(ctx, req.DemandID, saga.RecordFailed); uerr != nil {
			log.Warn("mark saga failed", zap.Error(uerr))
		}
		p.status(ctx, req.DemandID, saga.StatusError, map[string]any{"message": "Failed to start process: " + err.Error()})
		return nil
	}
	if err := p.sagas.Attach(ctx, req.DemandID, instanceID, saga.RecordRunning); err != nil {
		log.Warn("attach instance", zap.Error(err))
	}
	p.status(ctx, req.DemandID, saga.StatusProcessStarted, map[string]any{
		"process_instance_id": instanceID,
		"message":             "Process started successfully",
	})
	log.Info("saga started from bus", zap.String("instance_id", instanceID))
	return nil
}

func validateRequest(req saga.DemandRequest) error {
	var missing []string
	if strings.TrimSpace(req.DemandID) == "" {
		missing = append(missing, "demandId")
	}
	if strings.TrimSpace(req.UserID) == "" {
		missing = append(missing, "userId")
	}
	if strings.TrimSpace(req.ObjectID) == "" {
		missing = append(missing, "objectId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if req.PriceEUR < 0 {
		return fmt.Errorf("%w: negative price", ErrInvalidRequest)
	}
	if req.Action != "" && req.Action != saga.ActionCreate {
		return fmt.Errorf("%w: unsupported action %q", ErrInvalidRequest, req.Action)
	}
	return nil
}

func (p *Processor) status(ctx context.Context, demandID, status string, details map[string]any) {
	ev := saga.StatusEvent{DemandID: demandID, Status: status, Details: details, Timestamp: p.now().UTC()}
	if err := p.publisher.Publish(ctx, saga.TopicStatusUpdates, demandID, ev); err != nil {
		p.logger.Warn("publish status", zap.String("demand_id", demandID), zap.String("status", status), zap.Error(err))
	}
}
