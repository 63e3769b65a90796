// Package projector applies saga outcomes to durable state: demand status
// from the status trail, object ownership from demand events. Every write is
// guarded so a redelivered event changes nothing.
package projector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"galaxymarket/internal/bus"
	"galaxymarket/internal/demand"
	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/object"
	"galaxymarket/internal/observability"
)

// Deps wires a Projector. Either store may be nil, which disables the
// subscription that writes to it.
type Deps struct {
	Demands demand.Store
	Objects object.Store
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

type Projector struct {
	demands demand.Store
	objects object.Store
	metrics *observability.Metrics
	logger  *zap.Logger
}

func New(deps Deps) *Projector {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{
		demands: deps.Demands,
		objects: deps.Objects,
		metrics: deps.Metrics,
		logger:  logger,
	}
}

// Run consumes the status trail and the demand events until ctx is done.
func (p *Projector) Run(ctx context.Context, sub bus.Subscriber, group string) error {
	g, ctx := errgroup.WithContext(ctx)
	if p.demands != nil {
		g.Go(func() error {
			return sub.Subscribe(ctx, saga.TopicStatusUpdates, group, bus.JSON(p.HandleStatus))
		})
	}
	if p.objects != nil {
		g.Go(func() error {
			return sub.Subscribe(ctx, saga.TopicDemandEvents, group, bus.JSON(p.HandleEvent))
		})
	}
	return g.Wait()
}

// HandleStatus moves the demand along its status rules. Events that arrive
// after the demand settled are ignored; only storage errors are returned.
func (p *Projector) HandleStatus(ctx context.Context, ev saga.StatusEvent) (err error) {
	if p.demands == nil {
		return nil
	}
	span := p.metrics.Start("projector.status")
	defer func() { span.End(err) }()

	log := p.logger.With(zap.String("demand_id", ev.DemandID), zap.String("status", ev.Status))
	switch {
	case ev.Status == saga.StatusValidating:
		_, err = p.demands.Transition(ctx, ev.DemandID, demand.StatusValidating, demand.StatusPending)
	case saga.RejectingStatuses[ev.Status]:
		_, err = p.demands.Transition(ctx, ev.DemandID, demand.StatusRejected, demand.StatusPending, demand.StatusValidating)
	case ev.Status == saga.StatusError:
		_, err = p.demands.Transition(ctx, ev.DemandID, demand.StatusError, demand.StatusPending, demand.StatusValidating)
	case ev.Status == saga.StatusProcessCompleted:
		var rejected []string
		_, rejected, err = p.demands.Accept(ctx, ev.DemandID, demand.StatusPending, demand.StatusValidating)
		if err == nil {
			log.Info("demand accepted", zap.Strings("rejected_siblings", rejected))
			p.metrics.Incr("projector.accepted")
		}
	default:
		return nil
	}
	return p.settle(log, err)
}

func (p *Projector) settle(log *zap.Logger, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, demand.ErrInvalidState):
		p.metrics.Incr("projector.stale")
		log.Debug("status already settled", zap.Error(err))
		return nil
	case errors.Is(err, demand.ErrNotFound):
		log.Info("status for unknown demand", zap.Error(err))
		return nil
	default:
		log.Error("apply status", zap.Error(err))
		return err
	}
}

// HandleEvent applies object-side events. Ownership changes go through the
// per-demand transfer ledger, so replays leave the owner as it is.
func (p *Projector) HandleEvent(ctx context.Context, env saga.Envelope) (err error) {
	if p.objects == nil {
		return nil
	}
	span := p.metrics.Start("projector.event." + env.EventType)
	defer func() { span.End(err) }()

	log := p.logger.With(zap.String("event_type", env.EventType), zap.Any("demand_id", env.Data["demand_id"]))
	switch env.EventType {
	case saga.EventOwnershipUpdated, saga.EventDemandConfirmed:
		return p.applyOwnership(ctx, log, env)
	case saga.EventDemandCreated:
		objectID, _ := env.Data["galactic_object_id"].(string)
		obj, gerr := p.objects.Get(ctx, objectID)
		if gerr != nil {
			log.Warn("demand created for unknown object", zap.String("galactic_object_id", objectID), zap.Error(gerr))
			return nil
		}
		log.Info("demand created", zap.String("galactic_object_id", objectID), zap.Bool("available", obj.Available()))
	case saga.EventDemandDeleted:
		// Soft delete: availability is derived from the owner alone.
		log.Info("demand deleted")
	default:
		log.Debug("ignoring demand event")
	}
	return nil
}

func (p *Projector) applyOwnership(ctx context.Context, log *zap.Logger, env saga.Envelope) error {
	demandID, _ := env.Data["demand_id"].(string)
	userID, _ := env.Data["user_id"].(string)
	objectID, _ := env.Data["galactic_object_id"].(string)
	if demandID == "" || userID == "" || objectID == "" {
		return fmt.Errorf("%w: %s event without demand_id, user_id and galactic_object_id", bus.ErrSerialization, env.EventType)
	}

	applied, err := p.objects.TransferOwnership(ctx, demandID, objectID, userID)
	switch {
	case errors.Is(err, object.ErrOwnershipConflict):
		p.metrics.Incr("projector.ownership_conflicts")
		log.Warn("ownership conflict", zap.String("galactic_object_id", objectID), zap.Error(err))
		if p.demands != nil {
			_, terr := p.demands.Transition(ctx, demandID, demand.StatusRejected, demand.StatusPending, demand.StatusValidating)
			return p.settle(log, terr)
		}
		return nil
	case errors.Is(err, object.ErrNotFound):
		log.Warn("ownership for unknown object", zap.String("galactic_object_id", objectID))
		return nil
	case err != nil:
		log.Error("transfer ownership", zap.Error(err))
		return err
	}
	if applied {
		p.metrics.Incr("projector.ownership_applied")
		log.Info("ownership transferred", zap.String("galactic_object_id", objectID), zap.String("user_id", userID))
	} else {
		p.metrics.Incr("projector.ownership_replayed")
		log.Debug("ownership already recorded")
	}
	return nil
}
