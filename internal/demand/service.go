package demand

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"galaxymarket/internal/bus"
	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/object"
	"galaxymarket/internal/observability"
	"galaxymarket/internal/reliability"
	"galaxymarket/internal/workflow"
)

// SagaStarter starts the engine-side saga for a demand.
type SagaStarter interface {
	StartSaga(ctx context.Context, demandID, userID, objectID string, price float64) (string, error)
}

// TaskEngine is the slice of the engine the service needs for human
// confirmation and cleanup.
type TaskEngine interface {
	ListUserTasks(ctx context.Context, q workflow.UserTaskQuery) ([]workflow.UserTask, error)
	Claim(ctx context.Context, taskID, userID string) error
	CompleteUserTask(ctx context.Context, taskID string, vars workflow.Variables) error
	ListInstances(ctx context.Context, businessKey string) ([]workflow.Instance, error)
	DeleteInstance(ctx context.Context, instanceID, reason string) error
}

// ServiceDeps wires a Service. Objects, Sagas, Metrics and Logger are optional.
type ServiceDeps struct {
	Store     Store
	Publisher bus.Publisher
	// BusBreaker trips after repeated publish failures so submissions go
	// straight to the engine while the bus is down.
	BusBreaker *reliability.CircuitBreaker
	Starter    SagaStarter
	Tasks      TaskEngine
	Sagas      saga.Store
	// Objects receives the ownership write when a demand is accepted by hand.
	Objects object.Store
	Metrics *observability.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
	NewID   func() string
}

// Service is the demand submission handler plus the confirm, delete and
// query operations of the demand-owning service.
type Service struct {
	store     Store
	publisher bus.Publisher
	breaker   *reliability.CircuitBreaker
	starter   SagaStarter
	tasks     TaskEngine
	sagas     saga.Store
	objects   object.Store
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

func NewService(deps ServiceDeps) *Service {
	s := &Service{
		store:     deps.Store,
		publisher: deps.Publisher,
		breaker:   deps.BusBreaker,
		starter:   deps.Starter,
		tasks:     deps.Tasks,
		sagas:     deps.Sagas,
		objects:   deps.Objects,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
		newID:     deps.NewID,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// SubmitRequest is a new demand. PriceEUR is a pointer so that a missing
// price can be told apart from zero.
type SubmitRequest struct {
	UserID   string
	ObjectID string
	PriceEUR *float64
}

// Validate checks that all fields are present and the price is a
// non-negative finite number.
func (r SubmitRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(r.ObjectID) == "" {
		missing = append(missing, "galactic_object_id")
	}
	if r.PriceEUR == nil {
		missing = append(missing, "price_eur")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	p := *r.PriceEUR
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
		return fmt.Errorf("%w: price_eur must be a non-negative number", ErrInvalidRequest)
	}
	return nil
}

// Submission is the result of Submit. InstanceID is set only when the saga
// was started directly on the engine.
type Submission struct {
	Demand     Demand
	InstanceID string
	ViaBus     bool
}

// Submit persists a pending demand and hands the saga start to the bus. When
// the bus cannot take it, the saga is started on the engine directly.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	if err := req.Validate(); err != nil {
		return Submission{}, err
	}
	d := Demand{
		ID:        s.newID(),
		UserID:    strings.TrimSpace(req.UserID),
		ObjectID:  strings.TrimSpace(req.ObjectID),
		PriceEUR:  *req.PriceEUR,
		Status:    StatusPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return Submission{}, fmt.Errorf("persist demand: %w", err)
	}
	log := s.logger.With(zap.String("demand_id", d.ID))

	request := saga.DemandRequest{
		DemandID: d.ID,
		UserID:   d.UserID,
		ObjectID: d.ObjectID,
		PriceEUR: d.PriceEUR,
		Action:   saga.ActionCreate,
	}
	pubErr := s.breaker.Execute(func() error {
		return s.publisher.Publish(ctx, saga.TopicDemandRequests, d.ID, request)
	})
	if pubErr == nil {
		log.Info("demand submitted to bus")
		s.publishStatus(ctx, d.ID, saga.StatusSubmitted, map[string]any{"message": "Demand request sent to processing queue"})
		s.publishEvent(ctx, d.ID, saga.EventDemandCreated, d, nil)
		return Submission{Demand: d, ViaBus: true}, nil
	}

	log.Warn("bus publish failed, starting saga on engine", zap.Error(pubErr))
	s.metrics.Incr("submit.engine_fallback")
	instanceID, started, err := s.startDirect(ctx, d)
	if err != nil {
		if _, terr := s.store.Transition(ctx, d.ID, StatusError, StatusPending); terr != nil {
			log.Error("mark demand errored", zap.Error(terr))
		}
		return Submission{}, fmt.Errorf("start saga for %s: %w", d.ID, err)
	}
	s.publishEvent(ctx, d.ID, saga.EventDemandCreated, d, nil)
	// A publish can fail on the ack while the request still reached the
	// processor; then the saga belongs to the bus path.
	return Submission{Demand: d, InstanceID: instanceID, ViaBus: !started}, nil
}

// startDirect records the saga idempotency key before starting, so a late
// copy of the request on the bus is recognised as already started. started
// is false when the key was already recorded; the engine is not called then
// and the recorded instance id, possibly empty, is returned.
func (s *Service) startDirect(ctx context.Context, d Demand) (instanceID string, started bool, err error) {
	if s.sagas != nil {
		rec, created, err := s.sagas.Start(ctx, d.ID, saga.Record{
			DemandID: d.ID,
			UserID:   d.UserID,
			ObjectID: d.ObjectID,
			Price:    d.PriceEUR,
			Status:   saga.RecordStarted,
		})
		if err != nil {
			return "", false, fmt.Errorf("record saga: %w", err)
		}
		if !created {
			s.logger.Info("saga already recorded, not starting again",
				zap.String("demand_id", d.ID),
				zap.String("instance_id", rec.InstanceID),
				zap.String("saga_status", string(rec.Status)),
			)
			s.metrics.Incr("submit.already_started")
			return rec.InstanceID, false, nil
		}
	}
	instanceID, err = s.starter.StartSaga(ctx, d.ID, d.UserID, d.ObjectID, d.PriceEUR)
	if err != nil {
		if s.sagas != nil {
			_ = s.sagas.UpdateStatus(ctx, d.ID, saga.RecordFailed)
		}
		return "", false, err
	}
	if s.sagas != nil {
		if err := s.sagas.Attach(ctx, d.ID, instanceID, saga.RecordRunning); err != nil {
			s.logger.Warn("attach instance", zap.String("demand_id", d.ID), zap.Error(err))
		}
	}
	return instanceID, true, nil
}

// Confirm settles a pending demand by hand. Accepting rejects every other
// open demand on the same object. Only this demand's confirmation tasks are
// completed on the engine.
func (s *Service) Confirm(ctx context.Context, id string, accepted bool) (Demand, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Demand{}, err
	}
	if current.Status != StatusPending {
		return current, invalidState(id, current.Status, confirmTarget(accepted))
	}

	var (
		d        Demand
		rejected []string
	)
	if accepted {
		if err := s.transferOwnership(ctx, current); err != nil {
			return current, err
		}
		d, rejected, err = s.store.Accept(ctx, id, StatusPending)
	} else {
		d, err = s.store.Transition(ctx, id, StatusRejected, StatusPending)
	}
	if err != nil {
		return Demand{}, err
	}
	log := s.logger.With(zap.String("demand_id", id))
	log.Info("demand confirmed", zap.Bool("accepted", accepted), zap.Strings("rejected_siblings", rejected))

	if accepted {
		s.publishEvent(ctx, id, saga.EventDemandConfirmed, d, map[string]any{"rejected": rejected})
	}
	s.settleEngineTasks(ctx, d, accepted)
	return d, nil
}

// transferOwnership writes the owner before the demand is accepted, so an
// object already owned by someone else is never sold twice.
func (s *Service) transferOwnership(ctx context.Context, d Demand) error {
	if s.objects == nil {
		return nil
	}
	_, err := s.objects.TransferOwnership(ctx, d.ID, d.ObjectID, d.UserID)
	switch {
	case errors.Is(err, object.ErrOwnershipConflict), errors.Is(err, object.ErrNotFound):
		s.metrics.Incr("confirm.object_unavailable")
		return fmt.Errorf("%w: demand %s cannot become %s: %w", ErrInvalidState, d.ID, StatusAccepted, err)
	case err != nil:
		return fmt.Errorf("transfer %s to %s: %w", d.ObjectID, d.UserID, err)
	}
	return nil
}

func confirmTarget(accepted bool) Status {
	if accepted {
		return StatusAccepted
	}
	return StatusRejected
}

func (s *Service) settleEngineTasks(ctx context.Context, d Demand, accepted bool) {
	if s.tasks == nil {
		return
	}
	log := s.logger.With(zap.String("demand_id", d.ID))
	tasks, err := s.tasks.ListUserTasks(ctx, workflow.UserTaskQuery{BusinessKey: d.ID})
	if err != nil {
		log.Warn("list confirmation tasks", zap.Error(err))
		s.metrics.Incr("confirm.engine_errors")
		return
	}
	vars := workflow.Variables{saga.VarOfferAccepted: workflow.Bool(accepted)}
	for _, t := range tasks {
		if t.Assignee == "" {
			if err := s.tasks.Claim(ctx, t.ID, d.UserID); err != nil && !workflow.IsLostRace(err) {
				log.Warn("claim confirmation task", zap.String("task_id", t.ID), zap.Error(err))
			}
		}
		if err := s.tasks.CompleteUserTask(ctx, t.ID, vars); err != nil && !workflow.IsLostRace(err) {
			log.Warn("complete confirmation task", zap.String("task_id", t.ID), zap.Error(err))
			s.metrics.Incr("confirm.engine_errors")
		}
	}
}

// Delete removes a demand and cancels any saga instance still running for it.
func (s *Service) Delete(ctx context.Context, id string) error {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if !d.Status.Terminal() && s.tasks != nil {
		instances, err := s.tasks.ListInstances(ctx, id)
		if err != nil {
			s.logger.Warn("list instances for deleted demand", zap.String("demand_id", id), zap.Error(err))
		}
		for _, inst := range instances {
			if inst.Ended {
				continue
			}
			if err := s.tasks.DeleteInstance(ctx, inst.ID, "demand deleted"); err != nil && !workflow.IsLostRace(err) {
				s.logger.Warn("delete instance", zap.String("demand_id", id), zap.String("instance_id", inst.ID), zap.Error(err))
			}
		}
	}
	s.publishEvent(ctx, id, saga.EventDemandDeleted, d, nil)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Demand, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Demand, error) {
	return s.store.List(ctx, f)
}

// UserTasks lists confirmation tasks assigned to userID.
func (s *Service) UserTasks(ctx context.Context, userID string) ([]workflow.UserTask, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if s.tasks == nil {
		return nil, fmt.Errorf("%w: no task engine configured", workflow.ErrEngineUnavailable)
	}
	return s.tasks.ListUserTasks(ctx, workflow.UserTaskQuery{Assignee: userID})
}

// CompleteUserTask completes a confirmation task with plain values, which
// are sent untyped for the engine to infer.
func (s *Service) CompleteUserTask(ctx context.Context, taskID string, values map[string]any) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidRequest)
	}
	if s.tasks == nil {
		return fmt.Errorf("%w: no task engine configured", workflow.ErrEngineUnavailable)
	}
	vars := make(workflow.Variables, len(values))
	for k, v := range values {
		vars[k] = workflow.Variable{Value: v}
	}
	return s.tasks.CompleteUserTask(ctx, taskID, vars)
}

// busDown reports an open bus breaker; best-effort events are skipped then.
func (s *Service) busDown() bool {
	return s.breaker.State() == reliability.StateOpen
}

func (s *Service) publishStatus(ctx context.Context, demandID, status string, details map[string]any) {
	if s.busDown() {
		return
	}
	ev := saga.StatusEvent{DemandID: demandID, Status: status, Details: details, Timestamp: s.now().UTC()}
	if err := s.publisher.Publish(ctx, saga.TopicStatusUpdates, demandID, ev); err != nil {
		s.logger.Warn("publish status", zap.String("demand_id", demandID), zap.String("status", status), zap.Error(err))
	}
}

func (s *Service) publishEvent(ctx context.Context, demandID, eventType string, d Demand, extra map[string]any) {
	if s.busDown() {
		s.logger.Debug("bus down, skipping demand event", zap.String("demand_id", demandID), zap.String("event_type", eventType))
		return
	}
	data := map[string]any{
		"demand_id":          d.ID,
		"user_id":            d.UserID,
		"galactic_object_id": d.ObjectID,
		"price_eur":          d.PriceEUR,
		"status":             string(d.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	err := s.publisher.Publish(ctx, saga.TopicDemandEvents, demandID, saga.Envelope{EventType: eventType, Data: data})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("publish demand event", zap.String("demand_id", demandID), zap.String("event_type", eventType), zap.Error(err))
	}
}
