// Package statusfeed follows demand-status-updates and fans each status out
// to the saga step log, the latest-status cache and live websocket clients.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"galaxymarket/internal/bus"
	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/observability"
)

// ErrNoStatus reports a demand with no recorded status.
var ErrNoStatus = errors.New("statusfeed: no status recorded")

// Sink records one status event.
type Sink interface {
	Record(ctx context.Context, ev saga.StatusEvent) error
}

// LatestReader answers the current status of a demand.
type LatestReader interface {
	Latest(ctx context.Context, demandID string) (saga.StatusEvent, error)
}

// Broadcaster pushes a message to live clients watching demandID.
type Broadcaster interface {
	Publish(demandID string, msg []byte)
}

// MultiSink writes to multiple sinks in order.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Record forwards to each sink, collecting errors so all sinks get a chance to write.
func (m *MultiSink) Record(ctx context.Context, ev saga.StatusEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StepRecorder is the saga store's append-only trail.
type StepRecorder interface {
	AddStep(ctx context.Context, demandID, step, detail string, at time.Time) error
}

// TrailSink appends statuses to the saga step log.
type TrailSink struct {
	steps StepRecorder
}

func NewTrailSink(steps StepRecorder) *TrailSink {
	return &TrailSink{steps: steps}
}

func (s *TrailSink) Record(ctx context.Context, ev saga.StatusEvent) error {
	detail, err := encodeDetails(ev.Details)
	if err != nil {
		return err
	}
	return s.steps.AddStep(ctx, ev.DemandID, ev.Status, detail, ev.Timestamp.UTC())
}

// MemoryLatest keeps the newest status per demand in process.
type MemoryLatest struct {
	mu     sync.RWMutex
	latest map[string]saga.StatusEvent
}

func NewMemoryLatest() *MemoryLatest {
	return &MemoryLatest{latest: make(map[string]saga.StatusEvent)}
}

func (m *MemoryLatest) Record(ctx context.Context, ev saga.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Statuses for one demand arrive in publish order.
	m.latest[ev.DemandID] = ev
	return nil
}

func (m *MemoryLatest) Latest(ctx context.Context, demandID string) (saga.StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.latest[demandID]
	if !ok {
		return saga.StatusEvent{}, fmt.Errorf("%w: %s", ErrNoStatus, demandID)
	}
	return ev, nil
}

// Feed consumes the status topic.
type Feed struct {
	sink        Sink
	broadcaster Broadcaster
	metrics     *observability.Metrics
	logger      *zap.Logger
}

func NewFeed(sink Sink, broadcaster Broadcaster, metrics *observability.Metrics, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{sink: sink, broadcaster: broadcaster, metrics: metrics, logger: logger}
}

func (f *Feed) Run(ctx context.Context, sub bus.Subscriber, group string) error {
	return sub.Subscribe(ctx, saga.TopicStatusUpdates, group, bus.JSON(f.Handle))
}

// Handle stores ev and then broadcasts it. A storage error is returned so
// the status is redelivered; the broadcast happens regardless.
func (f *Feed) Handle(ctx context.Context, ev saga.StatusEvent) (err error) {
	span := f.metrics.Start("statusfeed.record")
	defer func() { span.End(err) }()

	if ev.DemandID == "" || ev.Status == "" {
		return fmt.Errorf("%w: status event without demandId or status", bus.ErrSerialization)
	}
	if f.sink != nil {
		if err = f.sink.Record(ctx, ev); err != nil {
			f.logger.Warn("record status", zap.String("demand_id", ev.DemandID), zap.String("status", ev.Status), zap.Error(err))
		}
	}
	if f.broadcaster != nil {
		payload := struct {
			Type string `json:"type"`
			saga.StatusEvent
		}{Type: "status", StatusEvent: ev}
		data, merr := json.Marshal(payload)
		if merr != nil {
			return errors.Join(err, merr)
		}
		f.broadcaster.Publish(ev.DemandID, data)
	}
	return err
}
