// Package observability keeps in-process operation metrics for the demand
// service and serves them as JSON.
package observability

import (
	"maps"
	"sync"
	"time"
)

// OperationSnapshot summarizes one named operation.
type OperationSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                        `json:"uptime_sec"`
	TotalCalls      int64                        `json:"total_calls"`
	TotalErrors     int64                        `json:"total_errors"`
	InFlight        int64                        `json:"in_flight"`
	RateLimitWaits  int64                        `json:"rate_limit_waits"`
	RateLimitWaitMs int64                        `json:"rate_limit_wait_ms"`
	Counters        map[string]int64             `json:"counters"`
	Operations      map[string]OperationSnapshot `json:"operations"`
	Lifecycle       *LifecycleSnapshot           `json:"lifecycle,omitempty"`
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

type opStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics is safe for concurrent use; a nil *Metrics records nothing.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	now            func() time.Time
	ops            map[string]*opStats
	counters       map[string]int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	shutdownAt     time.Time
	shutdownFlight int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		now:      time.Now,
		ops:      make(map[string]*opStats),
		counters: make(map[string]int64),
	}
}

// Span is an in-flight operation started by Metrics.Start.
type Span struct {
	metrics *Metrics
	op      string
	start   time.Time
}

// Start marks op as in flight until End is called.
func (m *Metrics) Start(op string) *Span {
	if m == nil {
		return &Span{}
	}
	m.mu.Lock()
	m.stats(op).inFlight++
	start := m.now()
	m.mu.Unlock()
	return &Span{metrics: m, op: op, start: start}
}

// End records the span's latency, counting err as a failure.
func (s *Span) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	m := s.metrics
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats(s.op)
	st.inFlight--
	st.record(m.now().Sub(s.start), err)
}

// Observe records a finished operation whose name is only known once it
// completed, such as a routed HTTP request.
func (m *Metrics) Observe(op string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats(op).record(dur, err)
}

func (st *opStats) record(dur time.Duration, err error) {
	st.count++
	if err != nil {
		st.errors++
	}
	st.totalLatency += dur
	st.maxLatency = max(st.maxLatency, dur)
	st.lastLatency = dur
}

// Incr bumps a named counter such as a fallback or a lost task.
func (m *Metrics) Incr(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters[name]++
	m.mu.Unlock()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.shutdownAt = m.now()
	m.shutdownFlight = inflight
	m.mu.Unlock()
}

// InFlight sums in-flight spans across operations.
func (m *Metrics) InFlight() int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, st := range m.ops {
		n += st.inFlight
	}
	return n
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(m.now().Sub(m.start).Seconds()),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: m.rateLimitWait.Milliseconds(),
		Counters:        maps.Clone(m.counters),
		Operations:      make(map[string]OperationSnapshot, len(m.ops)),
	}
	for op, st := range m.ops {
		avg := 0.0
		if st.count > 0 {
			avg = float64(st.totalLatency.Milliseconds()) / float64(st.count)
		}
		snap.Operations[op] = OperationSnapshot{
			Count:         st.count,
			Errors:        st.errors,
			InFlight:      st.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(st.maxLatency.Milliseconds()),
			LastLatencyMs: float64(st.lastLatency.Milliseconds()),
		}
		snap.TotalCalls += st.count
		snap.TotalErrors += st.errors
		snap.InFlight += st.inFlight
	}
	if !m.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.shutdownAt,
			InFlightAtShutdown: m.shutdownFlight,
		}
	}
	return snap
}

func (m *Metrics) stats(op string) *opStats {
	st, ok := m.ops[op]
	if !ok {
		st = &opStats{}
		m.ops[op] = st
	}
	return st
}
