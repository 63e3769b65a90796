package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Step is one entry of a saga's recorded trail.
type Step struct {
	Step   string
	Detail string
	At     time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	keys    map[string]string
	records map[string]Record
	steps   map[string][]Step
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:    make(map[string]string),
		records: make(map[string]Record),
		steps:   make(map[string][]Step),
	}
}

func (s *MemoryStore) Start(ctx context.Context, idempotencyKey string, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if demandID, ok := s.keys[idempotencyKey]; ok {
		existing := s.records[demandID]
		if !samePayload(existing, rec) {
			return Record{}, false, ErrIdempotencyConflict
		}
		return existing, false, nil
	}
	if rec.Status == "" {
		rec.Status = RecordStarted
	}
	s.keys[idempotencyKey] = rec.DemandID
	s.records[rec.DemandID] = rec
	return rec, true, nil
}

func (s *MemoryStore) Attach(ctx context.Context, demandID, instanceID string, status RecordStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[demandID]
	if !ok {
		return fmt.Errorf("saga %s not found", demandID)
	}
	rec.InstanceID = instanceID
	rec.Status = status
	s.records[demandID] = rec
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, demandID string, status RecordStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[demandID]
	if !ok {
		return fmt.Errorf("saga %s not found", demandID)
	}
	rec.Status = status
	s.records[demandID] = rec
	return nil
}

func (s *MemoryStore) AddStep(ctx context.Context, demandID, step, detail string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[demandID] = append(s.steps[demandID], Step{Step: step, Detail: detail, At: at})
	return nil
}

// Record returns the saga row for demandID.
func (s *MemoryStore) Record(demandID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[demandID]
	return rec, ok
}

// Steps returns the recorded trail for demandID.
func (s *MemoryStore) Steps(demandID string) []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Step(nil), s.steps[demandID]...)
}

func samePayload(a, b Record) bool {
	return a.DemandID == b.DemandID && a.UserID == b.UserID && a.ObjectID == b.ObjectID && a.Price == b.Price
}
