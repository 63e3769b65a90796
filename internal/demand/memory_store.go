package demand

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps demands in process. Accept holds the store lock for the
// whole accept-and-reject-siblings step.
type MemoryStore struct {
	mu      sync.Mutex
	demands map[string]Demand
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{demands: make(map[string]Demand)}
}

func (s *MemoryStore) Create(ctx context.Context, d Demand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.demands[d.ID]; exists {
		return fmt.Errorf("%w: demand %s already exists", ErrStorageConflict, d.ID)
	}
	s.demands[d.ID] = d
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Demand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.demands[id]
	if !ok {
		return Demand{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Demand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Demand, 0, len(s.demands))
	for _, d := range s.demands {
		if f.UserID != "" && d.UserID != f.UserID {
			continue
		}
		if f.ObjectID != "" && d.ObjectID != f.ObjectID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, to Status, from ...Status) (Demand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.demands[id]
	if !ok {
		return Demand{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !contains(from, d.Status) || !CanTransition(d.Status, to) {
		return d, invalidState(id, d.Status, to)
	}
	d.Status = to
	s.demands[id] = d
	return d, nil
}

func (s *MemoryStore) Accept(ctx context.Context, id string, from ...Status) (Demand, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.demands[id]
	if !ok {
		return Demand{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !contains(from, d.Status) || !CanTransition(d.Status, StatusAccepted) {
		return d, nil, invalidState(id, d.Status, StatusAccepted)
	}
	for _, other := range s.demands {
		if other.ID != id && other.ObjectID == d.ObjectID && other.Status == StatusAccepted {
			return d, nil, fmt.Errorf("%w: object %s already accepted demand %s", ErrInvalidState, d.ObjectID, other.ID)
		}
	}

	d.Status = StatusAccepted
	s.demands[id] = d
	var rejected []string
	for otherID, other := range s.demands {
		if otherID == id || other.ObjectID != d.ObjectID {
			continue
		}
		if other.Status == StatusPending || other.Status == StatusValidating {
			other.Status = StatusRejected
			s.demands[otherID] = other
			rejected = append(rejected, otherID)
		}
	}
	sort.Strings(rejected)
	return d, rejected, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.demands[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.demands, id)
	return nil
}
