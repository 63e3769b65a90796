package object

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps objects, the per-demand transfer ledger and balances in
// process.
type MemoryStore struct {
	mu        sync.Mutex
	objects   map[string]Object
	transfers map[string]string
	balances  map[string]float64
	writes    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:   make(map[string]Object),
		transfers: make(map[string]string),
		balances:  make(map[string]float64),
	}
}

// Put adds or replaces an object.
func (s *MemoryStore) Put(o Object) {
	s.mu.Lock()
	s.objects[o.ID] = o
	s.mu.Unlock()
}

// SetBalance sets a user's balance.
func (s *MemoryStore) SetBalance(userID string, eur float64) {
	s.mu.Lock()
	s.balances[userID] = eur
	s.mu.Unlock()
}

// OwnerWrites counts owner field writes.
func (s *MemoryStore) OwnerWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o, nil
}

func (s *MemoryStore) TransferOwnership(ctx context.Context, demandID, objectID, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.transfers[demandID]; done {
		return false, nil
	}
	o, ok := s.objects[objectID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, objectID)
	}
	if o.OwnerID != "" && o.OwnerID != ownerID {
		return false, fmt.Errorf("%w: %s owned by %s", ErrOwnershipConflict, objectID, o.OwnerID)
	}
	s.transfers[demandID] = objectID
	if o.OwnerID == ownerID {
		return false, nil
	}
	o.OwnerID = ownerID
	s.objects[objectID] = o
	s.writes++
	return true, nil
}

func (s *MemoryStore) Balance(ctx context.Context, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return b, nil
}
