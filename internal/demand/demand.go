// Package demand owns purchase offers on galactic objects: submission,
// confirmation and the status rules every writer must respect.
package demand

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRequest  = errors.New("demand: invalid request")
	ErrInvalidState    = errors.New("demand: invalid state")
	ErrNotFound        = errors.New("demand: not found")
	ErrStorageConflict = errors.New("demand: storage conflict")
)

// Status is a demand's lifecycle position.
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusError
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusValidating, StatusAccepted, StatusRejected, StatusError:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusValidating, StatusAccepted, StatusRejected, StatusError},
	StatusValidating: {StatusAccepted, StatusRejected, StatusError},
}

// CanTransition reports whether from may move to to. Status only moves
// forward; terminal states have no exits.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources lists the statuses that may move to to.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusValidating} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Demand is a purchase offer on a galactic object.
type Demand struct {
	ID        string    `json:"uuid"`
	UserID    string    `json:"user_id"`
	ObjectID  string    `json:"galactic_object_id"`
	PriceEUR  float64   `json:"price_eur"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows List; empty fields match everything.
type Filter struct {
	UserID   string
	ObjectID string
	Status   Status
}

// Store persists demands. Implementations enforce the status rules
// atomically: a transition succeeds only from one of the given statuses.
type Store interface {
	Create(ctx context.Context, d Demand) error
	Get(ctx context.Context, id string) (Demand, error)
	List(ctx context.Context, f Filter) ([]Demand, error)
	// Transition moves id to to when its current status is in from.
	Transition(ctx context.Context, id string, to Status, from ...Status) (Demand, error)
	// Accept moves id to accepted when its status is in from and rejects
	// every other pending or validating demand on the same object in the
	// same unit of work. It returns the ids it rejected.
	Accept(ctx context.Context, id string, from ...Status) (Demand, []string, error)
	Delete(ctx context.Context, id string) error
}

func invalidState(id string, current Status, to Status) error {
	return fmt.Errorf("%w: demand %s is %s, cannot become %s", ErrInvalidState, id, current, to)
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
