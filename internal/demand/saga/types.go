// Package saga names the topics, status labels and engine variables that the
// demand-fulfillment saga's participants share.
package saga

import (
	"context"
	"errors"
	"time"
)

// Bus topics.
const (
	TopicDemandRequests = "demand-requests"
	TopicStatusUpdates  = "demand-status-updates"
	TopicDemandEvents   = "demand-events"
)

// ProcessKey is the engine process definition started for every demand.
const ProcessKey = "galactic_market_demand"

// Engine task topics, one per saga step.
const (
	StepValidateDemand  = "validate_demand"
	StepCheckObject     = "check_object_availability"
	StepCheckBalance    = "check_user_balance"
	StepUpdateOwnership = "update_ownership"
)

// Steps lists the task topics in execution order.
var Steps = []string{StepValidateDemand, StepCheckObject, StepCheckBalance, StepUpdateOwnership}

// Engine variable names.
const (
	VarDemandID         = "demandId"
	VarUserID           = "userId"
	VarObjectID         = "objectId"
	VarPrice            = "price"
	VarIsValid          = "isValid"
	VarIsAvailable      = "isAvailable"
	VarHasBalance       = "hasBalance"
	VarOwnershipUpdated = "ownershipUpdated"
	VarOfferAccepted    = "offerAccepted"
)

// OutcomeVar maps a step to the boolean it reports on completion.
var OutcomeVar = map[string]string{
	StepValidateDemand:  VarIsValid,
	StepCheckObject:     VarIsAvailable,
	StepCheckBalance:    VarHasBalance,
	StepUpdateOwnership: VarOwnershipUpdated,
}

// Status labels carried on demand-status-updates. The trail is append-only.
const (
	StatusSubmitted         = "submitted_to_kafka"
	StatusProcessStarted    = "process_started"
	StatusValidating        = "validating_demand"
	StatusDemandValid       = "demand_valid"
	StatusDemandInvalid     = "demand_invalid"
	StatusCheckingObject    = "checking_object"
	StatusObjectAvailable   = "object_available"
	StatusObjectUnavailable = "object_unavailable"
	StatusCheckingBalance   = "checking_balance"
	StatusBalanceOK         = "balance_sufficient"
	StatusBalanceLow        = "balance_insufficient"
	StatusUpdatingOwnership = "updating_ownership"
	StatusOwnershipUpdated  = "ownership_updated"
	StatusProcessCompleted  = "process_completed"
	StatusError             = "error"
)

// RejectingStatuses end a saga with the demand rejected.
var RejectingStatuses = map[string]bool{
	StatusDemandInvalid:     true,
	StatusObjectUnavailable: true,
	StatusBalanceLow:        true,
}

// Event types carried in the demand-events envelope.
const (
	EventDemandCreated    = "demand_created"
	EventDemandConfirmed  = "demand_confirmed"
	EventOwnershipUpdated = "ownership_updated"
	EventDemandDeleted    = "demand_deleted"
)

// ActionCreate is the only action carried on demand-requests today.
const ActionCreate = "create"

// DemandRequest is the saga-start payload on demand-requests.
type DemandRequest struct {
	DemandID string  `json:"demandId"`
	UserID   string  `json:"userId"`
	ObjectID string  `json:"objectId"`
	PriceEUR float64 `json:"priceEur"`
	Action   string  `json:"action"`
}

// StatusEvent is one entry of a demand's progress trail.
type StatusEvent struct {
	DemandID  string         `json:"demandId"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Envelope wraps object-side events on demand-events.
type Envelope struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// RecordStatus tracks the saga row for a demand, not the demand itself.
type RecordStatus string

const (
	RecordStarted   RecordStatus = "started"
	RecordRunning   RecordStatus = "running"
	RecordCompleted RecordStatus = "completed"
	RecordFailed    RecordStatus = "failed"
)

// Record is a stored saga entry keyed by demand id.
type Record struct {
	DemandID   string
	UserID     string
	ObjectID   string
	Price      float64
	InstanceID string
	Status     RecordStatus
}

// Store persists saga idempotency keys and the step trail.
type Store interface {
	// Start inserts the saga row keyed by idempotencyKey. created is false
	// when the key already existed with the same payload.
	Start(ctx context.Context, idempotencyKey string, rec Record) (Record, bool, error)
	Attach(ctx context.Context, demandID, instanceID string, status RecordStatus) error
	UpdateStatus(ctx context.Context, demandID string, status RecordStatus) error
	AddStep(ctx context.Context, demandID, step, detail string, at time.Time) error
}

// ErrIdempotencyConflict reports a key reused with a different payload.
var ErrIdempotencyConflict = errors.New("saga: idempotency key reused with different payload")
