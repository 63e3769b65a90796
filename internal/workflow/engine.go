// Package workflow is the delegate to the external process engine: saga
// instances, leased external tasks and the human confirmation tasks.
package workflow

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEngineUnavailable wraps transport failures and 5xx responses.
	ErrEngineUnavailable = errors.New("workflow: engine unavailable")
	// ErrEngineRejected reports a request the engine refused, such as malformed variables.
	ErrEngineRejected = errors.New("workflow: engine rejected request")
	// ErrLeaseExpired reports a task no longer locked by the calling worker.
	ErrLeaseExpired = errors.New("workflow: task lease expired")
	// ErrTaskNotFound reports an unknown or already completed task.
	ErrTaskNotFound = errors.New("workflow: task not found")
)

// Task is an external task leased to one worker.
type Task struct {
	ID                string
	Topic             string
	WorkerID          string
	ProcessInstanceID string
	BusinessKey       string
	Variables         Variables
	LockExpiresAt     time.Time
}

// FetchRequest asks for up to MaxTasks unlocked tasks on one topic.
type FetchRequest struct {
	WorkerID     string
	Topic        string
	MaxTasks     int
	LockDuration time.Duration
	// LongPoll is how long the engine may hold the request open when no
	// task is available. Zero returns immediately.
	LongPoll time.Duration
}

// Failure reports a task that could not be executed. Retries of zero turns
// the failure into an incident.
type Failure struct {
	Message      string
	Details      string
	Retries      int
	RetryTimeout time.Duration
}

// UserTask is a human task such as offer confirmation.
type UserTask struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Assignee          string    `json:"assignee,omitempty"`
	ProcessInstanceID string    `json:"processInstanceId"`
	BusinessKey       string    `json:"businessKey,omitempty"`
	Created           time.Time `json:"created"`
}

// UserTaskQuery filters user tasks; empty fields match everything.
type UserTaskQuery struct {
	Assignee    string
	BusinessKey string
}

// Instance is a running process instance.
type Instance struct {
	ID          string `json:"id"`
	BusinessKey string `json:"businessKey"`
	Ended       bool   `json:"ended"`
}

// Engine is the engine surface consumed by the saga.
type Engine interface {
	StartInstance(ctx context.Context, processKey, businessKey string, vars Variables) (string, error)
	FetchAndLock(ctx context.Context, req FetchRequest) ([]Task, error)
	Complete(ctx context.Context, taskID, workerID string, vars Variables) error
	Fail(ctx context.Context, taskID, workerID string, f Failure) error

	ListUserTasks(ctx context.Context, q UserTaskQuery) ([]UserTask, error)
	Claim(ctx context.Context, taskID, userID string) error
	CompleteUserTask(ctx context.Context, taskID string, vars Variables) error

	ListInstances(ctx context.Context, businessKey string) ([]Instance, error)
	DeleteInstance(ctx context.Context, instanceID, reason string) error
	Deploy(ctx context.Context, name string, resources map[string][]byte) (string, error)
}

// IsLostRace reports errors a worker should shrug off: someone else owns
// or finished the task.
func IsLostRace(err error) bool {
	return errors.Is(err, ErrLeaseExpired) || errors.Is(err, ErrTaskNotFound)
}
