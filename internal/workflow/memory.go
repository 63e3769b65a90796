package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"galaxymarket/internal/demand/saga"
)

// Process describes a sequential external-task process for the memory engine.
type Process struct {
	Key   string
	Steps []string
	// Outcomes names the boolean each step must set to true for the instance
	// to move on. A false outcome ends the instance.
	Outcomes map[string]string
	// ConfirmTask, when set, parks the instance on a user task assigned to
	// the requesting user after the last step.
	ConfirmTask string
}

// DemandProcess is the four-step demand saga.
func DemandProcess() Process {
	return Process{
		Key:      saga.ProcessKey,
		Steps:    saga.Steps,
		Outcomes: saga.OutcomeVar,
	}
}

// InstanceState is the memory engine's view of an instance.
type InstanceState string

const (
	InstanceActive    InstanceState = "active"
	InstanceCompleted InstanceState = "completed"
	InstanceIncident  InstanceState = "incident"
)

type memInstance struct {
	id          string
	businessKey string
	process     Process
	step        int
	vars        Variables
	state       InstanceState
	incident    string
}

type memTask struct {
	id          string
	topic       string
	instance    *memInstance
	workerID    string
	lockedUntil time.Time
	retries     int
	// availableAt delays retried tasks.
	availableAt time.Time
}

// MemoryEngine is an in-process engine: a FIFO task queue per topic with
// lease expiry. It runs processes registered with Register.
type MemoryEngine struct {
	mu        sync.Mutex
	now       func() time.Time
	processes map[string]Process
	instances map[string]*memInstance
	queues    map[string][]*memTask
	tasks     map[string]*memTask
	userTasks map[string]*UserTask
	deployed  []string
	wake      chan struct{}
}

func NewMemoryEngine(processes ...Process) *MemoryEngine {
	e := &MemoryEngine{
		now:       time.Now,
		processes: make(map[string]Process),
		instances: make(map[string]*memInstance),
		queues:    make(map[string][]*memTask),
		tasks:     make(map[string]*memTask),
		userTasks: make(map[string]*UserTask),
		wake:      make(chan struct{}),
	}
	for _, p := range processes {
		e.Register(p)
	}
	return e
}

// Register makes a process startable by its key.
func (e *MemoryEngine) Register(p Process) {
	e.mu.Lock()
	e.processes[p.Key] = p
	e.mu.Unlock()
}

func (e *MemoryEngine) StartInstance(ctx context.Context, processKey, businessKey string, vars Variables) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.processes[processKey]
	if !ok {
		return "", fmt.Errorf("%w: no process definition with key %q", ErrEngineRejected, processKey)
	}
	for name, v := range vars {
		if v.Value == nil {
			return "", fmt.Errorf("%w: variable %q has no value", ErrEngineRejected, name)
		}
	}
	inst := &memInstance{
		id:          uuid.NewString(),
		businessKey: businessKey,
		process:     p,
		vars:        Variables{}.merge(vars),
		state:       InstanceActive,
	}
	e.instances[inst.id] = inst
	e.advanceLocked(inst)
	return inst.id, nil
}

// FetchAndLock leases up to MaxTasks tasks on the topic in FIFO order. With a
// LongPoll it waits for work to appear or a lease to lapse.
func (e *MemoryEngine) FetchAndLock(ctx context.Context, req FetchRequest) ([]Task, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrEngineRejected)
	}
	var deadline <-chan time.Time
	if req.LongPoll > 0 {
		timer := time.NewTimer(req.LongPoll)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		e.mu.Lock()
		tasks := e.lockLocked(req)
		wake := e.wake
		e.mu.Unlock()
		if len(tasks) > 0 || deadline == nil {
			return tasks, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

func (e *MemoryEngine) lockLocked(req FetchRequest) []Task {
	now := e.now()
	limit := max(req.MaxTasks, 1)
	var out []Task
	for _, t := range e.queues[req.Topic] {
		if len(out) == limit {
			break
		}
		if now.Before(t.availableAt) {
			continue
		}
		if t.workerID != "" && now.Before(t.lockedUntil) {
			continue
		}
		t.workerID = req.WorkerID
		t.lockedUntil = now.Add(req.LockDuration)
		if req.LockDuration > 0 {
			time.AfterFunc(req.LockDuration, e.notify)
		}
		out = append(out, Task{
			ID:                t.id,
			Topic:             t.topic,
			WorkerID:          t.workerID,
			ProcessInstanceID: t.instance.id,
			BusinessKey:       t.instance.businessKey,
			Variables:         Variables{}.merge(t.instance.vars),
			LockExpiresAt:     t.lockedUntil,
		})
	}
	return out
}

func (e *MemoryEngine) Complete(ctx context.Context, taskID, workerID string, vars Variables) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.leasedLocked(taskID, workerID)
	if err != nil {
		return err
	}
	e.removeTaskLocked(t)
	inst := t.instance
	inst.vars = inst.vars.merge(vars)
	if outcome, ok := inst.process.Outcomes[t.topic]; ok && !inst.vars.Bool(outcome) {
		inst.state = InstanceCompleted
		return nil
	}
	inst.step++
	e.advanceLocked(inst)
	return nil
}

func (e *MemoryEngine) Fail(ctx context.Context, taskID, workerID string, f Failure) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.leasedLocked(taskID, workerID)
	if err != nil {
		return err
	}
	if f.Retries > 0 {
		t.retries = f.Retries
		t.workerID = ""
		t.lockedUntil = time.Time{}
		t.availableAt = e.now().Add(f.RetryTimeout)
		if f.RetryTimeout > 0 {
			time.AfterFunc(f.RetryTimeout, e.notify)
		}
		return nil
	}
	e.removeTaskLocked(t)
	t.instance.state = InstanceIncident
	t.instance.incident = f.Message
	return nil
}

func (e *MemoryEngine) ListUserTasks(ctx context.Context, q UserTaskQuery) ([]UserTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []UserTask
	for _, ut := range e.userTasks {
		if q.Assignee != "" && ut.Assignee != q.Assignee {
			continue
		}
		if q.BusinessKey != "" && ut.BusinessKey != q.BusinessKey {
			continue
		}
		out = append(out, *ut)
	}
	return out, nil
}

func (e *MemoryEngine) Claim(ctx context.Context, taskID, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ut, ok := e.userTasks[taskID]
	if !ok {
		return fmt.Errorf("%w: user task %s", ErrTaskNotFound, taskID)
	}
	if ut.Assignee != "" && ut.Assignee != userID {
		return fmt.Errorf("%w: task %s already claimed by %s", ErrLeaseExpired, taskID, ut.Assignee)
	}
	ut.Assignee = userID
	return nil
}

func (e *MemoryEngine) CompleteUserTask(ctx context.Context, taskID string, vars Variables) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ut, ok := e.userTasks[taskID]
	if !ok {
		return fmt.Errorf("%w: user task %s", ErrTaskNotFound, taskID)
	}
	delete(e.userTasks, taskID)
	if inst, ok := e.instances[ut.ProcessInstanceID]; ok {
		inst.vars = inst.vars.merge(vars)
		inst.state = InstanceCompleted
	}
	return nil
}

func (e *MemoryEngine) ListInstances(ctx context.Context, businessKey string) ([]Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Instance
	for _, inst := range e.instances {
		if businessKey != "" && inst.businessKey != businessKey {
			continue
		}
		out = append(out, Instance{ID: inst.id, BusinessKey: inst.businessKey, Ended: inst.state == InstanceCompleted})
	}
	return out, nil
}

func (e *MemoryEngine) DeleteInstance(ctx context.Context, instanceID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: instance %s", ErrTaskNotFound, instanceID)
	}
	for _, t := range e.tasks {
		if t.instance == inst {
			e.removeTaskLocked(t)
		}
	}
	for id, ut := range e.userTasks {
		if ut.ProcessInstanceID == instanceID {
			delete(e.userTasks, id)
		}
	}
	delete(e.instances, instanceID)
	return nil
}

// Deploy records the deployment; processes are registered in code.
func (e *MemoryEngine) Deploy(ctx context.Context, name string, resources map[string][]byte) (string, error) {
	if len(resources) == 0 {
		return "", fmt.Errorf("%w: deployment %q has no resources", ErrEngineRejected, name)
	}
	e.mu.Lock()
	e.deployed = append(e.deployed, name)
	e.mu.Unlock()
	return uuid.NewString(), nil
}

// InstanceState reports the state and variables of an instance.
func (e *MemoryEngine) InstanceState(instanceID string) (InstanceState, Variables, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return "", nil, false
	}
	return inst.state, Variables{}.merge(inst.vars), true
}

// advanceLocked queues the instance's current step, parks it on the confirm
// task, or completes it.
func (e *MemoryEngine) advanceLocked(inst *memInstance) {
	p := inst.process
	if inst.step < len(p.Steps) {
		t := &memTask{id: uuid.NewString(), topic: p.Steps[inst.step], instance: inst}
		e.tasks[t.id] = t
		e.queues[t.topic] = append(e.queues[t.topic], t)
		e.notifyLocked()
		return
	}
	if p.ConfirmTask != "" {
		assignee, _ := inst.vars.String(saga.VarUserID)
		ut := &UserTask{
			ID:                uuid.NewString(),
			Name:              p.ConfirmTask,
			Assignee:          assignee,
			ProcessInstanceID: inst.id,
			BusinessKey:       inst.businessKey,
			Created:           e.now(),
		}
		e.userTasks[ut.ID] = ut
		return
	}
	inst.state = InstanceCompleted
}

func (e *MemoryEngine) leasedLocked(taskID, workerID string) (*memTask, error) {
	t, ok := e.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.workerID != workerID || !e.now().Before(t.lockedUntil) {
		return nil, fmt.Errorf("%w: task %s is not locked by worker %s", ErrLeaseExpired, taskID, workerID)
	}
	return t, nil
}

func (e *MemoryEngine) removeTaskLocked(t *memTask) {
	delete(e.tasks, t.id)
	q := e.queues[t.topic]
	for i, qt := range q {
		if qt == t {
			e.queues[t.topic] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
}

func (e *MemoryEngine) notify() {
	e.mu.Lock()
	e.notifyLocked()
	e.mu.Unlock()
}

func (e *MemoryEngine) notifyLocked() {
	close(e.wake)
	e.wake = make(chan struct{})
}
