package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"galaxymarket/internal/demand/saga"
)

func demandVars(demandID string) Variables {
	return Variables{
		saga.VarDemandID: String(demandID),
		saga.VarUserID:   String("user-1"),
		saga.VarObjectID: String("object-1"),
		saga.VarPrice:    Double(100),
	}
}

func TestMemoryEngine_ConcurrentFetchNeverSharesTask(t *testing.T) {
	engine := NewMemoryEngine(DemandProcess())
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if _, err := engine.StartInstance(ctx, saga.ProcessKey, fmt.Sprintf("d-%d", i), demandVars(fmt.Sprintf("d-%d", i))); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				tasks, err := engine.FetchAndLock(ctx, FetchRequest{WorkerID: worker, Topic: saga.StepValidateDemand, MaxTasks: 3, LockDuration: time.Minute})
				if err != nil {
					t.Errorf("fetch: %v", err)
					return
				}
				if len(tasks) == 0 {
					return
				}
				mu.Lock()
				for _, task := range tasks {
					if other, dup := seen[task.ID]; dup {
						t.Errorf("task %s handed to %s and %s", task.ID, other, worker)
					}
					seen[task.ID] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("expected 50 distinct tasks, got %d", len(seen))
	}
}

func TestMemoryEngine_LeaseExpiryHandsTaskOver(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	engine := NewMemoryEngine(DemandProcess())
	engine.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := engine.StartInstance(ctx, saga.ProcessKey, "d-1", demandVars("d-1")); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := engine.FetchAndLock(ctx, FetchRequest{WorkerID: "a", Topic: saga.StepValidateDemand, MaxTasks: 1, LockDuration: 10 * time.Second})
	if len(first) != 1 {
		t.Fatalf("expected a task")
	}
	if again, _ := engine.FetchAndLock(ctx, FetchRequest{WorkerID: "b", Topic: saga.StepValidateDemand, MaxTasks: 1, LockDuration: 10 * time.Second}); len(again) != 0 {
		t.Fatalf("expected locked task to be withheld, got %v", again)
	}

	now = now.Add(11 * time.Second)
	taken, _ := engine.FetchAndLock(ctx, FetchRequest{WorkerID: "b", Topic: saga.StepValidateDemand, MaxTasks: 1, LockDuration: 10 * time.Second})
	if len(taken) != 1 || taken[0].ID != first[0].ID {
		t.Fatalf("expected expired task to move to b, got %v", taken)
	}

	err := engine.Complete(ctx, first[0].ID, "a", Variables{saga.VarIsValid: Bool(true)})
	if !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("expected lease expired for a, got %v", err)
	}
	if err := engine.Complete(ctx, first[0].ID, "b", Variables{saga.VarIsValid: Bool(true)}); err != nil {
		t.Fatalf("complete by b: %v", err)
	}
	if err := engine.Complete(ctx, first[0].ID, "b", nil); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected task not found on second completion, got %v", err)
	}
}

func TestMemoryEngine_RunsStepsInOrderAndStopsOnFalseOutcome(t *testing.T) {
	engine := NewMemoryEngine(DemandProcess())
	ctx := context.Background()
	id, err := engine.StartInstance(ctx, saga.ProcessKey, "d-1", demandVars("d-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	complete := func(topic string, vars Variables) {
		t.Helper()
		tasks, err := engine.FetchAndLock(ctx, FetchRequest{WorkerID: "w", Topic: topic, MaxTasks: 1, LockDuration: time.Minute})
		if err != nil || len(tasks) != 1 {
			t.Fatalf("fetch %s: %v %v", topic, tasks, err)
		}
		if got, _ := tasks[0].Variables.String(saga.VarDemandID); got != "d-1" {
			t.Fatalf("expected demand variable, got %q", got)
		}
		if err := engine.Complete(ctx, tasks[0].ID, "w", vars); err != nil {
			t.Fatalf("complete %s: %v", topic, err)
		}
	}

	complete(saga.StepValidateDemand, Variables{saga.VarIsValid: Bool(true)})
	complete(saga.StepCheckObject, Variables{saga.VarIsAvailable: Bool(false)})

	state, vars, ok := engine.InstanceState(id)
	if !ok || state != InstanceCompleted {
		t.Fatalf("expected instance to end, got %s", state)
	}
	if vars.Bool(saga.VarIsAvailable) {
		t.Fatalf("expected outcome to be recorded")
	}
	if tasks, _ := engine.FetchAndLock(ctx, FetchRequest{WorkerID: "w", Topic: saga.StepCheckBalance, MaxTasks: 1, LockDuration: time.Minute}); len(tasks) != 0 {
		t.Fatalf("expected no balance task, got %v", tasks)
	}
}

func TestMemoryEngine_FailWithoutRetriesRaisesIncident(t *testing.T) {
	engine := NewMemoryEngine(DemandProcess())
	ctx := context.Background()
	id, _ := engine.StartInstance(ctx, saga.ProcessKey, "d-1", demandVars("d-1"))
	tasks, _ := engine.FetchAndLock(ctx, FetchRequest{WorkerID: "w", Topic: saga.StepValidateDemand, MaxTasks: 1, LockDuration: time.Minute})

	if err := engine.Fail(ctx, tasks[0].ID, "w", Failure{Message: "boom", Retries: 0}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	state, _, _ := engine.InstanceState(id)
	if state != InstanceIncident {
		t.Fatalf("expected incident, got %s", state)
	}
	if again, _ := engine.FetchAndLock(ctx, FetchRequest{WorkerID: "w", Topic: saga.StepValidateDemand, MaxTasks: 1, LockDuration: time.Minute}); len(again) != 0 {
		t.Fatalf("expected failed task to be gone")
	}
}

func TestMemoryEngine_LongPollWakesOnNewWork(t *testing.T) {
	engine := NewMemoryEngine(DemandProcess())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan []Task, 1)
	go func() {
		tasks, _ := engine.FetchAndLock(ctx, FetchRequest{WorkerID: "w", Topic: saga.StepValidateDemand, MaxTasks: 1, LockDuration: time.Minute, LongPoll: 3 * time.Second})
		got <- tasks
	}()
	time.Sleep(20 * time.Millisecond)
	if _, err := engine.StartInstance(ctx, saga.ProcessKey, "d-1", demandVars("d-1")); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case tasks := <-got:
		if len(tasks) != 1 {
			t.Fatalf("expected woken fetch to lock the new task, got %v", tasks)
		}
	case <-ctx.Done():
		t.Fatalf("long poll never returned")
	}
}

func TestMemoryEngine_ConfirmTaskAndInstances(t *testing.T) {
	p := DemandProcess()
	p.Steps = []string{saga.StepValidateDemand}
	p.ConfirmTask = "Confirm offer"
	engine := NewMemoryEngine(p)
	ctx := context.Background()

	id, _ := engine.StartInstance(ctx, saga.ProcessKey, "d-1", demandVars("d-1"))
	tasks, _ := engine.FetchAndLock(ctx, FetchRequest{WorkerID: "w", Topic: saga.StepValidateDemand, MaxTasks: 1, LockDuration: time.Minute})
	_ = engine.Complete(ctx, tasks[0].ID, "w", Variables{saga.VarIsValid: Bool(true)})

	userTasks, _ := engine.ListUserTasks(ctx, UserTaskQuery{Assignee: "user-1"})
	if len(userTasks) != 1 || userTasks[0].BusinessKey != "d-1" {
		t.Fatalf("expected confirm task for user-1, got %v", userTasks)
	}
	if err := engine.Claim(ctx, userTasks[0].ID, "user-2"); !errors.Is(err, ErrLeaseExpired) || !IsLostRace(err) {
		t.Fatalf("expected claim by another user to be a lost race, got %v", err)
	}
	if err := engine.CompleteUserTask(ctx, userTasks[0].ID, Variables{saga.VarOfferAccepted: Bool(true)}); err != nil {
		t.Fatalf("complete user task: %v", err)
	}
	state, vars, _ := engine.InstanceState(id)
	if state != InstanceCompleted || !vars.Bool(saga.VarOfferAccepted) {
		t.Fatalf("unexpected instance state %s %v", state, vars)
	}

	if err := engine.DeleteInstance(ctx, id, "cleanup"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if instances, _ := engine.ListInstances(ctx, "d-1"); len(instances) != 0 {
		t.Fatalf("expected no instances, got %v", instances)
	}
}

func TestMemoryEngine_RejectsUnknownProcess(t *testing.T) {
	engine := NewMemoryEngine()
	_, err := engine.StartInstance(context.Background(), "missing", "d-1", nil)
	if !errors.Is(err, ErrEngineRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}
