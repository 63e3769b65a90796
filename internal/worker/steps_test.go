package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"galaxymarket/internal/demand"
	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/object"
	"galaxymarket/internal/workflow"
)

func task(demandID, user, obj string, price float64) workflow.Task {
	return workflow.Task{
		ID:          "t-1",
		BusinessKey: demandID,
		Variables: workflow.Variables{
			saga.VarDemandID: workflow.String(demandID),
			saga.VarUserID:   workflow.String(user),
			saga.VarObjectID: workflow.String(obj),
			saga.VarPrice:    workflow.Double(price),
		},
	}
}

func TestValidateDemand_RejectsMismatchesAndTerminalDemands(t *testing.T) {
	ctx := context.Background()
	store := demand.NewMemoryStore()
	now := time.Now()
	_ = store.Create(ctx, demand.Demand{ID: "d-open", UserID: "u", ObjectID: "o", PriceEUR: 10, Status: demand.StatusPending, CreatedAt: now})
	_ = store.Create(ctx, demand.Demand{ID: "d-done", UserID: "u", ObjectID: "o", PriceEUR: 10, Status: demand.StatusRejected, CreatedAt: now})
	h := ValidateDemand{Demands: store}

	cases := []struct {
		name  string
		task  workflow.Task
		valid bool
	}{
		{"matching pending demand", task("d-open", "u", "o", 10), true},
		{"price differs", task("d-open", "u", "o", 11), false},
		{"terminal demand", task("d-done", "u", "o", 10), false},
		{"unknown demand", task("d-ghost", "u", "o", 10), false},
		{"negative price", task("d-open", "u", "o", -1), false},
		{"missing user", workflow.Task{BusinessKey: "d-open", Variables: workflow.Variables{saga.VarObjectID: workflow.String("o"), saga.VarPrice: workflow.Double(10)}}, false},
	}
	for _, tc := range cases {
		vars, err := h.Handle(ctx, tc.task)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if got := vars.Bool(saga.VarIsValid); got != tc.valid {
			t.Fatalf("%s: expected isValid=%v, got %v", tc.name, tc.valid, got)
		}
	}
}

type brokenBalances struct{}

func (brokenBalances) Balance(ctx context.Context, userID string) (float64, error) {
	return 0, errors.New("connection reset")
}

func TestCheckBalance_UnknownUserIsInsufficientButStoreErrorFails(t *testing.T) {
	ctx := context.Background()
	objects := object.NewMemoryStore()

	vars, err := CheckBalance{Balances: objects}.Handle(ctx, task("d-1", "ghost", "o", 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vars.Bool(saga.VarHasBalance) {
		t.Fatalf("unknown user must not have balance")
	}

	if _, err := (CheckBalance{Balances: brokenBalances{}}).Handle(ctx, task("d-1", "u", "o", 10)); err == nil {
		t.Fatalf("expected store error to fail the task")
	}
}

func TestCheckObject_OwnedObjectIsUnavailable(t *testing.T) {
	ctx := context.Background()
	objects := object.NewMemoryStore()
	objects.Put(object.Object{ID: "o-free"})
	objects.Put(object.Object{ID: "o-owned", OwnerID: "someone"})
	h := CheckObject{Objects: objects}

	for id, want := range map[string]bool{"o-free": true, "o-owned": false, "o-missing": false} {
		vars, err := h.Handle(ctx, task("d-1", "u", id, 10))
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if got := vars.Bool(saga.VarIsAvailable); got != want {
			t.Fatalf("%s: expected isAvailable=%v, got %v", id, want, got)
		}
	}
}

func TestUpdateOwnership_ReplayDoesNotWriteTwice(t *testing.T) {
	ctx := context.Background()
	objects := object.NewMemoryStore()
	objects.Put(object.Object{ID: "o"})
	h := UpdateOwnership{Objects: objects}

	for i := 0; i < 2; i++ {
		vars, err := h.Handle(ctx, task("d-1", "u", "o", 10))
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if !vars.Bool(saga.VarOwnershipUpdated) {
			t.Fatalf("attempt %d: expected ownershipUpdated", i)
		}
	}
	if objects.OwnerWrites() != 1 {
		t.Fatalf("expected one owner write, got %d", objects.OwnerWrites())
	}
}

func TestReadInput_FallsBackToBusinessKey(t *testing.T) {
	tk := task("", "u", "o", 10)
	delete(tk.Variables, saga.VarDemandID)
	tk.BusinessKey = "d-9"

	in, err := readInput(tk)
	if err != nil {
		t.Fatalf("readInput: %v", err)
	}
	if in.DemandID != "d-9" {
		t.Fatalf("expected business key fallback, got %q", in.DemandID)
	}

	if _, err := readInput(workflow.Task{}); !errors.Is(err, ErrMissingVariable) {
		t.Fatalf("expected missing variable, got %v", err)
	}
}
