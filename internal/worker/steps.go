package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"galaxymarket/internal/demand"
	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/object"
	"galaxymarket/internal/workflow"
)

// DemandLookup reads the stored demand a task refers to.
type DemandLookup interface {
	Get(ctx context.Context, id string) (demand.Demand, error)
}

// taskInput is the common variable set every saga task carries.
type taskInput struct {
	DemandID string
	UserID   string
	ObjectID string
	Price    float64
}

func readInput(task workflow.Task) (taskInput, error) {
	var in taskInput
	var missing []string
	var err error
	if in.DemandID, err = task.Variables.String(saga.VarDemandID); err != nil {
		in.DemandID = task.BusinessKey
	}
	if in.DemandID == "" {
		missing = append(missing, saga.VarDemandID)
	}
	if in.UserID, err = task.Variables.String(saga.VarUserID); err != nil || in.UserID == "" {
		missing = append(missing, saga.VarUserID)
	}
	if in.ObjectID, err = task.Variables.String(saga.VarObjectID); err != nil || in.ObjectID == "" {
		missing = append(missing, saga.VarObjectID)
	}
	if in.Price, err = task.Variables.Float(saga.VarPrice); err != nil {
		missing = append(missing, saga.VarPrice)
	}
	if len(missing) > 0 {
		return in, fmt.Errorf("%w: %s", ErrMissingVariable, strings.Join(missing, ", "))
	}
	return in, nil
}

func outcome(step string, ok bool) workflow.Variables {
	return workflow.Variables{saga.OutcomeVar[step]: workflow.Bool(ok)}
}

// ValidateDemand checks the task's variables against the stored demand.
type ValidateDemand struct {
	Demands DemandLookup
	Status  *Emitter
}

func (ValidateDemand) Topic() string { return saga.StepValidateDemand }

func (h ValidateDemand) Handle(ctx context.Context, task workflow.Task) (workflow.Variables, error) {
	demandID := demandIDOf(task)
	h.Status.Emit(ctx, demandID, saga.StatusValidating, map[string]any{"message": "Validating demand"})

	reason, err := h.invalidReason(ctx, task)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		h.Status.Emit(ctx, demandID, saga.StatusDemandInvalid, map[string]any{"message": "Demand is invalid", "reason": reason})
		return outcome(saga.StepValidateDemand, false), nil
	}
	h.Status.Emit(ctx, demandID, saga.StatusDemandValid, map[string]any{"message": "Demand is valid"})
	return outcome(saga.StepValidateDemand, true), nil
}

// invalidReason returns a non-empty reason for a demand that must not go on.
func (h ValidateDemand) invalidReason(ctx context.Context, task workflow.Task) (string, error) {
	in, err := readInput(task)
	if err != nil {
		return err.Error(), nil
	}
	if in.Price < 0 {
		return "negative price", nil
	}
	if h.Demands == nil {
		return "", nil
	}
	d, err := h.Demands.Get(ctx, in.DemandID)
	switch {
	case errors.Is(err, demand.ErrNotFound):
		return "demand not found", nil
	case err != nil:
		return "", fmt.Errorf("load demand %s: %w", in.DemandID, err)
	}
	if d.Status.Terminal() {
		return "demand is already " + string(d.Status), nil
	}
	if d.UserID != in.UserID || d.ObjectID != in.ObjectID || d.PriceEUR != in.Price {
		return "task variables do not match the stored demand", nil
	}
	return "", nil
}

// CheckObject reports whether the object is still unowned.
type CheckObject struct {
	Objects object.Store
	Status  *Emitter
}

func (CheckObject) Topic() string { return saga.StepCheckObject }

func (h CheckObject) Handle(ctx context.Context, task workflow.Task) (workflow.Variables, error) {
	in, err := readInput(task)
	if err != nil {
		return nil, err
	}
	h.Status.Emit(ctx, in.DemandID, saga.StatusCheckingObject, map[string]any{"galactic_object_id": in.ObjectID})

	obj, err := h.Objects.Get(ctx, in.ObjectID)
	switch {
	case errors.Is(err, object.ErrNotFound):
		h.Status.Emit(ctx, in.DemandID, saga.StatusObjectUnavailable, map[string]any{"reason": "not_found"})
		return outcome(saga.StepCheckObject, false), nil
	case err != nil:
		return nil, fmt.Errorf("load object %s: %w", in.ObjectID, err)
	}
	if !obj.Available() {
		h.Status.Emit(ctx, in.DemandID, saga.StatusObjectUnavailable, map[string]any{"reason": "owned"})
		return outcome(saga.StepCheckObject, false), nil
	}
	h.Status.Emit(ctx, in.DemandID, saga.StatusObjectAvailable, nil)
	return outcome(saga.StepCheckObject, true), nil
}

// CheckBalance compares the user's balance with the offered price.
type CheckBalance struct {
	Balances object.Balances
	Status   *Emitter
}

func (CheckBalance) Topic() string { return saga.StepCheckBalance }

func (h CheckBalance) Handle(ctx context.Context, task workflow.Task) (workflow.Variables, error) {
	in, err := readInput(task)
	if err != nil {
		return nil, err
	}
	h.Status.Emit(ctx, in.DemandID, saga.StatusCheckingBalance, map[string]any{"required": in.Price})

	balance, err := h.Balances.Balance(ctx, in.UserID)
	switch {
	case errors.Is(err, object.ErrUserNotFound):
		h.Status.Emit(ctx, in.DemandID, saga.StatusBalanceLow, map[string]any{"reason": "user_not_found"})
		return outcome(saga.StepCheckBalance, false), nil
	case err != nil:
		return nil, fmt.Errorf("load balance for %s: %w", in.UserID, err)
	}
	if balance < in.Price {
		h.Status.Emit(ctx, in.DemandID, saga.StatusBalanceLow, map[string]any{"balance": balance, "required": in.Price})
		return outcome(saga.StepCheckBalance, false), nil
	}
	h.Status.Emit(ctx, in.DemandID, saga.StatusBalanceOK, map[string]any{"balance": balance})
	return outcome(saga.StepCheckBalance, true), nil
}

// UpdateOwnership is the saga's commit point: the only step that writes the
// object's owner.
type UpdateOwnership struct {
	Objects object.Store
	Status  *Emitter
}

func (UpdateOwnership) Topic() string { return saga.StepUpdateOwnership }

func (h UpdateOwnership) Handle(ctx context.Context, task workflow.Task) (workflow.Variables, error) {
	in, err := readInput(task)
	if err != nil {
		return nil, err
	}
	h.Status.Emit(ctx, in.DemandID, saga.StatusUpdatingOwnership, map[string]any{
		"galactic_object_id": in.ObjectID,
		"user_id":            in.UserID,
	})

	applied, err := h.Objects.TransferOwnership(ctx, in.DemandID, in.ObjectID, in.UserID)
	switch {
	case errors.Is(err, object.ErrOwnershipConflict):
		h.Status.Emit(ctx, in.DemandID, saga.StatusObjectUnavailable, map[string]any{"reason": "ownership_conflict"})
		return outcome(saga.StepUpdateOwnership, false), nil
	case errors.Is(err, object.ErrNotFound):
		h.Status.Emit(ctx, in.DemandID, saga.StatusObjectUnavailable, map[string]any{"reason": "not_found"})
		return outcome(saga.StepUpdateOwnership, false), nil
	case err != nil:
		return nil, fmt.Errorf("transfer %s to %s: %w", in.ObjectID, in.UserID, err)
	}

	h.Status.Event(ctx, in.DemandID, saga.EventOwnershipUpdated, map[string]any{
		"demand_id":          in.DemandID,
		"user_id":            in.UserID,
		"galactic_object_id": in.ObjectID,
		"price_eur":          in.Price,
		"status":             string(demand.StatusAccepted),
	})
	h.Status.Emit(ctx, in.DemandID, saga.StatusOwnershipUpdated, map[string]any{"applied": applied})
	h.Status.Emit(ctx, in.DemandID, saga.StatusProcessCompleted, map[string]any{"message": "Demand fulfilled"})
	return outcome(saga.StepUpdateOwnership, true), nil
}

// Handlers returns the four step handlers in saga order.
func Handlers(demands DemandLookup, objects object.Store, balances object.Balances, status *Emitter) []Handler {
	return []Handler{
		ValidateDemand{Demands: demands, Status: status},
		CheckObject{Objects: objects, Status: status},
		CheckBalance{Balances: balances, Status: status},
		UpdateOwnership{Objects: objects, Status: status},
	}
}
