// Package object models galactic objects as the saga sees them: an owner
// field written once per accepted demand, and user balances read by the
// balance check.
package object

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("object: not found")
	ErrOwnershipConflict = errors.New("object: owned by another user")
	ErrUserNotFound      = errors.New("object: user not found")
)

// Object is a galactic object. It is available while it has no owner.
type Object struct {
	ID      string `json:"uuid"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id,omitempty"`
}

func (o Object) Available() bool { return o.OwnerID == "" }

// Store reads objects and performs the ownership write.
type Store interface {
	Get(ctx context.Context, id string) (Object, error)
	// TransferOwnership gives objectID to ownerID on behalf of demandID.
	// It is idempotent per demand: a repeat returns applied=false and leaves
	// the owner untouched. It fails with ErrOwnershipConflict when another
	// user already owns the object.
	TransferOwnership(ctx context.Context, demandID, objectID, ownerID string) (applied bool, err error)
}

// Balances reads a user's spendable balance.
type Balances interface {
	Balance(ctx context.Context, userID string) (float64, error)
}
