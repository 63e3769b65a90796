// Package objectsdb is the Postgres storage for galactic objects, the
// ownership ledger and user balances.
package objectsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"galaxymarket/internal/object"
)

// ObjectStore implements object.Store and object.Balances on Postgres.
type ObjectStore struct {
	db *sql.DB
}

func NewObjectStore(db *sql.DB) *ObjectStore {
	return &ObjectStore{db: db}
}

// NewObjectStoreWithSchema initializes the schema then returns the store.
func NewObjectStoreWithSchema(ctx context.Context, db *sql.DB) (*ObjectStore, error) {
	store := NewObjectStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the object, ledger and balance tables if they do not exist.
func (s *ObjectStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS galactic_objects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner_id TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ownership_transfers (
			demand_id TEXT PRIMARY KEY,
			object_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS user_balances (
			user_id TEXT PRIMARY KEY,
			balance_eur DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Put upserts an object. Used for seeding.
func (s *ObjectStore) Put(ctx context.Context, o object.Object) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO galactic_objects (id, name, owner_id)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, owner_id = EXCLUDED.owner_id, updated_at = NOW()`,
		o.ID, o.Name, o.OwnerID,
	)
	return err
}

func (s *ObjectStore) Get(ctx context.Context, id string) (object.Object, error) {
	var o object.Object
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(owner_id, '')
		FROM galactic_objects
		WHERE id = $1`,
		id,
	).Scan(&o.ID, &o.Name, &o.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return object.Object{}, fmt.Errorf("%w: %s", object.ErrNotFound, id)
	}
	return o, err
}

// TransferOwnership records the transfer for demandID and sets the owner in
// one transaction. The ledger row makes a replayed demand a no-op.
func (s *ObjectStore) TransferOwnership(ctx context.Context, demandID, objectID, ownerID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ownership_transfers (demand_id, object_id, owner_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (demand_id) DO NOTHING`,
		demandID, objectID, ownerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE galactic_objects
		SET owner_id = $2, updated_at = NOW()
		WHERE id = $1 AND owner_id IS NULL`,
		objectID, ownerID,
	)
	if err != nil {
		return false, err
	}
	if n, err = res.RowsAffected(); err != nil {
		return false, err
	}
	if n == 1 {
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return true, nil
	}

	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT owner_id FROM galactic_objects WHERE id = $1`, objectID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("%w: %s", object.ErrNotFound, objectID)
	case err != nil:
		return false, err
	case owner.String != ownerID:
		return false, fmt.Errorf("%w: %s owned by %s", object.ErrOwnershipConflict, objectID, owner.String)
	}
	// Already owned by the same user through an earlier demand.
	return false, tx.Commit()
}

func (s *ObjectStore) SetBalance(ctx context.Context, userID string, eur float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, balance_eur)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance_eur = EXCLUDED.balance_eur`,
		userID, eur,
	)
	return err
}

func (s *ObjectStore) Balance(ctx context.Context, userID string) (float64, error) {
	var eur float64
	err := s.db.QueryRowContext(ctx, `SELECT balance_eur FROM user_balances WHERE user_id = $1`, userID).Scan(&eur)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", object.ErrUserNotFound, userID)
	}
	return eur, err
}
