package demandsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"galaxymarket/internal/demand/saga"
)

// SagaStore persists saga idempotency keys and the status trail in Postgres.
type SagaStore struct {
	db *sql.DB
}

func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS demand_sagas (
			demand_id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE NOT NULL,
			user_id TEXT NOT NULL,
			object_id TEXT NOT NULL,
			price_eur DOUBLE PRECISION NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS demand_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			demand_id TEXT NOT NULL,
			step TEXT NOT NULL,
			detail TEXT,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS demand_saga_steps_demand_idx ON demand_saga_steps (demand_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Start inserts the saga row or returns the one already stored under the key.
func (s *SagaStore) Start(ctx context.Context, idempotencyKey string, rec saga.Record) (saga.Record, bool, error) {
	status := rec.Status
	if status == "" {
		status = saga.RecordStarted
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO demand_sagas (demand_id, idempotency_key, user_id, object_id, price_eur, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		rec.DemandID, idempotencyKey, rec.UserID, rec.ObjectID, rec.Price, status,
	)
	if err != nil {
		return saga.Record{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return saga.Record{}, false, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT demand_id, user_id, object_id, price_eur, instance_id, status
		FROM demand_sagas
		WHERE idempotency_key = $1`,
		idempotencyKey,
	)
	var stored saga.Record
	var storedStatus string
	if err := row.Scan(&stored.DemandID, &stored.UserID, &stored.ObjectID, &stored.Price, &stored.InstanceID, &storedStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The demand id row exists under another key.
			return saga.Record{}, false, saga.ErrIdempotencyConflict
		}
		return saga.Record{}, false, err
	}
	stored.Status = saga.RecordStatus(storedStatus)

	if stored.DemandID != rec.DemandID || stored.UserID != rec.UserID || stored.ObjectID != rec.ObjectID || stored.Price != rec.Price {
		return saga.Record{}, false, saga.ErrIdempotencyConflict
	}
	return stored, affected == 1, nil
}

// Attach records the engine instance serving the saga.
func (s *SagaStore) Attach(ctx context.Context, demandID, instanceID string, status saga.RecordStatus) error {
	return s.update(ctx, `
		UPDATE demand_sagas
		SET instance_id = $2, status = $3, updated_at = NOW()
		WHERE demand_id = $1`,
		demandID, instanceID, status,
	)
}

func (s *SagaStore) UpdateStatus(ctx context.Context, demandID string, status saga.RecordStatus) error {
	return s.update(ctx, `
		UPDATE demand_sagas
		SET status = $2, updated_at = NOW()
		WHERE demand_id = $1`,
		demandID, status,
	)
}

func (s *SagaStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("saga %v not found", args[0])
	}
	return nil
}

// AddStep appends one status to the trail.
func (s *SagaStore) AddStep(ctx context.Context, demandID, step, detail string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO demand_saga_steps (demand_id, step, detail, recorded_at)
		VALUES ($1, $2, $3, $4)`,
		demandID, step, detail, at,
	)
	return err
}

// Steps returns the trail for demandID oldest first.
func (s *SagaStore) Steps(ctx context.Context, demandID string) ([]saga.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, COALESCE(detail, ''), recorded_at
		FROM demand_saga_steps
		WHERE demand_id = $1
		ORDER BY id`,
		demandID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []saga.Step
	for rows.Next() {
		var st saga.Step
		if err := rows.Scan(&st.Step, &st.Detail, &st.At); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
