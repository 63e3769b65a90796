// Package demandsdb is the Postgres storage for demands and their sagas.
package demandsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"galaxymarket/internal/demand"
)

const demandColumns = `id, user_id, object_id, price_eur, status, created_at`

// DemandStore persists demands in Postgres. Status changes are guarded in
// the UPDATE itself so concurrent writers cannot move a demand backwards.
type DemandStore struct {
	db *sql.DB
}

func NewDemandStore(db *sql.DB) *DemandStore {
	return &DemandStore{db: db}
}

// NewDemandStoreWithSchema initializes the schema then returns the store.
func NewDemandStoreWithSchema(ctx context.Context, db *sql.DB) (*DemandStore, error) {
	store := NewDemandStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the demands table. The partial unique index keeps a
// second accepted demand per object out even if application checks race.
func (s *DemandStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS demands (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			object_id TEXT NOT NULL,
			price_eur DOUBLE PRECISION NOT NULL CHECK (price_eur >= 0),
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS demands_object_status_idx ON demands (object_id, status)`,
		`CREATE INDEX IF NOT EXISTS demands_user_idx ON demands (user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS demands_one_accepted_per_object ON demands (object_id) WHERE status = 'accepted'`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *DemandStore) Create(ctx context.Context, d demand.Demand) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO demands (id, user_id, object_id, price_eur, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.UserID, d.ObjectID, d.PriceEUR, string(d.Status), d.CreatedAt,
	)
	return mapWriteErr(err)
}

func (s *DemandStore) Get(ctx context.Context, id string) (demand.Demand, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+demandColumns+` FROM demands WHERE id = $1`, id)
	d, err := scanDemand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return demand.Demand{}, fmt.Errorf("%w: %s", demand.ErrNotFound, id)
	}
	return d, err
}

func (s *DemandStore) List(ctx context.Context, f demand.Filter) ([]demand.Demand, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		args = append(args, val)
		where = append(where, col+" = $"+strconv.Itoa(len(args)))
	}
	if f.UserID != "" {
		add("user_id", f.UserID)
	}
	if f.ObjectID != "" {
		add("object_id", f.ObjectID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	query := `SELECT ` + demandColumns + ` FROM demands`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []demand.Demand{}
	for rows.Next() {
		d, err := scanDemand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DemandStore) Transition(ctx context.Context, id string, to demand.Status, from ...demand.Status) (demand.Demand, error) {
	from = allowedSources(to, from)
	if len(from) == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return demand.Demand{}, err
		}
		return current, fmt.Errorf("%w: demand %s cannot become %s", demand.ErrInvalidState, id, to)
	}

	args := []any{id, string(to)}
	in := placeholders(&args, from)
	row := s.db.QueryRowContext(ctx, `
		UPDATE demands
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN (`+in+`)
		RETURNING `+demandColumns,
		args...,
	)
	d, err := scanDemand(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := s.Get(ctx, id)
		if gerr != nil {
			return demand.Demand{}, gerr
		}
		return current, fmt.Errorf("%w: demand %s is %s, cannot become %s", demand.ErrInvalidState, id, current.Status, to)
	}
	if err != nil {
		return demand.Demand{}, mapWriteErr(err)
	}
	return d, nil
}

// Accept locks every demand on the object in id order, accepts id and
// rejects the open siblings in one transaction.
func (s *DemandStore) Accept(ctx context.Context, id string, from ...demand.Status) (demand.Demand, []string, error) {
	from = allowedSources(demand.StatusAccepted, from)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return demand.Demand{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var objectID string
	if err := tx.QueryRowContext(ctx, `SELECT object_id FROM demands WHERE id = $1`, id).Scan(&objectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return demand.Demand{}, nil, fmt.Errorf("%w: %s", demand.ErrNotFound, id)
		}
		return demand.Demand{}, nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, status FROM demands
		WHERE object_id = $1
		ORDER BY id
		FOR UPDATE`,
		objectID,
	)
	if err != nil {
		return demand.Demand{}, nil, err
	}
	var current demand.Status
	var acceptedOther string
	for rows.Next() {
		var rid, status string
		if err := rows.Scan(&rid, &status); err != nil {
			rows.Close()
			return demand.Demand{}, nil, err
		}
		switch {
		case rid == id:
			current = demand.Status(status)
		case demand.Status(status) == demand.StatusAccepted:
			acceptedOther = rid
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return demand.Demand{}, nil, err
	}
	if acceptedOther != "" {
		return demand.Demand{}, nil, fmt.Errorf("%w: object %s already accepted demand %s", demand.ErrInvalidState, objectID, acceptedOther)
	}
	if !containsStatus(from, current) {
		return demand.Demand{}, nil, fmt.Errorf("%w: demand %s is %s, cannot become accepted", demand.ErrInvalidState, id, current)
	}

	accepted, err := scanDemand(tx.QueryRowContext(ctx, `
		UPDATE demands
		SET status = 'accepted', updated_at = NOW()
		WHERE id = $1
		RETURNING `+demandColumns,
		id,
	))
	if err != nil {
		return demand.Demand{}, nil, mapWriteErr(err)
	}

	rejectedRows, err := tx.QueryContext(ctx, `
		UPDATE demands
		SET status = 'rejected', updated_at = NOW()
		WHERE object_id = $1 AND id <> $2 AND status IN ('pending', 'validating')
		RETURNING id`,
		objectID, id,
	)
	if err != nil {
		return demand.Demand{}, nil, err
	}
	var rejected []string
	for rejectedRows.Next() {
		var rid string
		if err := rejectedRows.Scan(&rid); err != nil {
			rejectedRows.Close()
			return demand.Demand{}, nil, err
		}
		rejected = append(rejected, rid)
	}
	rejectedRows.Close()
	if err := rejectedRows.Err(); err != nil {
		return demand.Demand{}, nil, err
	}

	if err := tx.Commit(); err != nil {
		return demand.Demand{}, nil, fmt.Errorf("%w: commit accept: %v", demand.ErrStorageConflict, err)
	}
	return accepted, rejected, nil
}

func (s *DemandStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM demands WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", demand.ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDemand(row scanner) (demand.Demand, error) {
	var d demand.Demand
	var status string
	if err := row.Scan(&d.ID, &d.UserID, &d.ObjectID, &d.PriceEUR, &status, &d.CreatedAt); err != nil {
		return demand.Demand{}, err
	}
	d.Status = demand.Status(status)
	return d, nil
}

func allowedSources(to demand.Status, from []demand.Status) []demand.Status {
	var out []demand.Status
	for _, f := range from {
		if demand.CanTransition(f, to) {
			out = append(out, f)
		}
	}
	return out
}

func placeholders(args *[]any, statuses []demand.Status) string {
	parts := make([]string, 0, len(statuses))
	for _, st := range statuses {
		*args = append(*args, string(st))
		parts = append(parts, "$"+strconv.Itoa(len(*args)))
	}
	return strings.Join(parts, ", ")
}

func containsStatus(list []demand.Status, s demand.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// mapWriteErr turns unique and serialization violations into
// ErrStorageConflict.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s", demand.ErrStorageConflict, pgErr.Message)
		}
	}
	return err
}
