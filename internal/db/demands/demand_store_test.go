package demandsdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"galaxymarket/internal/demand"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}
	return db, mock, cleanup
}

var (
	demandCols = []string{"id", "user_id", "object_id", "price_eur", "status", "created_at"}
	created    = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
)

func TestDemandStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS demands").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS demands_object_status_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS demands_user_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS demands_one_accepted_per_object").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewDemandStoreWithSchema(context.Background(), db); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestDemandStore_CreateMapsUniqueViolation(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	d := demand.Demand{ID: "d-1", UserID: "u-1", ObjectID: "o-1", PriceEUR: 100, Status: demand.StatusPending, CreatedAt: created}
	mock.ExpectExec("INSERT INTO demands").
		WithArgs("d-1", "u-1", "o-1", 100.0, "pending", created).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO demands").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})
	mock.ExpectClose()

	store := NewDemandStore(db)
	if err := store.Create(context.Background(), d); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(context.Background(), d); !errors.Is(err, demand.ErrStorageConflict) {
		t.Fatalf("expected storage conflict, got %v", err)
	}
}

func TestDemandStore_GetNotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, user_id, object_id, price_eur, status, created_at FROM demands").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectClose()

	if _, err := NewDemandStore(db).Get(context.Background(), "missing"); !errors.Is(err, demand.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDemandStore_ListFiltersByUser(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery(`FROM demands WHERE user_id = \$1 ORDER BY created_at, id`).
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows(demandCols).
			AddRow("d-1", "u-1", "o-1", 10.0, "pending", created).
			AddRow("d-2", "u-1", "o-2", 20.0, "accepted", created))
	mock.ExpectClose()

	got, err := NewDemandStore(db).List(context.Background(), demand.Filter{UserID: "u-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[1].Status != demand.StatusAccepted {
		t.Fatalf("unexpected demands: %+v", got)
	}
}

func TestDemandStore_TransitionGuardsSourceStatus(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery(`UPDATE demands\s+SET status = \$2, updated_at = NOW\(\)\s+WHERE id = \$1 AND status IN \(\$3, \$4\)`).
		WithArgs("d-1", "error", "pending", "validating").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, user_id, object_id, price_eur, status, created_at FROM demands").
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows(demandCols).AddRow("d-1", "u-1", "o-1", 10.0, "accepted", created))
	mock.ExpectClose()

	_, err := NewDemandStore(db).Transition(context.Background(), "d-1", demand.StatusError, demand.StatusPending, demand.StatusValidating)
	if !errors.Is(err, demand.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestDemandStore_TransitionDropsIllegalSources(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery(`WHERE id = \$1 AND status IN \(\$3\)`).
		WithArgs("d-1", "validating", "pending").
		WillReturnRows(sqlmock.NewRows(demandCols).AddRow("d-1", "u-1", "o-1", 10.0, "validating", created))
	mock.ExpectClose()

	d, err := NewDemandStore(db).Transition(context.Background(), "d-1", demand.StatusValidating, demand.StatusPending, demand.StatusRejected)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if d.Status != demand.StatusValidating {
		t.Fatalf("expected validating, got %s", d.Status)
	}
}

func TestDemandStore_AcceptRejectsSiblingsInOneTransaction(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT object_id FROM demands WHERE id").
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows([]string{"object_id"}).AddRow("o-1"))
	mock.ExpectQuery(`SELECT id, status FROM demands\s+WHERE object_id = \$1\s+ORDER BY id\s+FOR UPDATE`).
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow("d-1", "validating").
			AddRow("d-2", "pending").
			AddRow("d-3", "rejected"))
	mock.ExpectQuery(`SET status = 'accepted'`).
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows(demandCols).AddRow("d-1", "u-1", "o-1", 10.0, "accepted", created))
	mock.ExpectQuery(`SET status = 'rejected'`).
		WithArgs("o-1", "d-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("d-2"))
	mock.ExpectCommit()
	mock.ExpectClose()

	d, rejected, err := NewDemandStore(db).Accept(context.Background(), "d-1", demand.StatusPending, demand.StatusValidating)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if d.Status != demand.StatusAccepted {
		t.Fatalf("expected accepted, got %s", d.Status)
	}
	if len(rejected) != 1 || rejected[0] != "d-2" {
		t.Fatalf("unexpected rejected siblings: %v", rejected)
	}
}

func TestDemandStore_AcceptRefusesSecondWinner(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT object_id FROM demands WHERE id").
		WithArgs("d-2").
		WillReturnRows(sqlmock.NewRows([]string{"object_id"}).AddRow("o-1"))
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow("d-1", "accepted").
			AddRow("d-2", "validating"))
	mock.ExpectRollback()
	mock.ExpectClose()

	_, _, err := NewDemandStore(db).Accept(context.Background(), "d-2", demand.StatusValidating)
	if !errors.Is(err, demand.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestDemandStore_AcceptCommitFailureIsConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT object_id FROM demands WHERE id").
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows([]string{"object_id"}).AddRow("o-1"))
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("d-1", "pending"))
	mock.ExpectQuery(`SET status = 'accepted'`).
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows(demandCols).AddRow("d-1", "u-1", "o-1", 10.0, "accepted", created))
	mock.ExpectQuery(`SET status = 'rejected'`).
		WithArgs("o-1", "d-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit().WillReturnError(errors.New("could not serialize access"))
	mock.ExpectClose()

	_, _, err := NewDemandStore(db).Accept(context.Background(), "d-1", demand.StatusPending)
	if !errors.Is(err, demand.ErrStorageConflict) {
		t.Fatalf("expected storage conflict, got %v", err)
	}
}

func TestDemandStore_DeleteMissing(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("DELETE FROM demands").WithArgs("d-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if err := NewDemandStore(db).Delete(context.Background(), "d-1"); !errors.Is(err, demand.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
