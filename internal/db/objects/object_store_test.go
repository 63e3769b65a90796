package objectsdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"galaxymarket/internal/object"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		mock.ExpectClose()
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	})
	return db, mock
}

func TestObjectStore_InitSchema(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS galactic_objects").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ownership_transfers").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_balances").WillReturnResult(sqlmock.NewResult(0, 0))

	if _, err := NewObjectStoreWithSchema(context.Background(), db); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestObjectStore_GetMapsOwner(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT id, name, COALESCE").
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "owner_id"}).AddRow("o-1", "Vega", ""))
	mock.ExpectQuery("SELECT id, name, COALESCE").
		WithArgs("o-2").
		WillReturnError(sql.ErrNoRows)

	store := NewObjectStore(db)
	o, err := store.Get(context.Background(), "o-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !o.Available() {
		t.Fatalf("expected object without owner to be available")
	}
	if _, err := store.Get(context.Background(), "o-2"); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestObjectStore_TransferOwnership_Applies(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ownership_transfers").
		WithArgs("d-1", "o-1", "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE galactic_objects").
		WithArgs("o-1", "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := NewObjectStore(db).TransferOwnership(context.Background(), "d-1", "o-1", "u-1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !applied {
		t.Fatalf("expected first transfer to apply")
	}
}

func TestObjectStore_TransferOwnership_ReplayIsNoop(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ownership_transfers").
		WithArgs("d-1", "o-1", "u-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	applied, err := NewObjectStore(db).TransferOwnership(context.Background(), "d-1", "o-1", "u-1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if applied {
		t.Fatalf("replayed transfer must not write the owner again")
	}
}

func TestObjectStore_TransferOwnership_Conflict(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ownership_transfers").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE galactic_objects").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT owner_id FROM galactic_objects").
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("u-2"))
	mock.ExpectRollback()

	_, err := NewObjectStore(db).TransferOwnership(context.Background(), "d-1", "o-1", "u-1")
	if !errors.Is(err, object.ErrOwnershipConflict) {
		t.Fatalf("expected ownership conflict, got %v", err)
	}
}

func TestObjectStore_TransferOwnership_MissingObject(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ownership_transfers").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE galactic_objects").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT owner_id FROM galactic_objects").
		WithArgs("o-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := NewObjectStore(db).TransferOwnership(context.Background(), "d-1", "o-1", "u-1")
	if !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestObjectStore_Balance(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT balance_eur FROM user_balances").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_eur"}).AddRow(250.5))
	mock.ExpectQuery("SELECT balance_eur FROM user_balances").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	store := NewObjectStore(db)
	eur, err := store.Balance(context.Background(), "u-1")
	if err != nil || eur != 250.5 {
		t.Fatalf("unexpected balance %v err=%v", eur, err)
	}
	if _, err := store.Balance(context.Background(), "ghost"); !errors.Is(err, object.ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}
