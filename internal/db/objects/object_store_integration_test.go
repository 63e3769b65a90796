package objectsdb

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"galaxymarket/internal/object"
)

// Runs against a throwaway Postgres 16 when GALAXY_PG_IT=1.
func TestObjectStore_Postgres_ConcurrentTransfersHaveOneOwner(t *testing.T) {
	if os.Getenv("GALAXY_PG_IT") != "1" {
		t.Skip("set GALAXY_PG_IT=1 to run Postgres integration tests")
	}
	ctx := context.Background()

	pg, err := postgres.Run(ctx, "postgres:16",
		postgres.WithDatabase("galaxy"),
		postgres.WithUsername("galaxy"),
		postgres.WithPassword("galaxy"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewObjectStoreWithSchema(ctx, db)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := store.Put(ctx, object.Object{ID: "o-1", Name: "Andromeda"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	users := []string{"u-1", "u-2", "u-3", "u-4"}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		applied   int
		conflicts int
	)
	for i, u := range users {
		wg.Add(1)
		go func(demandID, user string) {
			defer wg.Done()
			ok, err := store.TransferOwnership(ctx, demandID, "o-1", user)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && ok:
				applied++
			case errors.Is(err, object.ErrOwnershipConflict):
				conflicts++
			default:
				t.Errorf("unexpected result ok=%v err=%v", ok, err)
			}
		}("d-"+string(rune('a'+i)), u)
	}
	wg.Wait()

	if applied != 1 || conflicts != len(users)-1 {
		t.Fatalf("expected one owner, got applied=%d conflicts=%d", applied, conflicts)
	}

	o, err := store.Get(ctx, "o-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	again, err := store.TransferOwnership(ctx, "replay", "o-1", o.OwnerID)
	if err != nil || again {
		t.Fatalf("same owner transfer should be a no-op, got applied=%v err=%v", again, err)
	}
}
