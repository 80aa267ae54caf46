package storage

import (
	"context"
	"os"
	"testing"

	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

// openTestSQLStore connects to the MySQL instance named by SWEEP_MYSQL_DSN,
// e.g. "sweep:sweep@tcp(localhost:3306)/sweep_test". Without it the SQL
// tests are skipped.
func openTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := os.Getenv("SWEEP_MYSQL_DSN")
	if dsn == "" {
		t.Skip("SWEEP_MYSQL_DSN not set")
	}
	store, err := NewSQLStore(dsn)
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	t.Cleanup(func() {
		store.db.Where("trajectory LIKE ?", "sqltest%").Delete(&itemRow{})
		store.Close()
	})
	return store
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store := openTestSQLStore(t)
	ctx := context.Background()
	tc := trajectory.Context{Trajectory: "sqltest_round"}

	items := []trajectory.Item{
		trajectory.NewParameter("parameters.x", 2.5),
		&trajectory.RunDescriptor{Index: 0, TotalRuns: 1, Completed: true, Name: "run_00000000"},
	}
	if err := store.Store(ctx, tc, items); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	loaded, err := store.Load(ctx, tc, []string{"parameters.x"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded[0].(*trajectory.Parameter).Value() != 2.5 {
		t.Errorf("value = %v", loaded[0].(*trajectory.Parameter).Value())
	}

	completed, err := store.IsRunCompleted(ctx, "sqltest_round", 0)
	if err != nil || !completed {
		t.Errorf("IsRunCompleted = %v/%v, want true", completed, err)
	}
	completed, err = store.IsRunCompleted(ctx, "sqltest_round", 9)
	if err != nil || completed {
		t.Errorf("unknown run should be incomplete")
	}
}

func TestSQLStore_UpsertAndRemove(t *testing.T) {
	store := openTestSQLStore(t)
	ctx := context.Background()
	tc := trajectory.Context{Trajectory: "sqltest_upsert"}

	if err := store.Store(ctx, tc, []trajectory.Item{trajectory.NewResult("results.a.one", 1)}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := store.Store(ctx, tc, []trajectory.Item{trajectory.NewResult("results.a.one", 2)}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	loaded, err := store.Load(ctx, tc, []string{"results.a.one"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded[0].(*trajectory.Result).Value() != float64(2) {
		t.Errorf("upserted value = %v", loaded[0].(*trajectory.Result).Value())
	}

	if err := store.Store(ctx, tc, []trajectory.Item{trajectory.NewResult("results.a.two", 3)}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := store.Remove(ctx, tc, "results.a", true); err != nil {
		t.Fatalf("cascade Remove failed: %v", err)
	}
	_, err = store.Load(ctx, tc, []string{"results.a.one"})
	if sweeperr.Code(err) != sweeperr.CodeStorageNotFound {
		t.Errorf("code = %s, want %s", sweeperr.Code(err), sweeperr.CodeStorageNotFound)
	}

	err = store.Remove(ctx, tc, "results.gone", false)
	if sweeperr.Code(err) != sweeperr.CodeStorageNotFound {
		t.Errorf("removing a missing key: code = %s", sweeperr.Code(err))
	}
}
