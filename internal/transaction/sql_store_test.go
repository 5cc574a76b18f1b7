package transaction

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const testSQLiteSchema = `CREATE TABLE mech_transactions (
    id TEXT PRIMARY KEY,
    owner_key TEXT NOT NULL,
    document TEXT NOT NULL,
    version INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

func newSQLiteTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(testSQLiteSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	store, err := NewSQLiteStore(db, WithCASRetries(3))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	tx := newTestTransaction("tx-1", "0xABC", 5, 2)
	tx.RequestState = &PhaseState{Status: PhaseCompleted, Details: map[string]any{"tx_hash": "0x01"}}
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newTestTransaction("tx-1", "0xabc", 1)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := store.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalCost != 7 || len(got.SelectedServices) != 2 {
		t.Fatalf("unexpected document: %+v", got)
	}
	if got.RequestState == nil || got.RequestState.Details["tx_hash"] != "0x01" {
		t.Fatalf("phase state not persisted: %+v", got.RequestState)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLStoreUpdateAndList(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"tx-a", "tx-b", "tx-c"} {
		tx := newTestTransaction(id, "0xabc", 1)
		tx.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, tx); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	updated, err := store.Update(ctx, "tx-b", func(tx *Transaction) error {
		tx.PollCount = 3
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.PollCount != 3 {
		t.Fatalf("expected poll count 3, got %d", updated.PollCount)
	}
	if _, err := store.Update(ctx, "missing", func(*Transaction) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, err := store.ListByOwner(ctx, "0xABC", BuildListOptions(WithLimit(2)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "tx-c" || list[1].ID != "tx-b" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[1].PollCount != 3 {
		t.Fatalf("list returned stale document")
	}
}
