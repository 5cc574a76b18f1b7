package transaction

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newRedisTestStore 连接 OPENMECH_TEST_REDIS_ADDR 指向的 Redis，未设置时跳过。
func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("OPENMECH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OPENMECH_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("ping redis: %v", err)
	}
	prefix := "openmech-test-" + uuid.NewString()
	store, err := NewRedisStore(client, prefix)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val()).Err()
		}
		_ = store.Close()
	})
	return store
}

func TestRedisStoreCreateGetAndConflict(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newTestTransaction("tx-1", "0xABC", 5, 2)); err != nil {
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
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisStoreOwnerIndexNewestFirst(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"tx-a", "tx-b", "tx-c"} {
		tx := newTestTransaction(id, "0xAbC", 1)
		tx.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, tx); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.Create(ctx, newTestTransaction("tx-other", "0xdef", 1)); err != nil {
		t.Fatalf("create other: %v", err)
	}

	items, err := store.ListByOwner(ctx, "0xabc", ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != "tx-c" || items[1].ID != "tx-b" {
		t.Fatalf("unexpected page: %+v", txIDs(items))
	}
	items, err = store.ListByOwner(ctx, "0xABC", ListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(items) != 1 || items[0].ID != "tx-a" {
		t.Fatalf("unexpected second page: %+v", txIDs(items))
	}
}

func TestRedisStoreConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newTestTransaction("tx-1", "0xabc", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Update(ctx, "tx-1", func(tx *Transaction) error {
				tx.PollCount++
				return nil
			}); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PollCount != writers {
		t.Fatalf("expected poll_count %d, got %d", writers, got.PollCount)
	}

	failing := errors.New("boom")
	if _, err := store.Update(ctx, "tx-1", func(tx *Transaction) error {
		tx.Prompt = "mutated"
		return failing
	}); !errors.Is(err, failing) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	if got, _ := store.Get(ctx, "tx-1"); got.Prompt == "mutated" {
		t.Fatalf("failed mutation leaked into redis")
	}
}

func txIDs(items []*Transaction) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}
