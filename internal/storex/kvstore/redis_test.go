package kvstore

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestRedisStore_Lifecycle exercises the adapter against a live Redis
// instance, gated on MEMENTO_TEST_REDIS_ADDR. Skipped otherwise.
func TestRedisStore_Lifecycle(t *testing.T) {
	addr := os.Getenv("MEMENTO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEMENTO_TEST_REDIS_ADDR not set, skipping live redis test")
	}

	ctx := context.Background()
	store := New(addr)
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer store.Close()

	key := "memento:test:kv"
	defer store.Del(ctx, key)

	if err := store.Set(ctx, key, "hello", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || val != "hello" {
		t.Fatalf("expected hello, got %q (ok=%v)", val, ok)
	}

	zkey := "memento:test:zset"
	defer store.Del(ctx, zkey)
	if err := store.ZAdd(ctx, zkey, "a", 1); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	if err := store.ZAdd(ctx, zkey, "b", 2); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	members, err := store.ZRange(ctx, zkey, 0, -1)
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
}

func TestNewDoesNotConnect(t *testing.T) {
	store := New("localhost:0")
	if store.IsInitialized() {
		t.Fatal("expected store to not be initialized before Initialize is called")
	}
}
