package storage

import (
	"context"
	"testing"
	"time"
)

type record struct {
	Name string
}

func TestMemoryStorageStoreAndRetrieve(t *testing.T) {
	ms := NewMemoryStorage(DefaultConfig(), nil)
	defer ms.Close()

	ctx := context.Background()
	if err := ms.Store(ctx, "k1", record{Name: "a"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	var out record
	if err := ms.Retrieve(ctx, "k1", &out); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if out.Name != "a" {
		t.Fatalf("expected name a, got %s", out.Name)
	}
}

func TestMemoryStorageExpiresEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTTL = 10 * time.Millisecond
	ms := NewMemoryStorage(cfg, nil)
	defer ms.Close()

	ctx := context.Background()
	ms.Store(ctx, "k1", record{Name: "a"})
	time.Sleep(20 * time.Millisecond)

	if _, err := ms.RetrieveBytes(ctx, "k1"); err == nil {
		t.Fatalf("expected expired key to error")
	}
}

func TestMemoryStorageDeleteAndExists(t *testing.T) {
	ms := NewMemoryStorage(DefaultConfig(), nil)
	defer ms.Close()

	ctx := context.Background()
	ms.Store(ctx, "k1", record{Name: "a"})

	exists, _ := ms.Exists(ctx, "k1")
	if !exists {
		t.Fatalf("expected key to exist")
	}

	if err := ms.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	exists, _ = ms.Exists(ctx, "k1")
	if exists {
		t.Fatalf("expected key to be gone after delete")
	}
}

func TestMemoryStorageListMatchesSubstring(t *testing.T) {
	ms := NewMemoryStorage(DefaultConfig(), nil)
	defer ms.Close()

	ctx := context.Background()
	ms.Store(ctx, "pattern:p1", record{Name: "a"})
	ms.Store(ctx, "pattern:p2", record{Name: "b"})
	ms.Store(ctx, "crdt:c1", record{Name: "c"})

	keys, err := ms.List(ctx, "pattern:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 pattern keys, got %d", len(keys))
	}
}

func TestMemoryStorageCapacityExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxKeys = 1
	ms := NewMemoryStorage(cfg, nil)
	defer ms.Close()

	ctx := context.Background()
	if err := ms.Store(ctx, "k1", record{Name: "a"}); err != nil {
		t.Fatalf("store k1: %v", err)
	}
	if err := ms.Store(ctx, "k2", record{Name: "b"}); err == nil {
		t.Fatalf("expected capacity exceeded error")
	}
}
