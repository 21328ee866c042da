// Package storagetest holds behaviour checks every storage.Storage backend
// must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-client-go/storage"
)

// Run exercises s. The store must start empty.
func Run(t *testing.T, s storage.Storage) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, s) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, s) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, s) })
	t.Run("InvalidTTL", func(t *testing.T) { testInvalidTTL(t, s) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, s) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, s) })
	t.Run("DeleteServerNamespace", func(t *testing.T) { testDeleteServerNamespace(t, s) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "test-key"
	data := []byte("test data")

	if err := s.Set(ctx, key, data); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}

	item, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if string(item.Data) != string(data) {
		t.Errorf("Expected data %s, got %s", data, item.Data)
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Error("ExpiresAt should be nil for data without TTL")
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "non-existent-key")
	if err != nil {
		t.Fatalf("Failed to get non-existent key: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for non-existent key, got item")
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "ttl-key"
	ttl := 100 * time.Millisecond

	if err := s.Set(ctx, key, []byte("ttl data"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("Failed to set data with TTL: %v", err)
	}

	item, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if item.ExpiresAt == nil {
		t.Fatal("ExpiresAt should not be nil for data with TTL")
	}

	time.Sleep(ttl + 50*time.Millisecond)

	item, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get expired data: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for expired data, got item")
	}
}

func testInvalidTTL(t *testing.T, s storage.Storage) {
	if err := s.Set(context.Background(), "bad-ttl", []byte("x"), storage.WithTTL(0)); err == nil {
		t.Fatal("Expected error for zero TTL")
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "namespace-key"
	values := []struct {
		opts []storage.Option
		data string
	}{
		{nil, "global data"},
		{[]storage.Option{storage.WithServer("amap")}, "server data"},
		{[]storage.Option{storage.WithTool("amap", "maps_weather")}, "tool data"},
	}

	for _, v := range values {
		if err := s.Set(ctx, key, []byte(v.data), v.opts...); err != nil {
			t.Fatalf("Failed to set %s: %v", v.data, err)
		}
	}
	for _, v := range values {
		item, err := s.Get(ctx, key, v.opts...)
		if err != nil {
			t.Fatalf("Failed to get %s: %v", v.data, err)
		}
		if item == nil || string(item.Data) != v.data {
			t.Errorf("Expected %s, got %v", v.data, item)
		}
	}

	item, err := s.Get(ctx, key, storage.WithTool("amap", "maps_geo"))
	if err != nil {
		t.Fatalf("Failed to get data for a different tool: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for different tool namespace, got item")
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "delete-key"

	if err := s.Set(ctx, key, []byte("delete data")); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}
	if err := s.Delete(ctx, storage.WithKey(key)); err != nil {
		t.Fatalf("Failed to delete key: %v", err)
	}

	item, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get data after deletion: %v", err)
	}
	if item != nil {
		t.Error("Expected nil after deletion, got item")
	}
}

func testDeleteServerNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	server := "delete-server"
	keys := []string{"key1", "key2", "key3"}
	for _, key := range keys {
		if err := s.Set(ctx, key, []byte("data for "+key), storage.WithTool(server, "maps_geo")); err != nil {
			t.Fatalf("Failed to set data for key %s: %v", key, err)
		}
	}
	if err := s.Set(ctx, "survivor", []byte("kept"), storage.WithServer("other-server")); err != nil {
		t.Fatalf("Failed to set survivor: %v", err)
	}

	// Deleting the server namespace removes its tool namespaces too.
	if err := s.Delete(ctx, storage.WithServer(server)); err != nil {
		t.Fatalf("Failed to delete server namespace: %v", err)
	}

	for _, key := range keys {
		item, err := s.Get(ctx, key, storage.WithTool(server, "maps_geo"))
		if err != nil {
			t.Fatalf("Failed to get data for key %s after deletion: %v", key, err)
		}
		if item != nil {
			t.Errorf("Expected nil after namespace deletion for key %s, got item", key)
		}
	}
	item, err := s.Get(ctx, "survivor", storage.WithServer("other-server"))
	if err != nil || item == nil {
		t.Errorf("Other server's data was removed: %v %v", item, err)
	}
}
