package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opensource-finance/ceap/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100, 0)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, tenantID, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, tenantID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, tenantID, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, tenantID, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3, 0)

		_ = smallCache.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, tenantID, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		// 'b' should be evicted
		val, _ := smallCache.Get(ctx, tenantID, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		// 'a' should still be there
		val, _ = smallCache.Get(ctx, tenantID, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		tenant1 := "tenant-001"
		tenant2 := "tenant-002"

		_ = cache.Set(ctx, tenant1, "shared-key", []byte("tenant1-value"), time.Minute)
		_ = cache.Set(ctx, tenant2, "shared-key", []byte("tenant2-value"), time.Minute)

		val1, _ := cache.Get(ctx, tenant1, "shared-key")
		val2, _ := cache.Get(ctx, tenant2, "shared-key")

		if string(val1) != "tenant1-value" {
			t.Errorf("expected 'tenant1-value', got '%s'", string(val1))
		}
		if string(val2) != "tenant2-value" {
			t.Errorf("expected 'tenant2-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if err == nil {
			t.Error("expected error for empty tenantID")
		}

		_, err = cache.Get(ctx, "", "key")
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("ByteBudget", func(t *testing.T) {
		small := NewLRUCache(100, 10)

		_ = small.Set(ctx, tenantID, "a", []byte("12345"), time.Minute)
		_ = small.Set(ctx, tenantID, "b", []byte("12345"), time.Minute)
		if small.Bytes() != 10 {
			t.Fatalf("expected 10 bytes, got %d", small.Bytes())
		}

		// 'c' pushes the total over budget, evicting 'a'
		_ = small.Set(ctx, tenantID, "c", []byte("123"), time.Minute)
		if val, _ := small.Get(ctx, tenantID, "a"); val != nil {
			t.Error("expected 'a' to be evicted")
		}
		if small.Bytes() != 8 {
			t.Errorf("expected 8 bytes, got %d", small.Bytes())
		}

		// Oversized values are not cached
		_ = small.Set(ctx, tenantID, "big", []byte("12345678901"), time.Minute)
		if val, _ := small.Get(ctx, tenantID, "big"); val != nil {
			t.Error("expected oversized value to be skipped")
		}
	})

	t.Run("OverwriteAdjustsBytes", func(t *testing.T) {
		c := NewLRUCache(10, 0)
		_ = c.Set(ctx, tenantID, "k", []byte("123456"), time.Minute)
		_ = c.Set(ctx, tenantID, "k", []byte("12"), time.Minute)
		if c.Bytes() != 2 {
			t.Errorf("expected 2 bytes, got %d", c.Bytes())
		}
		if size, _ := c.Stats(); size != 1 {
			t.Errorf("expected 1 entry, got %d", size)
		}
	})

	t.Run("ModelCache", func(t *testing.T) {
		model := &domain.Model{
			ID:         "model-001",
			FittedAt:   time.Date(2017, time.March, 1, 0, 0, 0, 0, time.UTC),
			Records:    1200,
			Groups:     300,
			RareGroups: 280,
			Snapshot:   json.RawMessage(`{"id":"model-001"}`),
		}

		if err := cache.SetModel(ctx, tenantID, model, time.Minute); err != nil {
			t.Fatalf("SetModel failed: %v", err)
		}

		byID, err := cache.GetModel(ctx, tenantID, "model-001")
		if err != nil {
			t.Fatalf("GetModel failed: %v", err)
		}
		if byID == nil || byID.Records != 1200 {
			t.Fatalf("unexpected cached model: %+v", byID)
		}

		latest, err := cache.GetModel(ctx, tenantID, domain.LatestModelKey)
		if err != nil {
			t.Fatalf("GetModel latest failed: %v", err)
		}
		if latest == nil || latest.ID != "model-001" {
			t.Fatalf("expected latest model-001, got %+v", latest)
		}
		if string(latest.Snapshot) != `{"id":"model-001"}` {
			t.Errorf("unexpected snapshot: %s", latest.Snapshot)
		}

		missing, err := cache.GetModel(ctx, "tenant-without-models", domain.LatestModelKey)
		if err != nil {
			t.Fatalf("GetModel failed: %v", err)
		}
		if missing != nil {
			t.Error("expected nil for uncached model")
		}

		if err := cache.SetModel(ctx, tenantID, &domain.Model{}, time.Minute); err == nil {
			t.Error("expected error for model without ID")
		}
	})

	t.Run("CorruptModel", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, modelKey("broken"), []byte("{"), time.Minute)
		if _, err := cache.GetModel(ctx, tenantID, "broken"); err == nil {
			t.Error("expected decode error")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50, 0)
		_ = statsCache.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10, 0)
		_ = testCache.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		// Cache should be empty after close
		val, _ := testCache.Get(ctx, tenantID, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestRedisCache(t *testing.T) {
	c, err := NewRedisCache("localhost:6379", "", 15)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	tenantID := "ceap-test"

	model := &domain.Model{ID: "model-redis", Records: 10, Snapshot: json.RawMessage(`{}`)}
	if err := c.SetModel(ctx, tenantID, model, time.Minute); err != nil {
		t.Fatalf("SetModel failed: %v", err)
	}
	defer c.Delete(ctx, tenantID, modelKey(model.ID))
	defer c.Delete(ctx, tenantID, modelKey(domain.LatestModelKey))

	latest, err := c.GetModel(ctx, tenantID, domain.LatestModelKey)
	if err != nil {
		t.Fatalf("GetModel failed: %v", err)
	}
	if latest == nil || latest.ID != model.ID {
		t.Errorf("expected latest %s, got %+v", model.ID, latest)
	}
}
