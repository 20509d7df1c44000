package cache

import (
	"context"
	"testing"
	"time"
)

func TestCache_SetGet(t *testing.T) {
	c := NewCache(CacheConfig{DefaultTTL: time.Minute})
	c.Set("k", "v", 0)

	v, ok := c.Get("k")
	if !ok || v != "v" {
		t.Fatalf("Get = %v, %v, want v, true", v, ok)
	}
}

func TestCache_Expiry(t *testing.T) {
	c := NewCache(CacheConfig{DefaultTTL: time.Minute})
	c.Set("k", "v", 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestCache_InvalidatePattern(t *testing.T) {
	c := NewCache(DefaultConfig())
	c.Set("rule:a", 1, 0)
	c.Set("rule:b", 2, 0)
	c.Set("other:c", 3, 0)

	c.InvalidatePattern("rule:")

	if _, ok := c.Get("rule:a"); ok {
		t.Error("rule:a should be invalidated")
	}
	if _, ok := c.Get("other:c"); !ok {
		t.Error("other:c should survive")
	}
}

func TestCache_InvalidateVersion(t *testing.T) {
	c := NewCache(DefaultConfig())
	c.Set("k", "v1", 0)
	v0 := c.GetCurrentVersion()

	c.InvalidateVersion()

	if _, ok := c.Get("k"); ok {
		t.Error("entries should be cleared after version bump")
	}
	if c.GetCurrentVersion() == v0 {
		t.Error("version should have changed")
	}
}

func TestEmbeddingCache_RoundTrip(t *testing.T) {
	ec := NewEmbeddingCache(DefaultConfig())
	ec.Set("hash1", []float64{0.1, 0.2}, time.Minute)

	v, ok := ec.Get("hash1")
	if !ok {
		t.Fatal("expected cached embedding")
	}
	vec := v.([]float64)
	if len(vec) != 2 {
		t.Errorf("len = %d, want 2", len(vec))
	}

	ec.OnModelRotation()
	if _, ok := ec.Get("hash1"); ok {
		t.Error("expected cache cleared after model rotation")
	}
}

func TestTTLCache_RoundTrip(t *testing.T) {
	tc := NewTTLCache(time.Minute)
	ctx := context.Background()

	tc.Set(ctx, "plan:v1", "compiled")
	v, ok := tc.Get(ctx, "plan:v1")
	if !ok || v != "compiled" {
		t.Fatalf("Get = %v, %v, want compiled, true", v, ok)
	}

	tc.Delete(ctx, "plan:v1")
	if _, ok := tc.Get(ctx, "plan:v1"); ok {
		t.Error("expected entry deleted")
	}
}
