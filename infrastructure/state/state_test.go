package state

import (
	"context"
	"testing"
	"time"

	"github.com/penserai/acteon/domain"
)

func dedupKey(sub string) domain.StoreKey {
	return domain.StoreKey{Namespace: "ns", Tenant: "t1", Kind: domain.KeyKindDedup, Subkey: sub}
}

func TestMemoryStore_SetGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	if err := s.Set(ctx, dedupKey("k1"), []byte("v1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := s.Get(ctx, dedupKey("k1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("Get = %q, want v1", got)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s := NewMemoryStore(0)
	if _, err := s.Get(context.Background(), dedupKey("missing")); err != ErrNotFound {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	_ = s.Set(ctx, dedupKey("k1"), []byte("v1"), 0)

	if err := s.Delete(ctx, dedupKey("k1")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, dedupKey("k1")); err != ErrNotFound {
		t.Fatal("expected ErrNotFound after delete")
	}
}

func TestMemoryStore_CheckAndSet_Dedup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	k := dedupKey("dedup-K")

	first, err := s.CheckAndSet(ctx, k, []byte("act-1"), time.Minute)
	if err != nil || !first {
		t.Fatalf("first CheckAndSet = %v, %v, want true, nil", first, err)
	}
	second, err := s.CheckAndSet(ctx, k, []byte("act-2"), time.Minute)
	if err != nil || second {
		t.Fatalf("second CheckAndSet = %v, %v, want false, nil", second, err)
	}
}

func TestMemoryStore_CheckAndSet_ExpiresAndReacquires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	k := dedupKey("dedup-ttl")

	if ok, _ := s.CheckAndSet(ctx, k, []byte("v"), 10*time.Millisecond); !ok {
		t.Fatal("first CheckAndSet should succeed")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := s.CheckAndSet(ctx, k, []byte("v2"), time.Minute); !ok {
		t.Fatal("CheckAndSet after expiry should succeed")
	}
}

func TestMemoryStore_Increment(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	k := domain.StoreKey{Namespace: "ns", Tenant: "t1", Kind: domain.KeyKindCounter, Subkey: "alert"}

	v1, err := s.Increment(ctx, k, time.Minute, 1)
	if err != nil || v1 != 1 {
		t.Fatalf("Increment #1 = %d, %v, want 1, nil", v1, err)
	}
	v2, err := s.Increment(ctx, k, time.Minute, 1)
	if err != nil || v2 != 2 {
		t.Fatalf("Increment #2 = %d, %v, want 2, nil", v2, err)
	}
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	k := domain.StoreKey{Namespace: "ns", Tenant: "t1", Kind: domain.KeyKindChain, Subkey: "c1"}

	_ = s.Set(ctx, k, []byte("old"), 0)

	ok, err := s.CompareAndSwap(ctx, k, []byte("old"), []byte("new"))
	if err != nil || !ok {
		t.Fatalf("CompareAndSwap = %v, %v, want true, nil", ok, err)
	}
	got, _ := s.Get(ctx, k)
	if string(got) != "new" {
		t.Fatalf("Get after swap = %q, want new", got)
	}

	ok, err = s.CompareAndSwap(ctx, k, []byte("old"), []byte("newer"))
	if err != nil || ok {
		t.Fatalf("stale CompareAndSwap = %v, %v, want false, nil", ok, err)
	}
}

func TestMemoryStore_ScanKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	_ = s.Set(ctx, domain.StoreKey{Namespace: "ns", Tenant: "t1", Kind: domain.KeyKindChain, Subkey: "a"}, []byte("1"), 0)
	_ = s.Set(ctx, domain.StoreKey{Namespace: "ns", Tenant: "t1", Kind: domain.KeyKindChain, Subkey: "b"}, []byte("2"), 0)
	_ = s.Set(ctx, domain.StoreKey{Namespace: "ns", Tenant: "t1", Kind: domain.KeyKindGroup, Subkey: "c"}, []byte("3"), 0)

	keys, err := s.ScanKeys(ctx, domain.KeyKindChain, "ns", "t1", "")
	if err != nil {
		t.Fatalf("ScanKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("ScanKeys returned %d keys, want 2", len(keys))
	}
}

func TestMemoryStore_TimeoutIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	k := domain.StoreKey{Namespace: "ns", Tenant: "t1", Kind: domain.KeyKindEventTimeout, Subkey: "ev1"}

	past := time.Now().Add(-time.Second)
	future := time.Now().Add(time.Hour)

	if err := s.IndexTimeout(ctx, k, past); err != nil {
		t.Fatalf("IndexTimeout failed: %v", err)
	}

	due, err := s.GetExpiredTimeouts(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("GetExpiredTimeouts failed: %v", err)
	}
	if len(due) != 1 || due[0] != k {
		t.Fatalf("GetExpiredTimeouts = %v, want [%v]", due, k)
	}

	if err := s.IndexTimeout(ctx, k, future); err != nil {
		t.Fatalf("re-index failed: %v", err)
	}
	due, _ = s.GetExpiredTimeouts(ctx, time.Now(), 10)
	if len(due) != 0 {
		t.Fatalf("expected no due timeouts after re-index into the future, got %v", due)
	}

	if err := s.RemoveTimeoutIndex(ctx, k); err != nil {
		t.Fatalf("RemoveTimeoutIndex failed: %v", err)
	}
}

func TestMemoryStore_ChainReadyIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	if err := s.IndexChainReady(ctx, "chain-1", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("IndexChainReady failed: %v", err)
	}

	ready, err := s.GetReadyChains(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("GetReadyChains failed: %v", err)
	}
	if len(ready) != 1 || ready[0] != "chain-1" {
		t.Fatalf("GetReadyChains = %v, want [chain-1]", ready)
	}

	if err := s.RemoveChainReadyIndex(ctx, "chain-1"); err != nil {
		t.Fatalf("RemoveChainReadyIndex failed: %v", err)
	}
	ready, _ = s.GetReadyChains(ctx, time.Now(), 10)
	if len(ready) != 0 {
		t.Fatalf("expected no ready chains after removal, got %v", ready)
	}
}

func TestMemoryStore_Close(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

var _ Store = (*MemoryStore)(nil)
