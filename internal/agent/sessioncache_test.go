package agent

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestSessionCachePutGet(t *testing.T) {
	cache := NewSessionCache(SessionCacheConfig{Capacity: 10, TTL: time.Hour}, newTestLogger())

	cache.Put("sess-1", "native-1")
	got, ok := cache.Get("sess-1")
	if !ok || got != "native-1" {
		t.Errorf("expected native-1, got %q (%v)", got, ok)
	}

	if _, ok := cache.Get("missing"); ok {
		t.Error("expected miss for unknown session")
	}

	cache.Delete("sess-1")
	if _, ok := cache.Get("sess-1"); ok {
		t.Error("expected miss after delete")
	}
}

func TestSessionCacheCapacityEvictsLRU(t *testing.T) {
	cache := NewSessionCache(SessionCacheConfig{Capacity: 3, TTL: time.Hour}, newTestLogger())

	cache.Put("a", "na")
	time.Sleep(2 * time.Millisecond)
	cache.Put("b", "nb")
	time.Sleep(2 * time.Millisecond)
	cache.Put("c", "nc")
	time.Sleep(2 * time.Millisecond)

	// Touch "a" so "b" becomes least recently accessed.
	if _, ok := cache.Get("a"); !ok {
		t.Fatal("expected a present")
	}
	time.Sleep(2 * time.Millisecond)

	cache.Put("d", "nd")

	if cache.Len() != 3 {
		t.Errorf("capacity exceeded: %d entries", cache.Len())
	}
	if _, ok := cache.Get("b"); ok {
		t.Error("expected least-recently-accessed entry b evicted")
	}
	for _, id := range []string{"a", "c", "d"} {
		if _, ok := cache.Get(id); !ok {
			t.Errorf("expected %s retained", id)
		}
	}
}

func TestSessionCacheNeverExceedsCapacity(t *testing.T) {
	cache := NewSessionCache(SessionCacheConfig{Capacity: 5, TTL: time.Hour}, newTestLogger())

	for i := 0; i < 50; i++ {
		cache.Put(fmt.Sprintf("sess-%d", i), "native")
		if cache.Len() > 5 {
			t.Fatalf("capacity exceeded at insert %d: %d entries", i, cache.Len())
		}
	}
}

func TestSessionCacheTTLExpiry(t *testing.T) {
	cache := NewSessionCache(SessionCacheConfig{Capacity: 10, TTL: 10 * time.Millisecond}, newTestLogger())

	cache.Put("sess-1", "native-1")
	time.Sleep(25 * time.Millisecond)

	if _, ok := cache.Get("sess-1"); ok {
		t.Error("expected expired entry reported as missing")
	}
	if cache.Len() != 0 {
		t.Error("expected expired entry removed")
	}
}

func TestSessionCachePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	first := NewSessionCache(SessionCacheConfig{Path: path, Capacity: 10, TTL: time.Hour}, newTestLogger())
	first.Put("sess-1", "native-1")

	second := NewSessionCache(SessionCacheConfig{Path: path, Capacity: 10, TTL: time.Hour}, newTestLogger())
	got, ok := second.Get("sess-1")
	if !ok || got != "native-1" {
		t.Errorf("expected persisted entry, got %q (%v)", got, ok)
	}
}
