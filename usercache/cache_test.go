package usercache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"authcache/kv"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, kv.Store, *Cache) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	store := kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return mr, store, New(store, Config{})
}

func sampleUser() *CachedUser {
	return &CachedUser{
		ID:             "u-1",
		Email:          "alice@example.com",
		Name:           "Alice",
		Role:           "member",
		CredentialHash: "$2a$10$fakehash",
	}
}

func TestStoreFetchRoundTrip(t *testing.T) {
	_, _, cache := newTestCache(t)
	ctx := context.Background()

	if _, err := cache.Fetch(ctx, "alice@example.com"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("expected ErrNotCached, got %v", err)
	}

	if err := cache.Store(ctx, "alice@example.com", sampleUser()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := cache.Fetch(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got.ID != "u-1" || got.Email != "alice@example.com" || got.CredentialHash != "$2a$10$fakehash" {
		t.Fatalf("unexpected user %+v", got)
	}
	if got.Tier != TierBase {
		t.Fatalf("expected base tier, got %v", got.Tier)
	}
	if got.CachedAt.IsZero() {
		t.Fatal("CachedAt not set")
	}
}

func TestTierBoundaries(t *testing.T) {
	_, _, cache := newTestCache(t)

	cases := []struct {
		count int64
		want  Tier
	}{
		{0, TierBase},
		{5, TierBase},
		{6, TierRegular},
		{20, TierRegular},
		{21, TierActive},
		{1000, TierActive},
	}
	for _, tc := range cases {
		if got := cache.TierFor(tc.count); got != tc.want {
			t.Errorf("TierFor(%d) = %v, want %v", tc.count, got, tc.want)
		}
	}
}

func TestStoreUsesActivityTier(t *testing.T) {
	_, store, cache := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 21; i++ {
		if _, err := cache.RecordActivity(ctx, "alice@example.com"); err != nil {
			t.Fatalf("RecordActivity failed: %v", err)
		}
	}

	if err := cache.Store(ctx, "alice@example.com", sampleUser()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := cache.Fetch(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got.Tier != TierActive {
		t.Fatalf("tier = %v, want active", got.Tier)
	}

	ttl, err := store.TTLRemaining(ctx, "user:alice@example.com")
	if err != nil {
		t.Fatalf("TTLRemaining failed: %v", err)
	}
	if ttl <= 29*24*time.Hour {
		t.Fatalf("ttl = %v, want 30d tier", ttl)
	}
}

func TestFetchNeverShortensTTL(t *testing.T) {
	_, store, cache := newTestCache(t)
	ctx := context.Background()

	// Store at the active tier, then let the counter decay away. A
	// subsequent read selects the base tier, which must not cut the
	// longer remaining TTL.
	for i := 0; i < 21; i++ {
		if _, err := cache.RecordActivity(ctx, "alice@example.com"); err != nil {
			t.Fatalf("RecordActivity failed: %v", err)
		}
	}
	if err := cache.Store(ctx, "alice@example.com", sampleUser()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, err := store.Delete(ctx, "activity:alice@example.com"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	before, err := store.TTLRemaining(ctx, "user:alice@example.com")
	if err != nil {
		t.Fatalf("TTLRemaining failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := cache.Fetch(ctx, "alice@example.com"); err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		after, err := store.TTLRemaining(ctx, "user:alice@example.com")
		if err != nil {
			t.Fatalf("TTLRemaining failed: %v", err)
		}
		if after < before-time.Second {
			t.Fatalf("ttl shortened by read: before=%v after=%v", before, after)
		}
		before = after
	}
}

func TestFetchExtendsTTLOnTierUpgrade(t *testing.T) {
	_, store, cache := newTestCache(t)
	ctx := context.Background()

	if err := cache.Store(ctx, "alice@example.com", sampleUser()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	for i := 0; i < 21; i++ {
		if _, err := cache.RecordActivity(ctx, "alice@example.com"); err != nil {
			t.Fatalf("RecordActivity failed: %v", err)
		}
	}

	if _, err := cache.Fetch(ctx, "alice@example.com"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	ttl, err := store.TTLRemaining(ctx, "user:alice@example.com")
	if err != nil {
		t.Fatalf("TTLRemaining failed: %v", err)
	}
	if ttl <= 29*24*time.Hour {
		t.Fatalf("ttl = %v, want extension to 30d tier", ttl)
	}
}

func TestCorruptEntryDropped(t *testing.T) {
	_, store, cache := newTestCache(t)
	ctx := context.Background()

	if err := store.SetWithTTL(ctx, "user:alice@example.com", []byte("{not json"), time.Minute); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}

	if _, err := cache.Fetch(ctx, "alice@example.com"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("expected ErrNotCached, got %v", err)
	}
	if _, err := store.Get(ctx, "user:alice@example.com"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("corrupt entry not deleted: %v", err)
	}
}

func TestInvalidateRemovesEntryAndCounter(t *testing.T) {
	_, _, cache := newTestCache(t)
	ctx := context.Background()

	if err := cache.Store(ctx, "alice@example.com", sampleUser()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, err := cache.RecordActivity(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RecordActivity failed: %v", err)
	}

	if err := cache.Invalidate(ctx, "alice@example.com"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	if _, err := cache.Fetch(ctx, "alice@example.com"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("entry survived invalidate: %v", err)
	}
	count, err := cache.ActivityCount(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("ActivityCount failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("counter survived invalidate: %d", count)
	}
}

func TestEntryExpires(t *testing.T) {
	mr, _, cache := newTestCache(t)
	ctx := context.Background()

	if err := cache.Store(ctx, "alice@example.com", sampleUser()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	mr.FastForward(25 * time.Hour)

	if _, err := cache.Fetch(ctx, "alice@example.com"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("expected expiry, got %v", err)
	}
}
