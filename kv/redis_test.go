package kv

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	return mr, NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestGetSetRoundTrip(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SetWithTTL(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}

	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q, want %q", got, "v")
	}
}

func TestTTLRemainingAndExpire(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.TTLRemaining(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SetWithTTL(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}

	ttl, err := store.TTLRemaining(ctx, "k")
	if err != nil {
		t.Fatalf("TTLRemaining failed: %v", err)
	}
	if ttl <= 50*time.Second || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	if err := store.Expire(ctx, "k", time.Hour); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	ttl, err = store.TTLRemaining(ctx, "k")
	if err != nil {
		t.Fatalf("TTLRemaining failed: %v", err)
	}
	if ttl <= time.Minute {
		t.Fatalf("expire did not extend, ttl=%v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestTTLRemainingSentinels(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.TTLRemaining(ctx, "never-written"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key: expected ErrNotFound, got %v", err)
	}

	// Zero TTL writes the key without expiry; that reads as zero
	// remaining, not as absent.
	if err := store.SetWithTTL(ctx, "forever", []byte("v"), 0); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}
	ttl, err := store.TTLRemaining(ctx, "forever")
	if err != nil {
		t.Fatalf("no-expiry key: %v", err)
	}
	if ttl != 0 {
		t.Fatalf("no-expiry key ttl = %v, want 0", ttl)
	}

	if _, err := store.Delete(ctx, "forever"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.TTLRemaining(ctx, "forever"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key: expected ErrNotFound, got %v", err)
	}
}

func TestSetIfAbsentWithTTL(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.SetIfAbsentWithTTL(ctx, "lock", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first set: ok=%v err=%v", ok, err)
	}

	ok, err = store.SetIfAbsentWithTTL(ctx, "lock", []byte("b"), time.Minute)
	if err != nil {
		t.Fatalf("second set failed: %v", err)
	}
	if ok {
		t.Fatal("second set must lose")
	}

	got, _ := store.Get(ctx, "lock")
	if string(got) != "a" {
		t.Fatalf("value overwritten: %q", got)
	}

	mr.FastForward(2 * time.Minute)
	ok, err = store.SetIfAbsentWithTTL(ctx, "lock", []byte("c"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("set after expiry: ok=%v err=%v", ok, err)
	}
}

func TestScanPrefix(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"user:a", "user:b", "tok:x"} {
		if err := store.SetWithTTL(ctx, key, []byte("1"), time.Minute); err != nil {
			t.Fatalf("SetWithTTL failed: %v", err)
		}
	}

	var keys []string
	err := store.ScanPrefix(ctx, "user:", func(key string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanPrefix failed: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "user:a" || keys[1] != "user:b" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestIncrWithTTL(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrWithTTL(ctx, "count", time.Minute)
		if err != nil {
			t.Fatalf("IncrWithTTL failed: %v", err)
		}
		if got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	}

	// TTL is set on creation only; later increments must not refresh it.
	mr.FastForward(30 * time.Second)
	if _, err := store.IncrWithTTL(ctx, "count", time.Minute); err != nil {
		t.Fatalf("IncrWithTTL failed: %v", err)
	}
	ttl, err := store.TTLRemaining(ctx, "count")
	if err != nil {
		t.Fatalf("TTLRemaining failed: %v", err)
	}
	if ttl > 31*time.Second {
		t.Fatalf("ttl refreshed on increment: %v", ttl)
	}
}

func TestStoreUnavailable(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()
	mr.Close()

	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := store.SetIfAbsentWithTTL(ctx, "k", []byte("1"), time.Minute); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
