package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// both implementations must agree on the KV contract.
func kvImplementations(t *testing.T) map[string]KV {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	return map[string]KV{
		"redis":  rdb,
		"memory": NewMemory(),
	}
}

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvImplementations(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := kv.Get(ctx, "missing"); err != ErrNotFound {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := kv.Set(ctx, "k", "v", 0); err != nil {
				t.Fatal(err)
			}
			v, err := kv.Get(ctx, "k")
			if err != nil || v != "v" {
				t.Fatalf("get = %q, %v", v, err)
			}
			if err := kv.Del(ctx, "k"); err != nil {
				t.Fatal(err)
			}
			if _, err := kv.Get(ctx, "k"); err != ErrNotFound {
				t.Fatal("expected ErrNotFound after delete")
			}
		})
	}
}

func TestSetNX(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := kv.SetNX(ctx, "nx", "first", time.Minute)
			if err != nil || !ok {
				t.Fatalf("first setnx = %v, %v", ok, err)
			}
			ok, err = kv.SetNX(ctx, "nx", "second", time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Fatal("second setnx must not win")
			}
			v, _ := kv.Get(ctx, "nx")
			if v != "first" {
				t.Fatalf("value overwritten: %q", v)
			}
		})
	}
}

func TestIncr(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvImplementations(t) {
		t.Run(name, func(t *testing.T) {
			for want := int64(1); want <= 3; want++ {
				got, err := kv.Incr(ctx, "ctr")
				if err != nil || got != want {
					t.Fatalf("incr = %d, %v; want %d", got, err, want)
				}
			}
		})
	}
}

func TestDecr(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvImplementations(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := kv.Incr(ctx, "ctr"); err != nil {
				t.Fatal(err)
			}
			if _, err := kv.Incr(ctx, "ctr"); err != nil {
				t.Fatal(err)
			}
			got, err := kv.Decr(ctx, "ctr")
			if err != nil || got != 1 {
				t.Fatalf("decr = %d, %v; want 1", got, err)
			}
			got, err = kv.Decr(ctx, "fresh")
			if err != nil || got != -1 {
				t.Fatalf("decr on missing key = %d, %v; want -1", got, err)
			}
		})
	}
}

func TestIncrWithTTLExpiresFromFirstHit(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	kv := NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	if _, err := kv.IncrWithTTL(ctx, "win", 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.IncrWithTTL(ctx, "win", 2*time.Second); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(time.Second)
	n, err := kv.IncrWithTTL(ctx, "win", 2*time.Second)
	if err != nil || n != 3 {
		t.Fatalf("counter should survive within ttl: %d, %v", n, err)
	}

	mr.FastForward(3 * time.Second)
	n, err = kv.IncrWithTTL(ctx, "win", 2*time.Second)
	if err != nil || n != 1 {
		t.Fatalf("counter should reset after ttl: %d, %v", n, err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	m := NewMemory().WithClock(func() time.Time { return now })

	if err := m.Set(ctx, "tok", "x", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "tok"); err != nil {
		t.Fatal("value must be live before expiry")
	}

	now = now.Add(6 * time.Second)
	if _, err := m.Get(ctx, "tok"); err != ErrNotFound {
		t.Fatal("value must expire")
	}
}
