package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fastStores returns every FastStore implementation backed by the
// in-process miniredis server plus the pure in-memory store.
func fastStores(t *testing.T) map[string]FastStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rs := NewRedisFastStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rs.Close() })
	return map[string]FastStore{
		"memory": NewMemFastStore(),
		"redis":  rs,
	}
}

func TestFastStoreGetSetDel(t *testing.T) {
	for name, s := range fastStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}
			if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, err := s.Get(ctx, "k")
			if err != nil || string(got) != "v" {
				t.Errorf("Get() = %q, %v, want \"v\"", got, err)
			}
			if err := s.Del(ctx, "k"); err != nil {
				t.Fatalf("Del() error = %v", err)
			}
			if _, err := s.Get(ctx, "k"); err != ErrNotFound {
				t.Errorf("Get() after Del error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFastStoreKeysPattern(t *testing.T) {
	for name, s := range fastStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{
				TokensKey("inst-1"),
				VarsKey("inst-1"),
				TokensKey("inst-2"),
				MessageSubKey("order.paid", "inst-1", "node-1"),
			} {
				if err := s.Set(ctx, key, []byte("x"), 0); err != nil {
					t.Fatalf("Set(%s) error = %v", key, err)
				}
			}

			keys, err := s.Keys(ctx, InstancePattern("inst-1"))
			if err != nil {
				t.Fatalf("Keys() error = %v", err)
			}
			if len(keys) != 2 {
				t.Errorf("Keys(process:inst-1:*) = %v, want 2 keys", keys)
			}

			subs, err := s.Keys(ctx, MessageSubPattern("order.paid"))
			if err != nil {
				t.Fatalf("Keys() error = %v", err)
			}
			if len(subs) != 1 {
				t.Errorf("Keys(subscription pattern) = %v, want 1 key", subs)
			}
		})
	}
}

func TestFastStoreListAndHash(t *testing.T) {
	for name, s := range fastStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.ListPush(ctx, "tokens", []byte("a"), []byte("b")); err != nil {
				t.Fatalf("ListPush() error = %v", err)
			}
			if err := s.ListPush(ctx, "tokens", []byte("c")); err != nil {
				t.Fatalf("ListPush() error = %v", err)
			}
			items, err := s.ListRange(ctx, "tokens")
			if err != nil {
				t.Fatalf("ListRange() error = %v", err)
			}
			if len(items) != 3 || string(items[0]) != "a" || string(items[2]) != "c" {
				t.Errorf("ListRange() = %q, want [a b c]", items)
			}

			if err := s.HashSet(ctx, "vars", "count", []byte("1")); err != nil {
				t.Fatalf("HashSet() error = %v", err)
			}
			if err := s.HashSet(ctx, "vars", "name", []byte("x")); err != nil {
				t.Fatalf("HashSet() error = %v", err)
			}
			val, err := s.HashGet(ctx, "vars", "count")
			if err != nil || string(val) != "1" {
				t.Errorf("HashGet() = %q, %v", val, err)
			}
			if _, err := s.HashGet(ctx, "vars", "missing"); err != ErrNotFound {
				t.Errorf("HashGet(missing) error = %v, want ErrNotFound", err)
			}
			all, err := s.HashGetAll(ctx, "vars")
			if err != nil || len(all) != 2 {
				t.Errorf("HashGetAll() = %v, %v, want 2 fields", all, err)
			}
			if err := s.HashDel(ctx, "vars", "count"); err != nil {
				t.Fatalf("HashDel() error = %v", err)
			}
			if _, err := s.HashGet(ctx, "vars", "count"); err != ErrNotFound {
				t.Errorf("HashGet() after HashDel error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFastStoreLocks(t *testing.T) {
	for name, s := range fastStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := LockKey("inst-1")

			ok, err := s.AcquireLock(ctx, key, 30*time.Second)
			if err != nil || !ok {
				t.Fatalf("AcquireLock() = %v, %v, want acquired", ok, err)
			}
			// A second worker must not steal a held lock.
			ok, err = s.AcquireLock(ctx, key, 30*time.Second)
			if err != nil {
				t.Fatalf("AcquireLock() error = %v", err)
			}
			if ok {
				t.Error("second AcquireLock() succeeded on a held lock")
			}
			if err := s.RefreshLock(ctx, key, 30*time.Second); err != nil {
				t.Errorf("RefreshLock() error = %v", err)
			}
			if err := s.ReleaseLock(ctx, key); err != nil {
				t.Fatalf("ReleaseLock() error = %v", err)
			}
			ok, err = s.AcquireLock(ctx, key, 30*time.Second)
			if err != nil || !ok {
				t.Errorf("AcquireLock() after release = %v, %v, want acquired", ok, err)
			}
		})
	}
}

func TestFastStorePipeline(t *testing.T) {
	for name, s := range fastStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.ListPush(ctx, "tokens", []byte("stale")); err != nil {
				t.Fatalf("ListPush() error = %v", err)
			}

			// Token move: drop the old list, write the new one and a
			// variable in a single commit.
			pipe := s.Pipeline()
			pipe.Del("tokens")
			pipe.ListPush("tokens", []byte("fresh-1"), []byte("fresh-2"))
			pipe.HashSet("vars", "count", []byte("2"))
			pipe.Set("state", []byte("RUNNING"), 0)
			if err := pipe.Exec(ctx); err != nil {
				t.Fatalf("Exec() error = %v", err)
			}

			items, err := s.ListRange(ctx, "tokens")
			if err != nil {
				t.Fatalf("ListRange() error = %v", err)
			}
			if len(items) != 2 || string(items[0]) != "fresh-1" {
				t.Errorf("ListRange() after pipeline = %q", items)
			}
			if val, err := s.HashGet(ctx, "vars", "count"); err != nil || string(val) != "2" {
				t.Errorf("HashGet() after pipeline = %q, %v", val, err)
			}
			if val, err := s.Get(ctx, "state"); err != nil || string(val) != "RUNNING" {
				t.Errorf("Get() after pipeline = %q, %v", val, err)
			}
		})
	}
}

func TestMemFastStoreTTL(t *testing.T) {
	s := NewMemFastStore()
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.Get(ctx, "k"); err != ErrNotFound {
		t.Errorf("Get() after TTL expiry error = %v, want ErrNotFound", err)
	}
}
