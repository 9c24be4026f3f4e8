package locks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreAcquireRelease(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	lock, ok, err := store.Acquire(ctx, "mpk:pkg:com.test.app", "worker-a", ModeExclusive, 2*time.Second)
	if err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	if !ok || lock == nil || lock.Owners["worker-a"] != 1 {
		t.Fatalf("expected lock acquired, got %#v", lock)
	}

	if _, ok, err := store.Acquire(ctx, "mpk:pkg:com.test.app", "worker-b", ModeExclusive, 2*time.Second); err != nil || ok {
		t.Fatalf("expected second exclusive acquire to fail, ok=%v err=%v", ok, err)
	}

	if _, ok, err := store.Release(ctx, "mpk:pkg:com.test.app", "worker-a"); err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}
	if _, err := store.Get(ctx, "mpk:pkg:com.test.app"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected lock gone after release, got %v", err)
	}

	if _, ok, err := store.Acquire(ctx, "mpk:pkg:com.test.app", "worker-b", ModeExclusive, 2*time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after release, err=%v ok=%v", err, ok)
	}
}

func TestRedisStoreSharedAndRenew(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	if _, ok, err := store.Acquire(ctx, "mpk:pkg:shared", "a", ModeShared, time.Second); err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire shared: %v", err)
	} else if !ok {
		t.Fatalf("expected shared acquire")
	}
	if _, ok, err := store.Acquire(ctx, "mpk:pkg:shared", "b", ModeShared, time.Second); err != nil || !ok {
		t.Fatalf("expected second shared acquire, ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.Acquire(ctx, "mpk:pkg:shared", "c", ModeExclusive, time.Second); err != nil || ok {
		t.Fatalf("expected exclusive acquire to fail while shared, ok=%v err=%v", ok, err)
	}
	lock, ok, err := store.Renew(ctx, "mpk:pkg:shared", "a", time.Minute)
	if err != nil || !ok || lock == nil {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL(lockKey("mpk:pkg:shared")); ttl < 30*time.Second {
		t.Fatalf("expected renewed ttl, got %s", ttl)
	}
	if _, ok, err := store.Renew(ctx, "mpk:pkg:shared", "stranger", time.Minute); err != nil || ok {
		t.Fatalf("expected renew by stranger to fail, ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	if _, ok, err := store.Acquire(ctx, "mpk:pkg:ttl", "a", ModeExclusive, time.Second); err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	} else if !ok {
		t.Fatalf("expected acquire")
	}
	mr.FastForward(2 * time.Second)
	if _, ok, err := store.Acquire(ctx, "mpk:pkg:ttl", "b", ModeExclusive, time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after expiry, ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreValidation(t *testing.T) {
	store, _ := newRedisStore(t)
	if _, _, err := store.Acquire(context.Background(), " ", "a", ModeExclusive, 0); err == nil {
		t.Fatalf("expected error for empty resource")
	}
	var nilStore *RedisStore
	if _, _, err := nilStore.Acquire(context.Background(), "r", "a", ModeExclusive, 0); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if err := nilStore.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func skipEval(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown command") || strings.Contains(msg, "eval")
}
