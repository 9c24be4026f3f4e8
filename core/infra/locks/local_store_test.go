package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalStoreExclusive(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()
	if _, ok, err := s.Acquire(ctx, "pkg", "a", ModeExclusive, time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := s.Acquire(ctx, "pkg", "b", ModeExclusive, time.Minute); ok {
		t.Fatalf("expected conflict for second owner")
	}
	if _, ok, _ := s.Acquire(ctx, "pkg", "b", ModeShared, time.Minute); ok {
		t.Fatalf("expected shared acquire to fail against exclusive")
	}
	lock, ok, err := s.Acquire(ctx, "pkg", "a", ModeExclusive, time.Minute)
	if err != nil || !ok || lock.Owners["a"] != 2 {
		t.Fatalf("expected reentrant acquire, got %#v", lock)
	}
	if _, _, err := s.Release(ctx, "pkg", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := s.Acquire(ctx, "pkg", "b", ModeExclusive, time.Minute); ok {
		t.Fatalf("lock still held once by a")
	}
	if _, _, err := s.Release(ctx, "pkg", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.Get(ctx, "pkg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected lock freed, got %v", err)
	}
}

func TestLocalStoreSharedUpgrade(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()
	s.Acquire(ctx, "pkg", "a", ModeShared, time.Minute)
	if _, ok, _ := s.Acquire(ctx, "pkg", "b", ModeShared, time.Minute); !ok {
		t.Fatalf("expected shared acquire")
	}
	if _, ok, _ := s.Acquire(ctx, "pkg", "a", ModeExclusive, time.Minute); ok {
		t.Fatalf("upgrade must fail while another reader holds the lock")
	}
	s.Release(ctx, "pkg", "b")
	lock, ok, _ := s.Acquire(ctx, "pkg", "a", ModeExclusive, time.Minute)
	if !ok || lock.Mode != ModeExclusive {
		t.Fatalf("expected sole reader to upgrade, got %#v", lock)
	}
}

func TestLocalStoreExpiryAndRenew(t *testing.T) {
	s := NewLocalStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()
	s.Acquire(ctx, "pkg", "a", ModeExclusive, time.Second)
	now = now.Add(500 * time.Millisecond)
	if _, ok, _ := s.Renew(ctx, "pkg", "a", time.Second); !ok {
		t.Fatalf("expected renew")
	}
	now = now.Add(900 * time.Millisecond)
	if _, ok, _ := s.Acquire(ctx, "pkg", "b", ModeExclusive, time.Second); ok {
		t.Fatalf("renewed lock should still be held")
	}
	now = now.Add(200 * time.Millisecond)
	if _, ok, _ := s.Acquire(ctx, "pkg", "b", ModeExclusive, time.Second); !ok {
		t.Fatalf("expected acquire after expiry")
	}
	if _, ok, _ := s.Renew(ctx, "pkg", "a", time.Second); ok {
		t.Fatalf("expired owner must not renew")
	}
}

func TestLocalStoreConcurrentExclusive(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok, _ := s.Acquire(ctx, "pkg", string(rune('a'+i)), ModeExclusive, time.Minute); ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestLocalStoreValidation(t *testing.T) {
	s := NewLocalStore()
	if _, _, err := s.Acquire(context.Background(), "", "a", ModeExclusive, 0); err == nil {
		t.Fatalf("expected error for empty resource")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Acquire(ctx, "pkg", "a", ModeExclusive, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
