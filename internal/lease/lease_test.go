package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"liveroom-provisioner/internal/testsupport/redisstub"
)

func exerciseMutualExclusion(t *testing.T, locker Locker) {
	t.Helper()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithRoom(context.Background(), locker, 7, func(context.Context) error {
				n := inside.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("WithRoom: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", peak.Load())
	}
}

func TestRoomKey(t *testing.T) {
	if got := RoomKey(42); got != "room:42" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestMemoryLockerExclusive(t *testing.T) {
	m := NewMemory()
	exerciseMutualExclusion(t, m)
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.slots) != 0 {
		t.Fatalf("expected slots to be reclaimed, have %d", len(m.slots))
	}
}

func TestMemoryLockerDistinctKeysDoNotBlock(t *testing.T) {
	m := NewMemory()
	a, err := m.Acquire(context.Background(), RoomKey(1))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := m.Acquire(ctx, RoomKey(2))
	if err != nil {
		t.Fatalf("expected independent key to be free: %v", err)
	}
	_ = b.Release(context.Background())
	_ = a.Release(context.Background())
}

func TestMemoryLockerHonoursContext(t *testing.T) {
	m := NewMemory()
	held, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := held.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := held.Release(context.Background()); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
}

func newRedisLocker(t *testing.T) (*Redis, *redisstub.Server) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, RedisConfig{RetryInterval: time.Millisecond}), srv
}

func TestRedisLockerExclusive(t *testing.T) {
	locker, srv := newRedisLocker(t)
	exerciseMutualExclusion(t, locker)
	if _, ok := srv.Get("lease:room:7"); ok {
		t.Fatal("expected lease key to be deleted after release")
	}
}

func TestRedisLeaseReleaseOnlyOwnToken(t *testing.T) {
	locker, srv := newRedisLocker(t)
	held, err := locker.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	srv.Set("lease:k", "someone-else")
	if err := held.Release(context.Background()); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld after takeover, got %v", err)
	}
	if value, ok := srv.Get("lease:k"); !ok || value != "someone-else" {
		t.Fatalf("expected foreign lease to survive, got %q %v", value, ok)
	}
}

func TestRedisLockerHonoursContext(t *testing.T) {
	locker, srv := newRedisLocker(t)
	srv.Set("lease:busy", "other")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "busy"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
