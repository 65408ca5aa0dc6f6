package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"liveroom-provisioner/internal/cache"
	"liveroom-provisioner/internal/models"
	"liveroom-provisioner/internal/testsupport/redisstub"
)

func TestCachedStoreInvalidatesOnSessionChanges(t *testing.T) {
	mem := cache.NewMemory()
	store := NewCachedStore(seededStore(t, ""), mem, nil)
	ctx := context.Background()

	prime := func() {
		t.Helper()
		if err := mem.Set(ctx, cache.RoomListKey, []byte("[]"), 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	cached := func() bool {
		_, ok, _ := mem.Get(ctx, cache.RoomListKey)
		return ok
	}

	prime()
	if _, err := store.CreateSession(ctx, models.NewSession{RoomID: 1, SourceConnectionID: "c1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if cached() {
		t.Fatal("expected create to invalidate the room list")
	}

	prime()
	if _, err := store.DeleteSessionsByRoom(ctx, 2); err != nil {
		t.Fatalf("DeleteSessionsByRoom: %v", err)
	}
	if !cached() {
		t.Fatal("expected a no-op delete to keep the cache")
	}

	prime()
	if n, _ := store.DeleteSessionsByRoomAndConnection(ctx, 1, "c1"); n != 1 {
		t.Fatalf("expected one delete, got %d", n)
	}
	if cached() {
		t.Fatal("expected delete to invalidate the room list")
	}
}

func TestCachedStoreListReadsThrough(t *testing.T) {
	mem := cache.NewMemory()
	inner := seededStore(t, "")
	store := NewCachedStore(inner, mem, nil, WithListCacheTTL(time.Minute))
	ctx := context.Background()

	if _, err := inner.CreateSession(ctx, models.NewSession{RoomID: 1}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	first, err := store.ListLiveSessions(ctx)
	if err != nil || len(first) != 1 {
		t.Fatalf("ListLiveSessions: %+v %v", first, err)
	}
	// Writes that bypass the decorator are not visible until the entry goes.
	if _, err := inner.CreateSession(ctx, models.NewSession{RoomID: 2}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	second, _ := store.ListLiveSessions(ctx)
	if len(second) != 1 {
		t.Fatalf("expected cached list, got %+v", second)
	}
	if _, err := store.DeleteSessionsByRoom(ctx, 1); err != nil {
		t.Fatalf("DeleteSessionsByRoom: %v", err)
	}
	third, _ := store.ListLiveSessions(ctx)
	if len(third) != 1 || third[0].RoomID != 2 {
		t.Fatalf("expected fresh list after invalidation, got %+v", third)
	}
}

func TestCachedStoreWithRedis(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "pw"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	defer srv.Close()

	client, err := cache.NewRedisClient(cache.RedisConfig{Addr: srv.Addr(), Password: "pw"})
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer client.Close()

	store := NewCachedStore(seededStore(t, ""), cache.NewRedis(client, "lr:"), nil)
	ctx := context.Background()
	srv.Set("lr:"+cache.RoomListKey, "stale")

	if _, err := store.CreateSession(ctx, models.NewSession{RoomID: 1}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, ok := srv.Get("lr:" + cache.RoomListKey); ok {
		t.Fatal("expected redis entry deleted")
	}
	if _, err := store.ListLiveSessions(ctx); err != nil {
		t.Fatalf("ListLiveSessions: %v", err)
	}
	if _, ok := srv.Get("lr:" + cache.RoomListKey); !ok {
		t.Fatal("expected list cached in redis")
	}
}

func TestNewCachedStoreWithoutCache(t *testing.T) {
	inner := seededStore(t, "")
	if got := NewCachedStore(inner, nil, nil); got != Store(inner) {
		t.Fatal("expected store returned unchanged")
	}
}

// pausingStore holds the first ListLiveSessions call after it has read from
// the wrapped store, until release is closed.
type pausingStore struct {
	Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (p *pausingStore) ListLiveSessions(ctx context.Context) ([]models.LiveSession, error) {
	sessions, err := p.Store.ListLiveSessions(ctx)
	p.once.Do(func() {
		close(p.read)
		<-p.release
	})
	return sessions, err
}

func TestCachedStoreListIgnoresSnapshotReadBeforeMutation(t *testing.T) {
	mem := cache.NewMemory()
	inner := &pausingStore{Store: seededStore(t, ""), read: make(chan struct{}), release: make(chan struct{})}
	store := NewCachedStore(inner, mem, nil, WithListCacheTTL(time.Minute))
	ctx := context.Background()

	done := make(chan []models.LiveSession)
	go func() {
		sessions, _ := store.ListLiveSessions(ctx)
		done <- sessions
	}()
	<-inner.read
	if _, err := store.CreateSession(ctx, models.NewSession{RoomID: 1, SourceConnectionID: "c1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	close(inner.release)
	if early := <-done; len(early) != 0 {
		t.Fatalf("expected the paused read to see the old list, got %+v", early)
	}

	sessions, err := store.ListLiveSessions(ctx)
	if err != nil {
		t.Fatalf("ListLiveSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].RoomID != 1 {
		t.Fatalf("expected the created session after invalidation, got %+v", sessions)
	}
}
