package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"liveroom-provisioner/internal/models"
)

func seededStore(t *testing.T, path string) *MemoryStore {
	t.Helper()
	store, err := NewMemoryStore(path)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	ctx := context.Background()
	for _, room := range []models.Room{
		{ID: 1, Name: "lobby", SecretKey: "k1"},
		{ID: 2, Name: "keyless"},
	} {
		if err := store.EnsureRoom(ctx, room); err != nil {
			t.Fatalf("EnsureRoom: %v", err)
		}
	}
	return store
}

func TestEnsureRoomKeepsExistingSecret(t *testing.T) {
	store := seededStore(t, "")
	ctx := context.Background()
	if err := store.EnsureRoom(ctx, models.Room{ID: 1, Name: "renamed", SecretKey: "other"}); err != nil {
		t.Fatalf("EnsureRoom: %v", err)
	}
	key, ok, err := store.FindRoomSecret(ctx, 1)
	if err != nil || !ok || key != "k1" {
		t.Fatalf("expected original key, got %q %v %v", key, ok, err)
	}
	room, err := store.GetRoom(ctx, 1)
	if err != nil || room.Name != "lobby" || room.Kind != models.RoomKindSystem {
		t.Fatalf("unexpected room %+v %v", room, err)
	}
}

func TestFindRoomSecretMissing(t *testing.T) {
	store := seededStore(t, "")
	for _, id := range []int64{2, 99} {
		key, ok, err := store.FindRoomSecret(context.Background(), id)
		if err != nil || ok || key != "" {
			t.Fatalf("room %d: expected no key, got %q %v %v", id, key, ok, err)
		}
	}
}

func TestUpdateRoomOverwritesFields(t *testing.T) {
	store := seededStore(t, "")
	ctx := context.Background()
	update := models.RoomUpdate{
		Name:          "lobby",
		Weight:        5,
		TransportMode: models.TransportCDN,
		URLs:          models.URLSet{PushRTMP: "rtmp://h/a"},
	}
	if err := store.UpdateRoom(ctx, 1, update); err != nil {
		t.Fatalf("UpdateRoom: %v", err)
	}
	room, _ := store.GetRoom(ctx, 1)
	if room.Weight != 5 || room.TransportMode != models.TransportCDN || room.URLs.PushRTMP != "rtmp://h/a" {
		t.Fatalf("unexpected room %+v", room)
	}
	if room.SecretKey != "k1" {
		t.Fatal("expected update to leave the secret key alone")
	}
	if err := store.UpdateRoom(ctx, 42, update); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := seededStore(t, "")
	ctx := context.Background()

	external, err := store.CreateSession(ctx, models.NewSession{RoomID: 1, SourceConnectionID: models.ExternalConnectionID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if external.ID == "" || external.Status != models.SessionLive || !external.External() {
		t.Fatalf("unexpected session %+v", external)
	}
	if _, err := store.CreateSession(ctx, models.NewSession{RoomID: 1, SourceConnectionID: "c7"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := store.CreateSession(ctx, models.NewSession{RoomID: 2, SourceConnectionID: "c8"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	n, err := store.UpdateSessionByRoom(ctx, 2, models.RelayMetadata{ClientID: "c9", Stream: "roomId___2"})
	if err != nil || n != 1 {
		t.Fatalf("UpdateSessionByRoom: %d %v", n, err)
	}
	sessions, _ := store.ListSessionsByRoom(ctx, 2)
	if len(sessions) != 1 || sessions[0].SourceConnectionID != "c9" || sessions[0].Relay.Stream != "roomId___2" {
		t.Fatalf("unexpected room 2 sessions %+v", sessions)
	}

	if n, _ := store.DeleteSessionsByRoomAndConnection(ctx, 1, "c7"); n != 1 {
		t.Fatalf("expected one connection delete, got %d", n)
	}
	if n, _ := store.DeleteSessionsByConnection(ctx, "c9"); n != 1 {
		t.Fatalf("expected one delete by connection, got %d", n)
	}
	if n, _ := store.DeleteSessionsByRoom(ctx, 1); n != 1 {
		t.Fatalf("expected the external session removed, got %d", n)
	}
	all, _ := store.ListLiveSessions(ctx)
	if len(all) != 0 {
		t.Fatalf("expected no sessions left, got %+v", all)
	}
}

func TestListLiveSessionsOrdered(t *testing.T) {
	base := time.Unix(1700000000, 0)
	tick := 0
	store, err := NewMemoryStore("", WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	ctx := context.Background()
	for _, id := range []int64{3, 1, 3, 2} {
		if _, err := store.CreateSession(ctx, models.NewSession{RoomID: id}); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	sessions, _ := store.ListLiveSessions(ctx)
	want := []int64{1, 2, 3, 3}
	for i, s := range sessions {
		if s.RoomID != want[i] {
			t.Fatalf("unexpected order at %d: %+v", i, sessions)
		}
	}
	if !sessions[2].CreatedAt.Before(sessions[3].CreatedAt) {
		t.Fatal("expected sessions of a room ordered by creation")
	}
}

func TestMemoryStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "store.json")
	store := seededStore(t, path)
	ctx := context.Background()
	created, err := store.CreateSession(ctx, models.NewSession{RoomID: 1, SourceConnectionID: "c1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	reopened, err := NewMemoryStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	key, ok, _ := reopened.FindRoomSecret(ctx, 1)
	if !ok || key != "k1" {
		t.Fatalf("expected persisted room key, got %q", key)
	}
	sessions, _ := reopened.ListSessionsByRoom(ctx, 1)
	if len(sessions) != 1 || sessions[0].ID != created.ID {
		t.Fatalf("expected persisted session, got %+v", sessions)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "store-*.json"))
	if len(matches) != 0 {
		t.Fatalf("expected temp files cleaned up, found %v", matches)
	}
}

func TestMemoryStoreRollsBackFailedWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	store := seededStore(t, filepath.Join(dir, "store.json"))
	ctx := context.Background()
	created, err := store.CreateSession(ctx, models.NewSession{RoomID: 1, SourceConnectionID: "c1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// Without the data directory every persist fails.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove data dir: %v", err)
	}

	if err := store.UpdateRoom(ctx, 1, models.RoomUpdate{Name: "renamed"}); err == nil {
		t.Fatal("expected UpdateRoom to fail")
	}
	if room, _ := store.GetRoom(ctx, 1); room.Name != "lobby" {
		t.Fatalf("expected room name restored, got %q", room.Name)
	}

	if n, err := store.UpdateSessionByRoom(ctx, 1, models.RelayMetadata{ClientID: "c2"}); err == nil || n != 0 {
		t.Fatalf("expected UpdateSessionByRoom to fail, got %d %v", n, err)
	}
	if n, err := store.DeleteSessionsByRoom(ctx, 1); err == nil || n != 0 {
		t.Fatalf("expected DeleteSessionsByRoom to fail, got %d %v", n, err)
	}
	sessions, _ := store.ListSessionsByRoom(ctx, 1)
	if len(sessions) != 1 || sessions[0] != created {
		t.Fatalf("expected session restored unchanged, got %+v want %+v", sessions, created)
	}

	if err := store.EnsureRoom(ctx, models.Room{ID: 9, Name: "new"}); err == nil {
		t.Fatal("expected EnsureRoom to fail")
	}
	if _, err := store.GetRoom(ctx, 9); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room 9 rolled back, got %v", err)
	}
}
