package provision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"liveroom-provisioner/internal/encoder"
	"liveroom-provisioner/internal/models"
	"liveroom-provisioner/internal/observability/metrics"
	"liveroom-provisioner/internal/relay"
	"liveroom-provisioner/internal/storage"
)

type fakeLauncher struct {
	mu       sync.Mutex
	commands []encoder.Command
	fail     bool
}

func (f *fakeLauncher) Launch(_ context.Context, cmd encoder.Command) encoder.LaunchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if f.fail {
		return encoder.LaunchResult{Status: encoder.LaunchFailed, Err: encoder.ErrLaunchFailed}
	}
	return encoder.LaunchResult{Status: encoder.LaunchStarted, PID: 4242}
}

func (f *fakeLauncher) launches() []encoder.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]encoder.Command(nil), f.commands...)
}

type fakeCDN struct {
	mu       sync.Mutex
	exists   bool
	queryErr error
	drops    int
	queries  int
}

func (f *fakeCDN) DropExisting(context.Context, int64) {
	f.mu.Lock()
	f.drops++
	f.mu.Unlock()
}

func (f *fakeCDN) QueryState(context.Context, int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.exists, f.queryErr
}

func (f *fakeCDN) URLs(roomID int64) models.URLSet {
	stream := models.StreamName(roomID)
	return models.URLSet{
		PushRTMP: "rtmp://push.cdn/live/" + stream + "?txSecret=s",
		PullRTMP: "rtmp://pull.cdn/live/" + stream,
		PullHLS:  "https://pull.cdn/live/" + stream + ".m3u8",
	}
}

// countingStore records session purges on top of a real memory store.
type countingStore struct {
	*storage.MemoryStore
	mu      sync.Mutex
	purged  []int64
	updates int
}

func (s *countingStore) DeleteSessionsByRoom(ctx context.Context, roomID int64) (int, error) {
	s.mu.Lock()
	s.purged = append(s.purged, roomID)
	s.mu.Unlock()
	return s.MemoryStore.DeleteSessionsByRoom(ctx, roomID)
}

func (s *countingStore) UpdateRoom(ctx context.Context, roomID int64, update models.RoomUpdate) error {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return s.MemoryStore.UpdateRoom(ctx, roomID, update)
}

func newStore(t *testing.T, rooms ...models.Room) *countingStore {
	t.Helper()
	mem, err := storage.NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	for _, room := range rooms {
		if err := mem.EnsureRoom(context.Background(), room); err != nil {
			t.Fatalf("EnsureRoom: %v", err)
		}
	}
	return &countingStore{MemoryStore: mem}
}

func newProvisioner(store storage.Store, launcher encoder.Launcher, env models.Environment, opts ...Option) *Provisioner {
	opts = append([]Option{WithMetrics(metrics.New())}, opts...)
	urls := relay.NewURLBuilder(relay.DefaultTemplates("relay.example", 8080))
	return New(store, urls, launcher, Config{Environment: env}, opts...)
}

func selfHostedRoom(id int64) models.Room {
	return models.Room{
		ID:            id,
		UserID:        100 + id,
		Name:          "room",
		TransportMode: models.TransportSelfHosted,
		LocalFile:     "/media/loop.mp4",
		ActivateInDev: true,
		SecretKey:     "abc",
	}
}

func TestSelfHostedDevRoomLaunchesAndPersists(t *testing.T) {
	room := selfHostedRoom(7)
	store := newStore(t, room)
	launcher := &fakeLauncher{}
	p := newProvisioner(store, launcher, models.EnvironmentDevelopment)

	out := p.Provision(context.Background(), room)
	if !out.Persisted() || out.Err != nil {
		t.Fatalf("expected persisted outcome, got %+v", out)
	}
	if out.Launch != StateProcessLaunched {
		t.Fatalf("expected launch, got %s", out.Launch)
	}
	launches := launcher.launches()
	if len(launches) != 1 {
		t.Fatalf("expected one launch, got %d", len(launches))
	}
	if dest := launches[0].Destination(); !strings.Contains(dest, "abc") || !strings.Contains(dest, "roomId___7") {
		t.Fatalf("unexpected destination %q", dest)
	}
	if len(store.purged) != 1 || store.purged[0] != 7 {
		t.Fatalf("expected one purge of room 7, got %v", store.purged)
	}
	stored, err := store.GetRoom(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if stored.URLs.PushRTMP == "" || stored.URLs.PullRTMP == "" {
		t.Fatalf("expected push and pull rtmp persisted, got %+v", stored.URLs)
	}
	if stored.Kind != models.RoomKindSystem || stored.TransportMode != models.TransportSelfHosted {
		t.Fatalf("unexpected pass-through fields %+v", stored)
	}
	if sessions, _ := store.ListSessionsByRoom(context.Background(), 7); len(sessions) != 0 {
		t.Fatalf("expected self-hosted room to wait for the relay callback, got %+v", sessions)
	}
}

func TestSelfHostedRoomPurgesStaleSessions(t *testing.T) {
	room := selfHostedRoom(3)
	store := newStore(t, room)
	ctx := context.Background()
	if _, err := store.CreateSession(ctx, models.NewSession{RoomID: 3, SourceConnectionID: "old"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	room.ActivateInDev = false
	p := newProvisioner(store, &fakeLauncher{}, models.EnvironmentDevelopment)

	out := p.Provision(ctx, room)
	if out.Launch != StateProcessSkipped || !out.Persisted() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if sessions, _ := store.ListSessionsByRoom(ctx, 3); len(sessions) != 0 {
		t.Fatalf("expected stale session purged, got %+v", sessions)
	}
}

func TestProductionNeverLaunchesInactiveRoom(t *testing.T) {
	room := selfHostedRoom(4)
	room.ActivateInDev = true
	room.ActivateInProd = false
	store := newStore(t, room)
	launcher := &fakeLauncher{}
	p := newProvisioner(store, launcher, models.EnvironmentProduction)

	out := p.Provision(context.Background(), room)
	if len(launcher.launches()) != 0 {
		t.Fatal("expected no launch in production")
	}
	if out.Launch != StateProcessSkipped || !out.Persisted() {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRoomWithoutKeyIsSkippedSilently(t *testing.T) {
	room := selfHostedRoom(5)
	room.SecretKey = ""
	store := newStore(t, room)
	launcher := &fakeLauncher{}
	p := newProvisioner(store, launcher, models.EnvironmentDevelopment)

	out := p.Provision(context.Background(), room)
	if out.State != StateSkipped || !errors.Is(out.Err, ErrUnconfiguredRoom) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(store.purged) != 0 || store.updates != 0 || len(launcher.launches()) != 0 {
		t.Fatal("expected no side effects for an unconfigured room")
	}
}

func TestSelfHostedLaunchFailureStillPersists(t *testing.T) {
	room := selfHostedRoom(6)
	store := newStore(t, room)
	p := newProvisioner(store, &fakeLauncher{fail: true}, models.EnvironmentDevelopment)

	out := p.Provision(context.Background(), room)
	if !out.Persisted() || out.Launch != StateProcessFailed {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestMissingLocalFileIsLaunchFailure(t *testing.T) {
	room := selfHostedRoom(8)
	room.LocalFile = ""
	store := newStore(t, room)
	launcher := &fakeLauncher{}
	p := newProvisioner(store, launcher, models.EnvironmentDevelopment)

	out := p.Provision(context.Background(), room)
	if out.Launch != StateProcessFailed || !out.Persisted() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(launcher.launches()) != 0 {
		t.Fatal("expected invalid command never to reach the launcher")
	}
}

func cdnRoom(id int64) models.Room {
	return models.Room{
		ID:             id,
		UserID:         200,
		Name:           "cdn",
		TransportMode:  models.TransportCDN,
		LocalFile:      "/media/cdn.mp4",
		ActivateInProd: true,
	}
}

func TestCDNRoomCreatesExternalSession(t *testing.T) {
	room := cdnRoom(11)
	store := newStore(t, room)
	cdn := &fakeCDN{exists: true}
	launcher := &fakeLauncher{}
	p := newProvisioner(store, launcher, models.EnvironmentProduction, WithCDN(cdn))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out := p.Provision(ctx, room)
		if !out.Persisted() || out.Session == nil {
			t.Fatalf("run %d: unexpected outcome %+v", i, out)
		}
	}
	sessions, _ := store.ListSessionsByRoom(ctx, 11)
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one session after two runs, got %d", len(sessions))
	}
	s := sessions[0]
	if s.SourceConnectionID != models.ExternalConnectionID || s.Status != models.SessionLive || s.UserID != 200 {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.AudioTrackPresent || s.VideoTrackPresent {
		t.Fatal("expected unknown track flags")
	}
	if cdn.drops != 2 || cdn.queries != 2 {
		t.Fatalf("expected drop and query per run, got %d/%d", cdn.drops, cdn.queries)
	}
	if launches := launcher.launches(); len(launches) != 2 || !strings.HasPrefix(launches[0].Destination(), "rtmp://push.cdn/") {
		t.Fatalf("expected launches to the cdn ingest, got %+v", launches)
	}
	stored, _ := store.GetRoom(ctx, 11)
	if stored.URLs.PullHLS != "https://pull.cdn/live/roomId___11.m3u8" {
		t.Fatalf("unexpected persisted urls %+v", stored.URLs)
	}
}

func TestCDNLaunchFailureMarksSessionDegraded(t *testing.T) {
	room := cdnRoom(12)
	store := newStore(t, room)
	p := newProvisioner(store, &fakeLauncher{fail: true}, models.EnvironmentProduction, WithCDN(&fakeCDN{exists: true}))

	out := p.Provision(context.Background(), room)
	if !out.Persisted() || out.Session == nil || out.Session.Status != models.SessionDegraded {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestCDNUnboundStreamPersistsNothing(t *testing.T) {
	room := cdnRoom(13)
	store := newStore(t, room)
	launcher := &fakeLauncher{}
	p := newProvisioner(store, launcher, models.EnvironmentProduction, WithCDN(&fakeCDN{exists: false}))

	out := p.Provision(context.Background(), room)
	if out.State != StateSkipped || !errors.Is(out.Err, ErrStreamUnbound) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(store.purged) != 0 || store.updates != 0 || len(launcher.launches()) != 0 {
		t.Fatal("expected no side effects for an unbound stream")
	}
}

func TestCDNQueryErrorAbortsRoom(t *testing.T) {
	room := cdnRoom(14)
	store := newStore(t, room)
	queryErr := errors.New("provider down")
	p := newProvisioner(store, &fakeLauncher{}, models.EnvironmentProduction, WithCDN(&fakeCDN{queryErr: queryErr}))

	out := p.Provision(context.Background(), room)
	if out.State != StateAborted || !errors.Is(out.Err, queryErr) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if store.updates != 0 {
		t.Fatal("expected no room update after a query error")
	}
}

func TestCDNRoomOutsideProductionIsSkipped(t *testing.T) {
	room := cdnRoom(15)
	store := newStore(t, room)
	cdn := &fakeCDN{exists: true}
	p := newProvisioner(store, &fakeLauncher{}, models.EnvironmentDevelopment, WithCDN(cdn))

	out := p.Provision(context.Background(), room)
	if out.State != StateSkipped {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if cdn.drops != 0 || cdn.queries != 0 {
		t.Fatal("expected provider untouched outside production")
	}
}

func TestCDNRoomWithoutProvider(t *testing.T) {
	room := cdnRoom(16)
	p := newProvisioner(newStore(t, room), &fakeLauncher{}, models.EnvironmentProduction)
	out := p.Provision(context.Background(), room)
	if out.State != StateAborted || !errors.Is(out.Err, ErrCDNDisabled) {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRoomMissingFromStoreIsUnconfigured(t *testing.T) {
	room := selfHostedRoom(9)
	store := newStore(t)
	p := newProvisioner(store, &fakeLauncher{}, models.EnvironmentDevelopment)
	out := p.Provision(context.Background(), room)
	// Without a stored record there is no key either.
	if out.State != StateSkipped || !errors.Is(out.Err, ErrUnconfiguredRoom) {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
