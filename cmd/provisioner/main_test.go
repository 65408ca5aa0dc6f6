package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"liveroom-provisioner/internal/cache"
	"liveroom-provisioner/internal/config"
	"liveroom-provisioner/internal/encoder"
	"liveroom-provisioner/internal/models"
	"liveroom-provisioner/internal/testsupport/redisstub"
	"liveroom-provisioner/internal/testsupport/relaystub"
)

const roomsYAML = `
users:
  alpha:
    id: 1
    username: alpha
    liveRoom:
      id: 3
      name: Lobby
      transport: "no"
      localFile: /media/lobby.mp4
      key: abc
  beta:
    id: 2
    username: beta
    liveRoom:
      id: 4
      name: Empty
      transport: "no"
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEncoder writes an executable that accepts any arguments and exits 0.
func fakeEncoder(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script encoder requires a unix shell")
	}
	path := filepath.Join(t.TempDir(), "encoder")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write encoder: %v", err)
	}
	return path
}

func testConfig(t *testing.T, stub *relaystub.ControlPlane, env map[string]string) config.Config {
	t.Helper()
	rooms := filepath.Join(t.TempDir(), "rooms.yaml")
	if err := os.WriteFile(rooms, []byte(roomsYAML), 0o600); err != nil {
		t.Fatalf("write rooms: %v", err)
	}
	values := map[string]string{
		"PROVISIONER_ROOMS_FILE":           rooms,
		"PROVISIONER_RELAY_API":            stub.BaseURL(),
		"PROVISIONER_RELAY_HOST":           "relay.example",
		"PROVISIONER_RELAY_RETRY_INTERVAL": "1ms",
	}
	for key, value := range env {
		values[key] = value
	}
	cfg, err := config.Load(func(key string) string { return values[key] })
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestRunOnceWithoutEncoderStopsBeforeEviction(t *testing.T) {
	stub := relaystub.Start(relaystub.Options{Clients: []models.RelayClient{{ID: "a"}}})
	defer stub.Close()
	cfg := testConfig(t, stub, map[string]string{
		"PROVISIONER_ENCODER_BINARY": filepath.Join(t.TempDir(), "missing-encoder"),
	})

	err := run(context.Background(), cfg, discardLogger(), true)
	if !errors.Is(err, encoder.ErrBinaryUnavailable) {
		t.Fatalf("expected ErrBinaryUnavailable, got %v", err)
	}
	if stub.Count("list-clients") != 0 || stub.Count("delete-client") != 0 {
		t.Fatalf("expected no relay calls, got %+v", stub.Operations())
	}
}

func TestBuildAppReconcilesAndServesHooks(t *testing.T) {
	stub := relaystub.Start(relaystub.Options{Clients: []models.RelayClient{{ID: "a"}, {ID: "b"}}})
	defer stub.Close()
	cfg := testConfig(t, stub, map[string]string{
		"PROVISIONER_ENCODER_BINARY": fakeEncoder(t),
		"PROVISIONER_STORAGE_DRIVER": "json",
		"PROVISIONER_DATA_PATH":      filepath.Join(t.TempDir(), "data", "store.json"),
	})

	ctx := context.Background()
	app, err := buildApp(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer app.Close()

	report := app.runner.Run(ctx)
	if err := report.Err(); err != nil {
		t.Fatalf("unexpected pass error: %v", err)
	}
	if report.Persisted != 1 || report.Skipped != 1 || report.Eviction.Evicted != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	room, err := app.store.GetRoom(ctx, 3)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if !strings.Contains(room.URLs.PushRTMP, "rtmp://relay.example/") || !strings.Contains(room.URLs.PushRTMP, "pushkey=abc") {
		t.Fatalf("unexpected push url %q", room.URLs.PushRTMP)
	}

	body := `{"action":"on_publish","client_id":"c9","app":"livestream","stream":"roomId___3","param":"?pushtype=0&pushkey=abc"}`
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/srs", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected hook accepted, got %d %s", rec.Code, rec.Body.String())
	}
	sessions, err := app.store.ListSessionsByRoom(ctx, 3)
	if err != nil || len(sessions) != 1 || sessions[0].SourceConnectionID != "c9" {
		t.Fatalf("expected one session from the hook, got %+v %v", sessions, err)
	}

	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}
}

func TestServeAcceptsHooksBeforeFirstPass(t *testing.T) {
	stub := relaystub.Start(relaystub.Options{Clients: []models.RelayClient{{ID: "a"}}})
	defer stub.Close()
	cfg := testConfig(t, stub, map[string]string{
		"PROVISIONER_ENCODER_BINARY": fakeEncoder(t),
		"PROVISIONER_HTTP_ADDR":      "127.0.0.1:0",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc, err := buildApp(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer svc.Close()

	type hookResult struct {
		status     int
		relayCalls int
		err        error
	}
	listening := make(chan hookResult, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, discardLogger(), svc, func(addr string) {
			body := `{"action":"on_publish","client_id":"c1","app":"livestream","stream":"roomId___3","param":"?pushkey=abc"}`
			resp, err := http.Post("http://"+addr+"/hooks/srs", "application/json", strings.NewReader(body))
			result := hookResult{relayCalls: len(stub.Operations()), err: err}
			if err == nil {
				result.status = resp.StatusCode
				resp.Body.Close()
			}
			listening <- result
		})
	}()

	var result hookResult
	select {
	case result = <-listening:
	case err := <-done:
		t.Fatalf("serve returned before listening: %v", err)
	}
	if result.err != nil || result.status != http.StatusOK {
		t.Fatalf("expected hook accepted before the first pass, got %d %v", result.status, result.err)
	}
	if result.relayCalls != 0 {
		t.Fatalf("expected no relay calls before the hook server was up, got %d", result.relayCalls)
	}

	deadline := time.Now().Add(5 * time.Second)
	for stub.Count("delete-client") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected the first pass to evict relay clients")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestBuildAppWithRedisCoordination(t *testing.T) {
	redisServer, err := redisstub.Start(redisstub.Options{Password: "pw"})
	if err != nil {
		t.Fatalf("redisstub: %v", err)
	}
	defer redisServer.Close()
	stub := relaystub.Start(relaystub.Options{})
	defer stub.Close()
	cfg := testConfig(t, stub, map[string]string{
		"PROVISIONER_ENCODER_BINARY": fakeEncoder(t),
		"PROVISIONER_COORDINATION":   "redis",
		"PROVISIONER_REDIS_ADDR":     redisServer.Addr(),
		"PROVISIONER_REDIS_PASSWORD": "pw",
		"PROVISIONER_REDIS_PREFIX":   "lr:",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app, err := buildApp(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer app.Close()

	report := app.runner.Run(ctx)
	if report.Persisted != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if redisServer.CommandCount("EVAL") == 0 {
		t.Fatal("expected the room lease to be released through redis")
	}
	if _, ok := redisServer.Get("lr:cache:" + cache.RoomListKey); !ok {
		t.Fatal("expected the live session list to be cached in redis")
	}
}

func TestBuildAppRejectsWrongRedisPassword(t *testing.T) {
	redisServer, err := redisstub.Start(redisstub.Options{Password: "pw"})
	if err != nil {
		t.Fatalf("redisstub: %v", err)
	}
	defer redisServer.Close()
	stub := relaystub.Start(relaystub.Options{})
	defer stub.Close()
	cfg := testConfig(t, stub, map[string]string{
		"PROVISIONER_COORDINATION":   "redis",
		"PROVISIONER_REDIS_ADDR":     redisServer.Addr(),
		"PROVISIONER_REDIS_PASSWORD": "nope",
	})

	if _, err := buildApp(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected redis authentication failure")
	}
}
