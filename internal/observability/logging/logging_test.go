package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode log entry %q: %v", buf.String(), err)
	}
	return payload
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		" DeBuG ": slog.LevelDebug,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input).Level(); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewTextFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: " TEXT ", Level: "warn"})
	logger.Info("dropped")
	logger.Warn("kept", "room_id", 7)

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("expected info line to be filtered, got %q", out)
	}
	if !strings.Contains(out, "msg=kept") || !strings.Contains(out, "room_id=7") {
		t.Fatalf("expected text output, got %q", out)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	WithComponent(slog.New(slog.NewJSONHandler(&buf, nil)), "reconcile").Info("component set")
	if payload := decodeLine(t, &buf); payload["component"] != "reconcile" {
		t.Fatalf("expected component reconcile, got %v", payload["component"])
	}
	if WithComponent(nil, "anything") != nil {
		t.Fatal("expected nil logger for nil input")
	}
}

func TestContextIDs(t *testing.T) {
	ctx := ContextWithRunID(context.Background(), " run-1 ")
	ctx = ContextWithRoomID(ctx, 7)
	ctx = ContextWithRoomID(ctx, 0)

	if id, ok := RunIDFromContext(ctx); !ok || id != "run-1" {
		t.Fatalf("expected run id run-1, got %q", id)
	}
	if id, ok := RoomIDFromContext(ctx); !ok || id != 7 {
		t.Fatalf("expected room id 7, got %d", id)
	}
	if _, ok := RunIDFromContext(ContextWithRunID(context.Background(), "  ")); ok {
		t.Fatal("expected blank run id to be ignored")
	}

	var buf bytes.Buffer
	WithContext(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("hello")
	payload := decodeLine(t, &buf)
	if payload["run_id"] != "run-1" || payload["room_id"] != float64(7) {
		t.Fatalf("expected run and room ids, got %v", payload)
	}
}

func TestContextLogger(t *testing.T) {
	logger := slog.Default()
	ctx := ContextWithLogger(context.Background(), logger)
	if LoggerFromContext(ctx) != logger {
		t.Fatal("expected stored logger")
	}
	if LoggerFromContext(context.Background()) != nil {
		t.Fatal("expected nil logger without one stored")
	}
}

func TestInitSetsDefaultLogger(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf, Format: string(FormatText), Level: "debug"})
	if logger != slog.Default() {
		t.Fatal("expected Init to replace the default logger")
	}
	slog.Debug("hello world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Fatalf("expected output to include message, got %q", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	middleware := RequestLogger(RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		AdditionalFields: func(r *http.Request, status int, _ time.Duration) []any {
			return []any{"hook", r.URL.Query().Get("action")}
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/hooks/srs?action=on_publish", nil)
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-9"))
	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(httptest.NewRecorder(), req)

	payload := decodeLine(t, &buf)
	if payload["status"] != float64(http.StatusAccepted) {
		t.Fatalf("expected status %d, got %v", http.StatusAccepted, payload["status"])
	}
	if payload["path"] != "/hooks/srs" || payload["hook"] != "on_publish" || payload["request_id"] != "req-9" {
		t.Fatalf("unexpected log fields %v", payload)
	}
	if _, ok := payload["remote_addr"]; ok {
		t.Fatalf("expected remote_addr to be omitted, got %v", payload["remote_addr"])
	}
}
