// Command migrate-json-to-postgres copies a JSON datastore into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"liveroom-provisioner/internal/observability/logging"
	"liveroom-provisioner/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/provisioner.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall migration timeout")
	flag.Parse()

	logger := logging.New(logging.Config{Format: string(logging.FormatText)})
	dsn := resolveDSN(*postgresDSN, os.Getenv)
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, PROVISIONER_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := migrate(ctx, logger, *jsonPath, dsn); err != nil {
		logger.Error("migration failed", "error", err)
		cancel()
		os.Exit(1)
	}
}

func resolveDSN(flagValue string, getenv func(string) string) string {
	for _, candidate := range []string{flagValue, getenv("PROVISIONER_POSTGRES_DSN"), getenv("DATABASE_URL")} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func migrate(ctx context.Context, logger *slog.Logger, jsonPath, dsn string) error {
	snapshot, err := storage.LoadSnapshotFromJSON(jsonPath)
	if err != nil {
		return err
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", jsonPath, "rooms", counts.Rooms, "sessions", counts.Sessions)

	store, err := storage.NewPostgresStore(ctx, dsn, storage.WithPostgresApplicationName("provisioner-migrate"))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := store.ImportSnapshot(ctx, snapshot); err != nil {
		return err
	}
	if err := verifyCounts(ctx, store, counts); err != nil {
		return err
	}
	logger.Info("migration completed", "rooms", counts.Rooms, "sessions", counts.Sessions)
	return nil
}

type counter interface {
	Counts(ctx context.Context) (storage.SnapshotCounts, error)
}

// verifyCounts requires the database to hold at least the snapshot's rows;
// rows written by a running provisioner are allowed.
func verifyCounts(ctx context.Context, db counter, expected storage.SnapshotCounts) error {
	actual, err := db.Counts(ctx)
	if err != nil {
		return err
	}
	if actual.Rooms < expected.Rooms {
		return fmt.Errorf("mismatch for rooms: expected at least %d, got %d", expected.Rooms, actual.Rooms)
	}
	if actual.Sessions < expected.Sessions {
		return fmt.Errorf("mismatch for sessions: expected at least %d, got %d", expected.Sessions, actual.Sessions)
	}
	return nil
}
