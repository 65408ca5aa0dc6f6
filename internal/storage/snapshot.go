package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/jackc/pgx/v5"

	"liveroom-provisioner/internal/models"
)

// Snapshot is the full content of a JSON datastore.
type Snapshot struct {
	Rooms    []models.Room
	Sessions []models.LiveSession
}

// SnapshotCounts summarises a snapshot or a database.
type SnapshotCounts struct {
	Rooms    int
	Sessions int
}

func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{Rooms: len(s.Rooms), Sessions: len(s.Sessions)}
}

// LoadSnapshotFromJSON reads a file written by a MemoryStore.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	data := newDataset()
	if err := json.Unmarshal(raw, &data); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshotOf(data), nil
}

func snapshotOf(data dataset) Snapshot {
	snap := Snapshot{
		Rooms:    make([]models.Room, 0, len(data.Rooms)),
		Sessions: make([]models.LiveSession, 0, len(data.Sessions)),
	}
	for _, room := range data.Rooms {
		snap.Rooms = append(snap.Rooms, room)
	}
	for _, session := range data.Sessions {
		snap.Sessions = append(snap.Sessions, session)
	}
	sort.Slice(snap.Rooms, func(i, j int) bool { return snap.Rooms[i].ID < snap.Rooms[j].ID })
	sortSessions(snap.Sessions)
	return snap
}

// Snapshot copies the store's current content.
func (s *MemoryStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotOf(s.data)
}

// ImportSnapshot writes every room and session in one transaction. Rooms are
// upserted; sessions whose ID already exists are left alone.
func (s *PostgresStore) ImportSnapshot(ctx context.Context, snap Snapshot) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, room := range snap.Rooms {
		if room.Kind == "" {
			room.Kind = models.RoomKindSystem
		}
		urls, err := json.Marshal(room.URLs)
		if err != nil {
			return fmt.Errorf("encode room %d urls: %w", room.ID, err)
		}
		updated := room.UpdatedAt
		if updated.IsZero() {
			updated = s.opts.clock().UTC()
		}
		batch.Queue(`
INSERT INTO live_rooms (id, user_id, name, description, cover_image, weight, transport_mode,
    auth_required, local_file, activate_in_dev, activate_in_prod, secret_key, transcode, kind, urls, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO UPDATE SET
    user_id = EXCLUDED.user_id, name = EXCLUDED.name, description = EXCLUDED.description,
    cover_image = EXCLUDED.cover_image, weight = EXCLUDED.weight, transport_mode = EXCLUDED.transport_mode,
    auth_required = EXCLUDED.auth_required, local_file = EXCLUDED.local_file,
    activate_in_dev = EXCLUDED.activate_in_dev, activate_in_prod = EXCLUDED.activate_in_prod,
    secret_key = EXCLUDED.secret_key, transcode = EXCLUDED.transcode, kind = EXCLUDED.kind,
    urls = EXCLUDED.urls, updated_at = EXCLUDED.updated_at
`, room.ID, room.UserID, room.Name, room.Desc, room.CoverImage, room.Weight, string(room.TransportMode),
			room.AuthRequired, room.LocalFile, room.ActivateInDev, room.ActivateInProd, room.SecretKey,
			room.Transcode, string(room.Kind), urls, updated)
	}
	for _, session := range snap.Sessions {
		relay, err := json.Marshal(session.Relay)
		if err != nil {
			return fmt.Errorf("encode session %s relay: %w", session.ID, err)
		}
		status := session.Status
		if status == "" {
			status = models.SessionLive
		}
		batch.Queue(`
INSERT INTO live_sessions (id, room_id, user_id, source_connection_id, audio_track_present,
    video_track_present, status, relay, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING
`, session.ID, session.RoomID, session.UserID, session.SourceConnectionID, session.AudioTrackPresent,
			session.VideoTrackPresent, string(status), relay, session.CreatedAt, session.UpdatedAt)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("import statement %d: %w", i+1, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close import batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

// Counts reports how many rooms and sessions the database holds.
func (s *PostgresStore) Counts(ctx context.Context) (SnapshotCounts, error) {
	if s == nil || s.pool == nil {
		return SnapshotCounts{}, ErrPostgresUnavailable
	}
	var counts SnapshotCounts
	err := s.pool.QueryRow(ctx, `SELECT (SELECT COUNT(*) FROM live_rooms), (SELECT COUNT(*) FROM live_sessions)`).
		Scan(&counts.Rooms, &counts.Sessions)
	if err != nil {
		return SnapshotCounts{}, fmt.Errorf("count rows: %w", err)
	}
	return counts, nil
}
