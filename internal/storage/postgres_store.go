package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liveroom-provisioner/internal/models"
)

//go:embed postgres_schema.sql
var postgresSchema string

// ErrPostgresUnavailable is returned when the store has no pool.
var ErrPostgresUnavailable = errors.New("postgres store unavailable")

// PostgresStore keeps rooms and sessions in Postgres so several provisioner
// replicas and the hook receiver share state.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresStore opens a pool for dsn. The schema is not touched until
// EnsureSchema is called.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg := newOptions(opts...)
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.maxConns > 0 {
		poolCfg.MaxConns = cfg.maxConns
	}
	if cfg.minConns > 0 {
		poolCfg.MinConns = cfg.minConns
	}
	if cfg.maxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.maxConnLifetime
	}
	if cfg.maxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.maxConnIdleTime
	}
	if cfg.healthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.healthCheckPeriod
	}
	if cfg.acquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.acquireTimeout
	}
	if cfg.applicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool, opts: cfg}, nil
}

// EnsureSchema creates the tables and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Ping checks the pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresStore) EnsureRoom(ctx context.Context, room models.Room) error {
	if s.pool == nil {
		return ErrPostgresUnavailable
	}
	if room.ID <= 0 {
		return fmt.Errorf("room id must be positive")
	}
	if room.Kind == "" {
		room.Kind = models.RoomKindSystem
	}
	urls, err := json.Marshal(room.URLs)
	if err != nil {
		return fmt.Errorf("encode room urls: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO live_rooms (id, user_id, name, description, cover_image, weight, transport_mode,
    auth_required, local_file, activate_in_dev, activate_in_prod, secret_key, transcode, kind, urls, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO NOTHING
`, room.ID, room.UserID, room.Name, room.Desc, room.CoverImage, room.Weight, string(room.TransportMode),
		room.AuthRequired, room.LocalFile, room.ActivateInDev, room.ActivateInProd, room.SecretKey,
		room.Transcode, string(room.Kind), urls, s.opts.clock().UTC())
	if err != nil {
		return fmt.Errorf("insert room %d: %w", room.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID int64) (models.Room, error) {
	if s.pool == nil {
		return models.Room{}, ErrPostgresUnavailable
	}
	row := s.pool.QueryRow(ctx, `
SELECT id, user_id, name, description, cover_image, weight, transport_mode, auth_required, local_file,
    activate_in_dev, activate_in_prod, secret_key, transcode, kind, urls, updated_at
FROM live_rooms
WHERE id = $1
`, roomID)
	var (
		room      models.Room
		transport string
		kind      string
		urls      []byte
	)
	err := row.Scan(&room.ID, &room.UserID, &room.Name, &room.Desc, &room.CoverImage, &room.Weight, &transport,
		&room.AuthRequired, &room.LocalFile, &room.ActivateInDev, &room.ActivateInProd, &room.SecretKey,
		&room.Transcode, &kind, &urls, &room.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return models.Room{}, ErrRoomNotFound
		}
		return models.Room{}, fmt.Errorf("load room %d: %w", roomID, err)
	}
	room.TransportMode = models.TransportMode(transport)
	room.Kind = models.RoomKind(kind)
	if len(urls) > 0 {
		if err := json.Unmarshal(urls, &room.URLs); err != nil {
			return models.Room{}, fmt.Errorf("decode room %d urls: %w", roomID, err)
		}
	}
	return room, nil
}

func (s *PostgresStore) FindRoomSecret(ctx context.Context, roomID int64) (string, bool, error) {
	if s.pool == nil {
		return "", false, ErrPostgresUnavailable
	}
	var key string
	err := s.pool.QueryRow(ctx, `SELECT secret_key FROM live_rooms WHERE id = $1`, roomID).Scan(&key)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load room %d secret: %w", roomID, err)
	}
	return key, key != "", nil
}

func (s *PostgresStore) UpdateRoom(ctx context.Context, roomID int64, update models.RoomUpdate) error {
	if s.pool == nil {
		return ErrPostgresUnavailable
	}
	urls, err := json.Marshal(update.URLs)
	if err != nil {
		return fmt.Errorf("encode room urls: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE live_rooms
SET name = $2, description = $3, cover_image = $4, weight = $5, transport_mode = $6,
    auth_required = $7, kind = COALESCE(NULLIF($8, ''), kind), urls = $9, updated_at = $10
WHERE id = $1
`, roomID, update.Name, update.Desc, update.CoverImage, update.Weight, string(update.TransportMode),
		update.AuthRequired, string(update.Kind), urls, s.opts.clock().UTC())
	if err != nil {
		return fmt.Errorf("update room %d: %w", roomID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, params models.NewSession) (models.LiveSession, error) {
	if s.pool == nil {
		return models.LiveSession{}, ErrPostgresUnavailable
	}
	status := params.Status
	if status == "" {
		status = models.SessionLive
	}
	relay, err := json.Marshal(params.Relay)
	if err != nil {
		return models.LiveSession{}, fmt.Errorf("encode relay metadata: %w", err)
	}
	now := s.opts.clock().UTC()
	session := models.LiveSession{
		ID:                 uuid.NewString(),
		RoomID:             params.RoomID,
		UserID:             params.UserID,
		SourceConnectionID: params.SourceConnectionID,
		AudioTrackPresent:  params.AudioTrackPresent,
		VideoTrackPresent:  params.VideoTrackPresent,
		Status:             status,
		Relay:              params.Relay,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO live_sessions (id, room_id, user_id, source_connection_id, audio_track_present,
    video_track_present, status, relay, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, session.ID, session.RoomID, session.UserID, session.SourceConnectionID, session.AudioTrackPresent,
		session.VideoTrackPresent, string(session.Status), relay, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return models.LiveSession{}, fmt.Errorf("insert session for room %d: %w", params.RoomID, err)
	}
	return session, nil
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) (int, error) {
	if s.pool == nil {
		return 0, ErrPostgresUnavailable
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteSessionsByRoom(ctx context.Context, roomID int64) (int, error) {
	n, err := s.exec(ctx, `DELETE FROM live_sessions WHERE room_id = $1`, roomID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions for room %d: %w", roomID, err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteSessionsByRoomAndConnection(ctx context.Context, roomID int64, connectionID string) (int, error) {
	n, err := s.exec(ctx, `DELETE FROM live_sessions WHERE room_id = $1 AND source_connection_id = $2`, roomID, connectionID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions for room %d connection %s: %w", roomID, connectionID, err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteSessionsByConnection(ctx context.Context, connectionID string) (int, error) {
	n, err := s.exec(ctx, `DELETE FROM live_sessions WHERE source_connection_id = $1`, connectionID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions for connection %s: %w", connectionID, err)
	}
	return n, nil
}

func (s *PostgresStore) UpdateSessionByRoom(ctx context.Context, roomID int64, relay models.RelayMetadata) (int, error) {
	payload, err := json.Marshal(relay)
	if err != nil {
		return 0, fmt.Errorf("encode relay metadata: %w", err)
	}
	n, err := s.exec(ctx, `
UPDATE live_sessions
SET relay = $2, source_connection_id = COALESCE(NULLIF($3, ''), source_connection_id), updated_at = $4
WHERE room_id = $1
`, roomID, payload, relay.ClientID, s.opts.clock().UTC())
	if err != nil {
		return 0, fmt.Errorf("update sessions for room %d: %w", roomID, err)
	}
	return n, nil
}

const sessionColumns = `id::text, room_id, user_id, source_connection_id, audio_track_present, video_track_present,
    status, relay, created_at, updated_at`

func (s *PostgresStore) ListSessionsByRoom(ctx context.Context, roomID int64) ([]models.LiveSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM live_sessions WHERE room_id = $1 ORDER BY created_at`, roomID)
}

func (s *PostgresStore) ListLiveSessions(ctx context.Context) ([]models.LiveSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM live_sessions ORDER BY room_id, created_at`)
}

func (s *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]models.LiveSession, error) {
	if s.pool == nil {
		return nil, ErrPostgresUnavailable
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row pgx.CollectableRow) (models.LiveSession, error) {
	var (
		session models.LiveSession
		status  string
		relay   []byte
	)
	if err := row.Scan(&session.ID, &session.RoomID, &session.UserID, &session.SourceConnectionID,
		&session.AudioTrackPresent, &session.VideoTrackPresent, &status, &relay,
		&session.CreatedAt, &session.UpdatedAt); err != nil {
		return models.LiveSession{}, err
	}
	session.Status = models.SessionStatus(status)
	if len(relay) > 0 {
		if err := json.Unmarshal(relay, &session.Relay); err != nil {
			return models.LiveSession{}, fmt.Errorf("decode relay metadata: %w", err)
		}
	}
	return session, nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
