package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"liveroom-provisioner/internal/cache"
	"liveroom-provisioner/internal/models"
)

// CachedStore wraps a Store and keeps the cached room list coherent: every
// session mutation deletes cache.RoomListKey, and ListLiveSessions reads
// through it.
type CachedStore struct {
	Store
	cache  cache.Cache
	logger *slog.Logger
	opts   options
}

// NewCachedStore decorates store. A nil cache returns store unchanged.
func NewCachedStore(store Store, c cache.Cache, logger *slog.Logger, opts ...Option) Store {
	if c == nil {
		return store
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{Store: store, cache: c, logger: logger, opts: newOptions(opts...)}
}

// invalidate bumps the list generation and drops the cached list. Cache
// failures are logged, never returned: the datastore write already succeeded.
func (s *CachedStore) invalidate(ctx context.Context) {
	if _, err := s.cache.Incr(ctx, cache.RoomListGenerationKey); err != nil {
		s.logger.Warn("room list generation bump failed", "error", err)
	}
	if err := s.cache.Delete(ctx, cache.RoomListKey); err != nil {
		s.logger.Warn("room list cache invalidation failed", "error", err)
	}
}

func (s *CachedStore) UpdateRoom(ctx context.Context, roomID int64, update models.RoomUpdate) error {
	if err := s.Store.UpdateRoom(ctx, roomID, update); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedStore) CreateSession(ctx context.Context, params models.NewSession) (models.LiveSession, error) {
	session, err := s.Store.CreateSession(ctx, params)
	if err != nil {
		return session, err
	}
	s.invalidate(ctx)
	return session, nil
}

func (s *CachedStore) DeleteSessionsByRoom(ctx context.Context, roomID int64) (int, error) {
	return s.mutated(ctx)(s.Store.DeleteSessionsByRoom(ctx, roomID))
}

func (s *CachedStore) DeleteSessionsByRoomAndConnection(ctx context.Context, roomID int64, connectionID string) (int, error) {
	return s.mutated(ctx)(s.Store.DeleteSessionsByRoomAndConnection(ctx, roomID, connectionID))
}

func (s *CachedStore) DeleteSessionsByConnection(ctx context.Context, connectionID string) (int, error) {
	return s.mutated(ctx)(s.Store.DeleteSessionsByConnection(ctx, connectionID))
}

func (s *CachedStore) UpdateSessionByRoom(ctx context.Context, roomID int64, relay models.RelayMetadata) (int, error) {
	return s.mutated(ctx)(s.Store.UpdateSessionByRoom(ctx, roomID, relay))
}

func (s *CachedStore) mutated(ctx context.Context) func(int, error) (int, error) {
	return func(n int, err error) (int, error) {
		if err != nil {
			return n, err
		}
		if n > 0 {
			s.invalidate(ctx)
		}
		return n, nil
	}
}

// cachedList is the cached room list together with the generation it was
// read under.
type cachedList struct {
	Generation int64                `json:"generation"`
	Sessions   []models.LiveSession `json:"sessions"`
}

func (s *CachedStore) generation(ctx context.Context) (int64, error) {
	raw, ok, err := s.cache.Get(ctx, cache.RoomListGenerationKey)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// ListLiveSessions serves the cached list only when it was read under the
// current generation. A list read from the store before a concurrent
// mutation is tagged with the old generation, so writing it back never
// hides that mutation from later readers.
func (s *CachedStore) ListLiveSessions(ctx context.Context) ([]models.LiveSession, error) {
	gen, err := s.generation(ctx)
	if err != nil {
		s.logger.Warn("room list generation read failed", "error", err)
		return s.Store.ListLiveSessions(ctx)
	}
	raw, ok, err := s.cache.Get(ctx, cache.RoomListKey)
	if err != nil {
		s.logger.Warn("room list cache read failed", "error", err)
	}
	if ok {
		var entry cachedList
		if err := json.Unmarshal(raw, &entry); err == nil && entry.Generation == gen {
			return entry.Sessions, nil
		}
	}
	sessions, err := s.Store.ListLiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(cachedList{Generation: gen, Sessions: sessions}); err == nil {
		if err := s.cache.Set(ctx, cache.RoomListKey, payload, s.opts.listCacheTTL); err != nil {
			s.logger.Warn("room list cache write failed", "error", err)
		}
	}
	return sessions, nil
}
