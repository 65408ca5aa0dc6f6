package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"liveroom-provisioner/internal/models"
)

type dataset struct {
	Rooms    map[int64]models.Room         `json:"rooms"`
	Sessions map[string]models.LiveSession `json:"sessions"`
}

func newDataset() dataset {
	return dataset{
		Rooms:    make(map[int64]models.Room),
		Sessions: make(map[string]models.LiveSession),
	}
}

// MemoryStore keeps rooms and sessions in memory. With a file path it
// persists every mutation as JSON, replacing the file atomically.
type MemoryStore struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
}

// NewMemoryStore opens a store. An empty path keeps data in memory only.
func NewMemoryStore(path string, opts ...Option) (*MemoryStore, error) {
	cfg := newOptions(opts...)
	store := &MemoryStore{filePath: path, data: newDataset(), now: cfg.clock}
	if path == "" {
		return store, nil
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MemoryStore) load() error {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	data := newDataset()
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("decode store file: %w", err)
	}
	if data.Rooms == nil {
		data.Rooms = make(map[int64]models.Room)
	}
	if data.Sessions == nil {
		data.Sessions = make(map[string]models.LiveSession)
	}
	s.data = data
	return nil
}

// persist must be called with s.mu held for writing.
func (s *MemoryStore) persist() error {
	if s.filePath == "" {
		return nil
	}
	dir := filepath.Dir(s.filePath)
	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *MemoryStore) EnsureRoom(_ context.Context, room models.Room) error {
	if room.ID <= 0 {
		return fmt.Errorf("room id must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Rooms[room.ID]; ok {
		return nil
	}
	if room.Kind == "" {
		room.Kind = models.RoomKindSystem
	}
	room.UpdatedAt = s.now()
	s.data.Rooms[room.ID] = room
	if err := s.persist(); err != nil {
		delete(s.data.Rooms, room.ID)
		return err
	}
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID int64) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.data.Rooms[roomID]
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	return room, nil
}

func (s *MemoryStore) FindRoomSecret(_ context.Context, roomID int64) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.data.Rooms[roomID]
	if !ok || room.SecretKey == "" {
		return "", false, nil
	}
	return room.SecretKey, true, nil
}

func (s *MemoryStore) UpdateRoom(_ context.Context, roomID int64, update models.RoomUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, ok := s.data.Rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room := previous
	room.Name = update.Name
	room.Desc = update.Desc
	room.CoverImage = update.CoverImage
	room.Weight = update.Weight
	room.TransportMode = update.TransportMode
	room.AuthRequired = update.AuthRequired
	if update.Kind != "" {
		room.Kind = update.Kind
	}
	room.URLs = update.URLs
	room.UpdatedAt = s.now()
	s.data.Rooms[roomID] = room
	if err := s.persist(); err != nil {
		s.data.Rooms[roomID] = previous
		return err
	}
	return nil
}

func (s *MemoryStore) CreateSession(_ context.Context, params models.NewSession) (models.LiveSession, error) {
	if params.RoomID <= 0 {
		return models.LiveSession{}, fmt.Errorf("room id must be positive")
	}
	status := params.Status
	if status == "" {
		status = models.SessionLive
	}
	now := s.now()
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Sessions[session.ID] = session
	if err := s.persist(); err != nil {
		delete(s.data.Sessions, session.ID)
		return models.LiveSession{}, err
	}
	return session, nil
}

func (s *MemoryStore) deleteWhere(match func(models.LiveSession) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[string]models.LiveSession)
	for id, session := range s.data.Sessions {
		if match(session) {
			removed[id] = session
			delete(s.data.Sessions, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		s.restoreSessions(removed)
		return 0, err
	}
	return len(removed), nil
}

// restoreSessions puts back entries changed by a mutation whose persist
// failed. It must be called with s.mu held for writing.
func (s *MemoryStore) restoreSessions(previous map[string]models.LiveSession) {
	for id, session := range previous {
		s.data.Sessions[id] = session
	}
}

func (s *MemoryStore) DeleteSessionsByRoom(_ context.Context, roomID int64) (int, error) {
	return s.deleteWhere(func(ls models.LiveSession) bool { return ls.RoomID == roomID })
}

func (s *MemoryStore) DeleteSessionsByRoomAndConnection(_ context.Context, roomID int64, connectionID string) (int, error) {
	return s.deleteWhere(func(ls models.LiveSession) bool {
		return ls.RoomID == roomID && ls.SourceConnectionID == connectionID
	})
}

func (s *MemoryStore) DeleteSessionsByConnection(_ context.Context, connectionID string) (int, error) {
	return s.deleteWhere(func(ls models.LiveSession) bool { return ls.SourceConnectionID == connectionID })
}

func (s *MemoryStore) UpdateSessionByRoom(_ context.Context, roomID int64, relay models.RelayMetadata) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := make(map[string]models.LiveSession)
	now := s.now()
	for id, session := range s.data.Sessions {
		if session.RoomID != roomID {
			continue
		}
		previous[id] = session
		session.Relay = relay
		if relay.ClientID != "" {
			session.SourceConnectionID = relay.ClientID
		}
		session.UpdatedAt = now
		s.data.Sessions[id] = session
	}
	if len(previous) == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		s.restoreSessions(previous)
		return 0, err
	}
	return len(previous), nil
}

func (s *MemoryStore) ListSessionsByRoom(_ context.Context, roomID int64) ([]models.LiveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LiveSession
	for _, session := range s.data.Sessions {
		if session.RoomID == roomID {
			out = append(out, session)
		}
	}
	sortSessions(out)
	return out, nil
}

func (s *MemoryStore) ListLiveSessions(_ context.Context) ([]models.LiveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LiveSession, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		out = append(out, session)
	}
	sortSessions(out)
	return out, nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}

func sortSessions(sessions []models.LiveSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].RoomID != sessions[j].RoomID {
			return sessions[i].RoomID < sessions[j].RoomID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
