// Package storage persists rooms and live sessions for the provisioner.
package storage

import (
	"context"
	"errors"

	"liveroom-provisioner/internal/models"
)

// ErrRoomNotFound is returned when a room ID has no stored record.
var ErrRoomNotFound = errors.New("room not found")

// Store is the datastore contract. Implementations must be safe for
// concurrent use; callers serialise per-room sequences through a lease.
type Store interface {
	// EnsureRoom inserts room when it does not exist yet. Existing rooms,
	// including their secret key, are left untouched.
	EnsureRoom(ctx context.Context, room models.Room) error
	GetRoom(ctx context.Context, roomID int64) (models.Room, error)
	// FindRoomSecret returns the room's push key. ok is false when the room
	// is missing or has no key.
	FindRoomSecret(ctx context.Context, roomID int64) (key string, ok bool, err error)
	UpdateRoom(ctx context.Context, roomID int64, update models.RoomUpdate) error

	CreateSession(ctx context.Context, session models.NewSession) (models.LiveSession, error)
	DeleteSessionsByRoom(ctx context.Context, roomID int64) (int, error)
	// UpdateSessionByRoom overwrites relay metadata on the room's sessions
	// and returns how many were touched.
	UpdateSessionByRoom(ctx context.Context, roomID int64, relay models.RelayMetadata) (int, error)
	DeleteSessionsByRoomAndConnection(ctx context.Context, roomID int64, connectionID string) (int, error)
	DeleteSessionsByConnection(ctx context.Context, connectionID string) (int, error)
	ListSessionsByRoom(ctx context.Context, roomID int64) ([]models.LiveSession, error)
	ListLiveSessions(ctx context.Context) ([]models.LiveSession, error)

	Close(ctx context.Context) error
}
