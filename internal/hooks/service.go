// Package hooks records relay publish callbacks as live sessions, sharing the
// per-room lease with the provisioner.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"liveroom-provisioner/internal/lease"
	"liveroom-provisioner/internal/models"
	"liveroom-provisioner/internal/observability/logging"
	"liveroom-provisioner/internal/observability/metrics"
	"liveroom-provisioner/internal/storage"
)

var (
	// ErrUnknownStream is returned for stream names that do not map to a room.
	ErrUnknownStream = errors.New("stream not recognized")
	// ErrInvalidPushKey is returned when a publisher presents the wrong key.
	ErrInvalidPushKey = errors.New("invalid push key")
)

// Event is one relay callback.
type Event struct {
	RoomID int64
	Relay  models.RelayMetadata
}

// EventFromRelay maps relay metadata onto its room.
func EventFromRelay(meta models.RelayMetadata) (Event, error) {
	roomID, ok := models.RoomIDFromStream(meta.Stream)
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownStream, meta.Stream)
	}
	return Event{RoomID: roomID, Relay: meta}, nil
}

// Service applies publish and unpublish callbacks to the store.
type Service struct {
	store   storage.Store
	locker  lease.Locker
	logger  *slog.Logger
	metrics *metrics.Recorder
	// verifyKeys rejects publishers whose pushkey does not match the room.
	verifyKeys bool
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// WithKeyVerification enables pushkey checks on publish.
func WithKeyVerification(enabled bool) Option {
	return func(s *Service) { s.verifyKeys = enabled }
}

// NewService builds a Service. locker must be the same Locker the
// provisioner uses, otherwise callbacks can interleave with a pass.
func NewService(store storage.Store, locker lease.Locker, opts ...Option) *Service {
	s := &Service{store: store, locker: locker, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = lease.NewMemory()
	}
	s.logger = logging.WithComponent(s.logger, "hooks")
	s.metrics = metrics.OrDefault(s.metrics)
	return s
}

// OnPublish records that the room is being pushed. An existing session is
// updated in place so the room keeps at most one.
func (s *Service) OnPublish(ctx context.Context, ev Event) (models.LiveSession, error) {
	ctx = logging.ContextWithRoomID(ctx, ev.RoomID)
	var session models.LiveSession
	err := lease.WithRoom(ctx, s.locker, ev.RoomID, func(ctx context.Context) error {
		room, err := s.store.GetRoom(ctx, ev.RoomID)
		if err != nil {
			return fmt.Errorf("load room: %w", err)
		}
		if s.verifyKeys {
			if err := checkPushKey(room.SecretKey, ev.Relay.Param); err != nil {
				return err
			}
		}

		existing, err := s.store.ListSessionsByRoom(ctx, ev.RoomID)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(existing) > 0 {
			if _, err := s.store.UpdateSessionByRoom(ctx, ev.RoomID, ev.Relay); err != nil {
				return fmt.Errorf("update session: %w", err)
			}
			session = existing[0]
			session.Relay = ev.Relay
			if ev.Relay.ClientID != "" {
				session.SourceConnectionID = ev.Relay.ClientID
			}
			return nil
		}

		session, err = s.store.CreateSession(ctx, models.NewSession{
			RoomID:             ev.RoomID,
			UserID:             room.UserID,
			SourceConnectionID: ev.Relay.ClientID,
			AudioTrackPresent:  true,
			VideoTrackPresent:  true,
			Status:             models.SessionLive,
			Relay:              ev.Relay,
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})
	s.metrics.ObserveHook("publish", err)
	logger := logging.WithContext(ctx, s.logger)
	if err != nil {
		logger.Warn("publish rejected", "client_id", ev.Relay.ClientID, "error", err, "outcome", "warning")
		return models.LiveSession{}, err
	}
	logger.Info("publish recorded", "client_id", ev.Relay.ClientID, "session_id", session.ID, "outcome", "success")
	return session, nil
}

// OnUnpublish removes the sessions created for the publisher's connection.
func (s *Service) OnUnpublish(ctx context.Context, ev Event) (int, error) {
	ctx = logging.ContextWithRoomID(ctx, ev.RoomID)
	var removed int
	err := lease.WithRoom(ctx, s.locker, ev.RoomID, func(ctx context.Context) error {
		n, err := s.store.DeleteSessionsByRoomAndConnection(ctx, ev.RoomID, ev.Relay.ClientID)
		if err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		removed = n
		return nil
	})
	s.metrics.ObserveHook("unpublish", err)
	logger := logging.WithContext(ctx, s.logger)
	if err != nil {
		logger.Warn("unpublish failed", "client_id", ev.Relay.ClientID, "error", err, "outcome", "error")
		return 0, err
	}
	logger.Info("unpublish recorded", "client_id", ev.Relay.ClientID, "removed", removed, "outcome", "success")
	return removed, nil
}

func checkPushKey(expected, param string) error {
	if expected == "" {
		return ErrInvalidPushKey
	}
	values, err := url.ParseQuery(strings.TrimPrefix(param, "?"))
	if err != nil {
		return ErrInvalidPushKey
	}
	if !constantTimeEqual(expected, values.Get("pushkey")) {
		return ErrInvalidPushKey
	}
	return nil
}
