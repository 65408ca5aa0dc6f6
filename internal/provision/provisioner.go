// Package provision brings a single room to its desired streaming state:
// resolve its URLs, optionally start an encoder pushing its local media, and
// record the result.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"liveroom-provisioner/internal/encoder"
	"liveroom-provisioner/internal/lease"
	"liveroom-provisioner/internal/models"
	"liveroom-provisioner/internal/observability/logging"
	"liveroom-provisioner/internal/observability/metrics"
	"liveroom-provisioner/internal/storage"
)

// ErrUnconfiguredRoom marks a self-hosted room without a push key. Such rooms
// are skipped without complaint.
var ErrUnconfiguredRoom = errors.New("room has no push key")

// ErrCDNDisabled is returned for CDN rooms when no provider is configured.
var ErrCDNDisabled = errors.New("cdn strategy not configured")

// ErrStreamUnbound means the provider did not confirm the room's stream.
var ErrStreamUnbound = errors.New("cdn stream not bound")

// State is a step of the per-room state machine.
type State string

const (
	StateIdle            State = "idle"
	StateStrategyChosen  State = "strategy_chosen"
	StateURLsResolved    State = "urls_resolved"
	StateAborted         State = "aborted"
	StateSkipped         State = "skipped"
	StateProcessLaunched State = "process_launched"
	StateProcessSkipped  State = "process_skipped"
	StateProcessFailed   State = "process_failed"
	StatePersisted       State = "persisted"
)

// CDN is the provider strategy used for rooms in cdn transport mode.
type CDN interface {
	DropExisting(ctx context.Context, roomID int64)
	QueryState(ctx context.Context, roomID int64) (bool, error)
	URLs(roomID int64) models.URLSet
}

// URLResolver derives self-hosted relay URLs.
type URLResolver interface {
	URLsFor(roomID int64, secretKey string) models.URLSet
}

// Outcome is the result of provisioning one room. Err is nil for persisted
// and silently skipped rooms.
type Outcome struct {
	RoomID   int64
	Strategy models.TransportMode
	State    State
	// Launch is the encoder state reached before persisting.
	Launch  State
	URLs    models.URLSet
	Session *models.LiveSession
	Err     error
}

// Persisted reports whether the room record was written.
func (o Outcome) Persisted() bool { return o.State == StatePersisted }

// Config holds the deployment-wide provisioning settings.
type Config struct {
	Environment   models.Environment
	EncoderBinary string
	// EncoderVerbose keeps encoder warnings in the process output.
	EncoderVerbose bool
}

// Provisioner runs the per-room state machine.
type Provisioner struct {
	store    storage.Store
	urls     URLResolver
	cdn      CDN
	launcher encoder.Launcher
	locker   lease.Locker
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// Option customises a Provisioner.
type Option func(*Provisioner)

// WithCDN enables the CDN strategy.
func WithCDN(cdn CDN) Option {
	return func(p *Provisioner) { p.cdn = cdn }
}

// WithLocker replaces the default in-process room lease.
func WithLocker(locker lease.Locker) Option {
	return func(p *Provisioner) {
		if locker != nil {
			p.locker = locker
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provisioner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(p *Provisioner) { p.metrics = r }
}

// New builds a Provisioner.
func New(store storage.Store, urls URLResolver, launcher encoder.Launcher, cfg Config, opts ...Option) *Provisioner {
	if cfg.Environment == "" {
		cfg.Environment = models.EnvironmentDevelopment
	}
	p := &Provisioner{
		store:    store,
		urls:     urls,
		launcher: launcher,
		locker:   lease.NewMemory(),
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.WithComponent(p.logger, "provision")
	p.metrics = metrics.OrDefault(p.metrics)
	return p
}

// Provision drives room through the state machine. It never panics on a
// collaborator failure; the failure is reported in the outcome and only
// affects this room.
func (p *Provisioner) Provision(ctx context.Context, room models.Room) Outcome {
	ctx = logging.ContextWithRoomID(ctx, room.ID)
	logger := logging.WithContext(ctx, p.logger)

	out := p.provision(ctx, room, logger)
	p.metrics.ObserveRoom(string(out.Strategy), string(out.State))

	switch {
	case out.State == StatePersisted:
		logger.Info("room provisioned", "strategy", out.Strategy, "launch", out.Launch, "outcome", "success")
	case errors.Is(out.Err, ErrUnconfiguredRoom):
		logger.Debug("room skipped", "reason", out.Err)
	case out.State == StateSkipped:
		logger.Info("room skipped", "strategy", out.Strategy, "reason", out.Err, "outcome", "success")
	default:
		logger.Error("room provisioning aborted", "strategy", out.Strategy, "state", out.State, "error", out.Err, "outcome", "error")
	}
	return out
}

func (p *Provisioner) provision(ctx context.Context, room models.Room, logger *slog.Logger) Outcome {
	out := Outcome{RoomID: room.ID, Strategy: room.TransportMode, State: StateIdle}
	if out.Strategy == "" {
		out.Strategy = models.TransportSelfHosted
	}

	urls, state, err := p.resolve(ctx, room, out.Strategy)
	out.State = state
	out.Err = err
	if state != StateURLsResolved {
		return out
	}
	out.URLs = urls

	err = lease.WithRoom(ctx, p.locker, room.ID, func(ctx context.Context) error {
		if _, err := p.store.DeleteSessionsByRoom(ctx, room.ID); err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}

		launch := p.launch(ctx, room, urls, logger)
		out.Launch = launch

		update := models.RoomUpdate{
			Name:          room.Name,
			Desc:          room.Desc,
			CoverImage:    room.CoverImage,
			Weight:        room.Weight,
			TransportMode: out.Strategy,
			AuthRequired:  room.AuthRequired,
			Kind:          models.RoomKindSystem,
			URLs:          urls,
		}
		if err := p.store.UpdateRoom(ctx, room.ID, update); err != nil {
			return fmt.Errorf("update room: %w", err)
		}

		if out.Strategy != models.TransportCDN {
			return nil
		}
		// The provider ingests CDN streams directly, so no relay publish
		// callback will ever record this session.
		status := models.SessionLive
		if launch == StateProcessFailed {
			status = models.SessionDegraded
		}
		session, err := p.store.CreateSession(ctx, models.NewSession{
			RoomID:             room.ID,
			UserID:             room.UserID,
			SourceConnectionID: models.ExternalConnectionID,
			Status:             status,
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		out.Session = &session
		return nil
	})
	if err != nil {
		out.State = StateAborted
		out.Err = err
		return out
	}
	out.State = StatePersisted
	return out
}

// resolve chooses the strategy and derives the room's URLs. It returns
// StateURLsResolved on success.
func (p *Provisioner) resolve(ctx context.Context, room models.Room, strategy models.TransportMode) (models.URLSet, State, error) {
	switch strategy {
	case models.TransportCDN:
		if p.cfg.Environment != models.EnvironmentProduction || !room.ActivateInProd {
			return models.URLSet{}, StateSkipped, fmt.Errorf("cdn room inactive in %s", p.cfg.Environment)
		}
		if p.cdn == nil {
			return models.URLSet{}, StateAborted, ErrCDNDisabled
		}
		p.cdn.DropExisting(ctx, room.ID)
		exists, err := p.cdn.QueryState(ctx, room.ID)
		if err != nil {
			return models.URLSet{}, StateAborted, fmt.Errorf("query cdn state: %w", err)
		}
		if !exists {
			return models.URLSet{}, StateSkipped, ErrStreamUnbound
		}
		return p.cdn.URLs(room.ID), StateURLsResolved, nil
	case models.TransportSelfHosted:
		key, ok, err := p.store.FindRoomSecret(ctx, room.ID)
		if err != nil {
			return models.URLSet{}, StateAborted, fmt.Errorf("load push key: %w", err)
		}
		if !ok {
			return models.URLSet{}, StateSkipped, ErrUnconfiguredRoom
		}
		return p.urls.URLsFor(room.ID, key), StateURLsResolved, nil
	default:
		return models.URLSet{}, StateAborted, fmt.Errorf("unknown transport mode %q", strategy)
	}
}

func (p *Provisioner) launch(ctx context.Context, room models.Room, urls models.URLSet, logger *slog.Logger) State {
	if !room.ActivatedIn(p.cfg.Environment) {
		p.metrics.ObserveLaunch(string(encoder.LaunchSkipped))
		return StateProcessSkipped
	}
	cmd, err := encoder.BuildRelayCommand(encoder.RelayParams{
		Name:        models.StreamName(room.ID),
		Binary:      p.cfg.EncoderBinary,
		Input:       room.LocalFile,
		Destination: urls.PushRTMP,
		Transcode:   room.Transcode,
		Verbose:     p.cfg.EncoderVerbose,
	})
	if err != nil {
		p.metrics.ObserveLaunch(string(encoder.LaunchFailed))
		logger.Warn("encoder command invalid", "error", err, "outcome", "warning")
		return StateProcessFailed
	}
	result := p.launcher.Launch(ctx, cmd)
	p.metrics.ObserveLaunch(string(result.Status))
	if !result.Launched() {
		logger.Warn("encoder launch failed", "error", result.Err, "outcome", "warning")
		return StateProcessFailed
	}
	return StateProcessLaunched
}
