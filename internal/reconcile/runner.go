// Package reconcile runs the provisioning pass: evict stale relay sessions,
// then bring every configured room to its desired state.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"liveroom-provisioner/internal/encoder"
	"liveroom-provisioner/internal/models"
	"liveroom-provisioner/internal/observability/logging"
	"liveroom-provisioner/internal/observability/metrics"
	"liveroom-provisioner/internal/provision"
	"liveroom-provisioner/internal/relay"
)

// Prober checks the encoder can be executed.
type Prober interface {
	Check(ctx context.Context) error
}

// Evictor disconnects every session currently held by the relay.
type Evictor interface {
	EvictAll(ctx context.Context) (relay.EvictionReport, error)
}

// RoomProvisioner provisions a single room.
type RoomProvisioner interface {
	Provision(ctx context.Context, room models.Room) provision.Outcome
}

// SessionLister feeds the live session gauge after each pass.
type SessionLister interface {
	ListLiveSessions(ctx context.Context) ([]models.LiveSession, error)
}

// Report summarises one pass.
type Report struct {
	RunID string
	// EncoderMissing is set when the pass stopped before touching anything.
	EncoderMissing bool
	Eviction       relay.EvictionReport
	EvictionErr    error
	Outcomes       []provision.Outcome
	Persisted      int
	Skipped        int
	Failed         int
	Restream       encoder.LaunchStatus
	Duration       time.Duration
}

// Runner executes passes. The room list is fixed at construction.
type Runner struct {
	probe       Prober
	evictor     Evictor
	provisioner RoomProvisioner
	rooms       []models.Room
	limit       int

	launcher encoder.Launcher
	restream *encoder.Command
	sessions SessionLister

	logger  *slog.Logger
	metrics *metrics.Recorder
	mu      sync.Mutex
}

type Option func(*Runner)

// WithLimit caps how many rooms are provisioned at once. Zero means no cap.
func WithLimit(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithRestream starts cmd once per pass after the rooms are provisioned.
func WithRestream(launcher encoder.Launcher, cmd encoder.Command) Option {
	return func(r *Runner) {
		r.launcher = launcher
		r.restream = &cmd
	}
}

// WithSessionGauge publishes the live session count after each pass.
func WithSessionGauge(lister SessionLister) Option {
	return func(r *Runner) { r.sessions = lister }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner builds a Runner over a copy of rooms.
func NewRunner(probe Prober, evictor Evictor, provisioner RoomProvisioner, rooms []models.Room, opts ...Option) *Runner {
	r := &Runner{
		probe:       probe,
		evictor:     evictor,
		provisioner: provisioner,
		rooms:       append([]models.Room(nil), rooms...),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.WithComponent(r.logger, "reconcile")
	r.metrics = metrics.OrDefault(r.metrics)
	return r
}

// Run executes one pass. Failures are logged and reported, never returned:
// a pass always completes for every room it reaches. Concurrent calls are
// serialised.
func (r *Runner) Run(ctx context.Context) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()
	report := Report{RunID: uuid.NewString()}
	ctx = logging.ContextWithRunID(ctx, report.RunID)
	logger := logging.WithContext(ctx, r.logger)

	if err := r.probe.Check(ctx); err != nil {
		report.EncoderMissing = true
		report.Duration = time.Since(started)
		r.metrics.ObserveReconcile("encoder_missing", report.Duration)
		logger.Error("encoder unavailable, skipping reconciliation", "error", err, "outcome", "error")
		return report
	}

	report.Eviction, report.EvictionErr = r.evictor.EvictAll(ctx)
	if report.EvictionErr != nil {
		logger.Warn("relay eviction incomplete", "listed", report.Eviction.Listed, "evicted", report.Eviction.Evicted, "error", report.EvictionErr, "outcome", "warning")
	} else {
		logger.Info("relay sessions evicted", "count", report.Eviction.Evicted, "outcome", "success")
	}

	report.Outcomes = r.provisionAll(ctx)
	for _, out := range report.Outcomes {
		switch {
		case out.Persisted():
			report.Persisted++
		case out.State == provision.StateSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}

	if r.restream != nil {
		result := r.launcher.Launch(ctx, *r.restream)
		report.Restream = result.Status
		if !result.Launched() {
			logger.Warn("restream launch failed", "error", result.Err, "outcome", "warning")
		}
	}

	if r.sessions != nil {
		if sessions, err := r.sessions.ListLiveSessions(ctx); err != nil {
			logger.Warn("list live sessions failed", "error", err)
		} else {
			r.metrics.SetLiveSessions(len(sessions))
		}
	}

	report.Duration = time.Since(started)
	result := "ok"
	if report.Failed > 0 || report.EvictionErr != nil {
		result = "partial"
	}
	r.metrics.ObserveReconcile(result, report.Duration)
	logger.Info("reconciliation finished",
		"rooms", len(r.rooms),
		"persisted", report.Persisted,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", report.Duration,
		"outcome", "success",
	)
	return report
}

func (r *Runner) provisionAll(ctx context.Context) []provision.Outcome {
	outcomes := make([]provision.Outcome, len(r.rooms))
	var group errgroup.Group
	if r.limit > 0 {
		group.SetLimit(r.limit)
	}
	for i, room := range r.rooms {
		i, room := i, room
		group.Go(func() error {
			outcomes[i] = r.provisioner.Provision(ctx, room)
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

// Err reports the failures of a pass as one error, or nil.
func (rep Report) Err() error {
	var errs []error
	if rep.EncoderMissing {
		errs = append(errs, encoder.ErrBinaryUnavailable)
	}
	if rep.EvictionErr != nil {
		errs = append(errs, rep.EvictionErr)
	}
	for _, out := range rep.Outcomes {
		if out.Err != nil && out.State == provision.StateAborted {
			errs = append(errs, out.Err)
		}
	}
	return errors.Join(errs...)
}
