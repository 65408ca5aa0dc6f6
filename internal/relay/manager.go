package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"liveroom-provisioner/internal/observability/metrics"
)

// DefaultEvictPageSize bounds the single page EvictAll reads.
const DefaultEvictPageSize = 9999

// EvictionReport summarises one EvictAll call. Failed maps client IDs to the
// error their deletion returned.
type EvictionReport struct {
	Listed  int
	Evicted int
	Failed  map[string]error
}

// Manager evicts relay sessions.
type Manager struct {
	api         API
	logger      *slog.Logger
	metrics     *metrics.Recorder
	pageSize    int
	concurrency int
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithPageSize overrides the number of clients listed before evicting.
func WithPageSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithConcurrency caps in-flight deletions. Zero means unbounded.
func WithConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithMetrics records evictions on the given recorder.
func WithMetrics(r *metrics.Recorder) ManagerOption {
	return func(m *Manager) { m.metrics = r }
}

func NewManager(api API, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{api: api, logger: logger, pageSize: DefaultEvictPageSize}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = metrics.OrDefault(m.metrics)
	return m
}

// EvictAll lists up to one page of relay clients and deletes every one of
// them concurrently. A failed deletion never stops the others; all failures
// are reported in the returned report and joined into the error.
func (m *Manager) EvictAll(ctx context.Context) (EvictionReport, error) {
	clients, err := m.api.ListClients(ctx, 0, m.pageSize)
	if err != nil {
		return EvictionReport{}, err
	}

	errs := make([]error, len(clients))
	var group errgroup.Group
	if m.concurrency > 0 {
		group.SetLimit(m.concurrency)
	}
	for i, client := range clients {
		i, id := i, client.ID
		group.Go(func() error {
			errs[i] = m.api.DeleteClient(ctx, id)
			m.metrics.ObserveEviction(errs[i])
			return nil
		})
	}
	_ = group.Wait()

	report := EvictionReport{Listed: len(clients)}
	var failures []error
	for i, client := range clients {
		if errs[i] == nil {
			report.Evicted++
			continue
		}
		if report.Failed == nil {
			report.Failed = make(map[string]error)
		}
		report.Failed[client.ID] = errs[i]
		failures = append(failures, errs[i])
		m.logger.Warn("relay client eviction failed", "client_id", client.ID, "stream", client.Stream, "error", errs[i], "outcome", "warning")
	}

	if len(failures) > 0 {
		return report, fmt.Errorf("evict %d of %d relay clients: %w", len(failures), len(clients), errors.Join(failures...))
	}
	return report, nil
}
