package storage

import "time"

// Option customises a store constructor.
type Option func(*options)

type options struct {
	clock func() time.Time

	maxConns          int32
	minConns          int32
	maxConnLifetime   time.Duration
	maxConnIdleTime   time.Duration
	healthCheckPeriod time.Duration
	acquireTimeout    time.Duration
	applicationName   string

	listCacheTTL time.Duration
}

func newOptions(opts ...Option) options {
	cfg := options{
		clock:           time.Now,
		applicationName: "liveroom-provisioner",
		acquireTimeout:  5 * time.Second,
		listCacheTTL:    10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithPostgresPoolLimits configures the maximum and minimum pool sizes.
func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(o *options) {
		o.maxConns = maxConns
		o.minConns = minConns
	}
}

// WithPostgresPoolDurations configures lifetime, idle timeout and health
// check cadence for pooled connections.
func WithPostgresPoolDurations(lifetime, idle, healthCheck time.Duration) Option {
	return func(o *options) {
		o.maxConnLifetime = lifetime
		o.maxConnIdleTime = idle
		o.healthCheckPeriod = healthCheck
	}
}

// WithPostgresAcquireTimeout bounds how long connecting may take.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.acquireTimeout = timeout
		}
	}
}

// WithPostgresApplicationName tags connections in pg_stat_activity.
func WithPostgresApplicationName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.applicationName = name
		}
	}
}

// WithListCacheTTL controls how long CachedStore keeps the live-session list.
func WithListCacheTTL(ttl time.Duration) Option {
	return func(o *options) { o.listCacheTTL = ttl }
}

