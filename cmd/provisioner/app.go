package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"liveroom-provisioner/internal/cache"
	"liveroom-provisioner/internal/catalog"
	"liveroom-provisioner/internal/cdn"
	"liveroom-provisioner/internal/config"
	"liveroom-provisioner/internal/controlplane"
	"liveroom-provisioner/internal/encoder"
	"liveroom-provisioner/internal/hooks"
	"liveroom-provisioner/internal/lease"
	"liveroom-provisioner/internal/observability/logging"
	"liveroom-provisioner/internal/observability/metrics"
	"liveroom-provisioner/internal/provision"
	"liveroom-provisioner/internal/reconcile"
	"liveroom-provisioner/internal/relay"
	"liveroom-provisioner/internal/serverutil"
	"liveroom-provisioner/internal/storage"
)

const closeTimeout = 5 * time.Second

type app struct {
	store   storage.Store
	runner  *reconcile.Runner
	handler http.Handler
	metrics *metrics.Recorder
	logger  *slog.Logger
	closers []func(context.Context) error
}

// Close releases the datastore and coordination clients in reverse order.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	recorder := metrics.New()
	metrics.SetDefault(recorder)
	a := &app{metrics: recorder, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	base, storeHealth, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, base.Close)

	listCache, locker, redisClient, err := openCoordination(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		a.closers = append(a.closers, func(context.Context) error { return redisClient.Close() })
	}

	a.store = storage.NewCachedStore(base, listCache, logging.WithComponent(logger, "storage"), storage.WithListCacheTTL(cfg.ListCacheTTL))

	rooms, err := catalog.Load(cfg.RoomsFile)
	if err != nil {
		return nil, err
	}
	if err := catalog.Seed(ctx, a.store, rooms.Rooms()); err != nil {
		return nil, err
	}

	templates := relay.DefaultTemplates(cfg.RelayHost, cfg.RelayHTTPPort)
	if override, ok := rooms.URLTemplates(); ok {
		templates = override
	}
	if err := templates.Validate(); err != nil {
		return nil, err
	}

	relayAPI := relay.NewHTTPClient(controlplane.New(controlplane.Config{
		Provider:      "relay",
		BaseURL:       cfg.RelayAPI,
		Token:         cfg.RelayToken,
		Logger:        logging.WithComponent(logger, "relay"),
		MaxAttempts:   cfg.RelayMaxAttempts,
		RetryInterval: cfg.RelayRetryInterval,
		Timeout:       cfg.RelayTimeout,
	}))
	evictor := relay.NewManager(relayAPI, logging.WithComponent(logger, "relay"),
		relay.WithConcurrency(cfg.EvictConcurrency),
		relay.WithMetrics(recorder),
	)

	launcher := encoder.NewExecLauncher(logging.WithComponent(logger, "encoder"), encoder.LauncherConfig{
		Verbose: cfg.EncoderVerbose,
		LogDir:  cfg.EncoderLogDir,
	})
	provisionOpts := []provision.Option{
		provision.WithLocker(locker),
		provision.WithLogger(logger),
		provision.WithMetrics(recorder),
	}
	if cfg.CDNEnabled() {
		strategy, err := newCDNStrategy(cfg, logger, recorder)
		if err != nil {
			return nil, err
		}
		provisionOpts = append(provisionOpts, provision.WithCDN(strategy))
	}
	provisioner := provision.New(a.store, relay.NewURLBuilder(templates), launcher, provision.Config{
		Environment:    cfg.Environment,
		EncoderBinary:  cfg.EncoderBinary,
		EncoderVerbose: cfg.EncoderVerbose,
	}, provisionOpts...)

	runnerOpts := []reconcile.Option{
		reconcile.WithLimit(cfg.FanOutLimit),
		reconcile.WithSessionGauge(a.store),
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(recorder),
	}
	if cfg.RestreamEnabled() {
		cmd, err := encoder.BuildPlaylistRestream(encoder.PlaylistParams{
			Name:        "restream",
			Binary:      cfg.EncoderBinary,
			ListFile:    cfg.RestreamPlaylist,
			Destination: cfg.RestreamURL,
			Verbose:     cfg.EncoderVerbose,
		})
		if err != nil {
			return nil, fmt.Errorf("restream: %w", err)
		}
		runnerOpts = append(runnerOpts, reconcile.WithRestream(launcher, cmd))
	}
	probe := encoder.Probe{Binary: cfg.EncoderBinary, Timeout: cfg.EncoderProbeTimeout}
	a.runner = reconcile.NewRunner(probe, evictor, provisioner, rooms.Rooms(), runnerOpts...)

	hookService := hooks.NewService(a.store, locker,
		hooks.WithLogger(logger),
		hooks.WithMetrics(recorder),
		hooks.WithKeyVerification(cfg.VerifyPushKeys),
	)
	a.handler = serverutil.NewHandler(serverutil.Routes{
		HookPath: hooks.Path,
		Hooks:    hooks.NewHandler(hookService, cfg.HookToken),
		Metrics:  recorder,
		Logger:   logger,
		Health:   healthCheck(storeHealth, redisClient),
	})

	logger.Info("provisioner configured",
		"environment", cfg.Environment,
		"storage", cfg.StorageDriver,
		"coordination", cfg.Coordination,
		"rooms", len(rooms.Rooms()),
		"cdn", cfg.CDNEnabled(),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, func(context.Context) error, error) {
	opts := []storage.Option{storage.WithListCacheTTL(cfg.ListCacheTTL)}
	switch cfg.StorageDriver {
	case config.StorageMemory:
		store, err := storage.NewMemoryStore("", opts...)
		return store, nil, err
	case config.StorageJSON:
		store, err := storage.NewMemoryStore(cfg.DataPath, opts...)
		return store, nil, err
	case config.StoragePostgres:
		opts = append(opts, storage.WithPostgresPoolLimits(cfg.PostgresMaxConns, cfg.PostgresMinConns))
		store, err := storage.NewPostgresStore(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, nil, err
		}
		return store, store.Ping, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func openCoordination(ctx context.Context, cfg config.Config) (cache.Cache, lease.Locker, redis.UniversalClient, error) {
	if cfg.Coordination != config.CoordinationRedis {
		return cache.NewMemory(), lease.NewMemory(), nil, nil
	}
	client, err := cache.NewRedisClient(cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	locker := lease.NewRedis(client, lease.RedisConfig{Prefix: cfg.RedisPrefix + "lease:", TTL: cfg.LeaseTTL})
	return cache.NewRedis(client, cfg.RedisPrefix+"cache:"), locker, client, nil
}

func newCDNStrategy(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*cdn.Strategy, error) {
	cdnCfg := cdn.Config{
		PushDomain: cfg.CDNPushDomain,
		PullDomain: cfg.CDNPullDomain,
		App:        cfg.CDNApp,
		PushKey:    cfg.CDNPushKey,
		PullKey:    cfg.CDNPullKey,
		KeyTTL:     cfg.CDNKeyTTL,
	}
	if err := cdnCfg.Validate(); err != nil {
		return nil, err
	}
	cp := controlplane.New(controlplane.Config{
		Provider:      "cdn",
		BaseURL:       cfg.CDNEndpoint,
		Token:         cfg.CDNToken,
		Logger:        logging.WithComponent(logger, "cdn"),
		MaxAttempts:   cfg.RelayMaxAttempts,
		RetryInterval: cfg.RelayRetryInterval,
		Timeout:       cfg.RelayTimeout,
	})
	api := cdn.NewHTTPAPI(cp, cdnCfg.PushDomain, cdnCfg.App)
	return cdn.NewStrategy(api, cdnCfg, logging.WithComponent(logger, "cdn"), cdn.WithMetrics(recorder)), nil
}

func healthCheck(store func(context.Context) error, client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		if store != nil {
			if err := store(ctx); err != nil {
				errs = append(errs, fmt.Errorf("datastore: %w", err))
			}
		}
		if client != nil {
			if err := client.Ping(ctx).Err(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}
		return errors.Join(errs...)
	}
}
