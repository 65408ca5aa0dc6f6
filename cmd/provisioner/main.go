// Command provisioner reconciles the configured live rooms against the relay
// and CDN, then serves relay hooks until it is stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"liveroom-provisioner/internal/config"
	"liveroom-provisioner/internal/observability/logging"
	"liveroom-provisioner/internal/reconcile"
	"liveroom-provisioner/internal/serverutil"
)

func main() {
	once := flag.Bool("once", false, "run a single reconciliation pass and exit")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "provisioner: %v\n", err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *once); err != nil {
		logger.Error("provisioner stopped", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, once bool) error {
	svc, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if once {
		return svc.runner.Run(ctx).Err()
	}
	return serve(ctx, cfg, logger, svc, nil)
}

// serve binds the hook listener before the first pass, so the relay's
// on_publish callbacks for encoders launched by that pass find it, then keeps
// reconciling until ctx ends. onListening, when set, runs with the bound
// address before the pass starts.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, svc *app, onListening func(addr string)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	if cfg.HTTPAddr != "" {
		bound := make(chan string, 1)
		go func() {
			serverErr <- serverutil.Run(ctx, serverutil.Config{
				Addr:    cfg.HTTPAddr,
				Handler: svc.handler,
				Logger:  logger,
				Ready:   bound,
			})
		}()
		select {
		case addr := <-bound:
			if onListening != nil {
				onListening(addr)
			}
		case err := <-serverErr:
			return err
		}
	}

	svc.runner.Run(ctx)

	stopResync := reconcile.StartPeriodic(ctx, logger, svc.runner, cfg.ResyncInterval)
	defer stopResync()

	if cfg.HTTPAddr == "" {
		logger.Info("no http address configured, waiting for shutdown")
		<-ctx.Done()
		return nil
	}
	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		return <-serverErr
	}
}
