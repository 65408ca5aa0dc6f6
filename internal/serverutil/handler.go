package serverutil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"liveroom-provisioner/internal/observability/logging"
	"liveroom-provisioner/internal/observability/metrics"
)

// Routes lists the handlers mounted by NewHandler. Nil entries are skipped.
type Routes struct {
	HookPath string
	Hooks    http.Handler
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	// Health reports whether the backing store is reachable.
	Health func(context.Context) error
}

const healthTimeout = 2 * time.Second

// NewHandler builds the mux wrapped in request logging and metrics.
func NewHandler(routes Routes) http.Handler {
	mux := http.NewServeMux()
	if routes.Hooks != nil && routes.HookPath != "" {
		mux.Handle(routes.HookPath, routes.Hooks)
	}
	if routes.Metrics != nil {
		mux.Handle("/metrics", routes.Metrics.Handler())
	}
	mux.HandleFunc("/healthz", healthHandler(routes.Health))

	var handler http.Handler = mux
	handler = metrics.HTTPMiddleware(routes.Metrics, handler)
	httpLogger := logging.WithComponent(routes.Logger, "http")
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: httpLogger})(handler)
	return requestIDMiddleware(httpLogger, handler)
}

func healthHandler(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			err := check(ctx)
			cancel()
			if err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]string{"status": "unavailable", "error": err.Error()}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
