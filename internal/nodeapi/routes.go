package nodeapi

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/envelope"
	"github.com/BaSui01/webai/internal/httpapi"
	"github.com/BaSui01/webai/internal/metrics"
	"github.com/BaSui01/webai/internal/ratelimit"
	"github.com/BaSui01/webai/internal/taskstore"
)

// storeBrowserLookup adapts *taskstore.Store to vncbroker.RecordLookup.
type storeBrowserLookup struct {
	store *taskstore.Store
}

func (l storeBrowserLookup) BrowserOpen(taskID string) (bool, bool) {
	rec, err := l.store.Get(taskID)
	if err != nil {
		return false, false
	}
	return rec.BrowserOpen, true
}

// NewBrowserLookup builds the vncbroker.RecordLookup backing a node's Broker.
func NewBrowserLookup(store *taskstore.Store) storeBrowserLookup {
	return storeBrowserLookup{store: store}
}

// RouterDeps bundles everything NewRouter needs beyond the Server itself.
type RouterDeps struct {
	Keys           envelope.KeyLookup
	Nonces         envelope.NonceStore
	RequireAuth    bool
	TrustEmpty     func() bool
	Metrics        *metrics.Collector
	Limiter        *ratelimit.Limiter
	Tracer         trace.Tracer
	Logger         *zap.Logger
}

// NewRouter builds the node's full http.Handler: middleware chain plus every
// route in the node HTTP surface.
func NewRouter(s *Server, deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks", s.CreateTask)
	mux.HandleFunc("GET /api/tasks", s.ListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.GetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.DeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/assist", s.Assist)
	mux.HandleFunc("POST /api/tasks/{id}/continue", s.Continue)
	mux.HandleFunc("POST /api/tasks/{id}/stop", s.Stop)
	mux.HandleFunc("POST /api/tasks/{id}/run-now", s.RunNow)
	mux.HandleFunc("POST /api/tasks/{id}/schedule", s.Schedule)
	mux.HandleFunc("POST /api/tasks/{id}/open-browser", s.OpenBrowser)
	mux.HandleFunc("POST /api/tasks/{id}/close-browser", s.CloseBrowser)
	mux.HandleFunc("GET /api/config/defaults", s.ConfigDefaults)
	mux.HandleFunc("GET /api/node/info", s.NodeInfo)
	mux.HandleFunc("POST /api/security/trust", s.InstallTrust)
	mux.HandleFunc("GET /vnc/{id}", s.VNC)
	mux.Handle("GET /metrics", promhttp.Handler())

	// /vnc/ skips envelope auth entirely: it authenticates via the
	// per-task VNC token instead (vncbroker.Broker.valid).
	skipAuth := func(path string) bool {
		switch {
		case path == "/api/node/info", path == "/api/security/trust", path == "/metrics":
			return true
		case strings.HasPrefix(path, "/vnc/"):
			return true
		default:
			return false
		}
	}

	chain := []httpapi.Middleware{
		httpapi.Recovery(deps.Logger),
		httpapi.RequestID(),
		httpapi.SecurityHeaders(),
		httpapi.RequestLogger(deps.Logger),
	}
	if deps.Metrics != nil {
		chain = append(chain, httpapi.MetricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		chain = append(chain, httpapi.OTelTracing(deps.Tracer))
	}
	if deps.Limiter != nil {
		chain = append(chain, httpapi.Middleware(deps.Limiter.Middleware(httpapi.ClientIPKey)))
	}
	if deps.RequireAuth {
		chain = append(chain, httpapi.EnvelopeAuth(deps.Keys, deps.Nonces, deps.TrustEmpty, skipAuth, deps.Metrics, deps.Logger))
	}

	return httpapi.Chain(chain...)(mux)
}
