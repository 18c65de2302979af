package headapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/httpapi"
	"github.com/BaSui01/webai/internal/metrics"
	"github.com/BaSui01/webai/internal/ratelimit"
)

// RouterDeps bundles everything NewRouter needs beyond the Server itself.
type RouterDeps struct {
	Metrics         *metrics.Collector
	Limiter         *ratelimit.Limiter
	Tracer          trace.Tracer
	StaticAssetsDir string
	Logger          *zap.Logger
}

// NewRouter builds the head's full http.Handler: middleware chain, every
// API route, and a fallback static file server for the bundled UI.
func NewRouter(s *Server, deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tasks", s.ListTasks)
	mux.HandleFunc("POST /api/tasks", s.CreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.GetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.DeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/assist", s.Assist)
	mux.HandleFunc("POST /api/tasks/{id}/continue", s.Continue)
	mux.HandleFunc("POST /api/tasks/{id}/stop", s.Stop)
	mux.HandleFunc("POST /api/tasks/{id}/run-now", s.RunNow)
	mux.HandleFunc("POST /api/tasks/{id}/schedule", s.Schedule)
	mux.HandleFunc("POST /api/tasks/{id}/open-browser", s.OpenBrowser)
	mux.HandleFunc("POST /api/tasks/{id}/close-browser", s.CloseBrowser)
	mux.HandleFunc("GET /api/nodes", s.Nodes)
	mux.HandleFunc("GET /api/security/public-key", s.PublicKey)
	mux.HandleFunc("POST /api/nodes/{node_id}/install-head-key", s.InstallHeadKey)
	mux.Handle("GET /metrics", promhttp.Handler())

	if deps.StaticAssetsDir != "" {
		fs := http.FileServer(http.Dir(deps.StaticAssetsDir))
		mux.Handle("/", fs)
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

	return httpapi.Chain(chain...)(mux)
}
