package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/envelope"
	"github.com/BaSui01/webai/internal/metrics"
	"github.com/BaSui01/webai/internal/weberr"
)

// Middleware is one link in the handler chain.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares in the order given: Chain(a,b)(h) == a(b(h)).
func Chain(mws ...Middleware) Middleware {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Recovery converts a panic into a 500 response instead of crashing the
// process.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					WriteError(w, weberr.New(weberr.CodeInternal, "internal error"), logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

// RequestID attaches a generated request id to the request context and
// response header.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext retrieves the id set by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func generateRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "req-" + hex.EncodeToString(buf)
}

// RequestLogger logs one line per completed request.
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", RequestIDFromContext(r.Context())),
			)
		})
	}
}

// normalizePath collapses path segments that look like ids, so Prometheus
// label cardinality doesn't grow per-task.
var idSegment = regexp.MustCompile(`^[0-9a-fA-F-]{8,}$`)

func normalizePath(path string) string {
	segs := make([]string, 0)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				seg := path[start:i]
				if idSegment.MatchString(seg) {
					seg = "{id}"
				}
				segs = append(segs, seg)
			}
			start = i + 1
		}
	}
	out := "/"
	for i, s := range segs {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

// MetricsMiddleware records request counts and latency histograms.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			path := normalizePath(r.URL.Path)
			collector.ObserveHTTP(r.Method, path, statusClass(rw.status), time.Since(start))
		})
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// OTelTracing starts one span per inbound request under the request's
// context. It does not extract or inject trace headers, so head->node calls
// are not linked into one trace.
func OTelTracing(tracer trace.Tracer) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
			defer span.End()
			span.SetAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				attribute.String("http.route", r.URL.Path),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SecurityHeaders sets a conservative baseline of response headers.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}

// CORS is closed by default: an empty allowedOrigins means no CORS headers
// are ever set and cross-origin preflight requests are rejected.
func CORS(allowedOrigins []string) Middleware {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+envelope.SignatureHeader+", "+envelope.MetaHeader)
			} else if r.Method == http.MethodOptions && origin != "" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts a best-effort bucketing key for rate limiting.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIPKey is a convenience keyFn for ratelimit.Limiter.Middleware.
func ClientIPKey(r *http.Request) string { return clientIP(r) }

// EnvelopeAuth verifies the signed envelope on every request whose path is
// not in skipPaths. If trustNotConfigured is true (no trusted keys and
// auth required), every protected route returns 503 instead of attempting
// verification.
func EnvelopeAuth(keys envelope.KeyLookup, nonces envelope.NonceStore, trustNotConfigured func() bool, skip func(path string) bool, collector *metrics.Collector, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip != nil && skip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if trustNotConfigured() {
				WriteError(w, weberr.New(weberr.CodeTrustNotConfigured, "node has no trusted keys configured"), logger)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteError(w, weberr.New(weberr.CodeInvalidInput, "failed to read request body"), logger)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			pathAndQuery := r.URL.Path
			if r.URL.RawQuery != "" {
				pathAndQuery += "?" + r.URL.RawQuery
			}

			err = envelope.Verify(keys, nonces,
				r.Header.Get(envelope.SignatureHeader), r.Header.Get(envelope.MetaHeader),
				r.Method, pathAndQuery, body, time.Now())
			if err != nil {
				if werr, ok := weberr.As(err); ok && collector != nil {
					collector.EnvelopeVerifyFailures.WithLabelValues(werr.Reason).Inc()
				}
				WriteError(w, err, logger)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
