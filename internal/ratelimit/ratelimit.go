// Package ratelimit provides a per-key token-bucket limiter backed by
// golang.org/x/time/rate, with idle-key eviction so long-running processes
// don't leak one limiter per ever-seen key forever.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter buckets requests by an arbitrary string key (source IP or
// envelope key id).
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	logger   *zap.Logger
}

// New builds a Limiter and starts its background idle-eviction goroutine,
// stopped when stop is closed.
func New(rps float64, burst int, logger *zap.Logger, stop <-chan struct{}) *Limiter {
	l := &Limiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger.With(zap.String("component", "rate_limiter")),
	}
	go l.evictIdle(stop)
	return l
}

// Allow reports whether a request keyed by key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

func (l *Limiter) evictIdle(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * time.Minute)
			l.mu.Lock()
			for key, v := range l.visitors {
				if v.lastSeen.Before(cutoff) {
					delete(l.visitors, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Middleware rejects requests exceeding the per-key rate with 429. keyFn
// extracts the bucketing key (e.g. client IP, or an authenticated key id).
func (l *Limiter) Middleware(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFn(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"success":false,"error":{"code":"rate_limited","message":"too many requests"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
