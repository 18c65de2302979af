// Package vncbroker mints and revokes per-task VNC tokens and bridges an
// authenticated WebSocket connection to the task's local VNC TCP backend.
package vncbroker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// RecordLookup is the narrow view the broker needs of the task store: is
// this task's browser open, and what backend address should it bridge to.
type RecordLookup interface {
	// BrowserOpen reports whether the task currently has a live browser
	// session (I3: a vnc_token only admits the WS when this is true).
	BrowserOpen(taskID string) (open bool, ok bool)
}

// Broker owns the task-id -> token mapping and the WebSocket<->TCP bridge.
// It never logs a token value.
type Broker struct {
	mu      sync.RWMutex
	tokens  map[string]string // taskID -> current token
	backend string            // local VNC TCP address, e.g. "127.0.0.1:5900"
	lookup  RecordLookup
	logger  *zap.Logger
}

// New builds a Broker that bridges to a single local VNC backend address.
func New(backendAddr string, lookup RecordLookup, logger *zap.Logger) *Broker {
	return &Broker{
		tokens:  make(map[string]string),
		backend: backendAddr,
		lookup:  lookup,
		logger:  logger.With(zap.String("component", "vnc_broker")),
	}
}

// Mint rotates the token for taskID, invalidating any previous one, and
// returns the new token. Implements engine.BrowserGate.
func (b *Broker) Mint(taskID string) string {
	token := randomToken()
	b.mu.Lock()
	b.tokens[taskID] = token
	b.mu.Unlock()
	return token
}

// Revoke removes taskID's token entirely. Implements engine.BrowserGate.
func (b *Broker) Revoke(taskID string) {
	b.mu.Lock()
	delete(b.tokens, taskID)
	b.mu.Unlock()
}

// LaunchURL returns the relative URL the head/UI should open, or "" if the
// task has no live token.
func (b *Broker) LaunchURL(taskID string) string {
	b.mu.RLock()
	token, ok := b.tokens[taskID]
	b.mu.RUnlock()
	if !ok {
		return ""
	}
	return "/vnc/" + taskID + "?token=" + token
}

func randomToken() string {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (b *Broker) valid(taskID, token string) bool {
	b.mu.RLock()
	want, ok := b.tokens[taskID]
	b.mu.RUnlock()
	if !ok || want != token {
		return false
	}
	open, known := b.lookup.BrowserOpen(taskID)
	return known && open
}

// ServeHTTP handles GET /vnc/{task_id}?token=... — verifies the token and
// browser_open state before upgrading, then bridges bytes bidirectionally
// until either side closes. Any mismatch returns 403 before upgrade, a
// missing task 404.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request, taskID, token string) {
	if _, known := b.lookup.BrowserOpen(taskID); !known {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if !b.valid(taskID, token) {
		http.Error(w, "invalid or revoked vnc token", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("vnc websocket upgrade failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	backend, err := net.DialTimeout("tcp", b.backend, 5*time.Second)
	if err != nil {
		b.logger.Error("vnc backend unreachable", zap.String("task_id", taskID), zap.Error(err))
		conn.Close(websocket.StatusInternalError, "backend unreachable")
		return
	}
	defer backend.Close()

	ctx := r.Context()
	b.bridge(ctx, conn, backend, taskID)
}

// bridge copies bytes bidirectionally between the WebSocket and the TCP
// backend until either side closes or errors.
func (b *Broker) bridge(ctx context.Context, ws *websocket.Conn, tcp net.Conn, taskID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			if _, err := tcp.Write(data); err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		buf := make([]byte, 32*1024)
		for {
			n, err := tcp.Read(buf)
			if n > 0 {
				if werr := ws.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					b.logger.Debug("vnc backend read error", zap.String("task_id", taskID), zap.Error(err))
				}
				return
			}
		}
	}()

	<-ctx.Done()
	tcp.Close()
	ws.Close(websocket.StatusNormalClosure, "closing")
	wg.Wait()
}
