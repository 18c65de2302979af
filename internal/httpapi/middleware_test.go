package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/envelope"
	"github.com/BaSui01/webai/internal/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestChain_ComposesInOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(mark("a"), mark("b"))(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, []string{"a", "b"}, order)
}

func TestRecovery_ConvertsPanicTo500(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	handler := Recovery(zap.NewNop())(panicking)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestID_GeneratesWhenAbsentAndPropagatesToContext(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})
	handler := RequestID()(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRequestID_PreservesIncomingHeader(t *testing.T) {
	handler := RequestID()(okHandler())
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "fixed-id")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}

func TestNormalizePath_CollapsesIDSegments(t *testing.T) {
	assert.Equal(t, "/api/tasks/{id}", normalizePath("/api/tasks/0123456789abcdef"))
	assert.Equal(t, "/api/tasks", normalizePath("/api/tasks"))
	assert.Equal(t, "/api/tasks/{id}/stop", normalizePath("/api/tasks/aaaaaaaa-bbbb-cccc/stop"))
}

func TestSecurityHeaders_SetsBaseline(t *testing.T) {
	handler := SecurityHeaders()(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCORS_ClosedByDefaultRejectsPreflight(t *testing.T) {
	handler := CORS(nil)(okHandler())
	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://evil.example")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_AllowsConfiguredOrigin(t *testing.T) {
	handler := CORS([]string{"https://ok.example"})(okHandler())
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://ok.example")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://ok.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

type staticKeys struct {
	id  string
	pub ed25519.PublicKey
}

func (s staticKeys) Lookup(keyID string) (ed25519.PublicKey, bool) {
	if keyID != s.id {
		return nil, false
	}
	return s.pub, true
}

func TestEnvelopeAuth_SkipsConfiguredPaths(t *testing.T) {
	collector := metrics.New("webai_test_skip")
	mw := EnvelopeAuth(staticKeys{}, envelope.NewMemoryNonceStore(0), func() bool { return true },
		func(path string) bool { return path == "/api/node/info" }, collector, zap.NewNop())

	handler := mw(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/node/info", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnvelopeAuth_TrustNotConfiguredReturns503(t *testing.T) {
	collector := metrics.New("webai_test_trust")
	mw := EnvelopeAuth(staticKeys{}, envelope.NewMemoryNonceStore(0), func() bool { return true },
		func(path string) bool { return false }, collector, zap.NewNop())

	handler := mw(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/tasks", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEnvelopeAuth_AcceptsValidSignedRequest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keys := staticKeys{id: "k1", pub: pub}
	collector := metrics.New("webai_test_accept")

	mw := EnvelopeAuth(keys, envelope.NewMemoryNonceStore(0), func() bool { return false },
		func(path string) bool { return false }, collector, zap.NewNop())

	var bodyEchoed []byte
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 16)
		n, _ := r.Body.Read(buf)
		bodyEchoed = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"a":1}`)
	now := time.Now()
	sig, meta, err := envelope.Sign(priv, "k1", "POST", "/api/tasks", body, now, uuid.NewString())
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/tasks", bytes.NewReader(body))
	req.Header.Set(envelope.SignatureHeader, sig)
	req.Header.Set(envelope.MetaHeader, meta)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, bodyEchoed)
}

func TestEnvelopeAuth_RejectsMissingSignature(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	keys := staticKeys{id: "k1", pub: pub}
	collector := metrics.New("webai_test_missing")

	mw := EnvelopeAuth(keys, envelope.NewMemoryNonceStore(0), func() bool { return false },
		func(path string) bool { return false }, collector, zap.NewNop())

	handler := mw(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/tasks", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
