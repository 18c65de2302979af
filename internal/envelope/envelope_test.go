package envelope

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeyLookup struct {
	keyID string
	pub   ed25519.PublicKey
}

func (s staticKeyLookup) Lookup(keyID string) (ed25519.PublicKey, bool) {
	if keyID != s.keyID {
		return nil, false
	}
	return s.pub, true
}

func newSignedRequest(t *testing.T, priv ed25519.PrivateKey, keyID, method, path string, body []byte, now time.Time, nonce string) (sig, meta string) {
	t.Helper()
	sig, meta, err := Sign(priv, keyID, method, path, body, now, nonce)
	require.NoError(t, err)
	return sig, meta
}

func TestVerify_AcceptsValidEnvelope(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	keyID := "k1"
	body := []byte(`{"hello":"world"}`)
	now := time.Now()
	sig, meta := newSignedRequest(t, priv, keyID, "POST", "/api/tasks", body, now, uuid.NewString())

	keys := staticKeyLookup{keyID: keyID, pub: pub}
	nonces := NewMemoryNonceStore(0)

	err = Verify(keys, nonces, sig, meta, "POST", "/api/tasks", body, now)
	assert.NoError(t, err)
}

func TestVerify_RejectsUnknownKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	body := []byte("{}")
	now := time.Now()
	sig, meta := newSignedRequest(t, priv, "k1", "GET", "/api/tasks", body, now, uuid.NewString())

	keys := staticKeyLookup{keyID: "other", pub: pub}
	err := Verify(keys, NewMemoryNonceStore(0), sig, meta, "GET", "/api/tasks", body, now)
	require.Error(t, err)
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	now := time.Now()
	sig, meta := newSignedRequest(t, priv, "k1", "POST", "/api/tasks", []byte(`{"a":1}`), now, uuid.NewString())

	keys := staticKeyLookup{keyID: "k1", pub: pub}
	err := Verify(keys, NewMemoryNonceStore(0), sig, meta, "POST", "/api/tasks", []byte(`{"a":2}`), now)
	require.Error(t, err)
}

func TestVerify_RejectsStaleTimestamp(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	body := []byte("{}")
	old := time.Now().Add(-2 * MaxClockSkew)
	sig, meta := newSignedRequest(t, priv, "k1", "GET", "/api/tasks", body, old, uuid.NewString())

	keys := staticKeyLookup{keyID: "k1", pub: pub}
	err := Verify(keys, NewMemoryNonceStore(0), sig, meta, "GET", "/api/tasks", body, time.Now())
	require.Error(t, err)
}

func TestVerify_RejectsReplayedNonce(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	body := []byte("{}")
	now := time.Now()
	nonce := uuid.NewString()
	sig, meta := newSignedRequest(t, priv, "k1", "GET", "/api/tasks", body, now, nonce)

	keys := staticKeyLookup{keyID: "k1", pub: pub}
	nonces := NewMemoryNonceStore(0)

	require.NoError(t, Verify(keys, nonces, sig, meta, "GET", "/api/tasks", body, now))
	err := Verify(keys, nonces, sig, meta, "GET", "/api/tasks", body, now)
	require.Error(t, err)
}

func TestVerify_ForgedSignatureDoesNotBurnNonce(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	_, forgedPriv, _ := ed25519.GenerateKey(nil)
	body := []byte("{}")
	now := time.Now()
	nonce := uuid.NewString()

	// Sign with the wrong key but reuse the same meta (same nonce).
	_, meta := newSignedRequest(t, priv, "k1", "GET", "/api/tasks", body, now, nonce)
	forgedSig, _ := newSignedRequest(t, forgedPriv, "k1", "GET", "/api/tasks", body, now, nonce)

	keys := staticKeyLookup{keyID: "k1", pub: pub}
	nonces := NewMemoryNonceStore(0)

	err := Verify(keys, nonces, forgedSig, meta, "GET", "/api/tasks", body, now)
	require.Error(t, err)

	// The legitimate signature for the same nonce must still succeed,
	// proving the forged attempt never consumed it.
	legitSig, _ := newSignedRequest(t, priv, "k1", "GET", "/api/tasks", body, now, nonce)
	err = Verify(keys, nonces, legitSig, meta, "GET", "/api/tasks", body, now)
	assert.NoError(t, err)
}

func TestMemoryNonceStore_EvictsOldestWhenFull(t *testing.T) {
	s := NewMemoryNonceStore(2)
	now := time.Now()

	assert.False(t, s.SeenBefore("k", "n1", now, time.Minute))
	assert.False(t, s.SeenBefore("k", "n2", now, time.Minute))
	assert.False(t, s.SeenBefore("k", "n3", now, time.Minute))

	// n1 was evicted to make room for n3, so it reads as unseen again.
	assert.False(t, s.SeenBefore("k", "n1", now, time.Minute))
}
