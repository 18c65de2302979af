// Package envelope implements the signed request envelope carried on every
// privileged head→node call: canonicalization, Ed25519 signing, and
// verification with replay and clock-skew protection.
package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/webai/internal/weberr"
)

const (
	// SignatureHeader carries base64(ed25519(canonical)).
	SignatureHeader = "X-WebAI-Signature"
	// MetaHeader carries base64url(json(Meta)).
	MetaHeader = "X-WebAI-Sig-Meta"

	// MaxClockSkew is the acceptance window around the request timestamp.
	MaxClockSkew = 60 * time.Second
	// ReplayWindow is how long a nonce is remembered for replay rejection.
	ReplayWindow = 5 * time.Minute
)

// Meta is the JSON payload of the X-WebAI-Sig-Meta header.
type Meta struct {
	TS         int64  `json:"ts"`
	Nonce      string `json:"nonce"`
	KeyID      string `json:"key_id"`
	BodySHA256 string `json:"body_sha256"`
}

// Canonical builds the string that gets signed:
// METHOD\nPATH_AND_QUERY\nBODY_SHA256\nTS\nNONCE\nKEY_ID
func Canonical(method, pathAndQuery, bodySHA256 string, ts int64, nonce, keyID string) string {
	return fmt.Sprintf("%s\n%s\n%s\n%d\n%s\n%s", method, pathAndQuery, bodySHA256, ts, nonce, keyID)
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Sign produces the two header values for an outbound request.
func Sign(priv ed25519.PrivateKey, keyID, method, pathAndQuery string, body []byte, now time.Time, nonce string) (sig string, metaHeader string, err error) {
	meta := Meta{
		TS:         now.Unix(),
		Nonce:      nonce,
		KeyID:      keyID,
		BodySHA256: bodyHash(body),
	}
	canonical := Canonical(method, pathAndQuery, meta.BodySHA256, meta.TS, meta.Nonce, meta.KeyID)
	raw := ed25519.Sign(priv, []byte(canonical))

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("marshal envelope meta: %w", err)
	}

	return base64.StdEncoding.EncodeToString(raw), base64.URLEncoding.EncodeToString(metaJSON), nil
}

// KeyLookup resolves a key id to a trusted public key. Implemented by the
// node's key store.
type KeyLookup interface {
	Lookup(keyID string) (ed25519.PublicKey, bool)
}

// NonceStore records nonces seen within the replay window, per key id.
// SeenBefore records the nonce and reports false the first time a given
// (keyID, nonce) pair is observed within the window, and true for any
// repeat of it inside that window (a replay).
type NonceStore interface {
	SeenBefore(keyID, nonce string, now time.Time, window time.Duration) bool
}

// Verify checks an inbound request's envelope headers against trusted keys,
// clock skew, and replay state. body must be the exact raw request body
// bytes. now is injected for testability.
func Verify(keys KeyLookup, nonces NonceStore, sigHeader, metaHeader, method, pathAndQuery string, body []byte, now time.Time) error {
	if sigHeader == "" || metaHeader == "" {
		return weberr.New(weberr.CodeUnauthorized, "missing envelope headers").WithReason("missing_key")
	}

	metaJSON, err := base64.URLEncoding.DecodeString(metaHeader)
	if err != nil {
		return weberr.New(weberr.CodeUnauthorized, "malformed envelope meta").WithReason("bad_signature").WithCause(err)
	}
	var meta Meta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return weberr.New(weberr.CodeUnauthorized, "malformed envelope meta").WithReason("bad_signature").WithCause(err)
	}

	pub, ok := keys.Lookup(meta.KeyID)
	if !ok {
		return weberr.New(weberr.CodeUnauthorized, "unknown signing key").WithReason("missing_key")
	}

	if meta.BodySHA256 != bodyHash(body) {
		return weberr.New(weberr.CodeUnauthorized, "body hash mismatch").WithReason("bad_signature")
	}

	ts := time.Unix(meta.TS, 0)
	if d := now.Sub(ts); d > MaxClockSkew || d < -MaxClockSkew {
		return weberr.New(weberr.CodeUnauthorized, "timestamp outside acceptance window").WithReason("stale")
	}

	sigRaw, err := base64.StdEncoding.DecodeString(sigHeader)
	if err != nil {
		return weberr.New(weberr.CodeUnauthorized, "malformed signature").WithReason("bad_signature").WithCause(err)
	}

	canonical := Canonical(method, pathAndQuery, meta.BodySHA256, meta.TS, meta.Nonce, meta.KeyID)
	if !ed25519.Verify(pub, []byte(canonical), sigRaw) {
		return weberr.New(weberr.CodeUnauthorized, "signature verification failed").WithReason("bad_signature")
	}

	// Nonce check last: only record/consume the nonce for a request that
	// already passed signature verification, so an attacker can't burn a
	// legitimate nonce with a forged request.
	if nonces.SeenBefore(meta.KeyID, meta.Nonce, now, ReplayWindow) {
		return weberr.New(weberr.CodeUnauthorized, "nonce replayed").WithReason("replayed")
	}

	return nil
}
