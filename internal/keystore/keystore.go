// Package keystore manages the Ed25519 key material on both sides of the
// trust relationship: the head's signing keypair, and the set of head
// public keys a node trusts.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// KeyID derives a stable, short identifier for a public key: the first 16
// hex characters of its SHA-256 fingerprint. Used as the envelope's key_id
// so a node can trust more than one head key (rotation) simultaneously.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// HeadKeyPair is the head's own signing identity: generated on first boot,
// persisted to disk with restrictive permissions, reused thereafter.
type HeadKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	ID      string
}

const (
	privateKeyFile = "head_private.pem"
	publicKeyFile  = "head_public.pem"
)

// LoadOrGenerate reads the head keypair from dir, generating and persisting
// one on first run. dir is created if missing.
func LoadOrGenerate(dir string, logger *zap.Logger) (*HeadKeyPair, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	if _, err := os.Stat(privPath); err == nil {
		return loadKeyPair(privPath, pubPath)
	}

	logger.Info("no head keypair found, generating one", zap.String("dir", dir))
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", mustMarshalPKCS8(priv), 0o600); err != nil {
		return nil, err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", mustMarshalPKIX(pub), 0o644); err != nil {
		return nil, err
	}

	return &HeadKeyPair{Private: priv, Public: pub, ID: KeyID(pub)}, nil
}

func loadKeyPair(privPath, pubPath string) (*HeadKeyPair, error) {
	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	priv, err := parsePrivatePEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pub := priv.Public().(ed25519.PublicKey)

	// Keep the public key file in sync in case it was missing/stale; this
	// is best-effort and not fatal.
	if _, err := os.Stat(pubPath); err != nil {
		_ = writePEM(pubPath, "PUBLIC KEY", mustMarshalPKIX(pub), 0o644)
	}

	return &HeadKeyPair{Private: priv, Public: pub, ID: KeyID(pub)}, nil
}

func mustMarshalPKCS8(priv ed25519.PrivateKey) []byte {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		panic(err) // ed25519 keys always marshal; a failure here is a stdlib bug
	}
	return der
}

func mustMarshalPKIX(pub ed25519.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		panic(err)
	}
	return der
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func parsePrivatePEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ed25519")
	}
	return priv, nil
}

// PublicKeyPEM renders the head's public key for /api/security/public-key
// and for manual node enrollment.
func (k *HeadKeyPair) PublicKeyPEM() string {
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: mustMarshalPKIX(k.Public)}
	return string(pem.EncodeToMemory(block))
}

// ParsePublicKeyPEM parses a PEM-encoded Ed25519 public key, as accepted
// from HEAD_PUBLIC_KEYS entries and the enrollment endpoint.
func ParsePublicKeyPEM(data string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not ed25519")
	}
	return pub, nil
}

// TrustStore is the node-side set of trusted head public keys. It
// implements envelope.KeyLookup.
type TrustStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewTrustStore builds an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{keys: make(map[string]ed25519.PublicKey)}
}

// Lookup implements envelope.KeyLookup.
func (t *TrustStore) Lookup(keyID string) (ed25519.PublicKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pub, ok := t.keys[keyID]
	return pub, ok
}

// Add trusts an additional public key, returning its derived id.
func (t *TrustStore) Add(pub ed25519.PublicKey) string {
	id := KeyID(pub)
	t.mu.Lock()
	t.keys[id] = pub
	t.mu.Unlock()
	return id
}

// Empty reports whether no keys are trusted yet (drives trust_not_configured).
func (t *TrustStore) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys) == 0
}

// LoadFromSpec parses HEAD_PUBLIC_KEYS: a comma-separated list where each
// entry is either a filesystem path to a PEM file or a literal PEM block.
// Missing paths are skipped (not fatal) so a node can be provisioned with
// an enrollment token instead and receive the key later through the
// enrollment endpoint.
func (t *TrustStore) LoadFromSpec(spec string, logger *zap.Logger) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		var pemText string
		if strings.Contains(entry, "BEGIN PUBLIC KEY") {
			pemText = entry
		} else {
			data, err := os.ReadFile(entry)
			if err != nil {
				logger.Warn("trusted key path unreadable, skipping", zap.String("path", entry), zap.Error(err))
				continue
			}
			pemText = string(data)
		}

		pub, err := ParsePublicKeyPEM(pemText)
		if err != nil {
			logger.Warn("invalid trusted key entry, skipping", zap.Error(err))
			continue
		}
		id := t.Add(pub)
		logger.Info("trusted head key loaded", zap.String("key_id", id))
	}
	return nil
}

// EnrollmentToken is a single-use, time-bounded token a fresh node accepts
// once to learn the head's public key without manual PEM copying.
type EnrollmentToken struct {
	mu       sync.Mutex
	token    string
	consumed bool
}

// NewEnrollmentToken wraps a configured token value. An empty token
// disables the enrollment endpoint entirely.
func NewEnrollmentToken(token string) *EnrollmentToken {
	return &EnrollmentToken{token: token}
}

// String returns the configured token value without consuming it, so an
// operator endpoint can surface it for distribution to nodes.
func (e *EnrollmentToken) String() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

// Consume validates and single-use-consumes candidate. Safe for concurrent
// callers: only the first valid attempt succeeds.
func (e *EnrollmentToken) Consume(candidate string) bool {
	if e == nil || e.token == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consumed || candidate != e.token {
		return false
	}
	e.consumed = true
	return true
}
