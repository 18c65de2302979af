package envelope

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// entry is one tracked nonce with its expiry.
type entry struct {
	keyID, nonce string
	expiresAt    time.Time
}

// MemoryNonceStore is a bounded, per-process sliding-window nonce cache.
// It is the default NonceStore: sufficient for a single node process.
// maxEntries caps memory under a nonce-flooding attempt by
// evicting the oldest entry, which is safe — at worst it makes an old
// nonce reusable slightly before the nominal window, never the reverse.
type MemoryNonceStore struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List // front = oldest
	index      map[string]*list.Element
}

// NewMemoryNonceStore builds a bounded in-process nonce store.
func NewMemoryNonceStore(maxEntries int) *MemoryNonceStore {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &MemoryNonceStore{
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[string]*list.Element),
	}
}

func nonceKey(keyID, nonce string) string { return keyID + "\x00" + nonce }

// SeenBefore records (keyID, nonce) if unseen, evicting expired/oldest
// entries first, and reports whether it was already present and unexpired.
func (s *MemoryNonceStore) SeenBefore(keyID, nonce string, now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired(now)

	k := nonceKey(keyID, nonce)
	if el, ok := s.index[k]; ok {
		e := el.Value.(*entry)
		if now.Before(e.expiresAt) {
			return true
		}
		// Expired: treat as unseen, refresh it below.
		s.order.Remove(el)
		delete(s.index, k)
	}

	for s.order.Len() >= s.maxEntries {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		oe := oldest.Value.(*entry)
		delete(s.index, nonceKey(oe.keyID, oe.nonce))
		s.order.Remove(oldest)
	}

	el := s.order.PushBack(&entry{keyID: keyID, nonce: nonce, expiresAt: now.Add(window)})
	s.index[k] = el
	return false
}

func (s *MemoryNonceStore) evictExpired(now time.Time) {
	for {
		front := s.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry)
		if now.Before(e.expiresAt) {
			return
		}
		delete(s.index, nonceKey(e.keyID, e.nonce))
		s.order.Remove(front)
	}
}

// RedisNonceStore backs the replay window with Redis SETNX+TTL, for nodes
// that run as more than one process behind a load balancer and need a
// shared replay window.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore wraps an existing client. prefix namespaces keys
// (e.g. "webai:nonce:").
func NewRedisNonceStore(client *redis.Client, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "webai:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

// SeenBefore uses SETNX so concurrent verifiers never both "win" the same
// nonce. On Redis error it fails closed (returns true — treat as replayed)
// so a broken nonce store cannot be used to bypass replay protection.
func (s *RedisNonceStore) SeenBefore(keyID, nonce string, now time.Time, window time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := s.client.SetNX(ctx, s.prefix+keyID+":"+nonce, now.Unix(), window).Result()
	if err != nil {
		return true
	}
	return !ok
}
