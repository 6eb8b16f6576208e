// Package session stores captured browser sessions in Redis. Sessions hold
// live auth cookies, so records are sealed with NaCl secretbox before they
// touch the wire; the key comes from config and never leaves the process.
package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

const keyPrefix = "session:"

// ErrNotFound is returned when no session has been captured for a surface and
// scope.
var ErrNotFound = errors.New("captured session not found")

// Store is the Redis-backed domain.SessionStore.
type Store struct {
	rdb *redis.Client
	key [32]byte
	ttl time.Duration
}

// New builds a Store. key must be 32 bytes; ttl <= 0 means sessions never
// expire from Redis (they still go stale at the surface).
func New(rdb *redis.Client, key []byte, ttl time.Duration) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("op=session.New: key must be 32 bytes, got %d", len(key))
	}
	s := &Store{rdb: rdb, ttl: ttl}
	copy(s.key[:], key)
	return s, nil
}

// redisKey layout: session:<surface-id> for shared, session:<surface-id>:<scope>
// for dedicated isolation.
func redisKey(surfaceID, scope string) string {
	if scope == "" {
		return keyPrefix + surfaceID
	}
	return keyPrefix + surfaceID + ":" + scope
}

type record struct {
	SurfaceID  string            `json:"surface_id"`
	Cookies    []domain.Cookie   `json:"cookies"`
	Storage    map[string]string `json:"storage,omitempty"`
	UserAgent  string            `json:"user_agent"`
	CapturedAt time.Time         `json:"captured_at"`
}

// Store implements domain.SessionStore.
func (s *Store) Store(ctx context.Context, scope string, sess domain.CapturedSession) error {
	plain, err := json.Marshal(record{
		SurfaceID:  sess.SurfaceID,
		Cookies:    sess.Cookies,
		Storage:    sess.Storage,
		UserAgent:  sess.UserAgent,
		CapturedAt: sess.CapturedAt,
	})
	if err != nil {
		return fmt.Errorf("op=session.Store: marshal: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("op=session.Store: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &s.key)

	if err := s.rdb.Set(ctx, redisKey(sess.SurfaceID, scope), sealed, s.ttl).Err(); err != nil {
		return fmt.Errorf("op=session.Store: redis set: %w", err)
	}
	return nil
}

// Fetch implements domain.SessionStore.
func (s *Store) Fetch(ctx context.Context, surfaceID, scope string) (domain.CapturedSession, error) {
	sealed, err := s.rdb.Get(ctx, redisKey(surfaceID, scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		// dedicated scope falls back to the shared session
		if scope != "" {
			return s.Fetch(ctx, surfaceID, "")
		}
		return domain.CapturedSession{}, fmt.Errorf("op=session.Fetch: surface %s: %w", surfaceID, ErrNotFound)
	}
	if err != nil {
		return domain.CapturedSession{}, fmt.Errorf("op=session.Fetch: redis get: %w", err)
	}
	if len(sealed) < 24 {
		return domain.CapturedSession{}, fmt.Errorf("op=session.Fetch: surface %s: sealed record too short", surfaceID)
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return domain.CapturedSession{}, fmt.Errorf("op=session.Fetch: surface %s: decrypt failed, wrong key or corrupt record", surfaceID)
	}

	var rec record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return domain.CapturedSession{}, fmt.Errorf("op=session.Fetch: unmarshal: %w", err)
	}
	return domain.CapturedSession{
		SurfaceID:  rec.SurfaceID,
		Cookies:    rec.Cookies,
		Storage:    rec.Storage,
		UserAgent:  rec.UserAgent,
		CapturedAt: rec.CapturedAt,
	}, nil
}

// Delete implements domain.SessionStore.
func (s *Store) Delete(ctx context.Context, surfaceID, scope string) error {
	if err := s.rdb.Del(ctx, redisKey(surfaceID, scope)).Err(); err != nil {
		return fmt.Errorf("op=session.Delete: %w", err)
	}
	return nil
}
