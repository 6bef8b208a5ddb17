// Package session provides Redis-backed login sessions for the signing
// service. Sessions are opaque random tokens carried in a cookie; each
// session holds the signer's identity snapshot and a CSRF token.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a session token is unknown or expired.
var ErrNotFound = errors.New("session not found or expired")

// Identity is the authenticated signer snapshot stored per session. It is
// captured at login time; profile edits take effect on the next login.
type Identity struct {
	Email     string    `json:"email"`
	Nome      string    `json:"nome"`
	CPFMasked string    `json:"cpf_masked"`
	Orgao     string    `json:"orgao"`
	Setor     string    `json:"setor"`
	Matricula string    `json:"matricula"`
	Cargo     string    `json:"cargo"`
	IsAdmin   bool      `json:"is_admin"`
	LoginAt   time.Time `json:"login_at"`
}

type sessionData struct {
	Identity Identity `json:"identity"`
	CSRF     string   `json:"csrf"`
}

// RedisStore implements session storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "sess:", ttl: ttl}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "sess:", ttl: ttl}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create mints a fresh session for the identity and returns the session
// token. A new token is always issued, so logging in rotates any token the
// browser previously held.
func (s *RedisStore) Create(ctx context.Context, id Identity) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	csrf, err := randomToken()
	if err != nil {
		return "", err
	}

	jsonData, err := json.Marshal(sessionData{Identity: id, CSRF: csrf})
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	if err := s.client.Set(ctx, s.key(token), jsonData, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return token, nil
}

// Lookup resolves a session token to the stored identity and refreshes the
// idle timeout.
func (s *RedisStore) Lookup(ctx context.Context, token string) (Identity, error) {
	jsonData, err := s.client.Get(ctx, s.key(token)).Result()
	if err == redis.Nil {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return Identity{}, fmt.Errorf("unmarshal session: %w", err)
	}

	// Sliding expiry: any authenticated request keeps the session alive.
	if err := s.client.Expire(ctx, s.key(token), s.ttl).Err(); err != nil {
		return Identity{}, fmt.Errorf("refresh session ttl: %w", err)
	}
	return data.Identity, nil
}

// CSRFToken returns the per-session CSRF token.
func (s *RedisStore) CSRFToken(ctx context.Context, token string) (string, error) {
	jsonData, err := s.client.Get(ctx, s.key(token)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	var data sessionData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return "", fmt.Errorf("unmarshal session: %w", err)
	}
	return data.CSRF, nil
}

// VerifyCSRF checks a submitted CSRF token against the session's token using
// a constant-time comparison.
func (s *RedisStore) VerifyCSRF(ctx context.Context, token, submitted string) error {
	want, err := s.CSRFToken(ctx, token)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(submitted)) != 1 {
		return errors.New("csrf token mismatch")
	}
	return nil
}

// Revoke deletes a session token
func (s *RedisStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Client exposes the underlying connection so other Redis-backed pieces,
// like the login rate limiter, can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
