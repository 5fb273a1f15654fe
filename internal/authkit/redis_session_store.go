package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSessionKeyPrefix = "session:"

// RedisSessionStore keeps sessions as JSON strings with a Redis-side TTL.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore wraps an existing client.
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// OpenRedisSessionStore parses a redis:// or rediss:// URL and verifies connectivity.
func OpenRedisSessionStore(ctx context.Context, redisURL string) (*RedisSessionStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("session_store.redis.parse_url: %w", err)
	}
	options.MinIdleConns = 2
	options.DialTimeout = 5 * time.Second
	options.ConnMaxIdleTime = 5 * time.Minute
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session_store.redis.ping: %w", pingErr)
	}
	return NewRedisSessionStore(client), nil
}

// Client exposes the connection so other Redis-backed stores can share it.
func (store *RedisSessionStore) Client() *redis.Client {
	return store.client
}

// Close releases the underlying client.
func (store *RedisSessionStore) Close() error {
	return store.client.Close()
}

// Get loads and decodes the session.
func (store *RedisSessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	payload, err := store.client.Get(ctx, redisSessionKeyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("session_store.redis.get: %w", err)
	}
	var session Session
	if decodeErr := json.Unmarshal(payload, &session); decodeErr != nil {
		return nil, fmt.Errorf("session_store.redis.decode: %w", decodeErr)
	}
	return &session, nil
}

// Save writes the session and its expiry in one SET command.
func (store *RedisSessionStore) Save(ctx context.Context, session *Session, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("session_store.redis.encode: %w", err)
	}
	if setErr := store.client.Set(ctx, redisSessionKeyPrefix+session.ID, payload, ttl).Err(); setErr != nil {
		return fmt.Errorf("session_store.redis.set: %w", setErr)
	}
	return nil
}

// Destroy deletes the session key.
func (store *RedisSessionStore) Destroy(ctx context.Context, sessionID string) error {
	if err := store.client.Del(ctx, redisSessionKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("session_store.redis.del: %w", err)
	}
	return nil
}
