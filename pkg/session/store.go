// Package session implements the console's session layer: a Redis-backed
// store of opaque session ids and the Session Oracle built on top of it.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tenantgate/tenantgate/pkg/identity"
)

const (
	sessionKeyPrefix  = "session:"
	tempTokenPrefix   = "2fa:"
	defaultSessionTTL = 24 * time.Hour
	tempTokenTTL      = 10 * time.Minute
)

// Record is the persisted session payload. Only the user id is stored;
// the identity snapshot is rebuilt from the store on every oracle call so
// role and membership changes take effect on the next navigation.
type Record struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists sessions and pending second-factor tokens in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a session store from a Redis URL.
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{client: client, ttl: defaultSessionTTL}, nil
}

// NewStoreWithClient wraps an existing Redis client (used in tests).
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client, ttl: defaultSessionTTL}
}

// SetTTL overrides the session lifetime.
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl = ttl
	}
}

// Client exposes the underlying Redis client for health checks and
// other Redis-backed collaborators sharing the connection.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Create stores a new session record under sessionID.
func (s *Store) Create(ctx context.Context, sessionID string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+sessionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get loads a session record. A missing or expired session maps to
// identity.ErrUnauthenticated.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("session not found: %w", identity.ErrUnauthenticated)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	rec := &Record{}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		// Corrupt payloads are removed so the next lookup fails cleanly.
		s.client.Del(ctx, sessionKeyPrefix+sessionID)
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return rec, nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKeyPrefix+sessionID).Err()
}

// CreateTempToken stores a pending second-factor token for a user. The
// token expires on its own if the challenge is never completed.
func (s *Store) CreateTempToken(ctx context.Context, token, userID string) error {
	if err := s.client.Set(ctx, tempTokenPrefix+token, userID, tempTokenTTL).Err(); err != nil {
		return fmt.Errorf("failed to store temp token: %w", err)
	}
	return nil
}

// ConsumeTempToken redeems a pending second-factor token exactly once.
func (s *Store) ConsumeTempToken(ctx context.Context, token string) (string, error) {
	userID, err := s.client.GetDel(ctx, tempTokenPrefix+token).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("temp token not found: %w", identity.ErrUnauthenticated)
	}
	if err != nil {
		return "", fmt.Errorf("redis getdel failed: %w", err)
	}
	return userID, nil
}
