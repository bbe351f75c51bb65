package grants

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const grantKeyPrefix = "grant:"

// RedisStore keeps grant codes in Redis. Expiry rides on the key TTL and
// redemption uses GETDEL, which makes the one-shot property atomic.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a grant store from a Redis URL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
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

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client (used in tests).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, grant *Grant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}
	ttl := time.Until(grant.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("grant already expired")
	}
	if err := s.client.Set(ctx, grantKeyPrefix+grant.Code, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// Redeem implements Store.
func (s *RedisStore) Redeem(ctx context.Context, code string) (*Grant, error) {
	data, err := s.client.GetDel(ctx, grantKeyPrefix+code).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel failed: %w", err)
	}

	grant := &Grant{}
	if err := json.Unmarshal([]byte(data), grant); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	return grant, nil
}
