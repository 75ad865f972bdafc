package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding settings when no key is given.
const DefaultRedisKey = "popnet:settings"

// RedisStore keeps settings as fields of one Redis hash so several
// shells can share a configuration.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects using a redis:// URL.  hashKey defaults to
// [DefaultRedisKey].
func NewRedisStore(url, hashKey string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	return NewRedisStoreFromClient(redis.NewClient(opts), hashKey), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, hashKey string) *RedisStore {
	if hashKey == "" {
		hashKey = DefaultRedisKey
	}
	return &RedisStore{client: client, key: hashKey}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := r.client.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	return keys, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
