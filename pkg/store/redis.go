package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisParams struct {
	// Existing client. When provided the store does not close it.
	Client redis.UniversalClient
	// URL used to create a dedicated client when Client is nil, e.g. redis://localhost:6379/0.
	URL string
	// KeyPrefix defaults to "voicebook".
	KeyPrefix string
	// TTL of zero means no expiration.
	TTL time.Duration
}

// Redis stores each key as a plain redis string under a prefix.
type Redis struct {
	client     redis.UniversalClient
	ownsClient bool
	prefix     string
	ttl        time.Duration
}

func OpenRedis(ctx context.Context, params RedisParams) (*Redis, error) {
	client := params.Client
	owns := false
	if client == nil {
		if params.URL == "" {
			return nil, fmt.Errorf("redis client or url is required")
		}
		opts, err := redis.ParseURL(params.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
		owns = true
	}
	r := &Redis{
		client:     client,
		ownsClient: owns,
		prefix:     cmp.Or(params.KeyPrefix, "voicebook"),
		ttl:        params.TTL,
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("redis is not reachable: %w", err)
	}
	return r, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + ":" + k
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get redis key %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Put(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("set redis key %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}
