// Package cache is a namespaced byte cache on Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis configuration. An empty URL disables caching.
type Config struct {
	URL    string `envconfig:"REDIS_URL" default:""`
	Prefix string `envconfig:"REDIS_KEY_PREFIX" default:"recon"`
}

// Cache stores opaque values under "<prefix>:<namespace>:<key>".
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(namespace, key string) string {
	if c.prefix == "" {
		return namespace + ":" + key
	}
	return c.prefix + ":" + namespace + ":" + key
}

// Get returns found=false on a miss.
func (c *Cache) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, c.key(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *Cache) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(namespace, key), value, ttl).Err()
}

// SetNX stores value only if key is absent and reports whether it did.
func (c *Cache) SetNX(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.key(namespace, key), value, ttl).Result()
}

func (c *Cache) Delete(ctx context.Context, namespace, key string) error {
	return c.client.Del(ctx, c.key(namespace, key)).Err()
}

// HealthCheck pings Redis.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Namespace binds a Cache to one namespace.
func (c *Cache) Namespace(namespace string) *Namespaced {
	return &Namespaced{cache: c, namespace: namespace}
}

// Namespaced is a Cache view over a single namespace.
type Namespaced struct {
	cache     *Cache
	namespace string
}

func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.cache.Get(ctx, n.namespace, key)
}

func (n *Namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.cache.Set(ctx, n.namespace, key, value, ttl)
}
