package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent.
var ErrMiss = errors.New("cache miss")

// Cache is a read-through store for hot lookups. Values are JSON
// encoded on the way in and large payloads are gzip compressed.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Redis backs Cache with a namespaced keyspace on a shared client.
type Redis struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	threshold int
}

// NewRedis creates a cache whose keys live under namespace. ttl is the
// default expiry applied when Set is called with a non-positive one.
func NewRedis(client *redis.Client, namespace string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		threshold: 4 * 1024,
	}
}

func (c *Redis) Get(ctx context.Context, key string, dest interface{}) error {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache get: %w", err)
	}
	data, err := decode(raw)
	if err != nil {
		return fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache decode: %w", err)
	}
	return nil
}

func (c *Redis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.client.Set(ctx, c.key(key), c.encode(data), ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *Redis) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (c *Redis) key(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

// encode prefixes a flag byte so readers can tell compressed values
// from plain ones regardless of payload content.
func (c *Redis) encode(data []byte) []byte {
	if len(data) < c.threshold {
		return append([]byte{0}, data...)
	}
	var buf bytes.Buffer
	buf.WriteByte(1)
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return append([]byte{0}, data...)
	}
	if err := gz.Close(); err != nil {
		return append([]byte{0}, data...)
	}
	return buf.Bytes()
}

func decode(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	if raw[0] != 1 {
		return raw[1:], nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw[1:]))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
