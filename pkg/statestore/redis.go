package statestore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/determined-ai/trialsched/pkg/check"
)

// RedisConfig stores state as Redis string values.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// SetDefaults implements union.Defaulter.
func (c *RedisConfig) SetDefaults() {
	c.Addr = "localhost:6379"
	c.KeyPrefix = "trialsched:"
}

// Validate implements the check.Validatable interface.
func (c RedisConfig) Validate() []error {
	return []error{
		check.NotEmpty(c.Addr, "addr"),
		check.GreaterThanOrEqualTo(c.DB, 0, "db"),
	}
}

// RedisStore keeps one Redis key per state key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, c RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", c.Addr)
	}
	return &RedisStore{client: client, prefix: c.KeyPrefix}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, errors.Wrapf(ErrNotFound, "redis key %s", s.prefix+key)
	case err != nil:
		return nil, errors.Wrapf(err, "reading redis key %s", s.prefix+key)
	}
	return data, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	return errors.Wrapf(s.client.Set(ctx, s.prefix+key, data, 0).Err(),
		"writing redis key %s", s.prefix+key)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return errors.Wrapf(s.client.Del(ctx, s.prefix+key).Err(), "deleting redis key %s", s.prefix+key)
}

// Close closes the connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
