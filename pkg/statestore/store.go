// Package statestore persists scheduler snapshots under string keys on a local disk, in S3 or in
// Redis.
package statestore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialsched/pkg/union"
)

// ErrNotFound is returned by Get when nothing is stored under the key.
var ErrNotFound = errors.New("state not found")

// Store saves and loads opaque state blobs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Config selects and configures a Store.
type Config struct {
	File  *FileConfig  `union:"type,file" json:"-"`
	S3    *S3Config    `union:"type,s3" json:"-"`
	Redis *RedisConfig `union:"type,redis" json:"-"`
}

// MarshalJSON implements the json.Marshaler interface.
func (c Config) MarshalJSON() ([]byte, error) {
	return union.Marshal(c)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (c *Config) UnmarshalJSON(data []byte) error {
	return errors.Wrap(union.Unmarshal(data, c), "failed to parse state store config")
}

// New returns the configured store.
func New(ctx context.Context, c Config) (Store, error) {
	switch {
	case c.File != nil:
		return NewFileStore(*c.File), nil
	case c.S3 != nil:
		return NewS3Store(*c.S3)
	case c.Redis != nil:
		return NewRedisStore(ctx, *c.Redis)
	default:
		return nil, errors.New("no state store configured")
	}
}
