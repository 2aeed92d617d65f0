package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/trialsched/pkg/ptrs"
)

func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "exp/scheduler", []byte(`{"a":1}`)))
	data, err := s.Get(ctx, "exp/scheduler")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(data))

	require.NoError(t, s.Put(ctx, "exp/scheduler", []byte(`{"a":2}`)))
	data, err = s.Get(ctx, "exp/scheduler")
	require.NoError(t, err)
	require.Equal(t, `{"a":2}`, string(data))

	require.NoError(t, s.Delete(ctx, "exp/scheduler"))
	_, err = s.Get(ctx, "exp/scheduler")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(FileConfig{Dir: dir})
	testStore(t, s)

	require.NoError(t, s.Delete(context.Background(), "never-written"))
	_, err := s.Get(context.Background(), "../escape")
	require.ErrorContains(t, err, "invalid key")

	require.NoError(t, s.Put(context.Background(), "snap", []byte("x")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2, "only the snapshot and the exp directory remain")
	_, err = os.Stat(filepath.Join(dir, "snap"))
	require.NoError(t, err)
}

type fakeS3 struct {
	s3iface.S3API
	objects map[string][]byte
}

func (f *fakeS3) GetObjectWithContext(
	_ aws.Context, in *s3.GetObjectInput, _ ...request.Option,
) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObjectWithContext(
	_ aws.Context, in *s3.PutObjectInput, _ ...request.Option,
) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectWithContext(
	_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option,
) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	testStore(t, NewS3StoreWithClient(client, "bucket", "trialsched"))

	s := NewS3StoreWithClient(client, "bucket", "trialsched")
	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))
	require.Contains(t, client.objects, "bucket/trialsched/k")
}

func TestNewS3Store(t *testing.T) {
	c := S3Config{Bucket: "bucket", Region: "us-east-1", EndpointURL: ptrs.Ptr("http://localhost:9000")}
	s, err := NewS3Store(c)
	require.NoError(t, err)
	client, ok := s.client.(*s3.S3)
	require.True(t, ok)
	require.True(t, *client.Config.S3ForcePathStyle)

	c.ForcePathStyle = ptrs.Ptr(false)
	s, err = NewS3Store(c)
	require.NoError(t, err)
	require.False(t, *s.client.(*s3.S3).Config.S3ForcePathStyle)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TRIALSCHED_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRIALSCHED_TEST_REDIS_ADDR is not set")
	}
	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: addr, KeyPrefix: t.Name() + ":"})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, s.Close())
	}()
	testStore(t, s)
}

func TestConfig(t *testing.T) {
	var c Config
	require.NoError(t, json.Unmarshal([]byte(`{"type": "redis", "db": 2}`), &c))
	require.NotNil(t, c.Redis)
	require.Equal(t, "localhost:6379", c.Redis.Addr)
	require.Equal(t, 2, c.Redis.DB)

	require.NoError(t, json.Unmarshal([]byte(`{"type": "file"}`), &c))
	require.Nil(t, c.Redis)
	require.Equal(t, ".", c.File.Dir)

	err := json.Unmarshal([]byte(`{"type": "file", "bucket": "b"}`), &c)
	require.ErrorContains(t, err, "unknown field")

	out, err := json.Marshal(Config{S3: &S3Config{Bucket: "b", Region: "r"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"type": "s3", "bucket": "b", "prefix": "", "region": "r"}`, string(out))

	_, err = New(context.Background(), Config{})
	require.ErrorContains(t, err, "no state store configured")
}
