package statestore

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"

	"github.com/determined-ai/trialsched/pkg/check"
	"github.com/determined-ai/trialsched/pkg/ptrs"
)

// S3Config stores state as objects in an S3 bucket.
type S3Config struct {
	Bucket         string  `json:"bucket"`
	Prefix         string  `json:"prefix"`
	Region         string  `json:"region"`
	EndpointURL    *string `json:"endpoint_url,omitempty"`
	ForcePathStyle *bool   `json:"force_path_style,omitempty"` // defaults to true with an endpoint
}

// SetDefaults implements union.Defaulter.
func (c *S3Config) SetDefaults() {
	c.Region = "us-west-2"
}

// Validate implements the check.Validatable interface.
func (c S3Config) Validate() []error {
	return []error{check.NotEmpty(c.Bucket, "bucket")}
}

// S3Store keeps one object per key under an optional prefix.
type S3Store struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3Store returns a store backed by the configured bucket. Credentials come from the default
// AWS credential chain.
func NewS3Store(c S3Config) (*S3Store, error) {
	cfg := &aws.Config{Region: aws.String(c.Region)}
	if c.EndpointURL != nil {
		cfg.Endpoint = c.EndpointURL
		cfg.S3ForcePathStyle = aws.Bool(ptrs.Deref(c.ForcePathStyle, true))
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	return NewS3StoreWithClient(s3.New(sess), c.Bucket, c.Prefix), nil
}

// NewS3StoreWithClient returns a store using an existing client.
func NewS3StoreWithClient(client s3iface.S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(key string) string {
	return path.Join(s.prefix, key)
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, errors.Wrapf(ErrNotFound, "s3://%s/%s", s.bucket, s.key(key))
		}
		return nil, errors.Wrapf(err, "getting s3://%s/%s", s.bucket, s.key(key))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading s3://%s/%s", s.bucket, s.key(key))
	}
	return data, nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return errors.Wrapf(err, "putting s3://%s/%s", s.bucket, s.key(key))
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	return errors.Wrapf(err, "deleting s3://%s/%s", s.bucket, s.key(key))
}
