// Package objectstore wraps an S3-compatible object store behind a small
// interface the rest of s3refgc depends on, rate-limited against throttle
// responses the way the teacher rate-limits its nix-cache uploads.
package objectstore

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/s3refgc/s3refgc/errtag"
	"github.com/s3refgc/s3refgc/ratelimit"
)

// ObjectInfo describes a single listed or head-checked object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the subset of S3 semantics the GC core depends on. Every method
// takes a context; no per-call timeout is applied here or by its callers
// (config.Config.CallTimeout is not read), so a call is bounded only by the
// deadline or cancellation already on the caller's context.
type Store interface {
	List(ctx context.Context, batchSize int) (<-chan ObjectInfo, <-chan error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body []byte) error
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (ObjectInfo, error)
	HeadBucket(ctx context.Context) error
}

// MinioStore is a Store backed by minio-go against any S3-compatible
// endpoint, with adaptive backoff on throttle responses.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	limiter *ratelimit.AdaptiveRateLimiter
}

// NewMinioStore dials endpoint and returns a Store bound to bucket.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, errtag.ObjectStoref("dial", err, map[string]any{"endpoint": endpoint})
	}

	return &MinioStore{
		client:  client,
		bucket:  bucket,
		limiter: ratelimit.NewAdaptiveRateLimiter(0, bucket),
	}, nil
}

func (s *MinioStore) wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

func (s *MinioStore) record(err error) {
	if isThrottle(err) {
		s.limiter.RecordThrottle()

		return
	}

	s.limiter.RecordSuccess()
}

func isThrottle(err error) bool {
	if err == nil {
		return false
	}

	resp := minio.ToErrorResponse(err)

	return resp.Code == "SlowDown" || resp.Code == "TooManyRequests" || resp.StatusCode == 429 || resp.StatusCode == 503
}

// List streams every key in the bucket, paginating internally at batchSize
// per underlying request via minio-go's channel-based ListObjects.
func (s *MinioStore) List(ctx context.Context, batchSize int) (<-chan ObjectInfo, <-chan error) {
	out := make(chan ObjectInfo, batchSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true, MaxKeys: batchSize}) {
			if obj.Err != nil {
				errCh <- errtag.ObjectStoref("list", obj.Err, map[string]any{"bucket": s.bucket})

				return
			}

			select {
			case out <- ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})

	s.record(err)

	if err != nil {
		return nil, errtag.ObjectStoref("get", err, map[string]any{"key": key})
	}

	return obj, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body []byte) error {
	if err := s.wait(ctx); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{})

	s.record(err)

	if err != nil {
		return errtag.ObjectStoref("put", err, map[string]any{"key": key})
	}

	return nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})

	s.record(err)

	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return errtag.ObjectStoref("delete", err, map[string]any{"key": key})
	}

	return nil
}

func (s *MinioStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if err := s.wait(ctx); err != nil {
		return ObjectInfo{}, err
	}

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})

	s.record(err)

	if err != nil {
		return ObjectInfo{}, errtag.ObjectStoref("head", err, map[string]any{"key": key})
	}

	return ObjectInfo{Key: info.Key, Size: info.Size, LastModified: info.LastModified}, nil
}

func (s *MinioStore) HeadBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errtag.ObjectStoref("head_bucket", err, map[string]any{"bucket": s.bucket})
	}

	if !ok {
		return errtag.ObjectStoref("head_bucket", nil, map[string]any{"bucket": s.bucket, "reason": "does not exist"})
	}

	return nil
}
