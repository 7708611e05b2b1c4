package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BucketStore keeps objects in a gocloud.dev bucket. Works with GCS, AWS
// S3 and S3-compatible services (B2, R2, MinIO), plus local and in-memory
// buckets.
type BucketStore struct {
	bucket *blob.Bucket
	base   string // bucket URL without query, for URI()
}

// OpenBucket opens the bucket named by bucketURL, e.g.
// "s3://crawl-state?region=us-east-1" or "gs://crawl-state".
func OpenBucket(ctx context.Context, bucketURL string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	base := bucketURL
	if u, err := url.Parse(bucketURL); err == nil {
		u.RawQuery = ""
		base = u.String()
	}

	return NewBucketStore(bucket, base), nil
}

// NewBucketStore wraps an already opened bucket.
func NewBucketStore(bucket *blob.Bucket, base string) *BucketStore {
	return &BucketStore{bucket: bucket, base: strings.TrimSuffix(base, "/")}
}

// Read downloads the object under key.
func (s *BucketStore) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open reader for %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Write uploads data under key. Object stores publish a write only when
// the writer is closed, so a failed upload leaves the previous object.
func (s *BucketStore) Write(ctx context.Context, key string, data []byte) error {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// URI returns the canonical URI for the given key.
func (s *BucketStore) URI(key string) string {
	return s.base + "/" + key
}

// Close closes the bucket.
func (s *BucketStore) Close() error {
	return s.bucket.Close()
}
