package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Read when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Store abstracts whole-object reads and writes for small state files
// such as the crawl progress document.
type Store interface {
	// Read returns the object stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write replaces the object under key. Readers observe either the old
	// or the new content, never a partial write.
	Write(ctx context.Context, key string, data []byte) error

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Open picks a backend from location. Anything with a URL scheme
// (file://, s3://, gs://, mem://) is opened as a gocloud.dev bucket;
// everything else is treated as a local directory.
func Open(ctx context.Context, location string) (Store, error) {
	if location == "" {
		return nil, fmt.Errorf("storage location required")
	}
	if strings.Contains(location, "://") {
		return OpenBucket(ctx, location)
	}
	return NewLocalStore(location)
}
