// Package objstore reads chunk objects from durable storage.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Object describes a stored object.
type Object struct {
	Key  string
	Size int64
}

// ObjectStore reads objects of one bucket.
type ObjectStore interface {
	// String describes the store for logs.
	String() string

	// Head returns the metadata of key.
	Head(ctx context.Context, key string) (Object, error)

	// Get returns a reader over limit bytes of key starting at off.
	// A negative limit reads to the end of the object.
	Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error)

	// SupportsRanges reports whether Get honors off and limit without
	// reading the skipped bytes.
	SupportsRanges() bool
}

// Config selects and configures the storage backend.
type Config struct {
	Type      string // "s3" or "disk"
	Endpoint  string
	Region    string
	Root      string
	PathStyle bool
	AccessKey string
	SecretKey string
}

// Open returns the object store for bucket.
func Open(ctx context.Context, cfg Config, bucket string) (ObjectStore, error) {
	switch cfg.Type {
	case "", "s3":
		return NewS3(ctx, cfg, bucket)
	case "disk":
		return NewDisk(cfg.Root, bucket)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
