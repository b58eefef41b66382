package objstore

import (
	"context"
	"io"

	"github.com/juju/ratelimit"
)

type limitedReader struct {
	io.ReadCloser
	bucket *ratelimit.Bucket
}

func (l *limitedReader) Read(buf []byte) (int, error) {
	n, err := l.ReadCloser.Read(buf)
	if n > 0 {
		l.bucket.Wait(int64(n))
	}
	return n, err
}

type bwlimit struct {
	ObjectStore
	bucket *ratelimit.Bucket
}

// NewLimited caps the aggregate read bandwidth of every store wrapped with
// the same bucket. A nil bucket returns store unchanged.
func NewLimited(store ObjectStore, bucket *ratelimit.Bucket) ObjectStore {
	if bucket == nil {
		return store
	}
	return &bwlimit{ObjectStore: store, bucket: bucket}
}

// NewBucket returns a token bucket for bytesPerSec, or nil when unlimited.
// The refill rate leaves headroom for HTTP/TCP/IP overheads.
func NewBucket(bytesPerSec int64) *ratelimit.Bucket {
	if bytesPerSec <= 0 {
		return nil
	}
	return ratelimit.NewBucketWithRate(float64(bytesPerSec)*0.85, bytesPerSec)
}

func (b *bwlimit) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	r, err := b.ObjectStore.Get(ctx, key, off, limit)
	if err != nil {
		return nil, err
	}
	return &limitedReader{ReadCloser: r, bucket: b.bucket}, nil
}
