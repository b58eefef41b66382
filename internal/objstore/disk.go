package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type disk struct {
	root string
}

// NewDisk returns a store reading objects from files under root/bucket.
// Keys are slash separated paths relative to that directory.
func NewDisk(root, bucket string) (ObjectStore, error) {
	if root == "" {
		return nil, errors.New("disk storage root cannot be empty")
	}
	dir, err := filepath.Abs(filepath.Join(root, bucket))
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	return &disk{root: dir}, nil
}

func (d *disk) String() string {
	return "file://" + d.root + "/"
}

func (d *disk) path(key string) (string, error) {
	p := filepath.Join(d.root, filepath.FromSlash(key))
	if p != d.root && !strings.HasPrefix(p, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes storage root", key)
	}
	return p, nil
}

func (d *disk) Head(_ context.Context, key string) (Object, error) {
	p, err := d.path(key)
	if err != nil {
		return Object{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Object{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Object{}, err
	}
	if fi.IsDir() {
		return Object{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return Object{Key: key, Size: fi.Size()}, nil
}

func (d *disk) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	if off > 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if limit < 0 {
		return f, nil
	}
	return &readCloser{Reader: io.LimitReader(f, limit), Closer: f}, nil
}

func (d *disk) SupportsRanges() bool { return true }

type readCloser struct {
	io.Reader
	io.Closer
}
