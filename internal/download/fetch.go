package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/chunkfile"
)

// fetch downloads the data object of t into t.tmp and verifies it against
// the published manifest. Parts completed by earlier attempts are skipped.
func (c *Coordinator) fetch(ctx context.Context, t *task) error {
	src, ok := c.sources[t.id.Dataset]
	if !ok {
		return fmt.Errorf("%w: no storage source for dataset %q", chunk.ErrFatal, t.id.Dataset)
	}

	m, err := readManifest(ctx, src, t.id)
	if err != nil {
		return err
	}
	if m != t.manifest {
		// The object was republished; nothing fetched so far can be trusted.
		c.removeTempLocked(t)
		t.manifest = m
	}

	f, err := c.openTemp(t)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := f.Truncate(m.Size); err != nil {
		return fmt.Errorf("size temporary file: %w", err)
	}

	partSize := c.cfg.PartSize
	if !src.Store.SupportsRanges() || partSize > m.Size {
		partSize = max(m.Size, 1)
	}
	parts := int((m.Size + partSize - 1) / partSize)
	if len(t.done) != parts {
		t.done = make([]bool, parts)
	}

	key := chunkfile.ObjectKey(src.Prefix, t.id)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.PartConcurrency)
	for i := 0; i < parts; i++ {
		if t.done[i] {
			continue
		}
		off := int64(i) * partSize
		n := min(partSize, m.Size-off)
		g.Go(func() error {
			if err := c.fetchPart(gctx, src, key, f, off, n); err != nil {
				return err
			}
			t.done[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind temporary file: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash temporary file: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != m.SHA256 {
		t.done = nil
		return fmt.Errorf("%w: %s: expected sha256 %s, got %s", chunk.ErrCorruption, key, m.SHA256, got)
	}
	return nil
}

func (c *Coordinator) fetchPart(ctx context.Context, src Source, key string, f *os.File, off, n int64) error {
	r, err := src.Store.Get(ctx, key, off, n)
	if err != nil {
		return chunk.Transient(fmt.Errorf("get %s at %d: %w", key, off, err))
	}
	defer func() { _ = r.Close() }()

	written, err := io.Copy(io.NewOffsetWriter(f, off), r)
	c.metrics.DownloadedBytes.Add(float64(written))
	if err != nil {
		return chunk.Transient(fmt.Errorf("read %s at %d: %w", key, off, err))
	}
	if written != n {
		return chunk.Transient(fmt.Errorf("short read of %s at %d: %d of %d bytes", key, off, written, n))
	}
	return nil
}

// openTemp reopens the temporary file of t, or creates one.
func (c *Coordinator) openTemp(t *task) (*os.File, error) {
	if t.tmp != "" {
		f, err := os.OpenFile(t.tmp, os.O_RDWR, 0)
		if err == nil {
			return f, nil
		}
		t.tmp = ""
		t.done = nil
	}
	f, err := c.store.CreateTemp(t.id)
	if err != nil {
		return nil, err
	}
	t.tmp = f.Name()
	return f, nil
}

func (c *Coordinator) removeTempLocked(t *task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeTemp(t)
}

func readManifest(ctx context.Context, src Source, id chunk.ID) (chunkfile.Manifest, error) {
	key := chunkfile.ManifestKey(src.Prefix, id)
	r, err := src.Store.Get(ctx, key, 0, -1)
	if err != nil {
		return chunkfile.Manifest{}, chunk.Transient(fmt.Errorf("get manifest %s: %w", key, err))
	}
	defer func() { _ = r.Close() }()

	var m chunkfile.Manifest
	if err := json.NewDecoder(io.LimitReader(r, 1<<16)).Decode(&m); err != nil {
		return chunkfile.Manifest{}, fmt.Errorf("%w: decode manifest %s: %v", chunk.ErrCorruption, key, err)
	}
	if m.Size < 0 || len(m.SHA256) != sha256.Size*2 {
		return chunkfile.Manifest{}, fmt.Errorf("%w: invalid manifest %s", chunk.ErrCorruption, key)
	}
	return m, nil
}
