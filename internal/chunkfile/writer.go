package chunkfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("chunkfile: cbor encoder options: %v", err))
	}
	return em
}

// Manifest describes a published chunk object: its size and SHA-256 of the
// file bytes as stored.
type Manifest struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Writer encodes a chunk file. Blocks must be written in increasing order and
// lie inside the header range.
type Writer struct {
	header  Header
	zw      *zstd.Encoder
	enc     *cbor.Encoder
	counter *countingWriter
	last    uint64
	written bool
	closed  bool
}

// NewWriter writes the header to w and returns a writer for the blocks.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	if h.Version == 0 {
		h.Version = FormatVersion
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}

	counter := &countingWriter{w: w, h: sha256.New()}
	zw, err := zstd.NewWriter(counter, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}

	cw := &Writer{
		header:  h,
		zw:      zw,
		enc:     encMode.NewEncoder(zw),
		counter: counter,
	}
	if err := cw.enc.Encode(h); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("encode header: %w", err)
	}
	return cw, nil
}

// WriteBlock appends a block.
func (w *Writer) WriteBlock(b *Block) error {
	if w.closed {
		return ErrWriterClosed
	}
	if b.Number < w.header.FirstBlock || b.Number >= w.header.LastBlock {
		return fmt.Errorf("%w: block %d outside [%d, %d)", ErrBlockOrder, b.Number, w.header.FirstBlock, w.header.LastBlock)
	}
	if w.written && b.Number <= w.last {
		return fmt.Errorf("%w: block %d after %d", ErrBlockOrder, b.Number, w.last)
	}
	if err := w.enc.Encode(b); err != nil {
		return fmt.Errorf("encode block %d: %w", b.Number, err)
	}
	w.last = b.Number
	w.written = true
	return nil
}

// Close flushes the compressed stream. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.zw.Close()
}

// Manifest returns the size and hash of the bytes written so far. It is only
// meaningful after Close.
func (w *Writer) Manifest() Manifest {
	return Manifest{
		Size:   w.counter.n,
		SHA256: hex.EncodeToString(w.counter.h.Sum(nil)),
	}
}

// WriteFile writes a complete chunk file at path and returns its manifest.
// The file is written to a temporary name and renamed into place.
func WriteFile(path string, h Header, blocks []Block) (Manifest, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Manifest{}, fmt.Errorf("create chunk dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".chunk-*.tmp")
	if err != nil {
		return Manifest{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	w, err := NewWriter(tmp, h)
	if err != nil {
		_ = tmp.Close()
		return Manifest{}, err
	}
	for i := range blocks {
		if err := w.WriteBlock(&blocks[i]); err != nil {
			_ = tmp.Close()
			return Manifest{}, err
		}
	}
	if err := w.Close(); err != nil {
		_ = tmp.Close()
		return Manifest{}, fmt.Errorf("flush chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Manifest{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return Manifest{}, fmt.Errorf("rename chunk file: %w", err)
	}
	return w.Manifest(), nil
}

type countingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.h.Write(p[:n])
	c.n += int64(n)
	return n, err
}
