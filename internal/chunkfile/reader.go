package chunkfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

var decMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("chunkfile: cbor decoder options: %v", err))
	}
	return dm
}

// Decoders run with concurrency 1 so a pooled decoder owns no goroutines.
var decoderPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	},
}

// Reader streams the blocks of a chunk file.
type Reader struct {
	header Header
	zr     *zstd.Decoder
	dec    *cbor.Decoder
	closer io.Closer
	last   uint64
	read   bool
	done   bool
}

// Open opens the chunk file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := newReader(bufio.NewReaderSize(f, 64*1024), f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open chunk %s: %w", path, err)
	}
	return r, nil
}

// NewReader reads a chunk stream from r. Closing the returned reader does not
// close r.
func NewReader(r io.Reader) (*Reader, error) {
	return newReader(r, nil)
}

func newReader(r io.Reader, closer io.Closer) (*Reader, error) {
	zr := decoderPool.Get().(*zstd.Decoder)
	if err := zr.Reset(r); err != nil {
		decoderPool.Put(zr)
		return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	cr := &Reader{zr: zr, dec: decMode.NewDecoder(zr), closer: closer}
	if err := cr.dec.Decode(&cr.header); err != nil {
		cr.release()
		return nil, fmt.Errorf("%w: header: %w", ErrInvalidFormat, err)
	}
	if err := cr.header.Validate(); err != nil {
		cr.release()
		return nil, err
	}
	return cr, nil
}

// Header returns the chunk header.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next block, or io.EOF after the last one.
func (r *Reader) Next() (*Block, error) {
	if r.done {
		return nil, io.EOF
	}

	var b Block
	if err := r.dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			r.done = true
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: decode block: %w", ErrInvalidFormat, err)
	}

	if b.Number < r.header.FirstBlock || b.Number >= r.header.LastBlock {
		return nil, fmt.Errorf("%w: block %d outside [%d, %d)", ErrBlockOrder, b.Number, r.header.FirstBlock, r.header.LastBlock)
	}
	if r.read && b.Number <= r.last {
		return nil, fmt.Errorf("%w: block %d after %d", ErrBlockOrder, b.Number, r.last)
	}
	r.last = b.Number
	r.read = true
	return &b, nil
}

// Close releases the decoder and closes the file opened by Open.
func (r *Reader) Close() error {
	if r.zr == nil {
		return nil
	}
	r.release()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) release() {
	if r.zr != nil {
		decoderPool.Put(r.zr)
		r.zr = nil
	}
}

// ReadAll decodes every block of the chunk file at path.
func ReadAll(path string) (Header, []Block, error) {
	r, err := Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer func() { _ = r.Close() }()

	var blocks []Block
	for {
		b, err := r.Next()
		if errors.Is(err, io.EOF) {
			return r.header, blocks, nil
		}
		if err != nil {
			return Header{}, nil, err
		}
		blocks = append(blocks, *b)
	}
}
