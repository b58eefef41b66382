package query

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/sha3"
)

// Summary describes an encoded result.
type Summary struct {
	Records        int    `json:"records"`
	DataSize       int64  `json:"data_size"`
	CompressedSize int64  `json:"compressed_size,omitempty"`
	SHA3_256       string `json:"sha3_256"`
	NumReadChunks  int    `json:"num_read_chunks"`
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Encode streams res to w as a JSON array, hashing the uncompressed bytes
// with SHA3-256 and gzip-compressing them when compress is set. res is
// closed before Encode returns.
func Encode(ctx context.Context, res *Result, w io.Writer, compress bool) (Summary, error) {
	defer func() { _ = res.Close() }()

	out := &countingWriter{w: w}
	var (
		gz   *gzip.Writer
		sink io.Writer = out
	)
	if compress {
		gz = gzip.NewWriter(out)
		sink = gz
	}

	hash := sha3.New256()
	data := &countingWriter{w: io.MultiWriter(sink, hash)}
	enc := json.NewEncoder(data)

	if _, err := io.WriteString(data, "["); err != nil {
		return Summary{}, err
	}
	records := 0
	for {
		rec, err := res.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Summary{}, err
		}
		if records > 0 {
			if _, err := io.WriteString(data, ","); err != nil {
				return Summary{}, err
			}
		}
		// Encoder appends a newline after every value; it is valid JSON whitespace.
		if err := enc.Encode(rec); err != nil {
			return Summary{}, fmt.Errorf("encode record: %w", err)
		}
		records++
	}
	if _, err := io.WriteString(data, "]"); err != nil {
		return Summary{}, err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return Summary{}, fmt.Errorf("compress result: %w", err)
		}
	}

	s := Summary{
		Records:       records,
		DataSize:      data.n,
		SHA3_256:      hex.EncodeToString(hash.Sum(nil)),
		NumReadChunks: res.NumReadChunks(),
	}
	if compress {
		s.CompressedSize = out.n
	}
	return s, nil
}
