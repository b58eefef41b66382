package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
)

const (
	chunksDirName = "chunks"
	indexDirName  = "index"
	dataFileName  = "blocks.chunk"

	// Hidden names inside a dataset directory. Recovery removes both.
	downloadPrefix = ".download-"
	trashPrefix    = ".trash-"

	recordPrefix = "c/"
)

// escapeDataset maps a dataset name to a directory name. Bytes outside
// [A-Za-z0-9_-] are written as ~XX so the result never starts with a dot
// and never contains a separator.
func escapeDataset(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "~%02x", c)
		}
	}
	return b.String()
}

func unescapeDataset(dir string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(dir); i++ {
		if dir[i] != '~' {
			b.WriteByte(dir[i])
			continue
		}
		if i+2 >= len(dir) {
			return "", fmt.Errorf("invalid dataset dir %q", dir)
		}
		c, err := strconv.ParseUint(dir[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid dataset dir %q: %w", dir, err)
		}
		b.WriteByte(byte(c))
		i += 2
	}
	return b.String(), nil
}

func (s *Store) datasetDir(dataset string) string {
	return filepath.Join(s.chunksDir, escapeDataset(dataset))
}

func (s *Store) chunkDir(id chunk.ID) string {
	return filepath.Join(s.datasetDir(id.Dataset), id.RangeString())
}

// ChunkPath returns where the data file of id lives once published.
func (s *Store) ChunkPath(id chunk.ID) string {
	return filepath.Join(s.chunkDir(id), dataFileName)
}

// recordKey encodes c/<dataset>\x00<first:be64><last:be64>. Keys of one
// dataset sort by first block.
func recordKey(id chunk.ID) []byte {
	key := make([]byte, 0, len(recordPrefix)+len(id.Dataset)+1+16)
	key = append(key, recordPrefix...)
	key = append(key, id.Dataset...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, id.First)
	key = binary.BigEndian.AppendUint64(key, id.Last)
	return key
}

func parseRecordKey(key []byte) (chunk.ID, error) {
	if !strings.HasPrefix(string(key), recordPrefix) || len(key) < len(recordPrefix)+1+16 {
		return chunk.ID{}, fmt.Errorf("invalid record key %q", key)
	}
	rest := key[len(recordPrefix):]
	sep := len(rest) - 17
	if rest[sep] != 0 {
		return chunk.ID{}, fmt.Errorf("invalid record key %q", key)
	}
	return chunk.ID{
		Dataset: string(rest[:sep]),
		First:   binary.BigEndian.Uint64(rest[sep+1:]),
		Last:    binary.BigEndian.Uint64(rest[sep+9:]),
	}, nil
}
