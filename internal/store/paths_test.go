package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
)

func TestEscapeDataset(t *testing.T) {
	tests := []struct {
		name    string
		escaped string
	}{
		{"eth", "eth"},
		{"eth-main_v2", "eth-main_v2"},
		{"s3://bucket/eth", "s3~3a~2f~2fbucket~2feth"},
		{".hidden", "~2ehidden"},
		{"a~b", "a~7eb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.escaped, escapeDataset(tt.name))
			got, err := unescapeDataset(tt.escaped)
			require.NoError(t, err)
			assert.Equal(t, tt.name, got)
		})
	}

	_, err := unescapeDataset("bad~z")
	assert.Error(t, err)
	_, err = unescapeDataset("bad~zz")
	assert.Error(t, err)
}

func TestRecordKeyRoundTrip(t *testing.T) {
	id := chunk.New("s3://bucket/eth", 17_000_000, 17_010_000)
	got, err := parseRecordKey(recordKey(id))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = parseRecordKey([]byte("c/short"))
	assert.Error(t, err)
	_, err = parseRecordKey([]byte("x/eth\x00aaaaaaaabbbbbbbb"))
	assert.Error(t, err)
}

func TestRecordKeysSortByFirstBlock(t *testing.T) {
	a := recordKey(chunk.New("eth", 255, 256))
	b := recordKey(chunk.New("eth", 256, 300))
	assert.Less(t, string(a), string(b))
}
