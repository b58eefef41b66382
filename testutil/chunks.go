package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/chunkfile"
)

// Addresses and topics used by the synthetic blocks.
const (
	TokenAddress  = "0x00000000000000000000000000000000000000a1"
	RouterAddress = "0x00000000000000000000000000000000000000b2"
	TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	ApprovalTopic = "0x8c5be1e5ebec7d5bd14f71427b41e0f3e4b15a1d16f0d1b8e2d8e8e6b4c2d1a0"

	TransferSighash = "0xa9059cbb"
	ApproveSighash  = "0x095ea7b3"
)

// Sender returns one of three deterministic sender addresses.
func Sender(i uint64) string {
	return fmt.Sprintf("0x%040x", 0xc0+i%3)
}

// Block builds a deterministic block: a token transfer with one Transfer log
// followed by an approval on the router with one Approval log.
func Block(n uint64) chunkfile.Block {
	return chunkfile.Block{
		Number:    n,
		Hash:      fmt.Sprintf("0x%064x", n),
		Timestamp: 1700000000 + int64(n)*12,
		Transactions: []chunkfile.Transaction{
			{
				Index:  0,
				Hash:   fmt.Sprintf("0x%062x00", n),
				From:   Sender(n),
				To:     TokenAddress,
				Input:  fmt.Sprintf("%s%064x", TransferSighash, n),
				Value:  "0x0",
				Status: 1,
			},
			{
				Index:  1,
				Hash:   fmt.Sprintf("0x%062x01", n),
				From:   Sender(n + 1),
				To:     RouterAddress,
				Input:  fmt.Sprintf("%s%064x", ApproveSighash, n),
				Value:  "0x0",
				Status: 1,
			},
		},
		Logs: []chunkfile.Log{
			{LogIndex: 0, TransactionIndex: 0, Address: TokenAddress, Topics: []string{TransferTopic, Sender(n)}},
			{LogIndex: 1, TransactionIndex: 1, Address: RouterAddress, Topics: []string{ApprovalTopic, Sender(n + 1)}},
		},
	}
}

// Blocks returns one synthetic block for every number in id's range.
func Blocks(id chunk.ID) []chunkfile.Block {
	blocks := make([]chunkfile.Block, 0, id.Last-id.First)
	for n := id.First; n < id.Last; n++ {
		blocks = append(blocks, Block(n))
	}
	return blocks
}

// Header returns the chunk file header of id.
func Header(id chunk.ID) chunkfile.Header {
	return chunkfile.Header{
		Version:    chunkfile.FormatVersion,
		Dataset:    id.Dataset,
		FirstBlock: id.First,
		LastBlock:  id.Last,
	}
}

// WriteChunkFile writes a chunk file with synthetic blocks for id at path.
func WriteChunkFile(t *testing.T, path string, id chunk.ID) chunkfile.Manifest {
	t.Helper()
	m, err := chunkfile.WriteFile(path, Header(id), Blocks(id))
	if err != nil {
		t.Fatalf("failed to write chunk file: %v", err)
	}
	return m
}

// WriteChunkObject publishes a synthetic chunk and its manifest into a disk
// object store rooted at root, the way the chunk producer lays them out.
func WriteChunkObject(t *testing.T, root, bucket, prefix string, id chunk.ID) chunkfile.Manifest {
	t.Helper()
	base := filepath.Join(root, bucket)
	m := WriteChunkFile(t, filepath.Join(base, filepath.FromSlash(chunkfile.ObjectKey(prefix, id))), id)
	WriteManifest(t, root, bucket, prefix, id, m)
	return m
}

// WriteManifest writes m as the manifest of id.
func WriteManifest(t *testing.T, root, bucket, prefix string, id chunk.ID, m chunkfile.Manifest) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("failed to encode manifest: %v", err)
	}
	path := filepath.Join(root, bucket, filepath.FromSlash(chunkfile.ManifestKey(prefix, id)))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create manifest dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
}
