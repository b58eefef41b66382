package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/chunkmesh/chunkmesh/internal/chunkfile"
	"github.com/chunkmesh/chunkmesh/pkg/bytesize"
)

var (
	inspectBlocks bool

	packDataset string
	packFirst   uint64
	packLast    uint64
)

// maxLineBytes bounds one JSON block line read by pack.
const maxLineBytes = 64 << 20

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print the header and a summary of a chunk file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := inspectChunk(args[0], cmd.OutOrStdout(), inspectBlocks)
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().BoolVar(&inspectBlocks, "blocks", false, "print one line per block")
	return cmd
}

func newPackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack <in.jsonl> <out.chunk>",
		Short: "Build a chunk file from JSON lines of blocks",
		Long: `Build a chunk file from a file holding one JSON block per line, in
increasing block order, and print the manifest to publish next to it.

The chunk range defaults to [first block, last block + 1).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := packChunk(args[0], args[1], packDataset, packFirst, packLast)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringVar(&packDataset, "dataset", "", "dataset name (required)")
	cmd.Flags().Uint64Var(&packFirst, "first", 0, "first block of the chunk range")
	cmd.Flags().Uint64Var(&packLast, "last", 0, "end of the chunk range, exclusive")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

type chunkSummary struct {
	Header       chunkfile.Header
	Size         int64
	Blocks       int
	Transactions int
	Logs         int
	FirstBlock   uint64 // first block present
	LastBlock    uint64 // last block present
}

// inspectChunk reads every block of the chunk file at path. With verbose
// set, one line per block is written to w.
func inspectChunk(path string, w io.Writer, verbose bool) (chunkSummary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return chunkSummary{}, err
	}
	r, err := chunkfile.Open(path)
	if err != nil {
		return chunkSummary{}, err
	}
	defer func() { _ = r.Close() }()

	s := chunkSummary{Header: r.Header(), Size: info.Size()}
	for {
		b, err := r.Next()
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if err != nil {
			return s, err
		}
		if s.Blocks == 0 {
			s.FirstBlock = b.Number
		}
		s.LastBlock = b.Number
		s.Blocks++
		s.Transactions += len(b.Transactions)
		s.Logs += len(b.Logs)
		if verbose {
			fmt.Fprintf(w, "%10d  %s  txs=%d logs=%d\n", b.Number, b.Hash, len(b.Transactions), len(b.Logs))
		}
	}
}

func printSummary(w io.Writer, s chunkSummary) error {
	h := s.Header
	fmt.Fprintf(w, "Dataset:      %s\n", h.Dataset)
	fmt.Fprintf(w, "Range:        [%d, %d)\n", h.FirstBlock, h.LastBlock)
	fmt.Fprintf(w, "Version:      %d\n", h.Version)
	fmt.Fprintf(w, "Size:         %s\n", bytesize.Format(s.Size))
	if s.Blocks == 0 {
		_, err := fmt.Fprintln(w, "Blocks:       0")
		return err
	}
	fmt.Fprintf(w, "Blocks:       %d (%d to %d)\n", s.Blocks, s.FirstBlock, s.LastBlock)
	fmt.Fprintf(w, "Transactions: %d\n", s.Transactions)
	_, err := fmt.Fprintf(w, "Logs:         %d\n", s.Logs)
	return err
}

// packChunk writes the blocks of the JSON lines file in to a chunk file at
// out. A zero last derives the range from the blocks.
func packChunk(in, out, dataset string, first, last uint64) (chunkfile.Manifest, error) {
	blocks, err := readBlocks(in)
	if err != nil {
		return chunkfile.Manifest{}, err
	}
	if last == 0 {
		if len(blocks) == 0 {
			return chunkfile.Manifest{}, fmt.Errorf("%s holds no blocks; pass --first and --last", in)
		}
		if first == 0 {
			first = blocks[0].Number
		}
		last = blocks[len(blocks)-1].Number + 1
	}

	h := chunkfile.Header{Dataset: dataset, FirstBlock: first, LastBlock: last}
	m, err := chunkfile.WriteFile(out, h, blocks)
	if err != nil {
		return chunkfile.Manifest{}, fmt.Errorf("write %s: %w", out, err)
	}
	return m, nil
}

func readBlocks(path string) ([]chunkfile.Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var blocks []chunkfile.Block
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var b chunkfile.Block
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		blocks = append(blocks, b)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return blocks, nil
}
