// Package chunkfile reads and writes chunk data files.
//
// A chunk file is a zstd-compressed stream of CBOR values: one Header followed
// by the chunk's blocks in increasing block number. Blocks may be sparse (a
// block range does not need a block for every number) but never repeat.
package chunkfile

import "fmt"

// FormatVersion is the only chunk file version this package understands.
const FormatVersion = 1

// Header opens every chunk file.
type Header struct {
	Version    int    `cbor:"1,keyasint" json:"version"`
	Dataset    string `cbor:"2,keyasint" json:"dataset"`
	FirstBlock uint64 `cbor:"3,keyasint" json:"first_block"`
	LastBlock  uint64 `cbor:"4,keyasint" json:"last_block"`
}

// Validate checks the header describes a non-empty range.
func (h Header) Validate() error {
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, h.Version)
	}
	if h.LastBlock <= h.FirstBlock {
		return fmt.Errorf("%w: empty block range [%d, %d)", ErrInvalidFormat, h.FirstBlock, h.LastBlock)
	}
	return nil
}

// Block is one block of a chunk with its transactions and logs.
type Block struct {
	Number       uint64        `cbor:"1,keyasint" json:"number"`
	Hash         string        `cbor:"2,keyasint" json:"hash"`
	ParentHash   string        `cbor:"3,keyasint,omitempty" json:"parentHash,omitempty"`
	Timestamp    int64         `cbor:"4,keyasint" json:"timestamp"`
	Transactions []Transaction `cbor:"5,keyasint,omitempty" json:"transactions,omitempty"`
	Logs         []Log         `cbor:"6,keyasint,omitempty" json:"logs,omitempty"`
}

// Transaction is a transaction of a block. Hex values are 0x-prefixed strings.
type Transaction struct {
	Index   uint32 `cbor:"1,keyasint" json:"transactionIndex"`
	Hash    string `cbor:"2,keyasint" json:"hash"`
	From    string `cbor:"3,keyasint" json:"from"`
	To      string `cbor:"4,keyasint,omitempty" json:"to,omitempty"`
	Input   string `cbor:"5,keyasint,omitempty" json:"input,omitempty"`
	Value   string `cbor:"6,keyasint,omitempty" json:"value,omitempty"`
	GasUsed uint64 `cbor:"7,keyasint,omitempty" json:"gasUsed,omitempty"`
	Status  uint8  `cbor:"8,keyasint" json:"status"`
}

// Sighash returns the 4-byte function selector of the input as 0x-prefixed hex,
// or "" when the input is shorter than a selector.
func (tx *Transaction) Sighash() string {
	if len(tx.Input) < 10 {
		return ""
	}
	return tx.Input[:10]
}

// Log is an event log emitted by a transaction.
type Log struct {
	LogIndex         uint32   `cbor:"1,keyasint" json:"logIndex"`
	TransactionIndex uint32   `cbor:"2,keyasint" json:"transactionIndex"`
	Address          string   `cbor:"3,keyasint" json:"address"`
	Topics           []string `cbor:"4,keyasint,omitempty" json:"topics,omitempty"`
	Data             string   `cbor:"5,keyasint,omitempty" json:"data,omitempty"`
}

// Topic returns topic i or "" when the log has fewer topics.
func (l *Log) Topic(i int) string {
	if i < 0 || i >= len(l.Topics) {
		return ""
	}
	return l.Topics[i]
}
