// Package query executes read-only block range queries against the chunks
// a worker holds.
package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
)

// Request limits.
const (
	MaxSelectors    = 100
	MaxFilterValues = 1000
)

// Query selects transactions and logs of a dataset within [FromBlock, ToBlock).
type Query struct {
	Dataset      string         `json:"-"`
	FromBlock    uint64         `json:"fromBlock"`
	ToBlock      uint64         `json:"toBlock"`
	Transactions []TxSelector   `json:"transactions,omitempty"`
	Logs         []LogSelector  `json:"logs,omitempty"`
	Fields       FieldSelection `json:"fields"`
}

// TxSelector matches transactions whose fields equal one of the listed
// values. Empty lists match anything.
type TxSelector struct {
	From    []string `json:"from,omitempty"`
	To      []string `json:"to,omitempty"`
	Sighash []string `json:"sighash,omitempty"`
}

// LogSelector matches logs by emitting address and topics.
type LogSelector struct {
	Address []string `json:"address,omitempty"`
	Topic0  []string `json:"topic0,omitempty"`
	Topic1  []string `json:"topic1,omitempty"`
	Topic2  []string `json:"topic2,omitempty"`
	Topic3  []string `json:"topic3,omitempty"`
}

// FieldSelection names the fields returned for each item kind.
type FieldSelection struct {
	Block       map[string]bool `json:"block,omitempty"`
	Transaction map[string]bool `json:"transaction,omitempty"`
	Log         map[string]bool `json:"log,omitempty"`
}

// Parse decodes a query for dataset. Malformed queries are ErrBadRequest.
func Parse(dataset string, data []byte) (*Query, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var q Query
	if err := dec.Decode(&q); err != nil {
		return nil, fmt.Errorf("%w: invalid query: %v", chunk.ErrBadRequest, err)
	}
	q.Dataset = dataset
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

// Validate checks the block range, selector limits and field names.
func (q *Query) Validate() error {
	if q.Dataset == "" {
		return fmt.Errorf("%w: dataset is required", chunk.ErrBadRequest)
	}
	if q.FromBlock > q.ToBlock {
		return fmt.Errorf("%w: fromBlock %d is after toBlock %d", chunk.ErrBadRequest, q.FromBlock, q.ToBlock)
	}
	if n := len(q.Transactions) + len(q.Logs); n > MaxSelectors {
		return fmt.Errorf("%w: %d selectors, at most %d allowed", chunk.ErrBadRequest, n, MaxSelectors)
	}

	values := 0
	for _, s := range q.Transactions {
		values += len(s.From) + len(s.To) + len(s.Sighash)
	}
	for _, s := range q.Logs {
		values += len(s.Address) + len(s.Topic0) + len(s.Topic1) + len(s.Topic2) + len(s.Topic3)
	}
	if values > MaxFilterValues {
		return fmt.Errorf("%w: %d filter values, at most %d allowed", chunk.ErrBadRequest, values, MaxFilterValues)
	}

	if err := checkFields("block", q.Fields.Block, blockFields); err != nil {
		return err
	}
	if err := checkFields("transaction", q.Fields.Transaction, txFields); err != nil {
		return err
	}
	return checkFields("log", q.Fields.Log, logFields)
}

// Empty reports whether the block range selects nothing.
func (q *Query) Empty() bool {
	return q.FromBlock == q.ToBlock
}

func checkFields(kind string, selected map[string]bool, known []string) error {
	for name := range selected {
		if !contains(known, name) {
			return fmt.Errorf("%w: unknown %s field %q", chunk.ErrBadRequest, kind, name)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func normalize(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[strings.ToLower(v)] = struct{}{}
	}
	return out
}
