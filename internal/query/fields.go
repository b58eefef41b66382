package query

import "github.com/chunkmesh/chunkmesh/internal/chunkfile"

var (
	blockFields = []string{"number", "hash", "parentHash", "timestamp"}
	txFields    = []string{"transactionIndex", "hash", "from", "to", "input", "sighash", "value", "gasUsed", "status"}
	logFields   = []string{"logIndex", "transactionIndex", "address", "topics", "data"}

	defaultTxFields  = map[string]bool{"transactionIndex": true, "hash": true}
	defaultLogFields = map[string]bool{"logIndex": true, "transactionIndex": true}
)

// Record is one matching transaction or log.
type Record struct {
	Block    uint64         `json:"block"`
	Position int            `json:"position"`
	Kind     ItemKind       `json:"kind"`
	Header   map[string]any `json:"header,omitempty"`
	Fields   map[string]any `json:"fields"`
}

// projection builds the requested fields of records.
type projection struct {
	block map[string]bool
	tx    map[string]bool
	log   map[string]bool
}

func newProjection(fs FieldSelection) projection {
	p := projection{block: fs.Block, tx: fs.Transaction, log: fs.Log}
	if len(p.tx) == 0 {
		p.tx = defaultTxFields
	}
	if len(p.log) == 0 {
		p.log = defaultLogFields
	}
	return p
}

func (p projection) header(b *chunkfile.Block) map[string]any {
	if len(p.block) == 0 {
		return nil
	}
	out := make(map[string]any, len(p.block))
	for name, on := range p.block {
		if !on {
			continue
		}
		switch name {
		case "number":
			out[name] = b.Number
		case "hash":
			out[name] = b.Hash
		case "parentHash":
			out[name] = b.ParentHash
		case "timestamp":
			out[name] = b.Timestamp
		}
	}
	return out
}

func (p projection) fields(it item) map[string]any {
	if it.kind == ItemTransaction {
		return p.txFields(it.tx)
	}
	return p.logFields(it.log)
}

func (p projection) txFields(tx *chunkfile.Transaction) map[string]any {
	out := make(map[string]any, len(p.tx))
	for name, on := range p.tx {
		if !on {
			continue
		}
		switch name {
		case "transactionIndex":
			out[name] = tx.Index
		case "hash":
			out[name] = tx.Hash
		case "from":
			out[name] = tx.From
		case "to":
			out[name] = tx.To
		case "input":
			out[name] = tx.Input
		case "sighash":
			out[name] = tx.Sighash()
		case "value":
			out[name] = tx.Value
		case "gasUsed":
			out[name] = tx.GasUsed
		case "status":
			out[name] = tx.Status
		}
	}
	return out
}

func (p projection) logFields(l *chunkfile.Log) map[string]any {
	out := make(map[string]any, len(p.log))
	for name, on := range p.log {
		if !on {
			continue
		}
		switch name {
		case "logIndex":
			out[name] = l.LogIndex
		case "transactionIndex":
			out[name] = l.TransactionIndex
		case "address":
			out[name] = l.Address
		case "topics":
			out[name] = l.Topics
		case "data":
			out[name] = l.Data
		}
	}
	return out
}
