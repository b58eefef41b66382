package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chunkmesh/chunkmesh/internal/chunkfile"
)

// ItemKind is the kind of a block item a record is built from.
type ItemKind uint8

const (
	ItemTransaction ItemKind = iota + 1
	ItemLog
)

func (k ItemKind) String() string {
	switch k {
	case ItemTransaction:
		return "transaction"
	case ItemLog:
		return "log"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ItemKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ItemKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "transaction":
		*k = ItemTransaction
	case "log":
		*k = ItemLog
	default:
		return fmt.Errorf("unknown item kind %q", text)
	}
	return nil
}

// filterKind enumerates every field a filter can test.
type filterKind uint8

const (
	filterTxFrom filterKind = iota
	filterTxTo
	filterTxSighash
	filterLogAddress
	filterLogTopic0
	filterLogTopic1
	filterLogTopic2
	filterLogTopic3
)

// filter holds when the tested field equals one of values.
type filter struct {
	kind   filterKind
	values map[string]struct{} // lower case
}

// selector holds when all of its filters hold.
type selector struct {
	item    ItemKind
	filters []filter
}

// item is one transaction or log of a block.
type item struct {
	kind ItemKind
	tx   *chunkfile.Transaction
	log  *chunkfile.Log
}

// matcher evaluates the compiled selectors of a query.
type matcher struct {
	selectors []selector
	txs       bool
	logs      bool
}

func compile(q *Query) *matcher {
	m := &matcher{}
	for _, s := range q.Transactions {
		sel := selector{item: ItemTransaction}
		sel.add(filterTxFrom, s.From)
		sel.add(filterTxTo, s.To)
		sel.add(filterTxSighash, s.Sighash)
		m.selectors = append(m.selectors, sel)
		m.txs = true
	}
	for _, s := range q.Logs {
		sel := selector{item: ItemLog}
		sel.add(filterLogAddress, s.Address)
		sel.add(filterLogTopic0, s.Topic0)
		sel.add(filterLogTopic1, s.Topic1)
		sel.add(filterLogTopic2, s.Topic2)
		sel.add(filterLogTopic3, s.Topic3)
		m.selectors = append(m.selectors, sel)
		m.logs = true
	}
	return m
}

func (s *selector) add(kind filterKind, values []string) {
	if set := normalize(values); set != nil {
		s.filters = append(s.filters, filter{kind: kind, values: set})
	}
}

// match reports whether any selector of the item's kind holds for it.
func (m *matcher) match(it item) bool {
	for i := range m.selectors {
		sel := &m.selectors[i]
		if sel.item != it.kind {
			continue
		}
		ok := true
		for _, f := range sel.filters {
			if !f.holds(it) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func (f filter) holds(it item) bool {
	var field string
	switch f.kind {
	case filterTxFrom:
		field = it.tx.From
	case filterTxTo:
		field = it.tx.To
	case filterTxSighash:
		field = it.tx.Sighash()
	case filterLogAddress:
		field = it.log.Address
	case filterLogTopic0:
		field = it.log.Topic(0)
	case filterLogTopic1:
		field = it.log.Topic(1)
	case filterLogTopic2:
		field = it.log.Topic(2)
	case filterLogTopic3:
		field = it.log.Topic(3)
	}
	if field == "" {
		return false
	}
	_, ok := f.values[strings.ToLower(field)]
	return ok
}

// items returns the canonical item order of b: every transaction followed
// by its logs in log index order. Logs of unknown transactions come last.
// The position of a record is its index in this order.
func items(b *chunkfile.Block) []item {
	txs := make([]*chunkfile.Transaction, len(b.Transactions))
	for i := range b.Transactions {
		txs[i] = &b.Transactions[i]
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Index < txs[j].Index })

	logs := make([]*chunkfile.Log, len(b.Logs))
	for i := range b.Logs {
		logs[i] = &b.Logs[i]
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].LogIndex < logs[j].LogIndex })

	byTx := make(map[uint32][]*chunkfile.Log, len(txs))
	known := make(map[uint32]bool, len(txs))
	for _, tx := range txs {
		known[tx.Index] = true
	}
	var orphans []*chunkfile.Log
	for _, l := range logs {
		if known[l.TransactionIndex] {
			byTx[l.TransactionIndex] = append(byTx[l.TransactionIndex], l)
		} else {
			orphans = append(orphans, l)
		}
	}

	out := make([]item, 0, len(txs)+len(logs))
	for _, tx := range txs {
		out = append(out, item{kind: ItemTransaction, tx: tx})
		for _, l := range byTx[tx.Index] {
			out = append(out, item{kind: ItemLog, log: l})
		}
		// Duplicate transaction indexes share their logs once.
		delete(byTx, tx.Index)
	}
	for _, l := range orphans {
		out = append(out, item{kind: ItemLog, log: l})
	}
	return out
}
