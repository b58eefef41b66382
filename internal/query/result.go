package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/chunkfile"
	"github.com/chunkmesh/chunkmesh/internal/store"
)

// ErrResultClosed is returned by Next after Close.
var ErrResultClosed = errors.New("query result closed")

// Result is a single-pass stream of records ordered by (block, position).
// Records are produced on demand: a consumer that stops calling Next pauses
// the scan. The chunk lease and the execution slot are released when the
// stream ends, fails or is closed. A Result is not safe for concurrent use.
type Result struct {
	engine  *Engine
	query   *Query
	matcher *matcher
	proj    projection
	lease   *store.Lease
	ids     []chunk.ID
	started time.Time

	next       int // index into ids of the next chunk to open
	reader     *chunkfile.Reader
	pending    []Record
	readChunks int
	records    int

	err      error
	closed   bool
	finished bool
	once     sync.Once
}

func newResult(e *Engine, q *Query, lease *store.Lease, started time.Time) *Result {
	return &Result{
		engine:  e,
		query:   q,
		matcher: compile(q),
		proj:    newProjection(q.Fields),
		lease:   lease,
		ids:     lease.IDs(),
		started: started,
	}
}

// emptyResult is returned for an empty block range; it holds nothing.
func emptyResult(e *Engine) *Result {
	r := &Result{engine: e, finished: true}
	r.once.Do(func() {})
	e.metrics.Queries.WithLabelValues(Outcome(nil)).Inc()
	return r
}

// Next returns the next record, or io.EOF after the last one. Errors are
// sticky: once Next fails it keeps returning the same error.
func (r *Result) Next(ctx context.Context) (*Record, error) {
	for {
		if r.closed {
			return nil, ErrResultClosed
		}
		if r.err != nil {
			return nil, r.err
		}
		if len(r.pending) > 0 {
			rec := r.pending[0]
			r.pending = r.pending[1:]
			r.records++
			return &rec, nil
		}
		if r.finished {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			r.fail(err)
			continue
		}

		if r.reader == nil {
			if r.next >= len(r.ids) {
				r.finish(nil)
				continue
			}
			if err := r.open(r.ids[r.next]); err != nil {
				r.fail(err)
				continue
			}
		}

		b, err := r.reader.Next()
		if errors.Is(err, io.EOF) {
			r.closeReader()
			r.next++
			continue
		}
		if err != nil {
			r.fail(fmt.Errorf("scan chunk %s: %w", r.ids[r.next], err))
			continue
		}
		if b.Number < r.query.FromBlock {
			continue
		}
		if b.Number >= r.query.ToBlock {
			// Chunks are scanned in block order; nothing later can match.
			r.closeReader()
			r.next = len(r.ids)
			continue
		}
		r.pending = r.scan(b)
	}
}

func (r *Result) open(id chunk.ID) error {
	reader, err := chunkfile.Open(r.engine.store.ChunkPath(id))
	if err != nil {
		return fmt.Errorf("open chunk %s: %w", id, err)
	}
	h := reader.Header()
	if h.Dataset != id.Dataset || h.FirstBlock != id.First || h.LastBlock != id.Last {
		_ = reader.Close()
		return fmt.Errorf("%w: chunk %s has header for %s [%d, %d)", chunk.ErrCorruption, id, h.Dataset, h.FirstBlock, h.LastBlock)
	}
	r.reader = reader
	r.readChunks++
	r.engine.metrics.QueryReadChunks.Inc()
	return nil
}

// scan returns the matching records of b in canonical order.
func (r *Result) scan(b *chunkfile.Block) []Record {
	var (
		out    []Record
		header map[string]any
	)
	for pos, it := range items(b) {
		if (it.kind == ItemTransaction && !r.matcher.txs) || (it.kind == ItemLog && !r.matcher.logs) {
			continue
		}
		if !r.matcher.match(it) {
			continue
		}
		if header == nil {
			header = r.proj.header(b)
		}
		out = append(out, Record{
			Block:    b.Number,
			Position: pos,
			Kind:     it.kind,
			Header:   header,
			Fields:   r.proj.fields(it),
		})
	}
	return out
}

func (r *Result) closeReader() {
	if r.reader != nil {
		_ = r.reader.Close()
		r.reader = nil
	}
}

func (r *Result) fail(err error) {
	r.err = err
	r.pending = nil
	r.finish(err)
}

// finish releases everything the result holds. It runs once.
func (r *Result) finish(err error) {
	r.finished = true
	r.once.Do(func() {
		r.closeReader()
		r.engine.store.Release(r.lease)
		r.engine.slots.Release(1)

		m := r.engine.metrics
		m.QueriesRunning.Dec()
		m.QueryDuration.Observe(time.Since(r.started).Seconds())
		m.Queries.WithLabelValues(Outcome(err)).Inc()

		if err != nil && !errors.Is(err, context.Canceled) {
			r.engine.logger.Warn().Err(err).
				Str("dataset", r.query.Dataset).
				Uint64("from", r.query.FromBlock).
				Uint64("to", r.query.ToBlock).
				Msg("query failed")
		}
	})
}

// Close ends the stream early and releases its lease. It is safe to call
// more than once and after the stream ended.
func (r *Result) Close() error {
	if r.closed {
		return nil
	}
	if !r.finished {
		r.finish(context.Canceled)
	}
	r.closed = true
	r.pending = nil
	return nil
}

// Err returns the error that ended the stream, if any.
func (r *Result) Err() error {
	return r.err
}

// NumReadChunks returns the number of chunk files opened so far.
func (r *Result) NumReadChunks() int {
	return r.readChunks
}

// Records returns the number of records returned so far.
func (r *Result) Records() int {
	return r.records
}

// All drains r into a slice and closes it.
func All(ctx context.Context, r *Result) ([]Record, error) {
	defer func() { _ = r.Close() }()
	var out []Record
	for {
		rec, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, *rec)
	}
}
