package query

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/metrics"
	"github.com/chunkmesh/chunkmesh/internal/store"
)

// Default limits.
const (
	DefaultParallelQueries = 3
	DefaultQueuedQueries   = 15
)

// ChunkStore is the part of the chunk store queries read from.
type ChunkStore interface {
	Resolve(dataset string, from, to uint64) []chunk.ID
	AcquireLease(ids []chunk.ID) (*store.Lease, error)
	Release(l *store.Lease)
	ChunkPath(id chunk.ID) string
}

// Config bounds query concurrency independently of downloads.
type Config struct {
	ParallelQueries int // executions holding a slot
	QueuedQueries   int // callers allowed to wait for a slot, 0 rejects when all slots are busy
}

// Engine executes queries. A query holds an execution slot until its result
// is exhausted, fails or is closed.
type Engine struct {
	store   ChunkStore
	cfg     Config
	slots   *semaphore.Weighted
	waiting atomic.Int64
	logger  zerolog.Logger
	metrics *metrics.WorkerMetrics
}

// NewEngine creates a query engine over s.
func NewEngine(s ChunkStore, cfg Config, logger zerolog.Logger, m *metrics.WorkerMetrics) *Engine {
	if cfg.ParallelQueries <= 0 {
		cfg.ParallelQueries = DefaultParallelQueries
	}
	cfg.QueuedQueries = max(cfg.QueuedQueries, 0)
	if m == nil {
		m = metrics.Worker()
	}
	return &Engine{
		store:   s,
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.ParallelQueries)),
		logger:  logger.With().Str("component", "query").Logger(),
		metrics: m,
	}
}

// Execute validates q, leases its covering chunks and returns a lazy result.
// It never waits for downloads: chunks that are assigned but not ready fail
// with *chunk.ChunkUnavailableError.
func (e *Engine) Execute(ctx context.Context, q *Query) (*Result, error) {
	res, err := e.execute(ctx, q)
	if err != nil {
		e.metrics.Queries.WithLabelValues(Outcome(err)).Inc()
		return nil, err
	}
	return res, nil
}

func (e *Engine) execute(ctx context.Context, q *Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Empty() {
		return emptyResult(e), nil
	}

	ids, err := e.cover(q)
	if err != nil {
		return nil, err
	}

	if err := e.acquireSlot(ctx); err != nil {
		return nil, err
	}

	lease, err := e.store.AcquireLease(ids)
	if err != nil {
		e.slots.Release(1)
		var notReady *chunk.NotReadyError
		if errors.As(err, &notReady) {
			return nil, &chunk.ChunkUnavailableError{Missing: notReady.Missing}
		}
		return nil, err
	}

	e.metrics.QueriesRunning.Inc()
	return newResult(e, q, lease, time.Now()), nil
}

// cover returns the assigned chunks covering the query range, failing on any
// gap between from and to.
func (e *Engine) cover(q *Query) ([]chunk.ID, error) {
	ids := e.store.Resolve(q.Dataset, q.FromBlock, q.ToBlock)
	next := q.FromBlock
	var out []chunk.ID
	for _, id := range ids {
		if next >= q.ToBlock {
			break
		}
		if id.Last <= next {
			continue
		}
		if id.First > next {
			break
		}
		out = append(out, id)
		next = id.Last
	}
	if next < q.ToBlock {
		return nil, chunk.ErrIncompleteCoverage
	}
	return out, nil
}

func (e *Engine) acquireSlot(ctx context.Context) error {
	if e.slots.TryAcquire(1) {
		return nil
	}
	if e.waiting.Add(1) > int64(e.cfg.QueuedQueries) {
		e.waiting.Add(-1)
		return chunk.ErrServiceOverloaded
	}
	defer e.waiting.Add(-1)
	return e.slots.Acquire(ctx, 1)
}

// Outcome names the metric and telemetry outcome of a query error.
func Outcome(err error) string {
	var unavailable *chunk.ChunkUnavailableError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, chunk.ErrBadRequest):
		return "bad_request"
	case errors.Is(err, chunk.ErrIncompleteCoverage):
		return "incomplete_coverage"
	case errors.As(err, &unavailable):
		return "chunk_unavailable"
	case errors.Is(err, chunk.ErrServiceOverloaded):
		return "overloaded"
	case errors.Is(err, chunk.ErrNoAllocation):
		return "no_allocation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
