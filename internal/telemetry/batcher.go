package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config holds configuration for the Batcher.
type Config struct {
	URL           string        // Collector endpoint receiving POSTed batches
	WorkerID      string        // Sent with every batch
	BatchSize     int           // Max events before flush (default: 100)
	MaxBuffered   int           // Events kept while the collector is slow (default: 10 * BatchSize)
	FlushInterval time.Duration // Flush interval (default: 5s)
	Timeout       time.Duration // HTTP timeout (default: 10s)
	Logger        zerolog.Logger

	// OnDrop is called for every event dropped because the buffer was full.
	OnDrop func()
}

// Batcher buffers events and posts them to the collector periodically or
// when a batch is full. Emit never blocks: when the buffer is full, events
// are dropped and counted.
type Batcher struct {
	url      string
	workerID string
	client   *http.Client
	logger   zerolog.Logger
	onDrop   func()

	mu          sync.Mutex
	buffer      []Event
	batchSize   int
	maxBuffered int

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	flushInterval time.Duration

	// Concurrency control
	flushing     atomic.Bool   // prevents concurrent flushes
	flushTrigger chan struct{} // buffered channel to coalesce flush requests

	dropped     atomic.Uint64
	flushErrors atomic.Uint64
}

// batch is the payload posted to the collector.
type batch struct {
	WorkerID string  `json:"worker_id"`
	Events   []Event `json:"events"`
}

// NewBatcher creates a new batcher with the given configuration.
func NewBatcher(cfg Config) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = 10 * cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Batcher{
		url:           cfg.URL,
		workerID:      cfg.WorkerID,
		client:        &http.Client{Timeout: cfg.Timeout},
		logger:        cfg.Logger.With().Str("component", "telemetry").Logger(),
		onDrop:        cfg.OnDrop,
		buffer:        make([]Event, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		maxBuffered:   cfg.MaxBuffered,
		ctx:           ctx,
		cancel:        cancel,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
	}
}

// Emit implements Emitter.
func (b *Batcher) Emit(ev Event) {
	b.mu.Lock()
	if len(b.buffer) >= b.maxBuffered {
		b.mu.Unlock()
		b.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop()
		}
		return
	}
	b.buffer = append(b.buffer, ev)
	shouldFlush := len(b.buffer) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushTrigger <- struct{}{}:
		default:
			// Flush already pending
		}
	}
}

// Start begins the background flush goroutine.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				b.flush()
			case <-b.flushTrigger:
				b.flush()
			}
		}
	}()
}

// Stop shuts down the batcher, flushing any remaining events.
func (b *Batcher) Stop() {
	b.cancel()
	b.wg.Wait()
	b.flush()
}

// flush posts up to one batch of buffered events.
func (b *Batcher) flush() {
	if !b.flushing.CompareAndSwap(false, true) {
		return
	}
	defer b.flushing.Store(false)

	for {
		b.mu.Lock()
		if len(b.buffer) == 0 {
			b.mu.Unlock()
			return
		}
		n := min(len(b.buffer), b.batchSize)
		events := make([]Event, n)
		copy(events, b.buffer[:n])
		b.buffer = append(b.buffer[:0], b.buffer[n:]...)
		b.mu.Unlock()

		if err := b.send(events); err != nil {
			if b.flushErrors.Add(1) <= 3 {
				b.logger.Warn().Err(err).Int("events", len(events)).Msg("failed to ship telemetry")
			}
			return
		}
	}
}

func (b *Batcher) send(events []Event) error {
	data, err := json.Marshal(batch{WorkerID: b.workerID, Events: events})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}

// Dropped returns the number of events dropped because the buffer was full.
func (b *Batcher) Dropped() uint64 {
	return b.dropped.Load()
}

// FlushErrors returns the count of failed flushes.
func (b *Batcher) FlushErrors() uint64 {
	return b.flushErrors.Load()
}
