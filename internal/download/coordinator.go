// Package download fetches assigned chunks from object storage into the
// chunk store with a bounded worker pool.
package download

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/ef-ds/deque"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/chunkfile"
	"github.com/chunkmesh/chunkmesh/internal/metrics"
	"github.com/chunkmesh/chunkmesh/internal/objstore"
	"github.com/chunkmesh/chunkmesh/internal/store"
	"github.com/chunkmesh/chunkmesh/internal/telemetry"
)

// Default configuration values.
const (
	DefaultWorkers         = 3
	DefaultPartSize        = 32 << 20
	DefaultPartConcurrency = 4
	DefaultMaxAttempts     = 5
	DefaultInitialBackoff  = time.Second
	DefaultMaxBackoff      = time.Minute
)

// Config tunes the download pool.
type Config struct {
	Workers         int           // concurrent chunk downloads
	PartSize        int64         // bytes per ranged request
	PartConcurrency int           // ranged requests in flight per chunk
	MaxAttempts     int           // attempts per task before giving up
	InitialBackoff  time.Duration // delay after the first failure
	MaxBackoff      time.Duration // cap on the delay between attempts
	JitterPercent   uint64        // random jitter added to every delay
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PartSize <= 0 {
		c.PartSize = DefaultPartSize
	}
	if c.PartConcurrency <= 0 {
		c.PartConcurrency = DefaultPartConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(DefaultMaxBackoff, c.InitialBackoff)
	}
}

// Source is where the chunks of one dataset are published.
type Source struct {
	Store  objstore.ObjectStore
	Prefix string
}

// Options wires a Coordinator.
type Options struct {
	Config  Config
	Store   *store.Store
	Sources map[string]Source // by dataset
	Logger  zerolog.Logger
	Metrics *metrics.WorkerMetrics
	Events  telemetry.Emitter
}

// task is one chunk's trip from Wanted to Ready. It survives failed attempts
// so that completed parts need not be fetched again.
type task struct {
	id       chunk.ID
	backoff  retry.Backoff
	timer    *time.Timer
	tmp      string
	manifest chunkfile.Manifest
	done     []bool // completed parts of tmp
}

// Coordinator runs chunk downloads. Tasks are queued FIFO and de-duplicated
// per chunk while queued, running or waiting for a retry.
type Coordinator struct {
	cfg     Config
	store   *store.Store
	sources map[string]Source
	logger  zerolog.Logger
	metrics *metrics.WorkerMetrics
	events  telemetry.Emitter

	mu     sync.Mutex
	queue  deque.Deque
	tasks  map[chunk.ID]*task
	closed bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. Call Start to launch the workers.
func New(opts Options) *Coordinator {
	opts.Config.setDefaults()
	if opts.Metrics == nil {
		opts.Metrics = metrics.Worker()
	}
	if opts.Events == nil {
		opts.Events = telemetry.Nop{}
	}
	if opts.Sources == nil {
		opts.Sources = make(map[string]Source)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:     opts.Config,
		store:   opts.Store,
		sources: opts.Sources,
		logger:  opts.Logger.With().Str("component", "download").Logger(),
		metrics: opts.Metrics,
		events:  opts.Events,
		tasks:   make(map[chunk.ID]*task),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the download workers.
func (c *Coordinator) Start() {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.logger.Info().
		Int("workers", c.cfg.Workers).
		Int("part_concurrency", c.cfg.PartConcurrency).
		Msg("download coordinator started")
}

// Close stops the workers, cancels downloads in flight and removes the
// temporary files of unfinished tasks.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, t := range c.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	for id, t := range c.tasks {
		c.removeTemp(t)
		delete(c.tasks, id)
	}
	c.queue = deque.Deque{}
	c.metrics.DownloadQueueDepth.Set(0)
	c.mu.Unlock()
}

// EnsureDownloaded queues a download of id unless one is already queued,
// running or waiting for a retry. It reports whether a task was queued.
func (c *Coordinator) EnsureDownloaded(id chunk.ID) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.tasks[id]; ok {
		c.mu.Unlock()
		return false
	}
	t := &task{id: id}
	c.tasks[id] = t
	c.queue.PushBack(t)
	c.metrics.DownloadQueueDepth.Set(float64(c.queue.Len()))
	c.mu.Unlock()

	c.signal()
	return true
}

// Pending reports whether a task for id exists.
func (c *Coordinator) Pending(id chunk.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[id]
	return ok
}

// Len returns the number of unfinished tasks.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		t, ok := c.next()
		if !ok {
			return
		}
		c.run(t)
	}
}

// next blocks until a task is queued or the coordinator is closed.
func (c *Coordinator) next() (*task, bool) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, false
		}
		if v, ok := c.queue.PopFront(); ok {
			more := c.queue.Len() > 0
			c.metrics.DownloadQueueDepth.Set(float64(c.queue.Len()))
			c.mu.Unlock()
			if more {
				// Pass the wakeup on to another idle worker.
				c.signal()
			}
			return v.(*task), true
		}
		c.mu.Unlock()

		select {
		case <-c.ctx.Done():
			return nil, false
		case <-c.wake:
		}
	}
}

// run performs one attempt of t.
func (c *Coordinator) run(t *task) {
	log := c.logger.With().Str("chunk", t.id.String()).Logger()

	dl, err := c.store.BeginDownload(t.id)
	if err != nil {
		switch {
		case errors.Is(err, chunk.ErrAlreadyReady), errors.Is(err, chunk.ErrSuperseded):
			log.Debug().Err(err).Msg("download not needed")
		case errors.Is(err, chunk.ErrFatal):
			log.Debug().Err(err).Msg("download blocked by fatal failure")
		default:
			log.Warn().Err(err).Msg("failed to claim download")
		}
		c.finish(t)
		return
	}

	log = log.With().Int("attempt", dl.Attempt()).Logger()
	log.Debug().Msg("download started")
	c.metrics.DownloadsStarted.Inc()
	c.metrics.DownloadsRunning.Inc()
	defer c.metrics.DownloadsRunning.Dec()
	start := time.Now()

	ctx, cancel := context.WithCancel(dl.Context())
	stop := context.AfterFunc(c.ctx, cancel)
	err = c.fetch(ctx, t)
	stop()
	cancel()

	if err == nil {
		err = c.store.CompleteDownload(dl, t.tmp, t.manifest.Size, t.manifest.SHA256)
		switch {
		case err == nil:
			t.tmp = ""
			elapsed := time.Since(start)
			c.metrics.DownloadsCompleted.Inc()
			c.metrics.DownloadDuration.Observe(elapsed.Seconds())
			c.events.Emit(telemetry.NewEvent(telemetry.KindDownloadCompleted, map[string]any{
				"chunk":       t.id.String(),
				"size":        t.manifest.Size,
				"attempt":     dl.Attempt(),
				"duration_ms": elapsed.Milliseconds(),
			}))
			log.Info().Int64("size", t.manifest.Size).Dur("duration", elapsed).Msg("chunk downloaded")
			c.finish(t)
			return
		case errors.Is(err, chunk.ErrSuperseded):
			// The store deleted the temporary file.
			t.tmp = ""
			log.Debug().Msg("download superseded")
			c.finish(t)
			c.requeueIfWanted(t.id)
			return
		}
	}

	if dl.Context().Err() != nil {
		_ = c.store.FailDownload(dl, chunk.ErrSuperseded, false)
		log.Debug().Msg("download cancelled, chunk no longer wanted")
		c.finish(t)
		c.requeueIfWanted(t.id)
		return
	}
	if c.ctx.Err() != nil {
		_ = c.store.FailDownload(dl, c.ctx.Err(), false)
		c.finish(t)
		return
	}

	class := classify(err)
	fatal := class == classFatal
	if ferr := c.store.FailDownload(dl, err, fatal); ferr != nil {
		if errors.Is(ferr, chunk.ErrSuperseded) {
			c.finish(t)
			c.requeueIfWanted(t.id)
			return
		}
		log.Error().Err(ferr).Msg("failed to record download failure")
	}

	c.metrics.DownloadsFailed.WithLabelValues(class.String()).Inc()
	c.events.Emit(telemetry.NewEvent(telemetry.KindDownloadFailed, map[string]any{
		"chunk":   t.id.String(),
		"attempt": dl.Attempt(),
		"class":   class.String(),
		"error":   err.Error(),
	}))

	if fatal {
		log.Error().Err(err).Msg("download failed permanently, chunk needs reassignment")
		c.finish(t)
		return
	}

	if t.backoff == nil {
		t.backoff = c.newBackoff()
	}
	delay, exhausted := t.backoff.Next()
	if exhausted {
		c.metrics.DownloadsExhausted.Inc()
		if merr := c.store.MarkExhausted(t.id); merr != nil && !errors.Is(merr, chunk.ErrSuperseded) {
			log.Error().Err(merr).Msg("failed to record exhausted download")
		}
		log.Error().Err(err).Str("class", class.String()).Msg("download attempts exhausted")
		c.finish(t)
		return
	}

	log.Warn().Err(err).Str("class", class.String()).Dur("retry_in", delay).Msg("download failed")
	c.retryLater(t, delay)
}

func (c *Coordinator) newBackoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.InitialBackoff)
	b = retry.WithCappedDuration(c.cfg.MaxBackoff, b)
	if c.cfg.JitterPercent > 0 {
		b = retry.WithJitterPercent(c.cfg.JitterPercent, b)
	}
	return retry.WithMaxRetries(uint64(c.cfg.MaxAttempts-1), b)
}

// retryLater puts t back on the queue after delay without holding a worker.
func (c *Coordinator) retryLater(t *task, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.removeTemp(t)
		delete(c.tasks, t.id)
		return
	}
	t.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		t.timer = nil
		c.queue.PushBack(t)
		c.metrics.DownloadQueueDepth.Set(float64(c.queue.Len()))
		c.mu.Unlock()
		c.signal()
	})
}

// finish forgets t and removes its temporary file.
func (c *Coordinator) finish(t *task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeTemp(t)
	if c.tasks[t.id] == t {
		delete(c.tasks, t.id)
	}
}

func (c *Coordinator) removeTemp(t *task) {
	if t.tmp == "" {
		return
	}
	if err := os.Remove(t.tmp); err != nil && !os.IsNotExist(err) {
		c.logger.Warn().Err(err).Str("path", t.tmp).Msg("failed to remove temporary file")
	}
	t.tmp = ""
	t.done = nil
}

// requeueIfWanted starts a fresh task for a chunk that was re-added while an
// earlier download of it was being cancelled.
func (c *Coordinator) requeueIfWanted(id chunk.ID) {
	rec, ok := c.store.Get(id)
	if !ok || rec.State != chunk.StateWanted || rec.Fatal {
		return
	}
	if c.EnsureDownloaded(id) {
		c.logger.Debug().Str("chunk", id.String()).Msg("chunk wanted again, download re-queued")
	}
}
