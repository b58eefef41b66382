// Package worker assembles a chunkmesh worker from its configuration: the
// chunk store, the download coordinator, the reconciler, the query engine,
// the assignment transports and the HTTP server.
package worker

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkmesh/chunkmesh/internal/allocation"
	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/config"
	"github.com/chunkmesh/chunkmesh/internal/download"
	"github.com/chunkmesh/chunkmesh/internal/metrics"
	"github.com/chunkmesh/chunkmesh/internal/objstore"
	"github.com/chunkmesh/chunkmesh/internal/query"
	"github.com/chunkmesh/chunkmesh/internal/reconcile"
	"github.com/chunkmesh/chunkmesh/internal/server"
	"github.com/chunkmesh/chunkmesh/internal/store"
	"github.com/chunkmesh/chunkmesh/internal/telemetry"
	"github.com/chunkmesh/chunkmesh/internal/transport"
	"github.com/chunkmesh/chunkmesh/internal/transport/router"
	"github.com/chunkmesh/chunkmesh/internal/transport/scheduler"
)

const (
	collectInterval = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Worker is a running chunkmesh worker.
type Worker struct {
	cfg         *config.Config
	id          string
	version     string
	fingerprint string
	logger      zerolog.Logger
	metrics     *metrics.WorkerMetrics

	store      *store.Store
	downloads  *download.Coordinator
	reconciler *reconcile.Reconciler
	engine     *query.Engine
	server     *server.Server
	events     telemetry.Emitter
	batcher    *telemetry.Batcher
	collector  *metrics.Collector
	router     *router.Client
	scheduler  *scheduler.Subscriber
}

// New builds a worker from a validated configuration. It opens the chunk
// store, which recovers from an unclean shutdown, and connects the object
// stores, but starts nothing.
func New(ctx context.Context, cfg *config.Config, version string, logger zerolog.Logger) (*Worker, error) {
	key, err := config.EnsureWorkerKey(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("worker key: %w", err)
	}
	pub := key.Public().(ed25519.PublicKey)

	w := &Worker{
		cfg:         cfg,
		id:          cfg.WorkerID,
		version:     version,
		fingerprint: config.Fingerprint(pub),
	}
	if w.id == "" {
		w.id = config.WorkerIDFromKey(pub)
	}
	w.logger = logger.With().Str("worker_id", w.id).Logger()
	w.metrics = metrics.InitWorkerMetrics(w.id, version)

	w.setupTelemetry()

	w.store, err = store.Open(cfg.DataDir, store.Options{
		Logger:    w.logger,
		OnEvicted: w.chunkEvicted,
	})
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}

	sources, err := openSources(ctx, cfg)
	if err != nil {
		_ = w.store.Close()
		return nil, err
	}

	w.downloads = download.New(download.Options{
		Config: download.Config{
			Workers:         cfg.Download.ConcurrentDownloads,
			PartSize:        cfg.Download.PartSize.Bytes(),
			PartConcurrency: cfg.Download.PartConcurrency,
			MaxAttempts:     cfg.Download.MaxAttempts,
			InitialBackoff:  cfg.Download.InitialBackoff,
			MaxBackoff:      cfg.Download.MaxBackoff,
		},
		Store:   w.store,
		Sources: sources,
		Logger:  w.logger,
		Metrics: w.metrics,
		Events:  w.events,
	})

	w.reconciler = reconcile.New(reconcile.Options{
		Store:      w.store,
		Downloader: w.downloads,
		Logger:     w.logger,
		Metrics:    w.metrics,
	})
	w.reconciler.Seed(w.store.Holdings())

	w.engine = query.NewEngine(w.store, query.Config{
		ParallelQueries: cfg.Query.ParallelQueries,
		QueuedQueries:   cfg.Query.QueuedQueries,
	}, w.logger, w.metrics)

	allocations, err := newAllocations(cfg.Gateways)
	if err != nil {
		_ = w.store.Close()
		return nil, err
	}

	w.server = server.New(server.Options{
		WorkerID:       w.id,
		Version:        version,
		Fingerprint:    w.fingerprint,
		Listen:         cfg.Listen,
		JWTSecret:      cfg.Gateways.JWTSecret,
		ResponseBuffer: int(cfg.Query.ResponseBuffer.Bytes()),
		Engine:         w.engine,
		Store:          w.store,
		Assignments:    w.reconciler,
		Downloads:      w.downloads,
		Allocations:    allocations,
		Events:         w.events,
		Metrics:        w.metrics,
		Logger:         w.logger,
	})

	w.collector = metrics.NewCollector(w.metrics, w.store)

	signer, err := transport.NewSigner(key)
	if err != nil {
		_ = w.store.Close()
		return nil, err
	}
	reporter := &transport.Reporter{WorkerID: w.id, Version: version, Store: w.store, Applier: w.reconciler}
	if cfg.Router.URL != "" {
		w.router = router.New(router.Options{
			URL:       cfg.Router.URL,
			AuthToken: cfg.Router.AuthToken,
			Interval:  cfg.Router.PingInterval,
			Reporter:  reporter,
			Applier:   w.reconciler,
			Signer:    signer,
			Logger:    w.logger,
		})
	}
	if cfg.Scheduler.URL != "" {
		w.scheduler = scheduler.New(scheduler.Options{
			URL:      cfg.Scheduler.URL,
			Interval: cfg.Scheduler.PingInterval,
			Reporter: reporter,
			Applier:  w.reconciler,
			Signer:   signer,
			Logger:   w.logger,
		})
	}

	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Store returns the chunk store.
func (w *Worker) Store() *store.Store { return w.store }

// Reconciler returns the assignment reconciler.
func (w *Worker) Reconciler() *reconcile.Reconciler { return w.reconciler }

func (w *Worker) setupTelemetry() {
	if w.cfg.Telemetry.CollectorURL == "" {
		w.events = telemetry.NewLogEmitter(w.logger)
		return
	}
	w.batcher = telemetry.NewBatcher(telemetry.Config{
		URL:           w.cfg.Telemetry.CollectorURL,
		WorkerID:      w.id,
		BatchSize:     w.cfg.Telemetry.BatchSize,
		FlushInterval: w.cfg.Telemetry.FlushInterval,
		Logger:        w.logger,
		OnDrop:        w.metrics.TelemetryDropped.Inc,
	})
	w.events = w.batcher
}

func (w *Worker) chunkEvicted(id chunk.ID) {
	w.metrics.ChunksEvicted.Inc()
	w.events.Emit(telemetry.NewEvent(telemetry.KindChunkEvicted, map[string]any{
		"chunk":   id.String(),
		"dataset": id.Dataset,
	}))
}

// openSources connects one object store per dataset. All datasets share one
// bandwidth budget.
func openSources(ctx context.Context, cfg *config.Config) (map[string]download.Source, error) {
	storageCfg := objstore.Config{
		Type:      cfg.Storage.Type,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Root:      cfg.Storage.Root,
		PathStyle: cfg.Storage.PathStyle,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
	}
	rate := cfg.Download.MaxDownloadRate.BytesPerSecond()
	bucket := objstore.NewBucket(rate)

	sources := make(map[string]download.Source, len(cfg.Datasets))
	for name, ds := range cfg.Datasets {
		st, err := objstore.Open(ctx, storageCfg, ds.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open object store for dataset %s: %w", name, err)
		}
		if bucket != nil {
			st = objstore.NewLimited(st, bucket)
		}
		sources[name] = download.Source{Store: st, Prefix: ds.Prefix}
	}
	return sources, nil
}

func newAllocations(cfg config.GatewaysConfig) (allocation.Checker, error) {
	if cfg.AllocationRate <= 0 {
		return allocation.Noop{}, nil
	}
	l, err := allocation.NewLimiter(cfg.AllocationRate, cfg.AllocationBurst, allocation.DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("gateway allocations: %w", err)
	}
	return l, nil
}

// resume queues the downloads the store still wants after a restart.
func (w *Worker) resume() int {
	n := 0
	for _, rec := range w.store.Chunks("") {
		if rec.State == chunk.StateWanted && !rec.Fatal && w.downloads.EnsureDownloaded(rec.ID) {
			n++
		}
	}
	return n
}

// Run starts the worker and serves on l, or on the configured listen address
// when l is nil, until ctx is cancelled. It then shuts everything down in
// dependency order and closes the chunk store.
func (w *Worker) Run(ctx context.Context, l net.Listener) error {
	if w.batcher != nil {
		w.batcher.Start()
	}
	w.downloads.Start()
	if n := w.resume(); n > 0 {
		w.logger.Info().Int("chunks", n).Msg("resumed pending downloads")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}
	spawn(func(ctx context.Context) { w.collector.Run(ctx, collectInterval) })
	if w.router != nil {
		spawn(w.router.Run)
	}
	if w.scheduler != nil {
		spawn(w.scheduler.Run)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- w.server.Serve(l) }()

	w.logger.Info().
		Str("listen", w.cfg.Listen).
		Int("datasets", len(w.cfg.Datasets)).
		Bool("router", w.router != nil).
		Bool("scheduler", w.scheduler != nil).
		Msg("worker started")

	var (
		err    error
		served bool
	)
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		served = true
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if serr := w.server.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, context.DeadlineExceeded) {
		w.logger.Warn().Err(serr).Msg("server shutdown")
	}
	if !served {
		err = <-serveErr
	}
	if err != nil {
		err = fmt.Errorf("serve: %w", err)
	}

	wg.Wait()
	w.downloads.Close()
	if w.batcher != nil {
		w.batcher.Stop()
	}
	if cerr := w.store.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close chunk store: %w", cerr)
	}
	w.logger.Info().Msg("worker stopped")
	return err
}
