// Package reconcile converges the chunk store onto the latest assignment
// received from the coordinator.
package reconcile

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/metrics"
	"github.com/chunkmesh/chunkmesh/internal/store"
)

// Assignment is the full desired set of chunks of a worker.
type Assignment struct {
	Version  uint64
	Datasets map[string][]chunk.ID
}

// Validate checks that every chunk is valid, filed under its own dataset and
// does not overlap another chunk of the dataset.
func (a Assignment) Validate() error {
	for name, ids := range a.Datasets {
		sorted := append([]chunk.ID(nil), ids...)
		chunk.Sort(sorted)
		for i, id := range sorted {
			if err := id.Validate(); err != nil {
				return err
			}
			if id.Dataset != name {
				return fmt.Errorf("chunk %s listed under dataset %q", id, name)
			}
			if i > 0 && sorted[i-1].Last > id.First {
				return fmt.Errorf("chunks %s and %s overlap", sorted[i-1], id)
			}
		}
	}
	return nil
}

// ChunkStore is the part of the chunk store the reconciler drives.
type ChunkStore interface {
	UpsertWanted(id chunk.ID) (bool, error)
	MarkUnwanted(id chunk.ID) error
	Get(id chunk.ID) (store.Record, bool)
}

// Downloader queues chunk downloads.
type Downloader interface {
	EnsureDownloaded(id chunk.ID) bool
}

// Options wires a Reconciler.
type Options struct {
	Store      ChunkStore
	Downloader Downloader
	Logger     zerolog.Logger
	Metrics    *metrics.WorkerMetrics
}

// Reconciler applies assignments one at a time, in version order.
type Reconciler struct {
	store     ChunkStore
	downloads Downloader
	logger    zerolog.Logger
	metrics   *metrics.WorkerMetrics

	mu          sync.Mutex
	initialized bool
	version     uint64
	current     map[string]chunk.Set
}

// New creates a reconciler with no current assignment.
func New(opts Options) *Reconciler {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Worker()
	}
	return &Reconciler{
		store:     opts.Store,
		downloads: opts.Downloader,
		logger:    opts.Logger.With().Str("component", "reconcile").Logger(),
		metrics:   opts.Metrics,
		current:   make(map[string]chunk.Set),
	}
}

// Seed sets the current holdings, typically from the chunk store after a
// restart, so that the first assignment evicts what is no longer wanted.
// It does not count as an applied assignment.
func (r *Reconciler) Seed(holdings chunk.Set) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = make(map[string]chunk.Set)
	for id := range holdings {
		set := r.current[id.Dataset]
		if set == nil {
			set = chunk.NewSet()
			r.current[id.Dataset] = set
		}
		set.Add(id)
	}
}

// Apply issues the difference between the current holdings and a. Stale
// versions are discarded and reported as not applied. Downloads and
// evictions triggered by the diff proceed asynchronously.
func (r *Reconciler) Apply(a Assignment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized && a.Version <= r.version {
		r.metrics.Reconciliations.WithLabelValues("stale").Inc()
		r.logger.Debug().
			Uint64("version", a.Version).
			Uint64("current", r.version).
			Msg("discarding stale assignment")
		return false, nil
	}
	if err := a.Validate(); err != nil {
		r.metrics.Reconciliations.WithLabelValues("error").Inc()
		return false, fmt.Errorf("invalid assignment %d: %w", a.Version, err)
	}

	next := make(map[string]chunk.Set, len(a.Datasets))
	for name, ids := range a.Datasets {
		if len(ids) > 0 {
			next[name] = chunk.NewSet(ids...)
		}
	}

	var added, removed, rekicked int

	// Datasets dropped from the assignment lose all their chunks.
	for _, name := range sortedNames(r.current) {
		for _, id := range r.current[name].Diff(next[name]) {
			if err := r.store.MarkUnwanted(id); err != nil {
				r.metrics.Reconciliations.WithLabelValues("error").Inc()
				return false, fmt.Errorf("remove %s: %w", id, err)
			}
			removed++
		}
	}

	for _, name := range sortedNames(next) {
		want := next[name]
		have := r.current[name]
		for _, id := range want.Diff(have) {
			if _, err := r.store.UpsertWanted(id); err != nil {
				r.metrics.Reconciliations.WithLabelValues("error").Inc()
				return false, fmt.Errorf("add %s: %w", id, err)
			}
			r.downloads.EnsureDownloaded(id)
			added++
		}

		// Kept chunks whose downloads gave up get another round.
		for _, id := range want.Sorted() {
			if !have.Has(id) {
				continue
			}
			rec, ok := r.store.Get(id)
			if ok && rec.State == chunk.StateWanted && !rec.Fatal && r.downloads.EnsureDownloaded(id) {
				rekicked++
			}
		}
	}

	r.current = next
	r.version = a.Version
	r.initialized = true

	r.metrics.AssignmentVersion.Set(float64(a.Version))
	r.metrics.Reconciliations.WithLabelValues("applied").Inc()
	r.logger.Info().
		Uint64("version", a.Version).
		Int("added", added).
		Int("removed", removed).
		Int("retried", rekicked).
		Msg("assignment applied")
	return true, nil
}

// Version returns the version of the last applied assignment and whether
// any assignment has been applied.
func (r *Reconciler) Version() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version, r.initialized
}

// Current returns a copy of the current holdings.
func (r *Reconciler) Current() Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Assignment{Version: r.version, Datasets: make(map[string][]chunk.ID, len(r.current))}
	for name, set := range r.current {
		out.Datasets[name] = set.Sorted()
	}
	return out
}

func sortedNames(m map[string]chunk.Set) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
