// Package store owns the chunk index of a worker: every chunk lifecycle
// transition, lease and deletion goes through the Store.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Options configures a Store.
type Options struct {
	Logger zerolog.Logger

	// OnEvicted is called once for every chunk whose data was deleted.
	// It is called without the store lock held.
	OnEvicted func(id chunk.ID)
}

// Store is the single owner of chunk metadata. Every mutation is one atomic
// transition under mu, checked against the current state. Published chunk
// files are immutable and read without any lock.
type Store struct {
	dir       string
	chunksDir string
	db        *leveldb.DB
	logger    zerolog.Logger
	opts      Options

	mu      sync.Mutex
	records map[chunk.ID]*Record
	claims  map[chunk.ID]*Download
	seq     uint64
	closed  bool
}

// Download is the claim returned by BeginDownload. Only the holder of the
// claim may complete or fail the download.
type Download struct {
	id      chunk.ID
	seq     uint64
	attempt int
	ctx     context.Context
	cancel  context.CancelFunc
}

// ID returns the claimed chunk.
func (d *Download) ID() chunk.ID { return d.id }

// Context is cancelled when the chunk stops being wanted.
func (d *Download) Context() context.Context { return d.ctx }

// Attempt is the 1-based attempt number since the last successful download.
func (d *Download) Attempt() int { return d.attempt }

// Lease keeps a set of chunks from being deleted.
type Lease struct {
	ids      []chunk.ID
	released bool // guarded by Store.mu
}

// IDs returns the leased chunks in canonical order.
func (l *Lease) IDs() []chunk.ID { return l.ids }

// RecoveryStats summarizes the startup reconciliation of disk against the index.
type RecoveryStats struct {
	Records      int
	Requeued     int // Downloading entries turned back to Wanted
	MissingFiles int // Ready entries whose file disappeared
	Evicted      int // Evicting entries deleted
	SweptFiles   int // unreferenced files and directories removed
}

// Open opens (or creates) the store rooted at dir and reconciles the chunk
// files on disk against the index. A corrupt or unreadable index is fatal.
func Open(dir string, opts Options) (*Store, error) {
	chunksDir := filepath.Join(dir, chunksDirName)
	if err := os.MkdirAll(chunksDir, 0755); err != nil {
		return nil, fmt.Errorf("create chunks dir: %w", err)
	}

	db, err := leveldb.OpenFile(filepath.Join(dir, indexDirName), nil)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	s := &Store{
		dir:       dir,
		chunksDir: chunksDir,
		db:        db,
		logger:    opts.Logger.With().Str("component", "store").Logger(),
		opts:      opts,
		records:   make(map[chunk.ID]*Record),
		claims:    make(map[chunk.ID]*Download),
	}

	stats, err := s.recover()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recover store: %w", err)
	}

	s.logger.Info().
		Int("records", stats.Records).
		Int("requeued", stats.Requeued).
		Int("missing_files", stats.MissingFiles).
		Int("evicted", stats.Evicted).
		Int("swept", stats.SweptFiles).
		Msg("chunk store opened")

	return s, nil
}

func (s *Store) recover() (RecoveryStats, error) {
	var stats RecoveryStats
	batch := new(leveldb.Batch)

	iter := s.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	for iter.Next() {
		id, err := parseRecordKey(iter.Key())
		if err != nil {
			iter.Release()
			return stats, err
		}
		rec, err := decodeRecord(id, iter.Value())
		if err != nil {
			iter.Release()
			return stats, err
		}

		switch rec.State {
		case chunk.StateDownloading:
			rec.State = chunk.StateWanted
			stats.Requeued++
		case chunk.StateReady:
			if _, err := os.Stat(s.ChunkPath(id)); err != nil {
				rec.State = chunk.StateWanted
				rec.SizeBytes = 0
				rec.ContentHash = ""
				stats.MissingFiles++
			} else {
				rec.LocalPath = s.ChunkPath(id)
			}
		case chunk.StateEvicting, chunk.StateGone:
			batch.Delete(recordKey(id))
			stats.Evicted++
			continue
		}

		value, err := encodeRecord(rec)
		if err != nil {
			iter.Release()
			return stats, err
		}
		batch.Put(recordKey(id), value)
		s.records[id] = rec
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return stats, fmt.Errorf("read index: %w", err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return stats, fmt.Errorf("write index: %w", err)
	}
	stats.Records = len(s.records)

	swept, err := s.sweep()
	if err != nil {
		return stats, err
	}
	stats.SweptFiles = swept
	return stats, nil
}

// sweep removes every file under the chunks directory that does not belong
// to a Ready record: temporary downloads, trash and orphaned chunks.
func (s *Store) sweep() (int, error) {
	datasets, err := os.ReadDir(s.chunksDir)
	if err != nil {
		return 0, fmt.Errorf("read chunks dir: %w", err)
	}

	removed := 0
	remove := func(path string) {
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to remove unreferenced chunk data")
			return
		}
		removed++
	}

	for _, ds := range datasets {
		dsPath := filepath.Join(s.chunksDir, ds.Name())
		name, err := unescapeDataset(ds.Name())
		if !ds.IsDir() || err != nil {
			remove(dsPath)
			continue
		}

		entries, err := os.ReadDir(dsPath)
		if err != nil {
			return removed, fmt.Errorf("read dataset dir: %w", err)
		}
		for _, e := range entries {
			path := filepath.Join(dsPath, e.Name())
			if strings.HasPrefix(e.Name(), ".") {
				remove(path)
				continue
			}
			id, err := chunk.ParseRange(name, e.Name())
			if err == nil {
				if rec, ok := s.records[id]; ok && rec.State == chunk.StateReady {
					continue
				}
			}
			remove(path)
		}
	}
	return removed, nil
}

// Close cancels outstanding download claims and closes the index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, dl := range s.claims {
		dl.cancel()
	}
	return s.db.Close()
}

// UpsertWanted registers id as desired. It reports whether the state changed:
// a new record was created, or an Evicting chunk was flipped back to Ready
// so its pending deletion will not run.
func (s *Store) UpsertWanted(id chunk.ID) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	rec, ok := s.records[id]
	if !ok {
		rec = &Record{ID: id, State: chunk.StateWanted, UpdatedAt: time.Now()}
		if err := s.put(rec); err != nil {
			return false, err
		}
		s.records[id] = rec
		return true, nil
	}

	if rec.State == chunk.StateEvicting {
		if err := s.transition(rec, chunk.StateReady, nil); err != nil {
			return false, err
		}
		s.logger.Debug().Str("chunk", id.String()).Msg("eviction cancelled, chunk wanted again")
		return true, nil
	}
	return false, nil
}

// MarkUnwanted drops id from the desired set. Ready chunks without leases are
// deleted immediately; leased chunks become Evicting and are deleted by the
// last Release. A download in flight is cancelled and its record removed.
func (s *Store) MarkUnwanted(id chunk.ID) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}

	var (
		err   error
		trash string
	)
	switch rec.State {
	case chunk.StateWanted:
		err = s.transition(rec, chunk.StateGone, nil)
	case chunk.StateDownloading:
		if dl := s.claims[id]; dl != nil {
			dl.cancel()
		}
		err = s.transition(rec, chunk.StateGone, nil)
	case chunk.StateReady:
		err = s.transition(rec, chunk.StateEvicting, nil)
		if err == nil && rec.LeaseCount == 0 {
			trash, err = s.retire(rec)
		}
	}
	s.mu.Unlock()

	s.purge(id, trash)
	return err
}

// BeginDownload claims the sole right to download id.
func (s *Store) BeginDownload(id chunk.ID) (*Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	// A cancelled claim stays outstanding until its task reports back, even
	// if the record was removed and re-added in the meantime.
	if _, busy := s.claims[id]; busy {
		return nil, chunk.ErrAlreadyInProgress
	}

	rec, ok := s.records[id]
	if !ok {
		return nil, chunk.ErrSuperseded
	}
	switch rec.State {
	case chunk.StateWanted:
	case chunk.StateDownloading:
		return nil, chunk.ErrAlreadyInProgress
	case chunk.StateReady:
		return nil, chunk.ErrAlreadyReady
	default:
		return nil, chunk.ErrSuperseded
	}
	if rec.Fatal {
		return nil, fmt.Errorf("%w: %s", chunk.ErrFatal, rec.LastError)
	}

	if err := s.transition(rec, chunk.StateDownloading, func(r *Record) { r.Exhausted = false }); err != nil {
		return nil, err
	}

	s.seq++
	ctx, cancel := context.WithCancel(context.Background())
	dl := &Download{
		id:      id,
		seq:     s.seq,
		attempt: rec.Attempts + 1,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.claims[id] = dl
	return dl, nil
}

// CompleteDownload publishes tmpPath as the data of the claimed chunk and
// moves it to Ready. If the chunk stopped being wanted, tmpPath is deleted
// and ErrSuperseded returned. On any other error the claim stays outstanding
// and the caller must FailDownload.
func (s *Store) CompleteDownload(dl *Download, tmpPath string, size int64, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claims[dl.id] != dl {
		_ = os.Remove(tmpPath)
		return chunk.ErrSuperseded
	}
	rec, ok := s.records[dl.id]
	if !ok || rec.State != chunk.StateDownloading || dl.ctx.Err() != nil {
		s.releaseClaim(dl)
		_ = os.Remove(tmpPath)
		return chunk.ErrSuperseded
	}

	path := s.ChunkPath(dl.id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("publish chunk: %w", err)
	}

	err := s.transition(rec, chunk.StateReady, func(r *Record) {
		r.LocalPath = path
		r.SizeBytes = size
		r.ContentHash = contentHash
		r.LastError = ""
		r.Attempts = 0
		r.Fatal = false
		r.Exhausted = false
	})
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	s.releaseClaim(dl)
	return nil
}

// FailDownload returns the claimed chunk to Wanted and records the failure.
// A fatal failure stops further attempts until the chunk is re-assigned.
// It returns ErrSuperseded if the chunk stopped being wanted meanwhile.
func (s *Store) FailDownload(dl *Download, cause error, fatal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claims[dl.id] != dl {
		return chunk.ErrSuperseded
	}
	s.releaseClaim(dl)

	rec, ok := s.records[dl.id]
	if !ok || rec.State != chunk.StateDownloading {
		return chunk.ErrSuperseded
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(rec, chunk.StateWanted, func(r *Record) {
		r.LastError = msg
		r.Attempts++
		r.Fatal = fatal
	})
}

// MarkExhausted records that the downloader gave up on the wanted chunk id
// after its last failed attempt. The chunk is reported as failing until a
// new download of it starts. It returns ErrSuperseded if id is no longer
// Wanted or a new download already claimed it.
func (s *Store) MarkExhausted(id chunk.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	rec, ok := s.records[id]
	if !ok || rec.State != chunk.StateWanted {
		return chunk.ErrSuperseded
	}
	if _, busy := s.claims[id]; busy {
		return chunk.ErrSuperseded
	}
	if rec.Exhausted {
		return nil
	}

	next := *rec
	next.Exhausted = true
	next.UpdatedAt = time.Now()
	if err := s.put(&next); err != nil {
		return err
	}
	*rec = next
	return nil
}

func (s *Store) releaseClaim(dl *Download) {
	delete(s.claims, dl.id)
	dl.cancel()
}

// InProgress reports whether a download claim for id is outstanding.
func (s *Store) InProgress(id chunk.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claims[id]
	return ok
}

// CreateTemp creates a temporary download file next to the chunks of id's
// dataset. Temporary files are removed on the next Open.
func (s *Store) CreateTemp(id chunk.ID) (*os.File, error) {
	dir := s.datasetDir(id.Dataset)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}
	f, err := os.CreateTemp(dir, downloadPrefix+id.RangeString()+"-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// AcquireLease leases every chunk in ids, or none of them. If any chunk is
// not Ready the returned error is a *chunk.NotReadyError listing them.
func (s *Store) AcquireLease(ids []chunk.ID) (*Lease, error) {
	set := chunk.NewSet(ids...).Sorted()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var missing []chunk.ID
	for _, id := range set {
		if rec, ok := s.records[id]; !ok || rec.State != chunk.StateReady {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &chunk.NotReadyError{Missing: missing}
	}

	for _, id := range set {
		s.records[id].LeaseCount++
	}
	return &Lease{ids: set}, nil
}

// Release drops a lease. Chunks that were waiting for their last lease in
// Evicting are deleted. Releasing twice is a no-op.
func (s *Store) Release(l *Lease) {
	if l == nil {
		return
	}

	type pending struct {
		id    chunk.ID
		trash string
	}
	var purges []pending

	s.mu.Lock()
	if l.released {
		s.mu.Unlock()
		return
	}
	l.released = true
	for _, id := range l.ids {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if rec.LeaseCount > 0 {
			rec.LeaseCount--
		}
		if rec.State == chunk.StateEvicting && rec.LeaseCount == 0 {
			trash, err := s.retire(rec)
			if err != nil {
				s.logger.Error().Err(err).Str("chunk", id.String()).Msg("failed to retire evicted chunk")
			}
			purges = append(purges, pending{id: id, trash: trash})
		}
	}
	s.mu.Unlock()

	for _, p := range purges {
		s.purge(p.id, p.trash)
	}
}

// retire moves the data of an Evicting chunk out of its published path and
// removes the record. Must be called with mu held. The returned trash path
// is deleted by purge outside the lock.
func (s *Store) retire(rec *Record) (string, error) {
	s.seq++
	trash := filepath.Join(s.datasetDir(rec.ID.Dataset), fmt.Sprintf("%s%s-%d", trashPrefix, rec.ID.RangeString(), s.seq))
	if err := os.Rename(s.chunkDir(rec.ID), trash); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("chunk", rec.ID.String()).Msg("failed to move chunk to trash")
		}
		trash = ""
	}
	return trash, s.transition(rec, chunk.StateGone, nil)
}

func (s *Store) purge(id chunk.ID, trash string) {
	if trash == "" {
		return
	}
	if err := os.RemoveAll(trash); err != nil {
		s.logger.Warn().Err(err).Str("chunk", id.String()).Msg("failed to delete chunk data")
	}
	s.logger.Debug().Str("chunk", id.String()).Msg("chunk deleted")
	if s.opts.OnEvicted != nil {
		s.opts.OnEvicted(id)
	}
}

// transition moves rec to state to, persisting the result. mutate may adjust
// the other fields of the record before it is written. Must be called with
// mu held.
func (s *Store) transition(rec *Record, to chunk.State, mutate func(*Record)) error {
	if !rec.State.CanTransitionTo(to) {
		return &chunk.TransitionError{Chunk: rec.ID, From: rec.State, To: to}
	}

	next := *rec
	next.State = to
	next.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(&next)
	}
	if !to.HasData() {
		next.LocalPath = ""
	}

	if to == chunk.StateGone {
		if err := s.db.Delete(recordKey(rec.ID), nil); err != nil {
			return fmt.Errorf("delete record %s: %w", rec.ID, err)
		}
		delete(s.records, rec.ID)
		*rec = next
		return nil
	}

	if err := s.put(&next); err != nil {
		return err
	}
	*rec = next
	return nil
}

func (s *Store) put(rec *Record) error {
	value, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.db.Put(recordKey(rec.ID), value, nil); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns a snapshot of the record of id.
func (s *Store) Get(id chunk.ID) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Chunks returns snapshots of the records of dataset ordered by first block.
// An empty dataset name returns every record.
func (s *Store) Chunks(dataset string) []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for id, rec := range s.records {
		if dataset == "" || id.Dataset == dataset {
			out = append(out, *rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return chunk.Less(out[i].ID, out[j].ID) })
	return out
}

// Holdings returns every chunk that belongs to the current assignment.
func (s *Store) Holdings() chunk.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(chunk.Set, len(s.records))
	for id, rec := range s.records {
		if rec.State.IsAssigned() {
			out.Add(id)
		}
	}
	return out
}

// Resolve returns the assigned chunks of dataset that intersect [from, to),
// ordered by first block. Evicting chunks are not part of the assignment and
// are never returned.
func (s *Store) Resolve(dataset string, from, to uint64) []chunk.ID {
	s.mu.Lock()
	var out []chunk.ID
	for id, rec := range s.records {
		if id.Dataset == dataset && rec.State.IsAssigned() && id.Intersects(from, to) {
			out = append(out, id)
		}
	}
	s.mu.Unlock()

	chunk.Sort(out)
	return out
}
