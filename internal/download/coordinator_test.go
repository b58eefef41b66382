package download

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/chunkfile"
	"github.com/chunkmesh/chunkmesh/internal/objstore"
	"github.com/chunkmesh/chunkmesh/internal/store"
	"github.com/chunkmesh/chunkmesh/testutil"
)

const (
	testBucket = "chunks"
	testPrefix = "eth-mainnet"
)

var testID = chunk.ID{Dataset: "eth", First: 0, Last: 100}

// flakyStore injects failures into data object reads and records which
// offsets and keys were requested.
type flakyStore struct {
	objstore.ObjectStore

	mu       sync.Mutex
	failNext int           // fail this many data reads regardless of offset
	failAt   map[int64]int // remaining failures per offset
	gets     map[int64]int
	keys     []string      // data keys in the order reads started
	block    chan struct{} // the next data read waits for it to close
	entered  chan struct{}

	hold        chan struct{} // every data read waits for it to close
	arrived     chan string   // receives the key of every held read
	inFlight    int
	maxInFlight int
}

func newFlakyStore(inner objstore.ObjectStore) *flakyStore {
	return &flakyStore{
		ObjectStore: inner,
		failAt:      make(map[int64]int),
		gets:        make(map[int64]int),
		entered:     make(chan struct{}),
		arrived:     make(chan string, 64),
	}
}

func (f *flakyStore) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	if !strings.HasSuffix(key, chunkfile.DataObject) {
		return f.ObjectStore.Get(ctx, key, off, limit)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.gets[off]++
	f.keys = append(f.keys, key)
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	hold := f.hold
	fail := false
	if f.failNext > 0 {
		f.failNext--
		fail = true
	} else if f.failAt[off] > 0 {
		f.failAt[off]--
		fail = true
	}
	block := f.block
	f.block = nil
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if block != nil {
		close(f.entered)
		<-block
	}
	if hold != nil {
		f.arrived <- key
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return f.ObjectStore.Get(ctx, key, off, limit)
}

func (f *flakyStore) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func (f *flakyStore) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *flakyStore) getsAt(off int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[off]
}

type testEnv struct {
	store   *store.Store
	coord   *Coordinator
	objects *flakyStore
	dataDir string
}

func fastConfig() Config {
	return Config{
		Workers:         2,
		PartSize:        1 << 20,
		PartConcurrency: 2,
		MaxAttempts:     5,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
	}
}

// newEnv starts a coordinator reading dataset "eth" from the disk object
// store at root.
func newEnv(t *testing.T, root string, cfg Config) *testEnv {
	t.Helper()
	disk, err := objstore.NewDisk(root, testBucket)
	require.NoError(t, err)
	objects := newFlakyStore(disk)

	dataDir := t.TempDir()
	s, err := store.Open(dataDir, store.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	c := New(Options{
		Config:  cfg,
		Store:   s,
		Sources: map[string]Source{"eth": {Store: objects, Prefix: testPrefix}},
		Logger:  zerolog.Nop(),
	})
	c.Start()
	t.Cleanup(func() {
		c.Close()
		_ = s.Close()
	})
	return &testEnv{store: s, coord: c, objects: objects, dataDir: dataDir}
}

func (e *testEnv) want(t *testing.T, id chunk.ID) {
	t.Helper()
	_, err := e.store.UpsertWanted(id)
	require.NoError(t, err)
	e.coord.EnsureDownloaded(id)
}

func (e *testEnv) waitState(t *testing.T, id chunk.ID, state chunk.State) store.Record {
	t.Helper()
	var rec store.Record
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = e.store.Get(id)
		return ok && rec.State == state
	}, 5*time.Second, 5*time.Millisecond, "chunk %s never reached %s", id, state)
	return rec
}

func (e *testEnv) waitIdle(t *testing.T, id chunk.ID) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !e.coord.Pending(id) && !e.store.InProgress(id)
	}, 5*time.Second, 5*time.Millisecond, "download of %s did not finish", id)
}

func (e *testEnv) tempFiles(t *testing.T, dataset string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(e.dataDir, "chunks", dataset))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".download-") {
			out = append(out, entry.Name())
		}
	}
	return out
}

func TestDownloadPublishesChunk(t *testing.T) {
	root := t.TempDir()
	m := testutil.WriteChunkObject(t, root, testBucket, testPrefix, testID)
	env := newEnv(t, root, fastConfig())

	env.want(t, testID)
	rec := env.waitState(t, testID, chunk.StateReady)
	env.waitIdle(t, testID)

	assert.Equal(t, m.Size, rec.SizeBytes)
	assert.Equal(t, m.SHA256, rec.ContentHash)
	assert.Equal(t, env.store.ChunkPath(testID), rec.LocalPath)

	h, blocks, err := chunkfile.ReadAll(rec.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, testID.First, h.FirstBlock)
	assert.Len(t, blocks, 100)
	assert.Empty(t, env.tempFiles(t, "eth"))
}

func TestEnsureDownloadedDeduplicates(t *testing.T) {
	root := t.TempDir()
	testutil.WriteChunkObject(t, root, testBucket, testPrefix, testID)
	env := newEnv(t, root, fastConfig())

	block := make(chan struct{})
	env.objects.block = block

	_, err := env.store.UpsertWanted(testID)
	require.NoError(t, err)
	assert.True(t, env.coord.EnsureDownloaded(testID))
	assert.False(t, env.coord.EnsureDownloaded(testID))

	<-env.objects.entered
	assert.False(t, env.coord.EnsureDownloaded(testID), "running task must absorb duplicates")
	close(block)

	env.waitState(t, testID, chunk.StateReady)
	env.waitIdle(t, testID)
	assert.Equal(t, 1, env.objects.getsAt(0))
}

func TestTransientFailuresAreRetried(t *testing.T) {
	root := t.TempDir()
	testutil.WriteChunkObject(t, root, testBucket, testPrefix, testID)
	env := newEnv(t, root, fastConfig())
	env.objects.failNext = 3

	env.want(t, testID)
	rec := env.waitState(t, testID, chunk.StateReady)
	env.waitIdle(t, testID)

	assert.Equal(t, 4, env.objects.getsAt(0), "three failed attempts and one success")
	assert.Zero(t, rec.Attempts)
	assert.Empty(t, rec.LastError)
	assert.False(t, env.store.InProgress(testID))
}

func TestFailedPartsAreResumed(t *testing.T) {
	root := t.TempDir()
	m := testutil.WriteChunkObject(t, root, testBucket, testPrefix, testID)
	require.Greater(t, m.Size, int64(8))

	cfg := fastConfig()
	cfg.PartSize = m.Size / 4
	cfg.PartConcurrency = 1
	env := newEnv(t, root, cfg)
	env.objects.failAt[cfg.PartSize] = 1

	env.want(t, testID)
	rec := env.waitState(t, testID, chunk.StateReady)
	env.waitIdle(t, testID)
	assert.Equal(t, m.SHA256, rec.ContentHash)

	assert.Equal(t, 1, env.objects.getsAt(0), "completed part must not be fetched again")
	assert.Equal(t, 2, env.objects.getsAt(cfg.PartSize))
	for off := 2 * cfg.PartSize; off < m.Size; off += cfg.PartSize {
		assert.Equal(t, 1, env.objects.getsAt(off), "part at %d", off)
	}
}

func TestCorruptionExhaustsAttempts(t *testing.T) {
	root := t.TempDir()
	m := testutil.WriteChunkObject(t, root, testBucket, testPrefix, testID)
	m.SHA256 = strings.Repeat("0", 64)
	testutil.WriteManifest(t, root, testBucket, testPrefix, testID, m)

	cfg := fastConfig()
	cfg.MaxAttempts = 3
	env := newEnv(t, root, cfg)

	env.want(t, testID)
	env.waitIdle(t, testID)

	rec, ok := env.store.Get(testID)
	require.True(t, ok)
	assert.Equal(t, chunk.StateWanted, rec.State)
	assert.Equal(t, 3, rec.Attempts)
	assert.False(t, rec.Fatal)
	assert.Contains(t, rec.LastError, "hash mismatch")
	assert.Equal(t, 3, env.objects.getsAt(0), "every attempt refetches the whole chunk")
	assert.Empty(t, env.tempFiles(t, "eth"))

	st := env.store.Status()
	require.Contains(t, st.Datasets, "eth")
	require.Len(t, st.Datasets["eth"].Failing, 1)
	assert.Equal(t, testID, st.Datasets["eth"].Failing[0].Chunk)
	assert.True(t, st.Datasets["eth"].Failing[0].Exhausted)
}

func TestExhaustedChunkIsReportedWithFewAttempts(t *testing.T) {
	root := t.TempDir()
	m := testutil.WriteChunkObject(t, root, testBucket, testPrefix, testID)
	m.SHA256 = strings.Repeat("0", 64)
	testutil.WriteManifest(t, root, testBucket, testPrefix, testID, m)

	cfg := fastConfig()
	cfg.MaxAttempts = 2
	env := newEnv(t, root, cfg)

	env.want(t, testID)
	env.waitIdle(t, testID)

	rec, ok := env.store.Get(testID)
	require.True(t, ok)
	assert.Equal(t, chunk.StateWanted, rec.State)
	assert.Equal(t, 2, rec.Attempts)
	assert.True(t, rec.Exhausted)

	failing := env.store.Status().Datasets["eth"].Failing
	require.Len(t, failing, 1)
	assert.Equal(t, testID, failing[0].Chunk)
	assert.True(t, failing[0].Exhausted)
	assert.False(t, failing[0].Fatal)
	assert.Contains(t, failing[0].Error, "hash mismatch")

	// Fixing the object and asking again recovers the chunk.
	testutil.WriteChunkObject(t, root, testBucket, testPrefix, testID)
	assert.True(t, env.coord.EnsureDownloaded(testID))
	rec = env.waitState(t, testID, chunk.StateReady)
	env.waitIdle(t, testID)
	assert.False(t, rec.Exhausted)
	assert.Empty(t, env.store.Status().Datasets["eth"].Failing)
}

func TestFatalFailureStopsRetries(t *testing.T) {
	root := t.TempDir()
	env := newEnv(t, root, fastConfig())
	id := chunk.ID{Dataset: "btc", First: 0, Last: 10}

	env.want(t, id)
	env.waitIdle(t, id)

	rec, ok := env.store.Get(id)
	require.True(t, ok)
	assert.True(t, rec.Fatal)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.LastError, "no storage source")

	// A new request is dropped without another attempt.
	assert.True(t, env.coord.EnsureDownloaded(id))
	env.waitIdle(t, id)
	rec, _ = env.store.Get(id)
	assert.Equal(t, 1, rec.Attempts)
}

func TestUnwantedChunkCancelsDownload(t *testing.T) {
	root := t.TempDir()
	testutil.WriteChunkObject(t, root, testBucket, testPrefix, testID)
	env := newEnv(t, root, fastConfig())

	block := make(chan struct{})
	env.objects.block = block
	env.want(t, testID)
	<-env.objects.entered

	require.NoError(t, env.store.MarkUnwanted(testID))
	close(block)

	env.waitIdle(t, testID)
	_, ok := env.store.Get(testID)
	assert.False(t, ok)
	assert.Empty(t, env.tempFiles(t, "eth"))
	_, err := os.Stat(env.store.ChunkPath(testID))
	assert.True(t, os.IsNotExist(err))
}

func TestChunkReaddedDuringCancellationIsDownloaded(t *testing.T) {
	root := t.TempDir()
	testutil.WriteChunkObject(t, root, testBucket, testPrefix, testID)
	env := newEnv(t, root, fastConfig())

	block := make(chan struct{})
	env.objects.block = block
	env.want(t, testID)
	<-env.objects.entered

	require.NoError(t, env.store.MarkUnwanted(testID))
	changed, err := env.store.UpsertWanted(testID)
	require.NoError(t, err)
	assert.True(t, changed)

	// The cancelled task still holds the chunk; it re-queues it on exit.
	assert.False(t, env.coord.EnsureDownloaded(testID))
	close(block)

	env.waitState(t, testID, chunk.StateReady)
	env.waitIdle(t, testID)
	assert.Empty(t, env.tempFiles(t, "eth"))
}

func TestManyChunks(t *testing.T) {
	root := t.TempDir()
	var ids []chunk.ID
	for i := uint64(0); i < 6; i++ {
		id := chunk.ID{Dataset: "eth", First: i * 20, Last: (i + 1) * 20}
		testutil.WriteChunkObject(t, root, testBucket, testPrefix, id)
		ids = append(ids, id)
	}
	env := newEnv(t, root, fastConfig())

	for _, id := range ids {
		env.want(t, id)
	}
	for _, id := range ids {
		env.waitState(t, id, chunk.StateReady)
	}
	require.Eventually(t, func() bool { return env.coord.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestWorkersBoundConcurrentDownloads(t *testing.T) {
	root := t.TempDir()
	var ids []chunk.ID
	for i := uint64(0); i < 6; i++ {
		id := chunk.ID{Dataset: "eth", First: i * 20, Last: (i + 1) * 20}
		testutil.WriteChunkObject(t, root, testBucket, testPrefix, id)
		ids = append(ids, id)
	}
	cfg := fastConfig()
	cfg.Workers = 2
	env := newEnv(t, root, cfg)
	hold := make(chan struct{})
	env.objects.hold = hold

	for _, id := range ids {
		env.want(t, id)
	}
	for i := 0; i < cfg.Workers; i++ {
		select {
		case <-env.objects.arrived:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d downloads started", i)
		}
	}
	select {
	case key := <-env.objects.arrived:
		t.Fatalf("download of %s started while %d were running", key, cfg.Workers)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, len(ids), env.coord.Len())

	close(hold)
	for _, id := range ids {
		env.waitState(t, id, chunk.StateReady)
	}
	assert.Equal(t, cfg.Workers, env.objects.peak())
	assert.Len(t, env.objects.started(), len(ids))
}

func TestDownloadsStartInRequestOrder(t *testing.T) {
	root := t.TempDir()
	var ids []chunk.ID
	for _, first := range []uint64{80, 20, 60, 0, 40} {
		id := chunk.ID{Dataset: "eth", First: first, Last: first + 20}
		testutil.WriteChunkObject(t, root, testBucket, testPrefix, id)
		ids = append(ids, id)
	}
	cfg := fastConfig()
	cfg.Workers = 1
	env := newEnv(t, root, cfg)
	hold := make(chan struct{})
	env.objects.hold = hold

	for _, id := range ids {
		env.want(t, id)
	}
	<-env.objects.arrived
	close(hold)
	for _, id := range ids {
		env.waitState(t, id, chunk.StateReady)
	}

	var want []string
	for _, id := range ids {
		want = append(want, chunkfile.ObjectKey(testPrefix, id))
	}
	assert.Equal(t, want, env.objects.started())
	assert.Equal(t, 1, env.objects.peak())
}

func TestCloseDropsWaitingRetries(t *testing.T) {
	root := t.TempDir()
	testutil.WriteChunkObject(t, root, testBucket, testPrefix, testID)

	cfg := fastConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	env := newEnv(t, root, cfg)
	env.objects.failNext = 1

	env.want(t, testID)
	require.Eventually(t, func() bool {
		rec, ok := env.store.Get(testID)
		return ok && rec.Attempts == 1 && rec.State == chunk.StateWanted
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, env.coord.Pending(testID))
	assert.Empty(t, env.store.Status().Datasets["eth"].Failing, "a chunk waiting for a retry is not failing")

	env.coord.Close()
	assert.Zero(t, env.coord.Len())
	assert.Empty(t, env.tempFiles(t, "eth"))
	assert.False(t, env.coord.EnsureDownloaded(testID))
}
