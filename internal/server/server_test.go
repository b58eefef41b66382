package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/chunkmesh/chunkmesh/internal/allocation"
	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/query"
	"github.com/chunkmesh/chunkmesh/internal/store"
	"github.com/chunkmesh/chunkmesh/internal/telemetry"
	"github.com/chunkmesh/chunkmesh/pkg/proto"
	"github.com/chunkmesh/chunkmesh/testutil"
)

var (
	chunkA = chunk.New("eth", 0, 100)
	chunkB = chunk.New("eth", 100, 200)
	chunkC = chunk.New("eth", 200, 300)
)

type recorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recorder) Emit(ev telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) last() telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixedVersion uint64

func (v fixedVersion) Version() (uint64, bool) { return uint64(v), true }

type env struct {
	store  *store.Store
	engine *query.Engine
	events *recorder
	srv    *httptest.Server
}

func newEnv(t *testing.T, qcfg query.Config, modify func(*Options)) *env {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for _, id := range []chunk.ID{chunkA, chunkB} {
		_, err := s.UpsertWanted(id)
		require.NoError(t, err)
		dl, err := s.BeginDownload(id)
		require.NoError(t, err)
		f, err := s.CreateTemp(id)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		m := testutil.WriteChunkFile(t, f.Name(), id)
		require.NoError(t, s.CompleteDownload(dl, f.Name(), m.Size, m.SHA256))
	}
	// Assigned but never downloaded.
	_, err = s.UpsertWanted(chunkC)
	require.NoError(t, err)

	e := &env{
		store:  s,
		engine: query.NewEngine(s, qcfg, zerolog.Nop(), nil),
		events: &recorder{},
	}
	opts := Options{
		WorkerID:    "w1",
		Version:     "test",
		Engine:      e.engine,
		Store:       s,
		Assignments: fixedVersion(4),
		Events:      e.events,
		Logger:      zerolog.Nop(),
	}
	if modify != nil {
		modify(&opts)
	}
	e.srv = httptest.NewServer(New(opts))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) post(t *testing.T, dataset, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/query/"+dataset, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) proto.ErrorResponse {
	t.Helper()
	var out proto.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func sha3Hex(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestHealth(t *testing.T) {
	e := newEnv(t, query.Config{}, nil)
	resp, err := http.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	e := newEnv(t, query.Config{}, nil)
	resp, err := http.Get(e.srv.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st proto.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "w1", st.WorkerID)
	require.NotNil(t, st.AssignmentVersion)
	assert.Equal(t, uint64(4), *st.AssignmentVersion)

	var storeStatus store.Status
	require.NoError(t, json.Unmarshal(st.Store, &storeStatus))
	require.Contains(t, storeStatus.Datasets, "eth")
	assert.Equal(t, 2, storeStatus.Datasets["eth"].ReadyChunks)
	assert.Equal(t, 1, storeStatus.Datasets["eth"].WantedChunks)
}

func TestQuery_Success(t *testing.T) {
	e := newEnv(t, query.Config{}, nil)

	// The default client asks for gzip and decompresses transparently.
	resp := e.post(t, "eth", `{"fromBlock":90,"toBlock":110,"transactions":[{}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, sha3Hex(body), resp.Header.Get(proto.HeaderSHA3))
	assert.Equal(t, "2", resp.Header.Get(proto.HeaderNumReadChunks))
	assert.NotEmpty(t, resp.Header.Get("X-Query-ID"))

	var records []query.Record
	require.NoError(t, json.Unmarshal(body, &records))
	assert.Len(t, records, 20*2)
	assert.Equal(t, uint64(90), records[0].Block)
	assert.Equal(t, uint64(109), records[len(records)-1].Block)

	ev := e.events.last()
	assert.Equal(t, telemetry.KindQueryExecuted, ev.Kind)
	assert.Equal(t, "ok", ev.Fields["outcome"])
	assert.Equal(t, 40, ev.Fields["records"])
	assert.Equal(t, resp.Header.Get(proto.HeaderSHA3), ev.Fields["sha3_256"])
}

func TestQuery_GzipBody(t *testing.T) {
	e := newEnv(t, query.Config{}, nil)

	resp := e.post(t, "eth", `{"fromBlock":0,"toBlock":5,"logs":[{}]}`, map[string]string{"Accept-Encoding": "gzip"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	compressed, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)

	assert.Equal(t, sha3Hex(plain), resp.Header.Get(proto.HeaderSHA3))
	var records []query.Record
	require.NoError(t, json.Unmarshal(plain, &records))
	assert.Len(t, records, 5*2)
}

func TestQuery_StreamsLargeResults(t *testing.T) {
	e := newEnv(t, query.Config{}, func(o *Options) { o.ResponseBuffer = 256 })

	resp := e.post(t, "eth", `{"fromBlock":0,"toBlock":200,"transactions":[{}]}`, map[string]string{"Accept-Encoding": "identity"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(-1), resp.ContentLength)
	assert.Empty(t, resp.Header.Get(proto.HeaderSHA3), "digest is not known when streaming starts")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, sha3Hex(body), resp.Trailer.Get(proto.HeaderSHA3))
	assert.Equal(t, "2", resp.Trailer.Get(proto.HeaderNumReadChunks))

	var records []query.Record
	require.NoError(t, json.Unmarshal(body, &records))
	assert.Len(t, records, 200*2)
	assert.Equal(t, resp.Trailer.Get(proto.HeaderSHA3), e.events.last().Fields["sha3_256"])
}

func TestQuery_SmallResultsCarryDigestInHeaders(t *testing.T) {
	e := newEnv(t, query.Config{}, nil)

	resp := e.post(t, "eth", `{"fromBlock":0,"toBlock":2,"logs":[{}]}`, map[string]string{"Accept-Encoding": "identity"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), resp.ContentLength)
	assert.Equal(t, sha3Hex(body), resp.Header.Get(proto.HeaderSHA3))
	assert.Empty(t, resp.Trailer.Get(proto.HeaderSHA3))
}

func TestQuery_FailureWhileStreamingTruncatesResponse(t *testing.T) {
	e := newEnv(t, query.Config{}, func(o *Options) { o.ResponseBuffer = 256 })
	require.NoError(t, os.WriteFile(e.store.ChunkPath(chunkB), []byte("damaged"), 0644))

	resp := e.post(t, "eth", `{"fromBlock":0,"toBlock":200,"transactions":[{}]}`, map[string]string{"Accept-Encoding": "identity"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := io.ReadAll(resp.Body)
	assert.Error(t, err, "a failed scan must not look like a complete result")
	assert.Empty(t, resp.Trailer.Get(proto.HeaderSHA3))

	testutil.Eventually(t, time.Second, func() bool {
		a, _ := e.store.Get(chunkA)
		b, _ := e.store.Get(chunkB)
		return a.LeaseCount == 0 && b.LeaseCount == 0
	}, "leases were not released")
	assert.Equal(t, "error", e.events.last().Fields["outcome"])
}

func TestQuery_EarlyFailureGetsErrorStatus(t *testing.T) {
	e := newEnv(t, query.Config{}, nil)
	require.NoError(t, os.WriteFile(e.store.ChunkPath(chunkA), []byte("damaged"), 0644))

	resp := e.post(t, "eth", `{"fromBlock":0,"toBlock":200,"transactions":[{}]}`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "error", decodeError(t, resp).Code)
}

func TestStreamWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	var commits []bool
	sw := &streamWriter{w: rec, limit: 4, commit: func(streaming bool) {
		commits = append(commits, streaming)
		rec.WriteHeader(http.StatusOK)
	}}

	n, err := sw.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = sw.Write([]byte("cd"))
	require.NoError(t, err)
	assert.False(t, sw.committed)
	assert.Zero(t, rec.Body.Len(), "bytes within the limit are held back")

	_, err = sw.Write([]byte("ef"))
	require.NoError(t, err)
	_, err = sw.Write([]byte("gh"))
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, commits)
	assert.Equal(t, "abcdefgh", rec.Body.String())
}

func TestQuery_ErrorCodes(t *testing.T) {
	e := newEnv(t, query.Config{}, nil)

	tests := []struct {
		name    string
		dataset string
		body    string
		code    int
		outcome string
	}{
		{"malformed json", "eth", `{"fromBlock":`, http.StatusBadRequest, "bad_request"},
		{"unknown field", "eth", `{"fromBlock":0,"toBlock":1,"blocks":true}`, http.StatusBadRequest, "bad_request"},
		{"inverted range", "eth", `{"fromBlock":10,"toBlock":5}`, http.StatusBadRequest, "bad_request"},
		{"not covered", "eth", `{"fromBlock":250,"toBlock":400,"logs":[{}]}`, http.StatusNotFound, "incomplete_coverage"},
		{"unknown dataset", "btc", `{"fromBlock":0,"toBlock":10,"logs":[{}]}`, http.StatusNotFound, "incomplete_coverage"},
		{"not downloaded", "eth", `{"fromBlock":150,"toBlock":250,"logs":[{}]}`, http.StatusServiceUnavailable, "chunk_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.post(t, tt.dataset, tt.body, nil)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.outcome, decodeError(t, resp).Code)
		})
	}
}

func TestQuery_ChunkUnavailableListsMissingChunks(t *testing.T) {
	e := newEnv(t, query.Config{}, nil)

	resp := e.post(t, "eth", `{"fromBlock":150,"toBlock":250,"logs":[{}]}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, []string{chunkC.String()}, decodeError(t, resp).MissingChunks)

	rec, _ := e.store.Get(chunkB)
	assert.Zero(t, rec.LeaseCount, "no lease is kept after a refused query")
}

func TestQuery_Overloaded(t *testing.T) {
	e := newEnv(t, query.Config{ParallelQueries: 1, QueuedQueries: 0}, nil)

	q, err := query.Parse("eth", []byte(`{"fromBlock":0,"toBlock":10,"logs":[{}]}`))
	require.NoError(t, err)
	held, err := e.engine.Execute(context.Background(), q)
	require.NoError(t, err)

	resp := e.post(t, "eth", `{"fromBlock":0,"toBlock":10,"logs":[{}]}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "overloaded", decodeError(t, resp).Code)

	require.NoError(t, held.Close())
	resp = e.post(t, "eth", `{"fromBlock":0,"toBlock":10,"logs":[{}]}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQuery_Allocation(t *testing.T) {
	limiter, err := allocation.NewLimiter(0.001, 1, 0)
	require.NoError(t, err)
	e := newEnv(t, query.Config{}, func(o *Options) { o.Allocations = limiter })

	gw := map[string]string{proto.HeaderGatewayID: "gw-1"}
	body := `{"fromBlock":0,"toBlock":1,"logs":[{}]}`

	assert.Equal(t, http.StatusOK, e.post(t, "eth", body, gw).StatusCode)

	resp := e.post(t, "eth", body, gw)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "no_allocation", decodeError(t, resp).Code)
	assert.Equal(t, "no_allocation", e.events.last().Fields["outcome"])

	other := map[string]string{proto.HeaderGatewayID: "gw-2"}
	assert.Equal(t, http.StatusOK, e.post(t, "eth", body, other).StatusCode)
}

func TestQuery_JWT(t *testing.T) {
	const secret = "gateway-secret"
	e := newEnv(t, query.Config{}, func(o *Options) { o.JWTSecret = secret })
	body := `{"fromBlock":0,"toBlock":1,"logs":[{}]}`

	resp := e.post(t, "eth", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.post(t, "eth", body, map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := GenerateGatewayToken("other-secret", "gw-1", time.Hour)
	require.NoError(t, err)
	resp = e.post(t, "eth", body, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := GenerateGatewayToken(secret, "gw-1", -time.Minute)
	require.NoError(t, err)
	resp = e.post(t, "eth", body, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := GenerateGatewayToken(secret, "gw-1", time.Hour)
	require.NoError(t, err)
	resp = e.post(t, "eth", body, map[string]string{
		"Authorization":       "Bearer " + token,
		proto.HeaderGatewayID: "spoofed",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gw-1", e.events.last().Fields["gateway_id"])
}

func TestValidateGatewayToken(t *testing.T) {
	token, err := GenerateGatewayToken("s", "gw-9", time.Hour)
	require.NoError(t, err)
	id, err := ValidateGatewayToken(token, "s")
	require.NoError(t, err)
	assert.Equal(t, "gw-9", id)

	noSubject, err := GenerateGatewayToken("s", "", time.Hour)
	require.NoError(t, err)
	_, err = ValidateGatewayToken(noSubject, "s")
	assert.Error(t, err)

	_, err = ValidateGatewayToken("not.a.token", "s")
	assert.Error(t, err)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusCode(chunk.ErrBadRequest))
	assert.Equal(t, http.StatusNotFound, StatusCode(chunk.ErrIncompleteCoverage))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(&chunk.ChunkUnavailableError{}))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(chunk.ErrServiceOverloaded))
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(chunk.ErrNoAllocation))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(chunk.ErrCorruption))
}

func TestServeAndShutdown(t *testing.T) {
	srv := New(Options{Listen: "127.0.0.1:0", Store: fakeStore{}, Logger: zerolog.Nop()})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}

type fakeStore struct{}

func (fakeStore) Status() store.Status { return store.Status{} }
