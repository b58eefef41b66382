// Package server exposes the worker over HTTP: health, status, metrics and
// query execution for gateways.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chunkmesh/chunkmesh/internal/allocation"
	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/metrics"
	"github.com/chunkmesh/chunkmesh/internal/query"
	"github.com/chunkmesh/chunkmesh/internal/store"
	"github.com/chunkmesh/chunkmesh/internal/telemetry"
	"github.com/chunkmesh/chunkmesh/internal/tracing"
	"github.com/chunkmesh/chunkmesh/pkg/proto"
)

// maxQueryBytes bounds the size of a query body.
const maxQueryBytes = 1 << 20

// Executor runs queries.
type Executor interface {
	Execute(ctx context.Context, q *query.Query) (*query.Result, error)
}

// StatusSource reports the chunk store state.
type StatusSource interface {
	Status() store.Status
}

// Versioner reports the applied assignment version.
type Versioner interface {
	Version() (uint64, bool)
}

// QueueLen reports the number of queued downloads.
type QueueLen interface {
	Len() int
}

// Options wires a Server.
type Options struct {
	WorkerID    string
	Version     string
	Fingerprint string
	Listen      string
	JWTSecret   string

	// ResponseBuffer is how many bytes of a query result are held back
	// before the response is committed. Results that fit carry their digest
	// in headers, longer ones stream it in trailers.
	ResponseBuffer int

	Engine      Executor
	Store       StatusSource
	Assignments Versioner
	Downloads   QueueLen
	Allocations allocation.Checker
	Events      telemetry.Emitter
	Metrics     *metrics.WorkerMetrics
	Logger      zerolog.Logger
}

// Server is the worker HTTP server.
type Server struct {
	opts      Options
	jwtSecret string
	mux       *http.ServeMux
	http      *http.Server
	logger    zerolog.Logger
	metrics   *metrics.WorkerMetrics
}

// New creates the server and registers its routes.
func New(opts Options) *Server {
	if opts.Allocations == nil {
		opts.Allocations = allocation.Noop{}
	}
	if opts.Events == nil {
		opts.Events = telemetry.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Worker()
	}
	if opts.ResponseBuffer <= 0 {
		opts.ResponseBuffer = DefaultResponseBuffer
	}
	s := &Server{
		opts:      opts,
		jwtSecret: opts.JWTSecret,
		mux:       http.NewServeMux(),
		logger:    opts.Logger.With().Str("component", "server").Logger(),
		metrics:   opts.Metrics,
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              opts.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("POST /query/{dataset}", s.handleQuery)
	s.mux.Handle("GET /debug/trace", tracing.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("listen", s.opts.Listen).Msg("starting worker server")
	return s.Serve(nil)
}

// Serve serves on l, or on the configured address when l is nil. It
// returns nil after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	var err error
	if l == nil {
		err = s.http.ListenAndServe()
	} else {
		err = s.http.Serve(l)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for running ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := json.Marshal(s.opts.Store.Status())
	if err != nil {
		s.jsonError(w, "encode status: "+err.Error(), http.StatusInternalServerError)
		return
	}
	resp := proto.StatusResponse{
		WorkerID:    s.opts.WorkerID,
		Version:     s.opts.Version,
		Fingerprint: s.opts.Fingerprint,
		Store:       st,
	}
	if s.opts.Assignments != nil {
		if v, ok := s.opts.Assignments.Version(); ok {
			resp.AssignmentVersion = &v
		}
	}
	if s.opts.Downloads != nil {
		resp.DownloadQueue = s.opts.Downloads.Len()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	queryID := uuid.NewString()
	w.Header().Set("X-Query-ID", queryID)
	dataset := r.PathValue("dataset")

	gateway, err := s.gatewayID(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxQueryBytes))
	if err != nil {
		s.queryError(w, fmt.Errorf("%w: read body: %v", chunk.ErrBadRequest, err))
		return
	}
	q, err := query.Parse(dataset, body)
	if err != nil {
		s.queryError(w, err)
		return
	}

	ev := map[string]any{
		"query_id":   queryID,
		"gateway_id": gateway,
		"dataset":    dataset,
		"from_block": q.FromBlock,
		"to_block":   q.ToBlock,
	}
	finish := func(err error, sum query.Summary) {
		ev["outcome"] = query.Outcome(err)
		ev["duration_ms"] = time.Since(started).Milliseconds()
		if err == nil {
			ev["records"] = sum.Records
			ev["data_size"] = sum.DataSize
			ev["compressed_size"] = sum.CompressedSize
			ev["sha3_256"] = sum.SHA3_256
			ev["num_read_chunks"] = sum.NumReadChunks
		} else {
			ev["error"] = err.Error()
		}
		s.opts.Events.Emit(telemetry.NewEvent(telemetry.KindQueryExecuted, ev))
	}

	if err := s.opts.Allocations.Check(gateway, 1); err != nil {
		s.metrics.Queries.WithLabelValues(query.Outcome(err)).Inc()
		finish(err, query.Summary{})
		s.queryError(w, err)
		return
	}

	res, err := s.opts.Engine.Execute(r.Context(), q)
	if err != nil {
		finish(err, query.Summary{})
		s.queryError(w, err)
		return
	}

	compress := acceptsGzip(r)
	var sum query.Summary
	out := &streamWriter{w: w, limit: s.opts.ResponseBuffer}
	out.commit = func(streaming bool) {
		h := w.Header()
		h.Set("Content-Type", "application/json")
		if compress {
			h.Set("Content-Encoding", "gzip")
		}
		if streaming {
			h.Set("Trailer", proto.HeaderSHA3+", "+proto.HeaderNumReadChunks)
		} else {
			h.Set(proto.HeaderSHA3, sum.SHA3_256)
			h.Set(proto.HeaderNumReadChunks, strconv.Itoa(sum.NumReadChunks))
			h.Set("Content-Length", strconv.Itoa(len(out.buf)))
		}
		w.WriteHeader(http.StatusOK)
	}

	sum, err = query.Encode(r.Context(), res, out, compress)
	finish(err, sum)
	if err != nil {
		if !out.committed {
			s.queryError(w, err)
			return
		}
		// Part of the result is already sent. Dropping the connection
		// withholds the final chunk and the trailers, so the client sees a
		// truncated response.
		s.logger.Warn().Err(err).Str("query_id", queryID).Msg("query failed while streaming")
		panic(http.ErrAbortHandler)
	}
	if !out.committed {
		_ = out.flush(false)
	} else {
		w.Header().Set(proto.HeaderSHA3, sum.SHA3_256)
		w.Header().Set(proto.HeaderNumReadChunks, strconv.Itoa(sum.NumReadChunks))
	}

	s.logger.Debug().
		Str("query_id", queryID).
		Str("gateway", gateway).
		Str("dataset", dataset).
		Int("records", sum.Records).
		Int("chunks", sum.NumReadChunks).
		Dur("duration", time.Since(started)).
		Msg("query served")
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]) == "gzip" {
			return true
		}
	}
	return false
}

// StatusCode maps a query error to its HTTP status.
func StatusCode(err error) int {
	var unavailable *chunk.ChunkUnavailableError
	switch {
	case errors.Is(err, chunk.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, chunk.ErrIncompleteCoverage):
		return http.StatusNotFound
	case errors.As(err, &unavailable), errors.Is(err, chunk.ErrServiceOverloaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, chunk.ErrNoAllocation):
		return http.StatusTooManyRequests
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) queryError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	resp := proto.ErrorResponse{Error: err.Error(), Code: query.Outcome(err)}

	var unavailable *chunk.ChunkUnavailableError
	if errors.As(err, &unavailable) {
		for _, id := range unavailable.Missing {
			resp.MissingChunks = append(resp.MissingChunks, id.String())
		}
	}
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("query failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{Error: message})
}
