// Package tracing keeps a rolling window of runtime trace data that can be
// downloaded from a running worker, e.g. after a slow query.
package tracing

import (
	"errors"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize bounds the trace window (16MB).
const DefaultBufferSize = 16 << 20

// minAge is the span of execution the window keeps at least.
const minAge = 30 * time.Second

var (
	mu       sync.Mutex
	recorder *trace.FlightRecorder
)

// ErrNotEnabled is returned by Snapshot when the recorder is not running.
var ErrNotEnabled = errors.New("tracing not enabled")

// Start begins recording into a ring buffer of bufferSize bytes. Starting an
// already running recorder is a no-op.
func Start(bufferSize int) error {
	mu.Lock()
	defer mu.Unlock()

	if recorder != nil {
		return nil
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	r := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := r.Start(); err != nil {
		return err
	}
	recorder = r
	return nil
}

// Enabled reports whether the recorder is running.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return recorder != nil
}

// Snapshot writes the current window to w in the `go tool trace` format.
func Snapshot(w io.Writer) error {
	mu.Lock()
	defer mu.Unlock()

	if recorder == nil {
		return ErrNotEnabled
	}
	_, err := recorder.WriteTo(w)
	return err
}

// Stop stops the recorder. It is safe to call more than once.
func Stop() {
	mu.Lock()
	defer mu.Unlock()

	if recorder != nil {
		recorder.Stop()
		recorder = nil
	}
}

// Handler serves a snapshot as a file download, or 404 when not recording.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !Enabled() {
			http.Error(w, ErrNotEnabled.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="chunkmesh.trace"`)
		if err := Snapshot(w); err != nil {
			// Headers may already be sent; the client sees a truncated file.
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
