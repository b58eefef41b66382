package chunk

import (
	"errors"
	"fmt"
	"strings"
)

// Chunk lifecycle errors.
var (
	// ErrTransientIO marks network or disk failures that are worth retrying.
	ErrTransientIO = errors.New("transient I/O error")

	// ErrCorruption means downloaded bytes did not match the published hash.
	ErrCorruption = errors.New("chunk content hash mismatch")

	// ErrSuperseded means the operation lost a race against a state change.
	ErrSuperseded = errors.New("chunk superseded")

	// ErrAlreadyInProgress means another download claim is outstanding.
	ErrAlreadyInProgress = errors.New("download already in progress")

	// ErrAlreadyReady means the chunk is already published.
	ErrAlreadyReady = errors.New("chunk already ready")

	// ErrFatal marks failures that stop retries for a chunk until its assignment changes.
	ErrFatal = errors.New("fatal chunk error")

	// ErrNotFound means the store holds no record for the chunk.
	ErrNotFound = errors.New("chunk not found")
)

// Query errors, surfaced to callers without internal retries.
var (
	ErrIncompleteCoverage = errors.New("requested range is not fully covered by assigned chunks")
	ErrBadRequest         = errors.New("bad request")
	ErrServiceOverloaded  = errors.New("service overloaded")
	ErrNoAllocation       = errors.New("not enough allocation")
)

// NotReadyError reports the chunks that prevented a lease from being granted.
type NotReadyError struct {
	Missing []ID
}

func (e *NotReadyError) Error() string {
	return "chunks not ready: " + joinIDs(e.Missing)
}

// ChunkUnavailableError is returned by queries whose covering chunks are
// assigned but not currently ready on this worker.
type ChunkUnavailableError struct {
	Missing []ID
}

func (e *ChunkUnavailableError) Error() string {
	return "chunks unavailable: " + joinIDs(e.Missing)
}

// Transient wraps err so that errors.Is(err, ErrTransientIO) holds.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// IsRetryable reports whether a download failure may be retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrFatal) || errors.Is(err, ErrSuperseded) {
		return false
	}
	return true
}

func joinIDs(ids []ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
