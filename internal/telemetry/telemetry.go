// Package telemetry ships worker events (download and query outcomes) to a
// log collector without ever blocking the caller.
package telemetry

import (
	"time"

	"github.com/rs/zerolog"
)

// Event kinds.
const (
	KindDownloadCompleted = "download_completed"
	KindDownloadFailed    = "download_failed"
	KindChunkEvicted      = "chunk_evicted"
	KindQueryExecuted     = "query_executed"
)

// Event is one telemetry record.
type Event struct {
	Time   time.Time      `json:"timestamp"`
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
}

// NewEvent returns an event of kind stamped with the current time.
func NewEvent(kind string, fields map[string]any) Event {
	return Event{Time: time.Now().UTC(), Kind: kind, Fields: fields}
}

// Emitter accepts events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// LogEmitter writes events to a logger at debug level. It is used when no
// collector is configured.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter returns an emitter logging to logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "telemetry").Logger()}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(ev Event) {
	e.logger.Debug().Str("kind", ev.Kind).Fields(ev.Fields).Msg("telemetry event")
}
