// Package proto defines the messages chunkmesh workers exchange with the
// router, the scheduler and query gateways.
package proto

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Headers used on worker HTTP endpoints.
const (
	HeaderWorkerKey       = "X-Worker-Key"       // base64 SSH wire format public key
	HeaderWorkerSignature = "X-Worker-Signature" // base64 ed25519 signature of the request body
	HeaderGatewayID       = "X-Gateway-ID"
	HeaderSHA3            = "X-Sha3-256"
	HeaderNumReadChunks   = "X-Num-Read-Chunks"
)

// Range is a half-open block range [Begin, End).
type Range struct {
	Begin uint64 `json:"begin"`
	End   uint64 `json:"end"`
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Begin, r.End)
}

// SortRanges orders ranges by Begin, then End.
func SortRanges(rs []Range) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Begin != rs[j].Begin {
			return rs[i].Begin < rs[j].Begin
		}
		return rs[i].End < rs[j].End
	})
}

// Assignment is the desired set of chunks per dataset. Assignments are
// totally ordered by Version.
type Assignment struct {
	Version  uint64             `json:"version"`
	Datasets map[string][]Range `json:"datasets"`
}

// Ping reports the worker's state. It is sent periodically to the router and
// the scheduler.
type Ping struct {
	WorkerID          string             `json:"worker_id"`
	Version           string             `json:"version"`                      // worker build version
	AssignmentVersion *uint64            `json:"assignment_version,omitempty"` // nil before the first assignment
	Datasets          map[string][]Range `json:"datasets"`                     // ready ranges per dataset
	StoredBytes       int64              `json:"stored_bytes"`
	FailingChunks     int                `json:"failing_chunks,omitempty"`
}

// PingResponse may carry a newer assignment.
type PingResponse struct {
	Assignment *Assignment `json:"assignment,omitempty"`
}

// Message types sent over the scheduler channel.
const (
	TypePing       = "ping"
	TypeAssignment = "assignment"
	TypeError      = "error"
)

// Envelope frames a scheduler channel message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ErrorResponse is the body of a failed worker HTTP request.
type ErrorResponse struct {
	Error         string   `json:"error"`
	Code          string   `json:"code,omitempty"`           // machine readable outcome, e.g. "chunk_unavailable"
	MissingChunks []string `json:"missing_chunks,omitempty"` // chunk ids, for chunk_unavailable
}

// StatusResponse is returned by the worker status endpoint.
type StatusResponse struct {
	WorkerID          string          `json:"worker_id"`
	Version           string          `json:"version"`
	Fingerprint       string          `json:"fingerprint,omitempty"`
	AssignmentVersion *uint64         `json:"assignment_version,omitempty"`
	Store             json.RawMessage `json:"store"`
	DownloadQueue     int             `json:"download_queue"`
}
