package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
)

// Record is a snapshot of the metadata the store keeps for one chunk.
type Record struct {
	ID          chunk.ID    `json:"id"`
	State       chunk.State `json:"state"`
	LocalPath   string      `json:"local_path,omitempty"`
	SizeBytes   int64       `json:"size_bytes"`
	ContentHash string      `json:"content_hash,omitempty"`
	LeaseCount  int         `json:"lease_count"`
	LastError   string      `json:"last_error,omitempty"`
	Attempts    int         `json:"attempts"`
	Fatal       bool        `json:"fatal"`
	Exhausted   bool        `json:"exhausted"` // retries used up, not downloading
	UpdatedAt   time.Time   `json:"updated_at"`
}

// persistedRecord is the index value. Lease counts are never persisted:
// no lease survives a restart.
type persistedRecord struct {
	State       string    `json:"state"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	Fatal       bool      `json:"fatal,omitempty"`
	Exhausted   bool      `json:"exhausted,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func encodeRecord(r *Record) ([]byte, error) {
	return json.Marshal(persistedRecord{
		State:       r.State.String(),
		SizeBytes:   r.SizeBytes,
		ContentHash: r.ContentHash,
		LastError:   r.LastError,
		Attempts:    r.Attempts,
		Fatal:       r.Fatal,
		Exhausted:   r.Exhausted,
		UpdatedAt:   r.UpdatedAt,
	})
}

func decodeRecord(id chunk.ID, data []byte) (*Record, error) {
	var p persistedRecord
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	state, err := chunk.ParseState(p.State)
	if err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &Record{
		ID:          id,
		State:       state,
		SizeBytes:   p.SizeBytes,
		ContentHash: p.ContentHash,
		LastError:   p.LastError,
		Attempts:    p.Attempts,
		Fatal:       p.Fatal,
		Exhausted:   p.Exhausted,
		UpdatedAt:   p.UpdatedAt,
	}, nil
}

// MarshalJSON renders the state by name.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	return json.Marshal(struct {
		alias
		State string `json:"state"`
	}{alias: alias(r), State: r.State.String()})
}
