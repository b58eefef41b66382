package store

import (
	"sort"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
)

// Failure describes a wanted chunk the downloader stopped trying: either a
// fatal error or exhausted retries.
type Failure struct {
	Chunk     chunk.ID `json:"chunk"`
	Error     string   `json:"error"`
	Attempts  int      `json:"attempts"`
	Fatal     bool     `json:"fatal"`
	Exhausted bool     `json:"exhausted,omitempty"`
}

// DatasetStatus aggregates the chunks of one dataset.
type DatasetStatus struct {
	ReadyChunks       int           `json:"ready_chunks"`
	DownloadingChunks int           `json:"downloading_chunks"`
	WantedChunks      int           `json:"wanted_chunks"`
	EvictingChunks    int           `json:"evicting_chunks"`
	BytesOnDisk       int64         `json:"bytes_on_disk"`
	Ranges            []chunk.Range `json:"ranges,omitempty"`
	Failing           []Failure     `json:"failing,omitempty"`
}

// Status is the store summary reported to the coordinator and operators.
type Status struct {
	Datasets     map[string]*DatasetStatus `json:"datasets"`
	ActiveLeases int                       `json:"active_leases"`
	Volume       *VolumeStats              `json:"volume,omitempty"`
}

// VolumeStats describes the filesystem holding the chunk files.
type VolumeStats struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// Status summarizes the store per dataset. Ranges lists the Ready chunks.
func (s *Store) Status() Status {
	st := Status{Datasets: make(map[string]*DatasetStatus)}

	s.mu.Lock()
	ready := make(map[string][]chunk.ID)
	for id, rec := range s.records {
		ds := st.Datasets[id.Dataset]
		if ds == nil {
			ds = &DatasetStatus{}
			st.Datasets[id.Dataset] = ds
		}

		switch rec.State {
		case chunk.StateReady:
			ds.ReadyChunks++
			ready[id.Dataset] = append(ready[id.Dataset], id)
		case chunk.StateDownloading:
			ds.DownloadingChunks++
		case chunk.StateWanted:
			ds.WantedChunks++
		case chunk.StateEvicting:
			ds.EvictingChunks++
		}
		if rec.State.HasData() {
			ds.BytesOnDisk += rec.SizeBytes
		}
		st.ActiveLeases += rec.LeaseCount

		if rec.State.IsAssigned() && (rec.Fatal || rec.Exhausted) {
			ds.Failing = append(ds.Failing, Failure{
				Chunk:     id,
				Error:     rec.LastError,
				Attempts:  rec.Attempts,
				Fatal:     rec.Fatal,
				Exhausted: rec.Exhausted,
			})
		}
	}
	s.mu.Unlock()

	for name, ds := range st.Datasets {
		ds.Ranges = chunk.Ranges(ready[name])
		sort.Slice(ds.Failing, func(i, j int) bool { return chunk.Less(ds.Failing[i].Chunk, ds.Failing[j].Chunk) })
	}

	if vol, err := volumeStats(s.chunksDir); err == nil {
		st.Volume = &vol
	}
	return st
}
