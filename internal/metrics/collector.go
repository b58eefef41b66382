package metrics

import (
	"context"
	"time"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/store"
)

// StatusSource interface for getting chunk store statistics.
type StatusSource interface {
	Status() store.Status
}

// Collector periodically copies chunk store statistics into gauges.
type Collector struct {
	metrics *WorkerMetrics
	source  StatusSource
}

// NewCollector creates a new metrics collector.
func NewCollector(m *WorkerMetrics, source StatusSource) *Collector {
	return &Collector{metrics: m, source: source}
}

// Collect updates all gauges from the current store status.
func (c *Collector) Collect() {
	if c.source == nil {
		return
	}
	st := c.source.Status()

	// Datasets that disappeared must not keep their last values.
	c.metrics.Chunks.Reset()
	c.metrics.BytesOnDisk.Reset()

	for name, ds := range st.Datasets {
		c.metrics.Chunks.WithLabelValues(name, chunk.StateWanted.String()).Set(float64(ds.WantedChunks))
		c.metrics.Chunks.WithLabelValues(name, chunk.StateDownloading.String()).Set(float64(ds.DownloadingChunks))
		c.metrics.Chunks.WithLabelValues(name, chunk.StateReady.String()).Set(float64(ds.ReadyChunks))
		c.metrics.Chunks.WithLabelValues(name, chunk.StateEvicting.String()).Set(float64(ds.EvictingChunks))
		c.metrics.BytesOnDisk.WithLabelValues(name).Set(float64(ds.BytesOnDisk))
	}
	c.metrics.ActiveLeases.Set(float64(st.ActiveLeases))
	if st.Volume != nil {
		c.metrics.VolumeAvailBytes.Set(float64(st.Volume.AvailableBytes))
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
