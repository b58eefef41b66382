package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkmesh/chunkmesh/internal/store"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	if pb.Gauge != nil {
		return pb.Gauge.GetValue()
	}
	return pb.Counter.GetValue()
}

func count(c prometheus.Collector) int {
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	return n
}

type fakeSource struct {
	status store.Status
}

func (f *fakeSource) Status() store.Status { return f.status }

func TestWorkerIsSingleton(t *testing.T) {
	assert.Same(t, Worker(), Worker())
	assert.Same(t, Worker(), InitWorkerMetrics("w1", "test"))
}

func TestCollector(t *testing.T) {
	m := Worker()
	src := &fakeSource{status: store.Status{
		Datasets: map[string]*store.DatasetStatus{
			"eth": {ReadyChunks: 2, DownloadingChunks: 1, WantedChunks: 3, EvictingChunks: 1, BytesOnDisk: 4096},
		},
		ActiveLeases: 5,
		Volume:       &store.VolumeStats{AvailableBytes: 1 << 20},
	}}

	c := NewCollector(m, src)
	c.Collect()

	assert.Equal(t, 2.0, value(t, m.Chunks.WithLabelValues("eth", "ready")))
	assert.Equal(t, 1.0, value(t, m.Chunks.WithLabelValues("eth", "downloading")))
	assert.Equal(t, 3.0, value(t, m.Chunks.WithLabelValues("eth", "wanted")))
	assert.Equal(t, 1.0, value(t, m.Chunks.WithLabelValues("eth", "evicting")))
	assert.Equal(t, 4096.0, value(t, m.BytesOnDisk.WithLabelValues("eth")))
	assert.Equal(t, 5.0, value(t, m.ActiveLeases))
	assert.Equal(t, float64(1<<20), value(t, m.VolumeAvailBytes))

	// A dataset that disappears loses its series.
	src.status = store.Status{Datasets: map[string]*store.DatasetStatus{}}
	c.Collect()
	assert.Equal(t, 0, count(m.Chunks))
}

func TestCollectorRunStopsOnCancel(t *testing.T) {
	c := NewCollector(Worker(), &fakeSource{status: store.Status{Datasets: map[string]*store.DatasetStatus{}}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestHandler(t *testing.T) {
	m := InitWorkerMetrics("test-worker", "1.0.0")
	m.DownloadsStarted.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	for _, name := range []string{
		"chunkmesh_downloads_started_total",
		"chunkmesh_worker_info",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(text, name), "missing %s", name)
	}
	assert.Contains(t, text, `worker_id="test-worker"`)
}
