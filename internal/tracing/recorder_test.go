package tracing

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_NotRunning(t *testing.T) {
	Stop()

	assert.False(t, Enabled())
	var buf bytes.Buffer
	assert.ErrorIs(t, Snapshot(&buf), ErrNotEnabled)
}

func TestStart_Snapshot(t *testing.T) {
	Stop()
	require.NoError(t, Start(0))
	defer Stop()

	assert.True(t, Enabled())
	// A second start keeps the running recorder.
	require.NoError(t, Start(DefaultBufferSize))

	var buf bytes.Buffer
	require.NoError(t, Snapshot(&buf))
	assert.NotZero(t, buf.Len())
}

func TestStop_Idempotent(t *testing.T) {
	Stop()
	require.NoError(t, Start(DefaultBufferSize))

	Stop()
	Stop()

	assert.False(t, Enabled())
	assert.ErrorIs(t, Snapshot(&bytes.Buffer{}), ErrNotEnabled)
}

func TestHandler(t *testing.T) {
	Stop()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, Start(0))
	defer Stop()

	rec = httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "chunkmesh.trace")
	assert.NotZero(t, rec.Body.Len())
}
