package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkmesh/chunkmesh/testutil"
)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestDiskStore(t *testing.T) {
	root := t.TempDir()
	testutil.TempFile(t, root, "bucket/eth/obj", "0123456789")

	st, err := Open(context.Background(), Config{Type: "disk", Root: root}, "bucket")
	require.NoError(t, err)
	assert.True(t, st.SupportsRanges())
	assert.Contains(t, st.String(), "file://")

	ctx := context.Background()
	obj, err := st.Head(ctx, "eth/obj")
	require.NoError(t, err)
	assert.Equal(t, int64(10), obj.Size)

	rc, err := st.Get(ctx, "eth/obj", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", readAll(t, rc))

	rc, err = st.Get(ctx, "eth/obj", 3, 4)
	require.NoError(t, err)
	assert.Equal(t, "3456", readAll(t, rc))

	rc, err = st.Get(ctx, "eth/obj", 8, 100)
	require.NoError(t, err)
	assert.Equal(t, "89", readAll(t, rc))

	_, err = st.Get(ctx, "eth/missing", 0, -1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Head(ctx, "eth/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Head(ctx, "eth")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.Get(ctx, "../../etc/passwd", 0, -1)
	assert.Error(t, err)
}

func TestDiskStoreHonorsCancelledContext(t *testing.T) {
	root := t.TempDir()
	testutil.TempFile(t, root, "b/obj", "x")
	st, err := NewDisk(root, "b")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = st.Get(ctx, "obj", 0, -1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenRejectsUnknownType(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: "ftp"}, "b")
	assert.Error(t, err)

	_, err = NewDisk("", "b")
	assert.Error(t, err)
}

func TestLimitedStore(t *testing.T) {
	root := t.TempDir()
	payload := strings.Repeat("a", 64*1024)
	testutil.TempFile(t, root, "b/obj", payload)
	st, err := NewDisk(root, "b")
	require.NoError(t, err)

	assert.Same(t, st, NewLimited(st, NewBucket(0)))

	limited := NewLimited(st, NewBucket(1<<30))
	rc, err := limited.Get(context.Background(), "obj", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, payload, readAll(t, rc))

	obj, err := limited.Head(context.Background(), "obj")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), obj.Size)
}

func TestLimitedStoreThrottles(t *testing.T) {
	root := t.TempDir()
	testutil.TempFile(t, root, "b/obj", strings.Repeat("a", 4096))
	st, err := NewDisk(root, "b")
	require.NoError(t, err)

	// 2 KiB/s with a 2 KiB burst: reading 4 KiB must wait for refills.
	limited := NewLimited(st, NewBucket(2048))
	start := time.Now()
	rc, err := limited.Get(context.Background(), "obj", 0, -1)
	require.NoError(t, err)
	_ = readAll(t, rc)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestRangeHeader(t *testing.T) {
	assert.Equal(t, "", rangeHeader(0, -1))
	assert.Equal(t, "bytes=10-", rangeHeader(10, -1))
	assert.Equal(t, "bytes=0-99", rangeHeader(0, 100))
	assert.Equal(t, "bytes=100-199", rangeHeader(100, 100))
}

// fakeS3 serves objects of one bucket with path-style addressing.
func fakeS3(t *testing.T, bucket string, objects map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/"+bucket+"/")
		body, ok := objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method != http.MethodHead {
				_, _ = fmt.Fprintf(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message><Key>%s</Key></Error>`, key)
			}
			return
		}

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			return
		}

		if rng := r.Header.Get("Range"); rng != "" {
			var start, end int
			if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
				end = len(body) - 1
			}
			if end >= len(body) {
				end = len(body) - 1
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
			w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = io.WriteString(w, body[start:end+1])
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = io.WriteString(w, body)
	}))
}

func TestS3Store(t *testing.T) {
	srv := fakeS3(t, "chunks", map[string]string{"eth/obj": "0123456789"})
	defer srv.Close()

	st, err := Open(context.Background(), Config{
		Type:      "s3",
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		PathStyle: true,
		AccessKey: "test",
		SecretKey: "test",
	}, "chunks")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/chunks/", st.String())

	ctx := context.Background()
	obj, err := st.Head(ctx, "eth/obj")
	require.NoError(t, err)
	assert.Equal(t, int64(10), obj.Size)

	rc, err := st.Get(ctx, "eth/obj", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, "234", readAll(t, rc))

	rc, err = st.Get(ctx, "eth/obj", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", readAll(t, rc))

	rc, err = st.Get(ctx, "eth/obj", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "", readAll(t, rc))

	_, err = st.Get(ctx, "eth/missing", 0, -1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Head(ctx, "eth/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), Config{Region: "us-east-1"}, "")
	assert.Error(t, err)
}
