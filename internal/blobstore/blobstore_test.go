package blobstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scaninspect/internal/fsutil"
	"github.com/banshee-data/scaninspect/internal/httputil"
)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestFSStore_RoundTrip(t *testing.T) {
	for name, fsys := range map[string]fsutil.FileSystem{
		"memory": fsutil.NewMemoryFileSystem(),
		"os":     fsutil.OSFileSystem{},
	} {
		t.Run(name, func(t *testing.T) {
			root := "/blobs"
			if name == "os" {
				root = t.TempDir()
			}
			s := NewFSStore(fsys, root)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "scans/a.ply", strings.NewReader("ply data")))
			ok, err := s.Exists(ctx, "scans/a.ply")
			require.NoError(t, err)
			assert.True(t, ok)

			rc, err := s.Get(ctx, "scans/a.ply")
			require.NoError(t, err)
			assert.Equal(t, "ply data", readAll(t, rc))

			require.NoError(t, s.Delete(ctx, "scans/a.ply"))
			require.NoError(t, s.Delete(ctx, "scans/a.ply"), "deleting twice is fine")

			_, err = s.Get(ctx, "scans/a.ply")
			assert.ErrorIs(t, err, ErrNotFound)
			ok, err = s.Exists(ctx, "scans/a.ply")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFSStore_RejectsEscapingKeys(t *testing.T) {
	s := NewFSStore(fsutil.NewMemoryFileSystem(), "/blobs")
	ctx := context.Background()
	for _, key := range []string{"../etc/passwd", "/abs", "", "a/../../b"} {
		_, err := s.Get(ctx, key)
		assert.ErrorIs(t, err, ErrUnsupportedLocation, key)
		assert.ErrorIs(t, s.Put(ctx, key, strings.NewReader("x")), ErrUnsupportedLocation, key)
	}
}

func TestFSStore_Cancelled(t *testing.T) {
	s := NewFSStore(fsutil.NewMemoryFileSystem(), "/blobs")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Get(ctx, "scans/a.ply")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPStore(t *testing.T) {
	const url = "https://storage.example.com/scans/1.ply?X-Sig=abc"
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusOK, "remote scan").
		AddResponse(http.StatusNotFound, "no such object").
		AddResponse(http.StatusInternalServerError, "boom").
		AddResponse(http.StatusOK, "").
		AddResponse(http.StatusNotFound, "").
		AddResponse(http.StatusNotFound, "")
	s := NewHTTPStore(mock, http.Header{"Authorization": {"Bearer t"}})
	ctx := context.Background()

	rc, err := s.Get(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, "remote scan", readAll(t, rc))
	assert.Equal(t, "Bearer t", mock.GetRequest(0).Header.Get("Authorization"))

	_, err = s.Get(ctx, url)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, url)
	var se *httputil.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.NotErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, url, strings.NewReader("heatmap")))
	assert.Equal(t, http.MethodPut, mock.GetRequest(3).Method)
	assert.Equal(t, "heatmap", string(mock.Bodies[3]))

	require.NoError(t, s.Delete(ctx, url), "404 on delete is success")

	ok, err := s.Exists(ctx, url)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, http.MethodHead, mock.GetRequest(5).Method)
}

func TestHTTPStore_TransportError(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddErrorResponse(errors.New("dial tcp: refused"))
	_, err := NewHTTPStore(mock, nil).Get(context.Background(), "http://x/y")
	assert.ErrorContains(t, err, "refused")
}

func TestRouter(t *testing.T) {
	local := NewFSStore(fsutil.NewMemoryFileSystem(), "/blobs")
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, "from http")
	r := &Router{Local: local, Remote: NewHTTPStore(mock, nil)}
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, "references/part.stl", strings.NewReader("solid")))
	rc, err := r.Get(ctx, "references/part.stl")
	require.NoError(t, err)
	assert.Equal(t, "solid", readAll(t, rc))
	assert.Equal(t, 0, mock.RequestCount())

	rc, err = r.Get(ctx, "HTTPS://cdn.example.com/part.stl")
	require.NoError(t, err)
	assert.Equal(t, "from http", readAll(t, rc))

	_, err = (&Router{Local: local}).Get(ctx, "http://x/y")
	assert.ErrorIs(t, err, ErrUnsupportedLocation)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "scans/job-1.ply", ScanKey("job-1"))
	assert.Equal(t, "comparisons/job-1.ply", HeatmapKey("job-1"))
	assert.Equal(t, "comparisons/etc.ply", HeatmapKey("../etc"))
	keys := ArtifactKeys("j")
	assert.Equal(t, HeatmapKey("j"), keys[0])
	assert.Len(t, keys, 4)
}
