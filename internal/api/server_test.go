package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scaninspect/internal/analysis"
	"github.com/banshee-data/scaninspect/internal/blobstore"
	"github.com/banshee-data/scaninspect/internal/fsutil"
	"github.com/banshee-data/scaninspect/internal/inspection"
	"github.com/banshee-data/scaninspect/internal/testutil"
	"github.com/banshee-data/scaninspect/internal/timeutil"
)

const token = "s3cret"

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	handler http.Handler
	store   *inspection.MemoryStore
	queue   *inspection.QueueManager
	release chan struct{}
}

// newTestServer wires the API to an in-memory store and a queue whose
// runner blocks until release is closed.
func newTestServer(t *testing.T, admin AdminRoutes) *testServer {
	t.Helper()
	ts := &testServer{release: make(chan struct{})}
	clock := timeutil.NewMockClock(epoch)
	ts.store = inspection.NewMemoryStore(clock)
	ts.queue = inspection.NewQueueManager(inspection.RunnerFunc(func(ctx context.Context, d inspection.Descriptor) error {
		select {
		case <-ts.release:
		case <-ctx.Done():
		}
		return nil
	}), testutil.QuietLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ts.queue.Shutdown(ctx)
	})

	svc := inspection.NewService(ts.store, ts.queue, clock, testutil.QuietLogger())
	blobs := blobstore.NewFSStore(fsutil.NewMemoryFileSystem(), "/blobs")
	cleaner := inspection.NewCleaner(ts.store, blobs, ts.queue, clock, testutil.QuietLogger())
	h, err := NewServer(Deps{Service: svc, Cleaner: cleaner, Token: token, Admin: admin, Logger: testutil.QuietLogger()}).Handler()
	require.NoError(t, err)
	ts.handler = h
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func descriptor(id string) inspection.Descriptor {
	return inspection.Descriptor{JobID: id, ScanLocation: "scans/" + id + ".ply", ReferenceLocation: "references/part.stl"}
}

func TestHealthzIsOpen(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(testutil.NewJSONRequest(t, http.MethodGet, "/healthz", nil, ""))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var body map[string]any
	testutil.DecodeJSON(t, w, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, tok := range []string{"", "wrong"} {
		w := ts.do(testutil.NewJSONRequest(t, http.MethodGet, "/v1/queue", nil, tok))
		testutil.AssertStatusCode(t, w.Code, http.StatusUnauthorized)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
	}
}

func TestSubmitAndGet(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(testutil.NewJSONRequest(t, http.MethodPost, "/v1/jobs", descriptor("a"), token))
	testutil.AssertStatusCode(t, w.Code, http.StatusAccepted)
	var ack inspection.Ack
	testutil.DecodeJSON(t, w, &ack)
	assert.Equal(t, inspection.Ack{JobID: "a", QueueDepth: 0}, ack)

	w = ts.do(testutil.NewJSONRequest(t, http.MethodPost, "/v1/jobs", descriptor("b"), token))
	testutil.AssertStatusCode(t, w.Code, http.StatusAccepted)
	testutil.DecodeJSON(t, w, &ack)
	assert.Equal(t, 1, ack.QueueDepth)

	w = ts.do(testutil.NewJSONRequest(t, http.MethodGet, "/v1/jobs/b", nil, token))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var rec map[string]any
	testutil.DecodeJSON(t, w, &rec)
	assert.Equal(t, "b", rec["job_id"])
	assert.Equal(t, "queued", rec["status"])
	assert.NotContains(t, rec, "metrics")

	w = ts.do(testutil.NewJSONRequest(t, http.MethodGet, "/v1/queue", nil, token))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var stats inspection.QueueStats
	testutil.DecodeJSON(t, w, &stats)
	assert.Equal(t, inspection.QueueStats{Depth: 1, Busy: true, Current: "a"}, stats)
}

func TestSubmitErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(testutil.NewJSONRequest(t, http.MethodPost, "/v1/jobs", descriptor("dup"), token))

	tests := []struct {
		name string
		body any
		want int
	}{
		{"duplicate id", descriptor("dup"), http.StatusConflict},
		{"missing reference", inspection.Descriptor{JobID: "x", ScanLocation: "scans/x.ply"}, http.StatusBadRequest},
		{"unknown field", map[string]string{"job_id": "y", "scan": "s"}, http.StatusBadRequest},
		{"unsafe id", inspection.Descriptor{JobID: "../etc", ScanLocation: "s.ply", ReferenceLocation: "r.stl"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(testutil.NewJSONRequest(t, http.MethodPost, "/v1/jobs", tt.body, token))
			testutil.AssertStatusCode(t, w.Code, tt.want)
			var body map[string]string
			testutil.DecodeJSON(t, w, &body)
			assert.NotEmpty(t, body["error"])
		})
	}

	w := ts.do(testutil.NewJSONRequest(t, http.MethodPost, "/v1/jobs", nil, token))
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestSubmitAfterShutdown(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.queue.Shutdown(context.Background()))
	w := ts.do(testutil.NewJSONRequest(t, http.MethodPost, "/v1/jobs", descriptor("late"), token))
	testutil.AssertStatusCode(t, w.Code, http.StatusServiceUnavailable)
}

func TestGetMissingJob(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(testutil.NewJSONRequest(t, http.MethodGet, "/v1/jobs/nope", nil, token))
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, ts.store.Create(ctx, inspection.NewJobRecord(descriptor(id), epoch)))
	}
	require.NoError(t, ts.store.MarkProcessing(ctx, "b"))
	require.NoError(t, ts.store.Fail(ctx, "b", "boom"))
	require.NoError(t, ts.store.MarkProcessing(ctx, "c"))
	require.NoError(t, ts.store.Complete(ctx, "c", analysis.Metrics{PointCount: 10, Mean: 0.001}, "comparisons/c.ply"))

	ids := func(path string) []string {
		t.Helper()
		w := ts.do(testutil.NewJSONRequest(t, http.MethodGet, path, nil, token))
		testutil.AssertStatusCode(t, w.Code, http.StatusOK)
		var list struct {
			Jobs []inspection.JobRecord `json:"jobs"`
		}
		testutil.DecodeJSON(t, w, &list)
		out := []string{}
		for _, j := range list.Jobs {
			out = append(out, j.JobID)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c"}, ids("/v1/jobs"))
	assert.Equal(t, []string{"b"}, ids("/v1/jobs?status=failed"))
	assert.Equal(t, []string{"b", "c"}, ids("/v1/jobs?status=failed,completed"))
	assert.Equal(t, []string{"a", "c"}, ids("/v1/jobs?status=queued&status=completed"))

	w := ts.do(testutil.NewJSONRequest(t, http.MethodGet, "/v1/jobs?status=lost", nil, token))
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestDeleteJob(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, ts.store.Create(ctx, inspection.NewJobRecord(descriptor("done"), epoch)))
	require.NoError(t, ts.store.MarkProcessing(ctx, "done"))
	require.NoError(t, ts.store.Fail(ctx, "done", "boom"))
	ts.do(testutil.NewJSONRequest(t, http.MethodPost, "/v1/jobs", descriptor("running"), token))

	w := ts.do(testutil.NewJSONRequest(t, http.MethodDelete, "/v1/jobs/running", nil, token))
	testutil.AssertStatusCode(t, w.Code, http.StatusConflict)

	w = ts.do(testutil.NewJSONRequest(t, http.MethodDelete, "/v1/jobs/done", nil, token))
	testutil.AssertStatusCode(t, w.Code, http.StatusNoContent)
	_, err := ts.store.Get(ctx, "done")
	assert.True(t, errors.Is(err, inspection.ErrNotFound))

	w = ts.do(testutil.NewJSONRequest(t, http.MethodDelete, "/v1/jobs/done", nil, token))
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

type fakeAdmin struct{ err error }

func (f fakeAdmin) AttachAdminRoutes(mux *http.ServeMux) error {
	mux.HandleFunc("/debug/ping", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("pong")) })
	return f.err
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t, fakeAdmin{})
	w := ts.do(testutil.NewJSONRequest(t, http.MethodGet, "/debug/ping", nil, ""))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "pong", w.Body.String())

	_, err := NewServer(Deps{Admin: fakeAdmin{err: errors.New("no tailsql")}}).Handler()
	assert.Error(t, err)
}

func TestRunShutsDownWithContext(t *testing.T) {
	q := inspection.NewQueueManager(inspection.RunnerFunc(func(context.Context, inspection.Descriptor) error { return nil }), nil)
	svc := inspection.NewService(inspection.NewMemoryStore(nil), q, nil, nil)
	srv := NewServer(Deps{Service: svc, Logger: testutil.QuietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
