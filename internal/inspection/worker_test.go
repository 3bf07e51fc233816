package inspection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scaninspect/internal/blobstore"
	"github.com/banshee-data/scaninspect/internal/config"
	"github.com/banshee-data/scaninspect/internal/converter"
	"github.com/banshee-data/scaninspect/internal/fsutil"
	"github.com/banshee-data/scaninspect/internal/geom"
	"github.com/banshee-data/scaninspect/internal/pointio"
	"github.com/banshee-data/scaninspect/internal/preprocess"
	"github.com/banshee-data/scaninspect/internal/testutil"
	"github.com/banshee-data/scaninspect/internal/timeutil"
)

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	fs     *fsutil.MemoryFileSystem
	blobs  blobstore.Store
	store  *MemoryStore
	clock  *timeutil.MockClock
	worker *Worker
}

func newFixture(t *testing.T, cfg *config.InspectionConfig) *fixture {
	t.Helper()
	f := &fixture{fs: fsutil.NewMemoryFileSystem(), clock: timeutil.NewMockClock(epoch)}
	f.blobs = blobstore.NewFSStore(f.fs, "/blobs")
	f.store = NewMemoryStore(f.clock)
	f.worker = f.newWorker(f.blobs, cfg)
	return f
}

func (f *fixture) newWorker(blobs blobstore.Store, cfg *config.InspectionConfig) *Worker {
	conv := converter.NewDispatcher(converter.NewMeshConverter(f.fs), nil)
	return NewWorker(f.store, blobs, conv, WorkerOptions{
		FS:      f.fs,
		WorkDir: "/work",
		Config:  cfg,
		Clock:   f.clock,
		Logger:  quietLogger(),
	})
}

func (f *fixture) putPLY(t *testing.T, key string, c geom.PointCloud) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pointio.WritePLY(&buf, c, pointio.PLYBinary))
	require.NoError(t, f.blobs.Put(context.Background(), key, &buf))
}

func (f *fixture) putXYZ(t *testing.T, key string, c geom.PointCloud) {
	t.Helper()
	var b strings.Builder
	b.WriteString("# reference points\n")
	for _, p := range c.Points {
		fmt.Fprintf(&b, "%.17g %.17g %.17g\n", p.X, p.Y, p.Z)
	}
	require.NoError(t, f.blobs.Put(context.Background(), key, strings.NewReader(b.String())))
}

func (f *fixture) create(t *testing.T, d Descriptor) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), NewJobRecord(d, f.clock.Now())))
}

func (f *fixture) record(t *testing.T, id string) *JobRecord {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// inspectionScene returns a reference part with no rigid self-symmetry (a
// box with a smaller block on one corner of its top) and a scan of that
// part, moved by a rigid motion, resting above a dense floor plane.
func inspectionScene(seed int64) (scan, reference geom.PointCloud) {
	rng := rand.New(rand.NewSource(seed))
	body := testutil.BoxSurface(rng, 500, 0.4, 0.3, 0.2)
	knob := testutil.BoxSurface(rng, 150, 0.1, 0.1, 0.1).Transformed(geom.Translation(r3.Vector{X: 0.3, Y: 0.2, Z: 0.2}))
	reference = geom.PointCloud{Points: append(append([]r3.Vector(nil), body.Points...), knob.Points...)}

	motion := geom.Mul(geom.Translation(r3.Vector{X: -0.2, Y: -0.1, Z: 0.1}), geom.RotationZ(math.Pi/6))
	object := reference.Transformed(motion)

	pts := make([]r3.Vector, 0, 1500+object.Len())
	for i := 0; i < 1500; i++ {
		pts = append(pts, r3.Vector{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1})
	}
	pts = append(pts, object.Points...)
	return geom.PointCloud{Points: pts}, reference
}

func sceneConfig() *config.InspectionConfig {
	cfg := config.EmptyConfig()
	voxel, seed := 0.02, int64(11)
	cfg.VoxelSizeFeatures = &voxel
	cfg.RandomSeed = &seed
	return cfg
}

func TestWorkerCompletesJob(t *testing.T) {
	f := newFixture(t, sceneConfig())
	scan, reference := inspectionScene(3)
	f.putPLY(t, "scans/part.ply", scan)
	f.putXYZ(t, "references/part.xyz", reference)

	d := Descriptor{JobID: "ok", ScanLocation: "scans/part.ply", ReferenceLocation: "references/part.xyz"}
	f.create(t, d)
	require.NoError(t, f.worker.Run(context.Background(), d))

	rec := f.record(t, "ok")
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Empty(t, rec.ErrorMessage)
	assert.Equal(t, blobstore.HeatmapKey("ok"), rec.ArtifactLocation)
	require.NotNil(t, rec.Metrics)
	m := rec.Metrics
	assert.Greater(t, m.PointCount, 500)
	assert.Less(t, m.Mean, 0.005)
	assert.Greater(t, m.PercentWithinTolerance, 90.0)
	assert.GreaterOrEqual(t, m.Max, m.Mean)

	for _, key := range blobstore.ArtifactKeys("ok") {
		ok, err := f.blobs.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
	rc, err := f.blobs.Get(context.Background(), rec.ArtifactLocation)
	require.NoError(t, err)
	heatmap, err := pointio.ReadPLY(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, m.PointCount, heatmap.Cloud.Len())
	assert.True(t, heatmap.Cloud.HasColors())

	// Two inputs and four artifacts; the workspace is gone.
	assert.Equal(t, 6, f.fs.Len())
}

func TestWorkerMissingReference(t *testing.T) {
	f := newFixture(t, nil)
	f.putPLY(t, "scans/a.ply", testutil.CubeCorners())
	d := Descriptor{JobID: "missing", ScanLocation: "scans/a.ply", ReferenceLocation: "references/none.stl"}
	f.create(t, d)

	err := f.worker.Run(context.Background(), d)
	require.Error(t, err)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageFetch, se.Stage)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	rec := f.record(t, "missing")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Nil(t, rec.Metrics)
	assert.Contains(t, rec.ErrorMessage, "references/none.stl")
	assert.Equal(t, 1, f.fs.Len(), "only the scan blob remains")
}

func TestWorkerEmptyScan(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.blobs.Put(context.Background(), "scans/empty.xyz", strings.NewReader("# no points\n")))
	f.putXYZ(t, "references/cube.xyz", testutil.CubeCorners())
	d := Descriptor{JobID: "empty", ScanLocation: "scans/empty.xyz", ReferenceLocation: "references/cube.xyz"}
	f.create(t, d)

	err := f.worker.Run(context.Background(), d)
	assert.ErrorIs(t, err, preprocess.ErrEmptyCloud)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StagePreprocess, se.Stage)

	rec := f.record(t, "empty")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, progressConverted, rec.Progress, "progress stops at the failed stage")
	assert.Nil(t, rec.Metrics)
	for _, key := range blobstore.ArtifactKeys("empty") {
		ok, _ := f.blobs.Exists(context.Background(), key)
		assert.False(t, ok, key)
	}
}

func TestWorkerPlanarScanEmptiesCloud(t *testing.T) {
	f := newFixture(t, nil)
	rng := rand.New(rand.NewSource(5))
	flat := make([]r3.Vector, 300)
	for i := range flat {
		flat[i] = r3.Vector{X: rng.Float64(), Y: rng.Float64()}
	}
	f.putPLY(t, "scans/flat.ply", geom.PointCloud{Points: flat})
	f.putXYZ(t, "references/cube.xyz", testutil.CubeCorners())
	d := Descriptor{JobID: "flat", ScanLocation: "scans/flat.ply", ReferenceLocation: "references/cube.xyz"}
	f.create(t, d)

	assert.ErrorIs(t, f.worker.Run(context.Background(), d), preprocess.ErrEmptyCloud)
	assert.Equal(t, StatusFailed, f.record(t, "flat").Status)
}

func TestWorkerUnsupportedReference(t *testing.T) {
	f := newFixture(t, nil)
	f.putPLY(t, "scans/a.ply", testutil.CubeCorners())
	require.NoError(t, f.blobs.Put(context.Background(), "references/part.step", strings.NewReader("ISO-10303-21;")))
	d := Descriptor{JobID: "step", ScanLocation: "scans/a.ply", ReferenceLocation: "references/part.step"}
	f.create(t, d)

	err := f.worker.Run(context.Background(), d)
	assert.ErrorIs(t, err, ErrConversion)
	assert.ErrorIs(t, err, converter.ErrUnsupportedReference)
	assert.Equal(t, StatusFailed, f.record(t, "step").Status)
}

func TestWorkerCancelled(t *testing.T) {
	f := newFixture(t, nil)
	d := Descriptor{JobID: "c", ScanLocation: "scans/a.ply", ReferenceLocation: "references/b.xyz"}
	f.create(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.worker.Run(ctx, d)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, f.record(t, "c").Status, "failure is recorded despite cancellation")
}

// failingPuts fails uploads whose key has the given suffix.
type failingPuts struct {
	blobstore.Store
	suffix string
}

func (s failingPuts) Put(ctx context.Context, key string, r io.Reader) error {
	if strings.HasSuffix(key, s.suffix) {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, key, r)
}

func TestWorkerPersistFailureLeavesNoArtifacts(t *testing.T) {
	f := newFixture(t, sceneConfig())
	scan, reference := inspectionScene(3)
	f.putPLY(t, "scans/part.ply", scan)
	f.putXYZ(t, "references/part.xyz", reference)
	worker := f.newWorker(failingPuts{Store: f.blobs, suffix: ".png"}, sceneConfig())

	d := Descriptor{JobID: "nospace", ScanLocation: "scans/part.ply", ReferenceLocation: "references/part.xyz"}
	f.create(t, d)
	err := worker.Run(context.Background(), d)
	assert.ErrorIs(t, err, ErrPersistence)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StagePersist, se.Stage)

	rec := f.record(t, "nospace")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Nil(t, rec.Metrics)
	assert.Equal(t, progressRefined, rec.Progress)
	for _, key := range blobstore.ArtifactKeys("nospace") {
		ok, _ := f.blobs.Exists(context.Background(), key)
		assert.False(t, ok, "partial artifact %s kept", key)
	}
}

func TestQueueWithWorkerDrainsFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.putPLY(t, "scans/a.ply", testutil.CubeCorners())
	q := NewQueueManager(f.worker, quietLogger())
	svc := NewService(f.store, q, f.clock, quietLogger())

	ctx := context.Background()
	_, err := svc.Submit(ctx, Descriptor{JobID: "j1", ScanLocation: "scans/a.ply", ReferenceLocation: "references/gone.stl"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, Descriptor{JobID: "j2", ScanLocation: "scans/a.ply", ReferenceLocation: "references/gone.stl"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("queue did not drain")
	}

	assert.Equal(t, 0, q.Size())
	assert.False(t, q.Busy())
	for _, id := range []string{"j1", "j2"} {
		assert.Equal(t, StatusFailed, f.record(t, id).Status, id)
	}
}

func TestLocationExt(t *testing.T) {
	assert.Equal(t, ".ply", locationExt("scans/a.PLY"))
	assert.Equal(t, ".stl", locationExt("https://bucket.example.com/refs/part.stl?X-Sig=abc.def"))
	assert.Equal(t, "", locationExt("references/noext"))
	assert.Equal(t, "https://h/x.ply", redactLocation("https://h/x.ply?token=secret"))
}
