package inspection

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scaninspect/internal/analysis"
	"github.com/banshee-data/scaninspect/internal/blobstore"
	"github.com/banshee-data/scaninspect/internal/fsutil"
	"github.com/banshee-data/scaninspect/internal/timeutil"
)

type cleanerFixture struct {
	clock *timeutil.MockClock
	store *MemoryStore
	blobs *blobstore.FSStore
	fs    *fsutil.MemoryFileSystem
}

func newCleanerFixture() *cleanerFixture {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(epoch)
	return &cleanerFixture{clock: clock, store: NewMemoryStore(clock), blobs: blobstore.NewFSStore(fs, "/blobs"), fs: fs}
}

// finished creates a job and drives it to a terminal state, writing its
// artifacts when it completes.
func (f *cleanerFixture) finished(t *testing.T, id string, ok bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, NewJobRecord(Descriptor{JobID: id, ScanLocation: "s.ply", ReferenceLocation: "r.stl"}, f.clock.Now())))
	require.NoError(t, f.store.MarkProcessing(ctx, id))
	if !ok {
		require.NoError(t, f.store.Fail(ctx, id, "boom"))
		return
	}
	for _, key := range blobstore.ArtifactKeys(id) {
		require.NoError(t, f.blobs.Put(ctx, key, strings.NewReader(key)))
	}
	require.NoError(t, f.store.Complete(ctx, id, analysis.Metrics{PointCount: 3}, blobstore.HeatmapKey(id)))
}

func TestCleanerDelete(t *testing.T) {
	f := newCleanerFixture()
	ctx := context.Background()
	f.finished(t, "done", true)
	require.NoError(t, f.store.Create(ctx, NewJobRecord(Descriptor{JobID: "waiting", ScanLocation: "s.ply", ReferenceLocation: "r.stl"}, epoch)))
	c := NewCleaner(f.store, f.blobs, nil, f.clock, quietLogger())

	assert.ErrorIs(t, c.Delete(ctx, "waiting"), ErrJobActive)
	assert.ErrorIs(t, c.Delete(ctx, "nope"), ErrNotFound)

	require.Equal(t, 4, f.fs.Len())
	require.NoError(t, c.Delete(ctx, "done"))
	assert.Equal(t, 0, f.fs.Len())
	_, err := f.store.Get(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanerRefusesJobInQueue(t *testing.T) {
	f := newCleanerFixture()
	ctx := context.Background()
	f.finished(t, "again", false)

	r := newGatedRunner("busy")
	q := NewQueueManager(r, nil)
	_, err := q.Submit(Descriptor{JobID: "busy", ScanLocation: "s", ReferenceLocation: "r"})
	require.NoError(t, err)
	_, err = q.Submit(Descriptor{JobID: "again", ScanLocation: "s", ReferenceLocation: "r"})
	require.NoError(t, err)

	c := NewCleaner(f.store, f.blobs, q, f.clock, nil)
	assert.ErrorIs(t, c.Delete(ctx, "again"), ErrJobActive)

	r.release("busy")
	q.Wait()
	assert.NoError(t, c.Delete(ctx, "again"))
}

func TestCleanerPurge(t *testing.T) {
	f := newCleanerFixture()
	ctx := context.Background()
	f.finished(t, "old", true)
	f.clock.Advance(48 * time.Hour)
	f.finished(t, "recent", false)
	require.NoError(t, f.store.Create(ctx, NewJobRecord(Descriptor{JobID: "queued", ScanLocation: "s.ply", ReferenceLocation: "r.stl"}, f.clock.Now())))
	c := NewCleaner(f.store, f.blobs, nil, f.clock, quietLogger())

	n, err := c.PurgeOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.Get(ctx, "recent")
	assert.NoError(t, err)

	n, err = c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := f.store.ListByStatus(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "queued", left[0].JobID)
}

func TestCleanerRunRetention(t *testing.T) {
	f := newCleanerFixture()
	f.finished(t, "stale", true)
	c := NewCleaner(f.store, f.blobs, nil, f.clock, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunRetention(ctx, time.Hour, 2*time.Hour)
		close(done)
	}()

	// The ticker may not be registered yet; keep advancing until the sweep
	// has removed the record.
	require.Eventually(t, func() bool {
		f.clock.Advance(time.Hour)
		_, err := f.store.Get(context.Background(), "stale")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.fs.Len())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunRetention did not stop")
	}
}
