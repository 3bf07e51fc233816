package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scaninspect/internal/inspection"
	"github.com/banshee-data/scaninspect/internal/testutil"
	"github.com/banshee-data/scaninspect/internal/timeutil"
)

// recorder is a Submitter that records descriptors and returns errs[id].
type recorder struct {
	mu   sync.Mutex
	got  []inspection.Descriptor
	errs map[string]error
}

func (r *recorder) Submit(_ context.Context, d inspection.Descriptor) (inspection.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[d.JobID]; err != nil {
		return inspection.Ack{}, err
	}
	r.got = append(r.got, d)
	return inspection.Ack{JobID: d.JobID, QueueDepth: len(r.got) - 1}, nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.got {
		out = append(out, d.JobID)
	}
	return out
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func descriptorJSON(id string) string {
	return fmt.Sprintf(`{"job_id": %q, "scan_location": "scans/%s.ply", "reference_location": "references/part.stl"}`, id, id)
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func TestScanProcessesInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "20240501-b.json", descriptorJSON("b"))
	writeFile(t, dir, "20240501-a.json", descriptorJSON("a"))
	writeFile(t, dir, "20240502-c.json", `{"scan_location": "s.ply", "reference_location": "r.stl"}`)
	writeFile(t, dir, "notes.txt", "ignored")

	rec := &recorder{}
	w := NewWatcher(dir, rec, Options{Logger: testutil.QuietLogger()})
	n, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "20240502-c"}, rec.ids(), "missing job_id defaults to the file name")

	for _, name := range []string{"20240501-a.accepted", "20240501-b.accepted", "20240502-c.accepted", "notes.txt"} {
		assert.True(t, exists(dir, name), name)
	}
	assert.False(t, exists(dir, "20240501-a.json"))

	n, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "processed files are not submitted again")
}

func TestScanRejectsBadDescriptors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.json", `{"job_id": `)
	writeFile(t, dir, "extra.json", `{"job_id": "x", "priority": 1}`)
	writeFile(t, dir, "dup.json", descriptorJSON("dup"))
	writeFile(t, dir, "later.json", descriptorJSON("later"))

	rec := &recorder{errs: map[string]error{
		"dup":   fmt.Errorf("create dup: %w", inspection.ErrExists),
		"later": inspection.ErrQueueClosed,
	}}
	w := NewWatcher(dir, rec, Options{Logger: testutil.QuietLogger()})
	n, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.True(t, exists(dir, "broken.rejected"))
	assert.True(t, exists(dir, "extra.rejected"))
	assert.True(t, exists(dir, "dup.rejected"))
	assert.True(t, exists(dir, "later.json"), "service errors leave the file for a retry")
}

func TestRunPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "existing.json", descriptorJSON("existing"))

	rec := &recorder{}
	w := NewWatcher(dir, rec, Options{Settle: 10 * time.Millisecond, Logger: testutil.QuietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return exists(dir, "existing.accepted") }, 5*time.Second, 10*time.Millisecond)

	// Write through a temp name and rename, the way producers should.
	tmp := filepath.Join(dir, ".incoming.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(descriptorJSON("fresh")), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "fresh.json")))

	require.Eventually(t, func() bool { return exists(dir, "fresh.accepted") }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"existing", "fresh"}, rec.ids())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunWaitsForSettle(t *testing.T) {
	dir := t.TempDir()
	clock := timeutil.NewMockClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	rec := &recorder{}
	w := NewWatcher(dir, rec, Options{Settle: time.Minute, Clock: clock, Logger: testutil.QuietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "slow.json", descriptorJSON("slow"))
	require.Eventually(t, func() bool { return clock.Pending() > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.ids(), "file is not read before it settles")

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return exists(dir, "slow.accepted") }, 5*time.Second, 10*time.Millisecond)
}

func TestReadDescriptorMissing(t *testing.T) {
	_, err := readDescriptor(filepath.Join(t.TempDir(), "gone.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestIsDescriptor(t *testing.T) {
	assert.True(t, isDescriptor("/spool/a.json"))
	assert.True(t, isDescriptor("B.JSON"))
	assert.False(t, isDescriptor("a.json.accepted"))
	assert.False(t, isDescriptor(".hidden.json"))
	assert.False(t, isDescriptor("a.yaml"))
}
