package inspection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/banshee-data/scaninspect/internal/blobstore"
	"github.com/banshee-data/scaninspect/internal/timeutil"
)

// ErrJobActive is returned when deleting a job that is queued or running.
var ErrJobActive = errors.New("job is still queued or processing")

// Cleaner deletes finished jobs together with their result blobs.
type Cleaner struct {
	store  RecordStore
	blobs  blobstore.Store
	queue  *QueueManager
	clock  timeutil.Clock
	logger *slog.Logger
}

// NewCleaner returns a cleaner. queue may be nil when no queue runs in
// this process.
func NewCleaner(store RecordStore, blobs blobstore.Store, queue *QueueManager, clock timeutil.Clock, logger *slog.Logger) *Cleaner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{store: store, blobs: blobs, queue: queue, clock: clock, logger: logger.With("component", "cleaner")}
}

// Delete removes the heatmap and report blobs of a terminal job, then its
// record.
func (c *Cleaner) Delete(ctx context.Context, id string) error {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Status.IsTerminal() || (c.queue != nil && c.queue.Contains(id)) {
		return fmt.Errorf("delete %s (%s): %w", id, rec.Status, ErrJobActive)
	}
	for _, key := range blobstore.ArtifactKeys(id) {
		if err := c.blobs.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s artifact %s: %w", id, key, err)
		}
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.logger.Info("job deleted", "job_id", id, "status", rec.Status.String())
	return nil
}

// Purge deletes every terminal job and returns how many were removed.
func (c *Cleaner) Purge(ctx context.Context) (int, error) {
	return c.purge(ctx, time.Time{})
}

// PurgeOlderThan deletes terminal jobs that finished more than age ago.
func (c *Cleaner) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return c.purge(ctx, c.clock.Now().Add(-age))
}

func (c *Cleaner) purge(ctx context.Context, cutoff time.Time) (int, error) {
	recs, err := c.store.ListByStatus(ctx, StatusCompleted, StatusFailed)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if !cutoff.IsZero() && !rec.FinishedAt.Before(cutoff) {
			continue
		}
		if err := c.Delete(ctx, rec.JobID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RunRetention purges jobs older than age every interval until ctx ends.
func (c *Cleaner) RunRetention(ctx context.Context, interval, age time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			n, err := c.PurgeOlderThan(ctx, age)
			if err != nil {
				c.logger.Warn("retention purge failed", "err", err)
				continue
			}
			if n > 0 {
				c.logger.Info("retention purge", "deleted", n, "older_than", age)
			}
		}
	}
}
