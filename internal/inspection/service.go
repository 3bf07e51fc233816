package inspection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/banshee-data/scaninspect/internal/timeutil"
)

// Service is the submission front door shared by the HTTP API, the spool
// watcher and the CLI: it records a job as queued, then hands it to the
// queue.
type Service struct {
	store  RecordStore
	queue  *QueueManager
	clock  timeutil.Clock
	logger *slog.Logger
}

func NewService(store RecordStore, queue *QueueManager, clock timeutil.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, queue: queue, clock: clock, logger: logger}
}

func (s *Service) Store() RecordStore   { return s.store }
func (s *Service) Queue() *QueueManager { return s.queue }

// Submit validates d, persists a queued record and enqueues it. A job id
// that already exists is refused with ErrExists. If the queue has been shut
// down the record stays queued for Recover.
func (s *Service) Submit(ctx context.Context, d Descriptor) (Ack, error) {
	d.Normalize()
	if err := d.Validate(); err != nil {
		return Ack{}, err
	}
	if err := s.store.Create(ctx, NewJobRecord(d, s.clock.Now())); err != nil {
		return Ack{}, err
	}
	ack, err := s.queue.Submit(d)
	if err != nil {
		return Ack{JobID: d.JobID}, err
	}
	return ack, nil
}

// Get returns the record for id.
func (s *Service) Get(ctx context.Context, id string) (*JobRecord, error) {
	return s.store.Get(ctx, id)
}

// IsClientError reports whether err was caused by the submission itself
// rather than by the service.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDescriptor) || errors.Is(err, ErrExists)
}

// ErrInterrupted is the failure reason recorded for jobs that were
// processing when the previous process exited.
var ErrInterrupted = errors.New("interrupted by service restart")

// Recover restores the queue after a restart. Records left processing are
// failed with ErrInterrupted, since their partial work is gone; records
// still queued are resubmitted oldest first. It returns the number
// resubmitted.
func Recover(ctx context.Context, store RecordStore, queue *QueueManager, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stale, err := store.ListByStatus(ctx, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing jobs: %w", err)
	}
	for _, rec := range stale {
		if err := store.Fail(ctx, rec.JobID, ErrInterrupted.Error()); err != nil && !errors.Is(err, ErrTerminal) {
			return 0, fmt.Errorf("fail interrupted job %s: %w", rec.JobID, err)
		}
		logger.Warn("marked interrupted job failed", "job_id", rec.JobID)
	}

	queued, err := store.ListByStatus(ctx, StatusQueued)
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}
	n := 0
	for _, rec := range queued {
		if queue.Contains(rec.JobID) {
			continue
		}
		if _, err := queue.Submit(rec.Descriptor()); err != nil {
			return n, err
		}
		n++
	}
	if len(stale) > 0 || n > 0 {
		logger.Info("recovered jobs", "interrupted", len(stale), "resubmitted", n)
	}
	return n, nil
}
