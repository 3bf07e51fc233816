package inspection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/scaninspect/internal/analysis"
	"github.com/banshee-data/scaninspect/internal/timeutil"
)

var (
	ErrNotFound           = errors.New("job not found")
	ErrExists             = errors.New("job already exists")
	ErrTerminal           = errors.New("job is already in a terminal state")
	ErrProgressRegression = errors.New("job progress cannot decrease")
)

// RecordStore persists job records. Readers may call Get and ListByStatus
// at any time; while a job is processing its worker is the only writer.
// Every mutator except Delete refuses terminal records with ErrTerminal.
type RecordStore interface {
	Create(ctx context.Context, rec *JobRecord) error
	Get(ctx context.Context, id string) (*JobRecord, error)
	MarkProcessing(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	// Complete stores the metrics and artifact location and sets progress
	// to 100.
	Complete(ctx context.Context, id string, metrics analysis.Metrics, artifact string) error
	Fail(ctx context.Context, id string, reason string) error
	// ListByStatus returns matching records oldest first. No statuses means
	// every record.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*JobRecord, error)
	Delete(ctx context.Context, id string) error
}

// The transition methods below hold the lifecycle rules shared by every
// RecordStore implementation.

// MarkProcessing moves a queued record to processing at progress 0.
func (r *JobRecord) MarkProcessing(now time.Time) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("mark processing %s: %w", r.JobID, ErrTerminal)
	}
	r.Status = StatusProcessing
	r.Progress = 0
	r.StartedAt = now
	return nil
}

// SetProgress records stage progress in [0, 100]; it never decreases.
func (r *JobRecord) SetProgress(p int) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("update progress %s: %w", r.JobID, ErrTerminal)
	}
	if p < 0 || p > 100 {
		return fmt.Errorf("update progress %s: %d is outside [0, 100]", r.JobID, p)
	}
	if p < r.Progress {
		return fmt.Errorf("update progress %s from %d to %d: %w", r.JobID, r.Progress, p, ErrProgressRegression)
	}
	r.Progress = p
	return nil
}

// Complete finishes the record with its metrics and artifact.
func (r *JobRecord) Complete(m analysis.Metrics, artifact string, now time.Time) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("complete %s: %w", r.JobID, ErrTerminal)
	}
	r.Status = StatusCompleted
	r.Progress = 100
	r.Metrics = &m
	r.ArtifactLocation = artifact
	r.ErrorMessage = ""
	r.FinishedAt = now
	return nil
}

// Fail finishes the record with a reason and no metrics.
func (r *JobRecord) Fail(reason string, now time.Time) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("fail %s: %w", r.JobID, ErrTerminal)
	}
	r.Status = StatusFailed
	r.Metrics = nil
	r.ArtifactLocation = ""
	r.ErrorMessage = reason
	r.FinishedAt = now
	return nil
}

// MemoryStore is an in-memory RecordStore. Records are copied in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   timeutil.Clock
	records map[string]*JobRecord
	seq     map[string]int
	next    int
}

// NewMemoryStore returns an empty store stamping times from clock, or the
// real clock when nil.
func NewMemoryStore(clock timeutil.Clock) *MemoryStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &MemoryStore{
		clock:   clock,
		records: make(map[string]*JobRecord),
		seq:     make(map[string]int),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.JobID]; ok {
		return fmt.Errorf("create %s: %w", rec.JobID, ErrExists)
	}
	c := rec.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock.Now()
	}
	s.records[c.JobID] = c
	s.seq[c.JobID] = s.next
	s.next++
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

// update applies fn to the stored record under the write lock.
func (s *MemoryStore) update(ctx context.Context, id string, fn func(*JobRecord) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	c := rec.Clone()
	if err := fn(c); err != nil {
		return err
	}
	s.records[id] = c
	return nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, id string) error {
	return s.update(ctx, id, func(r *JobRecord) error { return r.MarkProcessing(s.clock.Now()) })
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	return s.update(ctx, id, func(r *JobRecord) error { return r.SetProgress(progress) })
}

func (s *MemoryStore) Complete(ctx context.Context, id string, metrics analysis.Metrics, artifact string) error {
	return s.update(ctx, id, func(r *JobRecord) error { return r.Complete(metrics, artifact, s.clock.Now()) })
}

func (s *MemoryStore) Fail(ctx context.Context, id string, reason string) error {
	return s.update(ctx, id, func(r *JobRecord) error { return r.Fail(reason, s.clock.Now()) })
}

func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*JobRecord
	for _, rec := range s.records {
		if len(want) == 0 || want[rec.Status] {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].JobID] < s.seq[out[j].JobID]
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(s.records, id)
	delete(s.seq, id)
	return nil
}
