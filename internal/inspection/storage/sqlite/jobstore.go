// Package sqlite implements inspection.RecordStore on the SQLite database
// opened by internal/db.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/scaninspect/internal/analysis"
	"github.com/banshee-data/scaninspect/internal/inspection"
	"github.com/banshee-data/scaninspect/internal/timeutil"
)

const jobColumns = `job_id, scan_location, reference_location, status, progress,
	metrics_json, artifact_location, error_message, created_at, started_at, finished_at`

// JobStore persists job records in the inspection_jobs table.
type JobStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

var _ inspection.RecordStore = (*JobStore)(nil)

// NewJobStore returns a store over db, which must already be migrated.
// Timestamps come from clock, or the real clock when nil.
func NewJobStore(db *sql.DB, clock timeutil.Clock) *JobStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &JobStore{db: db, clock: clock}
}

func (s *JobStore) Create(ctx context.Context, rec *inspection.JobRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	metrics, err := encodeMetrics(rec.Metrics)
	if err != nil {
		return err
	}
	return retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO inspection_jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.JobID, rec.ScanLocation, rec.ReferenceLocation, int(rec.Status), rec.Progress,
			metrics, nullString(rec.ArtifactLocation), nullString(rec.ErrorMessage),
			created.UnixNano(), nullTime(rec.StartedAt), nullTime(rec.FinishedAt),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("create %s: %w", rec.JobID, inspection.ErrExists)
		}
		return err
	})
}

func (s *JobStore) Get(ctx context.Context, id string) (*inspection.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM inspection_jobs WHERE job_id = ?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, inspection.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return rec, nil
}

// update loads the record inside a transaction, applies fn and writes the
// mutable columns back.
func (s *JobStore) update(ctx context.Context, id string, fn func(*inspection.JobRecord) error) error {
	return retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rec, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM inspection_jobs WHERE job_id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update %s: %w", id, inspection.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		metrics, err := encodeMetrics(rec.Metrics)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE inspection_jobs
			SET status = ?, progress = ?, metrics_json = ?, artifact_location = ?,
				error_message = ?, started_at = ?, finished_at = ?
			WHERE job_id = ?`,
			int(rec.Status), rec.Progress, metrics, nullString(rec.ArtifactLocation),
			nullString(rec.ErrorMessage), nullTime(rec.StartedAt), nullTime(rec.FinishedAt), id,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *JobStore) MarkProcessing(ctx context.Context, id string) error {
	return s.update(ctx, id, func(r *inspection.JobRecord) error { return r.MarkProcessing(s.clock.Now()) })
}

func (s *JobStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	return s.update(ctx, id, func(r *inspection.JobRecord) error { return r.SetProgress(progress) })
}

func (s *JobStore) Complete(ctx context.Context, id string, metrics analysis.Metrics, artifact string) error {
	return s.update(ctx, id, func(r *inspection.JobRecord) error { return r.Complete(metrics, artifact, s.clock.Now()) })
}

func (s *JobStore) Fail(ctx context.Context, id string, reason string) error {
	return s.update(ctx, id, func(r *inspection.JobRecord) error { return r.Fail(reason, s.clock.Now()) })
}

func (s *JobStore) ListByStatus(ctx context.Context, statuses ...inspection.Status) ([]*inspection.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM inspection_jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, int(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*inspection.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	return retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM inspection_jobs WHERE job_id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("delete %s: %w", id, inspection.ErrNotFound)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*inspection.JobRecord, error) {
	var (
		rec                       inspection.JobRecord
		status                    int
		metrics, artifact, errMsg sql.NullString
		created                   int64
		started, finished         sql.NullInt64
	)
	if err := row.Scan(&rec.JobID, &rec.ScanLocation, &rec.ReferenceLocation, &status, &rec.Progress,
		&metrics, &artifact, &errMsg, &created, &started, &finished); err != nil {
		return nil, err
	}
	rec.Status = inspection.Status(status)
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("job %s has unknown status code %d", rec.JobID, status)
	}
	if metrics.Valid {
		var m analysis.Metrics
		if err := json.Unmarshal([]byte(metrics.String), &m); err != nil {
			return nil, fmt.Errorf("decode metrics of %s: %w", rec.JobID, err)
		}
		rec.Metrics = &m
	}
	rec.ArtifactLocation = artifact.String
	rec.ErrorMessage = errMsg.String
	rec.CreatedAt = fromUnixNano(created)
	if started.Valid {
		rec.StartedAt = fromUnixNano(started.Int64)
	}
	if finished.Valid {
		rec.FinishedAt = fromUnixNano(finished.Int64)
	}
	return &rec, nil
}

// encodeMetrics stores NaN statistics as JSON null.
func encodeMetrics(m *analysis.Metrics) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metrics: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
