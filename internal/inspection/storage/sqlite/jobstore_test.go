package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/banshee-data/scaninspect/internal/db"
	"github.com/banshee-data/scaninspect/internal/inspection"
	"github.com/banshee-data/scaninspect/internal/inspection/inspectiontest"
	"github.com/banshee-data/scaninspect/internal/timeutil"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestJobStoreContract(t *testing.T) {
	inspectiontest.RunRecordStoreTests(t, func(t *testing.T, clock timeutil.Clock) inspection.RecordStore {
		return NewJobStore(setupTestDB(t).DB, clock)
	})
}

func TestJobStoreStatusCodes(t *testing.T) {
	d := setupTestDB(t)
	s := NewJobStore(d.DB, timeutil.NewMockClock(inspectiontest.Epoch))
	ctx := context.Background()

	rec := inspection.NewJobRecord(inspection.Descriptor{JobID: "j", ScanLocation: "s.ply", ReferenceLocation: "r.stl"}, inspectiontest.Epoch)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.MarkProcessing(ctx, "j"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := s.Fail(ctx, "j", "reference missing"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	var (
		status   int
		message  string
		started  int64
		metrics  *string
		artifact *string
	)
	err := d.QueryRow(`SELECT status, error_message, started_at, metrics_json, artifact_location FROM inspection_jobs WHERE job_id = 'j'`).
		Scan(&status, &message, &started, &metrics, &artifact)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != -1 {
		t.Errorf("status code = %d, want -1", status)
	}
	if message != "reference missing" {
		t.Errorf("error_message = %q", message)
	}
	if started != inspectiontest.Epoch.UnixNano() {
		t.Errorf("started_at = %d", started)
	}
	if metrics != nil || artifact != nil {
		t.Errorf("failed job kept metrics %v or artifact %v", metrics, artifact)
	}
}

func TestJobStoreRejectsUnknownStatus(t *testing.T) {
	d := setupTestDB(t)
	if _, err := d.Exec(`INSERT INTO inspection_jobs (job_id, scan_location, reference_location, status, created_at) VALUES ('x', 's', 'r', 7, 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := NewJobStore(d.DB, nil).Get(context.Background(), "x"); err == nil {
		t.Error("expected an error for status code 7")
	}
}

func TestJobStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	d1, err := db.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s1 := NewJobStore(d1.DB, nil)
	for _, id := range []string{"first", "second"} {
		rec := inspection.NewJobRecord(inspection.Descriptor{JobID: id, ScanLocation: "s.ply", ReferenceLocation: "r.stl"}, inspectiontest.Epoch)
		if err := s1.Create(ctx, rec); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	d1.Close()

	d2, err := db.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()
	queued, err := NewJobStore(d2.DB, nil).ListByStatus(ctx, inspection.StatusQueued)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(queued) != 2 || queued[0].JobID != "first" || queued[1].JobID != "second" {
		t.Errorf("queued after reopen = %v", queued)
	}
}
