// Package inspectiontest holds the behaviour every inspection.RecordStore
// must share, run against each implementation from its own tests.
package inspectiontest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/banshee-data/scaninspect/internal/analysis"
	"github.com/banshee-data/scaninspect/internal/inspection"
	"github.com/banshee-data/scaninspect/internal/timeutil"
)

// Epoch is the start time of the mock clock handed to store factories.
var Epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// NewStore builds an empty store whose timestamps come from clock.
type NewStore func(t *testing.T, clock timeutil.Clock) inspection.RecordStore

func descriptor(id string) inspection.Descriptor {
	return inspection.Descriptor{JobID: id, ScanLocation: "scans/" + id + ".ply", ReferenceLocation: "references/part.stl"}
}

func sampleMetrics() analysis.Metrics {
	return analysis.Metrics{Mean: 0.002, StdDev: 0.001, Min: 0, Max: 0.009, RMSE: 0.0025,
		PercentWithinTolerance: 97.5, PointCount: 4000, Tolerance: 0.01}
}

// RunRecordStoreTests exercises the lifecycle rules of a RecordStore.
func RunRecordStoreTests(t *testing.T, newStore NewStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		clock := timeutil.NewMockClock(Epoch)
		s := newStore(t, clock)
		rec := inspection.NewJobRecord(descriptor("a"), Epoch)
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := s.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Errorf("record mismatch (-want +got):\n%s", diff)
		}
		if err := s.Create(ctx, rec); !errors.Is(err, inspection.ErrExists) {
			t.Errorf("duplicate Create = %v, want ErrExists", err)
		}
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, inspection.ErrNotFound) {
			t.Errorf("Get(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("complete lifecycle", func(t *testing.T) {
		clock := timeutil.NewMockClock(Epoch)
		s := newStore(t, clock)
		mustCreate(t, s, "a")

		clock.Advance(time.Second)
		if err := s.MarkProcessing(ctx, "a"); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		for _, p := range []int{0, 20, 40, 40, 60, 80} {
			if err := s.UpdateProgress(ctx, "a", p); err != nil {
				t.Fatalf("UpdateProgress(%d): %v", p, err)
			}
		}
		if err := s.UpdateProgress(ctx, "a", 30); !errors.Is(err, inspection.ErrProgressRegression) {
			t.Errorf("UpdateProgress(30) = %v, want ErrProgressRegression", err)
		}
		if err := s.UpdateProgress(ctx, "a", 101); err == nil {
			t.Error("UpdateProgress(101) should fail")
		}

		clock.Advance(time.Minute)
		if err := s.Complete(ctx, "a", sampleMetrics(), "comparisons/a.ply"); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		got, err := s.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		want := inspection.NewJobRecord(descriptor("a"), Epoch)
		m := sampleMetrics()
		want.Status = inspection.StatusCompleted
		want.Progress = 100
		want.Metrics = &m
		want.ArtifactLocation = "comparisons/a.ply"
		want.StartedAt = Epoch.Add(time.Second)
		want.FinishedAt = Epoch.Add(time.Second + time.Minute)
		if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
			t.Errorf("completed record mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("terminal records refuse writes", func(t *testing.T) {
		clock := timeutil.NewMockClock(Epoch)
		s := newStore(t, clock)
		mustCreate(t, s, "done")
		mustCreate(t, s, "bad")
		if err := s.MarkProcessing(ctx, "done"); err != nil {
			t.Fatal(err)
		}
		if err := s.Complete(ctx, "done", sampleMetrics(), "comparisons/done.ply"); err != nil {
			t.Fatal(err)
		}
		if err := s.Fail(ctx, "bad", "registration failed"); err != nil {
			t.Fatal(err)
		}

		for _, id := range []string{"done", "bad"} {
			checks := map[string]error{
				"MarkProcessing": s.MarkProcessing(ctx, id),
				"UpdateProgress": s.UpdateProgress(ctx, id, 100),
				"Complete":       s.Complete(ctx, id, sampleMetrics(), "x"),
				"Fail":           s.Fail(ctx, id, "again"),
			}
			for op, err := range checks {
				if !errors.Is(err, inspection.ErrTerminal) {
					t.Errorf("%s(%s) = %v, want ErrTerminal", op, id, err)
				}
			}
		}

		bad, err := s.Get(ctx, "bad")
		if err != nil {
			t.Fatal(err)
		}
		if bad.Status != inspection.StatusFailed || bad.Metrics != nil || bad.ErrorMessage != "registration failed" {
			t.Errorf("failed record = %+v", bad)
		}

		if err := s.Delete(ctx, "bad"); err != nil {
			t.Errorf("Delete(terminal) = %v", err)
		}
		if _, err := s.Get(ctx, "bad"); !errors.Is(err, inspection.ErrNotFound) {
			t.Errorf("Get after Delete = %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, "bad"); !errors.Is(err, inspection.ErrNotFound) {
			t.Errorf("second Delete = %v, want ErrNotFound", err)
		}
	})

	t.Run("missing records", func(t *testing.T) {
		s := newStore(t, timeutil.NewMockClock(Epoch))
		for op, err := range map[string]error{
			"MarkProcessing": s.MarkProcessing(ctx, "nope"),
			"UpdateProgress": s.UpdateProgress(ctx, "nope", 10),
			"Complete":       s.Complete(ctx, "nope", sampleMetrics(), "x"),
			"Fail":           s.Fail(ctx, "nope", "x"),
		} {
			if !errors.Is(err, inspection.ErrNotFound) {
				t.Errorf("%s = %v, want ErrNotFound", op, err)
			}
		}
	})

	t.Run("list by status in creation order", func(t *testing.T) {
		clock := timeutil.NewMockClock(Epoch)
		s := newStore(t, clock)
		for _, id := range []string{"c1", "c2", "c3", "c4"} {
			clock.Advance(time.Second)
			rec := inspection.NewJobRecord(descriptor(id), clock.Now())
			if err := s.Create(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.MarkProcessing(ctx, "c2"); err != nil {
			t.Fatal(err)
		}
		if err := s.Fail(ctx, "c3", "x"); err != nil {
			t.Fatal(err)
		}

		ids := func(statuses ...inspection.Status) []string {
			recs, err := s.ListByStatus(ctx, statuses...)
			if err != nil {
				t.Fatalf("ListByStatus: %v", err)
			}
			out := []string{}
			for _, r := range recs {
				out = append(out, r.JobID)
			}
			return out
		}
		if diff := cmp.Diff([]string{"c1", "c4"}, ids(inspection.StatusQueued)); diff != "" {
			t.Errorf("queued (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"c2", "c3"}, ids(inspection.StatusProcessing, inspection.StatusFailed)); diff != "" {
			t.Errorf("processing+failed (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"c1", "c2", "c3", "c4"}, ids()); diff != "" {
			t.Errorf("all (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{}, ids(inspection.StatusCompleted)); diff != "" {
			t.Errorf("completed (-want +got):\n%s", diff)
		}
	})

	t.Run("metrics NaN survive", func(t *testing.T) {
		s := newStore(t, timeutil.NewMockClock(Epoch))
		mustCreate(t, s, "empty")
		nan := math.NaN()
		m := analysis.Metrics{Mean: nan, StdDev: nan, Min: nan, Max: nan, RMSE: nan, Tolerance: 0.01}
		if err := s.Complete(ctx, "empty", m, "comparisons/empty.ply"); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, "empty")
		if err != nil {
			t.Fatal(err)
		}
		if got.Metrics == nil || !math.IsNaN(got.Metrics.Mean) || got.Metrics.PercentWithinTolerance != 0 {
			t.Errorf("metrics = %+v", got.Metrics)
		}
	})
}

func mustCreate(t *testing.T, s inspection.RecordStore, id string) {
	t.Helper()
	if err := s.Create(context.Background(), inspection.NewJobRecord(descriptor(id), Epoch)); err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}
