// Package inspection runs scan-versus-reference jobs: the record lifecycle,
// the pipeline worker that executes one job, and the FIFO queue that runs
// them one at a time.
package inspection

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scaninspect/internal/analysis"
	"github.com/banshee-data/scaninspect/internal/security"
)

// Status is the lifecycle state of a job. The integer values are the codes
// persisted in the record store.
type Status int

const (
	StatusFailed     Status = -1
	StatusQueued     Status = 0
	StatusProcessing Status = 1
	StatusCompleted  Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	return s >= StatusFailed && s <= StatusCompleted
}

// ParseStatus accepts a status name or its numeric code.
func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "queued", "0":
		return StatusQueued, nil
	case "processing", "1":
		return StatusProcessing, nil
	case "completed", "done", "2":
		return StatusCompleted, nil
	case "failed", "error", "-1":
		return StatusFailed, nil
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ErrInvalidDescriptor is returned for submissions missing a required field.
var ErrInvalidDescriptor = errors.New("invalid job descriptor")

// Descriptor is a job submission.
type Descriptor struct {
	JobID             string `json:"job_id"`
	ScanLocation      string `json:"scan_location"`
	ReferenceLocation string `json:"reference_location"`
}

// Normalize trims the fields and assigns a fresh job id when none was given.
func (d *Descriptor) Normalize() {
	d.JobID = strings.TrimSpace(d.JobID)
	d.ScanLocation = strings.TrimSpace(d.ScanLocation)
	d.ReferenceLocation = strings.TrimSpace(d.ReferenceLocation)
	if d.JobID == "" {
		d.JobID = uuid.NewString()
	}
}

// Validate requires every field. Job ids name blob keys and workspace
// directories, so they are limited to letters, digits, '-', '_' and '.'.
func (d Descriptor) Validate() error {
	switch {
	case d.JobID == "":
		return fmt.Errorf("%w: job_id is required", ErrInvalidDescriptor)
	case len(d.JobID) > 128 || security.SanitizeFilename(d.JobID) != d.JobID:
		return fmt.Errorf("%w: job_id %q has unsupported characters", ErrInvalidDescriptor, d.JobID)
	case d.ScanLocation == "":
		return fmt.Errorf("%w: scan_location is required", ErrInvalidDescriptor)
	case d.ReferenceLocation == "":
		return fmt.Errorf("%w: reference_location is required", ErrInvalidDescriptor)
	}
	return nil
}

// JobRecord is the persisted state of one job. Metrics and
// ArtifactLocation are set only on completion; ErrorMessage only on
// failure.
type JobRecord struct {
	JobID             string            `json:"job_id"`
	ScanLocation      string            `json:"scan_location"`
	ReferenceLocation string            `json:"reference_location"`
	Status            Status            `json:"status"`
	Progress          int               `json:"progress"`
	Metrics           *analysis.Metrics `json:"metrics,omitempty"`
	ArtifactLocation  string            `json:"artifact_location,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         time.Time         `json:"started_at,omitzero"`
	FinishedAt        time.Time         `json:"finished_at,omitzero"`
}

// NewJobRecord returns a queued record for d.
func NewJobRecord(d Descriptor, now time.Time) *JobRecord {
	return &JobRecord{
		JobID:             d.JobID,
		ScanLocation:      d.ScanLocation,
		ReferenceLocation: d.ReferenceLocation,
		Status:            StatusQueued,
		CreatedAt:         now,
	}
}

// Descriptor returns the submission the record was created from.
func (r *JobRecord) Descriptor() Descriptor {
	return Descriptor{JobID: r.JobID, ScanLocation: r.ScanLocation, ReferenceLocation: r.ReferenceLocation}
}

// Clone returns a deep copy.
func (r *JobRecord) Clone() *JobRecord {
	c := *r
	if r.Metrics != nil {
		m := *r.Metrics
		c.Metrics = &m
	}
	return &c
}
