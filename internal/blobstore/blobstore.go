// Package blobstore moves scan, reference and result files between the
// pipeline and wherever they live: a local directory tree or signed HTTP
// URLs.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/banshee-data/scaninspect/internal/security"
)

var (
	// ErrNotFound is returned when a location holds no blob.
	ErrNotFound = errors.New("blob not found")
	// ErrUnsupportedLocation is returned for locations no backend serves.
	ErrUnsupportedLocation = errors.New("unsupported blob location")
)

// Store reads and writes blobs by location. A location is a store key such
// as "scans/42.ply" or, for HTTP backends, a full URL.
type Store interface {
	Get(ctx context.Context, location string) (io.ReadCloser, error)
	Put(ctx context.Context, location string, r io.Reader) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, location string) error
	Exists(ctx context.Context, location string) (bool, error)
}

// Key layout shared by the worker, the cleaner and the API.
func ScanKey(jobID string) string {
	return "scans/" + security.SanitizeFilename(jobID) + ".ply"
}

func HeatmapKey(jobID string) string {
	return "comparisons/" + security.SanitizeFilename(jobID) + ".ply"
}

// ArtifactKeys lists every result blob a job may own, heatmap first.
func ArtifactKeys(jobID string) []string {
	base := "comparisons/" + security.SanitizeFilename(jobID)
	return []string{base + ".ply", base + ".asc", base + ".png", base + ".html"}
}

// IsRemote reports whether location is an http(s) URL.
func IsRemote(location string) bool {
	l := strings.ToLower(location)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// Router sends URL locations to Remote and everything else to Local.
type Router struct {
	Local  Store
	Remote Store
}

func (r *Router) pick(location string) (Store, error) {
	if IsRemote(location) {
		if r.Remote == nil {
			return nil, fmt.Errorf("%w: no http backend for %q", ErrUnsupportedLocation, location)
		}
		return r.Remote, nil
	}
	if r.Local == nil {
		return nil, fmt.Errorf("%w: no local backend for %q", ErrUnsupportedLocation, location)
	}
	return r.Local, nil
}

func (r *Router) Get(ctx context.Context, location string) (io.ReadCloser, error) {
	s, err := r.pick(location)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, location)
}

func (r *Router) Put(ctx context.Context, location string, body io.Reader) error {
	s, err := r.pick(location)
	if err != nil {
		return err
	}
	return s.Put(ctx, location, body)
}

func (r *Router) Delete(ctx context.Context, location string) error {
	s, err := r.pick(location)
	if err != nil {
		return err
	}
	return s.Delete(ctx, location)
}

func (r *Router) Exists(ctx context.Context, location string) (bool, error) {
	s, err := r.pick(location)
	if err != nil {
		return false, err
	}
	return s.Exists(ctx, location)
}
