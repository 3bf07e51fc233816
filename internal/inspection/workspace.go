package inspection

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/banshee-data/scaninspect/internal/blobstore"
	"github.com/banshee-data/scaninspect/internal/fsutil"
	"github.com/banshee-data/scaninspect/internal/security"
)

// Workspace is a job's private scratch directory. It is never shared
// between jobs and Release removes it with everything inside.
type Workspace struct {
	fs  fsutil.FileSystem
	dir string
}

// NewWorkspace creates a fresh directory under parent for jobID.
func NewWorkspace(fsys fsutil.FileSystem, parent, jobID string) (*Workspace, error) {
	if err := fsys.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace parent: %w", err)
	}
	dir, err := fsys.MkdirTemp(parent, "job-"+security.SanitizeFilename(jobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{fs: fsys, dir: dir}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// Path returns the workspace path of a file name.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, filepath.Base(name))
}

// Fetch copies the blob at location into the workspace as base plus the
// location's extension, and returns the local path.
func (w *Workspace) Fetch(ctx context.Context, store blobstore.Store, location, base string) (string, error) {
	rc, err := store.Get(ctx, location)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	local := w.Path(base + locationExt(location))
	f, err := w.fs.Create(local)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Base(local), err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", fmt.Errorf("download %s: %w", redactLocation(location), err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write %s: %w", filepath.Base(local), err)
	}
	return local, nil
}

// Release deletes the workspace. It is safe to call more than once.
func (w *Workspace) Release() error {
	if w == nil || w.dir == "" {
		return nil
	}
	err := w.fs.RemoveAll(w.dir)
	w.dir = ""
	return err
}

// locationExt returns the lower-cased file extension of a blob key or URL
// path, ignoring any query string.
func locationExt(location string) string {
	p := location
	if blobstore.IsRemote(location) {
		if u, err := url.Parse(location); err == nil {
			p = u.Path
		}
	}
	return strings.ToLower(path.Ext(p))
}

// redactLocation drops query strings, which carry signatures on signed URLs.
func redactLocation(location string) string {
	if i := strings.IndexByte(location, '?'); i >= 0 {
		return location[:i]
	}
	return location
}
