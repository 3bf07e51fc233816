// Package spool turns JSON job descriptors dropped into a directory into
// submissions. Each processed file is renamed with an .accepted or
// .rejected extension so it is never submitted twice.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/scaninspect/internal/inspection"
	"github.com/banshee-data/scaninspect/internal/timeutil"
)

const (
	descriptorExt = ".json"
	acceptedExt   = ".accepted"
	rejectedExt   = ".rejected"

	maxDescriptorSize = 64 << 10
)

// Submitter accepts job descriptors. *inspection.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, d inspection.Descriptor) (inspection.Ack, error)
}

// Options configures a Watcher. Zero values take defaults.
type Options struct {
	// Settle is how long a file must sit after its last event before it
	// is read, so half-written descriptors are not picked up.
	Settle time.Duration
	// Rescan is the period of a full directory scan that catches events
	// the watcher dropped. Zero disables it.
	Rescan time.Duration
	Clock  timeutil.Clock
	Logger *slog.Logger
}

// Watcher submits descriptors from a spool directory.
type Watcher struct {
	dir    string
	sub    Submitter
	settle time.Duration
	rescan time.Duration
	clock  timeutil.Clock
	logger *slog.Logger

	ready chan string
	// pending holds files waiting out their settle delay. Only the Run
	// goroutine touches it.
	pending map[string]bool
}

func NewWatcher(dir string, sub Submitter, opts Options) *Watcher {
	w := &Watcher{
		dir:     dir,
		sub:     sub,
		settle:  opts.Settle,
		rescan:  opts.Rescan,
		clock:   opts.Clock,
		logger:  opts.Logger,
		ready:   make(chan string, 64),
		pending: make(map[string]bool),
	}
	if w.settle <= 0 {
		w.settle = 500 * time.Millisecond
	}
	if w.clock == nil {
		w.clock = timeutil.RealClock{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "spool", "dir", dir)
	return w
}

// Run watches the directory until ctx ends. Descriptors already present
// are submitted first, in file name order.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("ensure spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	if _, err := w.Scan(ctx); err != nil {
		w.logger.Warn("initial scan failed", "err", err)
	}
	w.logger.Info("watching spool directory")

	var rescan <-chan time.Time
	if w.rescan > 0 {
		t := w.clock.NewTicker(w.rescan)
		defer t.Stop()
		rescan = t.C()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) && isDescriptor(event.Name) {
				w.logger.Debug("fsnotify event", "op", event.Op.String(), "file", event.Name)
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "err", err)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.scanLogged(ctx)
			}
		case path := <-w.ready:
			delete(w.pending, path)
			w.process(ctx, path)
		case <-rescan:
			w.scanLogged(ctx)
		}
	}
}

// schedule queues path for processing once it has settled. Files already
// waiting are not scheduled twice.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if w.pending[path] {
		return
	}
	w.pending[path] = true
	after := w.clock.After(w.settle)
	go func() {
		select {
		case <-after:
			select {
			case w.ready <- path:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

func (w *Watcher) scanLogged(ctx context.Context) {
	if _, err := w.Scan(ctx); err != nil {
		w.logger.Warn("spool scan failed", "err", err)
	}
}

// Scan processes every descriptor in the directory in file name order and
// returns how many were accepted.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("read spool dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isDescriptor(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	accepted := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return accepted, ctx.Err()
		}
		if w.process(ctx, filepath.Join(w.dir, name)) {
			accepted++
		}
	}
	return accepted, nil
}

// process submits one descriptor file and reports whether it was accepted.
// Files that fail for reasons outside the submission itself stay in place
// to be retried by a later scan.
func (w *Watcher) process(ctx context.Context, path string) bool {
	log := w.logger.With("file", filepath.Base(path))
	d, err := readDescriptor(path)
	if errors.Is(err, os.ErrNotExist) {
		// Already handled by an earlier event or scan.
		return false
	}
	if err != nil {
		log.Warn("rejected descriptor", "err", err)
		w.finish(path, rejectedExt, log)
		return false
	}

	ack, err := w.sub.Submit(ctx, d)
	switch {
	case err == nil:
		log.Info("submitted job", "job_id", ack.JobID, "queue_depth", ack.QueueDepth)
		w.finish(path, acceptedExt, log)
		return true
	case inspection.IsClientError(err):
		log.Warn("rejected descriptor", "job_id", d.JobID, "err", err)
		w.finish(path, rejectedExt, log)
	default:
		log.Error("submit failed, will retry", "job_id", d.JobID, "err", err)
	}
	return false
}

func (w *Watcher) finish(path, ext string, log *slog.Logger) {
	dst := strings.TrimSuffix(path, filepath.Ext(path)) + ext
	if err := os.Rename(path, dst); err != nil {
		log.Error("failed to rename descriptor", "to", filepath.Base(dst), "err", err)
	}
}

// readDescriptor decodes a descriptor file. A missing job_id defaults to
// the file name without its extension.
func readDescriptor(path string) (inspection.Descriptor, error) {
	var d inspection.Descriptor
	f, err := os.Open(path)
	if err != nil {
		return d, err
	}
	defer f.Close()

	dec := json.NewDecoder(io.LimitReader(f, maxDescriptorSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return d, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(d.JobID) == "" {
		d.JobID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return d, nil
}

func isDescriptor(name string) bool {
	base := filepath.Base(name)
	return strings.EqualFold(filepath.Ext(base), descriptorExt) && !strings.HasPrefix(base, ".")
}
