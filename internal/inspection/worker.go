package inspection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scaninspect/internal/analysis"
	"github.com/banshee-data/scaninspect/internal/blobstore"
	"github.com/banshee-data/scaninspect/internal/config"
	"github.com/banshee-data/scaninspect/internal/converter"
	"github.com/banshee-data/scaninspect/internal/fsutil"
	"github.com/banshee-data/scaninspect/internal/geom"
	"github.com/banshee-data/scaninspect/internal/pointio"
	"github.com/banshee-data/scaninspect/internal/preprocess"
	"github.com/banshee-data/scaninspect/internal/registration"
	"github.com/banshee-data/scaninspect/internal/timeutil"
)

// Stage names a pipeline step in errors and logs.
type Stage string

const (
	StageFetch      Stage = "fetch"
	StageConvert    Stage = "convert"
	StagePreprocess Stage = "preprocess"
	StageRegister   Stage = "register"
	StageRefine     Stage = "refine"
	StageAnalyze    Stage = "analyze"
	StagePersist    Stage = "persist"
)

// Error classes. Geometric failures keep the sentinels of the algorithm
// packages (preprocess.ErrEmptyCloud, registration.ErrNoConsensus, ...).
var (
	ErrTransport   = errors.New("transport error")
	ErrConversion  = errors.New("conversion error")
	ErrPersistence = errors.New("persistence error")
)

// StageError is the error returned by Worker.Run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return string(e.Stage) + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, class, err error) error {
	if class != nil {
		err = fmt.Errorf("%w: %w", class, err)
	}
	return &StageError{Stage: stage, Err: err}
}

// Progress reported after each stage.
const (
	progressConverted  = 20
	progressCleaned    = 40
	progressRegistered = 60
	progressRefined    = 80
)

// Runner executes one job. The queue treats every outcome alike.
type Runner interface {
	Run(ctx context.Context, d Descriptor) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, d Descriptor) error

func (f RunnerFunc) Run(ctx context.Context, d Descriptor) error { return f(ctx, d) }

// WorkerOptions configures a Worker. Zero values take defaults.
type WorkerOptions struct {
	FS      fsutil.FileSystem
	WorkDir string
	Config  *config.InspectionConfig
	Clock   timeutil.Clock
	Logger  *slog.Logger
}

// Worker runs the inspection pipeline for a single job: fetch, convert,
// preprocess, register, refine, analyze, persist.
type Worker struct {
	store RecordStore
	blobs blobstore.Store
	conv  converter.Converter

	fs      fsutil.FileSystem
	workDir string
	cfg     *config.InspectionConfig
	clock   timeutil.Clock
	logger  *slog.Logger
}

func NewWorker(store RecordStore, blobs blobstore.Store, conv converter.Converter, opts WorkerOptions) *Worker {
	w := &Worker{
		store:   store,
		blobs:   blobs,
		conv:    conv,
		fs:      opts.FS,
		workDir: opts.WorkDir,
		cfg:     opts.Config,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
	if w.fs == nil {
		w.fs = fsutil.OSFileSystem{}
	}
	if w.workDir == "" {
		w.workDir = os.TempDir()
	}
	if w.cfg == nil {
		w.cfg = config.EmptyConfig()
	}
	if w.clock == nil {
		w.clock = timeutil.RealClock{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "worker")
	return w
}

// Run executes the job described by d. On any failure the record is marked
// Failed with the error text, no metrics or heatmap are kept, and the
// *StageError is returned. The workspace is released on every path.
func (w *Worker) Run(ctx context.Context, d Descriptor) error {
	log := w.logger.With("job_id", d.JobID)
	start := w.clock.Now()

	m, err := w.run(ctx, d, log)
	if err != nil {
		// Record the failure even when ctx was cancelled by shutdown.
		if ferr := w.store.Fail(context.WithoutCancel(ctx), d.JobID, err.Error()); ferr != nil {
			log.Error("failed to record job failure", "err", ferr)
		}
		var se *StageError
		var stage Stage
		if errors.As(err, &se) {
			stage = se.Stage
		}
		log.Error("job failed", "stage", stage, "err", err, "elapsed", w.clock.Since(start))
		return err
	}

	log.Info("job completed",
		"points", m.PointCount,
		"mean", m.Mean,
		"max", m.Max,
		"within_tolerance_pct", m.PercentWithinTolerance,
		"elapsed", w.clock.Since(start))
	return nil
}

func (w *Worker) run(ctx context.Context, d Descriptor, log *slog.Logger) (analysis.Metrics, error) {
	var none analysis.Metrics
	if err := w.store.MarkProcessing(ctx, d.JobID); err != nil {
		return none, stageErr(StageFetch, ErrPersistence, err)
	}

	ws, err := NewWorkspace(w.fs, w.workDir, d.JobID)
	if err != nil {
		return none, stageErr(StageFetch, nil, err)
	}
	defer func() {
		if err := ws.Release(); err != nil {
			log.Warn("failed to release workspace", "dir", ws.Dir(), "err", err)
		}
	}()

	// fetch
	if err := ctx.Err(); err != nil {
		return none, stageErr(StageFetch, nil, err)
	}
	var scanPath, refPath string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := ws.Fetch(gctx, w.blobs, d.ScanLocation, "scan")
		if err != nil {
			return fmt.Errorf("scan %s: %w", redactLocation(d.ScanLocation), err)
		}
		scanPath = p
		return nil
	})
	g.Go(func() error {
		p, err := ws.Fetch(gctx, w.blobs, d.ReferenceLocation, "reference")
		if err != nil {
			return fmt.Errorf("reference %s: %w", redactLocation(d.ReferenceLocation), err)
		}
		refPath = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return none, stageErr(StageFetch, ErrTransport, err)
	}
	log.Debug("inputs fetched", "scan", scanPath, "reference", refPath)

	// convert
	if err := ctx.Err(); err != nil {
		return none, stageErr(StageConvert, nil, err)
	}
	ref, err := w.conv.Convert(ctx, refPath, w.cfg.GetTessellationTolerance())
	if err != nil {
		return none, stageErr(StageConvert, ErrConversion, err)
	}
	if err := w.progress(ctx, d.JobID, progressConverted); err != nil {
		return none, stageErr(StageConvert, ErrPersistence, err)
	}
	log.Debug("reference converted", "points", ref.Cloud.Len(), "triangles", len(ref.Triangles))

	// preprocess
	if err := ctx.Err(); err != nil {
		return none, stageErr(StagePreprocess, nil, err)
	}
	seed := w.seed()
	scan, err := w.loadScan(scanPath)
	if err != nil {
		return none, stageErr(StagePreprocess, nil, err)
	}
	cleaned, stats, err := preprocess.SegmentAndClean(scan, w.preprocessOptions(rand.New(rand.NewSource(seed))))
	if err != nil {
		return none, stageErr(StagePreprocess, nil, err)
	}
	if err := w.progress(ctx, d.JobID, progressCleaned); err != nil {
		return none, stageErr(StagePreprocess, ErrPersistence, err)
	}
	log.Debug("scan cleaned", "input", stats.Input, "plane_inliers", stats.PlaneInliers,
		"outliers", stats.OutliersRemoved, "output", stats.Output)

	// register
	if err := ctx.Err(); err != nil {
		return none, stageErr(StageRegister, nil, err)
	}
	global, err := registration.RegisterGlobal(ctx, cleaned, ref.Cloud, w.cfg.GetVoxelSizeFeatures(), w.globalOptions(rand.New(rand.NewSource(seed+1))))
	if err != nil {
		return none, stageErr(StageRegister, nil, err)
	}
	if err := w.progress(ctx, d.JobID, progressRegistered); err != nil {
		return none, stageErr(StageRegister, ErrPersistence, err)
	}
	log.Debug("global registration", "fitness", global.Fitness, "rmse", global.InlierRMSE, "trials", global.Iterations)

	// refine
	if err := ctx.Err(); err != nil {
		return none, stageErr(StageRefine, nil, err)
	}
	refined, err := registration.RefineICP(ctx, cleaned, ref.Cloud, global.Transform, w.cfg.GetICPThreshold(),
		registration.ICPOptions{MaxIterations: w.cfg.GetICPMaxIterations()})
	if err != nil {
		return none, stageErr(StageRefine, nil, err)
	}
	if err := w.progress(ctx, d.JobID, progressRefined); err != nil {
		return none, stageErr(StageRefine, ErrPersistence, err)
	}
	log.Debug("icp refinement", "fitness", refined.Fitness, "rmse", refined.InlierRMSE, "iterations", refined.Iterations)

	// analyze
	if err := ctx.Err(); err != nil {
		return none, stageErr(StageAnalyze, nil, err)
	}
	mode, err := analysis.ParseMode(w.cfg.GetDistanceMode())
	if err != nil {
		return none, stageErr(StageAnalyze, nil, err)
	}
	result := analysis.Analyze(cleaned, ref, refined.Transform, w.cfg.GetAnalysisTolerance(), analysis.Options{Mode: mode})

	// persist
	if err := ctx.Err(); err != nil {
		return none, stageErr(StagePersist, nil, err)
	}
	artifact, err := w.persist(ctx, d.JobID, result)
	if err != nil {
		return none, stageErr(StagePersist, ErrPersistence, err)
	}
	if err := w.store.Complete(ctx, d.JobID, result.Metrics, artifact); err != nil {
		w.discardArtifacts(d.JobID, log)
		return none, stageErr(StagePersist, ErrPersistence, err)
	}
	return result.Metrics, nil
}

func (w *Worker) progress(ctx context.Context, id string, p int) error {
	return w.store.UpdateProgress(ctx, id, p)
}

func (w *Worker) seed() int64 {
	if s := w.cfg.GetRandomSeed(); s != 0 {
		return s
	}
	return w.clock.Now().UnixNano()
}

func (w *Worker) loadScan(path string) (geom.PointCloud, error) {
	f, err := w.fs.Open(path)
	if err != nil {
		return geom.PointCloud{}, err
	}
	defer f.Close()
	mesh, err := pointio.Decode(path, f)
	if err != nil {
		return geom.PointCloud{}, fmt.Errorf("decode scan: %w", err)
	}
	return mesh.Cloud, nil
}

func (w *Worker) preprocessOptions(rng *rand.Rand) preprocess.Options {
	return preprocess.Options{
		PlaneDistance:         w.cfg.GetPlaneDistanceThreshold(),
		PlaneIterations:       w.cfg.GetPlaneIterations(),
		OutlierNeighbors:      w.cfg.GetOutlierNbNeighbors(),
		OutlierStdRatio:       w.cfg.GetOutlierStdRatio(),
		DownsampleVoxel:       w.cfg.GetDownsampleVoxel(),
		IsolateLargestCluster: w.cfg.GetIsolateLargestCluster(),
		Cluster: preprocess.DBSCANParams{
			Eps:    w.cfg.GetClusterEps(),
			MinPts: w.cfg.GetClusterMinPoints(),
		},
		Rand: rng,
	}
}

func (w *Worker) globalOptions(rng *rand.Rand) registration.GlobalOptions {
	o := registration.DefaultGlobalOptions()
	o.MaxIterations = w.cfg.GetRANSACMaxIterations()
	o.Confidence = w.cfg.GetRANSACConfidence()
	o.Rand = rng
	return o
}

// persist uploads the heatmap and, when enabled, the report artifacts. It
// returns the heatmap location. A failed upload removes whatever was
// already written.
func (w *Worker) persist(ctx context.Context, jobID string, r analysis.Result) (string, error) {
	keys := blobstore.ArtifactKeys(jobID)
	writers := []func(io.Writer) error{
		func(b io.Writer) error { return pointio.WritePLY(b, r.Heatmap, pointio.PLYBinary) },
	}
	if w.cfg.GetWriteReports() && len(r.Deviations) > 0 {
		writers = append(writers,
			func(b io.Writer) error { return pointio.WriteASC(b, r.Heatmap, r.Deviations) },
			func(b io.Writer) error { return analysis.WriteHistogramPNG(b, r.Deviations, r.Metrics.Tolerance) },
			func(b io.Writer) error { return analysis.WriteHTMLReport(b, "Inspection "+jobID, r.Metrics, r.Deviations) },
		)
	}

	for i, write := range writers {
		var buf bytes.Buffer
		if err := write(&buf); err != nil {
			w.discardArtifacts(jobID, w.logger)
			return "", fmt.Errorf("encode %s: %w", keys[i], err)
		}
		if err := w.blobs.Put(ctx, keys[i], &buf); err != nil {
			w.discardArtifacts(jobID, w.logger)
			return "", fmt.Errorf("upload %s: %w", keys[i], err)
		}
	}
	return keys[0], nil
}

// discardArtifacts removes every result blob of a job, best effort.
func (w *Worker) discardArtifacts(jobID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range blobstore.ArtifactKeys(jobID) {
		if err := w.blobs.Delete(ctx, key); err != nil {
			log.Warn("failed to remove artifact", "key", key, "err", err)
		}
	}
}
