package registration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// ErrNoConsensus is returned when no sampled correspondence set passes the
// geometric checks within the trial budget.
var ErrNoConsensus = errors.New("global registration found no valid correspondence set")

// GlobalOptions tunes RegisterGlobal. Zero values take the defaults from
// DefaultGlobalOptions.
type GlobalOptions struct {
	NormalRadiusFactor  float64 // normal radius = factor * voxel
	NormalMaxNN         int
	FeatureRadiusFactor float64 // descriptor radius = factor * voxel
	FeatureMaxNN        int
	DistanceFactor      float64 // inlier distance = factor * voxel
	EdgeLengthRatio     float64
	MaxIterations       int
	Confidence          float64
	MutualFilter        bool
	MaxTieCandidates    int

	Rand *rand.Rand
}

// DefaultGlobalOptions returns the registration defaults: normals from
// 2*voxel (30 neighbours), features from 5*voxel (100 neighbours), inliers
// within 1.5*voxel, edge-length ratio 0.9, 100000 trials at 0.999
// confidence with a mutual filter.
func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		NormalRadiusFactor:  2,
		NormalMaxNN:         30,
		FeatureRadiusFactor: 5,
		FeatureMaxNN:        100,
		DistanceFactor:      1.5,
		EdgeLengthRatio:     0.9,
		MaxIterations:       100000,
		Confidence:          0.999,
		MutualFilter:        true,
		MaxTieCandidates:    16,
	}
}

func (o GlobalOptions) withDefaults() GlobalOptions {
	d := DefaultGlobalOptions()
	if o.NormalRadiusFactor <= 0 {
		o.NormalRadiusFactor = d.NormalRadiusFactor
	}
	if o.NormalMaxNN <= 0 {
		o.NormalMaxNN = d.NormalMaxNN
	}
	if o.FeatureRadiusFactor <= 0 {
		o.FeatureRadiusFactor = d.FeatureRadiusFactor
	}
	if o.FeatureMaxNN <= 0 {
		o.FeatureMaxNN = d.FeatureMaxNN
	}
	if o.DistanceFactor <= 0 {
		o.DistanceFactor = d.DistanceFactor
	}
	if o.EdgeLengthRatio <= 0 || o.EdgeLengthRatio >= 1 {
		o.EdgeLengthRatio = d.EdgeLengthRatio
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.Confidence <= 0 || o.Confidence >= 1 {
		o.Confidence = d.Confidence
	}
	if o.MaxTieCandidates <= 0 {
		o.MaxTieCandidates = d.MaxTieCandidates
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(1))
	}
	return o
}

// Result is the outcome of a registration stage.
type Result struct {
	Transform geom.Transform
	// Fitness is the fraction of source points with a reference point
	// within the inlier distance.
	Fitness    float64
	InlierRMSE float64
	// Correspondences is the candidate pair count (global) or the final
	// inlier pair count (ICP).
	Correspondences int
	Iterations      int
}

// betterThan orders results by fitness, then by lower inlier RMSE.
func (r Result) betterThan(o Result) bool {
	return r.Fitness > o.Fitness || (r.Fitness == o.Fitness && r.InlierRMSE < o.InlierRMSE)
}

// ctxCheckInterval is the number of trials between cancellation checks.
const ctxCheckInterval = 1000

// RegisterGlobal estimates the coarse transform mapping source onto
// reference. Features for both clouds are computed concurrently. A RANSAC
// search over 3-point feature correspondences keeps the transform that
// agrees with the most correspondences, and the winner is refit on the
// point pairs it brings within the inlier distance. The reported fitness and
// RMSE are measured over all source points.
func RegisterGlobal(ctx context.Context, source, reference geom.PointCloud, voxel float64, opts GlobalOptions) (Result, error) {
	if voxel <= 0 {
		return Result{}, fmt.Errorf("register global: voxel size must be positive, got %v", voxel)
	}
	if source.Len() < 3 || reference.Len() < 3 {
		return Result{}, fmt.Errorf("register global: %w: need at least 3 points, have %d source and %d reference",
			ErrNoConsensus, source.Len(), reference.Len())
	}
	opts = opts.withDefaults()

	refIx := geom.NewIndex(reference.Points)
	var srcFeat, refFeat []Feature

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srcFeat = describe(source, geom.NewIndex(source.Points), voxel, opts)
		return gctx.Err()
	})
	g.Go(func() error {
		refFeat = describe(reference, refIx, voxel, opts)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	corres := matchFeatures(srcFeat, refFeat, opts.MutualFilter, opts.MaxTieCandidates, 9)
	if len(corres) < 3 {
		return Result{}, fmt.Errorf("register global: %w: %d correspondences", ErrNoConsensus, len(corres))
	}

	maxDist := opts.DistanceFactor * voxel
	var best consensus
	found := false
	limit := opts.MaxIterations
	sampleSrc := make([]r3.Vector, 3)
	sampleRef := make([]r3.Vector, 3)

	trials := 0
	for ; trials < limit; trials++ {
		if trials%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}

		a, b, c := sampleDistinct(opts.Rand, len(corres))
		for k, ci := range [3]int{a, b, c} {
			sampleSrc[k] = source.Points[corres[ci].Source]
			sampleRef[k] = reference.Points[corres[ci].Reference]
		}
		if !edgeLengthsAgree(sampleSrc, sampleRef, opts.EdgeLengthRatio) {
			continue
		}
		T, err := geom.EstimateRigid(sampleSrc, sampleRef)
		if err != nil {
			continue
		}
		if !withinDistance(T, sampleSrc, sampleRef, maxDist) {
			continue
		}

		cand := score(T, corres, source.Points, reference.Points, maxDist)
		if !found || cand.betterThan(best) {
			best = cand
			found = true
			ratio := float64(cand.inliers) / float64(len(corres))
			if k := requiredTrials(ratio, opts.Confidence, 3); k < limit {
				limit = k
			}
		}
	}
	if !found {
		return Result{}, fmt.Errorf("register global: %w after %d trials", ErrNoConsensus, trials)
	}

	res := evaluate(source.Points, refIx, best.transform, maxDist)
	if refit, ok := refitOnInliers(source.Points, reference.Points, refIx, best.transform, maxDist); ok {
		if r := evaluate(source.Points, refIx, refit, maxDist); !res.betterThan(r) {
			res = r
		}
	}
	res.Correspondences = len(corres)
	res.Iterations = trials
	return res, nil
}

// consensus scores a candidate transform by how many feature
// correspondences it maps within the inlier distance.
type consensus struct {
	transform geom.Transform
	inliers   int
	rmse      float64
}

func (c consensus) betterThan(o consensus) bool {
	return c.inliers > o.inliers || (c.inliers == o.inliers && c.rmse < o.rmse)
}

func score(T geom.Transform, corres []Correspondence, src, ref []r3.Vector, maxDist float64) consensus {
	c := consensus{transform: T}
	var sq float64
	for _, m := range corres {
		d := T.Apply(src[m.Source]).Distance(ref[m.Reference])
		if d <= maxDist {
			c.inliers++
			sq += d * d
		}
	}
	if c.inliers > 0 {
		c.rmse = math.Sqrt(sq / float64(c.inliers))
	}
	return c
}

func describe(cloud geom.PointCloud, ix *geom.Index, voxel float64, opts GlobalOptions) []Feature {
	withNormals := estimateNormalsWithIndex(cloud, ix, opts.NormalRadiusFactor*voxel, opts.NormalMaxNN)
	return computeFPFHWithIndex(withNormals, ix, opts.FeatureRadiusFactor*voxel, opts.FeatureMaxNN)
}

// requiredTrials is the RANSAC stopping bound log(1-p)/log(1-w^n).
func requiredTrials(fitness, confidence float64, n int) int {
	wn := math.Pow(fitness, float64(n))
	if wn >= 1 {
		return 0
	}
	if wn <= 0 {
		return math.MaxInt
	}
	k := math.Log(1-confidence) / math.Log(1-wn)
	if k >= float64(math.MaxInt32) {
		return math.MaxInt32
	}
	return int(math.Ceil(k))
}

// edgeLengthsAgree rejects samples whose pairwise edge lengths differ by
// more than the given similarity ratio between the two triples.
func edgeLengthsAgree(src, ref []r3.Vector, ratio float64) bool {
	for i := 0; i < len(src); i++ {
		for j := i + 1; j < len(src); j++ {
			ds := src[i].Distance(src[j])
			dr := ref[i].Distance(ref[j])
			if !(ds > ratio*dr && dr > ratio*ds) {
				return false
			}
		}
	}
	return true
}

func withinDistance(T geom.Transform, src, ref []r3.Vector, maxDist float64) bool {
	for i := range src {
		if T.Apply(src[i]).Distance(ref[i]) > maxDist {
			return false
		}
	}
	return true
}

// evaluate scores T by the nearest reference point of every transformed
// source point.
func evaluate(src []r3.Vector, ref *geom.Index, T geom.Transform, maxDist float64) Result {
	var inliers int
	var sq float64
	for _, p := range src {
		_, d := ref.Nearest(T.Apply(p))
		if d <= maxDist {
			inliers++
			sq += d * d
		}
	}
	res := Result{Transform: T, Correspondences: inliers}
	if len(src) > 0 {
		res.Fitness = float64(inliers) / float64(len(src))
	}
	if inliers > 0 {
		res.InlierRMSE = math.Sqrt(sq / float64(inliers))
	}
	return res
}

// refitOnInliers re-solves the transform over all inlier pairs of T.
func refitOnInliers(src, refPts []r3.Vector, ref *geom.Index, T geom.Transform, maxDist float64) (geom.Transform, bool) {
	var a, b []r3.Vector
	for _, p := range src {
		q := T.Apply(p)
		j, d := ref.Nearest(q)
		if j >= 0 && d <= maxDist {
			a = append(a, p)
			b = append(b, refPts[j])
		}
	}
	refit, err := geom.EstimateRigid(a, b)
	if err != nil {
		return T, false
	}
	return refit, true
}

// sampleDistinct draws three distinct indices in [0, n).
func sampleDistinct(rng *rand.Rand, n int) (int, int, int) {
	i := rng.Intn(n)
	j := rng.Intn(n - 1)
	if j >= i {
		j++
	}
	k := rng.Intn(n - 2)
	lo, hi := min(i, j), max(i, j)
	if k >= lo {
		k++
	}
	if k >= hi {
		k++
	}
	return i, j, k
}
