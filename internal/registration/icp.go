package registration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// ErrInsufficientCorrespondences is returned when ICP starts with fewer than
// three source points inside the correspondence threshold.
var ErrInsufficientCorrespondences = errors.New("too few correspondences to refine")

// ICPOptions holds the refinement convergence criteria. Iteration stops
// once both fitness and inlier RMSE change by less than their relative
// tolerances (change divided by the previous value), or after
// MaxIterations.
type ICPOptions struct {
	MaxIterations   int
	RelativeFitness float64
	RelativeRMSE    float64
}

// fixedPointEps is the increment size, in radians and scan units, below
// which ICP stops regardless of the tolerances.
const fixedPointEps = 1e-12

// DefaultICPOptions returns 2000 iterations with 1e-6 tolerances.
func DefaultICPOptions() ICPOptions {
	return ICPOptions{
		MaxIterations:   2000,
		RelativeFitness: 1e-6,
		RelativeRMSE:    1e-6,
	}
}

func (o ICPOptions) withDefaults() ICPOptions {
	d := DefaultICPOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.RelativeFitness <= 0 {
		o.RelativeFitness = d.RelativeFitness
	}
	if o.RelativeRMSE <= 0 {
		o.RelativeRMSE = d.RelativeRMSE
	}
	return o
}

// RefineICP runs point-to-point ICP from init and returns the accumulated
// transform. Reaching MaxIterations is not an error.
func RefineICP(ctx context.Context, source, reference geom.PointCloud, init geom.Transform, threshold float64, opts ICPOptions) (Result, error) {
	if threshold <= 0 {
		return Result{}, fmt.Errorf("refine icp: threshold must be positive, got %v", threshold)
	}
	opts = opts.withDefaults()
	refIx := geom.NewIndex(reference.Points)

	T := init
	moved := source.Transformed(init).Points
	src, dst, res := correspond(moved, reference.Points, refIx, threshold)
	if len(src) < 3 {
		return Result{}, fmt.Errorf("refine icp: %w: %d pairs within %v", ErrInsufficientCorrespondences, len(src), threshold)
	}

	iter := 0
	for ; iter < opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		update, err := geom.EstimateRigid(src, dst)
		if err != nil {
			break
		}
		// A vanishing increment is a fixed point.
		if update.RotationAngle() < fixedPointEps && update.TranslationVector().Norm() < fixedPointEps {
			iter++
			break
		}
		T = geom.Mul(update, T)
		for i, p := range moved {
			moved[i] = update.Apply(p)
		}

		prev := res
		src, dst, res = correspond(moved, reference.Points, refIx, threshold)
		if len(src) < 3 {
			break
		}
		if relativeChange(prev.Fitness, res.Fitness) < opts.RelativeFitness &&
			relativeChange(prev.InlierRMSE, res.InlierRMSE) < opts.RelativeRMSE {
			iter++
			break
		}
	}

	res.Transform = T
	res.Iterations = iter
	return res, nil
}

// relativeChange is |prev-cur| scaled by |prev|. From a zero previous
// value it is the absolute change.
func relativeChange(prev, cur float64) float64 {
	d := math.Abs(prev - cur)
	if prev == 0 {
		return d
	}
	return d / math.Abs(prev)
}

// correspond pairs every moved source point with its nearest reference
// point within threshold.
func correspond(moved, refPts []r3.Vector, ref *geom.Index, threshold float64) (src, dst []r3.Vector, res Result) {
	src = make([]r3.Vector, 0, len(moved))
	dst = make([]r3.Vector, 0, len(moved))
	var sq float64
	for _, p := range moved {
		j, d := ref.Nearest(p)
		if j < 0 || d > threshold {
			continue
		}
		src = append(src, p)
		dst = append(dst, refPts[j])
		sq += d * d
	}
	res.Correspondences = len(src)
	if len(moved) > 0 {
		res.Fitness = float64(len(src)) / float64(len(moved))
	}
	if len(src) > 0 {
		res.InlierRMSE = math.Sqrt(sq / float64(len(src)))
	}
	return src, dst, res
}
