// Package analysis measures how far an aligned scan deviates from its
// reference surface and renders the result as a colored heatmap cloud,
// summary metrics and optional report artifacts.
package analysis

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// Mode selects how a point's deviation from the reference is measured.
type Mode int

const (
	// PointDistance uses the distance to the nearest sampled reference point.
	PointDistance Mode = iota
	// SurfaceDistance uses the exact distance to the reference triangles,
	// falling back to PointDistance when the reference has none.
	SurfaceDistance
)

// ParseMode maps the configuration names "point" and "surface" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "point":
		return PointDistance, nil
	case "surface":
		return SurfaceDistance, nil
	}
	return PointDistance, fmt.Errorf("unknown distance mode %q", s)
}

func (m Mode) String() string {
	if m == SurfaceDistance {
		return "surface"
	}
	return "point"
}

// Options configures CalculateMetrics.
type Options struct {
	Mode Mode
}

// Metrics summarizes the per-point deviations of an aligned scan. All
// distances share the units of the input clouds. Statistics of an empty
// scan are NaN.
type Metrics struct {
	Mean                   float64
	StdDev                 float64
	Min                    float64
	Max                    float64
	RMSE                   float64
	PercentWithinTolerance float64
	PointCount             int
	Tolerance              float64
}

// Distances transforms every source point by T and measures it against the
// reference.
func Distances(source geom.PointCloud, reference *geom.ReferenceSurface, T geom.Transform, opts Options) []float64 {
	out := make([]float64, source.Len())
	surface := opts.Mode == SurfaceDistance && reference.HasTriangles()
	for i, p := range source.Points {
		q := T.Apply(p)
		if surface {
			out[i] = reference.SurfaceDistance(q)
		} else {
			out[i] = reference.NearestPointDistance(q)
		}
	}
	return out
}

// CalculateMetrics aligns source with T, measures each point against the
// reference and returns the aligned cloud colored by deviation together
// with the summary metrics. Neither input is modified.
func CalculateMetrics(source geom.PointCloud, reference *geom.ReferenceSurface, T geom.Transform, tolerance float64, opts Options) (geom.PointCloud, Metrics) {
	r := Analyze(source, reference, T, tolerance, opts)
	return r.Heatmap, r.Metrics
}

// Result is the full output of Analyze.
type Result struct {
	Heatmap    geom.PointCloud
	Metrics    Metrics
	Deviations []float64 // per point of Heatmap
}

// Analyze is CalculateMetrics that also returns the per-point deviations,
// which the report writers need.
func Analyze(source geom.PointCloud, reference *geom.ReferenceSurface, T geom.Transform, tolerance float64, opts Options) Result {
	aligned := source.Transformed(T)
	d := Distances(source, reference, T, opts)
	m := Summarize(d, tolerance)

	heatmap, err := aligned.WithColors(Colorize(d, m.Max))
	if err != nil {
		// Colorize returns one color per distance, so this cannot happen.
		heatmap = aligned
	}
	return Result{Heatmap: heatmap, Metrics: m, Deviations: d}
}

// Summarize computes Metrics over a set of deviations.
func Summarize(d []float64, tolerance float64) Metrics {
	m := Metrics{PointCount: len(d), Tolerance: tolerance}
	if len(d) == 0 {
		nan := math.NaN()
		m.Mean, m.StdDev, m.Min, m.Max, m.RMSE = nan, nan, nan, nan, nan
		return m
	}

	m.Mean = stat.Mean(d, nil)
	m.StdDev = math.Sqrt(stat.PopVariance(d, nil))
	m.Min = floats.Min(d)
	m.Max = floats.Max(d)

	var sq float64
	var within int
	for _, v := range d {
		sq += v * v
		if v <= tolerance {
			within++
		}
	}
	m.RMSE = math.Sqrt(sq / float64(len(d)))
	m.PercentWithinTolerance = 100 * float64(within) / float64(len(d))
	return m
}

type metricsJSON struct {
	Mean                   *float64 `json:"avg_deviation"`
	StdDev                 *float64 `json:"std_deviation"`
	Min                    *float64 `json:"min_deviation"`
	Max                    *float64 `json:"max_deviation"`
	RMSE                   *float64 `json:"accuracy_rmse"`
	PercentWithinTolerance *float64 `json:"percentage_of_points_within_tolerance"`
	PointCount             int      `json:"point_count"`
	Tolerance              *float64 `json:"tolerance"`
}

// MarshalJSON encodes NaN statistics as null.
func (m Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(metricsJSON{
		Mean:                   finite(m.Mean),
		StdDev:                 finite(m.StdDev),
		Min:                    finite(m.Min),
		Max:                    finite(m.Max),
		RMSE:                   finite(m.RMSE),
		PercentWithinTolerance: finite(m.PercentWithinTolerance),
		PointCount:             m.PointCount,
		Tolerance:              finite(m.Tolerance),
	})
}

// UnmarshalJSON decodes null statistics as NaN.
func (m *Metrics) UnmarshalJSON(b []byte) error {
	var w metricsJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Metrics{
		Mean:                   orNaN(w.Mean),
		StdDev:                 orNaN(w.StdDev),
		Min:                    orNaN(w.Min),
		Max:                    orNaN(w.Max),
		RMSE:                   orNaN(w.RMSE),
		PercentWithinTolerance: orNaN(w.PercentWithinTolerance),
		PointCount:             w.PointCount,
		Tolerance:              orNaN(w.Tolerance),
	}
	return nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
