package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scaninspect/internal/geom"
	"github.com/banshee-data/scaninspect/internal/testutil"
)

func surfaceOf(t *testing.T, c geom.PointCloud) *geom.ReferenceSurface {
	t.Helper()
	s, err := geom.NewReferenceSurface(c, nil, nil)
	require.NoError(t, err)
	return s
}

func TestCalculateMetrics_IdentityOnSameCloud(t *testing.T) {
	cube := testutil.CubeCorners()
	heatmap, m := CalculateMetrics(cube, surfaceOf(t, cube), geom.Identity(), 0.01, Options{})

	assert.Equal(t, 8, m.PointCount)
	assert.Zero(t, m.Max)
	assert.Zero(t, m.Mean)
	assert.Zero(t, m.RMSE)
	assert.Equal(t, 100.0, m.PercentWithinTolerance)
	require.True(t, heatmap.HasColors())
	for _, c := range heatmap.Colors {
		assert.Equal(t, Jet(0), c)
	}
}

func TestCalculateMetrics_MaxBoundsEveryDistance(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ref := testutil.BoxSurface(rng, 500, 1, 1, 1)
	scan := testutil.BoxSurface(rng, 300, 1, 1, 1)
	T := geom.Translation(r3.Vector{X: 0.01, Z: -0.02})

	surface := surfaceOf(t, ref)
	_, m := CalculateMetrics(scan, surface, T, 0.02, Options{})
	d := Distances(scan, surface, T, Options{})

	for i, v := range d {
		if v > m.Max {
			t.Fatalf("distance %d = %v exceeds max %v", i, v, m.Max)
		}
		if v < m.Min {
			t.Fatalf("distance %d = %v below min %v", i, v, m.Min)
		}
	}
	assert.LessOrEqual(t, m.Mean, m.RMSE)
	assert.GreaterOrEqual(t, m.StdDev, 0.0)
}

func TestCalculateMetrics_ToleranceMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	ref := surfaceOf(t, testutil.BoxSurface(rng, 400, 1, 1, 1))
	scan := testutil.BoxSurface(rng, 200, 1.05, 1, 0.95)

	prev := -1.0
	for _, tol := range []float64{0, 0.005, 0.01, 0.02, 0.05, 0.1, 1} {
		_, m := CalculateMetrics(scan, ref, geom.Identity(), tol, Options{})
		if m.PercentWithinTolerance < prev {
			t.Fatalf("percent within %v = %v, dropped from %v", tol, m.PercentWithinTolerance, prev)
		}
		prev = m.PercentWithinTolerance
	}
	assert.Equal(t, 100.0, prev)
}

func TestCalculateMetrics_EmptySource(t *testing.T) {
	heatmap, m := CalculateMetrics(geom.PointCloud{}, surfaceOf(t, testutil.CubeCorners()), geom.Identity(), 0.01, Options{})

	assert.True(t, heatmap.Empty())
	assert.Equal(t, 0, m.PointCount)
	assert.Equal(t, 0.0, m.PercentWithinTolerance)
	for _, v := range []float64{m.Mean, m.StdDev, m.Min, m.Max, m.RMSE} {
		assert.True(t, math.IsNaN(v))
	}

	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"max_deviation":null`)

	var back Metrics
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, math.IsNaN(back.Max))
	assert.Equal(t, 0, back.PointCount)
}

func TestCalculateMetrics_SurfaceMode(t *testing.T) {
	verts := []r3.Vector{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}
	// Only the vertices are sampled, so the point distance overestimates.
	ref, err := geom.NewReferenceSurface(geom.PointCloud{Points: verts}, verts, [][3]int{{0, 1, 2}})
	require.NoError(t, err)
	scan := geom.PointCloud{Points: []r3.Vector{{X: 0.25, Y: 0.25, Z: 0.1}}}

	_, point := CalculateMetrics(scan, ref, geom.Identity(), 0.2, Options{Mode: PointDistance})
	_, surf := CalculateMetrics(scan, ref, geom.Identity(), 0.2, Options{Mode: SurfaceDistance})

	assert.InDelta(t, 0.1, surf.Max, 1e-12)
	assert.Greater(t, point.Max, surf.Max)
	assert.Equal(t, 100.0, surf.PercentWithinTolerance)
	assert.Equal(t, 0.0, point.PercentWithinTolerance)
}

func TestSummarize(t *testing.T) {
	m := Summarize([]float64{0, 1, 2, 3}, 1.5)
	assert.InDelta(t, 1.5, m.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(1.25), m.StdDev, 1e-12)
	assert.InDelta(t, math.Sqrt(3.5), m.RMSE, 1e-12)
	assert.Equal(t, 0.0, m.Min)
	assert.Equal(t, 3.0, m.Max)
	assert.Equal(t, 50.0, m.PercentWithinTolerance)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": PointDistance, "point": PointDistance, "surface": SurfaceDistance} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("triangle")
	assert.Error(t, err)
}

func TestJet(t *testing.T) {
	assert.Equal(t, geom.Color{R: 0, G: 0, B: 128}, Jet(0))
	assert.Equal(t, geom.Color{R: 128, G: 255, B: 128}, Jet(0.5))
	assert.Equal(t, geom.Color{R: 128, G: 0, B: 0}, Jet(1))
	assert.Equal(t, Jet(1), Jet(2))
	assert.Equal(t, Jet(0), Jet(-1))
}

func TestColorize_ZeroMax(t *testing.T) {
	got := Colorize([]float64{0, 0}, 0)
	assert.Equal(t, []geom.Color{Jet(0), Jet(0)}, got)
}

func TestHistogram(t *testing.T) {
	edges, counts := Histogram([]float64{0, 0.15, 0.25, 0.55, 1.0}, 10)
	require.Len(t, edges, 11)
	require.Len(t, counts, 10)
	var total float64
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 5.0, total)
	assert.Equal(t, 1.0, counts[9], "max lands in the last bin")

	edges, counts = Histogram(nil, 10)
	assert.Nil(t, edges)
	assert.Nil(t, counts)
}

func TestReports(t *testing.T) {
	d := []float64{0.001, 0.002, 0.004, 0.008, 0.02}
	m := Summarize(d, 0.005)

	var png bytes.Buffer
	require.NoError(t, WriteHistogramPNG(&png, d, 0.005))
	assert.True(t, bytes.HasPrefix(png.Bytes(), []byte("\x89PNG")))

	var html bytes.Buffer
	require.NoError(t, WriteHTMLReport(&html, "job-1", m, d))
	assert.True(t, strings.Contains(html.String(), "job-1"))

	if err := WriteHistogramPNG(&png, nil, 0.005); !errors.Is(err, ErrNoDeviations) {
		t.Errorf("err = %v, want ErrNoDeviations", err)
	}
	if err := WriteHTMLReport(&html, "x", m, nil); !errors.Is(err, ErrNoDeviations) {
		t.Errorf("err = %v, want ErrNoDeviations", err)
	}
}
