package analysis

import (
	"math"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// Jet maps v in [0,1] onto the jet colormap, blue at 0 through green to red
// at 1. Values outside the range are clamped.
func Jet(v float64) geom.Color {
	v = math.Max(0, math.Min(1, v))
	return geom.Color{
		R: channel(jetBase(v*2 - 1.5)),
		G: channel(jetBase(v*2 - 1.0)),
		B: channel(jetBase(v*2 - 0.5)),
	}
}

// Colorize colors each deviation by its fraction of max. A max of zero is
// treated as 1 so that a perfect alignment renders uniformly blue.
func Colorize(d []float64, max float64) []geom.Color {
	if max == 0 || math.IsNaN(max) {
		max = 1
	}
	out := make([]geom.Color, len(d))
	for i, v := range d {
		out[i] = Jet(v / max)
	}
	return out
}

func jetBase(v float64) float64 {
	switch {
	case v <= -0.75:
		return 0
	case v <= -0.25:
		return lerp(v, 0, -0.75, 1, -0.25)
	case v <= 0.25:
		return 1
	case v <= 0.75:
		return lerp(v, 1, 0.25, 0, 0.75)
	}
	return 0
}

func lerp(v, y0, x0, y1, x1 float64) float64 {
	return (v-x0)*(y1-y0)/(x1-x0) + y0
}

func channel(v float64) uint8 {
	return uint8(math.Round(255 * math.Max(0, math.Min(1, v))))
}
