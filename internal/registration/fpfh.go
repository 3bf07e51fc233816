package registration

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// FeatureBins is the per-angle histogram resolution; descriptors hold
// three concatenated histograms.
const (
	FeatureBins = 11
	FeatureDim  = 3 * FeatureBins
)

// Feature is a Fast Point Feature Histogram.
type Feature [FeatureDim]float64

// ComputeFPFH returns one descriptor per point of cloud, which must carry
// normals. Each point's Simplified Point Feature Histogram is built from the
// Darboux-frame angles to its neighbours within radius (at most maxNN),
// then blended with its neighbours' histograms weighted by inverse squared
// distance. Points without neighbours get the zero descriptor.
func ComputeFPFH(cloud geom.PointCloud, radius float64, maxNN int) []Feature {
	return computeFPFHWithIndex(cloud, geom.NewIndex(cloud.Points), radius, maxNN)
}

func computeFPFHWithIndex(cloud geom.PointCloud, ix *geom.Index, radius float64, maxNN int) []Feature {
	n := cloud.Len()
	neighbors := make([][]geom.Neighbor, n)
	spfh := make([]Feature, n)

	for i, p := range cloud.Points {
		nbs := ix.Radius(p, radius, maxNN+1)
		own := nbs[:0:0]
		for _, nb := range nbs {
			if nb.Index != i {
				own = append(own, nb)
			}
		}
		neighbors[i] = own
		if len(own) == 0 {
			continue
		}

		incr := 100.0 / float64(len(own))
		for _, nb := range own {
			f1, f2, f3, ok := pairFeatures(p, cloud.Normals[i], cloud.Points[nb.Index], cloud.Normals[nb.Index])
			if !ok {
				continue
			}
			spfh[i][bin((f1+math.Pi)/(2*math.Pi))] += incr
			spfh[i][FeatureBins+bin((f2+1)*0.5)] += incr
			spfh[i][2*FeatureBins+bin((f3+1)*0.5)] += incr
		}
	}

	out := make([]Feature, n)
	for i := range cloud.Points {
		var sum [3]float64
		var acc Feature
		for _, nb := range neighbors[i] {
			d2 := nb.Distance * nb.Distance
			if d2 == 0 {
				continue
			}
			for j := 0; j < FeatureDim; j++ {
				v := spfh[nb.Index][j] / d2
				sum[j/FeatureBins] += v
				acc[j] += v
			}
		}
		for k := range sum {
			if sum[k] != 0 {
				sum[k] = 100 / sum[k]
			}
		}
		for j := 0; j < FeatureDim; j++ {
			out[i][j] = acc[j]*sum[j/FeatureBins] + spfh[i][j]
		}
	}
	return out
}

// bin maps a value in [0,1] onto a histogram slot.
func bin(u float64) int {
	b := int(math.Floor(FeatureBins * u))
	if b < 0 {
		return 0
	}
	if b >= FeatureBins {
		return FeatureBins - 1
	}
	return b
}

// pairFeatures computes the (alpha, phi, theta) Darboux-frame angles between
// two oriented points. The source of the frame is the point whose normal
// makes the smaller angle with the connecting line.
func pairFeatures(p1, n1, p2, n2 r3.Vector) (f1, f2, f3 float64, ok bool) {
	dp := p2.Sub(p1)
	dist := dp.Norm()
	if dist == 0 {
		return 0, 0, 0, false
	}

	a1 := n1.Dot(dp) / dist
	a2 := n2.Dot(dp) / dist
	src, tgt := n1, n2
	if math.Acos(clamp(math.Abs(a1))) > math.Acos(clamp(math.Abs(a2))) {
		src, tgt = n2, n1
		dp = dp.Mul(-1)
		f3 = -a2
	} else {
		f3 = a1
	}

	v := dp.Cross(src)
	vn := v.Norm()
	if vn == 0 {
		return 0, 0, 0, false
	}
	v = v.Mul(1 / vn)
	w := src.Cross(v)

	f2 = v.Dot(tgt)
	f1 = alpha(w.Dot(tgt), src.Dot(tgt), f2)
	return f1, f2, f3, true
}

// degenerateEps bounds the rounding noise treated as zero when measuring
// the frame angle.
const degenerateEps = 1e-9

// alpha is the angle of the target normal in the (src, w) plane. When the
// target lies along v that angle is undefined and is taken as 0; a
// component within rounding noise of zero is snapped so that the result
// does not jump between -pi and pi.
func alpha(wt, st, f2 float64) float64 {
	if 1-math.Abs(f2) < degenerateEps {
		return 0
	}
	if math.Abs(wt) < degenerateEps {
		wt = 0
	}
	if math.Abs(st) < degenerateEps {
		st = 0
	}
	return math.Atan2(wt, st)
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
