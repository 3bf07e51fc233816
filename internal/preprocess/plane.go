package preprocess

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// DefaultPlaneIterations is the fixed RANSAC budget for plane segmentation.
const DefaultPlaneIterations = 1000

// PlaneModel is the plane ax+by+cz+d=0 with a unit normal (a,b,c) and the
// indices of the points within the inlier distance.
type PlaneModel struct {
	A, B, C, D float64
	Inliers    []int
}

// Normal returns the unit normal of the plane.
func (m PlaneModel) Normal() r3.Vector { return r3.Vector{X: m.A, Y: m.B, Z: m.C} }

// Distance returns the unsigned distance from p to the plane.
func (m PlaneModel) Distance(p r3.Vector) float64 {
	return math.Abs(m.A*p.X + m.B*p.Y + m.C*p.Z + m.D)
}

// SegmentPlane fits the dominant plane with a fixed number of RANSAC
// iterations over random point triples. The candidate with the largest
// inlier set wins; later candidates only replace it on a strictly larger
// count, so with a fixed rng the best count never decreases as iterations
// grow. Clouds with fewer than three points, or with only collinear
// triples, yield a model with no inliers.
func SegmentPlane(cloud geom.PointCloud, distance float64, iterations int, rng *rand.Rand) PlaneModel {
	n := cloud.Len()
	var best PlaneModel
	if n < 3 || iterations <= 0 {
		return best
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	pts := cloud.Points
	for it := 0; it < iterations; it++ {
		i, j, k := sampleTriple(rng, n)
		normal := pts[j].Sub(pts[i]).Cross(pts[k].Sub(pts[i]))
		norm := normal.Norm()
		if norm < 1e-12 {
			continue
		}
		normal = normal.Mul(1 / norm)
		cand := PlaneModel{A: normal.X, B: normal.Y, C: normal.Z, D: -normal.Dot(pts[i])}

		count := 0
		for _, p := range pts {
			if cand.Distance(p) <= distance {
				count++
			}
		}
		if count > len(best.Inliers) {
			cand.Inliers = make([]int, 0, count)
			for idx, p := range pts {
				if cand.Distance(p) <= distance {
					cand.Inliers = append(cand.Inliers, idx)
				}
			}
			best = cand
		}
	}
	return best
}

// RemovePlane discards the inliers of the dominant plane and returns the
// remaining points. When no plane is found the cloud is returned unchanged.
func RemovePlane(cloud geom.PointCloud, distance float64, iterations int, rng *rand.Rand) (geom.PointCloud, PlaneModel) {
	model := SegmentPlane(cloud, distance, iterations, rng)
	if len(model.Inliers) == 0 {
		return cloud, model
	}
	return cloud.Complement(model.Inliers), model
}

// sampleTriple draws three distinct indices in [0, n).
func sampleTriple(rng *rand.Rand, n int) (int, int, int) {
	i := rng.Intn(n)
	j := rng.Intn(n - 1)
	if j >= i {
		j++
	}
	k := rng.Intn(n - 2)
	lo, hi := i, j
	if lo > hi {
		lo, hi = hi, lo
	}
	if k >= lo {
		k++
	}
	if k >= hi {
		k++
	}
	return i, j, k
}
