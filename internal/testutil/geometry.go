package testutil

import (
	"math/rand"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// CubeCorners returns the 8 corners of the unit cube [0,1]^3.
func CubeCorners() geom.PointCloud {
	pts := make([]r3.Vector, 0, 8)
	for _, x := range []float64{0, 1} {
		for _, y := range []float64{0, 1} {
			for _, z := range []float64{0, 1} {
				pts = append(pts, r3.Vector{X: x, Y: y, Z: z})
			}
		}
	}
	return geom.PointCloud{Points: pts}
}

// Marker returns a small asymmetric point set with no rigid self-symmetry,
// used where a registration result must be unique.
func Marker() geom.PointCloud {
	return geom.PointCloud{Points: []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 0.6, Z: 0},
		{X: 0, Y: 0, Z: 0.35},
		{X: 0.8, Y: 0.45, Z: 0.2},
		{X: -0.4, Y: 0.9, Z: 0.55},
	}}
}

// BoxSurface samples points uniformly on the faces of an axis-aligned box
// with the given edge lengths and one corner at the origin.
func BoxSurface(rng *rand.Rand, n int, sx, sy, sz float64) geom.PointCloud {
	areas := []float64{sy * sz, sy * sz, sx * sz, sx * sz, sx * sy, sx * sy}
	var total float64
	for _, a := range areas {
		total += a
	}

	pts := make([]r3.Vector, 0, n)
	for len(pts) < n {
		u := rng.Float64() * total
		face := 0
		for face < 5 && u > areas[face] {
			u -= areas[face]
			face++
		}
		a, b := rng.Float64(), rng.Float64()
		var p r3.Vector
		switch face {
		case 0:
			p = r3.Vector{X: 0, Y: a * sy, Z: b * sz}
		case 1:
			p = r3.Vector{X: sx, Y: a * sy, Z: b * sz}
		case 2:
			p = r3.Vector{X: a * sx, Y: 0, Z: b * sz}
		case 3:
			p = r3.Vector{X: a * sx, Y: sy, Z: b * sz}
		case 4:
			p = r3.Vector{X: a * sx, Y: b * sy, Z: 0}
		default:
			p = r3.Vector{X: a * sx, Y: b * sy, Z: sz}
		}
		pts = append(pts, p)
	}
	return geom.PointCloud{Points: pts}
}

// PlaneWithObject returns a dense z=0 plane patch of planeN points over
// [-1,1]^2 plus an object sampled as a box floating above it.
func PlaneWithObject(rng *rand.Rand, planeN, objectN int) (scene, object geom.PointCloud) {
	pts := make([]r3.Vector, 0, planeN+objectN)
	for i := 0; i < planeN; i++ {
		pts = append(pts, r3.Vector{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1})
	}
	box := BoxSurface(rng, objectN, 0.4, 0.3, 0.2)
	lifted := box.Transformed(geom.Translation(r3.Vector{X: -0.2, Y: -0.15, Z: 0.1}))
	pts = append(pts, lifted.Points...)
	return geom.PointCloud{Points: pts}, lifted
}
