package preprocess

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/scaninspect/internal/geom"
)

type voxelKey struct {
	X, Y, Z int64
}

type voxelAcc struct {
	first  int
	n      int
	sum    r3.Vector
	normal r3.Vector
	r, g   float64
	b      float64
}

// VoxelDownsample replaces all points in each cubic voxel of the given size
// by their centroid. Normals and colors are averaged. A non-positive size
// returns the cloud unchanged. Output order follows the first point seen in
// each voxel.
func VoxelDownsample(cloud geom.PointCloud, size float64) geom.PointCloud {
	if size <= 0 || cloud.Empty() {
		return cloud
	}

	accs := make(map[voxelKey]*voxelAcc)
	for i, p := range cloud.Points {
		k := voxelKey{
			X: int64(math.Floor(p.X / size)),
			Y: int64(math.Floor(p.Y / size)),
			Z: int64(math.Floor(p.Z / size)),
		}
		a, ok := accs[k]
		if !ok {
			a = &voxelAcc{first: i}
			accs[k] = a
		}
		a.n++
		a.sum = a.sum.Add(p)
		if cloud.HasNormals() {
			a.normal = a.normal.Add(cloud.Normals[i])
		}
		if cloud.HasColors() {
			c := cloud.Colors[i]
			a.r += float64(c.R)
			a.g += float64(c.G)
			a.b += float64(c.B)
		}
	}

	ordered := make([]*voxelAcc, 0, len(accs))
	for _, a := range accs {
		ordered = append(ordered, a)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].first < ordered[j].first })

	out := geom.PointCloud{Points: make([]r3.Vector, len(ordered))}
	if cloud.HasNormals() {
		out.Normals = make([]r3.Vector, len(ordered))
	}
	if cloud.HasColors() {
		out.Colors = make([]geom.Color, len(ordered))
	}
	for i, a := range ordered {
		inv := 1 / float64(a.n)
		out.Points[i] = a.sum.Mul(inv)
		if out.Normals != nil {
			if norm := a.normal.Norm(); norm > 0 {
				out.Normals[i] = a.normal.Mul(1 / norm)
			}
		}
		if out.Colors != nil {
			out.Colors[i] = geom.Color{
				R: uint8(math.Round(a.r * inv)),
				G: uint8(math.Round(a.g * inv)),
				B: uint8(math.Round(a.b * inv)),
			}
		}
	}
	return out
}
