// Package geom holds the geometry primitives shared by every inspection
// stage: point clouds, rigid transforms, reference surfaces and the k-d tree
// used for nearest-neighbour queries.
//
// Clouds are treated as immutable values. Every operation that changes
// positions, normals or colors returns a fresh PointCloud.
package geom

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// ErrMismatchedAttributes is returned when normals or colors do not line up
// with the positions of a cloud.
var ErrMismatchedAttributes = errors.New("point attributes do not match point count")

// Color is an 8-bit RGB triple.
type Color struct {
	R, G, B uint8
}

// PointCloud is an ordered set of positions with optional parallel normals
// and colors. Normals and Colors are either empty or exactly len(Points).
type PointCloud struct {
	Points  []r3.Vector
	Normals []r3.Vector
	Colors  []Color
}

// NewPointCloud validates attribute lengths and returns a cloud that owns
// copies of the given slices.
func NewPointCloud(points, normals []r3.Vector, colors []Color) (PointCloud, error) {
	if len(normals) != 0 && len(normals) != len(points) {
		return PointCloud{}, fmt.Errorf("%w: %d normals for %d points", ErrMismatchedAttributes, len(normals), len(points))
	}
	if len(colors) != 0 && len(colors) != len(points) {
		return PointCloud{}, fmt.Errorf("%w: %d colors for %d points", ErrMismatchedAttributes, len(colors), len(points))
	}
	return PointCloud{
		Points:  cloneVectors(points),
		Normals: cloneVectors(normals),
		Colors:  cloneColors(colors),
	}, nil
}

// Len returns the number of points.
func (c PointCloud) Len() int { return len(c.Points) }

// Empty reports whether the cloud has no points.
func (c PointCloud) Empty() bool { return len(c.Points) == 0 }

// HasNormals reports whether per-point normals are present.
func (c PointCloud) HasNormals() bool { return len(c.Normals) > 0 && len(c.Normals) == len(c.Points) }

// HasColors reports whether per-point colors are present.
func (c PointCloud) HasColors() bool { return len(c.Colors) > 0 && len(c.Colors) == len(c.Points) }

// Validate checks the attribute length invariant.
func (c PointCloud) Validate() error {
	_, err := NewPointCloud(c.Points, c.Normals, c.Colors)
	return err
}

// Subset returns a new cloud holding the points at idx, in idx order.
func (c PointCloud) Subset(idx []int) PointCloud {
	out := PointCloud{Points: make([]r3.Vector, len(idx))}
	if c.HasNormals() {
		out.Normals = make([]r3.Vector, len(idx))
	}
	if c.HasColors() {
		out.Colors = make([]Color, len(idx))
	}
	for i, j := range idx {
		out.Points[i] = c.Points[j]
		if out.Normals != nil {
			out.Normals[i] = c.Normals[j]
		}
		if out.Colors != nil {
			out.Colors[i] = c.Colors[j]
		}
	}
	return out
}

// Complement returns the points whose index is not in idx.
func (c PointCloud) Complement(idx []int) PointCloud {
	drop := make([]bool, len(c.Points))
	for _, i := range idx {
		if i >= 0 && i < len(drop) {
			drop[i] = true
		}
	}
	keep := make([]int, 0, len(c.Points))
	for i, d := range drop {
		if !d {
			keep = append(keep, i)
		}
	}
	return c.Subset(keep)
}

// Transformed applies T to every position (and rotates normals).
func (c PointCloud) Transformed(T Transform) PointCloud {
	out := PointCloud{
		Points: make([]r3.Vector, len(c.Points)),
		Colors: cloneColors(c.Colors),
	}
	for i, p := range c.Points {
		out.Points[i] = T.Apply(p)
	}
	if c.HasNormals() {
		out.Normals = make([]r3.Vector, len(c.Normals))
		for i, n := range c.Normals {
			out.Normals[i] = T.ApplyDirection(n)
		}
	}
	return out
}

// WithColors returns a copy of the cloud carrying the given colors.
func (c PointCloud) WithColors(colors []Color) (PointCloud, error) {
	return NewPointCloud(c.Points, c.Normals, colors)
}

// WithNormals returns a copy of the cloud carrying the given normals.
func (c PointCloud) WithNormals(normals []r3.Vector) (PointCloud, error) {
	return NewPointCloud(c.Points, normals, c.Colors)
}

// Centroid returns the mean position, or the zero vector for an empty cloud.
func (c PointCloud) Centroid() r3.Vector {
	return Centroid(c.Points)
}

// Bounds returns the axis-aligned bounding box of the cloud.
func (c PointCloud) Bounds() (min, max r3.Vector) {
	if len(c.Points) == 0 {
		return r3.Vector{}, r3.Vector{}
	}
	min = r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	max = r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, p := range c.Points {
		min.X = math.Min(min.X, p.X)
		min.Y = math.Min(min.Y, p.Y)
		min.Z = math.Min(min.Z, p.Z)
		max.X = math.Max(max.X, p.X)
		max.Y = math.Max(max.Y, p.Y)
		max.Z = math.Max(max.Z, p.Z)
	}
	return min, max
}

// Centroid returns the mean of pts.
func Centroid(pts []r3.Vector) r3.Vector {
	if len(pts) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range pts {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(pts)))
}

func cloneVectors(v []r3.Vector) []r3.Vector {
	if len(v) == 0 {
		return nil
	}
	out := make([]r3.Vector, len(v))
	copy(out, v)
	return out
}

func cloneColors(c []Color) []Color {
	if len(c) == 0 {
		return nil
	}
	out := make([]Color, len(c))
	copy(out, c)
	return out
}
