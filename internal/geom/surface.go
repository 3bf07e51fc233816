package geom

import (
	"fmt"
	"math"
	"sync"

	"github.com/golang/geo/r3"
)

// ReferenceSurface is the comparable form of a design file: a sampled point
// cloud and, when the converter produced one, the triangles it was sampled
// from. Triangle indices refer to Vertices.
type ReferenceSurface struct {
	Cloud     PointCloud
	Vertices  []r3.Vector
	Triangles [][3]int

	once      sync.Once
	points    *Index
	centroids *Index
	maxRadius float64
}

// NewReferenceSurface wraps a cloud and optional mesh.
func NewReferenceSurface(cloud PointCloud, vertices []r3.Vector, triangles [][3]int) (*ReferenceSurface, error) {
	s := &ReferenceSurface{Cloud: cloud, Vertices: vertices, Triangles: triangles}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the cloud attributes and triangle indices.
func (s *ReferenceSurface) Validate() error {
	if err := s.Cloud.Validate(); err != nil {
		return err
	}
	for i, t := range s.Triangles {
		for _, v := range t {
			if v < 0 || v >= len(s.Vertices) {
				return fmt.Errorf("triangle %d references vertex %d of %d", i, v, len(s.Vertices))
			}
		}
	}
	return nil
}

// HasTriangles reports whether the surface carries connectivity.
func (s *ReferenceSurface) HasTriangles() bool { return len(s.Triangles) > 0 }

// PointIndex returns the lazily built k-d tree over the sampled cloud.
func (s *ReferenceSurface) PointIndex() *Index {
	s.build()
	return s.points
}

func (s *ReferenceSurface) build() {
	s.once.Do(func() {
		s.points = NewIndex(s.Cloud.Points)
		if len(s.Triangles) == 0 {
			return
		}
		centroids := make([]r3.Vector, len(s.Triangles))
		for i, t := range s.Triangles {
			a, b, c := s.Vertices[t[0]], s.Vertices[t[1]], s.Vertices[t[2]]
			centroids[i] = a.Add(b).Add(c).Mul(1.0 / 3.0)
			for _, v := range []r3.Vector{a, b, c} {
				s.maxRadius = math.Max(s.maxRadius, v.Sub(centroids[i]).Norm())
			}
		}
		s.centroids = NewIndex(centroids)
	})
}

// NearestPointDistance returns the distance from q to the closest sampled
// reference point.
func (s *ReferenceSurface) NearestPointDistance(q r3.Vector) float64 {
	_, d := s.PointIndex().Nearest(q)
	return d
}

// SurfaceDistance returns the exact distance from q to the triangulated
// surface. Without triangles it falls back to NearestPointDistance.
func (s *ReferenceSurface) SurfaceDistance(q r3.Vector) float64 {
	s.build()
	if s.centroids == nil {
		return s.NearestPointDistance(q)
	}

	// Any triangle closer than the best bound has its centroid within
	// bound+maxRadius of q.
	bound := math.Inf(1)
	if ci, _ := s.centroids.Nearest(q); ci >= 0 {
		t := s.Triangles[ci]
		bound = PointTriangleDistance(q, s.Vertices[t[0]], s.Vertices[t[1]], s.Vertices[t[2]])
	}
	best := bound
	for _, nb := range s.centroids.Radius(q, bound+s.maxRadius, 0) {
		t := s.Triangles[nb.Index]
		d := PointTriangleDistance(q, s.Vertices[t[0]], s.Vertices[t[1]], s.Vertices[t[2]])
		if d < best {
			best = d
		}
	}
	return best
}

// PointTriangleDistance returns the distance from p to triangle abc.
func PointTriangleDistance(p, a, b, c r3.Vector) float64 {
	return p.Sub(closestPointOnTriangle(p, a, b, c)).Norm()
}

// closestPointOnTriangle follows the Voronoi-region walk from Ericson,
// Real-Time Collision Detection, 5.1.5.
func closestPointOnTriangle(p, a, b, c r3.Vector) r3.Vector {
	ab := b.Sub(a)
	ac := c.Sub(a)
	ap := p.Sub(a)
	d1 := ab.Dot(ap)
	d2 := ac.Dot(ap)
	if d1 <= 0 && d2 <= 0 {
		return a
	}

	bp := p.Sub(b)
	d3 := ab.Dot(bp)
	d4 := ac.Dot(bp)
	if d3 >= 0 && d4 <= d3 {
		return b
	}

	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		v := d1 / (d1 - d3)
		return a.Add(ab.Mul(v))
	}

	cp := p.Sub(c)
	d5 := ab.Dot(cp)
	d6 := ac.Dot(cp)
	if d6 >= 0 && d5 <= d6 {
		return c
	}

	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		w := d2 / (d2 - d6)
		return a.Add(ac.Mul(w))
	}

	va := d3*d6 - d5*d4
	if va <= 0 && (d4-d3) >= 0 && (d5-d6) >= 0 {
		w := (d4 - d3) / ((d4 - d3) + (d5 - d6))
		return b.Add(c.Sub(b).Mul(w))
	}

	denom := va + vb + vc
	if denom == 0 {
		// Degenerate triangle: fall back to the nearest vertex.
		best := a
		for _, v := range []r3.Vector{b, c} {
			if p.Sub(v).Norm2() < p.Sub(best).Norm2() {
				best = v
			}
		}
		return best
	}
	v := vb / denom
	w := vc / denom
	return a.Add(ab.Mul(v)).Add(ac.Mul(w))
}
