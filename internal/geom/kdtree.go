package geom

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a query result: the index of a point in the indexed set and
// its Euclidean distance to the query.
type Neighbor struct {
	Index    int
	Distance float64
}

// Index is a static k-d tree over a set of positions.
type Index struct {
	tree *kdtree.Tree
	n    int
}

// NewIndex builds a k-d tree over pts. The slice is not retained.
func NewIndex(pts []r3.Vector) *Index {
	if len(pts) == 0 {
		return &Index{}
	}
	items := make(kdPoints, len(pts))
	for i, p := range pts {
		items[i] = kdPoint{pos: [3]float64{p.X, p.Y, p.Z}, idx: i}
	}
	return &Index{tree: kdtree.New(items, false), n: len(pts)}
}

// Len returns the number of indexed points.
func (ix *Index) Len() int { return ix.n }

// Nearest returns the index of the closest point to q and its distance.
// It returns -1 and +Inf on an empty index.
func (ix *Index) Nearest(q r3.Vector) (int, float64) {
	if ix.tree == nil {
		return -1, math.Inf(1)
	}
	c, d2 := ix.tree.Nearest(toKD(q))
	if c == nil {
		return -1, math.Inf(1)
	}
	return c.(kdPoint).idx, math.Sqrt(d2)
}

// KNearest returns up to k closest points ordered by distance.
func (ix *Index) KNearest(q r3.Vector, k int) []Neighbor {
	if ix.tree == nil || k <= 0 {
		return nil
	}
	keep := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keep, toKD(q))
	return collect(keep.Heap, 0)
}

// Radius returns the points within r of q ordered by distance. When maxNN is
// positive only the closest maxNN are returned.
func (ix *Index) Radius(q r3.Vector, r float64, maxNN int) []Neighbor {
	if ix.tree == nil || r <= 0 {
		return nil
	}
	keep := kdtree.NewDistKeeper(r * r)
	ix.tree.NearestSet(keep, toKD(q))
	return collect(keep.Heap, maxNN)
}

func collect(heap kdtree.Heap, limit int) []Neighbor {
	out := make([]Neighbor, 0, len(heap))
	for _, c := range heap {
		// Keepers seed the heap with a sentinel that carries no point.
		if c.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{Index: c.Comparable.(kdPoint).idx, Distance: math.Sqrt(c.Dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Index < out[j].Index
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func toKD(p r3.Vector) kdPoint {
	return kdPoint{pos: [3]float64{p.X, p.Y, p.Z}, idx: -1}
}

// kdPoint is a kdtree.Comparable that remembers its position in the source
// slice. Distance is squared Euclidean, matching kdtree.Point.
type kdPoint struct {
	pos [3]float64
	idx int
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.pos[d] - c.(kdPoint).pos[d]
}

func (p kdPoint) Dims() int { return 3 }

func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(kdPoint)
	dx := p.pos[0] - q.pos[0]
	dy := p.pos[1] - q.pos[1]
	dz := p.pos[2] - q.pos[2]
	return dx*dx + dy*dy + dz*dz
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p kdPoints) Pivot(d kdtree.Dim) int {
	return kdPlane{kdPoints: p, dim: d}.Pivot()
}

// kdPlane sorts a kdPoints slice along one dimension for pivot selection.
type kdPlane struct {
	kdPoints
	dim kdtree.Dim
}

func (p kdPlane) Less(i, j int) bool {
	return p.kdPoints[i].pos[p.dim] < p.kdPoints[j].pos[p.dim]
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.kdPoints = p.kdPoints[start:end]
	return p
}

func (p kdPlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}
