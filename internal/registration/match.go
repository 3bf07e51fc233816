package registration

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Correspondence pairs a source point with a reference point whose
// descriptors are close in feature space.
type Correspondence struct {
	Source, Reference int
	FeatureDistance   float64
}

// tieEpsilon is the squared feature distance below which two candidates
// are considered equally good.
const tieEpsilon = 1e-12

// featureIndex is a k-d tree over descriptors.
type featureIndex struct {
	tree *kdtree.Tree
}

func newFeatureIndex(fs []Feature) *featureIndex {
	if len(fs) == 0 {
		return &featureIndex{}
	}
	items := make(featPoints, len(fs))
	for i := range fs {
		items[i] = featPoint{f: &fs[i], idx: i}
	}
	return &featureIndex{tree: kdtree.New(items, false)}
}

// nearestTied returns the closest descriptor and every other descriptor
// tied with it, up to limit, ordered by index.
func (ix *featureIndex) nearestTied(q *Feature, limit int) ([]int, float64) {
	if ix.tree == nil {
		return nil, 0
	}
	if limit < 1 {
		limit = 1
	}
	keep := kdtree.NewNKeeper(limit)
	ix.tree.NearestSet(keep, featPoint{f: q, idx: -1})

	type cand struct {
		idx int
		d2  float64
	}
	cands := make([]cand, 0, len(keep.Heap))
	for _, c := range keep.Heap {
		if c.Comparable == nil {
			continue
		}
		cands = append(cands, cand{idx: c.Comparable.(featPoint).idx, d2: c.Dist})
	}
	if len(cands) == 0 {
		return nil, 0
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].d2 != cands[j].d2 {
			return cands[i].d2 < cands[j].d2
		}
		return cands[i].idx < cands[j].idx
	})

	best := cands[0].d2
	out := []int{cands[0].idx}
	for _, c := range cands[1:] {
		if c.d2-best > tieEpsilon {
			break
		}
		out = append(out, c.idx)
	}
	sort.Ints(out)
	return out, best
}

// matchFeatures builds source->reference correspondences from nearest
// descriptors. With mutual set, a pair is kept only if the source point is
// also among the reference point's nearest source descriptors; when that
// leaves fewer than minMutual pairs the unfiltered set is used instead.
func matchFeatures(src, ref []Feature, mutual bool, tieLimit, minMutual int) []Correspondence {
	refIx := newFeatureIndex(ref)

	forward := make([][]int, len(src))
	dists := make([]float64, len(src))
	for i := range src {
		forward[i], dists[i] = refIx.nearestTied(&src[i], tieLimit)
	}

	all := make([]Correspondence, 0, len(src))
	for i, js := range forward {
		for _, j := range js {
			all = append(all, Correspondence{Source: i, Reference: j, FeatureDistance: math.Sqrt(dists[i])})
		}
	}
	if !mutual {
		return all
	}

	srcIx := newFeatureIndex(src)
	backward := make(map[int]map[int]bool)
	filtered := make([]Correspondence, 0, len(all))
	for _, c := range all {
		back, ok := backward[c.Reference]
		if !ok {
			idx, _ := srcIx.nearestTied(&ref[c.Reference], tieLimit)
			back = make(map[int]bool, len(idx))
			for _, i := range idx {
				back[i] = true
			}
			backward[c.Reference] = back
		}
		if back[c.Source] {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) < minMutual {
		return all
	}
	return filtered
}

type featPoint struct {
	f   *Feature
	idx int
}

func (p featPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.f[d] - c.(featPoint).f[d]
}

func (p featPoint) Dims() int { return FeatureDim }

func (p featPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(featPoint)
	var s float64
	for i := 0; i < FeatureDim; i++ {
		d := p.f[i] - q.f[i]
		s += d * d
	}
	return s
}

type featPoints []featPoint

func (p featPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p featPoints) Len() int                              { return len(p) }
func (p featPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p featPoints) Pivot(d kdtree.Dim) int {
	return featPlane{featPoints: p, dim: d}.Pivot()
}

type featPlane struct {
	featPoints
	dim kdtree.Dim
}

func (p featPlane) Less(i, j int) bool {
	return p.featPoints[i].f[p.dim] < p.featPoints[j].f[p.dim]
}

func (p featPlane) Swap(i, j int) {
	p.featPoints[i], p.featPoints[j] = p.featPoints[j], p.featPoints[i]
}

func (p featPlane) Slice(start, end int) kdtree.SortSlicer {
	p.featPoints = p.featPoints[start:end]
	return p
}

func (p featPlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}
