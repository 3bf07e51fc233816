package preprocess

import (
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// MeanNeighborDistances returns, for every point, the mean Euclidean
// distance to its k nearest neighbours (the point itself excluded).
// Points with no neighbours get 0.
func MeanNeighborDistances(cloud geom.PointCloud, k int) []float64 {
	ix := geom.NewIndex(cloud.Points)
	out := make([]float64, cloud.Len())
	for i, p := range cloud.Points {
		var sum float64
		var n int
		for _, nb := range ix.KNearest(p, k+1) {
			if nb.Index == i {
				continue
			}
			if n == k {
				break
			}
			sum += nb.Distance
			n++
		}
		if n > 0 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// RemoveStatisticalOutliers drops every point whose mean neighbour distance
// exceeds mean + ratio*std over the whole cloud. It returns the surviving
// cloud and the indices kept.
func RemoveStatisticalOutliers(cloud geom.PointCloud, k int, ratio float64) (geom.PointCloud, []int) {
	if cloud.Empty() || k <= 0 {
		return cloud.Subset(allIndices(cloud.Len())), allIndices(cloud.Len())
	}

	means := MeanNeighborDistances(cloud, k)
	var mean, std float64
	if len(means) > 1 {
		mean, std = stat.MeanStdDev(means, nil)
	} else {
		mean = means[0]
	}
	limit := mean + ratio*std

	keep := make([]int, 0, len(means))
	for i, m := range means {
		if m <= limit {
			keep = append(keep, i)
		}
	}
	return cloud.Subset(keep), keep
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
