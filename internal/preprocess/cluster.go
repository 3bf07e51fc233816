package preprocess

import (
	"github.com/banshee-data/scaninspect/internal/geom"
)

// DBSCANParams contains parameters for the DBSCAN clustering algorithm.
type DBSCANParams struct {
	Eps    float64 // Neighborhood radius in cloud units
	MinPts int     // Minimum points (including the seed) to form a core point
}

// DBSCAN labels every point of cloud with a cluster id (>0) or -1 for noise.
// It uses full 3D Euclidean distance. It returns the labels and the number
// of clusters found.
func DBSCAN(cloud geom.PointCloud, params DBSCANParams) ([]int, int) {
	n := cloud.Len()
	labels := make([]int, n) // 0=unvisited, -1=noise, >0=clusterID
	if n == 0 || params.Eps <= 0 {
		return labels, 0
	}

	ix := geom.NewIndex(cloud.Points)
	regionQuery := func(i int) []int {
		nbs := ix.Radius(cloud.Points[i], params.Eps, 0)
		out := make([]int, len(nbs))
		for k, nb := range nbs {
			out[k] = nb.Index
		}
		return out
	}

	clusterID := 0
	for i := 0; i < n; i++ {
		if labels[i] != 0 {
			continue // Already processed
		}

		neighbors := regionQuery(i)
		if len(neighbors) < params.MinPts {
			labels[i] = -1 // Mark as noise
			continue
		}

		clusterID++
		labels[i] = clusterID

		// Queue-based expansion
		for j := 0; j < len(neighbors); j++ {
			idx := neighbors[j]
			if labels[idx] == -1 {
				labels[idx] = clusterID // Noise becomes border point
			}
			if labels[idx] != 0 {
				continue
			}
			labels[idx] = clusterID
			if next := regionQuery(idx); len(next) >= params.MinPts {
				neighbors = append(neighbors, next...)
			}
		}
	}
	return labels, clusterID
}

// IsolateLargestCluster keeps only the points of the most populous DBSCAN
// cluster. Ties go to the lower cluster id. When no cluster forms the cloud
// is returned unchanged.
func IsolateLargestCluster(cloud geom.PointCloud, params DBSCANParams) geom.PointCloud {
	labels, clusters := DBSCAN(cloud, params)
	if clusters == 0 {
		return cloud
	}

	sizes := make([]int, clusters+1)
	for _, l := range labels {
		if l > 0 {
			sizes[l]++
		}
	}
	best := 1
	for id := 2; id <= clusters; id++ {
		if sizes[id] > sizes[best] {
			best = id
		}
	}

	keep := make([]int, 0, sizes[best])
	for i, l := range labels {
		if l == best {
			keep = append(keep, i)
		}
	}
	return cloud.Subset(keep)
}
