// Package preprocess cleans a raw scan before registration: it removes the
// dominant plane (fixture or background), drops statistical outliers and
// optionally downsamples and isolates the largest connected component.
package preprocess

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// ErrEmptyCloud is returned when there is nothing left to register.
var ErrEmptyCloud = errors.New("point cloud is empty")

// Options controls SegmentAndClean.
type Options struct {
	PlaneDistance    float64
	PlaneIterations  int
	OutlierNeighbors int
	OutlierStdRatio  float64

	// Optional steps, applied after outlier removal when enabled.
	DownsampleVoxel       float64
	IsolateLargestCluster bool
	Cluster               DBSCANParams

	Rand *rand.Rand
}

// Stats reports what each step removed.
type Stats struct {
	Input           int
	PlaneInliers    int
	OutliersRemoved int
	Output          int
}

// SegmentAndClean removes the dominant plane and statistical outliers from
// cloud. A scan without a detectable plane passes through unchanged; a scan
// emptied by cleaning returns ErrEmptyCloud.
func SegmentAndClean(cloud geom.PointCloud, opts Options) (geom.PointCloud, Stats, error) {
	stats := Stats{Input: cloud.Len()}
	if cloud.Empty() {
		return geom.PointCloud{}, stats, fmt.Errorf("segment and clean: %w", ErrEmptyCloud)
	}
	iterations := opts.PlaneIterations
	if iterations <= 0 {
		iterations = DefaultPlaneIterations
	}

	rest, plane := RemovePlane(cloud, opts.PlaneDistance, iterations, opts.Rand)
	stats.PlaneInliers = len(plane.Inliers)
	if rest.Empty() {
		return geom.PointCloud{}, stats, fmt.Errorf("plane removal discarded all %d points: %w", cloud.Len(), ErrEmptyCloud)
	}

	cleaned, _ := RemoveStatisticalOutliers(rest, opts.OutlierNeighbors, opts.OutlierStdRatio)
	stats.OutliersRemoved = rest.Len() - cleaned.Len()
	if cleaned.Empty() {
		return geom.PointCloud{}, stats, fmt.Errorf("outlier removal discarded all %d points: %w", rest.Len(), ErrEmptyCloud)
	}

	if opts.DownsampleVoxel > 0 {
		cleaned = VoxelDownsample(cleaned, opts.DownsampleVoxel)
	}
	if opts.IsolateLargestCluster {
		cleaned = IsolateLargestCluster(cleaned, opts.Cluster)
	}

	stats.Output = cleaned.Len()
	return cleaned, stats, nil
}
