// Package registration aligns a cleaned scan to its reference surface. It
// provides the coarse global stage (normals, FPFH descriptors and a RANSAC
// correspondence search) and the local point-to-point ICP refinement.
package registration

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// EstimateNormals returns a copy of cloud with a unit normal per point,
// taken as the eigenvector of the smallest eigenvalue of the covariance of
// the (at most maxNN) neighbours within radius. Points with fewer than three
// neighbours get +Z. Normals are flipped to point away from the cloud
// centroid, which keeps orientation consistent between two rigidly related
// clouds.
func EstimateNormals(cloud geom.PointCloud, radius float64, maxNN int) geom.PointCloud {
	return estimateNormalsWithIndex(cloud, geom.NewIndex(cloud.Points), radius, maxNN)
}

func estimateNormalsWithIndex(cloud geom.PointCloud, ix *geom.Index, radius float64, maxNN int) geom.PointCloud {
	normals := make([]r3.Vector, cloud.Len())
	centroid := cloud.Centroid()

	nbPts := make([]r3.Vector, 0, maxNN)
	for i, p := range cloud.Points {
		nbs := ix.Radius(p, radius, maxNN)
		nbPts = nbPts[:0]
		for _, nb := range nbs {
			nbPts = append(nbPts, cloud.Points[nb.Index])
		}
		n, ok := planeNormal(nbPts)
		if !ok {
			n = r3.Vector{Z: 1}
		}
		if n.Dot(p.Sub(centroid)) < 0 {
			n = n.Mul(-1)
		}
		normals[i] = n
	}

	out, _ := cloud.WithNormals(normals)
	return out
}

// planeNormal fits a plane to pts by PCA and returns its unit normal.
func planeNormal(pts []r3.Vector) (r3.Vector, bool) {
	if len(pts) < 3 {
		return r3.Vector{}, false
	}
	c := geom.Centroid(pts)
	var xx, xy, xz, yy, yz, zz float64
	for _, p := range pts {
		d := p.Sub(c)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	cov := mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	})

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return r3.Vector{}, false
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	vals := eig.Values(nil)
	col := 0
	for i := 1; i < len(vals); i++ {
		if vals[i] < vals[col] {
			col = i
		}
	}
	n := r3.Vector{X: vecs.At(0, col), Y: vecs.At(1, col), Z: vecs.At(2, col)}
	norm := n.Norm()
	if norm == 0 {
		return r3.Vector{}, false
	}
	return n.Mul(1 / norm), true
}
