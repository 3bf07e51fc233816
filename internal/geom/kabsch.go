package geom

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// ErrDegenerate is returned when a point set cannot determine a rigid
// transform (too few points, or all points collinear).
var ErrDegenerate = errors.New("degenerate point configuration")

// EstimateRigid returns the rigid transform T minimising
// sum |T(src[i]) - dst[i]|^2 using the SVD (Kabsch) solution with a
// reflection correction.
func EstimateRigid(src, dst []r3.Vector) (Transform, error) {
	if len(src) != len(dst) {
		return Identity(), fmt.Errorf("estimate rigid: %d source vs %d target points", len(src), len(dst))
	}
	if len(src) < 3 {
		return Identity(), fmt.Errorf("estimate rigid: %w: %d points", ErrDegenerate, len(src))
	}

	cs := Centroid(src)
	cd := Centroid(dst)

	// Cross-covariance H = sum (s - cs)(d - cd)^T.
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := src[i].Sub(cs)
		d := dst[i].Sub(cd)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*dv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Identity(), fmt.Errorf("estimate rigid: %w: svd did not converge", ErrDegenerate)
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[1]/values[0] < 1e-12 {
		return Identity(), fmt.Errorf("estimate rigid: %w: rank-deficient covariance", ErrDegenerate)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V diag(1, 1, sign(det(V U^T))) U^T
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := mat.NewDiagDense(3, []float64{1, 1, 1})
	if mat.Det(&vut) < 0 {
		d.SetDiag(2, -1)
	}
	var vd, r mat.Dense
	vd.Mul(&v, d)
	r.Mul(&vd, u.T())

	rc := FromRotationTranslation(&r, r3.Vector{}).Apply(cs)
	return FromRotationTranslation(&r, cd.Sub(rc)), nil
}
