package geom

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// MatrixValidationTolerance bounds the determinant and orthonormality error
// accepted by IsValidTransformMatrix.
const MatrixValidationTolerance = 1e-6

// Transform is a 4x4 homogeneous rigid transform stored row-major:
// m00,m01,m02,m03, m10,... The top-left 3x3 block is the rotation and the
// last column the translation.
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// FromRotationTranslation builds a transform from a 3x3 rotation and a
// translation vector.
func FromRotationTranslation(R mat.Matrix, t r3.Vector) Transform {
	T := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			T[i*4+j] = R.At(i, j)
		}
	}
	T[3], T[7], T[11] = t.X, t.Y, t.Z
	return T
}

// Translation returns a pure translation.
func Translation(t r3.Vector) Transform {
	T := Identity()
	T[3], T[7], T[11] = t.X, t.Y, t.Z
	return T
}

// RotationZ returns a rotation of angle radians about the Z axis.
func RotationZ(angle float64) Transform {
	c, s := math.Cos(angle), math.Sin(angle)
	return Transform{
		c, -s, 0, 0,
		s, c, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Mul returns a·b. Applying the result is equivalent to applying b and then a.
func Mul(a, b Transform) Transform {
	var out Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += a[i*4+k] * b[k*4+j]
			}
			out[i*4+j] = s
		}
	}
	return out
}

// Apply transforms a position.
func (T Transform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: T[0]*p.X + T[1]*p.Y + T[2]*p.Z + T[3],
		Y: T[4]*p.X + T[5]*p.Y + T[6]*p.Z + T[7],
		Z: T[8]*p.X + T[9]*p.Y + T[10]*p.Z + T[11],
	}
}

// ApplyDirection rotates a direction, ignoring translation.
func (T Transform) ApplyDirection(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: T[0]*v.X + T[1]*v.Y + T[2]*v.Z,
		Y: T[4]*v.X + T[5]*v.Y + T[6]*v.Z,
		Z: T[8]*v.X + T[9]*v.Y + T[10]*v.Z,
	}
}

// Rotation returns the 3x3 rotation block.
func (T Transform) Rotation() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		T[0], T[1], T[2],
		T[4], T[5], T[6],
		T[8], T[9], T[10],
	})
}

// TranslationVector returns the translation column.
func (T Transform) TranslationVector() r3.Vector {
	return r3.Vector{X: T[3], Y: T[7], Z: T[11]}
}

// Inverse returns the inverse of a rigid transform (R^T, -R^T t).
func (T Transform) Inverse() Transform {
	inv := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			inv[i*4+j] = T[j*4+i]
		}
	}
	t := T.TranslationVector()
	inv[3] = -(inv[0]*t.X + inv[1]*t.Y + inv[2]*t.Z)
	inv[7] = -(inv[4]*t.X + inv[5]*t.Y + inv[6]*t.Z)
	inv[11] = -(inv[8]*t.X + inv[9]*t.Y + inv[10]*t.Z)
	return inv
}

// RotationAngle returns the rotation magnitude in radians. Sine and cosine
// are both taken from R so that small angles keep full precision.
func (T Transform) RotationAngle() float64 {
	c := (T[0] + T[5] + T[10] - 1) / 2
	axis := r3.Vector{X: T[9] - T[6], Y: T[2] - T[8], Z: T[4] - T[1]}
	return math.Atan2(0.5*axis.Norm(), c)
}

// Delta returns the rotation angle and translation distance of a^-1·b.
func Delta(a, b Transform) (angle, distance float64) {
	d := Mul(a.Inverse(), b)
	return d.RotationAngle(), d.TranslationVector().Norm()
}

// IsValidTransformMatrix checks that T is a proper rigid transform: an
// orthonormal rotation block with determinant 1 and a last row of 0 0 0 1.
func IsValidTransformMatrix(T Transform) bool {
	R := T.Rotation()
	if math.Abs(mat.Det(R)-1.0) > MatrixValidationTolerance {
		return false
	}

	var rtr mat.Dense
	rtr.Mul(R.T(), R)
	if !mat.EqualApprox(&rtr, eye3(), MatrixValidationTolerance) {
		return false
	}

	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > MatrixValidationTolerance {
		return false
	}
	return true
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
