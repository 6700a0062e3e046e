package pmath

// Frame-to-reference geometric transforms: a pixel shift plus a 2x2
// linear part, i.e. an affine map.

import (
	"fmt"
	"math"

	"golang.org/x/image/math/f64"  // Will be "image/math/f64" at some point, hopefully
)

// Use a local type so we can hang methods off it. Layout is the
// x/image row-major one: {m00, m01, tx, m10, m11, ty}.
type Aff3 f64.Aff3

func Identity() Aff3 {
	return Aff3{1, 0, 0,   0, 1, 0}
}

func Translation(tx, ty float64) Aff3 {
	return Aff3{1, 0, tx,   0, 1, ty}
}

// Cut-n-pasted from image@0.7.0/draw/scale:matMul
func (p Aff3)Mult(q Aff3) Aff3 {
	return Aff3{
		p[3*0+0]*q[3*0+0] + p[3*0+1]*q[3*1+0],
		p[3*0+0]*q[3*0+1] + p[3*0+1]*q[3*1+1],
		p[3*0+0]*q[3*0+2] + p[3*0+1]*q[3*1+2] + p[3*0+2],
		p[3*1+0]*q[3*0+0] + p[3*1+1]*q[3*1+0],
		p[3*1+0]*q[3*0+1] + p[3*1+1]*q[3*1+1],
		p[3*1+0]*q[3*0+2] + p[3*1+1]*q[3*1+2] + p[3*1+2],
	}
}

// Apply maps a reference-frame position into this transform's frame.
func (m Aff3)Apply(x, y float64) (float64, float64) {
	return m[3*0+0]*x + m[3*0+1]*y + m[3*0+2],
		m[3*1+0]*x + m[3*1+1]*y + m[3*1+2]
}

func (m Aff3)Shift() (float64, float64) { return m[3*0+2], m[3*1+2] }

// IsIdentity reports whether the whole transform is the identity, to
// within eps.
func (m Aff3)IsIdentity(eps float64) bool {
	return m.IsTranslation(eps) &&
		math.Abs(m[3*0+2]) <= eps && math.Abs(m[3*1+2]) <= eps
}

// IsTranslation reports whether the linear part is the identity, to
// within eps - i.e. the transform is a pure (dx,dy) shift.
func (m Aff3)IsTranslation(eps float64) bool {
	return math.Abs(m[3*0+0]-1.0) <= eps && math.Abs(m[3*0+1]) <= eps &&
		math.Abs(m[3*1+0]) <= eps && math.Abs(m[3*1+1]-1.0) <= eps
}

func (m Aff3)String() string {
	return fmt.Sprintf("[%8.3f %8.3f | %9.3f]/[%8.3f %8.3f | %9.3f]",
		m[3*0+0], m[3*0+1], m[3*0+2], m[3*1+0], m[3*1+1], m[3*1+2])
}
