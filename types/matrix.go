package types

import (
	"github.com/go-gl/mathgl/mgl32"
)

const floatCmpEpsilon = 1e-6

// Column-major 4x4 matrix.
type Mat4 mgl32.Mat4

// Column-major 3x3 matrix.
type Mat3 mgl32.Mat3

// Row-major 3x4 affine transform as consumed by raytracing instance
// descriptors. Row r holds elements [4r, 4r+4) with the translation in
// the last column.
type Mat3x4 [12]float32

// Create a 4x4 identity matrix.
func Ident4() Mat4 {
	return Mat4(mgl32.Ident4())
}

// Create a perspective projection matrix; fovy is specified in degrees.
func Perspective4(fovy, aspect, near, far float32) Mat4 {
	return Mat4(mgl32.Perspective(mgl32.DegToRad(fovy), aspect, near, far))
}

// Create a view matrix.
func LookAtV(eye, center, up Vec3) Mat4 {
	return Mat4(mgl32.LookAtV(mgl32.Vec3(eye), mgl32.Vec3(center), mgl32.Vec3(up)))
}

// Create a translation matrix.
func Translate4(v Vec3) Mat4 {
	return Mat4(mgl32.Translate3D(v[0], v[1], v[2]))
}

// Create a scale matrix.
func Scale4(v Vec3) Mat4 {
	return Mat4(mgl32.Scale3D(v[0], v[1], v[2]))
}

// Multiply two matrices.
func (m Mat4) Mul4(m2 Mat4) Mat4 {
	return Mat4(mgl32.Mat4(m).Mul4(mgl32.Mat4(m2)))
}

// Multiply matrix with a 4 component vector.
func (m Mat4) Mul4x1(v Vec4) Vec4 {
	return Vec4(mgl32.Mat4(m).Mul4x1(mgl32.Vec4(v)))
}

// Invert matrix. A singular matrix yields the zero matrix.
func (m Mat4) Inv() Mat4 {
	return Mat4(mgl32.Mat4(m).Inv())
}

// Transform a point (w = 1).
func (m Mat4) TransformPoint(v Vec3) Vec3 {
	return Vec3(mgl32.TransformCoordinate(mgl32.Vec3(v), mgl32.Mat4(m)))
}

// Transform a direction (w = 0).
func (m Mat4) TransformVector(v Vec3) Vec3 {
	return Vec3(mgl32.TransformNormal(mgl32.Vec3(v), mgl32.Mat4(m)))
}

// Extract the top-left 3x3 matrix from a 4x4 matrix.
func (m Mat4) Mat3() Mat3 {
	return Mat3(mgl32.Mat4(m).Mat3())
}

// Convert to the row-major 3x4 layout by dropping the last row.
func (m Mat4) Mat3x4() Mat3x4 {
	mm := mgl32.Mat4(m)
	var out Mat3x4
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			out[row*4+col] = mm.At(row, col)
		}
	}
	return out
}

// Identity 3x4 transform.
func Ident3x4() Mat3x4 {
	return Ident4().Mat3x4()
}

// Expand to a 4x4 matrix.
func (m Mat3x4) Mat4() Mat4 {
	return Mat4(mgl32.Mat4FromRows(
		mgl32.Vec4{m[0], m[1], m[2], m[3]},
		mgl32.Vec4{m[4], m[5], m[6], m[7]},
		mgl32.Vec4{m[8], m[9], m[10], m[11]},
		mgl32.Vec4{0, 0, 0, 1},
	))
}

// Transform a point.
func (m Mat3x4) TransformPoint(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2] + m[3],
		m[4]*v[0] + m[5]*v[1] + m[6]*v[2] + m[7],
		m[8]*v[0] + m[9]*v[1] + m[10]*v[2] + m[11],
	}
}

// Transform a direction.
func (m Mat3x4) TransformVector(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[4]*v[0] + m[5]*v[1] + m[6]*v[2],
		m[8]*v[0] + m[9]*v[1] + m[10]*v[2],
	}
}

// Invert the affine transform.
func (m Mat3x4) Inv() Mat3x4 {
	return m.Mat4().Inv().Mat3x4()
}
