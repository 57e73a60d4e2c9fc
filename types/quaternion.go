package types

import (
	"math"
	"math/rand"

	"github.com/go-gl/mathgl/mgl32"
)

// Quaternion type; arithmetic is delegated to mathgl.
type Quat struct {
	V Vec3
	W float32
}

func (q1 Quat) mgl() mgl32.Quat {
	return mgl32.Quat{W: q1.W, V: mgl32.Vec3(q1.V)}
}

func quatFromMgl(q mgl32.Quat) Quat {
	return Quat{V: Vec3(q.V), W: q.W}
}

// Create identity quaternion.
func QuatIdent() Quat {
	return quatFromMgl(mgl32.QuatIdent())
}

// Create a quaternion from an axis vector and an angle.
func QuatFromAxisAngle(axis Vec3, angle float32) Quat {
	return quatFromMgl(mgl32.QuatRotate(angle, mgl32.Vec3(axis)))
}

// Generate a uniformly distributed random rotation (Shoemake's method).
func RandomQuat(rng *rand.Rand) Quat {
	u1, u2, u3 := rng.Float64(), rng.Float64(), rng.Float64()
	s1 := math.Sqrt(1 - u1)
	s2 := math.Sqrt(u1)
	a2 := 2 * math.Pi * u2
	a3 := 2 * math.Pi * u3
	return Quat{
		V: Vec3{
			float32(s1 * math.Sin(a2)),
			float32(s1 * math.Cos(a2)),
			float32(s2 * math.Sin(a3)),
		},
		W: float32(s2 * math.Cos(a3)),
	}.Normalize()
}

// Rotates a vector by the rotation this quaternion represents.
func (q1 Quat) Rotate(v Vec3) Vec3 {
	return Vec3(q1.mgl().Rotate(mgl32.Vec3(v)))
}

// Multiplies two quaternions. Multiplication is not commutative.
func (q1 Quat) Mul(q2 Quat) Quat {
	return quatFromMgl(q1.mgl().Mul(q2.mgl()))
}

// Returns the length of the quaternion.
func (q1 Quat) Len() float32 {
	return q1.mgl().Len()
}

// Normalizes the quaternion, returning its versor (unit quaternion).
func (q1 Quat) Normalize() Quat {
	return quatFromMgl(q1.mgl().Normalize())
}

// The inverse of a quaternion.
func (q1 Quat) Inverse() Quat {
	return quatFromMgl(q1.mgl().Inverse())
}

// Returns the homogeneous 3D rotation matrix corresponding to the quaternion.
func (q1 Quat) Mat4() Mat4 {
	return Mat4(q1.mgl().Mat4())
}

// Pack quaternion as a Vec4 (x, y, z, w) for upload into constant buffers.
func (q1 Quat) Vec4() Vec4 {
	return Vec4{q1.V[0], q1.V[1], q1.V[2], q1.W}
}
