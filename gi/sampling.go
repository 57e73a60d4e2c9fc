package gi

import (
	"math"

	"github.com/achilleasa/polaris-ddgi/types"
)

// Hit distance written for rays that leave the scene.
const MissDistance = 1e27

// Factor applied to the hit distance of backface hits; the sign marks the
// sample as a backface.
const backfaceDistanceScale = -0.2

var goldenRatioFract = float32((math.Sqrt(5)*0.5 + 0.5) - 1)

// SphericalFibonacci returns direction index of count points evenly
// distributed over the unit sphere.
func SphericalFibonacci(index, count int) types.Vec3 {
	i := float32(index)
	phi := 2 * math.Pi * fract(i*goldenRatioFract)
	cosTheta := 1 - (2*i+1)/float32(count)
	sinTheta := float32(math.Sqrt(float64(clamp(1-cosTheta*cosTheta, 0, 1))))
	return types.XYZ(
		float32(math.Cos(float64(phi)))*sinTheta,
		float32(math.Sin(float64(phi)))*sinTheta,
		cosTheta,
	)
}

// RayDirection returns the world space direction of probe ray index for a
// frame rotated by rotation.
func RayDirection(rotation types.Quat, index, count int) types.Vec3 {
	return rotation.Rotate(SphericalFibonacci(index, count))
}

// OctEncode maps a unit direction to octahedral coordinates in [-1, 1]².
func OctEncode(dir types.Vec3) types.Vec2 {
	l1 := abs(dir[0]) + abs(dir[1]) + abs(dir[2])
	u, v := dir[0]/l1, dir[1]/l1
	if dir[2] < 0 {
		u, v = (1-abs(v))*signNotZero(u), (1-abs(u))*signNotZero(v)
	}
	return types.XY(u, v)
}

// OctDecode maps octahedral coordinates in [-1, 1]² to a unit direction.
func OctDecode(coords types.Vec2) types.Vec3 {
	v := types.XYZ(coords[0], coords[1], 1-abs(coords[0])-abs(coords[1]))
	if v[2] < 0 {
		v[0], v[1] = (1-abs(coords[1]))*signNotZero(coords[0]), (1-abs(coords[0]))*signNotZero(coords[1])
	}
	return v.Normalize()
}

// texelDirection returns the direction represented by interior texel
// (tx, ty) of a tile with texels² interior texels. Interior coordinates
// start at 1.
func texelDirection(tx, ty, texels int) types.Vec3 {
	u := (float32(tx-1)+0.5)/float32(texels)*2 - 1
	v := (float32(ty-1)+0.5)/float32(texels)*2 - 1
	return OctDecode(types.XY(u, v))
}

func fract(v float32) float32 {
	return v - float32(math.Floor(float64(v)))
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func signNotZero(v float32) float32 {
	if v >= 0 {
		return 1
	}
	return -1
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func pow(v, e float32) float32 {
	return float32(math.Pow(float64(v), float64(e)))
}
