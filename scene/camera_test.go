package scene

import (
	"math"
	"testing"
	"time"

	"github.com/achilleasa/polaris-ddgi/types"
)

func approxEq(a, b types.Vec3, eps float32) bool {
	return a.Sub(b).Len() <= eps
}

func TestFrustumCorners(t *testing.T) {
	c := NewCamera(90)
	c.SetupProjection(1)

	s := float32(1 / math.Sqrt(3))
	exp := [4]types.Vec3{
		{-s, s, -s},
		{s, s, -s},
		{-s, -s, -s},
		{s, -s, -s},
	}
	for i, corner := range c.Frustum {
		if got := corner.Vec3().Normalize(); !approxEq(got, exp[i], 1e-3) {
			t.Errorf("corner %d: expected direction %v; got %v", i, exp[i], got)
		}
	}
}

func TestStaticCamera(t *testing.T) {
	c := NewCamera(45)
	c.Position = types.XYZ(1, 2, 3)
	c.SetupProjection(1)
	c.Update(time.Second)

	if c.Position != types.XYZ(1, 2, 3) {
		t.Fatalf("expected static camera to stay put; got %v", c.Position)
	}
}

func TestOrbitController(t *testing.T) {
	c := NewCamera(45)
	c.Position = types.XYZ(0, 0, 5)
	c.LookAt = types.Vec3{}
	c.SetController(&Orbit{Speed: math.Pi / 2})
	c.SetupProjection(1)

	c.Update(time.Second)
	if !approxEq(c.Position, types.XYZ(5, 0, 0), 1e-4) {
		t.Fatalf("expected camera at (5, 0, 0) after a quarter orbit; got %v", c.Position)
	}
	if c.LookAt != (types.Vec3{}) {
		t.Fatalf("expected camera to keep looking at the orbit target; got %v", c.LookAt)
	}
}

func TestFlyController(t *testing.T) {
	c := NewCamera(45)
	c.SetController(&Fly{Velocity: types.XYZ(0, 0, 2)})
	c.SetupProjection(1)

	c.Update(500 * time.Millisecond)
	if !approxEq(c.Position, types.XYZ(0, 0, -1), 1e-5) {
		t.Fatalf("expected camera to fly forward to (0, 0, -1); got %v", c.Position)
	}
	if !approxEq(c.LookAt, types.XYZ(0, 0, -2), 1e-5) {
		t.Fatalf("expected look-at point to move with the camera; got %v", c.LookAt)
	}

	// A yaw of pi/2 about +y turns the view from -z to -x.
	c.SetController(&Fly{YawRate: math.Pi / 2})
	c.Update(time.Second)
	dir := c.LookAt.Sub(c.Position).Normalize()
	if !approxEq(dir, types.XYZ(-1, 0, 0), 1e-4) {
		t.Fatalf("expected view direction (-1, 0, 0); got %v", dir)
	}
	if c.Yaw != 0 || c.Pitch != 0 {
		t.Fatal("expected pending rotation deltas to be consumed")
	}
}
