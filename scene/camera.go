package scene

import (
	"fmt"
	"time"

	"github.com/achilleasa/polaris-ddgi/types"
)

// Stores the ray directions at the four corners of the camera frustum
// (top-left, top-right, bottom-left, bottom-right). Per pixel rays are
// generated by interpolating the corner rays.
type Frustum [4]types.Vec4

func (fr Frustum) String() string {
	return fmt.Sprintf(
		"Frustum Rays:\nTL : (%3.3f, %3.3f, %3.3f)\nTR : (%3.3f, %3.3f, %3.3f)\nBL : (%3.3f, %3.3f, %3.3f)\nBR : (%3.3f, %3.3f, %3.3f)",
		fr[0][0], fr[0][1], fr[0][2],
		fr[1][0], fr[1][1], fr[1][2],
		fr[2][0], fr[2][1], fr[2][2],
		fr[3][0], fr[3][1], fr[3][2],
	)
}

// A Controller moves a camera once per frame.
type Controller interface {
	Update(c *Camera, dt time.Duration)
}

// ControllerFunc adapts a function to the Controller interface.
type ControllerFunc func(c *Camera, dt time.Duration)

// Update calls f(c, dt).
func (f ControllerFunc) Update(c *Camera, dt time.Duration) { f(c, dt) }

// Static leaves the camera where it is.
var Static Controller = ControllerFunc(func(*Camera, time.Duration) {})

// Orbit circles the camera around Target about the camera up axis.
type Orbit struct {
	Target types.Vec3

	// Angular speed in radians per second.
	Speed float32
}

func (o *Orbit) Update(c *Camera, dt time.Duration) {
	angle := o.Speed * float32(dt.Seconds())
	rot := types.QuatFromAxisAngle(c.Up, angle)
	c.Position = o.Target.Add(rot.Rotate(c.Position.Sub(o.Target)))
	c.LookAt = o.Target
}

// Fly moves the camera along its own axes and turns it, the way an
// interactive viewer maps keys and mouse deltas.
type Fly struct {
	// Movement in units per second along (right, up, forward).
	Velocity types.Vec3

	// Turn rates in radians per second.
	YawRate   float32
	PitchRate float32
}

func (f *Fly) Update(c *Camera, dt time.Duration) {
	secs := float32(dt.Seconds())
	if speed := f.Velocity.Len(); speed > 0 {
		c.Move(f.Velocity.Normalize(), speed*secs)
	}
	c.Yaw += f.YawRate * secs
	c.Pitch += f.PitchRate * secs
}

// The camera type controls the scene camera. How the camera moves between
// frames is delegated to its Controller.
type Camera struct {
	Position types.Vec3
	LookAt   types.Vec3
	Up       types.Vec3

	// Pending rotation deltas; consumed by Update.
	Pitch float32
	Yaw   float32

	ViewMat types.Mat4
	ProjMat types.Mat4
	Frustum Frustum

	// Camera FOV in degrees.
	FOV float32

	// Adjust the frustum so that Y is inverted
	InvertY bool

	controller Controller
}

func NewCamera(fov float32) *Camera {
	return &Camera{
		ViewMat:    types.Ident4(),
		ProjMat:    types.Ident4(),
		Position:   types.Vec3{0, 0, 0},
		LookAt:     types.Vec3{0, 0, -1},
		Up:         types.Vec3{0, 1, 0},
		FOV:        fov,
		controller: Static,
	}
}

// SetController selects the strategy used to move the camera. A nil
// controller makes the camera static.
func (c *Camera) SetController(ctrl Controller) {
	if ctrl == nil {
		ctrl = Static
	}
	c.controller = ctrl
}

// Setup camera projection matrix.
func (c *Camera) SetupProjection(aspect float32) {
	c.ProjMat = types.Perspective4(c.FOV, aspect, 0.1, 1000)
	c.refresh()
}

// Update advances the camera controller by dt and recalculates the camera
// matrices.
func (c *Camera) Update(dt time.Duration) {
	c.controller.Update(c, dt)
	c.refresh()
}

// Move the camera along its local axes. dir holds the (right, up, forward)
// components.
func (c *Camera) Move(dir types.Vec3, amount float32) {
	forward := c.LookAt.Sub(c.Position).Normalize()
	right := forward.Cross(c.Up).Normalize()
	up := right.Cross(forward)

	delta := right.Mul(dir[0]).Add(up.Mul(dir[1])).Add(forward.Mul(dir[2])).Mul(amount)
	c.Position = c.Position.Add(delta)
	c.LookAt = c.LookAt.Add(delta)
}

// Apply pending pitch/yaw and rebuild the view matrix and frustum.
func (c *Camera) refresh() {
	dir := c.LookAt.Sub(c.Position).Normalize()
	if c.Pitch != 0 || c.Yaw != 0 {
		pitchAxis := dir.Cross(c.Up)
		pitchQuat := types.QuatFromAxisAngle(pitchAxis, c.Pitch)
		yawQuat := types.QuatFromAxisAngle(c.Up, c.Yaw)
		orientQuat := pitchQuat.Mul(yawQuat).Normalize()
		dir = orientQuat.Rotate(dir)
		c.LookAt = c.Position.Add(dir)
		c.Pitch, c.Yaw = 0, 0
	}

	c.ViewMat = types.LookAtV(c.Position, c.LookAt, c.Up)
	c.updateFrustum()
}

func (c *Camera) InvViewProjMat() types.Mat4 {
	return c.ProjMat.Mul4(c.ViewMat).Inv()
}

// Generate a ray vector for each corner of the camera frustum by
// multiplying clip space vectors for each corner with the inv proj/view
// matrix, applying perspective and subtracting the camera eye position.
func (c *Camera) updateFrustum() {
	invProjViewMat := c.InvViewProjMat()

	var yUp float32 = 1.0
	if c.InvertY {
		yUp = -1.0
	}

	corners := [4]types.Vec4{
		types.XYZW(-1, yUp, -1, 1),
		types.XYZW(1, yUp, -1, 1),
		types.XYZW(-1, -yUp, -1, 1),
		types.XYZW(1, -yUp, -1, 1),
	}
	for i, corner := range corners {
		v := invProjViewMat.Mul4x1(corner)
		c.Frustum[i] = v.Mul(1.0 / v[3]).Vec3().Sub(c.Position).Vec4(0)
	}
}
