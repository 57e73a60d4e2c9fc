package reader

import (
	"math"

	"github.com/achilleasa/polaris-ddgi/scene"
	"github.com/achilleasa/polaris-ddgi/types"
)

// NewCornellBox builds the classic Cornell box: a 2x2x2 room centered at the
// origin and open towards +z, an area light below the ceiling and two white
// blocks sharing a single mesh.
func NewCornellBox() *scene.Scene {
	sc := scene.New()
	white := uint32(sc.AddMaterial(scene.Material{Name: "white", Albedo: types.XYZ(0.73, 0.73, 0.73), Opacity: 1}))
	red := uint32(sc.AddMaterial(scene.Material{Name: "red", Albedo: types.XYZ(0.65, 0.05, 0.05), Opacity: 1}))
	green := uint32(sc.AddMaterial(scene.Material{Name: "green", Albedo: types.XYZ(0.12, 0.45, 0.15), Opacity: 1}))
	light := uint32(sc.AddMaterial(scene.Material{Name: "light", Albedo: types.XYZ(0.78, 0.78, 0.78), Emissive: types.XYZ(17, 12, 4), Opacity: 1}))

	x, y, z := types.XYZ(1, 0, 0), types.XYZ(0, 1, 0), types.XYZ(0, 0, 1)

	// Wall normals face into the room.
	room := scene.NewMesh("room")
	addQuads(room, white,
		quad(types.XYZ(0, -1, 0), z, x), // floor
		quad(types.XYZ(0, 1, 0), x, z),  // ceiling
		quad(types.XYZ(0, 0, -1), x, y), // back
	)
	addQuads(room, red, quad(types.XYZ(-1, 0, 0), y, z))
	addQuads(room, green, quad(types.XYZ(1, 0, 0), z, y))
	addQuads(room, light, quad(types.XYZ(0, 0.99, 0), x.Mul(0.25), z.Mul(0.2)))
	sc.AddInstance(sc.AddMesh(room), types.Ident4(), true)

	// Unit cube with outward facing normals.
	block := scene.NewMesh("block")
	addQuads(block, white,
		quad(x, y, z), quad(x.Neg(), z, y),
		quad(y, z, x), quad(y.Neg(), x, z),
		quad(z, x, y), quad(z.Neg(), y, x),
	)
	blockMesh := sc.AddMesh(block)
	sc.AddInstance(blockMesh, blockTransform(types.XYZ(0.33, -0.7, 0.37), -17, types.XYZ(0.3, 0.3, 0.3)), true)
	sc.AddInstance(blockMesh, blockTransform(types.XYZ(-0.34, -0.4, -0.28), 15, types.XYZ(0.3, 0.6, 0.3)), true)

	sc.Camera.FOV = 40
	sc.Camera.Position = types.XYZ(0, 0, 3.4)
	sc.Camera.LookAt = types.XYZ(0, 0, 0)
	return sc
}

// Return the corners of a quad centered at c that spans [-1, 1] along the
// u and v axes. The quad normal points along u x v.
func quad(c, u, v types.Vec3) [4]types.Vec3 {
	return [4]types.Vec3{
		c.Sub(u).Sub(v),
		c.Add(u).Sub(v),
		c.Add(u).Add(v),
		c.Sub(u).Add(v),
	}
}

// Append quads to a mesh as a single primitive.
func addQuads(m *scene.Mesh, material uint32, quads ...[4]types.Vec3) {
	vertices := make([]types.Vec3, 0, 4*len(quads))
	indices := make([]uint32, 0, 6*len(quads))
	for _, q := range quads {
		base := uint32(len(vertices))
		vertices = append(vertices, q[:]...)
		indices = append(indices, base, base+1, base+2, base, base+2, base+3)
	}
	m.AddPrimitive(vertices, indices, material)
}

func blockTransform(translation types.Vec3, yawDegrees float32, scale types.Vec3) types.Mat4 {
	rot := types.QuatFromAxisAngle(types.XYZ(0, 1, 0), yawDegrees*math.Pi/180).Mat4()
	return types.Translate4(translation).Mul4(rot.Mul4(types.Scale4(scale)))
}
