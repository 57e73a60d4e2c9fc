package scene

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/achilleasa/polaris-ddgi/types"
)

var (
	ErrNoInstances = errors.New("scene: scene contains no mesh instances")
)

// Material describes how a surface reflects and emits light.
type Material struct {
	Name     string
	Albedo   types.Vec3
	Emissive types.Vec3

	// Surfaces with opacity below 0.5 are treated as cut-outs.
	Opacity float32
}

// Primitive is a range of triangles of a mesh sharing a material. Indices
// are relative to FirstVertex.
type Primitive struct {
	FirstVertex   uint32
	VertexCount   uint32
	FirstIndex    uint32
	IndexCount    uint32
	MaterialIndex uint32
}

// TriangleCount returns the number of triangles in the primitive.
func (p Primitive) TriangleCount() int { return int(p.IndexCount) / 3 }

// A mesh is a vertex/index arena split into primitives.
type Mesh struct {
	Name       string
	Vertices   []types.Vec3
	Indices    []uint32
	Primitives []Primitive

	bbox            [2]types.Vec3
	bboxNeedsUpdate bool
}

// Create a new mesh.
func NewMesh(name string) *Mesh {
	return &Mesh{Name: name, bboxNeedsUpdate: true}
}

// AddPrimitive appends vertices and triangle indices (relative to the first
// of the supplied vertices) as a new primitive.
func (m *Mesh) AddPrimitive(vertices []types.Vec3, indices []uint32, materialIndex uint32) {
	m.Primitives = append(m.Primitives, Primitive{
		FirstVertex:   uint32(len(m.Vertices)),
		VertexCount:   uint32(len(vertices)),
		FirstIndex:    uint32(len(m.Indices)),
		IndexCount:    uint32(len(indices)),
		MaterialIndex: materialIndex,
	})
	m.Vertices = append(m.Vertices, vertices...)
	m.Indices = append(m.Indices, indices...)
	m.bboxNeedsUpdate = true
}

// Get mesh bounding box.
func (m *Mesh) BBox() [2]types.Vec3 {
	if m.bboxNeedsUpdate {
		m.bbox = emptyBBox()
		for _, v := range m.Vertices {
			m.bbox[0] = types.MinVec3(m.bbox[0], v)
			m.bbox[1] = types.MaxVec3(m.bbox[1], v)
		}
		m.bboxNeedsUpdate = false
	}
	return m.bbox
}

// A mesh instance applies a transformation to a particular Mesh.
type Instance struct {
	Mesh      int
	Transform types.Mat4

	// Opaque instances never invoke any-hit programs.
	Opaque bool
}

// InstanceTransform returns T * R * S where R applies yaw about the x axis,
// then pitch about the y axis and finally roll about the z axis. Angles are
// in degrees.
func InstanceTransform(translation, angles, scale types.Vec3) types.Mat4 {
	var rad types.Vec3
	for index := range angles {
		rad[index] = angles[index] * math.Pi / 180.0
	}
	yawQuat := types.QuatFromAxisAngle(types.Vec3{1, 0, 0}, rad[0])
	pitchQuat := types.QuatFromAxisAngle(types.Vec3{0, 1, 0}, rad[1])
	rollQuat := types.QuatFromAxisAngle(types.Vec3{0, 0, 1}, rad[2])
	rotMat := rollQuat.Mul(pitchQuat.Mul(yawQuat)).Normalize().Mat4()
	return types.Translate4(translation).Mul4(rotMat.Mul4(types.Scale4(scale)))
}

// Scene is an index based arena of meshes, instances and materials. Instances
// refer to meshes and primitives refer to materials by index.
type Scene struct {
	Meshes    []*Mesh
	Instances []Instance
	Materials []Material
	Camera    *Camera
}

// Create a new scene.
func New() *Scene {
	return &Scene{Camera: NewCamera(45)}
}

// AddMaterial appends a material and returns its index.
func (s *Scene) AddMaterial(mat Material) int {
	s.Materials = append(s.Materials, mat)
	return len(s.Materials) - 1
}

// AddMesh appends a mesh and returns its index.
func (s *Scene) AddMesh(mesh *Mesh) int {
	s.Meshes = append(s.Meshes, mesh)
	return len(s.Meshes) - 1
}

// AddInstance places mesh in the world.
func (s *Scene) AddInstance(mesh int, transform types.Mat4, opaque bool) error {
	if mesh < 0 || mesh >= len(s.Meshes) {
		return fmt.Errorf("scene: instance references unknown mesh %d", mesh)
	}
	s.Instances = append(s.Instances, Instance{Mesh: mesh, Transform: transform, Opaque: opaque})
	return nil
}

// Validate checks that every index in the arena is in range.
func (s *Scene) Validate() error {
	if len(s.Instances) == 0 {
		return ErrNoInstances
	}
	for i, inst := range s.Instances {
		if inst.Mesh < 0 || inst.Mesh >= len(s.Meshes) {
			return fmt.Errorf("scene: instance %d references unknown mesh %d", i, inst.Mesh)
		}
	}
	for _, mesh := range s.Meshes {
		if len(mesh.Primitives) == 0 {
			return fmt.Errorf("scene: mesh %q has no primitives", mesh.Name)
		}
		for p, prim := range mesh.Primitives {
			if prim.IndexCount == 0 || prim.IndexCount%3 != 0 {
				return fmt.Errorf("scene: mesh %q primitive %d: index count %d is not a positive multiple of 3", mesh.Name, p, prim.IndexCount)
			}
			if int(prim.FirstVertex+prim.VertexCount) > len(mesh.Vertices) || int(prim.FirstIndex+prim.IndexCount) > len(mesh.Indices) {
				return fmt.Errorf("scene: mesh %q primitive %d: range out of bounds", mesh.Name, p)
			}
			if int(prim.MaterialIndex) >= len(s.Materials) {
				return fmt.Errorf("scene: mesh %q primitive %d references unknown material %d", mesh.Name, p, prim.MaterialIndex)
			}
			for _, index := range mesh.Indices[prim.FirstIndex : prim.FirstIndex+prim.IndexCount] {
				if index >= prim.VertexCount {
					return fmt.Errorf("scene: mesh %q primitive %d: vertex index %d out of range", mesh.Name, p, index)
				}
			}
		}
	}
	return nil
}

// BBox returns the world space bounding box of all instances.
func (s *Scene) BBox() [2]types.Vec3 {
	bbox := emptyBBox()
	for _, inst := range s.Instances {
		meshBBox := s.Meshes[inst.Mesh].BBox()
		for corner := 0; corner < 8; corner++ {
			p := types.XYZ(
				meshBBox[corner&1][0],
				meshBBox[(corner>>1)&1][1],
				meshBBox[(corner>>2)&1][2],
			)
			p = inst.Transform.TransformPoint(p)
			bbox[0] = types.MinVec3(bbox[0], p)
			bbox[1] = types.MaxVec3(bbox[1], p)
		}
	}
	return bbox
}

// Build a tabular representation of scene statistics.
func (s *Scene) Stats() string {
	var vertices, indices, triangles, primitives int
	for _, mesh := range s.Meshes {
		vertices += len(mesh.Vertices)
		indices += len(mesh.Indices)
		primitives += len(mesh.Primitives)
		triangles += len(mesh.Indices) / 3
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Asset Type", "Count", "Size"})
	table.Append([]string{"Meshes", fmt.Sprint(len(s.Meshes)), " "})
	table.Append([]string{"Primitives", fmt.Sprint(primitives), fmtSize(make([]Primitive, primitives))})
	table.Append([]string{"Vertices", fmt.Sprint(vertices), fmtSize(make([]types.Vec3, vertices))})
	table.Append([]string{"Triangles", fmt.Sprint(triangles), fmtSize(make([]uint32, indices))})
	table.Append([]string{"Instances", fmt.Sprint(len(s.Instances)), fmtSize(s.Instances)})
	table.Append([]string{"Materials", fmt.Sprint(len(s.Materials)), fmtSize(s.Materials)})
	table.Render()
	return buf.String()
}

// Sum the total space used by a set of slices and return back a formatted
// value with the appropriate byte/kb/mb unit.
func fmtSize(items ...interface{}) string {
	var totalBytes float32
	for _, item := range items {
		t := reflect.TypeOf(item)
		v := reflect.ValueOf(item)
		if v.Len() == 0 {
			continue
		}
		totalBytes += float32(int(t.Elem().Size()) * v.Len())
	}

	if totalBytes < 1e3 {
		return fmt.Sprintf("%3d bytes", int(totalBytes))
	} else if totalBytes < 1e6 {
		return fmt.Sprintf("%3.1f kb", totalBytes/1e3)
	}
	return strings.TrimSpace(fmt.Sprintf("%5.1f mb", totalBytes/1e6))
}

func emptyBBox() [2]types.Vec3 {
	return [2]types.Vec3{
		{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32},
		{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32},
	}
}
