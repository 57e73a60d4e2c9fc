package reader

import (
	"reflect"
	"strings"
	"testing"

	"github.com/achilleasa/polaris-ddgi/asset"
	"github.com/achilleasa/polaris-ddgi/types"
)

func mockResource(payload string) *asset.Resource {
	return asset.NewResourceFromStream("embedded", strings.NewReader(payload))
}

func approxEqual(a, b types.Vec3, eps float32) bool {
	return a.Sub(b).Len() <= eps
}

func TestFloat32Parser(t *testing.T) {
	expError := `unsupported syntax for "v"; expected 1 argument; got 0`
	_, err := parseFloat32([]string{"v"})
	if err == nil || err.Error() != expError {
		t.Fatalf("expected to get %s; got %v", expError, err)
	}

	_, err = parseFloat32([]string{"v", "not-a-float"})
	if err == nil {
		t.Fatal("expected to get a parse error")
	}

	v, err := parseFloat32([]string{"v", "3.14"})
	if err != nil {
		t.Fatal(err)
	}

	if v != 3.14 {
		t.Fatalf("expected parsed value to be 3.14; got %f", v)
	}
}

func TestVec3Parser(t *testing.T) {
	expError := `unsupported syntax for "v"; expected 3 arguments; got 0`
	_, err := parseVec3([]string{"v"})
	if err == nil || err.Error() != expError {
		t.Fatalf("expected to get %s; got %v", expError, err)
	}

	_, err = parseVec3([]string{"v", "not-a-float", "2", "3"})
	if err == nil {
		t.Fatal("expected to get a parse error")
	}

	v, err := parseVec3([]string{"v", "3.14", "0", "0.4"})
	if err != nil {
		t.Fatal(err)
	}

	expVal := types.Vec3{3.14, 0, 0.4}
	if !reflect.DeepEqual(v, expVal) {
		t.Fatalf("expected parsed value to be %v; got %v", expVal, v)
	}
}

func TestSelectFaceCoordinate(t *testing.T) {
	expError := "index out of bounds"
	type spec struct {
		in        string
		listLen   int
		relOffset int
		out       int
		expError  string
	}
	specs := []spec{
		{"2", 1, 0, -1, expError},
		{"-2", 1, 0, -1, expError},
		{"1", 10, 0, 0, ""}, // indices are 1-based
		{"-1", 10, 0, 9, ""},
		{"1", 10, 4, 4, ""},  // indices of called files are relative
		{"-1", 10, 4, 9, ""}, // unless they are negative
	}

	for idx, s := range specs {
		v, err := selectFaceCoordIndex(s.in, s.listLen, s.relOffset)
		if s.expError != "" && (err == nil || err.Error() != s.expError) {
			t.Fatalf("[spec %d] expected error %s; got %v", idx, s.expError, err)
		} else if v != s.out {
			t.Fatalf("[spec %d] expected index to be %d; got %d", idx, s.out, v)
		}
	}
}

func TestDefaultMeshInstanceGeneration(t *testing.T) {
	payload := `
o testObj
v 0 0 0
v 1 0 0
v 0 1 0
vn 0 0 1
vt 0 0
# Comment
f 1/1/1 2/1/1 -1/1/1
`

	sc, err := newWavefrontReader().Read(mockResource(payload))
	if err != nil {
		t.Fatal(err)
	}

	if len(sc.Instances) != 1 {
		t.Fatalf("expected 1 mesh instance to be generated; got %d", len(sc.Instances))
	}
	inst0 := sc.Instances[0]
	if inst0.Mesh != 0 {
		t.Fatalf("expected mesh instance to point to mesh at index 0; got %d", inst0.Mesh)
	}
	if !reflect.DeepEqual(inst0.Transform, types.Ident4()) {
		t.Fatalf("expected mesh instance transform matrix to be equal to a 4x4 identity matrix; got %v", inst0.Transform)
	}
	if !inst0.Opaque {
		t.Fatal("expected instance to be opaque")
	}

	expBBox := [2]types.Vec3{{0, 0, 0}, {1, 1, 0}}
	if bbox := sc.BBox(); bbox != expBBox {
		t.Fatalf("expected scene bbox to be %v; got %v", expBBox, bbox)
	}

	// Faces without a material use the default one.
	if len(sc.Materials) != 1 || sc.Materials[0].Albedo != (types.Vec3{0.7, 0.7, 0.7}) {
		t.Fatalf("expected a single default material; got %+v", sc.Materials)
	}
}

func TestMeshInstancing(t *testing.T) {
	payload := `
o testObj
v 0 0 0
v 1 0 0
v 0 1 0
f 1 2 3
o other
f 1 3 2
# Mesh instances
instance testObj 	1 0 1	0 0 0 	1 1 1
instance testObj 	0 0 0	0 90 0 	1 1 1
instance testObj 	0 1 0	90 0 0	10 10 10
`

	sc, err := newWavefrontReader().Read(mockResource(payload))
	if err != nil {
		t.Fatal(err)
	}

	if len(sc.Instances) != 3 {
		t.Fatalf("expected 3 mesh instances; got %d", len(sc.Instances))
	}

	type spec struct {
		instance   int
		in, expOut types.Vec3
	}
	specs := []spec{
		{0, types.Vec3{0, 0, 0}, types.Vec3{1, 0, 1}},
		{0, types.Vec3{-1, 0, -1}, types.Vec3{0, 0, 0}},
		{1, types.Vec3{1, 0, 0}, types.Vec3{0, 0, -1}},
		{1, types.Vec3{0, 0, -1}, types.Vec3{-1, 0, 0}},
		// Scale, then rotate, then translate.
		{2, types.Vec3{0, 1, 0}, types.Vec3{0, 1, 10}},
	}
	for idx, s := range specs {
		inst := sc.Instances[s.instance]
		out := inst.Transform.Mul4x1(s.in.Vec4(1.0)).Vec3()
		if !approxEqual(out, s.expOut, 1e-3) {
			t.Fatalf("[spec %d] expected transformed point with instance %d matrix to be %v; got %v", idx, s.instance, s.expOut, out)
		}
	}
}

func TestInstanceErrors(t *testing.T) {
	specs := []struct {
		payload  string
		expError string
	}{
		{"instance foo 0 0 0", `expected 10 arguments`},
		{"instance foo 0 0 0 0 0 0 1 1 1", `unknown mesh with name "foo"`},
		{"v 0 0 0\nv 1 0 0\nv 0 1 0\no foo\nf 1 2 3\no bar\ninstance foo 0 0 0 0 0 0 1 1 x", `invalid syntax`},
	}

	for idx, s := range specs {
		_, err := newWavefrontReader().Read(mockResource(s.payload))
		if err == nil || !strings.Contains(err.Error(), s.expError) {
			t.Fatalf("[spec %d] expected error containing %q; got %v", idx, s.expError, err)
		}
	}
}

func TestFacesAreGroupedByMaterialAndDeduplicated(t *testing.T) {
	materials := `
newmtl wall
Kd 0.5 0.5 0.5

newmtl lamp
Kd 1 1 1
Ke 2 2 2
KeScaler 4

newmtl glass
include wall
d 0.25

newmtl unused
Kd 0 0 1
`
	r := newWavefrontReader()
	if err := r.parseMaterials(mockResource(materials)); err != nil {
		t.Fatal(err)
	}

	payload := `
v -1 -1 0
v 1 -1 0
v 1 1 0
v -1 1 0
o room
usemtl wall
f 1 2 3 4
usemtl lamp
f 1 2 3
usemtl wall
f 4 1 3
o window
usemtl glass
f 1 2 3
`
	sc, err := r.Read(mockResource(payload))
	if err != nil {
		t.Fatal(err)
	}

	if len(sc.Materials) != 3 {
		t.Fatalf("expected unused materials to be pruned; got %d materials", len(sc.Materials))
	}
	if got := sc.Materials[1].Emissive; got != (types.Vec3{8, 8, 8}) {
		t.Fatalf("expected scaled emissive color (8, 8, 8); got %v", got)
	}
	if got := sc.Materials[2]; got.Name != "glass" || got.Albedo != (types.Vec3{0.5, 0.5, 0.5}) || got.Opacity != 0.25 {
		t.Fatalf("expected glass to inherit the wall albedo with opacity 0.25; got %+v", got)
	}

	if len(sc.Meshes) != 2 {
		t.Fatalf("expected 2 meshes; got %d", len(sc.Meshes))
	}
	room := sc.Meshes[0]
	if len(room.Primitives) != 2 {
		t.Fatalf("expected one primitive per material; got %d", len(room.Primitives))
	}

	wall := room.Primitives[0]
	if wall.MaterialIndex != 0 || wall.VertexCount != 4 || wall.IndexCount != 9 {
		t.Fatalf("expected the wall primitive to share 4 vertices between 3 triangles; got %+v", wall)
	}
	expIndices := []uint32{0, 1, 2, 0, 2, 3, 3, 0, 2}
	if got := room.Indices[wall.FirstIndex : wall.FirstIndex+wall.IndexCount]; !reflect.DeepEqual(got, expIndices) {
		t.Fatalf("expected wall indices %v; got %v", expIndices, got)
	}

	lamp := room.Primitives[1]
	if lamp.MaterialIndex != 1 || lamp.FirstVertex != 4 || lamp.VertexCount != 3 {
		t.Fatalf("unexpected lamp primitive %+v", lamp)
	}

	if !sc.Instances[0].Opaque || sc.Instances[1].Opaque {
		t.Fatal("expected only the instance using the translucent material to be non-opaque")
	}
}

func TestEmptyMeshesAreDropped(t *testing.T) {
	payload := `
v 0 0 0
v 1 0 0
v 0 1 0
o empty
o tri
f 1 2 3
`
	sc, err := newWavefrontReader().Read(mockResource(payload))
	if err != nil {
		t.Fatal(err)
	}
	if len(sc.Meshes) != 1 || sc.Meshes[0].Name != "tri" {
		t.Fatalf("expected only the tri mesh to survive; got %d meshes", len(sc.Meshes))
	}
}

func TestCameraStatements(t *testing.T) {
	payload := `
v 0 0 0
v 1 0 0
v 0 1 0
f 1 2 3
camera_fov 60
camera_eye 0 1 5
camera_look 0 1 0
camera_up 0 1 0
`
	sc, err := newWavefrontReader().Read(mockResource(payload))
	if err != nil {
		t.Fatal(err)
	}
	if sc.Camera.FOV != 60 {
		t.Fatalf("expected camera FOV 60; got %f", sc.Camera.FOV)
	}
	if sc.Camera.Position != (types.Vec3{0, 1, 5}) || sc.Camera.LookAt != (types.Vec3{0, 1, 0}) {
		t.Fatalf("unexpected camera placement eye %v look %v", sc.Camera.Position, sc.Camera.LookAt)
	}
}

func TestFaceErrors(t *testing.T) {
	specs := []struct {
		payload  string
		expError string
	}{
		{"v 0 0 0\nf 1 1", `[embedded: 2] error: unsupported syntax for "f"`},
		{"v 0 0 0\nf 1 1/1 1", `expected each face argument to contain 1 indices; arg 1 contains 2 indices`},
		{"v 0 0 0\nf /1 1 1", `face argument 0 does not include a vertex index`},
		{"v 0 0 0\nf 1 2 1", `could not parse vertex coord for face argument 1: index out of bounds`},
		{"v 0 0 0\nusemtl foo", `undefined material with name "foo"`},
		{"v 0 0", `unsupported syntax for "v"; expected 3 arguments; got 2`},
		{"o", `expected 1 argument for object name`},
		{"v 0 0 0", `scene contains no mesh instances`},
	}

	for idx, s := range specs {
		_, err := newWavefrontReader().Read(mockResource(s.payload))
		if err == nil || !strings.Contains(err.Error(), s.expError) {
			t.Fatalf("[spec %d] expected error containing %q; got %v", idx, s.expError, err)
		}
	}
}

func TestMaterialLoaderMissingNewMaterialCommand(t *testing.T) {
	payload := `Kd 1.0 1.0 1.0`
	res := mockResource(payload)
	err := newWavefrontReader().parseMaterials(res)

	expError := `[embedded: 1] error: got "Kd" without a "newmtl"`
	if err == nil || err.Error() != expError {
		t.Fatalf("expected to get error: %s; got %v", expError, err)
	}
}

func TestMaterialLoaderInvalidVec3Param(t *testing.T) {
	payload := `
	newmtl foo
	Kd 1.0`
	res := mockResource(payload)
	err := newWavefrontReader().parseMaterials(res)

	expError := `[embedded: 3] error: unsupported syntax for "Kd"; expected 3 arguments; got 1`
	if err == nil || err.Error() != expError {
		t.Fatalf("expected to get error: %s; got %v", expError, err)
	}
}

func TestMaterialLoaderInvalidScalarParam(t *testing.T) {
	payload := `
	newmtl foo
	Ni`
	res := mockResource(payload)
	err := newWavefrontReader().parseMaterials(res)

	expError := `[embedded: 3] error: unsupported syntax for "Ni"; expected 1 argument; got 0`
	if err == nil || err.Error() != expError {
		t.Fatalf("expected to get error: %s; got %v", expError, err)
	}
}

func TestMaterialLoaderDuplicateAndUnknownInclude(t *testing.T) {
	specs := []struct {
		payload  string
		expError string
	}{
		{"newmtl foo\nnewmtl foo", `[embedded: 2] error: material "foo" already defined`},
		{"newmtl foo\ninclude bar", `[embedded: 2] error: could not include unknown material "bar"`},
	}
	for idx, s := range specs {
		err := newWavefrontReader().parseMaterials(mockResource(s.payload))
		if err == nil || err.Error() != s.expError {
			t.Fatalf("[spec %d] expected to get error: %s; got %v", idx, s.expError, err)
		}
	}
}

func TestMaterialLoaderIgnoresTextureMaps(t *testing.T) {
	payload := `
newmtl foo
Kd 0.2 0.3 0.4
Tr 0.5
map_Kd missing.png
map_bump missing.png
`
	r := newWavefrontReader()
	if err := r.parseMaterials(mockResource(payload)); err != nil {
		t.Fatal(err)
	}
	if len(r.materials) != 1 {
		t.Fatalf("expected to parse 1 material; got %d", len(r.materials))
	}
	mat := r.materials[0].sceneMaterial()
	if mat.Albedo != (types.Vec3{0.2, 0.3, 0.4}) || mat.Opacity != 0.5 {
		t.Fatalf("unexpected material %+v", mat)
	}
}
