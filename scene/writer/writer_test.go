package writer

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/achilleasa/polaris-ddgi/scene"
	"github.com/achilleasa/polaris-ddgi/scene/reader"
	"github.com/achilleasa/polaris-ddgi/types"
)

func mat4ApproxEqual(a, b types.Mat4, eps float32) bool {
	for index := range a {
		if float32(math.Abs(float64(a[index]-b[index]))) > eps {
			return false
		}
	}
	return true
}

func vec3ApproxEqual(a, b types.Vec3, eps float32) bool {
	return a.Sub(b).MaxAbs() <= eps
}

func TestCornellBoxBundleRoundTrip(t *testing.T) {
	src := reader.NewCornellBox()
	path := filepath.Join(t.TempDir(), "cornell.zip")
	if err := WriteScene(src, path); err != nil {
		t.Fatal(err)
	}

	sc, err := reader.ReadScene(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(sc.Materials) != len(src.Materials) || len(sc.Meshes) != len(src.Meshes) || len(sc.Instances) != len(src.Instances) {
		t.Fatalf("expected %d materials, %d meshes and %d instances; got %d, %d and %d",
			len(src.Materials), len(src.Meshes), len(src.Instances),
			len(sc.Materials), len(sc.Meshes), len(sc.Instances),
		)
	}
	for index, mat := range src.Materials {
		if sc.Materials[index] != mat {
			t.Errorf("[material %d] expected %+v; got %+v", index, mat, sc.Materials[index])
		}
	}
	for index, mesh := range src.Meshes {
		got := sc.Meshes[index]
		if got.Name != mesh.Name || len(got.Primitives) != len(mesh.Primitives) || len(got.Vertices) != len(mesh.Vertices) || len(got.Indices) != len(mesh.Indices) {
			t.Errorf("[mesh %d] expected %q with %d primitives, %d vertices and %d indices; got %q with %d, %d and %d",
				index, mesh.Name, len(mesh.Primitives), len(mesh.Vertices), len(mesh.Indices),
				got.Name, len(got.Primitives), len(got.Vertices), len(got.Indices),
			)
			continue
		}
		if bbox, expBBox := got.BBox(), mesh.BBox(); !vec3ApproxEqual(bbox[0], expBBox[0], 1e-6) || !vec3ApproxEqual(bbox[1], expBBox[1], 1e-6) {
			t.Errorf("[mesh %d] expected bbox %v; got %v", index, expBBox, bbox)
		}
	}
	for index, inst := range src.Instances {
		got := sc.Instances[index]
		if got.Mesh != inst.Mesh {
			t.Errorf("[instance %d] expected mesh %d; got %d", index, inst.Mesh, got.Mesh)
		}
		if !mat4ApproxEqual(got.Transform, inst.Transform, 1e-4) {
			t.Errorf("[instance %d] expected transform\n%v\ngot\n%v", index, inst.Transform, got.Transform)
		}
	}

	if sc.Camera.FOV != src.Camera.FOV || sc.Camera.Position != src.Camera.Position || sc.Camera.LookAt != src.Camera.LookAt || sc.Camera.Up != src.Camera.Up {
		t.Fatalf("camera settings were not preserved; got %+v", sc.Camera)
	}
}

func TestWriteObjWithMaterialLibrary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cornell.obj")
	if err := WriteScene(reader.NewCornellBox(), path); err != nil {
		t.Fatal(err)
	}

	obj, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(obj), "mtllib cornell.mtl\n") {
		t.Fatalf("expected the obj file to reference cornell.mtl; got:\n%s", obj)
	}
	mtl, err := os.ReadFile(filepath.Join(dir, "cornell.mtl"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(mtl), "newmtl light\nKd 0.78 0.78 0.78\nKe 17 12 4\nd 1\n") {
		t.Fatalf("unexpected material library contents:\n%s", mtl)
	}

	sc, err := reader.ReadScene(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(sc.Instances) != 3 {
		t.Fatalf("expected 3 instances; got %d", len(sc.Instances))
	}
}

func triangleScene(meshName string, transform types.Mat4) *scene.Scene {
	sc := scene.New()
	mat := uint32(sc.AddMaterial(scene.Material{Name: "white", Albedo: types.XYZ(1, 1, 1), Opacity: 1}))
	mesh := scene.NewMesh(meshName)
	mesh.AddPrimitive(
		[]types.Vec3{types.XYZ(0, 0, 0), types.XYZ(1, 0, 0), types.XYZ(0, 1, 0)},
		[]uint32{0, 1, 2},
		mat,
	)
	sc.AddInstance(sc.AddMesh(mesh), transform, true)
	return sc
}

func TestShearedInstancesAreBaked(t *testing.T) {
	shear := types.Ident4()
	shear[4] = 0.5 // x += 0.5 * y
	transform := types.Translate4(types.XYZ(0, 0, -2)).Mul4(shear)
	src := triangleScene("tri", transform)

	path := filepath.Join(t.TempDir(), "sheared.zip")
	if err := WriteScene(src, path); err != nil {
		t.Fatal(err)
	}
	sc, err := reader.ReadScene(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(sc.Meshes) != 2 || len(sc.Instances) != 1 {
		t.Fatalf("expected the source mesh and a baked copy with a single instance; got %d meshes and %d instances", len(sc.Meshes), len(sc.Instances))
	}
	inst := sc.Instances[0]
	if inst.Mesh != 1 || sc.Meshes[1].Name != "tri_instance_0" {
		t.Fatalf("expected the instance to reference the baked mesh; got mesh %d (%q)", inst.Mesh, sc.Meshes[inst.Mesh].Name)
	}
	if !mat4ApproxEqual(inst.Transform, types.Ident4(), 1e-6) {
		t.Fatalf("expected an identity transform for the baked instance; got %v", inst.Transform)
	}
	for index, v := range src.Meshes[0].Vertices {
		if exp := transform.TransformPoint(v); !vec3ApproxEqual(sc.Meshes[1].Vertices[index], exp, 1e-6) {
			t.Errorf("[vertex %d] expected %v; got %v", index, exp, sc.Meshes[1].Vertices[index])
		}
	}
}

func TestDecomposeTransform(t *testing.T) {
	specs := []struct {
		translation, angles, scale types.Vec3
	}{
		{types.XYZ(0, 0, 0), types.XYZ(0, 0, 0), types.XYZ(1, 1, 1)},
		{types.XYZ(1, -2, 3), types.XYZ(30, -45, 60), types.XYZ(0.5, 2, 3)},
		{types.XYZ(0, 1, 0), types.XYZ(10, 20, 30), types.XYZ(-1, 1, 1)},
		// Gimbal lock.
		{types.XYZ(0, 0, 0), types.XYZ(25, 90, 0), types.XYZ(1, 1, 1)},
	}

	for specIndex, spec := range specs {
		m := scene.InstanceTransform(spec.translation, spec.angles, spec.scale)
		translation, angles, scale, ok := decomposeTransform(m)
		if !ok {
			t.Errorf("[spec %d] expected %v to decompose", specIndex, m)
			continue
		}
		if !vec3ApproxEqual(translation, spec.translation, 1e-6) {
			t.Errorf("[spec %d] expected translation %v; got %v", specIndex, spec.translation, translation)
		}
		if got := scene.InstanceTransform(translation, angles, scale); !mat4ApproxEqual(got, m, 1e-4) {
			t.Errorf("[spec %d] expected decomposition (%v, %v, %v) to recompose to\n%v\ngot\n%v", specIndex, translation, angles, scale, m, got)
		}
	}

	if _, _, _, ok := decomposeTransform(types.Scale4(types.XYZ(1, 0, 1))); ok {
		t.Error("expected a degenerate scale to be rejected")
	}
}

func TestMeshAndMaterialNamesAreUnique(t *testing.T) {
	sc := triangleScene("my mesh", types.Ident4())
	sc.Materials[0].Name = ""
	dup := scene.NewMesh("my mesh")
	dup.AddPrimitive(sc.Meshes[0].Vertices, sc.Meshes[0].Indices, 0)
	sc.AddInstance(sc.AddMesh(dup), types.Translate4(types.XYZ(2, 0, 0)), true)

	path := filepath.Join(t.TempDir(), "names.zip")
	if err := WriteScene(sc, path); err != nil {
		t.Fatal(err)
	}
	got, err := reader.ReadScene(path)
	if err != nil {
		t.Fatal(err)
	}

	if got.Meshes[0].Name != "my_mesh" || got.Meshes[1].Name != "my_mesh_1" {
		t.Fatalf("expected unique mesh names; got %q and %q", got.Meshes[0].Name, got.Meshes[1].Name)
	}
	if got.Materials[0].Name != "material" {
		t.Fatalf("expected a generated material name; got %q", got.Materials[0].Name)
	}
	if got.Instances[1].Mesh != 1 {
		t.Fatalf("expected the second instance to reference the second mesh; got %d", got.Instances[1].Mesh)
	}
}

func TestWriteSceneUnsupportedFormat(t *testing.T) {
	err := WriteScene(reader.NewCornellBox(), filepath.Join(t.TempDir(), "scene.gltf"))
	if err == nil || !strings.Contains(err.Error(), "unsupported file format") {
		t.Fatalf("expected an unsupported format error; got %v", err)
	}
}
