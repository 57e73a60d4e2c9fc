package scene

import (
	"strings"
	"testing"

	"github.com/achilleasa/polaris-ddgi/types"
)

func quadMesh(material uint32) *Mesh {
	m := NewMesh("quad")
	m.AddPrimitive(
		[]types.Vec3{{-1, -1, 0}, {1, -1, 0}, {1, 1, 0}, {-1, 1, 0}},
		[]uint32{0, 1, 2, 0, 2, 3},
		material,
	)
	return m
}

func TestValidate(t *testing.T) {
	type spec struct {
		name     string
		build    func(s *Scene)
		expError string
	}
	specs := []spec{
		{"no instances", func(s *Scene) {}, ErrNoInstances.Error()},
		{"valid", func(s *Scene) {
			s.AddMaterial(Material{Albedo: types.XYZ(1, 1, 1), Opacity: 1})
			s.AddInstance(s.AddMesh(quadMesh(0)), types.Ident4(), true)
		}, ""},
		{"unknown material", func(s *Scene) {
			s.AddInstance(s.AddMesh(quadMesh(3)), types.Ident4(), true)
		}, "references unknown material 3"},
		{"index out of range", func(s *Scene) {
			s.AddMaterial(Material{})
			m := quadMesh(0)
			m.Indices[4] = 9
			s.AddInstance(s.AddMesh(m), types.Ident4(), true)
		}, "vertex index 9 out of range"},
		{"partial triangle", func(s *Scene) {
			s.AddMaterial(Material{})
			m := NewMesh("broken")
			m.AddPrimitive([]types.Vec3{{}, {}}, []uint32{0, 1}, 0)
			s.AddInstance(s.AddMesh(m), types.Ident4(), true)
		}, "not a positive multiple of 3"},
	}

	for _, s := range specs {
		sc := New()
		s.build(sc)
		err := sc.Validate()
		switch {
		case s.expError == "" && err != nil:
			t.Errorf("[%s] unexpected error: %v", s.name, err)
		case s.expError != "" && (err == nil || !strings.Contains(err.Error(), s.expError)):
			t.Errorf("[%s] expected error containing %q; got %v", s.name, s.expError, err)
		}
	}
}

func TestAddInstanceRejectsUnknownMesh(t *testing.T) {
	sc := New()
	if err := sc.AddInstance(0, types.Ident4(), true); err == nil {
		t.Fatal("expected an error")
	}
}

func TestPrimitivesAppendToArena(t *testing.T) {
	m := quadMesh(0)
	m.AddPrimitive([]types.Vec3{{0, 0, 5}, {1, 0, 5}, {0, 1, 5}}, []uint32{0, 1, 2}, 1)

	if len(m.Primitives) != 2 {
		t.Fatalf("expected 2 primitives; got %d", len(m.Primitives))
	}
	exp := Primitive{FirstVertex: 4, VertexCount: 3, FirstIndex: 6, IndexCount: 3, MaterialIndex: 1}
	if m.Primitives[1] != exp {
		t.Fatalf("expected primitive %+v; got %+v", exp, m.Primitives[1])
	}
	if got := m.Primitives[0].TriangleCount(); got != 2 {
		t.Fatalf("expected 2 triangles; got %d", got)
	}

	bbox := m.BBox()
	if bbox[0] != (types.Vec3{-1, -1, 0}) || bbox[1] != (types.Vec3{1, 1, 5}) {
		t.Fatalf("unexpected mesh bbox %v", bbox)
	}
}

func TestSceneBBoxAppliesInstanceTransforms(t *testing.T) {
	sc := New()
	sc.AddMaterial(Material{})
	mesh := sc.AddMesh(quadMesh(0))
	sc.AddInstance(mesh, types.Ident4(), true)
	sc.AddInstance(mesh, types.Translate4(types.XYZ(10, 0, 0)), true)

	bbox := sc.BBox()
	if bbox[0] != (types.Vec3{-1, -1, 0}) || bbox[1] != (types.Vec3{11, 1, 0}) {
		t.Fatalf("unexpected scene bbox %v", bbox)
	}
}

func TestStats(t *testing.T) {
	sc := New()
	sc.AddMaterial(Material{})
	sc.AddInstance(sc.AddMesh(quadMesh(0)), types.Ident4(), true)

	stats := sc.Stats()
	for _, row := range []string{"Meshes", "Primitives", "Vertices", "Triangles", "Instances", "Materials"} {
		if !strings.Contains(stats, row) {
			t.Errorf("expected stats to contain a %q row:\n%s", row, stats)
		}
	}
}
