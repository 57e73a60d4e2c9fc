package writer

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/achilleasa/polaris-ddgi/log"
	"github.com/achilleasa/polaris-ddgi/scene"
	"github.com/achilleasa/polaris-ddgi/types"
)

// Writes a scene as an .obj file and a material library sharing its base name.
type wavefrontSceneWriter struct {
	logger    log.Logger
	sceneFile string
}

func newWavefrontSceneWriter(sceneFile string) *wavefrontSceneWriter {
	return &wavefrontSceneWriter{
		logger:    log.New("wavefront writer"),
		sceneFile: sceneFile,
	}
}

func (w *wavefrontSceneWriter) Write(sc *scene.Scene) error {
	w.logger.Noticef("writing scene to %s", w.sceneFile)
	start := time.Now()

	mtlFile := strings.TrimSuffix(w.sceneFile, filepath.Ext(w.sceneFile)) + ".mtl"
	enc := newWavefrontEncoder(sc)
	if err := writeFile(w.sceneFile, func(out io.Writer) error {
		return enc.encodeScene(out, filepath.Base(mtlFile))
	}); err != nil {
		return err
	}
	if err := writeFile(mtlFile, enc.encodeMaterials); err != nil {
		return err
	}

	if enc.baked > 0 {
		w.logger.Warningf("baked %d instance transforms that could not be expressed as translate/rotate/scale", enc.baked)
	}
	w.logger.Noticef("wrote scene in %d ms", time.Since(start).Nanoseconds()/1e6)
	return nil
}

func writeFile(filename string, encode func(io.Writer) error) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	return encode(f)
}

// Serializes a scene arena using the statements understood by the
// wavefront reader, including its camera and instance extensions.
type wavefrontEncoder struct {
	sc *scene.Scene

	meshNames     []string
	materialNames []string

	// Number of instances whose transform was baked into a mesh copy.
	baked int
}

func newWavefrontEncoder(sc *scene.Scene) *wavefrontEncoder {
	enc := &wavefrontEncoder{sc: sc}

	used := make(map[string]struct{})
	for _, mat := range sc.Materials {
		enc.materialNames = append(enc.materialNames, uniqueName(used, mat.Name, "material"))
	}
	used = make(map[string]struct{})
	for _, mesh := range sc.Meshes {
		enc.meshNames = append(enc.meshNames, uniqueName(used, mesh.Name, "mesh"))
	}
	return enc
}

// Statement arguments are whitespace separated and object names are
// matched exactly; blank or repeated names get a numeric suffix.
func uniqueName(used map[string]struct{}, name, fallback string) string {
	name = strings.Join(strings.Fields(name), "_")
	if name == "" {
		name = fallback
	}
	candidate := name
	for suffix := 1; ; suffix++ {
		if _, exists := used[candidate]; !exists {
			break
		}
		candidate = fmt.Sprintf("%s_%d", name, suffix)
	}
	used[candidate] = struct{}{}
	return candidate
}

func (enc *wavefrontEncoder) encodeScene(out io.Writer, mtlLib string) error {
	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "mtllib %s\n", mtlLib)

	if cam := enc.sc.Camera; cam != nil {
		fmt.Fprintf(w, "\ncamera_fov %s\n", fmtFloat(cam.FOV))
		fmt.Fprintf(w, "camera_eye %s\n", fmtVec3(cam.Position))
		fmt.Fprintf(w, "camera_look %s\n", fmtVec3(cam.LookAt))
		fmt.Fprintf(w, "camera_up %s\n", fmtVec3(cam.Up))
	}

	// Face indices are global and 1-based.
	base := 0
	for meshIndex, mesh := range enc.sc.Meshes {
		enc.encodeMesh(w, enc.meshNames[meshIndex], mesh.Vertices, mesh, base, false)
		base += len(mesh.Vertices)
	}

	taken := make(map[string]struct{}, len(enc.meshNames))
	for _, name := range enc.meshNames {
		taken[name] = struct{}{}
	}
	instances := make([]string, len(enc.sc.Instances))
	for index, inst := range enc.sc.Instances {
		if translation, angles, scale, ok := decomposeTransform(inst.Transform); ok {
			instances[index] = fmt.Sprintf("instance %s %s %s %s", enc.meshNames[inst.Mesh], fmtVec3(translation), fmtVec3(angles), fmtVec3(scale))
			continue
		}

		mesh := enc.sc.Meshes[inst.Mesh]
		name := uniqueName(taken, fmt.Sprintf("%s_instance_%d", enc.meshNames[inst.Mesh], index), "")
		vertices := make([]types.Vec3, len(mesh.Vertices))
		for vIndex, v := range mesh.Vertices {
			vertices[vIndex] = inst.Transform.TransformPoint(v)
		}
		enc.encodeMesh(w, name, vertices, mesh, base, determinant(inst.Transform.Mat3x4()) < 0)
		base += len(vertices)
		instances[index] = fmt.Sprintf("instance %s 0 0 0 0 0 0 1 1 1", name)
		enc.baked++
	}

	fmt.Fprintln(w)
	for _, stmt := range instances {
		fmt.Fprintln(w, stmt)
	}
	return w.Flush()
}

func (enc *wavefrontEncoder) encodeMesh(w io.Writer, name string, vertices []types.Vec3, mesh *scene.Mesh, base int, flipWinding bool) {
	fmt.Fprintf(w, "\no %s\n", name)
	for _, v := range vertices {
		fmt.Fprintf(w, "v %s\n", fmtVec3(v))
	}
	for _, prim := range mesh.Primitives {
		fmt.Fprintf(w, "usemtl %s\n", enc.materialNames[prim.MaterialIndex])
		indices := mesh.Indices[prim.FirstIndex : prim.FirstIndex+prim.IndexCount]
		for tri := 0; tri+2 < len(indices); tri += 3 {
			a, b, c := indices[tri], indices[tri+1], indices[tri+2]
			if flipWinding {
				b, c = c, b
			}
			offset := base + int(prim.FirstVertex) + 1
			fmt.Fprintf(w, "f %d %d %d\n", offset+int(a), offset+int(b), offset+int(c))
		}
	}
}

func (enc *wavefrontEncoder) encodeMaterials(out io.Writer) error {
	w := bufio.NewWriter(out)
	for index, mat := range enc.sc.Materials {
		if index > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "newmtl %s\n", enc.materialNames[index])
		fmt.Fprintf(w, "Kd %s\n", fmtVec3(mat.Albedo))
		fmt.Fprintf(w, "Ke %s\n", fmtVec3(mat.Emissive))
		fmt.Fprintf(w, "d %s\n", fmtFloat(mat.Opacity))
	}
	return w.Flush()
}

// Split m into the translation, rotation angles (degrees) and scale that
// scene.InstanceTransform recomposes. Transforms with shear have no such
// decomposition and report false.
func decomposeTransform(m types.Mat4) (translation, angles, scale types.Vec3, ok bool) {
	x := m.Mat3x4()
	at := func(row, col int) float64 { return float64(x[row*4+col]) }

	translation = types.XYZ(x[3], x[7], x[11])
	for col := 0; col < 3; col++ {
		scale[col] = float32(math.Sqrt(at(0, col)*at(0, col) + at(1, col)*at(1, col) + at(2, col)*at(2, col)))
		if scale[col] == 0 {
			return translation, angles, scale, false
		}
	}
	if determinant(x) < 0 {
		scale[0] = -scale[0]
	}

	r := func(row, col int) float64 { return at(row, col) / float64(scale[col]) }
	var yaw, pitch, roll float64
	if sinPitch := -r(2, 0); math.Abs(sinPitch) < 0.9999 {
		pitch = math.Asin(sinPitch)
		yaw = math.Atan2(r(2, 1), r(2, 2))
		roll = math.Atan2(r(1, 0), r(0, 0))
	} else {
		pitch = math.Copysign(math.Pi/2, sinPitch)
		yaw = math.Atan2(-r(1, 2), r(1, 1))
	}
	angles = types.XYZ(
		float32(yaw*180/math.Pi),
		float32(pitch*180/math.Pi),
		float32(roll*180/math.Pi),
	)

	recomposed := scene.InstanceTransform(translation, angles, scale).Mat3x4()
	for index := range x {
		tolerance := 1e-4 * math.Max(1, math.Abs(float64(x[index])))
		if math.Abs(float64(recomposed[index]-x[index])) > tolerance {
			return translation, angles, scale, false
		}
	}
	return translation, angles, scale, true
}

func determinant(x types.Mat3x4) float32 {
	return x[0]*(x[5]*x[10]-x[6]*x[9]) -
		x[1]*(x[4]*x[10]-x[6]*x[8]) +
		x[2]*(x[4]*x[9]-x[5]*x[8])
}

func fmtFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}

func fmtVec3(v types.Vec3) string {
	return fmtFloat(v[0]) + " " + fmtFloat(v[1]) + " " + fmtFloat(v[2])
}
