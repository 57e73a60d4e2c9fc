package software

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/types"
)

const (
	asHeaderSize     = 64
	bvhNodeSize      = 32
	triangleSize     = 36
	instanceNodeSize = 128

	// Maximum number of items stored in a BVH leaf.
	blasLeafItems = 4
	tlasLeafItems = 1
)

// triangle is an object space triangle with its originating indices.
type triangle struct {
	v0, e1, e2     types.Vec3
	geometryIndex  int
	primitiveIndex int
	opaque         bool

	bbox   [2]types.Vec3
	center types.Vec3
}

func (t *triangle) BBox() [2]types.Vec3 { return t.bbox }
func (t *triangle) Center() types.Vec3  { return t.center }

// bottomLevel is the payload of a built BLAS.
type bottomLevel struct {
	nodes     []bvhNode
	triangles []*triangle
}

// instance is a TLAS entry.
type instance struct {
	index         int
	desc          gpu.InstanceDesc
	blas          *bottomLevel
	worldToObject types.Mat3x4

	bbox   [2]types.Vec3
	center types.Vec3
}

func (i *instance) BBox() [2]types.Vec3 { return i.bbox }
func (i *instance) Center() types.Vec3  { return i.center }

// topLevel is the payload of a built TLAS.
type topLevel struct {
	nodes     []bvhNode
	instances []*instance
}

// prebuildInfo estimates the memory needed by a build.
func prebuildInfo(inputs *gpu.BuildInputs) gpu.PrebuildInfo {
	switch inputs.Type {
	case gpu.BottomLevel:
		triangles := 0
		for _, g := range inputs.Geometries {
			triangles += g.TriangleCount()
		}
		if triangles == 0 {
			return gpu.PrebuildInfo{}
		}
		return gpu.PrebuildInfo{
			ResultDataMaxSizeInBytes: int64(asHeaderSize + triangles*(2*bvhNodeSize+triangleSize)),
			ScratchDataSizeInBytes:   int64(256 + triangles*48),
		}
	case gpu.TopLevel:
		if inputs.NumInstances <= 0 {
			return gpu.PrebuildInfo{}
		}
		return gpu.PrebuildInfo{
			ResultDataMaxSizeInBytes: int64(asHeaderSize + inputs.NumInstances*(2*bvhNodeSize+instanceNodeSize)),
			ScratchDataSizeInBytes:   int64(256 + inputs.NumInstances*32),
		}
	}
	return gpu.PrebuildInfo{}
}

// buildAccelerationStructure executes a BuildRaytracingAccelerationStructure command.
func (d *Device) buildAccelerationStructure(desc *gpu.BuildDesc) error {
	dest, offset, err := d.Resolve(desc.Dest)
	if err != nil {
		return fmt.Errorf("software: AS build destination: %w", err)
	}
	if offset != 0 {
		return fmt.Errorf("software: AS build destination %q must be addressed at offset 0", dest.Name())
	}
	scratch, _, err := d.Resolve(desc.Scratch)
	if err != nil {
		return fmt.Errorf("software: AS build scratch: %w", err)
	}

	info := prebuildInfo(&desc.Inputs)
	if info.ResultDataMaxSizeInBytes == 0 {
		return fmt.Errorf("software: %s build without geometry", desc.Inputs.Type)
	}
	if dest.Size() < info.ResultDataMaxSizeInBytes {
		return fmt.Errorf("software: %s result buffer %q holds %d bytes; %d required", desc.Inputs.Type, dest.Name(), dest.Size(), info.ResultDataMaxSizeInBytes)
	}
	if scratch.Size() < info.ScratchDataSizeInBytes {
		return fmt.Errorf("software: %s scratch buffer %q holds %d bytes; %d required", desc.Inputs.Type, scratch.Name(), scratch.Size(), info.ScratchDataSizeInBytes)
	}

	var native interface{}
	var itemCount int
	switch desc.Inputs.Type {
	case gpu.BottomLevel:
		blas, err := d.buildBottomLevel(desc.Inputs.Geometries)
		if err != nil {
			return err
		}
		native, itemCount = blas, len(blas.triangles)
	case gpu.TopLevel:
		tlas, err := d.buildTopLevel(desc.Inputs.InstanceDescs, desc.Inputs.NumInstances)
		if err != nil {
			return err
		}
		native, itemCount = tlas, len(tlas.instances)
	}

	// Stamp a small header so the result buffer is self describing
	header := dest.Bytes()[:asHeaderSize]
	binary.LittleEndian.PutUint32(header[0:], uint32(desc.Inputs.Type))
	binary.LittleEndian.PutUint32(header[4:], uint32(itemCount))
	dest.SetNative(native)
	return nil
}

func (d *Device) readVertex(buf *gpu.Buffer, offset int64) (types.Vec3, error) {
	if offset < 0 || offset+12 > buf.Size() {
		return types.Vec3{}, fmt.Errorf("software: vertex read at offset %d overflows %q", offset, buf.Name())
	}
	data := buf.Bytes()[offset:]
	return types.Vec3{
		math.Float32frombits(binary.LittleEndian.Uint32(data[0:])),
		math.Float32frombits(binary.LittleEndian.Uint32(data[4:])),
		math.Float32frombits(binary.LittleEndian.Uint32(data[8:])),
	}, nil
}

func (d *Device) readIndex(buf *gpu.Buffer, offset int64, format gpu.Format) (int, error) {
	size := int64(format.Size())
	if size == 0 {
		return 0, fmt.Errorf("software: unsupported index format %s", format)
	}
	if offset < 0 || offset+size > buf.Size() {
		return 0, fmt.Errorf("software: index read at offset %d overflows %q", offset, buf.Name())
	}
	if format == gpu.FormatR16Uint {
		return int(binary.LittleEndian.Uint16(buf.Bytes()[offset:])), nil
	}
	return int(binary.LittleEndian.Uint32(buf.Bytes()[offset:])), nil
}

func (d *Device) buildBottomLevel(geometries []gpu.GeometryDesc) (*bottomLevel, error) {
	var items []boundedVolume
	for gIndex, g := range geometries {
		if g.VertexFormat != gpu.FormatR32G32B32Float && g.VertexFormat != gpu.FormatUnknown {
			return nil, fmt.Errorf("software: geometry %d: unsupported vertex format %s", gIndex, g.VertexFormat)
		}
		vb, vbOffset, err := d.Resolve(g.VertexBuffer)
		if err != nil {
			return nil, fmt.Errorf("software: geometry %d vertex buffer: %w", gIndex, err)
		}
		var ib *gpu.Buffer
		var ibOffset int64
		if g.IndexBuffer != 0 {
			if ib, ibOffset, err = d.Resolve(g.IndexBuffer); err != nil {
				return nil, fmt.Errorf("software: geometry %d index buffer: %w", gIndex, err)
			}
		}

		for prim := 0; prim < g.TriangleCount(); prim++ {
			var v [3]types.Vec3
			for corner := 0; corner < 3; corner++ {
				vertexIndex := 3*prim + corner
				if ib != nil {
					if vertexIndex, err = d.readIndex(ib, ibOffset+int64((3*prim+corner)*g.IndexFormat.Size()), g.IndexFormat); err != nil {
						return nil, err
					}
				}
				if vertexIndex >= g.VertexCount {
					return nil, fmt.Errorf("software: geometry %d triangle %d references vertex %d of %d", gIndex, prim, vertexIndex, g.VertexCount)
				}
				if v[corner], err = d.readVertex(vb, vbOffset+int64(vertexIndex*g.VertexStride)); err != nil {
					return nil, err
				}
			}

			tri := &triangle{
				v0:             v[0],
				e1:             v[1].Sub(v[0]),
				e2:             v[2].Sub(v[0]),
				geometryIndex:  gIndex,
				primitiveIndex: prim,
				opaque:         g.Flags&gpu.GeometryFlagOpaque != 0,
				bbox: [2]types.Vec3{
					types.MinVec3(types.MinVec3(v[0], v[1]), v[2]),
					types.MaxVec3(types.MaxVec3(v[0], v[1]), v[2]),
				},
			}
			tri.center = v[0].Add(v[1]).Add(v[2]).Mul(1.0 / 3.0)
			items = append(items, tri)
		}
	}

	blas := &bottomLevel{triangles: make([]*triangle, 0, len(items))}
	blas.nodes = buildBVH(d.logger, items, blasLeafItems, func(leaf *bvhNode, leafItems []boundedVolume) {
		leaf.first = int32(len(blas.triangles))
		leaf.count = int32(len(leafItems))
		for _, item := range leafItems {
			blas.triangles = append(blas.triangles, item.(*triangle))
		}
	})
	return blas, nil
}

func (d *Device) buildTopLevel(descs gpu.Address, count int) (*topLevel, error) {
	buf, offset, err := d.Resolve(descs)
	if err != nil {
		return nil, fmt.Errorf("software: instance descriptors: %w", err)
	}
	if offset+int64(count*gpu.InstanceDescSize) > buf.Size() {
		return nil, fmt.Errorf("software: %d instance descriptors overflow %q", count, buf.Name())
	}

	items := make([]boundedVolume, 0, count)
	for i := 0; i < count; i++ {
		start := offset + int64(i*gpu.InstanceDescSize)
		desc, err := gpu.DecodeInstanceDesc(buf.Bytes()[start : start+gpu.InstanceDescSize])
		if err != nil {
			return nil, err
		}
		blasBuf, _, err := d.Resolve(desc.BLAS)
		if err != nil {
			return nil, fmt.Errorf("software: instance %d: %w", i, err)
		}
		blas, ok := blasBuf.Native().(*bottomLevel)
		if !ok {
			return nil, fmt.Errorf("software: instance %d: %w: %q", i, gpu.ErrNotAccelerationStruct, blasBuf.Name())
		}

		inst := &instance{
			index:         i,
			desc:          desc,
			blas:          blas,
			worldToObject: desc.Transform.Inv(),
		}
		inst.bbox = transformBBox(desc.Transform, blas.nodes[0].min, blas.nodes[0].max)
		inst.center = inst.bbox[0].Add(inst.bbox[1]).Mul(0.5)
		items = append(items, inst)
	}

	tlas := &topLevel{instances: make([]*instance, 0, len(items))}
	tlas.nodes = buildBVH(d.logger, items, tlasLeafItems, func(leaf *bvhNode, leafItems []boundedVolume) {
		leaf.first = int32(len(tlas.instances))
		leaf.count = int32(len(leafItems))
		for _, item := range leafItems {
			tlas.instances = append(tlas.instances, item.(*instance))
		}
	})
	return tlas, nil
}

// Transform an object space box and return the enclosing world space box.
func transformBBox(m types.Mat3x4, min, max types.Vec3) [2]types.Vec3 {
	out := [2]types.Vec3{
		{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32},
		{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32},
	}
	for corner := 0; corner < 8; corner++ {
		p := min
		if corner&1 != 0 {
			p[0] = max[0]
		}
		if corner&2 != 0 {
			p[1] = max[1]
		}
		if corner&4 != 0 {
			p[2] = max[2]
		}
		wp := m.TransformPoint(p)
		out[0] = types.MinVec3(out[0], wp)
		out[1] = types.MaxVec3(out[1], wp)
	}
	return out
}
