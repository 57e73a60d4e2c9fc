package gpu

import (
	"encoding/binary"
	"fmt"

	"github.com/achilleasa/polaris-ddgi/types"
)

const (
	// Size of an opaque shader identifier.
	ShaderIdentifierSize = 32

	// Shader records are aligned to this boundary.
	ShaderRecordAlignment = 32

	// Shader tables must start at addresses aligned to this boundary.
	ShaderTableAlignment = 64

	// Size of an encoded InstanceDesc.
	InstanceDescSize = 64

	// Acceleration structure result and scratch buffers must be aligned to
	// this boundary.
	AccelerationStructureAlignment = 256
)

// AccelerationStructureType selects a bottom- or top-level build.
type AccelerationStructureType uint8

const (
	BottomLevel AccelerationStructureType = iota
	TopLevel
)

func (t AccelerationStructureType) String() string {
	if t == TopLevel {
		return "TLAS"
	}
	return "BLAS"
}

// GeometryFlags control any-hit invocation for a geometry.
type GeometryFlags uint8

const (
	GeometryFlagNone   GeometryFlags = 0
	GeometryFlagOpaque GeometryFlags = 1 << 0
)

// GeometryDesc describes an indexed triangle list referenced by GPU address.
type GeometryDesc struct {
	Flags GeometryFlags

	VertexBuffer Address
	VertexStride int
	VertexCount  int
	VertexFormat Format

	IndexBuffer Address
	IndexCount  int
	IndexFormat Format
}

// Number of triangles described by the geometry.
func (g GeometryDesc) TriangleCount() int {
	if g.IndexBuffer == 0 {
		return g.VertexCount / 3
	}
	return g.IndexCount / 3
}

// InstanceFlags modify how rays interact with an instance.
type InstanceFlags uint8

const (
	InstanceFlagNone                InstanceFlags = 0
	InstanceFlagTriangleCullDisable InstanceFlags = 1 << 0

	// Triangles wound counter-clockwise as seen from the ray origin are
	// front facing; the default treats clockwise triangles as front facing.
	InstanceFlagTriangleFrontCounterclockwise InstanceFlags = 1 << 1
	InstanceFlagForceOpaque                   InstanceFlags = 1 << 2
	InstanceFlagForceNonOpaque                InstanceFlags = 1 << 3
)

// InstanceDesc places a BLAS in the world.
type InstanceDesc struct {
	Transform      types.Mat3x4
	InstanceID     uint32 // 24 bits
	Mask           uint8
	HitGroupOffset uint32 // 24 bits
	Flags          InstanceFlags
	BLAS           Address
}

type rawInstanceDesc struct {
	Transform         [12]float32
	InstanceIDAndMask uint32
	OffsetAndFlags    uint32
	BLAS              uint64
}

// Encode the instance into its 64-byte GPU layout.
func (d InstanceDesc) Encode(dst []byte) error {
	if d.InstanceID >= 1<<24 || d.HitGroupOffset >= 1<<24 {
		return NewConfigurationError("EncodeInstanceDesc", "instance id %d / hit group offset %d exceed 24 bits", d.InstanceID, d.HitGroupOffset)
	}
	raw := rawInstanceDesc{
		Transform:         d.Transform,
		InstanceIDAndMask: d.InstanceID | uint32(d.Mask)<<24,
		OffsetAndFlags:    d.HitGroupOffset | uint32(d.Flags)<<24,
		BLAS:              uint64(d.BLAS),
	}
	_, err := binary.Encode(dst, binary.LittleEndian, &raw)
	return err
}

// DecodeInstanceDesc decodes an instance from its 64-byte GPU layout.
func DecodeInstanceDesc(src []byte) (InstanceDesc, error) {
	var raw rawInstanceDesc
	if _, err := binary.Decode(src, binary.LittleEndian, &raw); err != nil {
		return InstanceDesc{}, fmt.Errorf("gpu: could not decode instance descriptor: %w", err)
	}
	return InstanceDesc{
		Transform:      raw.Transform,
		InstanceID:     raw.InstanceIDAndMask & 0xffffff,
		Mask:           uint8(raw.InstanceIDAndMask >> 24),
		HitGroupOffset: raw.OffsetAndFlags & 0xffffff,
		Flags:          InstanceFlags(raw.OffsetAndFlags >> 24),
		BLAS:           Address(raw.BLAS),
	}, nil
}

// BuildInputs describe the contents of an acceleration structure.
type BuildInputs struct {
	Type AccelerationStructureType

	// Bottom level inputs.
	Geometries []GeometryDesc

	// Top level inputs; InstanceDescs points at NumInstances encoded
	// InstanceDesc entries.
	InstanceDescs Address
	NumInstances  int
}

// PrebuildInfo reports the memory needed to build an acceleration structure.
type PrebuildInfo struct {
	ResultDataMaxSizeInBytes int64
	ScratchDataSizeInBytes   int64
}

// BuildDesc is the argument of a BuildRaytracingAccelerationStructure command.
type BuildDesc struct {
	Inputs  BuildInputs
	Dest    Address
	Scratch Address
}

// ShaderIdentifier is an opaque handle naming a shader export or hit group.
type ShaderIdentifier [ShaderIdentifierSize]byte

// ShaderTableRange locates a shader table in GPU memory.
type ShaderTableRange struct {
	Start  Address
	Size   int64
	Stride int64
}

// Number of records in the range.
func (r ShaderTableRange) Count() int {
	if r.Stride == 0 {
		return 0
	}
	return int(r.Size / r.Stride)
}

// DispatchRaysDesc is the argument of a DispatchRays command.
type DispatchRaysDesc struct {
	RayGeneration ShaderTableRange
	Miss          ShaderTableRange
	HitGroup      ShaderTableRange
	Width         int
	Height        int
	Depth         int
}
