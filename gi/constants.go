package gi

import (
	"github.com/achilleasa/polaris-ddgi/types"
)

// Probe states stored in the w component of the probe data texture.
const (
	ProbeActive   float32 = 0
	ProbeInactive float32 = 1
)

// Ray types traced by the volume. The hit group table holds one record per
// ray type for every geometry.
const (
	RayTypeRadiance = iota
	RayTypeShadow
	RayTypeCount
)

// Miss table indices.
const (
	missRadiance = iota
	missShadow
)

// VolumeConstants is the per-frame constant buffer of the ray pipeline.
type VolumeConstants struct {
	Origin       types.Vec4 // w: max ray distance
	Spacing      types.Vec4 // w: normal bias
	Counts       [4]uint32  // w: rays per probe
	Rotation     types.Vec4 // quaternion (x, y, z, w)
	MissRadiance types.Vec4 // w: view bias
	SunDirection types.Vec4 // w: irradiance gamma, 0 when disabled
	SunRadiance  types.Vec4
	Texels       [4]uint32 // irradiance texels, distance texels, tracking, frame
}

func (c *VolumeConstants) grid() Grid {
	return Grid{
		Origin:  c.Origin.Vec3(),
		Spacing: c.Spacing.Vec3(),
		Counts:  [3]int{int(c.Counts[0]), int(c.Counts[1]), int(c.Counts[2])},
	}
}

func (c *VolumeConstants) rotation() types.Quat {
	return types.Quat{V: c.Rotation.Vec3(), W: c.Rotation[3]}
}

// BlendConstants drive the atlas blending kernels.
type BlendConstants struct {
	Counts   [4]uint32  // w: atlas width
	Rotation types.Vec4 // quaternion (x, y, z, w)

	// Brightness threshold, irradiance threshold, max distance and
	// distance power.
	Thresholds types.Vec4
}

// BorderConstants drive the border fix-up kernels.
type BorderConstants struct {
	Counts [4]uint32 // z: interior texels, w: atlas width
}

// RelocationConstants drive the relocation and classification kernels.
type RelocationConstants struct {
	Counts   [4]uint32
	Spacing  types.Vec4
	Rotation types.Vec4

	// Backface fraction threshold and min frontface distance.
	Thresholds types.Vec4
}

// MaterialRecord is the GPU layout of a surface material.
type MaterialRecord struct {
	Albedo   types.Vec3
	Opacity  float32
	Emissive types.Vec3
	Pad      float32
}

// HitGroupArgs are the local root arguments of a hit group record.
type HitGroupArgs struct {
	VertexBuffer  uint64
	IndexBuffer   uint64
	VertexStride  uint32
	MaterialIndex uint32
}
