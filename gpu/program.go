package gpu

import (
	"github.com/achilleasa/polaris-ddgi/types"
)

// RayFlags control traversal of a single TraceRay call.
type RayFlags uint32

const (
	RayFlagNone                       RayFlags = 0
	RayFlagForceOpaque                RayFlags = 1 << 0
	RayFlagForceNonOpaque             RayFlags = 1 << 1
	RayFlagAcceptFirstHitAndEndSearch RayFlags = 1 << 2
	RayFlagSkipClosestHitShader       RayFlags = 1 << 3
	RayFlagCullBackFacingTriangles    RayFlags = 1 << 4
	RayFlagCullFrontFacingTriangles   RayFlags = 1 << 5
)

// HitKind reports which side of a triangle was hit.
type HitKind uint8

const (
	HitKindFrontFace HitKind = 0xfe
	HitKindBackFace  HitKind = 0xff
)

// Ray is a world space ray segment [TMin, TMax].
type Ray struct {
	Origin    types.Vec3
	TMin      float32
	Direction types.Vec3
	TMax      float32
}

// RayPayload is the per-ray state carried between ray programs.
type RayPayload struct {
	Radiance   types.Vec3
	Distance   float32
	Visibility float32
	Flags      uint32
}

// AnyHitResult tells the traversal what to do with a candidate hit.
type AnyHitResult uint8

const (
	AnyHitAccept AnyHitResult = iota
	AnyHitIgnore
	AnyHitAcceptAndEndSearch
)

// Tracer is implemented by device backends and lets ray programs spawn rays.
type Tracer interface {
	TraceRay(tlas *Buffer, flags RayFlags, mask uint8, rayContribution, multiplier, missIndex int, ray Ray, payload *RayPayload) error
}

// DispatchContext is shared by all program invocations of a dispatch.
type DispatchContext struct {
	Bindings *Bindings

	// DispatchRaysIndex for ray programs, DispatchThreadID for compute.
	Index [3]int

	// DispatchRaysDimensions for ray programs, total threads for compute.
	Dims [3]int
}

// RayGenContext is passed to ray generation programs.
type RayGenContext struct {
	DispatchContext
	Tracer
	LocalArgs []byte
}

// MissContext is passed to miss programs.
type MissContext struct {
	DispatchContext
	Tracer
	WorldRay  Ray
	LocalArgs []byte
}

// HitContext is passed to closest-hit and any-hit programs.
type HitContext struct {
	DispatchContext
	Tracer
	WorldRay       Ray
	HitT           float32
	Kind           HitKind
	InstanceIndex  int
	InstanceID     uint32
	GeometryIndex  int
	PrimitiveIndex int
	Barycentrics   [2]float32
	ObjectToWorld  types.Mat3x4
	LocalArgs      []byte
}

// ComputeContext is passed to compute programs once per thread.
type ComputeContext struct {
	DispatchContext
	GroupID       [3]int
	GroupThreadID [3]int
}

// Host programs bound to shader exports.
type (
	RayGenProgram     func(ctx *RayGenContext) error
	MissProgram       func(ctx *MissContext, payload *RayPayload) error
	ClosestHitProgram func(ctx *HitContext, payload *RayPayload) error
	AnyHitProgram     func(ctx *HitContext, payload *RayPayload) (AnyHitResult, error)
	ComputeProgram    func(ctx *ComputeContext) error
)
