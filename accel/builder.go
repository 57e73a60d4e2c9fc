// Package accel builds the two-level acceleration structures used for ray
// dispatches: one bottom-level structure per mesh and a single top-level
// structure per scene.
package accel

import (
	"errors"
	"fmt"

	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/log"
	"github.com/achilleasa/polaris-ddgi/types"
)

var (
	ErrUnbuiltBLAS = errors.New("accel: instance references a BLAS that was not built by this builder")
	ErrNoInstances = errors.New("accel: top-level structure needs at least one instance")
)

// Recorder is the subset of gpu.CommandList used by the builder.
type Recorder interface {
	BuildRaytracingAccelerationStructure(desc *gpu.BuildDesc)
	ResourceBarrier(barriers ...gpu.Barrier)
}

// Device is the subset of gpu.Device used by the builder.
type Device interface {
	CreateBuffer(desc gpu.BufferDesc) (*gpu.Buffer, error)
	GetAccelerationStructurePrebuildInfo(inputs *gpu.BuildInputs) gpu.PrebuildInfo
	Resolve(addr gpu.Address) (*gpu.Buffer, int64, error)
}

// BottomLevel is a built BLAS.
type BottomLevel struct {
	Name       string
	Result     *gpu.Buffer
	Geometries []gpu.GeometryDesc
	Prebuild   gpu.PrebuildInfo
}

// Address returns the GPU address referenced by instance descriptors.
func (b *BottomLevel) Address() gpu.Address { return b.Result.Address() }

// TopLevel is a built TLAS together with its instance descriptors.
type TopLevel struct {
	Result    *gpu.Buffer
	Instances *gpu.Buffer
	Count     int
	Prebuild  gpu.PrebuildInfo
}

// InstanceSpec places mesh Mesh in the world.
type InstanceSpec struct {
	Mesh           int
	Transform      types.Mat3x4
	InstanceID     uint32
	Mask           uint8
	HitGroupOffset uint32
	Flags          gpu.InstanceFlags
}

// Structures is the result of a full scene build.
type Structures struct {
	BLAS    []*BottomLevel
	TLAS    *TopLevel
	Scratch *gpu.Buffer
}

// Builder issues acceleration structure builds. A single scratch buffer is
// shared by every build and grows on demand. Scratch buffers replaced by a
// larger one stay alive until ReleaseRetired or Close, since builds recorded
// against them may not have executed yet.
type Builder struct {
	dev    Device
	logger log.Logger

	scratch *gpu.Buffer
	retired []*gpu.Buffer
	built   map[gpu.Address]*BottomLevel
	nextID  int
}

// NewBuilder creates a builder allocating from dev.
func NewBuilder(dev Device) *Builder {
	return &Builder{
		dev:    dev,
		logger: log.New("accel"),
		built:  make(map[gpu.Address]*BottomLevel),
	}
}

// Scratch returns the shared scratch buffer; nil before the first build.
func (b *Builder) Scratch() *gpu.Buffer { return b.scratch }

// Build records BLAS builds for every mesh followed by the scene TLAS.
// Prebuild info for all structures is queried up front so that a single
// scratch buffer sized to the largest requirement serves every build.
func (b *Builder) Build(cl Recorder, meshes [][]gpu.GeometryDesc, instances []InstanceSpec) (*Structures, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	var maxScratch int64
	blasInfo := make([]gpu.PrebuildInfo, len(meshes))
	for i, geoms := range meshes {
		info, err := b.prebuild(&gpu.BuildInputs{Type: gpu.BottomLevel, Geometries: geoms}, fmt.Sprintf("mesh %d", i))
		if err != nil {
			return nil, err
		}
		blasInfo[i] = info
		if info.ScratchDataSizeInBytes > maxScratch {
			maxScratch = info.ScratchDataSizeInBytes
		}
	}
	tlasInfo, err := b.prebuild(&gpu.BuildInputs{Type: gpu.TopLevel, NumInstances: len(instances)}, "scene")
	if err != nil {
		return nil, err
	}
	if tlasInfo.ScratchDataSizeInBytes > maxScratch {
		maxScratch = tlasInfo.ScratchDataSizeInBytes
	}
	if err := b.ensureScratch(maxScratch); err != nil {
		return nil, err
	}

	out := &Structures{BLAS: make([]*BottomLevel, len(meshes)), Scratch: b.scratch}
	for i, geoms := range meshes {
		if out.BLAS[i], err = b.buildBottomLevel(cl, fmt.Sprintf("blas-%d", i), geoms, blasInfo[i]); err != nil {
			out.Release(b)
			return nil, err
		}
	}

	descs := make([]gpu.InstanceDesc, len(instances))
	for i, inst := range instances {
		if inst.Mesh < 0 || inst.Mesh >= len(out.BLAS) {
			out.Release(b)
			return nil, gpu.NewConfigurationError("accel.Build", "instance %d references unknown mesh %d", i, inst.Mesh)
		}
		descs[i] = gpu.InstanceDesc{
			Transform:      inst.Transform,
			InstanceID:     inst.InstanceID,
			Mask:           inst.Mask,
			HitGroupOffset: inst.HitGroupOffset,
			Flags:          inst.Flags,
			BLAS:           out.BLAS[inst.Mesh].Address(),
		}
	}
	if out.TLAS, err = b.buildTopLevel(cl, descs, tlasInfo); err != nil {
		out.Release(b)
		return nil, err
	}

	b.logger.Debugf("recorded %d BLAS builds and a TLAS build over %d instances (scratch: %d bytes)", len(meshes), len(instances), b.scratch.Size())
	return out, nil
}

// BuildBottomLevel records the build of a single BLAS followed by a UAV
// barrier on its result. Several BLAS and TLAS builds may be recorded on the
// same list; call ReleaseRetired once the list completed.
func (b *Builder) BuildBottomLevel(cl Recorder, geoms []gpu.GeometryDesc) (*BottomLevel, error) {
	info, err := b.prebuild(&gpu.BuildInputs{Type: gpu.BottomLevel, Geometries: geoms}, "BuildBottomLevel")
	if err != nil {
		return nil, err
	}
	if err := b.ensureScratch(info.ScratchDataSizeInBytes); err != nil {
		return nil, err
	}
	b.nextID++
	return b.buildBottomLevel(cl, fmt.Sprintf("blas-%d", b.nextID), geoms, info)
}

// BuildTopLevel records a TLAS build over instances. Every instance must
// reference a BLAS built by this builder and the BLAS builds must complete
// first, either earlier on cl (its UAV barrier is recorded by
// BuildBottomLevel) or in a submission the caller fenced.
func (b *Builder) BuildTopLevel(cl Recorder, instances []gpu.InstanceDesc) (*TopLevel, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	info, err := b.prebuild(&gpu.BuildInputs{Type: gpu.TopLevel, NumInstances: len(instances)}, "BuildTopLevel")
	if err != nil {
		return nil, err
	}
	if err := b.ensureScratch(info.ScratchDataSizeInBytes); err != nil {
		return nil, err
	}
	return b.buildTopLevel(cl, instances, info)
}

func (b *Builder) prebuild(inputs *gpu.BuildInputs, what string) (gpu.PrebuildInfo, error) {
	if inputs.Type == gpu.BottomLevel {
		if err := b.checkGeometries(inputs.Geometries, what); err != nil {
			return gpu.PrebuildInfo{}, err
		}
	}
	info := b.dev.GetAccelerationStructurePrebuildInfo(inputs)
	if info.ResultDataMaxSizeInBytes <= 0 {
		return info, gpu.NewConfigurationError("GetRaytracingAccelerationStructurePrebuildInfo", "%s %s: driver reported a result size of %d bytes", inputs.Type, what, info.ResultDataMaxSizeInBytes)
	}
	return info, nil
}

// Geometry buffers are read by the build and must be in a shader readable state.
func (b *Builder) checkGeometries(geoms []gpu.GeometryDesc, what string) error {
	const op = "accel.BuildBottomLevel"
	for i, g := range geoms {
		vb, _, err := b.dev.Resolve(g.VertexBuffer)
		if err != nil {
			return gpu.NewConfigurationError(op, "%s geometry %d: vertex buffer: %v", what, i, err)
		}
		if !vb.State().Readable() {
			return gpu.NewConfigurationError(op, "%s geometry %d: vertex buffer %q is in state %s", what, i, vb.Name(), vb.State())
		}
		if g.IndexBuffer == 0 {
			continue
		}
		ib, _, err := b.dev.Resolve(g.IndexBuffer)
		if err != nil {
			return gpu.NewConfigurationError(op, "%s geometry %d: index buffer: %v", what, i, err)
		}
		if !ib.State().Readable() {
			return gpu.NewConfigurationError(op, "%s geometry %d: index buffer %q is in state %s", what, i, ib.Name(), ib.State())
		}
	}
	return nil
}

func (b *Builder) ensureScratch(size int64) error {
	if b.scratch != nil && b.scratch.Size() >= size {
		return nil
	}
	scratch, err := b.dev.CreateBuffer(gpu.BufferDesc{
		Name:         "as-scratch",
		Size:         size,
		Heap:         gpu.HeapDefault,
		InitialState: gpu.StateUnorderedAccess,
		AllowUAV:     true,
	})
	if err != nil {
		return err
	}
	// Builds recorded against the old scratch buffer may still be pending.
	if b.scratch != nil {
		b.retired = append(b.retired, b.scratch)
		b.logger.Debugf("scratch grew from %d to %d bytes", b.scratch.Size(), size)
	}
	b.scratch = scratch
	return nil
}

// ReleaseRetired frees the scratch buffers replaced by larger ones. The
// builds recorded against them must have completed.
func (b *Builder) ReleaseRetired() {
	for _, buf := range b.retired {
		buf.Release()
	}
	b.retired = nil
}

func (b *Builder) buildBottomLevel(cl Recorder, name string, geoms []gpu.GeometryDesc, info gpu.PrebuildInfo) (*BottomLevel, error) {
	result, err := b.dev.CreateBuffer(gpu.BufferDesc{
		Name:         name,
		Size:         info.ResultDataMaxSizeInBytes,
		Heap:         gpu.HeapDefault,
		InitialState: gpu.StateRaytracingAccelerationStructure,
		AllowUAV:     true,
	})
	if err != nil {
		return nil, err
	}

	blas := &BottomLevel{
		Name:       name,
		Result:     result,
		Geometries: append([]gpu.GeometryDesc(nil), geoms...),
		Prebuild:   info,
	}
	cl.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{
		Inputs:  gpu.BuildInputs{Type: gpu.BottomLevel, Geometries: blas.Geometries},
		Dest:    result.Address(),
		Scratch: b.scratch.Address(),
	})
	// The result must be complete before a TLAS reads it and the scratch
	// buffer is reused by the next build.
	cl.ResourceBarrier(gpu.UAVBarrier(result), gpu.UAVBarrier(b.scratch))

	b.built[result.Address()] = blas
	return blas, nil
}

func (b *Builder) buildTopLevel(cl Recorder, instances []gpu.InstanceDesc, info gpu.PrebuildInfo) (*TopLevel, error) {
	for i, inst := range instances {
		if _, ok := b.built[inst.BLAS]; !ok {
			return nil, fmt.Errorf("instance %d (BLAS %#x): %w", i, uint64(inst.BLAS), ErrUnbuiltBLAS)
		}
	}

	descs, err := b.dev.CreateBuffer(gpu.BufferDesc{
		Name: "tlas-instances",
		Size: int64(len(instances) * gpu.InstanceDescSize),
		Heap: gpu.HeapUpload,
	})
	if err != nil {
		return nil, err
	}
	err = descs.Map(func(data []byte) error {
		for i, inst := range instances {
			if err := inst.Encode(data[i*gpu.InstanceDescSize:]); err != nil {
				return fmt.Errorf("instance %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		descs.Release()
		return nil, err
	}

	result, err := b.dev.CreateBuffer(gpu.BufferDesc{
		Name:         "tlas",
		Size:         info.ResultDataMaxSizeInBytes,
		Heap:         gpu.HeapDefault,
		InitialState: gpu.StateRaytracingAccelerationStructure,
		AllowUAV:     true,
	})
	if err != nil {
		descs.Release()
		return nil, err
	}

	cl.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{
		Inputs: gpu.BuildInputs{
			Type:          gpu.TopLevel,
			InstanceDescs: descs.Address(),
			NumInstances:  len(instances),
		},
		Dest:    result.Address(),
		Scratch: b.scratch.Address(),
	})
	return &TopLevel{Result: result, Instances: descs, Count: len(instances), Prebuild: info}, nil
}

// ReleaseBottomLevel frees a BLAS; instances may no longer reference it.
func (b *Builder) ReleaseBottomLevel(blas *BottomLevel) {
	if blas == nil || blas.Result.Released() {
		return
	}
	delete(b.built, blas.Address())
	blas.Result.Release()
}

// Release frees the TLAS and its instance buffer.
func (t *TopLevel) Release() {
	if t == nil {
		return
	}
	t.Result.Release()
	t.Instances.Release()
}

// Release frees every structure. The shared scratch buffer stays with the
// builder.
func (s *Structures) Release(b *Builder) {
	if s == nil {
		return
	}
	s.TLAS.Release()
	for _, blas := range s.BLAS {
		b.ReleaseBottomLevel(blas)
	}
}

// Close releases the shared scratch buffer and any retired ones.
func (b *Builder) Close() {
	b.ReleaseRetired()
	if b.scratch != nil {
		b.scratch.Release()
		b.scratch = nil
	}
}
