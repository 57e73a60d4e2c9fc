package gpu

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achilleasa/polaris-ddgi/types"
)

type asFixture struct {
	alloc     *Allocator
	vertices  *Buffer
	blas      *Buffer
	tlas      *Buffer
	scratch   *Buffer
	instances *Buffer
}

func newASFixture(t *testing.T) *asFixture {
	alloc := NewAllocator("test", 0)
	mk := func(name string, size int64, heap HeapType, state ResourceState, uav bool) *Buffer {
		buf, err := alloc.CreateBuffer(BufferDesc{Name: name, Size: size, Heap: heap, InitialState: state, AllowUAV: uav})
		require.NoError(t, err)
		return buf
	}

	f := &asFixture{
		alloc:     alloc,
		vertices:  mk("vertices", 36, HeapUpload, StateGenericRead, false),
		blas:      mk("blas", 1024, HeapDefault, StateRaytracingAccelerationStructure, true),
		tlas:      mk("tlas", 1024, HeapDefault, StateRaytracingAccelerationStructure, true),
		scratch:   mk("scratch", 1024, HeapDefault, StateUnorderedAccess, true),
		instances: mk("instances", InstanceDescSize, HeapUpload, StateGenericRead, false),
	}
	require.NoError(t, f.instances.Map(func(data []byte) error {
		return InstanceDesc{Transform: types.Ident3x4(), Mask: 0xff, BLAS: f.blas.Address()}.Encode(data)
	}))
	return f
}

func (f *asFixture) record(cl *CommandList, withBarrier bool) {
	cl.BuildRaytracingAccelerationStructure(&BuildDesc{
		Inputs: BuildInputs{
			Type: BottomLevel,
			Geometries: []GeometryDesc{{
				Flags:        GeometryFlagOpaque,
				VertexBuffer: f.vertices.Address(),
				VertexStride: 12,
				VertexCount:  3,
				VertexFormat: FormatR32G32B32Float,
			}},
		},
		Dest:    f.blas.Address(),
		Scratch: f.scratch.Address(),
	})
	if withBarrier {
		cl.ResourceBarrier(UAVBarrier(f.blas))
	}
	cl.BuildRaytracingAccelerationStructure(&BuildDesc{
		Inputs:  BuildInputs{Type: TopLevel, InstanceDescs: f.instances.Address(), NumInstances: 1},
		Dest:    f.tlas.Address(),
		Scratch: f.scratch.Address(),
	})
}

func TestValidationFlagsTLASBuildWithoutUAVBarrier(t *testing.T) {
	f := newASFixture(t)

	cl, err := NewCommandList("as-build", NewCommandAllocator("alloc"), f.alloc)
	require.NoError(t, err)
	f.record(cl, false)

	err = cl.Close()
	var valErr *ValidationError
	require.True(t, errors.As(err, &valErr), "expected a ValidationError; got %v", err)
	require.Len(t, valErr.Violations, 1)
	assert.True(t, strings.Contains(valErr.Violations[0], "without an intervening UAV barrier"), valErr.Violations[0])
}

func TestValidationAcceptsTLASBuildAfterUAVBarrier(t *testing.T) {
	f := newASFixture(t)

	cl, err := NewCommandList("as-build", NewCommandAllocator("alloc"), f.alloc)
	require.NoError(t, err)
	f.record(cl, true)
	require.NoError(t, cl.Close())

	names := make([]string, 0)
	for _, cmd := range cl.Commands() {
		names = append(names, cmd.CommandName())
	}
	assert.Equal(t, []string{"BuildRaytracingAccelerationStructure", "ResourceBarrier", "BuildRaytracingAccelerationStructure"}, names)
}

func TestValidationFlagsUnreadableGeometryAndStateMismatch(t *testing.T) {
	f := newASFixture(t)
	vb, err := f.alloc.CreateBuffer(BufferDesc{Name: "vb", Size: 36, InitialState: StateCopyDest})
	require.NoError(t, err)

	cl, err := NewCommandList("list", NewCommandAllocator("alloc"), f.alloc)
	require.NoError(t, err)
	cl.BuildRaytracingAccelerationStructure(&BuildDesc{
		Inputs: BuildInputs{Type: BottomLevel, Geometries: []GeometryDesc{{VertexBuffer: vb.Address(), VertexStride: 12, VertexCount: 3}}},
		Dest:   f.blas.Address(), Scratch: f.scratch.Address(),
	})
	cl.ResourceBarrier(TransitionBarrier(vb, StateCommon, StateNonPixelShaderResource))

	var valErr *ValidationError
	require.True(t, errors.As(cl.Close(), &valErr))
	require.Len(t, valErr.Violations, 2)
	assert.Contains(t, valErr.Violations[0], "non-readable state")
	assert.Contains(t, valErr.Violations[1], "expects before state")
	assert.Equal(t, StateNonPixelShaderResource, vb.State(), "transitions are applied even when flagged")
}

func TestValidationFlagsDispatchWithoutPipeline(t *testing.T) {
	cl, err := NewCommandList("list", NewCommandAllocator("alloc"), NewAllocator("test", 0))
	require.NoError(t, err)
	cl.Dispatch(1, 1, 1)

	var valErr *ValidationError
	require.True(t, errors.As(cl.Close(), &valErr))
	assert.Contains(t, valErr.Violations[0], "no compute pipeline bound")
}
