package gpu

import (
	"fmt"
	"sync/atomic"

	"github.com/achilleasa/polaris-ddgi/types"
)

// BarrierType selects between state transitions and UAV barriers.
type BarrierType uint8

const (
	BarrierTransition BarrierType = iota
	BarrierUAV
)

// Barrier declares a data dependency between commands.
type Barrier struct {
	Type     BarrierType
	Resource Resource
	Before   ResourceState
	After    ResourceState
}

// TransitionBarrier moves a resource between states.
func TransitionBarrier(res Resource, before, after ResourceState) Barrier {
	return Barrier{Type: BarrierTransition, Resource: res, Before: before, After: after}
}

// UAVBarrier waits for all pending unordered writes to res. A nil
// resource waits for all pending unordered writes.
func UAVBarrier(res Resource) Barrier {
	return Barrier{Type: BarrierUAV, Resource: res}
}

// Command is a recorded command list entry interpreted by the device backend.
type Command interface {
	CommandName() string
}

type (
	BuildAccelerationStructureCmd struct{ Desc BuildDesc }
	ResourceBarrierCmd            struct{ Barriers []Barrier }
	SetRaytracingPipelineCmd      struct{ StateObject *StateObject }
	SetComputePipelineCmd         struct{ Pipeline *PipelineState }
	SetComputeRootSignatureCmd    struct{ Signature *RootSignature }
	SetRootArgumentCmd            struct {
		Index int
		Type  RootParameterType
		Arg   RootArgument
	}
	DispatchRaysCmd struct{ Desc DispatchRaysDesc }
	DispatchCmd     struct{ X, Y, Z int }
	ClearTextureCmd struct {
		Texture *Texture
		Value   types.Vec4
	}
	CopyTextureCmd struct{ Dst, Src *Texture }
)

func (BuildAccelerationStructureCmd) CommandName() string {
	return "BuildRaytracingAccelerationStructure"
}
func (ResourceBarrierCmd) CommandName() string         { return "ResourceBarrier" }
func (SetRaytracingPipelineCmd) CommandName() string   { return "SetPipelineState1" }
func (SetComputePipelineCmd) CommandName() string      { return "SetPipelineState" }
func (SetComputeRootSignatureCmd) CommandName() string { return "SetComputeRootSignature" }
func (SetRootArgumentCmd) CommandName() string         { return "SetComputeRootArgument" }
func (DispatchRaysCmd) CommandName() string            { return "DispatchRays" }
func (DispatchCmd) CommandName() string                { return "Dispatch" }
func (ClearTextureCmd) CommandName() string            { return "ClearUnorderedAccessViewFloat" }
func (CopyTextureCmd) CommandName() string             { return "CopyResource" }

// CommandAllocator backs the memory of recorded commands. It must not be
// reset while the GPU may still be executing lists recorded into it.
type CommandAllocator struct {
	name      string
	inFlight  int32
	recording *CommandList
	resets    uint64
}

// NewCommandAllocator creates a command allocator.
func NewCommandAllocator(name string) *CommandAllocator {
	return &CommandAllocator{name: name}
}

// Get allocator name.
func (a *CommandAllocator) Name() string { return a.name }

// Returns the number of submitted lists the GPU has not retired yet.
func (a *CommandAllocator) InFlight() int { return int(atomic.LoadInt32(&a.inFlight)) }

// Returns how many times the allocator has been reset.
func (a *CommandAllocator) Resets() uint64 { return a.resets }

// Reset reclaims the allocator memory.
func (a *CommandAllocator) Reset() error {
	if atomic.LoadInt32(&a.inFlight) > 0 {
		return fmt.Errorf("%w: %s", ErrAllocatorInUse, a.name)
	}
	if a.recording != nil && a.recording.open {
		return fmt.Errorf("%w: %s", ErrAllocatorRecording, a.name)
	}
	a.resets++
	return nil
}

// CommandList records GPU commands for later submission to a queue.
type CommandList struct {
	name     string
	alloc    *CommandAllocator
	commands []Command
	open     bool
	err      error

	validator *validator
}

// NewCommandList creates an open command list recording into alloc. If
// resolver is not nil, the debug validation layer is enabled.
func NewCommandList(name string, alloc *CommandAllocator, resolver AddressResolver) (*CommandList, error) {
	cl := &CommandList{name: name}
	if resolver != nil {
		cl.validator = newValidator(resolver)
	}
	if err := cl.Reset(alloc); err != nil {
		return nil, err
	}
	return cl, nil
}

// Get command list name.
func (cl *CommandList) Name() string { return cl.name }

// Get the allocator the list records into.
func (cl *CommandList) Allocator() *CommandAllocator { return cl.alloc }

// Returns true while the list is recording.
func (cl *CommandList) IsOpen() bool { return cl.open }

// Commands returns the recorded commands.
func (cl *CommandList) Commands() []Command { return cl.commands }

// Violations returns the debug validation violations recorded so far.
func (cl *CommandList) Violations() []string {
	if cl.validator == nil {
		return nil
	}
	return append([]string(nil), cl.validator.violations...)
}

// Reset clears the list and starts recording into alloc.
func (cl *CommandList) Reset(alloc *CommandAllocator) error {
	if cl.open {
		return fmt.Errorf("gpu: command list %q must be closed before it can be reset", cl.name)
	}
	if alloc == nil {
		return fmt.Errorf("gpu: command list %q requires an allocator", cl.name)
	}
	if alloc.recording != nil && alloc.recording != cl && alloc.recording.open {
		return fmt.Errorf("%w: %s", ErrAllocatorRecording, alloc.name)
	}
	alloc.recording = cl
	cl.alloc = alloc
	cl.commands = cl.commands[:0]
	cl.err = nil
	cl.open = true
	if cl.validator != nil {
		cl.validator.reset()
	}
	return nil
}

// Close finishes recording. It reports the first recording error or the
// validation violations collected while recording.
func (cl *CommandList) Close() error {
	if !cl.open {
		return fmt.Errorf("%w: %s", ErrCommandListClosed, cl.name)
	}
	cl.open = false
	if cl.err != nil {
		return cl.err
	}
	if cl.validator != nil && len(cl.validator.violations) != 0 {
		return &ValidationError{CommandList: cl.name, Violations: cl.Violations()}
	}
	return nil
}

// MarkSubmitted is called by queues when the list is handed to the GPU.
func (cl *CommandList) MarkSubmitted() error {
	if cl.open {
		return fmt.Errorf("%w: %s", ErrCommandListOpen, cl.name)
	}
	atomic.AddInt32(&cl.alloc.inFlight, 1)
	return nil
}

// MarkRetired is called by queues once the GPU finished executing the list.
func (cl *CommandList) MarkRetired() {
	atomic.AddInt32(&cl.alloc.inFlight, -1)
}

func (cl *CommandList) record(cmd Command) {
	if !cl.open {
		if cl.err == nil {
			cl.err = fmt.Errorf("%w: %s: cannot record %s", ErrCommandListClosed, cl.name, cmd.CommandName())
		}
		return
	}
	cl.commands = append(cl.commands, cmd)
}

func (cl *CommandList) fail(err error) {
	if cl.err == nil {
		cl.err = err
	}
}

// BuildRaytracingAccelerationStructure records an acceleration structure build.
func (cl *CommandList) BuildRaytracingAccelerationStructure(desc *BuildDesc) {
	if cl.validator != nil {
		cl.validator.checkBuild(desc)
	}
	cl.record(BuildAccelerationStructureCmd{Desc: *desc})
}

// ResourceBarrier records barriers and updates the tracked resource states.
func (cl *CommandList) ResourceBarrier(barriers ...Barrier) {
	for _, b := range barriers {
		if b.Type != BarrierTransition {
			continue
		}
		if b.Resource == nil {
			cl.fail(fmt.Errorf("gpu: %s: transition barrier without a resource", cl.name))
			return
		}
	}
	if cl.validator != nil {
		cl.validator.checkBarriers(barriers)
	}
	for _, b := range barriers {
		if b.Type == BarrierTransition {
			b.Resource.setState(b.After)
		}
	}
	cl.record(ResourceBarrierCmd{Barriers: append([]Barrier(nil), barriers...)})
}

// SetPipelineState1 binds a raytracing state object.
func (cl *CommandList) SetPipelineState1(so *StateObject) {
	if cl.validator != nil {
		cl.validator.stateObject = so
		cl.validator.pipeline = nil
	}
	cl.record(SetRaytracingPipelineCmd{StateObject: so})
}

// SetPipelineState binds a compute pipeline.
func (cl *CommandList) SetPipelineState(ps *PipelineState) {
	if cl.validator != nil {
		cl.validator.pipeline = ps
		cl.validator.stateObject = nil
	}
	cl.record(SetComputePipelineCmd{Pipeline: ps})
}

// SetComputeRootSignature binds the root signature for subsequent dispatches.
func (cl *CommandList) SetComputeRootSignature(rs *RootSignature) {
	if cl.validator != nil {
		cl.validator.bindings = NewBindings(rs, cl.validator.resolver)
	}
	cl.record(SetComputeRootSignatureCmd{Signature: rs})
}

// SetComputeRootDescriptorTable binds a descriptor table.
func (cl *CommandList) SetComputeRootDescriptorTable(index int, base DescriptorHandle) {
	cl.setRootArg(index, RootDescriptorTable, RootArgument{Table: base})
}

// SetComputeRootConstantBufferView binds a root CBV.
func (cl *CommandList) SetComputeRootConstantBufferView(index int, addr Address) {
	cl.setRootArg(index, RootCBV, RootArgument{Address: addr})
}

// SetComputeRootShaderResourceView binds a root SRV.
func (cl *CommandList) SetComputeRootShaderResourceView(index int, addr Address) {
	cl.setRootArg(index, RootSRV, RootArgument{Address: addr})
}

// SetComputeRootUnorderedAccessView binds a root UAV.
func (cl *CommandList) SetComputeRootUnorderedAccessView(index int, addr Address) {
	cl.setRootArg(index, RootUAV, RootArgument{Address: addr})
}

// SetComputeRoot32BitConstants binds inline root constants.
func (cl *CommandList) SetComputeRoot32BitConstants(index int, values []uint32) {
	cl.setRootArg(index, RootConstants, RootArgument{Constants: append([]uint32(nil), values...)})
}

func (cl *CommandList) setRootArg(index int, typ RootParameterType, arg RootArgument) {
	if cl.validator != nil {
		cl.validator.checkRootArg(index, typ, arg)
	}
	cl.record(SetRootArgumentCmd{Index: index, Type: typ, Arg: arg})
}

// DispatchRays launches a ray generation grid.
func (cl *CommandList) DispatchRays(desc *DispatchRaysDesc) {
	if cl.validator != nil {
		cl.validator.checkDispatchRays(desc)
	}
	cl.record(DispatchRaysCmd{Desc: *desc})
}

// Dispatch launches x*y*z compute thread groups.
func (cl *CommandList) Dispatch(x, y, z int) {
	if cl.validator != nil {
		cl.validator.checkDispatch(x, y, z)
	}
	cl.record(DispatchCmd{X: x, Y: y, Z: z})
}

// ClearUnorderedAccessViewFloat fills a texture with value.
func (cl *CommandList) ClearUnorderedAccessViewFloat(tex *Texture, value types.Vec4) {
	if cl.validator != nil {
		cl.validator.expectState(tex, StateUnorderedAccess, "ClearUnorderedAccessViewFloat")
	}
	cl.record(ClearTextureCmd{Texture: tex, Value: value})
}

// CopyResource copies src into dst. Both textures must have equal extents.
func (cl *CommandList) CopyResource(dst, src *Texture) {
	if dst.Width() != src.Width() || dst.Height() != src.Height() {
		cl.fail(fmt.Errorf("gpu: %s: cannot copy %q (%dx%d) into %q (%dx%d)", cl.name, src.Name(), src.Width(), src.Height(), dst.Name(), dst.Width(), dst.Height()))
		return
	}
	if cl.validator != nil {
		cl.validator.expectState(dst, StateCopyDest, "CopyResource")
		cl.validator.expectState(src, StateCopySource, "CopyResource")
	}
	cl.record(CopyTextureCmd{Dst: dst, Src: src})
}
