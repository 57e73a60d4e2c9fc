package gpu

import (
	"fmt"
)

// validator is the debug layer attached to a command list. It mirrors the
// command stream and flags ordering and state violations as they are
// recorded.
type validator struct {
	resolver   AddressResolver
	violations []string

	// BLAS results built on this list that no UAV barrier has covered yet.
	pendingBLAS map[Address]*Buffer

	stateObject *StateObject
	pipeline    *PipelineState
	bindings    *Bindings
}

func newValidator(resolver AddressResolver) *validator {
	return &validator{resolver: resolver, pendingBLAS: make(map[Address]*Buffer)}
}

func (v *validator) reset() {
	v.violations = v.violations[:0]
	v.pendingBLAS = make(map[Address]*Buffer)
	v.stateObject = nil
	v.pipeline = nil
	v.bindings = nil
}

func (v *validator) flag(format string, args ...interface{}) {
	v.violations = append(v.violations, fmt.Sprintf(format, args...))
}

func (v *validator) expectState(res Resource, state ResourceState, op string) {
	if res.Released() {
		v.flag("%s: resource %q has been released", op, res.Name())
		return
	}
	if res.State()&state != state {
		v.flag("%s: resource %q is in state %s; expected %s", op, res.Name(), res.State(), state)
	}
}

func (v *validator) resolveWhole(addr Address, op, what string) *Buffer {
	buf, offset, err := v.resolver.Resolve(addr)
	if err != nil {
		v.flag("%s: %s: %v", op, what, err)
		return nil
	}
	if offset%AccelerationStructureAlignment != 0 {
		v.flag("%s: %s at %#x is not %d byte aligned", op, what, uint64(addr), AccelerationStructureAlignment)
	}
	return buf
}

func (v *validator) checkBuild(desc *BuildDesc) {
	const op = "BuildRaytracingAccelerationStructure"

	if dest := v.resolveWhole(desc.Dest, op, "destination"); dest != nil {
		v.expectState(dest, StateRaytracingAccelerationStructure, op)
		if desc.Inputs.Type == BottomLevel {
			v.pendingBLAS[dest.Address()] = dest
		}
	}
	if scratch := v.resolveWhole(desc.Scratch, op, "scratch"); scratch != nil {
		v.expectState(scratch, StateUnorderedAccess, op)
	}

	switch desc.Inputs.Type {
	case BottomLevel:
		for i, g := range desc.Inputs.Geometries {
			if vb, _, err := v.resolver.Resolve(g.VertexBuffer); err != nil {
				v.flag("%s: geometry %d vertex buffer: %v", op, i, err)
			} else if !vb.State().Readable() {
				v.flag("%s: geometry %d vertex buffer %q is in non-readable state %s", op, i, vb.Name(), vb.State())
			}
			if g.IndexBuffer == 0 {
				continue
			}
			if ib, _, err := v.resolver.Resolve(g.IndexBuffer); err != nil {
				v.flag("%s: geometry %d index buffer: %v", op, i, err)
			} else if !ib.State().Readable() {
				v.flag("%s: geometry %d index buffer %q is in non-readable state %s", op, i, ib.Name(), ib.State())
			}
		}
	case TopLevel:
		instBuf, offset, err := v.resolver.Resolve(desc.Inputs.InstanceDescs)
		if err != nil {
			v.flag("%s: instance descriptors: %v", op, err)
			return
		}
		if offset+int64(desc.Inputs.NumInstances*InstanceDescSize) > instBuf.Size() {
			v.flag("%s: %d instance descriptors overflow buffer %q", op, desc.Inputs.NumInstances, instBuf.Name())
			return
		}
		for i := 0; i < desc.Inputs.NumInstances; i++ {
			start := offset + int64(i*InstanceDescSize)
			inst, err := DecodeInstanceDesc(instBuf.Bytes()[start : start+InstanceDescSize])
			if err != nil {
				v.flag("%s: instance %d: %v", op, i, err)
				continue
			}
			if blas, pending := v.pendingBLAS[inst.BLAS]; pending {
				v.flag("%s: TLAS instance %d references BLAS %q built on this command list without an intervening UAV barrier", op, i, blas.Name())
				continue
			}
			blas, _, err := v.resolver.Resolve(inst.BLAS)
			if err != nil {
				v.flag("%s: instance %d BLAS: %v", op, i, err)
			} else if blas.State() != StateRaytracingAccelerationStructure {
				v.flag("%s: instance %d references %q which is not an acceleration structure", op, i, blas.Name())
			}
		}
	}
}

func (v *validator) checkBarriers(barriers []Barrier) {
	for _, b := range barriers {
		switch b.Type {
		case BarrierTransition:
			if b.Resource.Released() {
				v.flag("ResourceBarrier: resource %q has been released", b.Resource.Name())
				continue
			}
			if b.Resource.State() != b.Before {
				v.flag("ResourceBarrier: resource %q transition expects before state %s; tracked state is %s", b.Resource.Name(), b.Before, b.Resource.State())
			}
			if b.Before == b.After {
				v.flag("ResourceBarrier: resource %q transition from %s to itself", b.Resource.Name(), b.Before)
			}
		case BarrierUAV:
			if b.Resource == nil {
				v.pendingBLAS = make(map[Address]*Buffer)
				continue
			}
			if buf, ok := b.Resource.(*Buffer); ok {
				delete(v.pendingBLAS, buf.Address())
			}
		}
	}
}

func (v *validator) checkRootArg(index int, typ RootParameterType, arg RootArgument) {
	if v.bindings == nil {
		v.flag("SetComputeRootArgument: parameter %d bound before a root signature", index)
		return
	}
	if err := v.bindings.Set(index, typ, arg); err != nil {
		v.flag("SetComputeRootArgument: %v", err)
		return
	}
	switch typ {
	case RootDescriptorTable:
		if !arg.Table.Valid() {
			v.flag("SetComputeRootDescriptorTable: parameter %d bound to an invalid handle", index)
		}
	case RootCBV, RootSRV, RootUAV:
		if _, _, err := v.resolver.Resolve(arg.Address); err != nil {
			v.flag("SetComputeRootArgument: parameter %d: %v", index, err)
		}
	}
}

func (v *validator) checkBindings(op string) {
	if v.bindings == nil {
		v.flag("%s: no root signature bound", op)
		return
	}
	if missing := v.bindings.Missing(); len(missing) != 0 {
		v.flag("%s: unbound root parameters %v", op, missing)
	}
}

func (v *validator) checkTable(op, name string, r ShaderTableRange, required bool) {
	if r.Start == 0 && r.Size == 0 {
		if required {
			v.flag("%s: %s shader table is required", op, name)
		}
		return
	}
	if uint64(r.Start)%ShaderTableAlignment != 0 {
		v.flag("%s: %s shader table start %#x is not %d byte aligned", op, name, uint64(r.Start), ShaderTableAlignment)
	}
	if r.Stride%ShaderRecordAlignment != 0 {
		v.flag("%s: %s shader table stride %d is not a multiple of %d", op, name, r.Stride, ShaderRecordAlignment)
	}
	buf, offset, err := v.resolver.Resolve(r.Start)
	if err != nil {
		v.flag("%s: %s shader table: %v", op, name, err)
		return
	}
	if offset+r.Size > buf.Size() {
		v.flag("%s: %s shader table overflows buffer %q", op, name, buf.Name())
	}
}

func (v *validator) checkDispatchRays(desc *DispatchRaysDesc) {
	const op = "DispatchRays"
	if v.stateObject == nil {
		v.flag("%s: no raytracing state object bound", op)
	}
	v.checkBindings(op)
	if desc.Width <= 0 || desc.Height <= 0 || desc.Depth <= 0 {
		v.flag("%s: invalid dimensions %dx%dx%d", op, desc.Width, desc.Height, desc.Depth)
	}
	v.checkTable(op, "ray generation", desc.RayGeneration, true)
	if desc.RayGeneration.Size != desc.RayGeneration.Stride {
		v.flag("%s: ray generation shader table must hold exactly one record", op)
	}
	v.checkTable(op, "miss", desc.Miss, false)
	v.checkTable(op, "hit group", desc.HitGroup, false)
}

func (v *validator) checkDispatch(x, y, z int) {
	const op = "Dispatch"
	if v.pipeline == nil {
		v.flag("%s: no compute pipeline bound", op)
	}
	v.checkBindings(op)
	if x <= 0 || y <= 0 || z <= 0 {
		v.flag("%s: invalid thread group counts %dx%dx%d", op, x, y, z)
	}
}
