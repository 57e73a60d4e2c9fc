package gpu

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"unsafe"
)

// ShaderStage identifies the pipeline stage of a module entry point.
type ShaderStage uint8

const (
	StageVertex ShaderStage = iota
	StageFragment
	StageCompute
)

func (s ShaderStage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	case StageCompute:
		return "compute"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// EntryPoint describes an entry point of a compiled module.
type EntryPoint struct {
	Name      string
	Stage     ShaderStage
	Workgroup [3]uint32
}

// ShaderModule is a compiled shader library.
type ShaderModule struct {
	Name        string
	Binary      []byte
	EntryPoints map[string]EntryPoint
}

// EntryPoint returns the named entry point.
func (m *ShaderModule) EntryPoint(name string) (EntryPoint, bool) {
	ep, ok := m.EntryPoints[name]
	return ep, ok
}

// EntryPointNames returns the sorted entry point names.
func (m *ShaderModule) EntryPointNames() []string {
	names := make([]string, 0, len(m.EntryPoints))
	for name := range m.EntryPoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExportDesc binds a module entry point to a host program. Program must be
// one of RayGenProgram, MissProgram, ClosestHitProgram or AnyHitProgram.
type ExportDesc struct {
	Name    string
	Program interface{}
}

// LibraryDesc associates a compiled module with its exported symbols.
type LibraryDesc struct {
	Module  *ShaderModule
	Exports []ExportDesc
}

// HitGroupDesc names a closest-hit (+ optional any-hit) combination.
type HitGroupDesc struct {
	Name       string
	ClosestHit string
	AnyHit     string
}

// ShaderConfig bounds the payload and attribute sizes.
type ShaderConfig struct {
	MaxPayloadSizeInBytes   int
	MaxAttributeSizeInBytes int
}

// LocalRootSignatureAssociation binds a local root signature to exports.
type LocalRootSignatureAssociation struct {
	Signature *RootSignature
	Exports   []string
}

// StateObjectDesc describes a raytracing pipeline state object.
type StateObjectDesc struct {
	Name                string
	Libraries           []LibraryDesc
	HitGroups           []HitGroupDesc
	ShaderConfig        ShaderConfig
	MaxRecursionDepth   int
	GlobalRootSignature *RootSignature
	LocalRootSignatures []LocalRootSignatureAssociation
}

// ExportKind identifies what a shader identifier names.
type ExportKind uint8

const (
	ExportRayGen ExportKind = iota
	ExportMiss
	ExportClosestHit
	ExportAnyHit
	ExportHitGroup
)

func (k ExportKind) String() string {
	switch k {
	case ExportRayGen:
		return "raygen"
	case ExportMiss:
		return "miss"
	case ExportClosestHit:
		return "closesthit"
	case ExportAnyHit:
		return "anyhit"
	case ExportHitGroup:
		return "hitgroup"
	}
	return "unknown"
}

// Export is a resolved shader identifier target.
type Export struct {
	Name         string
	Kind         ExportKind
	Identifier   ShaderIdentifier
	LocalRootSig *RootSignature
	RayGen       RayGenProgram
	Miss         MissProgram
	ClosestHit   ClosestHitProgram
	AnyHit       AnyHitProgram
}

// StateObject is a raytracing pipeline state object.
type StateObject struct {
	desc    StateObjectDesc
	exports map[string]*Export
	byID    map[ShaderIdentifier]*Export
}

// Size of the payload passed between ray programs.
const RayPayloadSize = int(unsafe.Sizeof(RayPayload{}))

// Size of the built-in triangle intersection attributes (barycentrics).
const TriangleAttributeSize = 8

// NewStateObject validates desc and assigns shader identifiers. Device
// implementations call it from CreateStateObject.
func NewStateObject(desc StateObjectDesc) (*StateObject, error) {
	const op = "CreateStateObject"

	if desc.GlobalRootSignature == nil {
		return nil, NewConfigurationError(op, "%s: a global root signature is required", desc.Name)
	}
	if err := desc.GlobalRootSignature.Validate(); err != nil {
		return nil, err
	}
	if desc.MaxRecursionDepth < 1 || desc.MaxRecursionDepth > 31 {
		return nil, NewConfigurationError(op, "%s: max recursion depth must be in [1, 31]; got %d", desc.Name, desc.MaxRecursionDepth)
	}
	if desc.ShaderConfig.MaxPayloadSizeInBytes < RayPayloadSize {
		return nil, NewConfigurationError(op, "%s: max payload size %d is smaller than the %d byte ray payload", desc.Name, desc.ShaderConfig.MaxPayloadSizeInBytes, RayPayloadSize)
	}
	if desc.ShaderConfig.MaxAttributeSizeInBytes < TriangleAttributeSize {
		return nil, NewConfigurationError(op, "%s: max attribute size %d is smaller than the %d byte triangle attributes", desc.Name, desc.ShaderConfig.MaxAttributeSizeInBytes, TriangleAttributeSize)
	}

	so := &StateObject{
		desc:    desc,
		exports: make(map[string]*Export),
		byID:    make(map[ShaderIdentifier]*Export),
	}

	for _, lib := range desc.Libraries {
		if lib.Module == nil {
			return nil, NewConfigurationError(op, "%s: library without a compiled module", desc.Name)
		}
		for _, exp := range lib.Exports {
			if _, ok := lib.Module.EntryPoint(exp.Name); !ok {
				return nil, NewConfigurationError(op, "%s: module %q does not define entry point %q", desc.Name, lib.Module.Name, exp.Name)
			}
			if _, dup := so.exports[exp.Name]; dup {
				return nil, NewConfigurationError(op, "%s: duplicate export %q", desc.Name, exp.Name)
			}

			entry := &Export{Name: exp.Name}
			switch prog := exp.Program.(type) {
			case RayGenProgram:
				entry.Kind, entry.RayGen = ExportRayGen, prog
			case MissProgram:
				entry.Kind, entry.Miss = ExportMiss, prog
			case ClosestHitProgram:
				entry.Kind, entry.ClosestHit = ExportClosestHit, prog
			case AnyHitProgram:
				entry.Kind, entry.AnyHit = ExportAnyHit, prog
			default:
				return nil, NewConfigurationError(op, "%s: export %q has unsupported program type %T", desc.Name, exp.Name, exp.Program)
			}
			so.addExport(entry)
		}
	}

	for _, hg := range desc.HitGroups {
		if _, dup := so.exports[hg.Name]; dup {
			return nil, NewConfigurationError(op, "%s: hit group %q clashes with an existing export", desc.Name, hg.Name)
		}
		entry := &Export{Name: hg.Name, Kind: ExportHitGroup}
		if hg.ClosestHit != "" {
			ch, ok := so.exports[hg.ClosestHit]
			if !ok || ch.Kind != ExportClosestHit {
				return nil, NewConfigurationError(op, "%s: hit group %q references unknown closest-hit export %q", desc.Name, hg.Name, hg.ClosestHit)
			}
			entry.ClosestHit = ch.ClosestHit
		}
		if hg.AnyHit != "" {
			ah, ok := so.exports[hg.AnyHit]
			if !ok || ah.Kind != ExportAnyHit {
				return nil, NewConfigurationError(op, "%s: hit group %q references unknown any-hit export %q", desc.Name, hg.Name, hg.AnyHit)
			}
			entry.AnyHit = ah.AnyHit
		}
		so.addExport(entry)
	}

	for _, assoc := range desc.LocalRootSignatures {
		if assoc.Signature == nil || !assoc.Signature.Local {
			return nil, NewConfigurationError(op, "%s: local root signature associations require a local signature", desc.Name)
		}
		if err := assoc.Signature.Validate(); err != nil {
			return nil, err
		}
		for _, name := range assoc.Exports {
			entry, ok := so.exports[name]
			if !ok {
				return nil, NewConfigurationError(op, "%s: local root signature %q associated with unknown export %q", desc.Name, assoc.Signature.Name, name)
			}
			entry.LocalRootSig = assoc.Signature
		}
	}

	return so, nil
}

func (so *StateObject) addExport(entry *Export) {
	entry.Identifier = sha256.Sum256([]byte(so.desc.Name + "\x00" + entry.Name))
	so.exports[entry.Name] = entry
	so.byID[entry.Identifier] = entry
}

// Get state object name.
func (so *StateObject) Name() string { return so.desc.Name }

// Get the max trace recursion depth.
func (so *StateObject) MaxRecursionDepth() int { return so.desc.MaxRecursionDepth }

// Get the global root signature.
func (so *StateObject) GlobalRootSignature() *RootSignature { return so.desc.GlobalRootSignature }

// ShaderIdentifier returns the identifier of a shader export or hit group.
func (so *StateObject) ShaderIdentifier(name string) (ShaderIdentifier, error) {
	entry, ok := so.exports[name]
	if !ok {
		return ShaderIdentifier{}, fmt.Errorf("%w: %q in state object %q", ErrUnknownShaderExport, name, so.desc.Name)
	}
	return entry.Identifier, nil
}

// Lookup resolves an identifier read from a shader table.
func (so *StateObject) Lookup(id ShaderIdentifier) (*Export, bool) {
	entry, ok := so.byID[id]
	return entry, ok
}

// LocalArgsSize returns the local root argument size of an export.
func (so *StateObject) LocalArgsSize(name string) int {
	if entry, ok := so.exports[name]; ok {
		return entry.LocalRootSig.Size()
	}
	return 0
}

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Name          string
	Module        *ShaderModule
	EntryPoint    string
	Program       ComputeProgram
	RootSignature *RootSignature
}

// PipelineState is a compute pipeline.
type PipelineState struct {
	desc      ComputePipelineDesc
	workgroup [3]int
}

// NewComputePipeline validates desc. Device implementations call it from
// CreateComputePipeline.
func NewComputePipeline(desc ComputePipelineDesc) (*PipelineState, error) {
	const op = "CreateComputePipeline"
	if desc.Module == nil || desc.Program == nil || desc.RootSignature == nil {
		return nil, NewConfigurationError(op, "%s: module, program and root signature are required", desc.Name)
	}
	if err := desc.RootSignature.Validate(); err != nil {
		return nil, err
	}
	ep, ok := desc.Module.EntryPoint(desc.EntryPoint)
	if !ok {
		return nil, NewConfigurationError(op, "%s: module %q does not define entry point %q", desc.Name, desc.Module.Name, desc.EntryPoint)
	}
	if ep.Stage != StageCompute {
		return nil, NewConfigurationError(op, "%s: entry point %q is a %s entry point", desc.Name, desc.EntryPoint, ep.Stage)
	}

	ps := &PipelineState{desc: desc}
	for i := 0; i < 3; i++ {
		ps.workgroup[i] = int(ep.Workgroup[i])
		if ps.workgroup[i] == 0 {
			ps.workgroup[i] = 1
		}
	}
	return ps, nil
}

// Get pipeline name.
func (ps *PipelineState) Name() string { return ps.desc.Name }

// Get the workgroup size declared by the entry point.
func (ps *PipelineState) Workgroup() [3]int { return ps.workgroup }

// Get the host program.
func (ps *PipelineState) Program() ComputeProgram { return ps.desc.Program }

// Get the root signature.
func (ps *PipelineState) RootSignature() *RootSignature { return ps.desc.RootSignature }
