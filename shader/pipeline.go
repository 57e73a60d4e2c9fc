package shader

import (
	"fmt"

	"github.com/achilleasa/polaris-ddgi/gpu"
)

// PipelineDevice is the subset of gpu.Device needed to create pipelines.
type PipelineDevice interface {
	CreateStateObject(desc gpu.StateObjectDesc) (*gpu.StateObject, error)
	CreateComputePipeline(desc gpu.ComputePipelineDesc) (*gpu.PipelineState, error)
}

// Library exports entry points of a compiled module. Programs maps an
// entry point name to its host implementation; either a gpu program type
// or a plain func with a matching signature.
type Library struct {
	Module   *gpu.ShaderModule
	Programs map[string]interface{}
}

// PipelineDesc describes a raytracing pipeline.
type PipelineDesc struct {
	Name                string
	Libraries           []Library
	HitGroups           []gpu.HitGroupDesc
	MaxPayloadSize      int
	MaxAttributeSize    int
	MaxRecursionDepth   int
	GlobalRootSignature *gpu.RootSignature
	LocalRootSignatures []gpu.LocalRootSignatureAssociation
}

// BuildPipeline assembles a raytracing state object.
func BuildPipeline(dev PipelineDevice, desc PipelineDesc) (*gpu.StateObject, error) {
	so := gpu.StateObjectDesc{
		Name:      desc.Name,
		HitGroups: desc.HitGroups,
		ShaderConfig: gpu.ShaderConfig{
			MaxPayloadSizeInBytes:   desc.MaxPayloadSize,
			MaxAttributeSizeInBytes: desc.MaxAttributeSize,
		},
		MaxRecursionDepth:   desc.MaxRecursionDepth,
		GlobalRootSignature: desc.GlobalRootSignature,
		LocalRootSignatures: desc.LocalRootSignatures,
	}
	if so.ShaderConfig.MaxPayloadSizeInBytes == 0 {
		so.ShaderConfig.MaxPayloadSizeInBytes = gpu.RayPayloadSize
	}
	if so.ShaderConfig.MaxAttributeSizeInBytes == 0 {
		so.ShaderConfig.MaxAttributeSizeInBytes = gpu.TriangleAttributeSize
	}

	for _, lib := range desc.Libraries {
		ld := gpu.LibraryDesc{Module: lib.Module}
		for _, name := range sortedKeys(lib.Programs) {
			prog, err := rayProgram(lib.Programs[name])
			if err != nil {
				return nil, gpu.NewConfigurationError("BuildPipeline", "%s: export %q: %v", desc.Name, name, err)
			}
			ld.Exports = append(ld.Exports, gpu.ExportDesc{Name: name, Program: prog})
		}
		so.Libraries = append(so.Libraries, ld)
	}

	stateObject, err := dev.CreateStateObject(so)
	if err != nil {
		return nil, err
	}
	logger.Debugf("built raytracing pipeline %q (%d libraries, %d hit groups, recursion depth %d)", desc.Name, len(so.Libraries), len(so.HitGroups), so.MaxRecursionDepth)
	return stateObject, nil
}

// BuildComputePipeline creates a compute pipeline for an entry point of module.
func BuildComputePipeline(dev PipelineDevice, module *gpu.ShaderModule, entryPoint string, rs *gpu.RootSignature, program func(*gpu.ComputeContext) error) (*gpu.PipelineState, error) {
	return dev.CreateComputePipeline(gpu.ComputePipelineDesc{
		Name:          module.Name + ":" + entryPoint,
		Module:        module,
		EntryPoint:    entryPoint,
		Program:       program,
		RootSignature: rs,
	})
}

func rayProgram(prog interface{}) (interface{}, error) {
	switch p := prog.(type) {
	case gpu.RayGenProgram, gpu.MissProgram, gpu.ClosestHitProgram, gpu.AnyHitProgram:
		return p, nil
	case func(*gpu.RayGenContext) error:
		return gpu.RayGenProgram(p), nil
	case func(*gpu.MissContext, *gpu.RayPayload) error:
		return gpu.MissProgram(p), nil
	case func(*gpu.HitContext, *gpu.RayPayload) error:
		return gpu.ClosestHitProgram(p), nil
	case func(*gpu.HitContext, *gpu.RayPayload) (gpu.AnyHitResult, error):
		return gpu.AnyHitProgram(p), nil
	case nil:
		return nil, fmt.Errorf("missing program")
	}
	return nil, fmt.Errorf("unsupported program type %T", prog)
}
