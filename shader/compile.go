// Package shader compiles WGSL shader libraries, assembles raytracing and
// compute pipelines from them and manages shader tables.
package shader

import (
	"embed"
	"fmt"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"

	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/log"
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

var logger = log.New("shader")

// Define is a compile-time constant injected ahead of the shader source.
// Value must be a valid WGSL expression, e.g. "256u" or "0.97".
type Define struct {
	Name  string
	Value string
}

// Source returns the embedded shader source for name (e.g. "probe_blend.wgsl").
func Source(name string) (string, error) {
	data, err := shaderFS.ReadFile("shaders/" + name)
	if err != nil {
		return "", fmt.Errorf("shader: unknown embedded shader %q: %w", name, err)
	}
	return string(data), nil
}

// Embedded lists the embedded shader sources.
func Embedded() ([]string, error) {
	entries, err := shaderFS.ReadDir("shaders")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// CompileEmbedded compiles an embedded shader library.
func CompileEmbedded(name string, defines []Define) (*gpu.ShaderModule, error) {
	src, err := Source(name)
	if err != nil {
		return nil, &gpu.CompileError{Shader: name, Err: err}
	}
	return CompileShaderStage(name, src, "", defines)
}

// CompileShaderStage compiles WGSL source into a shader module. If
// entryPoint is not empty the module must define it.
func CompileShaderStage(name, source, entryPoint string, defines []Define) (*gpu.ShaderModule, error) {
	src := withDefines(source, defines)

	ast, err := naga.Parse(src)
	if err != nil {
		return nil, &gpu.CompileError{Shader: name, EntryPoint: entryPoint, Diagnostics: []string{err.Error()}, Err: err}
	}
	module, err := naga.LowerWithSource(ast, src)
	if err != nil {
		return nil, &gpu.CompileError{Shader: name, EntryPoint: entryPoint, Diagnostics: splitDiagnostics(err), Err: err}
	}

	verrs, err := naga.Validate(module)
	if err != nil {
		return nil, &gpu.CompileError{Shader: name, EntryPoint: entryPoint, Diagnostics: []string{err.Error()}, Err: err}
	}
	if len(verrs) != 0 {
		diag := make([]string, len(verrs))
		for i, verr := range verrs {
			diag[i] = verr.Error()
		}
		return nil, &gpu.CompileError{Shader: name, EntryPoint: entryPoint, Diagnostics: diag, Err: &verrs[0]}
	}

	binary, err := naga.GenerateSPIRV(module, spirv.Options{Version: spirv.Version1_3})
	if err != nil {
		return nil, &gpu.CompileError{Shader: name, EntryPoint: entryPoint, Diagnostics: []string{err.Error()}, Err: err}
	}

	out := &gpu.ShaderModule{
		Name:        name,
		Binary:      binary,
		EntryPoints: make(map[string]gpu.EntryPoint, len(module.EntryPoints)),
	}
	for _, ep := range module.EntryPoints {
		stage, err := convertStage(ep.Stage)
		if err != nil {
			return nil, &gpu.CompileError{Shader: name, EntryPoint: ep.Name, Err: err}
		}
		out.EntryPoints[ep.Name] = gpu.EntryPoint{Name: ep.Name, Stage: stage, Workgroup: ep.Workgroup}
	}

	if entryPoint != "" {
		if _, ok := out.EntryPoints[entryPoint]; !ok {
			return nil, &gpu.CompileError{
				Shader:      name,
				EntryPoint:  entryPoint,
				Diagnostics: []string{fmt.Sprintf("entry point not found; module defines %v", out.EntryPointNames())},
			}
		}
	}

	logger.Debugf("compiled %q: %d bytes of SPIR-V, entry points %v", name, len(binary), out.EntryPointNames())
	return out, nil
}

func withDefines(source string, defines []Define) string {
	if len(defines) == 0 {
		return source
	}
	var sb strings.Builder
	for _, def := range defines {
		fmt.Fprintf(&sb, "const %s = %s;\n", def.Name, def.Value)
	}
	sb.WriteString(source)
	return sb.String()
}

func splitDiagnostics(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func convertStage(stage ir.ShaderStage) (gpu.ShaderStage, error) {
	switch stage {
	case ir.StageVertex:
		return gpu.StageVertex, nil
	case ir.StageFragment:
		return gpu.StageFragment, nil
	case ir.StageCompute:
		return gpu.StageCompute, nil
	}
	return 0, fmt.Errorf("unsupported shader stage %d", stage)
}
