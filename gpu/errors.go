package gpu

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBufferNotMappable     = errors.New("gpu: buffer is not CPU-visible")
	ErrBufferAlreadyMapped   = errors.New("gpu: buffer is already mapped")
	ErrResourceReleased      = errors.New("gpu: resource has been released")
	ErrCommandListClosed     = errors.New("gpu: command list is closed")
	ErrCommandListOpen       = errors.New("gpu: command list must be closed before submission")
	ErrAllocatorInUse        = errors.New("gpu: command allocator is still in use by the GPU")
	ErrAllocatorRecording    = errors.New("gpu: command allocator is bound to a recording command list")
	ErrUnknownShaderExport   = errors.New("gpu: unknown shader export")
	ErrInvalidAddress        = errors.New("gpu: address does not map to a live buffer")
	ErrNotAccelerationStruct = errors.New("gpu: address does not reference a built acceleration structure")
)

// ConfigurationError indicates an invalid or unsupported capability request,
// e.g. a zero-sized prebuild info or a missing raytracing feature.
type ConfigurationError struct {
	Op     string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("gpu: configuration error in %s: %s", e.Op, e.Reason)
}

// NewConfigurationError creates a configuration error for the given operation.
func NewConfigurationError(op, format string, args ...interface{}) error {
	return &ConfigurationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// CompileError indicates a shader front-end failure. Diagnostics retains
// the compiler output.
type CompileError struct {
	Shader      string
	EntryPoint  string
	Diagnostics []string
	Err         error
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("gpu: could not compile shader %q", e.Shader)
	if e.EntryPoint != "" {
		msg += fmt.Sprintf(" (entry point %q)", e.EntryPoint)
	}
	if len(e.Diagnostics) != 0 {
		msg += ":\n  " + strings.Join(e.Diagnostics, "\n  ")
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompileError) Unwrap() error { return e.Err }

// ResourceCreationError indicates that the driver refused to allocate an object.
type ResourceCreationError struct {
	Resource string
	Size     int64
	Reason   string
}

func (e *ResourceCreationError) Error() string {
	return fmt.Sprintf("gpu: could not create resource %q of size %d: %s", e.Resource, e.Size, e.Reason)
}

// CapacityError indicates that a fixed-capacity container (shader table,
// descriptor heap) was asked to hold more entries than it reserved.
type CapacityError struct {
	Container string
	Capacity  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("gpu: %s exceeded its reserved capacity of %d entries", e.Container, e.Capacity)
}

// DeviceLostError indicates that the device was removed, reset or hung.
// It is terminal.
type DeviceLostError struct {
	Op  string
	Err error
}

func (e *DeviceLostError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("gpu: device lost during %s", e.Op)
	}
	return fmt.Sprintf("gpu: device lost during %s: %v", e.Op, e.Err)
}

func (e *DeviceLostError) Unwrap() error { return e.Err }

// ValidationError collects debug-layer violations detected while recording
// a command list.
type ValidationError struct {
	CommandList string
	Violations  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gpu: command list %q failed validation:\n  %s", e.CommandList, strings.Join(e.Violations, "\n  "))
}

// IsDeviceLost returns true if err wraps a DeviceLostError.
func IsDeviceLost(err error) bool {
	var target *DeviceLostError
	return errors.As(err, &target)
}

// IsCapacity returns true if err wraps a CapacityError.
func IsCapacity(err error) bool {
	var target *CapacityError
	return errors.As(err, &target)
}
