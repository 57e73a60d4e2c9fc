package gpu

import (
	"fmt"
	"math"
	"sync"

	"github.com/achilleasa/polaris-ddgi/types"
)

// Address is a GPU virtual address. The zero address is never handed out.
type Address uint64

// HeapType selects the memory pool a buffer is allocated from.
type HeapType uint8

const (
	HeapDefault HeapType = iota
	HeapUpload
	HeapReadback
)

func (h HeapType) String() string {
	switch h {
	case HeapDefault:
		return "default"
	case HeapUpload:
		return "upload"
	case HeapReadback:
		return "readback"
	}
	return fmt.Sprintf("heap(%d)", uint8(h))
}

// ResourceState is a bit set describing how the GPU may access a resource.
type ResourceState uint32

const (
	StateCommon                          ResourceState = 0
	StateVertexAndConstantBuffer         ResourceState = 1 << 0
	StateIndexBuffer                     ResourceState = 1 << 1
	StateUnorderedAccess                 ResourceState = 1 << 3
	StateNonPixelShaderResource          ResourceState = 1 << 6
	StatePixelShaderResource             ResourceState = 1 << 7
	StateCopyDest                        ResourceState = 1 << 10
	StateCopySource                      ResourceState = 1 << 11
	StateRaytracingAccelerationStructure ResourceState = 1 << 22

	StateGenericRead = StateVertexAndConstantBuffer | StateIndexBuffer | StateNonPixelShaderResource | StatePixelShaderResource | StateCopySource
)

// Readable returns true if shaders or the acceleration structure builder can
// read a resource in this state.
func (s ResourceState) Readable() bool {
	return s&(StateVertexAndConstantBuffer|StateIndexBuffer|StateNonPixelShaderResource|StatePixelShaderResource) != 0
}

func (s ResourceState) String() string {
	switch s {
	case StateCommon:
		return "common"
	case StateGenericRead:
		return "generic-read"
	case StateUnorderedAccess:
		return "unordered-access"
	case StateNonPixelShaderResource:
		return "non-pixel-shader-resource"
	case StatePixelShaderResource:
		return "pixel-shader-resource"
	case StateNonPixelShaderResource | StatePixelShaderResource:
		return "shader-resource"
	case StateCopyDest:
		return "copy-dest"
	case StateCopySource:
		return "copy-source"
	case StateRaytracingAccelerationStructure:
		return "raytracing-acceleration-structure"
	}
	return fmt.Sprintf("state(%#x)", uint32(s))
}

// Format describes element layout for vertices, indices and textures.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatR32G32B32Float
	FormatR32G32B32A32Float
	FormatR16Uint
	FormatR32Uint
)

// Size in bytes of a single element.
func (f Format) Size() int {
	switch f {
	case FormatR32G32B32Float:
		return 12
	case FormatR32G32B32A32Float:
		return 16
	case FormatR16Uint:
		return 2
	case FormatR32Uint:
		return 4
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case FormatR32G32B32Float:
		return "R32G32B32_FLOAT"
	case FormatR32G32B32A32Float:
		return "R32G32B32A32_FLOAT"
	case FormatR16Uint:
		return "R16_UINT"
	case FormatR32Uint:
		return "R32_UINT"
	}
	return "UNKNOWN"
}

// Resource is implemented by buffers and textures.
type Resource interface {
	Name() string
	State() ResourceState
	setState(ResourceState)
	Released() bool
}

// BufferDesc describes a linear GPU allocation.
type BufferDesc struct {
	Name         string
	Size         int64
	Heap         HeapType
	InitialState ResourceState
	AllowUAV     bool
}

// Buffer is a linear GPU allocation with a virtual address.
type Buffer struct {
	desc  BufferDesc
	addr  Address
	data  []byte
	state ResourceState

	mu       sync.Mutex
	mapped   bool
	released bool
	owner    *Allocator

	// Backend specific payload (e.g. a built acceleration structure).
	native interface{}
}

// Get buffer name.
func (b *Buffer) Name() string { return b.desc.Name }

// Get buffer size.
func (b *Buffer) Size() int64 { return b.desc.Size }

// Get buffer heap.
func (b *Buffer) Heap() HeapType { return b.desc.Heap }

// Get the GPU virtual address of the first byte.
func (b *Buffer) Address() Address { return b.addr }

// Get the resource state as tracked by recorded barriers.
func (b *Buffer) State() ResourceState { return b.state }

func (b *Buffer) setState(s ResourceState) { b.state = s }

// Returns true if the buffer allows unordered access.
func (b *Buffer) AllowUAV() bool { return b.desc.AllowUAV }

// Returns true if the buffer has been released.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Contains returns true if addr falls inside the buffer.
func (b *Buffer) Contains(addr Address) bool {
	return addr >= b.addr && addr < b.addr+Address(b.desc.Size)
}

// Map the buffer for CPU access for the duration of fn. The buffer is
// always unmapped when Map returns, including when fn fails or panics.
func (b *Buffer) Map(fn func(data []byte) error) error {
	if b.desc.Heap == HeapDefault {
		return fmt.Errorf("%w: %s", ErrBufferNotMappable, b.desc.Name)
	}

	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrResourceReleased, b.desc.Name)
	}
	if b.mapped {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBufferAlreadyMapped, b.desc.Name)
	}
	b.mapped = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.mapped = false
		b.mu.Unlock()
	}()

	return fn(b.data)
}

// Returns true while the buffer is mapped.
func (b *Buffer) Mapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped
}

// Bytes exposes the backing store to device implementations.
func (b *Buffer) Bytes() []byte { return b.data }

// Native returns the backend payload attached to the buffer.
func (b *Buffer) Native() interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.native
}

// SetNative attaches a backend payload to the buffer.
func (b *Buffer) SetNative(v interface{}) {
	b.mu.Lock()
	b.native = v
	b.mu.Unlock()
}

// Release the buffer and return its memory to the allocator budget.
func (b *Buffer) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.native = nil
	b.mu.Unlock()

	if b.owner != nil {
		b.owner.free(b)
	}
}

// TextureDesc describes a 2D RGBA32F texture.
type TextureDesc struct {
	Name         string
	Width        int
	Height       int
	Format       Format
	InitialState ResourceState
	AllowUAV     bool
}

// Texture is a 2D RGBA32F texture. Texels are stored row-major.
type Texture struct {
	desc     TextureDesc
	texels   []float32
	state    ResourceState
	released bool
	owner    *Allocator
}

// Get texture name.
func (t *Texture) Name() string { return t.desc.Name }

// Get texture width.
func (t *Texture) Width() int { return t.desc.Width }

// Get texture height.
func (t *Texture) Height() int { return t.desc.Height }

// Get the resource state as tracked by recorded barriers.
func (t *Texture) State() ResourceState { return t.state }

func (t *Texture) setState(s ResourceState) { t.state = s }

// Returns true if the texture has been released.
func (t *Texture) Released() bool { return t.released }

// Read a texel. Coordinates are clamped to the texture extents.
func (t *Texture) Load(x, y int) types.Vec4 {
	x = clampInt(x, 0, t.desc.Width-1)
	y = clampInt(y, 0, t.desc.Height-1)
	o := 4 * (y*t.desc.Width + x)
	return types.Vec4{t.texels[o], t.texels[o+1], t.texels[o+2], t.texels[o+3]}
}

// Write a texel. Writes outside the texture extents are dropped.
func (t *Texture) Store(x, y int, v types.Vec4) {
	if x < 0 || y < 0 || x >= t.desc.Width || y >= t.desc.Height {
		return
	}
	o := 4 * (y*t.desc.Width + x)
	copy(t.texels[o:o+4], v[:])
}

// Fill every texel with v.
func (t *Texture) Fill(v types.Vec4) {
	for o := 0; o < len(t.texels); o += 4 {
		copy(t.texels[o:o+4], v[:])
	}
}

// Texels exposes the backing store (4 floats per texel).
func (t *Texture) Texels() []float32 { return t.texels }

// Equal returns true if both textures have the same extents and contents.
func (t *Texture) Equal(other *Texture) bool {
	if t.desc.Width != other.desc.Width || t.desc.Height != other.desc.Height {
		return false
	}
	for i, v := range t.texels {
		o := other.texels[i]
		if v != o && !(math.IsNaN(float64(v)) && math.IsNaN(float64(o))) {
			return false
		}
	}
	return true
}

// Release the texture.
func (t *Texture) Release() {
	if t.released {
		return
	}
	t.released = true
	if t.owner != nil {
		t.owner.freeTexture(t)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
