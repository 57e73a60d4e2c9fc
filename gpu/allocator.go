package gpu

import (
	"fmt"
	"sort"
	"sync"
)

const (
	// Base of the virtual address range handed out by the allocator.
	addressBase Address = 0x10000

	// All allocations are aligned to this boundary which satisfies both
	// the acceleration structure (256) and shader table (64) alignment rules.
	AllocationAlignment = 256
)

// AllocatorStats summarizes allocator usage.
type AllocatorStats struct {
	Buffers   int
	Textures  int
	UsedBytes int64
	Budget    int64
}

// Allocator hands out GPU virtual addresses and enforces a memory budget.
// Device implementations embed it to implement CreateBuffer/CreateTexture.
type Allocator struct {
	mu       sync.RWMutex
	name     string
	budget   int64
	used     int64
	nextAddr Address
	buffers  []*Buffer // sorted by address
	textures int
}

// NewAllocator creates an allocator for the named device. A budget <= 0
// disables the memory limit.
func NewAllocator(deviceName string, budget int64) *Allocator {
	return &Allocator{
		name:     deviceName,
		budget:   budget,
		nextAddr: addressBase,
	}
}

// CreateBuffer allocates a buffer described by desc.
func (a *Allocator) CreateBuffer(desc BufferDesc) (*Buffer, error) {
	if desc.Size <= 0 {
		return nil, &ResourceCreationError{Resource: desc.Name, Size: desc.Size, Reason: "size must be positive"}
	}

	switch desc.Heap {
	case HeapUpload:
		// Upload heap resources are permanently in the generic read state
		desc.InitialState = StateGenericRead
		if desc.AllowUAV {
			return nil, &ResourceCreationError{Resource: desc.Name, Size: desc.Size, Reason: "upload heap buffers cannot allow unordered access"}
		}
	case HeapReadback:
		desc.InitialState = StateCopyDest
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.reserve(desc.Name, desc.Size); err != nil {
		return nil, err
	}

	buf := &Buffer{
		desc:  desc,
		addr:  a.nextAddr,
		data:  make([]byte, desc.Size),
		state: desc.InitialState,
		owner: a,
	}
	a.nextAddr += Address(alignUp(desc.Size, AllocationAlignment))
	a.buffers = append(a.buffers, buf)

	return buf, nil
}

// CreateTexture allocates a 2D texture described by desc.
func (a *Allocator) CreateTexture(desc TextureDesc) (*Texture, error) {
	if desc.Format == FormatUnknown {
		desc.Format = FormatR32G32B32A32Float
	}
	size := int64(desc.Width) * int64(desc.Height) * int64(desc.Format.Size())
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, &ResourceCreationError{Resource: desc.Name, Size: size, Reason: fmt.Sprintf("invalid extents %dx%d", desc.Width, desc.Height)}
	}
	if desc.Format != FormatR32G32B32A32Float {
		return nil, &ResourceCreationError{Resource: desc.Name, Size: size, Reason: fmt.Sprintf("unsupported texture format %s", desc.Format)}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.reserve(desc.Name, size); err != nil {
		return nil, err
	}
	a.textures++

	return &Texture{
		desc:   desc,
		texels: make([]float32, 4*desc.Width*desc.Height),
		state:  desc.InitialState,
		owner:  a,
	}, nil
}

// Resolve maps an address to the live buffer containing it and the byte
// offset inside that buffer.
func (a *Allocator) Resolve(addr Address) (*Buffer, int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	index := sort.Search(len(a.buffers), func(i int) bool {
		return a.buffers[i].addr+Address(a.buffers[i].desc.Size) > addr
	})
	if index == len(a.buffers) || !a.buffers[index].Contains(addr) {
		return nil, 0, fmt.Errorf("%w: %#x", ErrInvalidAddress, uint64(addr))
	}
	return a.buffers[index], int64(addr - a.buffers[index].addr), nil
}

// Stats returns a snapshot of allocator usage.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AllocatorStats{
		Buffers:   len(a.buffers),
		Textures:  a.textures,
		UsedBytes: a.used,
		Budget:    a.budget,
	}
}

func (a *Allocator) reserve(name string, size int64) error {
	if a.budget > 0 && a.used+size > a.budget {
		return &ResourceCreationError{
			Resource: name,
			Size:     size,
			Reason:   fmt.Sprintf("device %q out of memory (%d of %d bytes in use)", a.name, a.used, a.budget),
		}
	}
	a.used += size
	return nil
}

func (a *Allocator) free(b *Buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, cand := range a.buffers {
		if cand == b {
			a.buffers = append(a.buffers[:i], a.buffers[i+1:]...)
			a.used -= b.desc.Size
			return
		}
	}
}

func (a *Allocator) freeTexture(t *Texture) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.textures--
	a.used -= int64(len(t.texels) * 4)
}

func alignUp(v int64, alignment int64) int64 {
	return (v + alignment - 1) / alignment * alignment
}

// AlignUp rounds v up to the next multiple of alignment.
func AlignUp(v, alignment int) int {
	return int(alignUp(int64(v), int64(alignment)))
}
