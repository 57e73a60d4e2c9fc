package gpu

import "fmt"

// DescriptorType identifies the view stored in a descriptor slot.
type DescriptorType uint8

const (
	DescriptorNone DescriptorType = iota
	DescriptorCBV
	DescriptorSRV
	DescriptorUAV
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorCBV:
		return "CBV"
	case DescriptorSRV:
		return "SRV"
	case DescriptorUAV:
		return "UAV"
	}
	return "none"
}

// Descriptor is a view onto a resource stored in a heap slot.
type Descriptor struct {
	Type    DescriptorType
	Buffer  *Buffer
	Texture *Texture
}

// DescriptorHandle points at a slot inside a descriptor heap. Descriptor
// tables are bound by passing the handle of their first slot.
type DescriptorHandle struct {
	heap  *DescriptorHeap
	index int
}

// Valid returns true if the handle points at a heap.
func (h DescriptorHandle) Valid() bool { return h.heap != nil }

// Index returns the slot index of the handle.
func (h DescriptorHandle) Index() int { return h.index }

// Offset returns a handle n slots past h.
func (h DescriptorHandle) Offset(n int) DescriptorHandle {
	return DescriptorHandle{heap: h.heap, index: h.index + n}
}

// Descriptor returns the descriptor stored at the handle.
func (h DescriptorHandle) Descriptor() (Descriptor, error) {
	if h.heap == nil {
		return Descriptor{}, fmt.Errorf("gpu: invalid descriptor handle")
	}
	return h.heap.Get(h.index)
}

// DescriptorHeap is a fixed capacity shader-visible CBV/SRV/UAV heap.
// Slots are handed out by a single writer in allocation order.
type DescriptorHeap struct {
	name  string
	slots []Descriptor
	next  int
}

// NewDescriptorHeap creates a heap with the given number of slots.
func NewDescriptorHeap(name string, capacity int) (*DescriptorHeap, error) {
	if capacity <= 0 {
		return nil, NewConfigurationError("CreateDescriptorHeap", "heap %q capacity must be positive; got %d", name, capacity)
	}
	return &DescriptorHeap{
		name:  name,
		slots: make([]Descriptor, capacity),
	}, nil
}

// Get heap name.
func (h *DescriptorHeap) Name() string { return h.name }

// Get the number of slots.
func (h *DescriptorHeap) Capacity() int { return len(h.slots) }

// Get the number of allocated slots.
func (h *DescriptorHeap) Allocated() int { return h.next }

// Allocate reserves the next free slot.
func (h *DescriptorHeap) Allocate() (DescriptorHandle, error) {
	return h.AllocateRange(1)
}

// AllocateRange reserves count contiguous slots and returns the handle of
// the first one. On failure no slots are reserved.
func (h *DescriptorHeap) AllocateRange(count int) (DescriptorHandle, error) {
	if count <= 0 || h.next+count > len(h.slots) {
		return DescriptorHandle{}, &CapacityError{Container: fmt.Sprintf("descriptor heap %q", h.name), Capacity: len(h.slots)}
	}
	handle := DescriptorHandle{heap: h, index: h.next}
	h.next += count
	return handle, nil
}

// Reset releases all slots.
func (h *DescriptorHeap) Reset() {
	for i := range h.slots {
		h.slots[i] = Descriptor{}
	}
	h.next = 0
}

// WriteCBV stores a constant buffer view in the slot.
func (h *DescriptorHeap) WriteCBV(handle DescriptorHandle, buf *Buffer) error {
	return h.write(handle, Descriptor{Type: DescriptorCBV, Buffer: buf})
}

// WriteBufferSRV stores a buffer shader resource view in the slot.
func (h *DescriptorHeap) WriteBufferSRV(handle DescriptorHandle, buf *Buffer) error {
	return h.write(handle, Descriptor{Type: DescriptorSRV, Buffer: buf})
}

// WriteTextureSRV stores a texture shader resource view in the slot.
func (h *DescriptorHeap) WriteTextureSRV(handle DescriptorHandle, tex *Texture) error {
	return h.write(handle, Descriptor{Type: DescriptorSRV, Texture: tex})
}

// WriteTextureUAV stores a texture unordered access view in the slot.
func (h *DescriptorHeap) WriteTextureUAV(handle DescriptorHandle, tex *Texture) error {
	if !tex.desc.AllowUAV {
		return NewConfigurationError("WriteTextureUAV", "texture %q does not allow unordered access", tex.Name())
	}
	return h.write(handle, Descriptor{Type: DescriptorUAV, Texture: tex})
}

// WriteBufferUAV stores a buffer unordered access view in the slot.
func (h *DescriptorHeap) WriteBufferUAV(handle DescriptorHandle, buf *Buffer) error {
	if !buf.desc.AllowUAV {
		return NewConfigurationError("WriteBufferUAV", "buffer %q does not allow unordered access", buf.Name())
	}
	return h.write(handle, Descriptor{Type: DescriptorUAV, Buffer: buf})
}

// Get returns the descriptor stored at index.
func (h *DescriptorHeap) Get(index int) (Descriptor, error) {
	if index < 0 || index >= h.next {
		return Descriptor{}, fmt.Errorf("gpu: descriptor heap %q: slot %d is not allocated", h.name, index)
	}
	return h.slots[index], nil
}

func (h *DescriptorHeap) write(handle DescriptorHandle, d Descriptor) error {
	if handle.heap != h {
		return fmt.Errorf("gpu: descriptor handle does not belong to heap %q", h.name)
	}
	if handle.index < 0 || handle.index >= h.next {
		return fmt.Errorf("gpu: descriptor heap %q: slot %d is not allocated", h.name, handle.index)
	}
	h.slots[handle.index] = d
	return nil
}
