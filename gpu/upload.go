package gpu

import (
	"encoding/binary"
	"fmt"
)

// BufferCreator is implemented by devices and allocators.
type BufferCreator interface {
	CreateBuffer(desc BufferDesc) (*Buffer, error)
}

// UploadBuffer is an upload-heap buffer holding a fixed number of
// fixed-size elements of type T, encoded little-endian.
type UploadBuffer[T any] struct {
	buf      *Buffer
	elemSize int
	count    int
}

// NewUploadBuffer allocates an upload buffer for count elements. T must
// have a fixed binary size (no slices, strings or maps).
func NewUploadBuffer[T any](dev BufferCreator, name string, count int) (*UploadBuffer[T], error) {
	var zero T
	elemSize := binary.Size(zero)
	if elemSize <= 0 {
		return nil, NewConfigurationError("NewUploadBuffer", "element type %T of buffer %q has no fixed binary size", zero, name)
	}
	if count <= 0 {
		return nil, NewConfigurationError("NewUploadBuffer", "buffer %q must hold at least one element", name)
	}

	buf, err := dev.CreateBuffer(BufferDesc{
		Name: name,
		Size: int64(elemSize * count),
		Heap: HeapUpload,
	})
	if err != nil {
		return nil, err
	}

	return &UploadBuffer[T]{buf: buf, elemSize: elemSize, count: count}, nil
}

// Get the underlying buffer.
func (u *UploadBuffer[T]) Buffer() *Buffer { return u.buf }

// Get the element capacity.
func (u *UploadBuffer[T]) Len() int { return u.count }

// Get the encoded element size.
func (u *UploadBuffer[T]) ElementSize() int { return u.elemSize }

// Get the GPU address of element index.
func (u *UploadBuffer[T]) ElementAddress(index int) Address {
	return u.buf.Address() + Address(index*u.elemSize)
}

// Write items starting at element 0.
func (u *UploadBuffer[T]) Write(items []T) error {
	return u.WriteAt(0, items)
}

// WriteAt writes items starting at element offset. Writes that do not fit
// fail without modifying the buffer.
func (u *UploadBuffer[T]) WriteAt(offset int, items []T) error {
	if offset < 0 || offset+len(items) > u.count {
		return &CapacityError{Container: fmt.Sprintf("upload buffer %q", u.buf.Name()), Capacity: u.count}
	}

	return u.buf.Map(func(data []byte) error {
		for i := range items {
			start := (offset + i) * u.elemSize
			if _, err := binary.Encode(data[start:start+u.elemSize], binary.LittleEndian, items[i]); err != nil {
				return fmt.Errorf("gpu: could not encode element %d of %q: %w", offset+i, u.buf.Name(), err)
			}
		}
		return nil
	})
}

// Read decodes the element at index.
func (u *UploadBuffer[T]) Read(index int) (T, error) {
	var out T
	if index < 0 || index >= u.count {
		return out, fmt.Errorf("gpu: element %d out of range for %q", index, u.buf.Name())
	}
	err := u.buf.Map(func(data []byte) error {
		start := index * u.elemSize
		_, err := binary.Decode(data[start:start+u.elemSize], binary.LittleEndian, &out)
		return err
	})
	return out, err
}

// Release the underlying buffer.
func (u *UploadBuffer[T]) Release() {
	u.buf.Release()
}

// DecodeAt decodes a fixed-size value from buf at byte offset. Device
// implementations and host programs use it to read constant buffers.
func DecodeAt(buf *Buffer, offset int64, out interface{}) error {
	size := binary.Size(out)
	if size < 0 {
		return fmt.Errorf("gpu: %T has no fixed binary size", out)
	}
	if offset < 0 || offset+int64(size) > buf.Size() {
		return fmt.Errorf("gpu: read of %d bytes at offset %d overflows buffer %q", size, offset, buf.Name())
	}
	_, err := binary.Decode(buf.data[offset:offset+int64(size)], binary.LittleEndian, out)
	return err
}

func sizeOf(v interface{}) int {
	return binary.Size(v)
}
