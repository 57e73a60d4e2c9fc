package gpu

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achilleasa/polaris-ddgi/types"
)

func TestAllocatorAddressesAndBudget(t *testing.T) {
	alloc := NewAllocator("test", 4096)

	a, err := alloc.CreateBuffer(BufferDesc{Name: "a", Size: 100, Heap: HeapDefault, InitialState: StateCommon})
	require.NoError(t, err)
	b, err := alloc.CreateBuffer(BufferDesc{Name: "b", Size: 300, Heap: HeapUpload})
	require.NoError(t, err)

	assert.NotZero(t, a.Address())
	assert.Zero(t, uint64(a.Address())%AllocationAlignment)
	assert.Zero(t, uint64(b.Address())%AllocationAlignment)
	assert.True(t, b.Address() >= a.Address()+Address(a.Size()))
	assert.Equal(t, StateGenericRead, b.State(), "upload buffers live in the generic read state")

	buf, offset, err := alloc.Resolve(b.Address() + 42)
	require.NoError(t, err)
	assert.Equal(t, b, buf)
	assert.EqualValues(t, 42, offset)

	_, _, err = alloc.Resolve(a.Address() + 200)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = alloc.CreateBuffer(BufferDesc{Name: "huge", Size: 8192})
	var rce *ResourceCreationError
	require.True(t, errors.As(err, &rce), "expected a ResourceCreationError; got %v", err)
	assert.Equal(t, "huge", rce.Resource)

	_, err = alloc.CreateBuffer(BufferDesc{Name: "empty", Size: 0})
	require.True(t, errors.As(err, &rce))

	b.Release()
	assert.EqualValues(t, 100, alloc.Stats().UsedBytes)
	_, _, err = alloc.Resolve(b.Address())
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestBufferMapAlwaysUnmaps(t *testing.T) {
	alloc := NewAllocator("test", 0)
	upload, err := alloc.CreateBuffer(BufferDesc{Name: "upload", Size: 16, Heap: HeapUpload})
	require.NoError(t, err)

	failure := errors.New("copy failed")
	err = upload.Map(func(data []byte) error {
		assert.True(t, upload.Mapped())
		assert.ErrorIs(t, upload.Map(func([]byte) error { return nil }), ErrBufferAlreadyMapped)
		data[0] = 0xff
		return failure
	})
	assert.ErrorIs(t, err, failure)
	assert.False(t, upload.Mapped(), "expected buffer to be unmapped on the error path")

	func() {
		defer func() { recover() }()
		_ = upload.Map(func([]byte) error { panic("boom") })
	}()
	assert.False(t, upload.Mapped(), "expected buffer to be unmapped after a panic")

	def, err := alloc.CreateBuffer(BufferDesc{Name: "default", Size: 16})
	require.NoError(t, err)
	assert.ErrorIs(t, def.Map(func([]byte) error { return nil }), ErrBufferNotMappable)
}

func TestDescriptorHeapCapacity(t *testing.T) {
	heap, err := NewDescriptorHeap("heap", 3)
	require.NoError(t, err)

	first, err := heap.AllocateRange(2)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Index())

	_, err = heap.AllocateRange(2)
	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr), "expected CapacityError; got %v", err)
	assert.Equal(t, 3, capErr.Capacity)
	assert.Equal(t, 2, heap.Allocated(), "a failed allocation must not reserve slots")

	last, err := heap.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 2, last.Index())

	_, err = heap.Allocate()
	assert.True(t, IsCapacity(err))

	alloc := NewAllocator("test", 0)
	tex, err := alloc.CreateTexture(TextureDesc{Name: "tex", Width: 2, Height: 2, AllowUAV: true})
	require.NoError(t, err)
	require.NoError(t, heap.WriteTextureUAV(first.Offset(1), tex))
	d, err := first.Offset(1).Descriptor()
	require.NoError(t, err)
	assert.Equal(t, DescriptorUAV, d.Type)
	assert.Equal(t, tex, d.Texture)
}

type constants struct {
	Origin  [3]float32
	Count   uint32
	Weights [4]float32
}

func TestUploadBufferRoundTrip(t *testing.T) {
	alloc := NewAllocator("test", 0)
	ub, err := NewUploadBuffer[constants](alloc, "constants", 2)
	require.NoError(t, err)
	assert.Equal(t, 32, ub.ElementSize())

	in := constants{Origin: [3]float32{1, 2, 3}, Count: 7, Weights: [4]float32{0.5, 0.25, 0, 1}}
	require.NoError(t, ub.WriteAt(1, []constants{in}))

	out, err := ub.Read(1)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	var decoded constants
	require.NoError(t, DecodeAt(ub.Buffer(), int64(ub.ElementSize()), &decoded))
	assert.Equal(t, in, decoded)

	assert.True(t, IsCapacity(ub.WriteAt(1, []constants{in, in})))
	assert.False(t, ub.Buffer().Mapped())
}

func TestInstanceDescEncoding(t *testing.T) {
	in := InstanceDesc{
		Transform:      types.Translate4(types.XYZ(1, 2, 3)).Mat3x4(),
		InstanceID:     0xabcdef,
		Mask:           0xff,
		HitGroupOffset: 12,
		Flags:          InstanceFlagForceOpaque,
		BLAS:           0x10000,
	}
	buf := make([]byte, InstanceDescSize)
	require.NoError(t, in.Encode(buf))
	out, err := DecodeInstanceDesc(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	in.InstanceID = 1 << 24
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(in.Encode(buf), &cfgErr))
}

func TestCPUFence(t *testing.T) {
	f := NewCPUFence("fence", 0)

	ok, err := f.Wait(0, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Wait(1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "expected wait to time out")

	done := make(chan bool)
	go func() {
		ok, _ := f.Wait(2, 0)
		done <- ok
	}()
	f.Signal(1)
	select {
	case <-done:
		t.Fatal("expected waiter to block until value 2")
	case <-time.After(10 * time.Millisecond):
	}
	f.Signal(2)
	assert.True(t, <-done)
	assert.EqualValues(t, 2, f.CompletedValue())

	f.Signal(1)
	assert.EqualValues(t, 2, f.CompletedValue(), "fence values are monotonic")

	f.SetDeviceLost(errors.New("hang"))
	_, err = f.Wait(3, 0)
	assert.True(t, IsDeviceLost(err))
}

func TestCommandAllocatorReuse(t *testing.T) {
	alloc := NewCommandAllocator("alloc")
	cl, err := NewCommandList("list", alloc, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, alloc.Reset(), ErrAllocatorRecording)
	assert.ErrorIs(t, cl.MarkSubmitted(), ErrCommandListOpen)

	require.NoError(t, cl.Close())
	require.NoError(t, cl.MarkSubmitted())
	assert.ErrorIs(t, alloc.Reset(), ErrAllocatorInUse)

	cl.MarkRetired()
	require.NoError(t, alloc.Reset())
	require.NoError(t, cl.Reset(alloc))
	assert.Empty(t, cl.Commands())

	require.NoError(t, cl.Close())
	cl.Dispatch(1, 1, 1)
	assert.ErrorIs(t, cl.Close(), ErrCommandListClosed)
}
