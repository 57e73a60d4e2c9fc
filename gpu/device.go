package gpu

// DeviceInfo describes a device backend.
type DeviceInfo struct {
	Name        string
	Backend     string
	Raytracing  bool
	MemoryBytes int64
	Workers     int
}

// Device creates GPU objects. Implementations live in sub-packages.
type Device interface {
	Info() DeviceInfo

	CreateBuffer(desc BufferDesc) (*Buffer, error)
	CreateTexture(desc TextureDesc) (*Texture, error)
	CreateDescriptorHeap(name string, capacity int) (*DescriptorHeap, error)

	CreateCommandAllocator(name string) (*CommandAllocator, error)
	CreateCommandList(name string, alloc *CommandAllocator) (*CommandList, error)
	CreateFence(name string, initial uint64) (Fence, error)

	GetAccelerationStructurePrebuildInfo(inputs *BuildInputs) PrebuildInfo
	CreateStateObject(desc StateObjectDesc) (*StateObject, error)
	CreateComputePipeline(desc ComputePipelineDesc) (*PipelineState, error)

	// Resolve maps a GPU virtual address to its buffer.
	Resolve(addr Address) (*Buffer, int64, error)

	Queue() Queue
	Close() error
}
