package software

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/log"
)

// Options configure a software device.
type Options struct {
	// Device name reported by Info.
	Name string

	// Memory budget in bytes; <= 0 disables the limit.
	Budget int64

	// Number of worker goroutines used by dispatches; <= 0 selects
	// runtime.NumCPU().
	Workers int

	// Attach the debug validation layer to command lists.
	DebugValidation bool

	// Depth of the submission queue.
	QueueDepth int
}

// Device is a CPU implementation of the gpu.Device contract. Command lists
// execute asynchronously on a single queue goroutine; dispatches fan out
// to a bounded worker pool.
type Device struct {
	*gpu.Allocator

	opts    Options
	logger  log.Logger
	workers int
	queue   *Queue

	mu     sync.Mutex
	lost   error
	fences []*gpu.CPUFence
}

// New creates a software device and starts its queue.
func New(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = "software"
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 16
	}

	d := &Device{
		Allocator: gpu.NewAllocator(opts.Name, opts.Budget),
		opts:      opts,
		logger:    log.New("software-gpu"),
		workers:   workers,
	}
	d.queue = newQueue(d, opts.QueueDepth)
	d.logger.Infof("created device %q (workers: %d, budget: %d bytes, validation: %t)", opts.Name, workers, opts.Budget, opts.DebugValidation)
	return d
}

// Info describes the device.
func (d *Device) Info() gpu.DeviceInfo {
	return gpu.DeviceInfo{
		Name:        d.opts.Name,
		Backend:     "software",
		Raytracing:  true,
		MemoryBytes: d.opts.Budget,
		Workers:     d.workers,
	}
}

// CreateDescriptorHeap creates a shader-visible descriptor heap.
func (d *Device) CreateDescriptorHeap(name string, capacity int) (*gpu.DescriptorHeap, error) {
	return gpu.NewDescriptorHeap(name, capacity)
}

// CreateCommandAllocator creates a command allocator.
func (d *Device) CreateCommandAllocator(name string) (*gpu.CommandAllocator, error) {
	return gpu.NewCommandAllocator(name), nil
}

// CreateCommandList creates an open command list recording into alloc.
func (d *Device) CreateCommandList(name string, alloc *gpu.CommandAllocator) (*gpu.CommandList, error) {
	var resolver gpu.AddressResolver
	if d.opts.DebugValidation {
		resolver = d.Allocator
	}
	return gpu.NewCommandList(name, alloc, resolver)
}

// CreateFence creates a fence signaled by the device queue.
func (d *Device) CreateFence(name string, initial uint64) (gpu.Fence, error) {
	f := gpu.NewCPUFence(name, initial)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost != nil {
		f.SetDeviceLost(d.lost)
	}
	d.fences = append(d.fences, f)
	return f, nil
}

// GetAccelerationStructurePrebuildInfo estimates build memory requirements.
func (d *Device) GetAccelerationStructurePrebuildInfo(inputs *gpu.BuildInputs) gpu.PrebuildInfo {
	return prebuildInfo(inputs)
}

// CreateStateObject creates a raytracing pipeline state object.
func (d *Device) CreateStateObject(desc gpu.StateObjectDesc) (*gpu.StateObject, error) {
	return gpu.NewStateObject(desc)
}

// CreateComputePipeline creates a compute pipeline.
func (d *Device) CreateComputePipeline(desc gpu.ComputePipelineDesc) (*gpu.PipelineState, error) {
	return gpu.NewComputePipeline(desc)
}

// Queue returns the device queue.
func (d *Device) Queue() gpu.Queue {
	return d.queue
}

// Close drains the queue and stops its goroutine.
func (d *Device) Close() error {
	d.queue.close()
	return d.lostErr()
}

func (d *Device) lostErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// markLost moves the device to the removed state and fails all fence waits.
func (d *Device) markLost(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost != nil {
		return
	}
	d.lost = &gpu.DeviceLostError{Op: "command list execution", Err: err}
	d.logger.Errorf("device %q lost: %v", d.opts.Name, err)
	for _, f := range d.fences {
		f.SetDeviceLost(err)
	}
}

// Execute interprets a closed command list synchronously. Queues call it
// from their execution goroutine.
func (d *Device) Execute(ctx context.Context, cl *gpu.CommandList) error {
	var (
		stateObject *gpu.StateObject
		pipeline    *gpu.PipelineState
		bindings    *gpu.Bindings
	)

	for index, cmd := range cl.Commands() {
		var err error
		switch c := cmd.(type) {
		case gpu.BuildAccelerationStructureCmd:
			err = d.buildAccelerationStructure(&c.Desc)
		case gpu.ResourceBarrierCmd:
			// Commands execute in program order; barriers only order
			// work that is already serialized.
		case gpu.SetRaytracingPipelineCmd:
			stateObject, pipeline = c.StateObject, nil
		case gpu.SetComputePipelineCmd:
			pipeline, stateObject = c.Pipeline, nil
		case gpu.SetComputeRootSignatureCmd:
			bindings = gpu.NewBindings(c.Signature, d.Allocator)
		case gpu.SetRootArgumentCmd:
			if bindings == nil {
				err = fmt.Errorf("root argument %d bound before a root signature", c.Index)
				break
			}
			// Snapshot so earlier dispatches keep their bindings
			bindings = bindings.Clone()
			err = bindings.Set(c.Index, c.Type, c.Arg)
		case gpu.DispatchRaysCmd:
			if bindings == nil {
				err = fmt.Errorf("DispatchRays without a root signature")
				break
			}
			err = d.dispatchRays(ctx, stateObject, bindings, &c.Desc)
		case gpu.DispatchCmd:
			if bindings == nil {
				err = fmt.Errorf("Dispatch without a root signature")
				break
			}
			err = d.dispatchCompute(ctx, pipeline, bindings, c.X, c.Y, c.Z)
		case gpu.ClearTextureCmd:
			c.Texture.Fill(c.Value)
		case gpu.CopyTextureCmd:
			copy(c.Dst.Texels(), c.Src.Texels())
		default:
			err = fmt.Errorf("unsupported command %s", cmd.CommandName())
		}
		if err != nil {
			return fmt.Errorf("software: command list %q, command %d (%s): %w", cl.Name(), index, cmd.CommandName(), err)
		}
	}
	return nil
}
