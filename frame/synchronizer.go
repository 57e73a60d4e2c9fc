// Package frame paces CPU recording against GPU execution using a ring of
// per-frame command allocators and a single monotonic fence.
package frame

import (
	"errors"
	"fmt"
	"time"

	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/log"
)

var (
	ErrFrameInProgress = errors.New("frame: previous frame in this slot is still recording")
	ErrNotRecording    = errors.New("frame: frame is not recording")
	ErrFenceTimeout    = errors.New("frame: timed out waiting for the GPU")
	ErrClosed          = errors.New("frame: synchronizer is closed")
)

// SlotState is the lifecycle state of a frame slot.
type SlotState uint8

const (
	Idle SlotState = iota
	Recording
	Submitted
)

func (s SlotState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Submitted:
		return "submitted"
	}
	return fmt.Sprintf("slot-state(%d)", uint8(s))
}

// Device is the subset of gpu.Device used by the synchronizer.
type Device interface {
	CreateCommandAllocator(name string) (*gpu.CommandAllocator, error)
	CreateCommandList(name string, alloc *gpu.CommandAllocator) (*gpu.CommandList, error)
	CreateFence(name string, initial uint64) (gpu.Fence, error)
}

// Frame is handed out by BeginFrame and returned via EndFrame.
type Frame struct {
	// Monotonic frame counter.
	Index uint64

	// Slot in the frame ring.
	Slot int

	// Command list recording this frame.
	CommandList *gpu.CommandList
}

// Stats summarizes synchronizer activity.
type Stats struct {
	Frames        uint64
	SkippedFrames uint64
	FenceWaits    uint64
	WaitTime      time.Duration
}

type slot struct {
	state      SlotState
	alloc      *gpu.CommandAllocator
	list       *gpu.CommandList
	fenceValue uint64
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithFenceTimeout bounds fence waits; a wait exceeding d is reported as a
// lost device. The default waits forever.
func WithFenceTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		s.timeout = d
	}
}

// Synchronizer keeps up to bufferCount frames in flight.
type Synchronizer struct {
	dev    Device
	queue  gpu.Queue
	fence  gpu.Fence
	logger log.Logger

	slots      []slot
	next       int
	fenceValue uint64
	frameIndex uint64
	timeout    time.Duration
	stats      Stats
	closed     bool

	flushAlloc *gpu.CommandAllocator
	flushList  *gpu.CommandList
}

// New creates a synchronizer with bufferCount frame slots.
func New(dev Device, queue gpu.Queue, bufferCount int, opts ...Option) (*Synchronizer, error) {
	if bufferCount < 1 {
		return nil, gpu.NewConfigurationError("frame.New", "buffer count must be at least 1; got %d", bufferCount)
	}
	fence, err := dev.CreateFence("frame-fence", 0)
	if err != nil {
		return nil, err
	}

	s := &Synchronizer{
		dev:    dev,
		queue:  queue,
		fence:  fence,
		logger: log.New("frame"),
		slots:  make([]slot, bufferCount),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.slots {
		if s.slots[i].alloc, err = dev.CreateCommandAllocator(fmt.Sprintf("frame-%d", i)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// BufferCount returns the number of frame slots.
func (s *Synchronizer) BufferCount() int { return len(s.slots) }

// SlotState returns the state of slot i.
func (s *Synchronizer) SlotState(i int) SlotState { return s.slots[i].state }

// Stats returns a snapshot of the synchronizer statistics.
func (s *Synchronizer) Stats() Stats { return s.stats }

// Fence returns the fence signaled after each frame.
func (s *Synchronizer) Fence() gpu.Fence { return s.fence }

// BeginFrame waits until the next slot's previous submission completed,
// resets its allocator and returns a frame recording into it.
func (s *Synchronizer) BeginFrame() (*Frame, error) {
	if s.closed {
		return nil, ErrClosed
	}
	index := s.next
	sl := &s.slots[index]

	switch sl.state {
	case Recording:
		return nil, ErrFrameInProgress
	case Submitted:
		if err := s.waitFor(sl.fenceValue, "BeginFrame"); err != nil {
			return nil, err
		}
		sl.state = Idle
	}

	if err := sl.alloc.Reset(); err != nil {
		return nil, err
	}
	if sl.list == nil {
		list, err := s.dev.CreateCommandList(fmt.Sprintf("frame-%d", index), sl.alloc)
		if err != nil {
			return nil, err
		}
		sl.list = list
	} else if err := sl.list.Reset(sl.alloc); err != nil {
		return nil, err
	}

	sl.state = Recording
	s.frameIndex++
	return &Frame{Index: s.frameIndex, Slot: index, CommandList: sl.list}, nil
}

// EndFrame closes and submits the frame, then signals the fence. A frame
// that fails to close or submit is skipped; its slot returns to Idle.
func (s *Synchronizer) EndFrame(f *Frame) error {
	if f == nil || f.Slot < 0 || f.Slot >= len(s.slots) || s.slots[f.Slot].state != Recording {
		return ErrNotRecording
	}
	sl := &s.slots[f.Slot]

	if err := sl.list.Close(); err != nil {
		return s.skip(f, sl, err)
	}
	if err := s.queue.ExecuteCommandLists(sl.list); err != nil {
		return s.skip(f, sl, err)
	}
	s.fenceValue++
	if err := s.queue.Signal(s.fence, s.fenceValue); err != nil {
		// The list was submitted; keep the slot pending so it is not
		// reset under the GPU.
		sl.fenceValue = s.fenceValue
		sl.state = Submitted
		s.next = (f.Slot + 1) % len(s.slots)
		s.logger.Errorf("frame %d: fence signal failed: %v", f.Index, err)
		return err
	}

	sl.fenceValue = s.fenceValue
	sl.state = Submitted
	s.next = (f.Slot + 1) % len(s.slots)
	s.stats.Frames++
	return nil
}

// Discard abandons a frame whose recording failed. Nothing is submitted and
// the slot returns to Idle; reason is logged and returned.
func (s *Synchronizer) Discard(f *Frame, reason error) error {
	if f == nil || f.Slot < 0 || f.Slot >= len(s.slots) || s.slots[f.Slot].state != Recording {
		return ErrNotRecording
	}
	sl := &s.slots[f.Slot]
	_ = sl.list.Close()
	return s.skip(f, sl, reason)
}

func (s *Synchronizer) skip(f *Frame, sl *slot, err error) error {
	s.logger.Errorf("frame %d skipped: %v", f.Index, err)
	sl.state = Idle
	s.stats.SkippedFrames++
	return err
}

// WaitForGPU blocks until all submitted work completed.
func (s *Synchronizer) WaitForGPU() error {
	if s.fenceValue == 0 {
		return nil
	}
	if err := s.waitFor(s.fenceValue, "WaitForGPU"); err != nil {
		return err
	}
	for i := range s.slots {
		if s.slots[i].state == Submitted {
			s.slots[i].state = Idle
		}
	}
	return nil
}

// Flush records work with record, submits it and waits for completion.
// Used for load-time work such as acceleration structure builds.
func (s *Synchronizer) Flush(record func(cl *gpu.CommandList) error) error {
	if s.closed {
		return ErrClosed
	}
	if s.flushAlloc == nil {
		alloc, err := s.dev.CreateCommandAllocator("flush")
		if err != nil {
			return err
		}
		list, err := s.dev.CreateCommandList("flush", alloc)
		if err != nil {
			return err
		}
		s.flushAlloc, s.flushList = alloc, list
	} else {
		if err := s.flushAlloc.Reset(); err != nil {
			return err
		}
		if err := s.flushList.Reset(s.flushAlloc); err != nil {
			return err
		}
	}

	if err := record(s.flushList); err != nil {
		_ = s.flushList.Close()
		return err
	}
	if err := s.flushList.Close(); err != nil {
		return err
	}
	if err := s.queue.ExecuteCommandLists(s.flushList); err != nil {
		return err
	}
	s.fenceValue++
	if err := s.queue.Signal(s.fence, s.fenceValue); err != nil {
		return err
	}
	return s.waitFor(s.fenceValue, "Flush")
}

func (s *Synchronizer) waitFor(value uint64, op string) error {
	if s.fence.CompletedValue() >= value {
		return nil
	}

	start := time.Now()
	ok, err := s.fence.Wait(value, s.timeout)
	elapsed := time.Since(start)
	s.stats.FenceWaits++
	s.stats.WaitTime += elapsed
	if err != nil {
		s.logger.Errorf("%s: fence wait for value %d failed: %v", op, value, err)
		return err
	}
	if !ok {
		s.logger.Errorf("%s: fence value %d not reached after %s", op, value, elapsed)
		return &gpu.DeviceLostError{Op: op, Err: ErrFenceTimeout}
	}
	return nil
}

// Close waits for outstanding work and releases the fence.
func (s *Synchronizer) Close() error {
	if s.closed {
		return nil
	}
	err := s.WaitForGPU()
	s.closed = true
	s.fence.Release()
	return err
}
