package gpu

import (
	"sync"
	"time"
)

// Fence is a monotonic counter signaled by a queue once all work submitted
// before the signal has completed.
type Fence interface {
	Name() string

	// CompletedValue returns the last value signaled by the GPU.
	CompletedValue() uint64

	// Wait blocks until the fence reaches value. A timeout <= 0 waits
	// forever. It returns false if the timeout expired first.
	Wait(value uint64, timeout time.Duration) (bool, error)

	Release()
}

// Queue executes command lists in submission order.
type Queue interface {
	ExecuteCommandLists(lists ...*CommandList) error

	// Signal enqueues a fence update that executes after all previously
	// submitted lists.
	Signal(fence Fence, value uint64) error
}

// CPUFence is a Fence signaled from CPU code; software queues signal it
// from their execution goroutine.
type CPUFence struct {
	name string

	mu        sync.Mutex
	completed uint64
	lost      error
	waiters   []fenceWaiter
	released  bool
}

type fenceWaiter struct {
	value uint64
	done  chan struct{}
}

// NewCPUFence creates a fence with the given initial value.
func NewCPUFence(name string, initial uint64) *CPUFence {
	return &CPUFence{name: name, completed: initial}
}

// Get fence name.
func (f *CPUFence) Name() string { return f.name }

// CompletedValue returns the last signaled value.
func (f *CPUFence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Signal advances the fence to value and wakes satisfied waiters. Values
// lower than the current one are ignored.
func (f *CPUFence) Signal(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value <= f.completed {
		return
	}
	f.completed = value
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.value <= value {
			close(w.done)
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
}

// SetDeviceLost fails all current and future waits with err.
func (f *CPUFence) SetDeviceLost(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost != nil {
		return
	}
	f.lost = &DeviceLostError{Op: "fence " + f.name, Err: err}
	for _, w := range f.waiters {
		close(w.done)
	}
	f.waiters = nil
}

// Wait blocks until the fence reaches value or the timeout expires.
func (f *CPUFence) Wait(value uint64, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	if f.lost != nil {
		f.mu.Unlock()
		return false, f.lost
	}
	if f.completed >= value {
		f.mu.Unlock()
		return true, nil
	}
	if f.released {
		f.mu.Unlock()
		return false, ErrResourceReleased
	}
	w := fenceWaiter{value: value, done: make(chan struct{})}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	if timeout <= 0 {
		<-w.done
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-w.done:
		case <-timer.C:
			f.mu.Lock()
			defer f.mu.Unlock()
			f.removeWaiter(w)
			return f.completed >= value, f.lost
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost != nil {
		return false, f.lost
	}
	if f.completed < value && f.released {
		return false, ErrResourceReleased
	}
	return f.completed >= value, nil
}

func (f *CPUFence) removeWaiter(w fenceWaiter) {
	for i, cand := range f.waiters {
		if cand.done == w.done {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

// Release wakes all waiters.
func (f *CPUFence) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	for _, w := range f.waiters {
		close(w.done)
	}
	f.waiters = nil
}
