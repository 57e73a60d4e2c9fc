// Package halqueue adapts a wgpu HAL queue to the gpu.Queue contract.
// Command lists are interpreted on the host by an Executor; the HAL queue
// provides submission ordering and the completion indices that drive
// fence signaling.
package halqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/noop" // host execution backend

	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/log"
)

// Executor interprets a closed command list.
type Executor interface {
	Execute(ctx context.Context, cl *gpu.CommandList) error
}

// Interval at which a queue with pending fence signals re-checks the HAL
// completion index.
const pollInterval = time.Millisecond

type pendingSignal struct {
	submission uint64
	fence      *gpu.CPUFence
	value      uint64
}

// Queue implements gpu.Queue on top of a HAL device/queue pair.
type Queue struct {
	exec    Executor
	logger  log.Logger
	info    gputypes.AdapterInfo
	device  hal.Device
	queue   hal.Queue
	encoder hal.CommandEncoder

	mu             sync.Mutex
	lastSubmission uint64
	pending        []pendingSignal
	lost           error
	closed         bool
	polling        bool
}

// Open creates a queue on the first adapter exposed by the registered HAL
// backend variant.
func Open(variant gputypes.Backend, exec Executor) (*Queue, error) {
	backend, ok := hal.GetBackend(variant)
	if !ok {
		return nil, fmt.Errorf("halqueue: backend %s: %w", variant, hal.ErrBackendNotFound)
	}
	instance, err := backend.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("halqueue: create %s instance: %w", variant, err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return nil, fmt.Errorf("halqueue: backend %s exposes no adapters", variant)
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("halqueue: open adapter %q: %w", adapters[0].Info.Name, err)
	}
	encoder, err := open.Device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "polaris-ddgi"})
	if err != nil {
		return nil, fmt.Errorf("halqueue: create command encoder: %w", err)
	}

	q := &Queue{
		exec:    exec,
		logger:  log.New("hal-queue"),
		info:    adapters[0].Info,
		device:  open.Device,
		queue:   open.Queue,
		encoder: encoder,
	}
	q.logger.Infof("opened adapter %q (backend: %s, driver: %s)", q.info.Name, variant, q.info.Driver)
	return q, nil
}

// AdapterInfo describes the adapter backing the queue.
func (q *Queue) AdapterInfo() gputypes.AdapterInfo {
	return q.info
}

// ExecuteCommandLists executes the lists in order and submits one HAL
// command buffer per list.
func (q *Queue) ExecuteCommandLists(lists ...*gpu.CommandList) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lost != nil {
		return q.lost
	}
	if q.closed {
		return &gpu.DeviceLostError{Op: "submit", Err: fmt.Errorf("queue closed")}
	}

	buffers := make([]hal.CommandBuffer, 0, len(lists))
	for _, cl := range lists {
		if err := cl.MarkSubmitted(); err != nil {
			q.encoder.ResetAll(buffers)
			return err
		}

		if err := q.encoder.BeginEncoding(cl.Name()); err != nil {
			cl.MarkRetired()
			return q.markLost(err)
		}
		err := q.exec.Execute(context.Background(), cl)
		cl.MarkRetired()
		if err != nil {
			q.encoder.DiscardEncoding()
			return q.markLost(err)
		}
		buf, err := q.encoder.EndEncoding()
		if err != nil {
			return q.markLost(err)
		}
		buffers = append(buffers, buf)
	}

	index, err := q.queue.Submit(buffers)
	if err != nil {
		return q.markLost(err)
	}
	q.lastSubmission = index
	q.pollLocked()
	q.encoder.ResetAll(buffers)
	return nil
}

// Signal enqueues a fence update that fires once the HAL reports the
// latest submission as completed.
func (q *Queue) Signal(fence gpu.Fence, value uint64) error {
	f, ok := fence.(*gpu.CPUFence)
	if !ok {
		return fmt.Errorf("halqueue: cannot signal foreign fence %q of type %T", fence.Name(), fence)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lost != nil {
		return q.lost
	}
	q.pending = append(q.pending, pendingSignal{submission: q.lastSubmission, fence: f, value: value})
	q.pollLocked()
	return nil
}

// Poll signals fences whose submissions completed and returns the number
// of signals still pending.
func (q *Queue) Poll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pollLocked()
	return len(q.pending)
}

// pollLocked fires the completed signals and keeps a background poller
// running while any remain. Fence waiters do not drive polling.
func (q *Queue) pollLocked() {
	q.signalCompletedLocked()
	if len(q.pending) > 0 && !q.polling && !q.closed {
		q.polling = true
		go q.pollPending()
	}
}

func (q *Queue) pollPending() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for range ticker.C {
		q.mu.Lock()
		if !q.closed && q.lost == nil {
			q.signalCompletedLocked()
		}
		done := len(q.pending) == 0 || q.closed || q.lost != nil
		if done {
			q.polling = false
		}
		q.mu.Unlock()
		if done {
			return
		}
	}
}

func (q *Queue) signalCompletedLocked() {
	completed := q.queue.PollCompleted()
	remaining := q.pending[:0]
	for _, p := range q.pending {
		if p.submission <= completed {
			p.fence.Signal(p.value)
			continue
		}
		remaining = append(remaining, p)
	}
	q.pending = remaining
}

func (q *Queue) markLost(err error) error {
	q.lost = &gpu.DeviceLostError{Op: "command list execution", Err: err}
	q.logger.Errorf("adapter %q lost: %v", q.info.Name, err)
	for _, p := range q.pending {
		p.fence.SetDeviceLost(err)
	}
	q.pending = nil
	return q.lost
}

// Close releases the HAL objects owned by the queue. Signals that did not
// fire yet report device loss to their waiters.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, p := range q.pending {
		p.fence.SetDeviceLost(errors.New("queue closed"))
	}
	q.pending = nil
	q.encoder.Destroy()
	q.device.Destroy()
}
