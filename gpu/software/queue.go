package software

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/achilleasa/polaris-ddgi/gpu"
)

type queueItem struct {
	lists []*gpu.CommandList
	fence *gpu.CPUFence
	value uint64
}

// QueueStats summarizes queue activity.
type QueueStats struct {
	ExecutedLists int
	Signals       int
	BusyTime      time.Duration
}

// Queue executes submitted command lists in order on its own goroutine and
// signals fences once all prior work completed.
type Queue struct {
	dev  *Device
	work chan queueItem
	done chan struct{}

	closeOnce sync.Once
	sendMu    sync.RWMutex
	closed    bool

	mu    sync.Mutex
	stats QueueStats
}

func newQueue(dev *Device, depth int) *Queue {
	q := &Queue{
		dev:  dev,
		work: make(chan queueItem, depth),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// ExecuteCommandLists submits closed command lists for execution.
func (q *Queue) ExecuteCommandLists(lists ...*gpu.CommandList) error {
	if err := q.dev.lostErr(); err != nil {
		return err
	}
	for i, cl := range lists {
		if err := cl.MarkSubmitted(); err != nil {
			for _, submitted := range lists[:i] {
				submitted.MarkRetired()
			}
			return err
		}
	}
	return q.enqueue(queueItem{lists: append([]*gpu.CommandList(nil), lists...)})
}

// Signal enqueues a fence update after all previously submitted work.
func (q *Queue) Signal(fence gpu.Fence, value uint64) error {
	f, ok := fence.(*gpu.CPUFence)
	if !ok {
		return fmt.Errorf("software: cannot signal foreign fence %q of type %T", fence.Name(), fence)
	}
	if err := q.dev.lostErr(); err != nil {
		return err
	}
	return q.enqueue(queueItem{fence: f, value: value})
}

// Stats returns a snapshot of queue activity.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Queue) enqueue(item queueItem) error {
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	if q.closed {
		for _, cl := range item.lists {
			cl.MarkRetired()
		}
		return &gpu.DeviceLostError{Op: "submit", Err: fmt.Errorf("queue closed")}
	}
	q.work <- item
	return nil
}

func (q *Queue) run() {
	defer close(q.done)
	for item := range q.work {
		start := time.Now()
		for _, cl := range item.lists {
			if q.dev.lostErr() == nil {
				if err := q.dev.Execute(context.Background(), cl); err != nil {
					q.dev.markLost(err)
				}
			}
			cl.MarkRetired()
		}
		if item.fence != nil && q.dev.lostErr() == nil {
			item.fence.Signal(item.value)
		}

		q.mu.Lock()
		q.stats.ExecutedLists += len(item.lists)
		if item.fence != nil {
			q.stats.Signals++
		}
		q.stats.BusyTime += time.Since(start)
		q.mu.Unlock()
	}
}

func (q *Queue) close() {
	q.closeOnce.Do(func() {
		q.sendMu.Lock()
		q.closed = true
		close(q.work)
		q.sendMu.Unlock()
		<-q.done
	})
}
