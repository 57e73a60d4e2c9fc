package halqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achilleasa/polaris-ddgi/gpu"
)

type recordingExecutor struct {
	executed []string
	failOn   string
}

func (e *recordingExecutor) Execute(_ context.Context, cl *gpu.CommandList) error {
	if cl.Name() == e.failOn {
		return errors.New("hung")
	}
	e.executed = append(e.executed, cl.Name())
	return nil
}

func closedList(t *testing.T, name string) *gpu.CommandList {
	cl, err := gpu.NewCommandList(name, gpu.NewCommandAllocator(name), nil)
	require.NoError(t, err)
	require.NoError(t, cl.Close())
	return cl
}

func TestSubmitAndSignal(t *testing.T) {
	exec := &recordingExecutor{}
	q, err := Open(gputypes.BackendEmpty, exec)
	require.NoError(t, err)
	defer q.Close()

	a, b := closedList(t, "a"), closedList(t, "b")
	require.NoError(t, q.ExecuteCommandLists(a, b))
	assert.Equal(t, []string{"a", "b"}, exec.executed)
	assert.Zero(t, a.Allocator().InFlight())

	fence := gpu.NewCPUFence("frame", 0)
	require.NoError(t, q.Signal(fence, 3))
	assert.Zero(t, q.Poll())

	ok, err := fence.Wait(3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Reports completion only once released.
type laggingQueue struct {
	hal.Queue
	completed atomic.Uint64
}

func (q *laggingQueue) PollCompleted() uint64 { return q.completed.Load() }

func TestLaggingCompletionSignalsWaiters(t *testing.T) {
	q, err := Open(gputypes.BackendEmpty, &recordingExecutor{})
	require.NoError(t, err)
	defer q.Close()
	lagging := &laggingQueue{Queue: q.queue}
	q.queue = lagging

	require.NoError(t, q.ExecuteCommandLists(closedList(t, "a")))
	fence := gpu.NewCPUFence("frame", 0)
	require.NoError(t, q.Signal(fence, 1))
	assert.Zero(t, fence.CompletedValue())

	submitted := q.lastSubmission
	time.AfterFunc(20*time.Millisecond, func() { lagging.completed.Store(submitted) })
	ok, err := fence.Wait(1, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, q.Poll())
}

func TestCloseFailsPendingSignals(t *testing.T) {
	q, err := Open(gputypes.BackendEmpty, &recordingExecutor{})
	require.NoError(t, err)
	q.queue = &laggingQueue{Queue: q.queue}

	require.NoError(t, q.ExecuteCommandLists(closedList(t, "a")))
	fence := gpu.NewCPUFence("frame", 0)
	require.NoError(t, q.Signal(fence, 1))
	q.Close()

	_, err = fence.Wait(1, 5*time.Second)
	assert.True(t, gpu.IsDeviceLost(err))
}

func TestExecutionFailureLosesDevice(t *testing.T) {
	q, err := Open(gputypes.BackendEmpty, &recordingExecutor{failOn: "bad"})
	require.NoError(t, err)
	defer q.Close()

	err = q.ExecuteCommandLists(closedList(t, "bad"))
	assert.True(t, gpu.IsDeviceLost(err))

	fence := gpu.NewCPUFence("frame", 0)
	assert.True(t, gpu.IsDeviceLost(q.Signal(fence, 1)))
	assert.True(t, gpu.IsDeviceLost(q.ExecuteCommandLists(closedList(t, "good"))))
}

func TestAdaptersListsNoopBackend(t *testing.T) {
	var found bool
	for _, a := range Adapters() {
		if a.Backend == gputypes.BackendEmpty {
			found = true
			assert.NotEmpty(t, a.Info.Name)
		}
	}
	assert.True(t, found)
}

func TestParseBackend(t *testing.T) {
	variant, err := ParseBackend("EMPTY")
	require.NoError(t, err)
	assert.Equal(t, gputypes.BackendEmpty, variant)

	_, err = ParseBackend("opencl")
	assert.ErrorIs(t, err, hal.ErrBackendNotFound)
}
