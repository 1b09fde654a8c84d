package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsAllTasks(t *testing.T) {
	p := New(4)
	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	p.Shutdown()
	assert.Equal(t, int64(1000), n.Load())
}

func TestSingleWorkerIsFIFO(t *testing.T) {
	p := New(1)
	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, p.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	p.Shutdown()
	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestShutdownWaitsForInFlightTasks(t *testing.T) {
	p := New(2)
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, p.Submit(func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}))
	<-started
	p.Shutdown()
	assert.True(t, finished.Load())
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := New(1)
	p.Shutdown()
	p.Shutdown()
	assert.ErrorIs(t, p.Submit(func() {}), ErrClosed)
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	var recovered atomic.Value
	p := New(1, WithPanicHandler(func(v any) { recovered.Store(v) }))

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { panic("boom") }))
	require.NoError(t, p.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	p.Shutdown()
	assert.Equal(t, "boom", recovered.Load())
}

func TestDefaultSize(t *testing.T) {
	p := New(0)
	defer p.Shutdown()
	assert.Greater(t, p.Size(), 0)
	assert.Equal(t, 0, p.Pending())
}
