package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_SubmitRuns(t *testing.T) {
	e := New(2, 4)
	defer e.Stop(context.Background())

	var n int32
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		e.Submit(func() {
			atomic.AddInt32(&n, 1)
			wg.Done()
		})
	}

	waitOrTimeout(t, &wg, time.Second)
	assert.Equal(t, int32(10), atomic.LoadInt32(&n))
}

func TestExecutor_OverflowSpawnsGoroutine(t *testing.T) {
	e := New(1, 1)
	defer e.Stop(context.Background())

	block := make(chan struct{})
	e.Submit(func() { <-block })

	var wg sync.WaitGroup
	wg.Add(1)
	e.Submit(func() { wg.Done() })

	waitOrTimeout(t, &wg, time.Second)
	close(block)
}

func TestExecutor_StopDrainsAndRejectsFurtherQueueing(t *testing.T) {
	e := New(1, 1)

	var ran int32
	e.Submit(func() { atomic.AddInt32(&ran, 1) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))

	var wg sync.WaitGroup
	wg.Add(1)
	e.Submit(func() { wg.Done() }) // falls back to ad-hoc goroutine post-stop.
	waitOrTimeout(t, &wg, time.Second)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for tasks to complete")
	}
}
