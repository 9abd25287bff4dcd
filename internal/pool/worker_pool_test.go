package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_ExecutesTasks(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 4, QueueSize: 8})
	defer p.Close()

	var counter atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			counter.Add(1)
			return nil
		}, func(error) { wg.Done() })
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int64(20), counter.Load())
	stats := p.Stats()
	assert.Equal(t, int64(20), stats.Submitted)
	assert.Equal(t, int64(20), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestWorkerPool_BoundedConcurrency(t *testing.T) {
	const workers = 3
	p := NewWorkerPool(WorkerPoolConfig{Workers: workers, QueueSize: 32})
	defer p.Close()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}, func(error) { wg.Done() })
		require.NoError(t, err)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(workers),
		"concurrent task count must never exceed worker count")
}

func TestWorkerPool_CountsFailures(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 2, QueueSize: 4})
	defer p.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	}, func(error) { wg.Done() }))
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return nil
	}, func(error) { wg.Done() }))
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestWorkerPool_RecoversPanic(t *testing.T) {
	var panicked atomic.Bool
	p := NewWorkerPool(WorkerPoolConfig{
		Workers:      1,
		QueueSize:    1,
		PanicHandler: func(any) { panicked.Store(true) },
	})
	defer p.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var taskErr error
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}, func(err error) {
		taskErr = err
		wg.Done()
	}))
	wg.Wait()

	assert.True(t, panicked.Load())
	assert.Error(t, taskErr)
}

func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 1, QueueSize: 1})
	p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	// 单 worker 且无缓冲队列：占住 worker 后，下一次提交必须阻塞
	p := NewWorkerPool(WorkerPoolConfig{Workers: 1, QueueSize: 0})
	defer p.Close()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}
