// Package pool provides a bounded worker pool for controlled concurrency.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// WorkerPool 以固定数量的 worker 执行任务，Submit 在队列满时阻塞。
// 批处理调度器依赖该背压：一个批次的任务全部入队后通过 WaitGroup
// 等待完成，再进入下一个批次。
type WorkerPool struct {
	workers   int
	taskQueue chan taskWrapper
	closed    atomic.Bool
	wg        sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	panicHandler func(any)
}

type taskWrapper struct {
	task Task
	ctx  context.Context
	done func(error)
}

// WorkerPoolConfig configures the pool.
type WorkerPoolConfig struct {
	Workers      int
	QueueSize    int
	PanicHandler func(any)
}

// NewWorkerPool 创建并启动 worker。Workers 小于 1 时按 1 处理。
func NewWorkerPool(config WorkerPoolConfig) *WorkerPool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	p := &WorkerPool{
		workers:      config.Workers,
		taskQueue:    make(chan taskWrapper, config.QueueSize),
		panicHandler: config.PanicHandler,
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit 提交任务；队列满时阻塞直到有空位或 ctx 取消。
// done 在任务完成后被调用（可为 nil）。
func (p *WorkerPool) Submit(ctx context.Context, task Task, done func(error)) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	wrapper := taskWrapper{task: task, ctx: ctx, done: done}
	select {
	case p.taskQueue <- wrapper:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for wrapper := range p.taskQueue {
		p.active.Add(1)
		err := p.executeTask(wrapper)
		p.active.Add(-1)

		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		if wrapper.done != nil {
			wrapper.done(err)
		}
	}
}

func (p *WorkerPool) executeTask(wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()
	return wrapper.task(wrapper.ctx)
}

// Close 停止接收新任务并等待在途任务完成。
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.taskQueue)
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// WorkerPoolStats contains pool statistics.
type WorkerPoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
