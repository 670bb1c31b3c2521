package pool

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPoolStopped 协程池已停止
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrQueueFull 等待队列已满
	ErrQueueFull = errors.New("worker pool queue full")
)

// PanicHandler 任务 panic 时的回调
type PanicHandler func(recovered any)

// WorkerPool 协程池
//
// 用于限制并发执行的任务数量，多余的任务在有界队列中等待
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	onPanic    PanicHandler

	mu      sync.RWMutex
	stopped bool
	once    sync.Once
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数，小于 1 时按 1 处理
//   - queueSize: 任务队列大小
//   - onPanic: 任务 panic 时调用，可为 nil
func NewWorkerPool(maxWorkers, queueSize int, onPanic PanicHandler) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		onPanic:    onPanic,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// TrySubmit 尝试提交任务
//
// 队列已满时立即返回 ErrQueueFull
func (p *WorkerPool) TrySubmit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop 停止接收新任务，等待已入队的任务执行完毕
func (p *WorkerPool) Stop() {
	p.once.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.taskQueue)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	task()
}
