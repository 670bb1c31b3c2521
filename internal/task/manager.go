package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailindex/backend/internal/logger"
	"mailindex/backend/internal/monitoring"
	"mailindex/backend/internal/pool"
)

// Listener 任务详情变化时的回调，在 Manager 锁外调用
type Listener func(ExecutionDetails)

// Options 任务管理器配置
type Options struct {
	Workers          int
	QueueSize        int
	ProgressInterval time.Duration
}

// Manager 任务管理器
//
// 任务在协程池上执行；每次状态迁移以及运行期间每个进度间隔都会写入执行存储。
type Manager struct {
	pool     *pool.WorkerPool
	store    ExecutionStore
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	interval time.Duration
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	running   map[ID]*execution
	listeners map[int]Listener
	nextLsnr  int
	stopped   bool
}

type execution struct {
	task    Task
	details ExecutionDetails
	cancel  context.CancelFunc
	done    chan struct{}

	cancelRequested bool
}

// NewManager 创建任务管理器
func NewManager(store ExecutionStore, opts Options, log *zap.Logger, metrics *monitoring.Metrics) *Manager {
	log = logger.OrNop(log)
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     store,
		logger:    log,
		metrics:   metrics,
		interval:  opts.ProgressInterval,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[ID]*execution),
		listeners: make(map[int]Listener),
	}
	m.pool = pool.NewWorkerPool(opts.Workers, opts.QueueSize, func(r any) {
		metrics.RecordPanic()
		log.Error("Task worker panic", zap.Any("panic", r))
	})
	return m
}

// Start 启动工作协程
func (m *Manager) Start() {
	m.pool.Start(m.ctx)
}

// Stop 停止接收新任务，取消运行中及排队中的任务并等待其结束
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, exec := range m.running {
		exec.cancelRequested = true
	}
	m.mu.Unlock()

	m.cancel()
	m.pool.Stop()

	// 工作协程退出后仍在队列中的任务直接标记为取消
	m.mu.Lock()
	pending := make([]*execution, 0, len(m.running))
	for _, exec := range m.running {
		pending = append(pending, exec)
	}
	m.mu.Unlock()
	for _, exec := range pending {
		m.finish(exec, StatusCancelled, "")
	}
}

// Submit 提交任务
func (m *Manager) Submit(ctx context.Context, t Task) (ID, error) {
	id := NewID()
	exec := &execution{
		task: t,
		details: ExecutionDetails{
			TaskID:     id,
			Type:       t.Type(),
			Status:     StatusCreated,
			SubmitDate: m.now().UTC(),
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", ErrManagerStopped
	}
	m.running[id] = exec
	snapshot := m.snapshotLocked(exec)
	m.mu.Unlock()

	if err := m.store.Save(ctx, snapshot); err != nil {
		m.forget(id)
		return "", fmt.Errorf("save task %s: %w", id, err)
	}

	m.notify(snapshot)

	if err := m.pool.TrySubmit(func() { m.run(exec) }); err != nil {
		m.forget(id)
		if errors.Is(err, pool.ErrPoolStopped) {
			err = ErrManagerStopped
		}
		m.persistFailure(snapshot, err)
		return "", err
	}

	m.logger.Info("Task submitted", zap.String("task_id", id.String()), zap.String("task_type", string(t.Type())))
	return id, nil
}

func (m *Manager) forget(id ID) {
	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
}

func (m *Manager) persistFailure(details ExecutionDetails, cause error) {
	now := m.now().UTC()
	details.Status = StatusFailed
	details.FailedDate = &now
	details.Error = cause.Error()
	if err := m.store.Save(context.Background(), details); err != nil {
		m.logger.Error("Failed to save task details", zap.String("task_id", details.TaskID.String()), zap.Error(err))
	}
}

// run 在工作协程中执行任务
func (m *Manager) run(exec *execution) {
	log := logger.ForTask(m.logger, exec.details.TaskID.String(), string(exec.details.Type))

	m.mu.Lock()
	if exec.cancelRequested {
		m.mu.Unlock()
		m.finish(exec, StatusCancelled, "")
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	exec.cancel = cancel
	started := m.now().UTC()
	exec.details.Status = StatusRunning
	exec.details.StartedDate = &started
	snapshot := m.snapshotLocked(exec)
	m.mu.Unlock()
	defer cancel()

	m.save(log, snapshot)
	m.notify(snapshot)
	m.metrics.TaskStarted(string(exec.details.Type))
	log.Info("Task started")

	stopProgress := m.reportProgress(exec, log)

	result, err := m.execute(ctx, exec.task)
	stopProgress()

	m.mu.Lock()
	cancelled := exec.cancelRequested
	m.mu.Unlock()

	status := StatusCompleted
	message := ""
	switch {
	case cancelled:
		status = StatusCancelled
	case err != nil:
		status = StatusFailed
		message = err.Error()
	case result == ResultPartial:
		status = StatusPartial
	}

	m.metrics.TaskFinished(string(exec.details.Type), string(status), m.now().Sub(started))
	if status == StatusFailed {
		log.Error("Task failed", zap.Error(err))
	} else {
		log.Info("Task finished", zap.String("status", string(status)), zap.String("result", result.String()))
	}
	m.finish(exec, status, message)
}

// execute 执行任务并把 panic 转为错误
func (m *Manager) execute(ctx context.Context, t Task) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecordPanic()
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.Run(ctx)
}

// reportProgress 周期性持久化进度快照，返回停止函数
func (m *Manager) reportProgress(exec *execution, log *zap.Logger) func() {
	ticker := time.NewTicker(m.interval)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				snapshot := m.snapshotLocked(exec)
				m.mu.Unlock()
				log.Debug("Task progress", zap.ByteString("additional_information", snapshot.AdditionalInformation))
				m.save(log, snapshot)
				m.notify(snapshot)
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// finish 记录终止状态，唤醒等待者
func (m *Manager) finish(exec *execution, status Status, message string) {
	m.mu.Lock()
	if exec.details.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	now := m.now().UTC()
	exec.details.Status = status
	exec.details.Error = message
	switch status {
	case StatusCompleted, StatusPartial:
		exec.details.CompletedDate = &now
	case StatusFailed:
		exec.details.FailedDate = &now
	case StatusCancelled:
		exec.details.CancelledDate = &now
	}
	snapshot := m.snapshotLocked(exec)
	m.mu.Unlock()

	// 先持久化再移出运行表，保证 Get 始终能查到
	m.save(logger.ForTask(m.logger, snapshot.TaskID.String(), string(snapshot.Type)), snapshot)
	m.forget(snapshot.TaskID)
	close(exec.done)
	m.notify(snapshot)
}

func (m *Manager) save(log *zap.Logger, details ExecutionDetails) {
	if err := m.store.Save(context.Background(), details); err != nil {
		log.Error("Failed to save task details", zap.Error(err))
	}
}

// snapshotLocked 生成带最新附加信息的详情副本，调用方持有 m.mu
func (m *Manager) snapshotLocked(exec *execution) ExecutionDetails {
	details := exec.details.Clone()
	if info := exec.task.AdditionalInformation(); info != nil {
		data, err := json.Marshal(info)
		if err != nil {
			m.logger.Warn("Failed to serialize additional information",
				zap.String("task_id", details.TaskID.String()), zap.Error(err))
		} else {
			details.AdditionalInformation = data
		}
	}
	return details
}

// Get 获取任务详情，运行中的任务返回实时进度
func (m *Manager) Get(ctx context.Context, id ID) (ExecutionDetails, error) {
	m.mu.Lock()
	if exec, ok := m.running[id]; ok {
		snapshot := m.snapshotLocked(exec)
		m.mu.Unlock()
		return snapshot, nil
	}
	m.mu.Unlock()
	return m.store.Get(ctx, id)
}

// List 列出任务，status 为空时返回全部
func (m *Manager) List(ctx context.Context, status Status) ([]ExecutionDetails, error) {
	stored, err := m.store.List(ctx, status)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	live := make(map[ID]ExecutionDetails, len(m.running))
	for id, exec := range m.running {
		live[id] = m.snapshotLocked(exec)
	}
	m.mu.Unlock()

	out := make([]ExecutionDetails, 0, len(stored))
	seen := make(map[ID]bool, len(stored))
	for _, d := range stored {
		if l, ok := live[d.TaskID]; ok {
			d = l
		}
		seen[d.TaskID] = true
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	for id, d := range live {
		if !seen[id] && (status == "" || d.Status == status) {
			out = append(out, d)
		}
	}
	SortBySubmitDate(out)
	return out, nil
}

// Await 等待任务结束
func (m *Manager) Await(ctx context.Context, id ID) (ExecutionDetails, error) {
	m.mu.Lock()
	exec, ok := m.running[id]
	m.mu.Unlock()

	if ok {
		select {
		case <-exec.done:
		case <-ctx.Done():
			return ExecutionDetails{}, ctx.Err()
		}
	}
	return m.Get(ctx, id)
}

// Cancel 请求取消任务
//
// 排队中的任务不会开始执行；运行中的任务在处理完当前邮件后停止。
func (m *Manager) Cancel(ctx context.Context, id ID) error {
	m.mu.Lock()
	exec, ok := m.running[id]
	if ok {
		if exec.details.Status.Terminal() {
			m.mu.Unlock()
			return ErrTaskNotCancellable
		}
		exec.cancelRequested = true
		cancel := exec.cancel
		queued := exec.details.Status == StatusCreated
		m.mu.Unlock()

		m.logger.Info("Task cancellation requested", zap.String("task_id", id.String()))
		if queued {
			m.finish(exec, StatusCancelled, "")
		} else if cancel != nil {
			cancel()
		}
		return nil
	}
	m.mu.Unlock()

	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	return ErrTaskNotCancellable
}

// Subscribe 注册详情变化监听，返回取消订阅函数
func (m *Manager) Subscribe(l Listener) func() {
	m.mu.Lock()
	key := m.nextLsnr
	m.nextLsnr++
	m.listeners[key] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, key)
		m.mu.Unlock()
	}
}

func (m *Manager) notify(details ExecutionDetails) {
	m.mu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(details.Clone())
	}
}
