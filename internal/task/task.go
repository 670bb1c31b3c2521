package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound 任务不存在
	ErrTaskNotFound = errors.New("task not found")
	// ErrManagerStopped 任务管理器已停止
	ErrManagerStopped = errors.New("task manager stopped")
	// ErrTaskNotCancellable 任务已结束，无法取消
	ErrTaskNotCancellable = errors.New("task is not cancellable")
)

// Type 任务类型标识
type Type string

// ID 任务 ID
type ID string

// NewID 生成任务 ID
func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID 校验任务 ID 格式
func ParseID(value string) (ID, error) {
	if _, err := uuid.Parse(value); err != nil {
		return "", ErrTaskNotFound
	}
	return ID(value), nil
}

func (id ID) String() string { return string(id) }

// Result 任务执行结果
type Result int

const (
	// ResultCompleted 全部成功
	ResultCompleted Result = iota
	// ResultPartial 正常结束但存在失败项
	ResultPartial
)

func (r Result) String() string {
	if r == ResultCompleted {
		return "COMPLETED"
	}
	return "PARTIAL"
}

// Status 任务状态
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus 解析状态，空字符串返回空状态表示不过滤
func ParseStatus(value string) (Status, error) {
	switch s := Status(value); s {
	case "", StatusCreated, StatusRunning, StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return s, nil
	}
	return "", errors.New("unknown task status: " + value)
}

// Terminal 是否为终止状态
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task 可提交给 Manager 执行的工作单元
type Task interface {
	Type() Type
	// Run 执行任务。ctx 取消时应尽快返回已完成部分的结果。
	Run(ctx context.Context) (Result, error)
	// AdditionalInformation 返回进度快照，可在 Run 执行期间并发调用；无附加信息时返回 nil
	AdditionalInformation() any
}

// ExecutionDetails 任务执行详情
type ExecutionDetails struct {
	TaskID                ID              `json:"taskId"`
	Type                  Type            `json:"type"`
	Status                Status          `json:"status"`
	SubmitDate            time.Time       `json:"submitDate"`
	StartedDate           *time.Time      `json:"startedDate,omitempty"`
	CompletedDate         *time.Time      `json:"completedDate,omitempty"`
	FailedDate            *time.Time      `json:"failedDate,omitempty"`
	CancelledDate         *time.Time      `json:"cancelledDate,omitempty"`
	Error                 string          `json:"error,omitempty"`
	AdditionalInformation json.RawMessage `json:"additionalInformation,omitempty"`
}

// Clone 深拷贝
func (d ExecutionDetails) Clone() ExecutionDetails {
	out := d
	out.StartedDate = cloneTime(d.StartedDate)
	out.CompletedDate = cloneTime(d.CompletedDate)
	out.FailedDate = cloneTime(d.FailedDate)
	out.CancelledDate = cloneTime(d.CancelledDate)
	if d.AdditionalInformation != nil {
		out.AdditionalInformation = append(json.RawMessage(nil), d.AdditionalInformation...)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ExecutionStore 任务执行详情持久化
type ExecutionStore interface {
	Save(ctx context.Context, details ExecutionDetails) error
	// Get 任务不存在时返回 ErrTaskNotFound
	Get(ctx context.Context, id ID) (ExecutionDetails, error)
	// List 按提交时间升序返回，status 为空时返回全部
	List(ctx context.Context, status Status) ([]ExecutionDetails, error)
}
