package reindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRunningOptions 运行参数不合法
	ErrInvalidRunningOptions = errors.New("invalid running options")
	// ErrUnknownTaskType 未知的任务类型
	ErrUnknownTaskType = errors.New("unknown task type")
	// ErrInvalidTaskPayload 任务 JSON 不合法
	ErrInvalidTaskPayload = errors.New("invalid task payload")
	// ErrNotReIndexingTask 指定的任务不是重建索引任务
	ErrNotReIndexingTask = errors.New("task is not a reindexing task")
)

// Mode 重建模式
type Mode string

const (
	// ModeRebuildAll 无条件重新添加每一封邮件
	ModeRebuildAll Mode = "REBUILD_ALL"
	// ModeFixOutdated 只修复索引内容与存储不一致的邮件
	ModeFixOutdated Mode = "FIX_OUTDATED"
)

// DefaultMessagesPerSecond 默认限速
const DefaultMessagesPerSecond = 50

// ParseMode 解析模式，接受 REBUILD_ALL、rebuild_all、rebuildAll 等写法
func ParseMode(value string) (Mode, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(value), "_", ""))
	switch normalized {
	case "rebuildall":
		return ModeRebuildAll, nil
	case "fixoutdated":
		return ModeFixOutdated, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRunningOptions, value)
}

// RunningOptions 运行参数
type RunningOptions struct {
	MessagesPerSecond int  `json:"messagesPerSecond"`
	Mode              Mode `json:"mode"`
}

// DefaultRunningOptions 缺省参数，也用于不带 runningOptions 的旧格式任务
func DefaultRunningOptions() RunningOptions {
	return RunningOptions{MessagesPerSecond: DefaultMessagesPerSecond, Mode: ModeRebuildAll}
}

// NewRunningOptions 创建并校验运行参数
func NewRunningOptions(messagesPerSecond int, mode Mode) (RunningOptions, error) {
	opts := RunningOptions{MessagesPerSecond: messagesPerSecond, Mode: mode}
	return opts, opts.Validate()
}

// Validate 校验
func (o RunningOptions) Validate() error {
	if o.MessagesPerSecond <= 0 {
		return fmt.Errorf("%w: messagesPerSecond must be strictly positive, got %d", ErrInvalidRunningOptions, o.MessagesPerSecond)
	}
	if o.Mode != ModeRebuildAll && o.Mode != ModeFixOutdated {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRunningOptions, o.Mode)
	}
	return nil
}

// UnmarshalJSON 解析时校验并规范化模式
func (o *RunningOptions) UnmarshalJSON(data []byte) error {
	var raw struct {
		MessagesPerSecond *int   `json:"messagesPerSecond"`
		Mode              string `json:"mode"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	opts := DefaultRunningOptions()
	if raw.MessagesPerSecond != nil {
		opts.MessagesPerSecond = *raw.MessagesPerSecond
	}
	if raw.Mode != "" {
		mode, err := ParseMode(raw.Mode)
		if err != nil {
			return err
		}
		opts.Mode = mode
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	*o = opts
	return nil
}
