package reindex

import (
	"context"
	"time"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/task"
)

// 任务类型
const (
	FullReindexingType      task.Type = "full-reindexing"
	UserReindexingType      task.Type = "user-reindexing"
	MailboxReindexingType   task.Type = "mailbox-reindexing"
	MessageReindexingType   task.Type = "message-reindexing"
	MessageIDReindexingType task.Type = "messageId-reindexing"
	ErrorRecoveryType       task.Type = "error-recovery-indexation"
)

// IsReIndexingType 是否为本包产生的任务类型
func IsReIndexingType(t task.Type) bool {
	switch t {
	case FullReindexingType, UserReindexingType, MailboxReindexingType,
		MessageReindexingType, MessageIDReindexingType, ErrorRecoveryType:
		return true
	}
	return false
}

// ReIndexingTask 绑定一个范围与运行参数的重建任务
type ReIndexingTask struct {
	performer *Performer
	scope     Scope
	opts      RunningOptions
	rc        *Context
}

var _ task.Task = (*ReIndexingTask)(nil)

func newTask(p *Performer, scope Scope, opts RunningOptions) *ReIndexingTask {
	return &ReIndexingTask{performer: p, scope: scope, opts: opts, rc: NewContext()}
}

// NewFullReindexingTask 所有文件夹
func NewFullReindexingTask(p *Performer, opts RunningOptions) *ReIndexingTask {
	return newTask(p, AllMailboxesScope{}, opts)
}

// NewUserReindexingTask 某个用户的所有文件夹
func NewUserReindexingTask(p *Performer, user domain.Username, opts RunningOptions) *ReIndexingTask {
	return newTask(p, UserScope{User: user}, opts)
}

// NewMailboxReindexingTask 单个文件夹
func NewMailboxReindexingTask(p *Performer, mailboxID domain.MailboxID, opts RunningOptions) *ReIndexingTask {
	return newTask(p, MailboxScope{MailboxID: mailboxID}, opts)
}

// NewMessageReindexingTask 单封邮件
func NewMessageReindexingTask(p *Performer, mailboxID domain.MailboxID, uid domain.MessageUID) *ReIndexingTask {
	return newTask(p, MessageScope{MailboxID: mailboxID, UID: uid}, DefaultRunningOptions())
}

// NewMessageIDReindexingTask 按邮件 ID
func NewMessageIDReindexingTask(p *Performer, messageID domain.MessageID) *ReIndexingTask {
	return newTask(p, MessageIDScope{MessageID: messageID}, DefaultRunningOptions())
}

// NewErrorRecoveryTask 重试之前的失败
func NewErrorRecoveryTask(p *Performer, previous Failures, opts RunningOptions) *ReIndexingTask {
	return newTask(p, ErrorRecoveryScope{Failures: previous}, opts)
}

// Type 任务类型由范围决定
func (t *ReIndexingTask) Type() task.Type {
	switch t.scope.(type) {
	case UserScope:
		return UserReindexingType
	case MailboxScope:
		return MailboxReindexingType
	case MessageScope:
		return MessageReindexingType
	case MessageIDScope:
		return MessageIDReindexingType
	case ErrorRecoveryScope:
		return ErrorRecoveryType
	default:
		return FullReindexingType
	}
}

// Scope 任务范围
func (t *ReIndexingTask) Scope() Scope { return t.scope }

// RunningOptions 运行参数
func (t *ReIndexingTask) RunningOptions() RunningOptions { return t.opts }

// Run 执行
func (t *ReIndexingTask) Run(ctx context.Context) (task.Result, error) {
	return t.performer.ReIndex(ctx, t.scope, t.opts, t.rc)
}

// Progress 当前进度
func (t *ReIndexingTask) Progress() Progress {
	return t.rc.Snapshot()
}

// AdditionalInformation 进度快照，每次调用生成新值
func (t *ReIndexingTask) AdditionalInformation() any {
	progress := t.rc.Snapshot()
	opts := t.opts
	info := AdditionalInformation{
		Type:                             t.Type(),
		SuccessfullyReprocessedMailCount: progress.Successes,
		FailedReprocessedMailCount:       progress.Failed,
		Failures:                         progress.Failures,
		Timestamp:                        time.Now().UTC(),
	}
	switch s := t.scope.(type) {
	case AllMailboxesScope, ErrorRecoveryScope:
		info.RunningOptions = &opts
	case UserScope:
		info.Username = s.User
		info.RunningOptions = &opts
	case MailboxScope:
		info.MailboxID = s.MailboxID
		info.RunningOptions = &opts
	case MessageScope:
		info.MailboxID = s.MailboxID
		info.UID = s.UID
	case MessageIDScope:
		info.MessageID = s.MessageID
	}
	return info
}
