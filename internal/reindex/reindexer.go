package reindex

import (
	"context"
	"fmt"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/task"
)

// ReIndexer 把重建请求映射为对应的任务
//
// 指定了文件夹的请求会先确认文件夹存在，不存在时返回 storage.ErrMailboxNotFound。
// 返回的任务尚未提交，由调用方交给任务管理器。
type ReIndexer struct {
	performer *Performer
	store     MailboxStore
	previous  *PreviousReIndexingService
}

// NewReIndexer 创建门面，previous 为 nil 时不支持按历史任务重试
func NewReIndexer(p *Performer, store MailboxStore, previous *PreviousReIndexingService) *ReIndexer {
	return &ReIndexer{performer: p, store: store, previous: previous}
}

// Performer 底层执行器
func (r *ReIndexer) Performer() *Performer { return r.performer }

// ReIndex 重建所有文件夹
func (r *ReIndexer) ReIndex(opts RunningOptions) (*ReIndexingTask, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return NewFullReindexingTask(r.performer, opts), nil
}

// ReIndexUser 重建用户的所有文件夹
func (r *ReIndexer) ReIndexUser(user domain.Username, opts RunningOptions) (*ReIndexingTask, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return NewUserReindexingTask(r.performer, user, opts), nil
}

// ReIndexMailboxPath 按路径重建单个文件夹
func (r *ReIndexer) ReIndexMailboxPath(ctx context.Context, path domain.MailboxPath, opts RunningOptions) (*ReIndexingTask, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	mailbox, err := r.store.FindMailboxByPath(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("mailbox %s: %w", path, err)
	}
	return NewMailboxReindexingTask(r.performer, mailbox.ID, opts), nil
}

// ReIndexMailbox 按 ID 重建单个文件夹
func (r *ReIndexer) ReIndexMailbox(ctx context.Context, id domain.MailboxID, opts RunningOptions) (*ReIndexingTask, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if _, err := r.store.GetMailbox(ctx, id); err != nil {
		return nil, fmt.Errorf("mailbox %s: %w", id, err)
	}
	return NewMailboxReindexingTask(r.performer, id, opts), nil
}

// ReIndexMessage 重建单封邮件
func (r *ReIndexer) ReIndexMessage(ctx context.Context, id domain.MailboxID, uid domain.MessageUID) (*ReIndexingTask, error) {
	if _, err := r.store.GetMailbox(ctx, id); err != nil {
		return nil, fmt.Errorf("mailbox %s: %w", id, err)
	}
	return NewMessageReindexingTask(r.performer, id, uid), nil
}

// ReIndexMessageID 按邮件 ID 重建
func (r *ReIndexer) ReIndexMessageID(id domain.MessageID) *ReIndexingTask {
	return NewMessageIDReindexingTask(r.performer, id)
}

// ReIndexFailures 重试给定的失败
func (r *ReIndexer) ReIndexFailures(previous Failures, opts RunningOptions) (*ReIndexingTask, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return NewErrorRecoveryTask(r.performer, previous, opts), nil
}

// ReIndexPreviousFailures 合并若干历史任务的失败并重试
func (r *ReIndexer) ReIndexPreviousFailures(ctx context.Context, opts RunningOptions, ids ...task.ID) (*ReIndexingTask, error) {
	if r.previous == nil {
		return nil, fmt.Errorf("%w: previous task lookup unavailable", ErrNotReIndexingTask)
	}
	failures, err := r.previous.Failures(ctx, ids...)
	if err != nil {
		return nil, err
	}
	return r.ReIndexFailures(failures, opts)
}
