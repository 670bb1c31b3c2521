// Package reindex 重建邮箱检索索引
package reindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/logger"
	"mailindex/backend/internal/monitoring"
	"mailindex/backend/internal/search"
	"mailindex/backend/internal/storage"
	"mailindex/backend/internal/task"
)

// MailboxStore 重建索引用到的存储读操作
type MailboxStore interface {
	GetMailbox(ctx context.Context, id domain.MailboxID) (*domain.Mailbox, error)
	FindMailboxByPath(ctx context.Context, path domain.MailboxPath) (*domain.Mailbox, error)
	ListMailboxes(ctx context.Context) ([]domain.Mailbox, error)
	ListUserMailboxes(ctx context.Context, user domain.Username) ([]domain.Mailbox, error)
	ListMessages(ctx context.Context, mailboxID domain.MailboxID, visit storage.MessageVisitor) error
	GetMessage(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (*domain.MailboxMessage, error)
	GetMessagesByID(ctx context.Context, id domain.MessageID) ([]*domain.MailboxMessage, error)
}

var _ MailboxStore = storage.Store(nil)

// Performer 执行重建
//
// 枚举范围内的文件夹与邮件，逐封读取内容写入检索索引。单封邮件或单个文件夹的失败
// 记录到 Context 后继续，不会中止整次运行。
type Performer struct {
	store       MailboxStore
	index       search.Index
	flags       search.FlagsRetriever
	concurrency int
	logger      *zap.Logger
	metrics     *monitoring.Metrics
}

// NewPerformer 创建执行器，concurrency 为同时处理的文件夹数
func NewPerformer(store MailboxStore, index search.Index, concurrency int, log *zap.Logger, metrics *monitoring.Metrics) *Performer {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Performer{
		store:       store,
		index:       index,
		concurrency: concurrency,
		logger:      logger.OrNop(log),
		metrics:     metrics,
	}
	if fr, ok := index.(search.FlagsRetriever); ok {
		p.flags = fr
	}
	return p
}

// run 一次运行的共享状态
type run struct {
	limiter     *rate.Limiter
	rc          *Context
	fixOutdated bool
}

// ReIndex 按范围重建
//
// 范围无法解析（文件夹不存在、无法列出文件夹）时返回错误；否则没有任何失败时返回
// COMPLETED，有失败或被取消时返回 PARTIAL。
func (p *Performer) ReIndex(ctx context.Context, scope Scope, opts RunningOptions, rc *Context) (task.Result, error) {
	if err := opts.Validate(); err != nil {
		return task.ResultPartial, err
	}
	r := &run{
		limiter:     rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), 1),
		rc:          rc,
		fixOutdated: opts.Mode == ModeFixOutdated && p.flags != nil,
	}

	var err error
	switch s := scope.(type) {
	case AllMailboxesScope:
		err = p.reIndexAll(ctx, r)
	case UserScope:
		err = p.reIndexUser(ctx, r, s.User)
	case MailboxScope:
		err = p.reIndexMailboxByID(ctx, r, s.MailboxID)
	case MessageScope:
		err = p.reIndexSingleMessage(ctx, r, s.MailboxID, s.UID)
	case MessageIDScope:
		err = p.reIndexMessageID(ctx, r, s.MessageID)
	case ErrorRecoveryScope:
		err = p.reIndexFailures(ctx, r, s.Failures)
	default:
		err = fmt.Errorf("unsupported reindexing scope %T", scope)
	}
	if err != nil {
		return task.ResultPartial, err
	}

	if ctx.Err() != nil || !rc.Failures().Empty() {
		return task.ResultPartial, nil
	}
	return task.ResultCompleted, nil
}

func (p *Performer) reIndexAll(ctx context.Context, r *run) error {
	mailboxes, err := p.store.ListMailboxes(ctx)
	if err != nil {
		return fmt.Errorf("list mailboxes: %w", err)
	}
	p.reIndexMailboxes(ctx, r, mailboxes)
	return nil
}

func (p *Performer) reIndexUser(ctx context.Context, r *run, user domain.Username) error {
	mailboxes, err := p.store.ListUserMailboxes(ctx, user)
	if err != nil {
		return fmt.Errorf("list mailboxes of %s: %w", user, err)
	}
	p.reIndexMailboxes(ctx, r, mailboxes)
	return nil
}

func (p *Performer) reIndexMailboxByID(ctx context.Context, r *run, id domain.MailboxID) error {
	mailbox, err := p.store.GetMailbox(ctx, id)
	if err != nil {
		return fmt.Errorf("mailbox %s: %w", id, err)
	}
	p.reIndexMailbox(ctx, r, mailbox)
	return nil
}

// reIndexMailboxes 并发处理多个文件夹，并发度受 concurrency 限制
func (p *Performer) reIndexMailboxes(ctx context.Context, r *run, mailboxes []domain.Mailbox) {
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i := range mailboxes {
		if ctx.Err() != nil {
			break
		}
		mailbox := &mailboxes[i]
		g.Go(func() error {
			p.reIndexMailbox(ctx, r, mailbox)
			return nil
		})
	}
	_ = g.Wait()
}

// reIndexMailbox 先清空文件夹的索引条目，再逐封添加
func (p *Performer) reIndexMailbox(ctx context.Context, r *run, mailbox *domain.Mailbox) {
	if ctx.Err() != nil {
		return
	}
	log := p.logger.With(zap.String("mailbox_id", mailbox.ID.String()))
	session := domain.NewSystemSession(mailbox.User)

	if !r.fixOutdated {
		if err := p.index.DeleteAll(context.WithoutCancel(ctx), session, mailbox); err != nil {
			p.mailboxFailed(log, r, mailbox.ID, "delete index entries", err)
			return
		}
	}

	err := p.store.ListMessages(ctx, mailbox.ID, func(md domain.MessageMetadata) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if r.fixOutdated && p.upToDate(ctx, log, mailbox, md) {
			r.rc.RecordSuccess()
			p.metrics.RecordReindexedMessage(monitoring.OutcomeSkipped, 0)
			return nil
		}
		p.reIndexMessage(ctx, r, session, mailbox, md.UID)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		p.mailboxFailed(log, r, mailbox.ID, "enumerate messages", err)
	}
}

// upToDate 索引中已有该邮件且标记一致
func (p *Performer) upToDate(ctx context.Context, log *zap.Logger, mailbox *domain.Mailbox, md domain.MessageMetadata) bool {
	flags, found, err := p.flags.RetrieveIndexedFlags(context.WithoutCancel(ctx), mailbox, md.UID)
	if err != nil {
		log.Debug("Failed to read indexed flags", zap.Uint32("uid", uint32(md.UID)), zap.Error(err))
		return false
	}
	return found && flags.Equal(md.Flags)
}

func (p *Performer) mailboxFailed(log *zap.Logger, r *run, id domain.MailboxID, op string, err error) {
	log.Error("Mailbox reindexing failed", zap.String("op", op), zap.Error(err))
	r.rc.RecordMailboxFailure(id)
	p.metrics.RecordMailboxFailure()
}

// reIndexMessage 读取并添加一封邮件；邮件已被删除时跳过
//
// 已开始处理的邮件不受取消影响。
func (p *Performer) reIndexMessage(ctx context.Context, r *run, session domain.MailboxSession, mailbox *domain.Mailbox, uid domain.MessageUID) {
	ctx = context.WithoutCancel(ctx)
	started := time.Now()

	msg, err := p.store.GetMessage(ctx, mailbox.ID, uid)
	if errors.Is(err, storage.ErrMessageNotFound) {
		p.logger.Debug("Message vanished before reindexing",
			zap.String("mailbox_id", mailbox.ID.String()), zap.Uint32("uid", uint32(uid)))
		p.metrics.RecordReindexedMessage(monitoring.OutcomeSkipped, time.Since(started))
		return
	}
	if err == nil {
		err = p.index.Add(ctx, session, mailbox, msg)
	}
	if err != nil {
		p.logger.Warn("Message reindexing failed",
			zap.String("mailbox_id", mailbox.ID.String()), zap.Uint32("uid", uint32(uid)), zap.Error(err))
		r.rc.RecordFailure(mailbox.ID, uid)
		p.metrics.RecordReindexedMessage(monitoring.OutcomeFailure, time.Since(started))
		return
	}
	r.rc.RecordSuccess()
	p.metrics.RecordReindexedMessage(monitoring.OutcomeSuccess, time.Since(started))
}

// reIndexSingleMessage 只添加，不清空文件夹
func (p *Performer) reIndexSingleMessage(ctx context.Context, r *run, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	mailbox, err := p.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return fmt.Errorf("mailbox %s: %w", mailboxID, err)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil
	}
	p.reIndexMessage(ctx, r, domain.NewSystemSession(mailbox.User), mailbox, uid)
	return nil
}

// reIndexMessageID 添加该邮件在每个文件夹中的实例
func (p *Performer) reIndexMessageID(ctx context.Context, r *run, id domain.MessageID) error {
	instances, err := p.store.GetMessagesByID(ctx, id)
	if err != nil {
		return fmt.Errorf("message %s: %w", id, err)
	}
	for _, instance := range instances {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}
		mailbox, err := p.store.GetMailbox(ctx, instance.MailboxID)
		if errors.Is(err, storage.ErrMailboxNotFound) {
			continue
		}
		if err != nil {
			p.logger.Warn("Message reindexing failed",
				zap.String("mailbox_id", instance.MailboxID.String()), zap.Uint32("uid", uint32(instance.UID)), zap.Error(err))
			r.rc.RecordFailure(instance.MailboxID, instance.UID)
			p.metrics.RecordReindexedMessage(monitoring.OutcomeFailure, 0)
			continue
		}
		p.reIndexMessage(ctx, r, domain.NewSystemSession(mailbox.User), mailbox, instance.UID)
	}
	return nil
}

// reIndexFailures 文件夹级失败整体重建，其余失败逐封添加
func (p *Performer) reIndexFailures(ctx context.Context, r *run, failures Failures) error {
	whole := make(map[domain.MailboxID]bool)
	mailboxes := make([]domain.Mailbox, 0)
	for _, id := range failures.MailboxFailures() {
		whole[id] = true
		mailbox, ok := p.resolveFailedMailbox(ctx, r, id, nil)
		if ok {
			mailboxes = append(mailboxes, *mailbox)
		}
	}
	p.reIndexMailboxes(ctx, r, mailboxes)

	for _, id := range failures.FailedMailboxIDs() {
		if whole[id] || ctx.Err() != nil {
			continue
		}
		uids := failures.UIDs(id)
		mailbox, ok := p.resolveFailedMailbox(ctx, r, id, uids)
		if !ok {
			continue
		}
		session := domain.NewSystemSession(mailbox.User)
		for _, uid := range uids {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil
			}
			p.reIndexMessage(ctx, r, session, mailbox, uid)
		}
	}
	return nil
}

// resolveFailedMailbox 已删除的文件夹跳过；读取出错时重新记为失败
func (p *Performer) resolveFailedMailbox(ctx context.Context, r *run, id domain.MailboxID, uids []domain.MessageUID) (*domain.Mailbox, bool) {
	mailbox, err := p.store.GetMailbox(ctx, id)
	if errors.Is(err, storage.ErrMailboxNotFound) {
		p.logger.Info("Skipping deleted mailbox", zap.String("mailbox_id", id.String()))
		return nil, false
	}
	if err != nil {
		log := p.logger.With(zap.String("mailbox_id", id.String()))
		if uids == nil {
			p.mailboxFailed(log, r, id, "get mailbox", err)
			return nil, false
		}
		log.Warn("Message reindexing failed", zap.Error(err))
		for _, uid := range uids {
			r.rc.RecordFailure(id, uid)
			p.metrics.RecordReindexedMessage(monitoring.OutcomeFailure, 0)
		}
		return nil, false
	}
	return mailbox, true
}
