package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"mailindex/backend/internal/domain"
)

var (
	// ErrMailboxNotFound 邮箱文件夹不存在
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMessageNotFound 邮件不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrMailboxExists 同一路径的文件夹已存在
	ErrMailboxExists = errors.New("mailbox already exists")
)

// MessageVisitor 枚举邮件时的回调，返回错误会中止枚举并原样返回。
type MessageVisitor func(domain.MessageMetadata) error

// MailboxRepository 定义邮箱文件夹存取操作。
type MailboxRepository interface {
	CreateMailbox(ctx context.Context, path domain.MailboxPath) (*domain.Mailbox, error)
	GetMailbox(ctx context.Context, id domain.MailboxID) (*domain.Mailbox, error)
	FindMailboxByPath(ctx context.Context, path domain.MailboxPath) (*domain.Mailbox, error)
	ListMailboxes(ctx context.Context) ([]domain.Mailbox, error)
	ListUserMailboxes(ctx context.Context, user domain.Username) ([]domain.Mailbox, error)
	DeleteMailbox(ctx context.Context, id domain.MailboxID) error
}

// MessageRepository 定义邮件存取操作。
type MessageRepository interface {
	AppendMessage(ctx context.Context, mailboxID domain.MailboxID, content io.Reader, flags domain.Flags, internalDate time.Time) (*domain.MailboxMessage, error)
	CopyMessage(ctx context.Context, from domain.MailboxID, uid domain.MessageUID, to domain.MailboxID) (*domain.MailboxMessage, error)
	// ListMessages 按 UID 升序枚举元数据
	ListMessages(ctx context.Context, mailboxID domain.MailboxID, visit MessageVisitor) error
	GetMessage(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (*domain.MailboxMessage, error)
	// GetMessagesByID 返回该邮件在所有文件夹中的实例，不存在时返回空切片
	GetMessagesByID(ctx context.Context, id domain.MessageID) ([]*domain.MailboxMessage, error)
	SetFlags(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID, flags domain.Flags) (*domain.MessageMetadata, error)
	DeleteMessage(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error
}

// Store 聚合所有存储能力。
type Store interface {
	MailboxRepository
	MessageRepository
	Health(ctx context.Context) error
	Close() error
}
