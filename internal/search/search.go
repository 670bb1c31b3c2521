// Package search 定义重建索引所依赖的检索索引接口，以及索引文档的构建。
package search

import (
	"context"

	"mailindex/backend/internal/domain"
)

// Index 检索索引
//
// 实现需支持多个重建任务并发调用。
type Index interface {
	// Add 添加或覆盖一封邮件的索引条目
	Add(ctx context.Context, session domain.MailboxSession, mailbox *domain.Mailbox, message *domain.MailboxMessage) error
	// DeleteAll 删除文件夹下的全部索引条目
	DeleteAll(ctx context.Context, session domain.MailboxSession, mailbox *domain.Mailbox) error
}

// FlagsRetriever 可读取已索引标记的索引，用于只修复过期条目的重建模式
type FlagsRetriever interface {
	// RetrieveIndexedFlags 返回已索引的标记；条目不存在时 found 为 false
	RetrieveIndexedFlags(ctx context.Context, mailbox *domain.Mailbox, uid domain.MessageUID) (flags domain.Flags, found bool, err error)
}
