package reindex

import (
	"sync"
	"sync/atomic"

	"mailindex/backend/internal/domain"
)

// Context 一次运行的进度：两个原子计数器和失败集合
//
// 可以在运行期间被并发读取，Snapshot 返回的值不会被后续更新修改。
// failed 只在持有 mu 时修改，使其与失败集合保持一致。
type Context struct {
	successes atomic.Int64
	failed    atomic.Int64

	mu       sync.Mutex
	failures *failuresBuilder
}

// Progress 进度快照
type Progress struct {
	Successes int64
	Failed    int64
	Failures  Failures
}

// NewContext 创建空进度
func NewContext() *Context {
	return &Context{failures: newFailuresBuilder()}
}

// RecordSuccess 记录一封成功
func (c *Context) RecordSuccess() {
	c.successes.Add(1)
}

// RecordFailure 记录一封失败
func (c *Context) RecordFailure(mailboxID domain.MailboxID, uid domain.MessageUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures.addMessage(mailboxID, uid)
	c.failed.Add(1)
}

// RecordMailboxFailure 记录一个文件夹无法处理
func (c *Context) RecordMailboxFailure(mailboxID domain.MailboxID) {
	c.mu.Lock()
	c.failures.addMailbox(mailboxID)
	c.mu.Unlock()
}

// Failures 当前失败集合
func (c *Context) Failures() Failures {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures.build()
}

// Snapshot 当前进度
func (c *Context) Snapshot() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Progress{
		Successes: c.successes.Load(),
		Failed:    c.failed.Load(),
		Failures:  c.failures.build(),
	}
}
