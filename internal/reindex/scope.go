package reindex

import (
	"mailindex/backend/internal/domain"
)

// Scope 一次重建所覆盖的文件夹与邮件范围
//
// 取值只能是本包定义的六种范围之一。
type Scope interface {
	isScope()
}

// AllMailboxesScope 所有用户的所有文件夹
type AllMailboxesScope struct{}

// UserScope 某个用户的所有文件夹
type UserScope struct {
	User domain.Username
}

// MailboxScope 单个文件夹
type MailboxScope struct {
	MailboxID domain.MailboxID
}

// MessageScope 单个文件夹中的单封邮件
type MessageScope struct {
	MailboxID domain.MailboxID
	UID       domain.MessageUID
}

// MessageIDScope 按邮件 ID 定位，覆盖该邮件在所有文件夹中的实例
type MessageIDScope struct {
	MessageID domain.MessageID
}

// ErrorRecoveryScope 重试上一次运行记录下的失败
type ErrorRecoveryScope struct {
	Failures Failures
}

func (AllMailboxesScope) isScope()  {}
func (UserScope) isScope()          {}
func (MailboxScope) isScope()       {}
func (MessageScope) isScope()       {}
func (MessageIDScope) isScope()     {}
func (ErrorRecoveryScope) isScope() {}
