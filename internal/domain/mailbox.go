package domain

import (
	"fmt"
	"strings"
	"time"
)

// 命名空间
const (
	PrivateNamespace = "#private"
	InboxName        = "INBOX"
)

// MailboxPath 邮箱文件夹的逻辑路径（命名空间 + 所属用户 + 名称）。
type MailboxPath struct {
	Namespace string   `json:"namespace"`
	User      Username `json:"user"`
	Name      string   `json:"name"`
}

// NewMailboxPath 创建私有命名空间下的路径
func NewMailboxPath(user Username, name string) MailboxPath {
	return MailboxPath{Namespace: PrivateNamespace, User: user, Name: name}
}

// InboxPath 返回用户的收件箱路径
func InboxPath(user Username) MailboxPath {
	return NewMailboxPath(user, InboxName)
}

// IsInbox 路径是否指向收件箱（大小写不敏感）
func (p MailboxPath) IsInbox() bool {
	return strings.EqualFold(p.Name, InboxName)
}

func (p MailboxPath) String() string {
	return fmt.Sprintf("%s:%s:%s", p.Namespace, p.User, p.Name)
}

// Mailbox 邮箱文件夹描述符。
type Mailbox struct {
	ID          MailboxID `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Namespace   string    `json:"namespace" gorm:"type:varchar(64);uniqueIndex:idx_mailbox_path"`
	User        Username  `json:"user" gorm:"type:varchar(255);uniqueIndex:idx_mailbox_path;index"`
	Name        string    `json:"name" gorm:"type:varchar(255);uniqueIndex:idx_mailbox_path"`
	UIDValidity uint32    `json:"uidValidity"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewMailbox 为路径创建一个新的文件夹描述符
func NewMailbox(path MailboxPath) *Mailbox {
	return &Mailbox{
		ID:          NewMailboxID(),
		Namespace:   path.Namespace,
		User:        path.User,
		Name:        path.Name,
		UIDValidity: uint32(time.Now().Unix()),
		CreatedAt:   time.Now(),
	}
}

// Path 返回文件夹路径
func (m *Mailbox) Path() MailboxPath {
	return MailboxPath{Namespace: m.Namespace, User: m.User, Name: m.Name}
}

// SessionType 会话类型
type SessionType string

const (
	SessionSystem SessionType = "system"
	SessionUser   SessionType = "user"
)

// MailboxSession 调用存储与索引时携带的身份上下文。
type MailboxSession struct {
	User Username
	Type SessionType
}

// NewSystemSession 后台任务代表用户执行操作时使用的系统会话
func NewSystemSession(user Username) MailboxSession {
	return MailboxSession{User: user, Type: SessionSystem}
}
