package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// 标识符解析错误
var (
	ErrInvalidMailboxID = errors.New("invalid mailbox id")
	ErrInvalidMessageID = errors.New("invalid message id")
	ErrInvalidUID       = errors.New("invalid message uid")
)

// MailboxID 邮箱文件夹的全局唯一标识（UUID 字符串）。
type MailboxID string

// NewMailboxID 生成新的邮箱文件夹 ID
func NewMailboxID() MailboxID {
	return MailboxID(uuid.NewString())
}

// ParseMailboxID 解析并规范化邮箱文件夹 ID
func ParseMailboxID(value string) (MailboxID, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidMailboxID, value)
	}
	return MailboxID(id.String()), nil
}

func (id MailboxID) String() string { return string(id) }

// MessageID 跨邮箱文件夹的邮件内容标识，同一封邮件复制到多个文件夹时共享。
type MessageID string

// NewMessageID 生成新的邮件 ID
func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

// ParseMessageID 解析并规范化邮件 ID
func ParseMessageID(value string) (MessageID, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidMessageID, value)
	}
	return MessageID(id.String()), nil
}

func (id MessageID) String() string { return string(id) }

// MessageUID 邮箱文件夹内单调分配的邮件编号，从 1 开始。
type MessageUID uint32

// ParseMessageUID 解析十进制 UID
func ParseMessageUID(value string) (MessageUID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUID, value)
	}
	return MessageUID(n), nil
}

func (uid MessageUID) String() string { return strconv.FormatUint(uint64(uid), 10) }

// ModSeq 邮箱文件夹级别的修改序列号，任何邮件状态变化都会递增。
type ModSeq uint64
