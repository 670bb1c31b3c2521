package domain

import (
	"errors"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidUsername    = errors.New("invalid username format")
	ErrUsernameTooLong    = errors.New("username too long")
	ErrInvalidMailboxName = errors.New("invalid mailbox name")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxUsernameLength    = 254
	MaxLocalPartLength   = 64
	MaxMailboxNameLength = 255

	// MailboxPathDelimiter 层级文件夹分隔符
	MailboxPathDelimiter = "."
)

var (
	// 本地部分允许的字符
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9!#$%&'*+/=?^_{|}~.-]+$`)

	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
)

// Username 邮件用户名，可以是裸本地部分（"bob"）或完整地址（"bob@domain.tld"）。
type Username string

// ParseUsername 校验并规范化用户名（小写、去空白）。
func ParseUsername(value string) (Username, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "", ErrInvalidUsername
	}
	if len(value) > MaxUsernameLength {
		return "", ErrUsernameTooLong
	}

	parts := strings.Split(value, "@")
	switch len(parts) {
	case 1:
		if !validLocalPart(parts[0]) {
			return "", ErrInvalidUsername
		}
	case 2:
		if !validLocalPart(parts[0]) || !domainRegex.MatchString(parts[1]) {
			return "", ErrInvalidUsername
		}
	default:
		return "", ErrInvalidUsername
	}

	return Username(value), nil
}

func (u Username) String() string { return string(u) }

func validLocalPart(local string) bool {
	if local == "" || len(local) > MaxLocalPartLength {
		return false
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return false
	}
	return localPartRegex.MatchString(local)
}

// ValidateMailboxName 校验文件夹名称
func ValidateMailboxName(name string) error {
	if strings.TrimSpace(name) == "" || len(name) > MaxMailboxNameLength {
		return ErrInvalidMailboxName
	}
	for _, segment := range strings.Split(name, MailboxPathDelimiter) {
		if segment == "" {
			return ErrInvalidMailboxName
		}
	}
	if strings.ContainsAny(name, "\r\n\x00") {
		return ErrInvalidMailboxName
	}
	return nil
}
