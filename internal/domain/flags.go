package domain

import (
	"sort"
	"strings"
)

// IMAP 系统标记
const (
	FlagAnswered = `\Answered`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagFlagged  = `\Flagged`
	FlagRecent   = `\Recent`
	FlagSeen     = `\Seen`
)

var systemFlags = map[string]string{
	`\answered`: FlagAnswered,
	`\deleted`:  FlagDeleted,
	`\draft`:    FlagDraft,
	`\flagged`:  FlagFlagged,
	`\recent`:   FlagRecent,
	`\seen`:     FlagSeen,
}

// Flags 邮件标记集合，始终保持去重且有序，可直接比较。
type Flags []string

// NewFlags 规范化标记：系统标记统一大小写，用户标记保留原样，排序去重。
func NewFlags(values ...string) Flags {
	seen := make(map[string]struct{}, len(values))
	flags := make(Flags, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if canonical, ok := systemFlags[strings.ToLower(v)]; ok {
			v = canonical
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		flags = append(flags, v)
	}
	sort.Strings(flags)
	return flags
}

// ParseFlags 解析空格分隔的标记字符串
func ParseFlags(value string) Flags {
	return NewFlags(strings.Fields(value)...)
}

// Contains 是否包含指定标记
func (f Flags) Contains(flag string) bool {
	if canonical, ok := systemFlags[strings.ToLower(flag)]; ok {
		flag = canonical
	}
	for _, v := range f {
		if v == flag {
			return true
		}
	}
	return false
}

// Equal 两个集合是否完全一致
func (f Flags) Equal(other Flags) bool {
	a, b := NewFlags(f...), NewFlags(other...)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (f Flags) String() string {
	return strings.Join(NewFlags(f...), " ")
}
