package reindex

import (
	"sort"

	"mailindex/backend/internal/domain"
)

// Failure 一封未能重建索引的邮件
type Failure struct {
	MailboxID domain.MailboxID
	UID       domain.MessageUID
}

// Failures 一次运行记录下的失败集合，不可变
//
// 邮件级失败按文件夹分组，UID 升序去重；文件夹级失败表示整个文件夹无法枚举。
type Failures struct {
	messages  map[domain.MailboxID][]domain.MessageUID
	mailboxes []domain.MailboxID
}

// NewFailures 由邮件级和文件夹级失败构造
func NewFailures(messages []Failure, mailboxes []domain.MailboxID) Failures {
	b := newFailuresBuilder()
	for _, f := range messages {
		b.addMessage(f.MailboxID, f.UID)
	}
	for _, id := range mailboxes {
		b.addMailbox(id)
	}
	return b.build()
}

// Empty 是否没有任何失败
func (f Failures) Empty() bool {
	return len(f.messages) == 0 && len(f.mailboxes) == 0
}

// MessageFailures 邮件级失败，按文件夹 ID、UID 升序
func (f Failures) MessageFailures() []Failure {
	out := make([]Failure, 0)
	for _, id := range f.FailedMailboxIDs() {
		for _, uid := range f.messages[id] {
			out = append(out, Failure{MailboxID: id, UID: uid})
		}
	}
	return out
}

// FailedMailboxIDs 存在邮件级失败的文件夹，升序
func (f Failures) FailedMailboxIDs() []domain.MailboxID {
	ids := make([]domain.MailboxID, 0, len(f.messages))
	for id := range f.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// UIDs 某个文件夹内失败的 UID
func (f Failures) UIDs(mailboxID domain.MailboxID) []domain.MessageUID {
	return append([]domain.MessageUID(nil), f.messages[mailboxID]...)
}

// MailboxFailures 文件夹级失败，升序
func (f Failures) MailboxFailures() []domain.MailboxID {
	return append([]domain.MailboxID(nil), f.mailboxes...)
}

// MessageCount 邮件级失败总数
func (f Failures) MessageCount() int {
	n := 0
	for _, uids := range f.messages {
		n += len(uids)
	}
	return n
}

// Merge 求并集
func (f Failures) Merge(other Failures) Failures {
	b := newFailuresBuilder()
	b.merge(f)
	b.merge(other)
	return b.build()
}

type failuresBuilder struct {
	messages  map[domain.MailboxID]map[domain.MessageUID]struct{}
	mailboxes map[domain.MailboxID]struct{}
}

func newFailuresBuilder() *failuresBuilder {
	return &failuresBuilder{
		messages:  make(map[domain.MailboxID]map[domain.MessageUID]struct{}),
		mailboxes: make(map[domain.MailboxID]struct{}),
	}
}

func (b *failuresBuilder) addMessage(mailboxID domain.MailboxID, uid domain.MessageUID) {
	uids, ok := b.messages[mailboxID]
	if !ok {
		uids = make(map[domain.MessageUID]struct{})
		b.messages[mailboxID] = uids
	}
	uids[uid] = struct{}{}
}

func (b *failuresBuilder) addMailbox(id domain.MailboxID) {
	b.mailboxes[id] = struct{}{}
}

func (b *failuresBuilder) merge(f Failures) {
	for id, uids := range f.messages {
		for _, uid := range uids {
			b.addMessage(id, uid)
		}
	}
	for _, id := range f.mailboxes {
		b.addMailbox(id)
	}
}

func (b *failuresBuilder) build() Failures {
	out := Failures{messages: make(map[domain.MailboxID][]domain.MessageUID, len(b.messages))}
	for id, set := range b.messages {
		uids := make([]domain.MessageUID, 0, len(set))
		for uid := range set {
			uids = append(uids, uid)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		out.messages[id] = uids
	}
	out.mailboxes = make([]domain.MailboxID, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		out.mailboxes = append(out.mailboxes, id)
	}
	sort.Slice(out.mailboxes, func(i, j int) bool { return out.mailboxes[i] < out.mailboxes[j] })
	return out
}
