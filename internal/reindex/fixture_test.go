package reindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/storage"
	"mailindex/backend/internal/storage/memory"
	"mailindex/backend/internal/storage/storagetest"
)

var errIndexDown = errors.New("index unavailable")

type call struct {
	op        string
	mailboxID domain.MailboxID
	uid       domain.MessageUID
}

// recordingIndex 记录调用顺序，可指定失败的 UID
type recordingIndex struct {
	mu        sync.Mutex
	calls     []call
	failAdd   map[domain.MessageUID]bool
	failClear map[domain.MailboxID]bool
	onAdd     func(domain.MessageUID)
}

func newRecordingIndex() *recordingIndex {
	return &recordingIndex{
		failAdd:   make(map[domain.MessageUID]bool),
		failClear: make(map[domain.MailboxID]bool),
	}
}

func (r *recordingIndex) Add(_ context.Context, _ domain.MailboxSession, mailbox *domain.Mailbox, msg *domain.MailboxMessage) error {
	r.mu.Lock()
	r.calls = append(r.calls, call{op: "add", mailboxID: mailbox.ID, uid: msg.UID})
	fail := r.failAdd[msg.UID]
	hook := r.onAdd
	r.mu.Unlock()

	if hook != nil {
		hook(msg.UID)
	}
	if fail {
		return errIndexDown
	}
	return nil
}

func (r *recordingIndex) DeleteAll(_ context.Context, _ domain.MailboxSession, mailbox *domain.Mailbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{op: "deleteAll", mailboxID: mailbox.ID})
	if r.failClear[mailbox.ID] {
		return errIndexDown
	}
	return nil
}

func (r *recordingIndex) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recordingIndex) count(op string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.op == op {
			n++
		}
	}
	return n
}

// brokenStore 指定文件夹的邮件枚举失败
type brokenStore struct {
	storage.Store
	brokenList map[domain.MailboxID]bool
}

func (b *brokenStore) ListMessages(ctx context.Context, id domain.MailboxID, visit storage.MessageVisitor) error {
	if b.brokenList[id] {
		return errors.New("storage unreachable")
	}
	return b.Store.ListMessages(ctx, id, visit)
}

type fixture struct {
	store *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore(storagetest.NewFactory(t))
	t.Cleanup(func() { store.Close() })
	return &fixture{store: store}
}

func (f *fixture) mailbox(t *testing.T, user domain.Username, name string) *domain.Mailbox {
	t.Helper()
	mailbox, err := f.store.CreateMailbox(context.Background(), domain.NewMailboxPath(user, name))
	require.NoError(t, err)
	return mailbox
}

// fill 追加 n 封邮件，UID 从 1 开始
func (f *fixture) fill(t *testing.T, mailbox *domain.Mailbox, n int) []*domain.MailboxMessage {
	t.Helper()
	out := make([]*domain.MailboxMessage, 0, n)
	for i := 1; i <= n; i++ {
		raw := fmt.Sprintf("Subject: message %d\r\nFrom: alice@example.com\r\n\r\nbody %d\r\n", i, i)
		msg, err := f.store.AppendMessage(context.Background(), mailbox.ID, strings.NewReader(raw), nil, time.Now())
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func fastOptions() RunningOptions {
	return RunningOptions{MessagesPerSecond: 1000, Mode: ModeRebuildAll}
}
