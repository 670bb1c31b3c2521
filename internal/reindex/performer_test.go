package reindex

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/mime"
	"mailindex/backend/internal/search"
	searchbleve "mailindex/backend/internal/search/bleve"
	"mailindex/backend/internal/storage"
	"mailindex/backend/internal/task"
)

func TestReIndexer_MailboxPathWithFailingMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inbox := f.mailbox(t, "bob@example.com", domain.InboxName)
	f.fill(t, inbox, 3)

	idx := newRecordingIndex()
	idx.failAdd[2] = true
	reindexer := NewReIndexer(NewPerformer(f.store, idx, 1, nil, nil), f.store, nil)

	tk, err := reindexer.ReIndexMailboxPath(ctx, domain.InboxPath("bob@example.com"), DefaultRunningOptions())
	require.NoError(t, err)
	assert.Equal(t, MailboxReindexingType, tk.Type())

	result, err := tk.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ResultPartial, result)

	calls := idx.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, call{op: "deleteAll", mailboxID: inbox.ID}, calls[0])
	for i, c := range calls[1:] {
		assert.Equal(t, call{op: "add", mailboxID: inbox.ID, uid: domain.MessageUID(i + 1)}, c)
	}

	data, err := json.Marshal(tk.AdditionalInformation())
	require.NoError(t, err)
	var info map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &info))
	assert.JSONEq(t, `[{"mailboxId":"`+inbox.ID.String()+`","uids":[2]}]`, string(info["messageFailures"]))
	assert.JSONEq(t, `[]`, string(info["mailboxFailures"]))
	assert.JSONEq(t, `2`, string(info["successfullyReprocessedMailCount"]))
	assert.JSONEq(t, `1`, string(info["failedReprocessedMailCount"]))
	assert.JSONEq(t, `"`+inbox.ID.String()+`"`, string(info["mailboxId"]))
	assert.Contains(t, info, "timestamp")
}

func TestPerformer_PartialFailureAccounting(t *testing.T) {
	f := newFixture(t)
	inbox := f.mailbox(t, "bob@example.com", domain.InboxName)
	f.fill(t, inbox, 5)

	idx := newRecordingIndex()
	idx.failAdd[2] = true
	idx.failAdd[4] = true
	rc := NewContext()

	result, err := NewPerformer(f.store, idx, 1, nil, nil).ReIndex(context.Background(), MailboxScope{MailboxID: inbox.ID}, fastOptions(), rc)
	require.NoError(t, err)
	assert.Equal(t, task.ResultPartial, result)

	progress := rc.Snapshot()
	assert.EqualValues(t, 3, progress.Successes)
	assert.EqualValues(t, 2, progress.Failed)
	assert.Equal(t, []Failure{{MailboxID: inbox.ID, UID: 2}, {MailboxID: inbox.ID, UID: 4}}, progress.Failures.MessageFailures())
	assert.Empty(t, progress.Failures.MailboxFailures())
}

func TestPerformer_CompletedWhenNothingFails(t *testing.T) {
	f := newFixture(t)
	inbox := f.mailbox(t, "bob@example.com", domain.InboxName)
	f.fill(t, inbox, 2)
	rc := NewContext()

	result, err := NewPerformer(f.store, newRecordingIndex(), 1, nil, nil).ReIndex(context.Background(), MailboxScope{MailboxID: inbox.ID}, fastOptions(), rc)
	require.NoError(t, err)
	assert.Equal(t, task.ResultCompleted, result)
	assert.EqualValues(t, 2, rc.Snapshot().Successes)
}

func TestPerformer_SingleMessageScopesNeverDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inbox := f.mailbox(t, "bob@example.com", domain.InboxName)
	archive := f.mailbox(t, "bob@example.com", "Archive")
	msgs := f.fill(t, inbox, 2)
	copied, err := f.store.CopyMessage(ctx, inbox.ID, msgs[1].UID, archive.ID)
	require.NoError(t, err)

	idx := newRecordingIndex()
	p := NewPerformer(f.store, idx, 1, nil, nil)

	result, err := p.ReIndex(ctx, MessageScope{MailboxID: inbox.ID, UID: 1}, fastOptions(), NewContext())
	require.NoError(t, err)
	assert.Equal(t, task.ResultCompleted, result)

	result, err = p.ReIndex(ctx, MessageIDScope{MessageID: msgs[1].ID}, fastOptions(), NewContext())
	require.NoError(t, err)
	assert.Equal(t, task.ResultCompleted, result)

	assert.Zero(t, idx.count("deleteAll"))
	assert.ElementsMatch(t, []call{
		{op: "add", mailboxID: inbox.ID, uid: 1},
		{op: "add", mailboxID: inbox.ID, uid: msgs[1].UID},
		{op: "add", mailboxID: archive.ID, uid: copied.UID},
	}, idx.Calls())
}

func TestPerformer_MissingMessageCompletes(t *testing.T) {
	f := newFixture(t)
	inbox := f.mailbox(t, "bob@example.com", domain.InboxName)
	idx := newRecordingIndex()
	rc := NewContext()
	p := NewPerformer(f.store, idx, 1, nil, nil)

	result, err := p.ReIndex(context.Background(), MessageScope{MailboxID: inbox.ID, UID: 42}, fastOptions(), rc)
	require.NoError(t, err)
	assert.Equal(t, task.ResultCompleted, result)

	result, err = p.ReIndex(context.Background(), MessageIDScope{MessageID: domain.NewMessageID()}, fastOptions(), rc)
	require.NoError(t, err)
	assert.Equal(t, task.ResultCompleted, result)

	assert.Equal(t, Progress{Failures: NewFailures(nil, nil)}, rc.Snapshot())
	assert.Empty(t, idx.Calls())
}

func TestPerformer_UnresolvableScopeFails(t *testing.T) {
	f := newFixture(t)
	p := NewPerformer(f.store, newRecordingIndex(), 1, nil, nil)

	_, err := p.ReIndex(context.Background(), MailboxScope{MailboxID: domain.NewMailboxID()}, fastOptions(), NewContext())
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)

	_, err = p.ReIndex(context.Background(), MessageScope{MailboxID: domain.NewMailboxID(), UID: 1}, fastOptions(), NewContext())
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)

	_, err = p.ReIndex(context.Background(), AllMailboxesScope{}, RunningOptions{MessagesPerSecond: 0, Mode: ModeRebuildAll}, NewContext())
	assert.ErrorIs(t, err, ErrInvalidRunningOptions)
}

func TestPerformer_MailboxFailuresDoNotAbortRun(t *testing.T) {
	f := newFixture(t)
	unreadable := f.mailbox(t, "bob@example.com", "Broken")
	uncleanable := f.mailbox(t, "bob@example.com", "Stale")
	healthy := f.mailbox(t, "bob@example.com", domain.InboxName)
	f.fill(t, unreadable, 1)
	f.fill(t, uncleanable, 1)
	f.fill(t, healthy, 2)

	store := &brokenStore{Store: f.store, brokenList: map[domain.MailboxID]bool{unreadable.ID: true}}
	idx := newRecordingIndex()
	idx.failClear[uncleanable.ID] = true
	rc := NewContext()

	result, err := NewPerformer(store, idx, 2, nil, nil).ReIndex(context.Background(), UserScope{User: "bob@example.com"}, fastOptions(), rc)
	require.NoError(t, err)
	assert.Equal(t, task.ResultPartial, result)

	progress := rc.Snapshot()
	assert.EqualValues(t, 2, progress.Successes)
	assert.Zero(t, progress.Failed)
	assert.ElementsMatch(t, []domain.MailboxID{unreadable.ID, uncleanable.ID}, progress.Failures.MailboxFailures())
	for _, c := range idx.Calls() {
		if c.op == "add" {
			assert.Equal(t, healthy.ID, c.mailboxID)
		}
	}
}

func TestPerformer_FullReindexCoversEveryUser(t *testing.T) {
	f := newFixture(t)
	for _, user := range []domain.Username{"alice@example.com", "bob@example.com", "carol@example.com"} {
		f.fill(t, f.mailbox(t, user, domain.InboxName), 2)
		f.fill(t, f.mailbox(t, user, "Sent"), 1)
	}

	idx := newRecordingIndex()
	rc := NewContext()
	result, err := NewPerformer(f.store, idx, 4, nil, nil).ReIndex(context.Background(), AllMailboxesScope{}, fastOptions(), rc)
	require.NoError(t, err)
	assert.Equal(t, task.ResultCompleted, result)
	assert.Equal(t, 6, idx.count("deleteAll"))
	assert.Equal(t, 9, idx.count("add"))
	assert.EqualValues(t, 9, rc.Snapshot().Successes)

	// 同一文件夹内先清空再添加
	seenAdd := make(map[domain.MailboxID]bool)
	for _, c := range idx.Calls() {
		switch c.op {
		case "add":
			seenAdd[c.mailboxID] = true
		case "deleteAll":
			assert.False(t, seenAdd[c.mailboxID])
		}
	}
}

func TestPerformer_CancellationStopsBetweenMessages(t *testing.T) {
	f := newFixture(t)
	inbox := f.mailbox(t, "bob@example.com", domain.InboxName)
	f.fill(t, inbox, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	idx := newRecordingIndex()
	idx.onAdd = func(uid domain.MessageUID) {
		if uid == 2 {
			cancel()
		}
	}
	rc := NewContext()

	result, err := NewPerformer(f.store, idx, 1, nil, nil).ReIndex(ctx, MailboxScope{MailboxID: inbox.ID}, fastOptions(), rc)
	require.NoError(t, err)
	assert.Equal(t, task.ResultPartial, result)
	assert.Equal(t, 2, idx.count("add"))

	progress := rc.Snapshot()
	assert.EqualValues(t, 2, progress.Successes)
	assert.True(t, progress.Failures.Empty())
}

func TestPerformer_ErrorRecovery(t *testing.T) {
	f := newFixture(t)
	whole := f.mailbox(t, "bob@example.com", "Broken")
	partial := f.mailbox(t, "bob@example.com", domain.InboxName)
	f.fill(t, whole, 2)
	f.fill(t, partial, 3)

	previous := NewFailures(
		[]Failure{{MailboxID: partial.ID, UID: 3}, {MailboxID: whole.ID, UID: 1}, {MailboxID: domain.NewMailboxID(), UID: 7}},
		[]domain.MailboxID{whole.ID},
	)
	idx := newRecordingIndex()
	rc := NewContext()

	tk := NewErrorRecoveryTask(NewPerformer(f.store, idx, 1, nil, nil), previous, fastOptions())
	assert.Equal(t, ErrorRecoveryType, tk.Type())
	tk.rc = rc
	result, err := tk.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.ResultCompleted, result)

	assert.Equal(t, []call{
		{op: "deleteAll", mailboxID: whole.ID},
		{op: "add", mailboxID: whole.ID, uid: 1},
		{op: "add", mailboxID: whole.ID, uid: 2},
		{op: "add", mailboxID: partial.ID, uid: 3},
	}, idx.Calls())
	assert.EqualValues(t, 3, rc.Snapshot().Successes)
}

func TestPerformer_RateLimitIsGlobal(t *testing.T) {
	f := newFixture(t)
	f.fill(t, f.mailbox(t, "bob@example.com", domain.InboxName), 3)
	f.fill(t, f.mailbox(t, "bob@example.com", "Sent"), 3)

	started := time.Now()
	_, err := NewPerformer(f.store, newRecordingIndex(), 2, nil, nil).
		ReIndex(context.Background(), AllMailboxesScope{}, RunningOptions{MessagesPerSecond: 20, Mode: ModeRebuildAll}, NewContext())
	require.NoError(t, err)

	// 6 封邮件、突发 1：至少等待 5 个间隔
	assert.GreaterOrEqual(t, time.Since(started), 200*time.Millisecond)
}

// countingIndex 统计 bleve 索引上的写操作
type countingIndex struct {
	*searchbleve.Index
	adds    atomic.Int64
	deletes atomic.Int64
}

func (c *countingIndex) Add(ctx context.Context, s domain.MailboxSession, mailbox *domain.Mailbox, msg *domain.MailboxMessage) error {
	c.adds.Add(1)
	return c.Index.Add(ctx, s, mailbox, msg)
}

func (c *countingIndex) DeleteAll(ctx context.Context, s domain.MailboxSession, mailbox *domain.Mailbox) error {
	c.deletes.Add(1)
	return c.Index.DeleteAll(ctx, s, mailbox)
}

func newCountingIndex(t *testing.T) *countingIndex {
	t.Helper()
	bodies := mime.NewBufferedBodyFactory(mime.BufferOptions{FileThreshold: 1024, TempDir: t.TempDir()})
	idx, err := searchbleve.NewMemoryIndex(search.NewDocumentBuilder(mime.NewMessageParser(bodies, nil), nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return &countingIndex{Index: idx}
}

func TestPerformer_RebuildAllIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inbox := f.mailbox(t, "bob@example.com", domain.InboxName)
	msgs := f.fill(t, inbox, 3)
	idx := newCountingIndex(t)
	p := NewPerformer(f.store, idx, 1, nil, nil)

	// 已删除邮件的残留条目
	ghost := msgs[0].CopyTo(inbox.ID, 99, 1)
	require.NoError(t, idx.Index.Add(ctx, domain.NewSystemSession(inbox.User), inbox, ghost))

	for i := 0; i < 2; i++ {
		result, err := p.ReIndex(ctx, MailboxScope{MailboxID: inbox.ID}, fastOptions(), NewContext())
		require.NoError(t, err)
		assert.Equal(t, task.ResultCompleted, result)

		count, err := idx.Count(ctx, inbox.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 3, count)
	}

	hits, err := idx.Search(ctx, inbox.ID, "", 10)
	require.NoError(t, err)
	uids := make([]domain.MessageUID, 0, len(hits))
	for _, h := range hits {
		uids = append(uids, h.UID)
	}
	assert.ElementsMatch(t, []domain.MessageUID{1, 2, 3}, uids)
}

func TestPerformer_FixOutdatedOnlyAddsStaleMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inbox := f.mailbox(t, "bob@example.com", domain.InboxName)
	f.fill(t, inbox, 3)
	idx := newCountingIndex(t)
	p := NewPerformer(f.store, idx, 1, nil, nil)

	_, err := p.ReIndex(ctx, MailboxScope{MailboxID: inbox.ID}, fastOptions(), NewContext())
	require.NoError(t, err)
	_, err = f.store.SetFlags(ctx, inbox.ID, 2, domain.NewFlags(domain.FlagSeen))
	require.NoError(t, err)
	idx.adds.Store(0)
	idx.deletes.Store(0)

	rc := NewContext()
	result, err := p.ReIndex(ctx, MailboxScope{MailboxID: inbox.ID}, RunningOptions{MessagesPerSecond: 1000, Mode: ModeFixOutdated}, rc)
	require.NoError(t, err)
	assert.Equal(t, task.ResultCompleted, result)
	assert.Zero(t, idx.deletes.Load())
	assert.EqualValues(t, 1, idx.adds.Load())
	assert.EqualValues(t, 3, rc.Snapshot().Successes)

	flags, found, err := idx.RetrieveIndexedFlags(ctx, inbox, 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, flags.Contains(domain.FlagSeen))
}

func TestPerformer_FixOutdatedWithoutFlagsRetrieverRebuilds(t *testing.T) {
	f := newFixture(t)
	inbox := f.mailbox(t, "bob@example.com", domain.InboxName)
	f.fill(t, inbox, 2)
	idx := newRecordingIndex()

	_, err := NewPerformer(f.store, idx, 1, nil, nil).
		ReIndex(context.Background(), MailboxScope{MailboxID: inbox.ID}, RunningOptions{MessagesPerSecond: 1000, Mode: ModeFixOutdated}, NewContext())
	require.NoError(t, err)
	assert.Equal(t, 1, idx.count("deleteAll"))
	assert.Equal(t, 2, idx.count("add"))
}
