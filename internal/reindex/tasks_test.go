package reindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/task"
)

func TestReIndexingTask_ThroughManager(t *testing.T) {
	f := newFixture(t)
	inbox := f.mailbox(t, "bob@example.com", domain.InboxName)
	f.fill(t, inbox, 3)
	idx := newRecordingIndex()
	idx.failAdd[3] = true

	manager := task.NewManager(task.NewMemoryStore(), task.Options{Workers: 2, QueueSize: 4, ProgressInterval: 5 * time.Millisecond}, nil, nil)
	manager.Start()
	t.Cleanup(manager.Stop)

	p := NewPerformer(f.store, idx, 1, nil, nil)
	id, err := manager.Submit(context.Background(), NewUserReindexingTask(p, "bob@example.com", fastOptions()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	details, err := manager.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPartial, details.Status)
	assert.Equal(t, UserReindexingType, details.Type)

	info, err := DecodeAdditionalInformation(details.AdditionalInformation)
	require.NoError(t, err)
	assert.Equal(t, domain.Username("bob@example.com"), info.Username)
	assert.EqualValues(t, 2, info.SuccessfullyReprocessedMailCount)
	assert.EqualValues(t, 1, info.FailedReprocessedMailCount)
	assert.Equal(t, []Failure{{MailboxID: inbox.ID, UID: 3}}, info.Failures.MessageFailures())
	require.NotNil(t, info.RunningOptions)
	assert.Equal(t, fastOptions(), *info.RunningOptions)

	// 失败列表可以直接交给重试任务
	retry, err := manager.Submit(context.Background(), NewErrorRecoveryTask(p, info.Failures, fastOptions()))
	require.NoError(t, err)
	details, err = manager.Await(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPartial, details.Status)
}

func TestReIndexingTask_FailedScope(t *testing.T) {
	f := newFixture(t)
	manager := task.NewManager(task.NewMemoryStore(), task.Options{Workers: 1, QueueSize: 1}, nil, nil)
	manager.Start()
	t.Cleanup(manager.Stop)

	p := NewPerformer(f.store, newRecordingIndex(), 1, nil, nil)
	id, err := manager.Submit(context.Background(), NewMailboxReindexingTask(p, domain.NewMailboxID(), fastOptions()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	details, err := manager.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, details.Status)
	assert.Contains(t, details.Error, "mailbox not found")
}

func TestReIndexingTask_AdditionalInformationFields(t *testing.T) {
	info := NewMessageReindexingTask(nil, mailboxA, 7).AdditionalInformation().(AdditionalInformation)
	assert.Equal(t, domain.MailboxID(mailboxA), info.MailboxID)
	assert.Equal(t, domain.MessageUID(7), info.UID)
	assert.Nil(t, info.RunningOptions)

	info = NewMessageIDReindexingTask(nil, message1).AdditionalInformation().(AdditionalInformation)
	assert.Equal(t, domain.MessageID(message1), info.MessageID)
	assert.False(t, info.Timestamp.IsZero())
}
