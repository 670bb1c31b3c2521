// Package storagetest 提供各存储实现共用的行为测试。
package storagetest

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/mime"
	"mailindex/backend/internal/storage"
)

// SampleMessage 一封带附件的测试邮件
const SampleMessage = "Subject: suite\r\n" +
	"From: alice@example.com\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hello\r\n" +
	"--b1\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"doc.pdf\"\r\n" +
	"\r\n" +
	"%PDF\r\n" +
	"--b1--\r\n"

// NewFactory 测试用邮件工厂
func NewFactory(t *testing.T) *storage.MessageFactory {
	t.Helper()
	bodies := mime.NewBufferedBodyFactory(mime.BufferOptions{FileThreshold: 1024, TempDir: t.TempDir()})
	return storage.NewMessageFactory(bodies, mime.NewMessageParser(bodies, nil))
}

// Run 对 newStore 返回的空存储执行完整的行为测试
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("文件夹创建与查询", func(t *testing.T) {
		testMailboxes(t, newStore(t))
	})
	t.Run("邮件写入与枚举", func(t *testing.T) {
		testMessages(t, newStore(t))
	})
	t.Run("复制共享内容", func(t *testing.T) {
		testCopy(t, newStore(t))
	})
	t.Run("标记与删除", func(t *testing.T) {
		testFlagsAndDelete(t, newStore(t))
	})
}

func testMailboxes(t *testing.T, store storage.Store) {
	ctx := context.Background()
	defer store.Close()

	inbox, err := store.CreateMailbox(ctx, domain.InboxPath("bob@example.com"))
	require.NoError(t, err)
	archive, err := store.CreateMailbox(ctx, domain.NewMailboxPath("bob@example.com", "Archive"))
	require.NoError(t, err)
	_, err = store.CreateMailbox(ctx, domain.InboxPath("carol@example.com"))
	require.NoError(t, err)

	_, err = store.CreateMailbox(ctx, domain.InboxPath("bob@example.com"))
	assert.ErrorIs(t, err, storage.ErrMailboxExists)

	got, err := store.GetMailbox(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, inbox.Path(), got.Path())

	found, err := store.FindMailboxByPath(ctx, archive.Path())
	require.NoError(t, err)
	assert.Equal(t, archive.ID, found.ID)

	all, err := store.ListMailboxes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	bobs, err := store.ListUserMailboxes(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Len(t, bobs, 2)

	require.NoError(t, store.DeleteMailbox(ctx, archive.ID))
	_, err = store.GetMailbox(ctx, archive.ID)
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
	_, err = store.FindMailboxByPath(ctx, archive.Path())
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
	assert.ErrorIs(t, store.DeleteMailbox(ctx, archive.ID), storage.ErrMailboxNotFound)

	require.NoError(t, store.Health(ctx))
}

func testMessages(t *testing.T, store storage.Store) {
	ctx := context.Background()
	defer store.Close()

	inbox, err := store.CreateMailbox(ctx, domain.InboxPath("bob@example.com"))
	require.NoError(t, err)

	date := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	first, err := store.AppendMessage(ctx, inbox.ID, strings.NewReader(SampleMessage), domain.NewFlags(domain.FlagSeen), date)
	require.NoError(t, err)
	second, err := store.AppendMessage(ctx, inbox.ID, strings.NewReader("Subject: two\r\n\r\nbody\r\n"), nil, date)
	require.NoError(t, err)

	assert.Equal(t, domain.MessageUID(1), first.UID)
	assert.Equal(t, domain.MessageUID(2), second.UID)
	assert.Greater(t, second.ModSeq, first.ModSeq)
	assert.Len(t, first.AttachmentIDs, 1)

	var uids []domain.MessageUID
	err = store.ListMessages(ctx, inbox.ID, func(md domain.MessageMetadata) error {
		uids = append(uids, md.UID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.MessageUID{1, 2}, uids)

	got, err := store.GetMessage(ctx, inbox.ID, 1)
	require.NoError(t, err)
	assert.True(t, got.Flags.Contains(domain.FlagSeen))
	assert.True(t, got.InternalDate.Equal(date))
	data, err := io.ReadAll(got.FullContent())
	require.NoError(t, err)
	assert.Equal(t, SampleMessage, string(data))
	mediaType, _ := got.Properties.MediaType()
	assert.Equal(t, "multipart", mediaType)
	assert.Equal(t, int64(strings.Index(SampleMessage, "--b1")), got.BodyStartOctet)

	_, err = store.GetMessage(ctx, inbox.ID, 99)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)

	err = store.ListMessages(ctx, domain.NewMailboxID(), func(domain.MessageMetadata) error { return nil })
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)

	_, err = store.AppendMessage(ctx, domain.NewMailboxID(), strings.NewReader(SampleMessage), nil, date)
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
}

func testCopy(t *testing.T, store storage.Store) {
	ctx := context.Background()
	defer store.Close()

	inbox, err := store.CreateMailbox(ctx, domain.InboxPath("bob@example.com"))
	require.NoError(t, err)
	archive, err := store.CreateMailbox(ctx, domain.NewMailboxPath("bob@example.com", "Archive"))
	require.NoError(t, err)

	original, err := store.AppendMessage(ctx, inbox.ID, strings.NewReader(SampleMessage), nil, time.Now())
	require.NoError(t, err)
	copied, err := store.CopyMessage(ctx, inbox.ID, original.UID, archive.ID)
	require.NoError(t, err)

	assert.Equal(t, original.ID, copied.ID)
	assert.Equal(t, archive.ID, copied.MailboxID)
	assert.Equal(t, domain.MessageUID(1), copied.UID)

	instances, err := store.GetMessagesByID(ctx, original.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	none, err := store.GetMessagesByID(ctx, domain.NewMessageID())
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = store.CopyMessage(ctx, inbox.ID, 42, archive.ID)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func testFlagsAndDelete(t *testing.T, store storage.Store) {
	ctx := context.Background()
	defer store.Close()

	inbox, err := store.CreateMailbox(ctx, domain.InboxPath("bob@example.com"))
	require.NoError(t, err)
	msg, err := store.AppendMessage(ctx, inbox.ID, strings.NewReader(SampleMessage), nil, time.Now())
	require.NoError(t, err)

	md, err := store.SetFlags(ctx, inbox.ID, msg.UID, domain.NewFlags(domain.FlagFlagged, "$custom"))
	require.NoError(t, err)
	assert.Greater(t, md.ModSeq, msg.ModSeq)
	assert.Equal(t, domain.NewFlags("$custom", domain.FlagFlagged), md.Flags)

	got, err := store.GetMessage(ctx, inbox.ID, msg.UID)
	require.NoError(t, err)
	assert.Equal(t, md.Flags, got.Flags)

	require.NoError(t, store.DeleteMessage(ctx, inbox.ID, msg.UID))
	_, err = store.GetMessage(ctx, inbox.ID, msg.UID)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	assert.ErrorIs(t, store.DeleteMessage(ctx, inbox.ID, msg.UID), storage.ErrMessageNotFound)

	// UID 不复用
	next, err := store.AppendMessage(ctx, inbox.ID, strings.NewReader(SampleMessage), nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.MessageUID(2), next.UID)
}
