// Package tasktest 提供任务执行存储的通用测试
package tasktest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailindex/backend/internal/task"
)

// Details 构造测试用执行详情
func Details(status task.Status, submitted time.Time) task.ExecutionDetails {
	return task.ExecutionDetails{
		TaskID:     task.NewID(),
		Type:       "full-reindexing",
		Status:     status,
		SubmitDate: submitted.UTC().Truncate(time.Millisecond),
	}
}

// RunStoreSuite 对执行存储实现运行通用用例
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) task.ExecutionStore) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("保存与读取", func(t *testing.T) {
		store := newStore(t)
		d := Details(task.StatusRunning, base)
		started := base.Add(time.Second)
		d.StartedDate = &started
		d.AdditionalInformation = json.RawMessage(`{"successfullyReprocessedMailCount":3}`)
		require.NoError(t, store.Save(ctx, d))

		got, err := store.Get(ctx, d.TaskID)
		require.NoError(t, err)
		assert.Equal(t, d.TaskID, got.TaskID)
		assert.Equal(t, d.Status, got.Status)
		assert.True(t, d.SubmitDate.Equal(got.SubmitDate))
		require.NotNil(t, got.StartedDate)
		assert.True(t, started.Equal(*got.StartedDate))
		assert.Nil(t, got.CompletedDate)
		assert.JSONEq(t, string(d.AdditionalInformation), string(got.AdditionalInformation))
	})

	t.Run("覆盖更新", func(t *testing.T) {
		store := newStore(t)
		d := Details(task.StatusRunning, base)
		require.NoError(t, store.Save(ctx, d))

		done := base.Add(time.Minute)
		d.Status = task.StatusFailed
		d.FailedDate = &done
		d.Error = "mailbox not found"
		require.NoError(t, store.Save(ctx, d))

		got, err := store.Get(ctx, d.TaskID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.Equal(t, "mailbox not found", got.Error)
		require.NotNil(t, got.FailedDate)
		assert.True(t, done.Equal(*got.FailedDate))
	})

	t.Run("不存在", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, task.NewID())
		assert.ErrorIs(t, err, task.ErrTaskNotFound)
	})

	t.Run("按状态列出", func(t *testing.T) {
		store := newStore(t)
		first := Details(task.StatusCompleted, base)
		second := Details(task.StatusPartial, base.Add(time.Second))
		third := Details(task.StatusCompleted, base.Add(2*time.Second))
		for _, d := range []task.ExecutionDetails{third, first, second} {
			require.NoError(t, store.Save(ctx, d))
		}

		all, err := store.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []task.ID{first.TaskID, second.TaskID, third.TaskID},
			[]task.ID{all[0].TaskID, all[1].TaskID, all[2].TaskID})

		completed, err := store.List(ctx, task.StatusCompleted)
		require.NoError(t, err)
		require.Len(t, completed, 2)
		assert.Equal(t, first.TaskID, completed[0].TaskID)
		assert.Equal(t, third.TaskID, completed[1].TaskID)
	})
}
