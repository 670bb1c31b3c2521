package sql

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailindex/backend/internal/config"
	"mailindex/backend/internal/task"
	"mailindex/backend/internal/task/tasktest"
)

func newSQLiteStore(t *testing.T) *TaskStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "tasks.db")
	store, err := NewTaskStore(context.Background(), config.DatabaseConfig{Driver: "sqlite3", DSN: dsn, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTaskStore_SQLite(t *testing.T) {
	tasktest.RunStoreSuite(t, func(t *testing.T) task.ExecutionStore {
		return newSQLiteStore(t)
	})
}

// 需要真实数据库：MAILINDEX_TEST_DATABASE_DRIVER=postgres MAILINDEX_TEST_DATABASE_DSN=...
func TestTaskStore_External(t *testing.T) {
	dsn := os.Getenv("MAILINDEX_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("MAILINDEX_TEST_DATABASE_DSN not set")
	}
	driver := os.Getenv("MAILINDEX_TEST_DATABASE_DRIVER")
	if driver == "" {
		driver = "postgres"
	}
	tasktest.RunStoreSuite(t, func(t *testing.T) task.ExecutionStore {
		store, err := NewTaskStore(context.Background(), config.DatabaseConfig{Driver: driver, DSN: dsn})
		require.NoError(t, err)
		_, err = store.db.Exec("DELETE FROM " + tableName)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestNewTaskStore_RejectsUnknownDriver(t *testing.T) {
	_, err := NewTaskStore(context.Background(), config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestTaskStore_MigrateIsIdempotent(t *testing.T) {
	store := newSQLiteStore(t)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Health(context.Background()))
}

func TestTaskStore_PurgeKeepsRunningTasks(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	finished := tasktest.Details(task.StatusCompleted, old)
	running := tasktest.Details(task.StatusRunning, old)
	recent := tasktest.Details(task.StatusPartial, old.Add(48*time.Hour))
	for _, d := range []task.ExecutionDetails{finished, running, recent} {
		require.NoError(t, store.Save(ctx, d))
	}

	n, err := store.Purge(ctx, old.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, finished.TaskID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	_, err = store.Get(ctx, running.TaskID)
	assert.NoError(t, err)
	_, err = store.Get(ctx, recent.TaskID)
	assert.NoError(t, err)
}
