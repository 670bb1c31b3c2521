package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver

	"mailindex/backend/internal/config"
	"mailindex/backend/internal/task"
)

const tableName = "task_executions"

// TaskStore 基于 database/sql 的任务执行详情存储（支持 MySQL 5.7+、PostgreSQL 与 SQLite）
type TaskStore struct {
	db         *sql.DB
	driverName string
}

// NewTaskStore 创建任务执行详情存储并建表
func NewTaskStore(ctx context.Context, cfg config.DatabaseConfig) (*TaskStore, error) {
	switch cfg.Driver {
	case "mysql", "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres, sqlite3)", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &TaskStore{db: db, driverName: cfg.Driver}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close 关闭数据库连接
func (s *TaskStore) Close() error {
	return s.db.Close()
}

// Health 检查数据库健康状态
func (s *TaskStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate 创建任务执行表
func (s *TaskStore) Migrate(ctx context.Context) error {
	textType := "TEXT"
	if s.driverName == "mysql" {
		textType = "LONGTEXT"
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			task_id VARCHAR(64) PRIMARY KEY,
			type VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			submit_date BIGINT NOT NULL,
			started_date BIGINT NULL,
			completed_date BIGINT NULL,
			failed_date BIGINT NULL,
			cancelled_date BIGINT NULL,
			error %s NULL,
			additional_information %s NULL
		)`, tableName, textType, textType),
	}
	if s.driverName == "mysql" {
		// MySQL 不支持 CREATE INDEX IF NOT EXISTS，索引随表创建
		statements[0] = strings.Replace(statements[0], "additional_information LONGTEXT NULL",
			"additional_information LONGTEXT NULL,\n\t\t\tINDEX idx_task_executions_status (status)", 1)
	} else {
		statements = append(statements,
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_task_executions_status ON %s (status)", tableName))
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// placeholder 根据数据库类型返回占位符
func (s *TaskStore) placeholder(n int) string {
	if s.driverName == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *TaskStore) placeholders(from, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = s.placeholder(from + i)
	}
	return strings.Join(parts, ", ")
}

var columns = []string{
	"task_id", "type", "status", "submit_date", "started_date", "completed_date",
	"failed_date", "cancelled_date", "error", "additional_information",
}

// Save 插入或更新执行详情
func (s *TaskStore) Save(ctx context.Context, d task.ExecutionDetails) error {
	var upsert string
	if s.driverName == "mysql" {
		sets := make([]string, 0, len(columns)-1)
		for _, c := range columns[1:] {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
		upsert = "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	} else {
		sets := make([]string, 0, len(columns)-1)
		for _, c := range columns[1:] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
		upsert = "ON CONFLICT (task_id) DO UPDATE SET " + strings.Join(sets, ", ")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		tableName, strings.Join(columns, ", "), s.placeholders(1, len(columns)), upsert)

	_, err := s.db.ExecContext(ctx, query,
		string(d.TaskID),
		string(d.Type),
		string(d.Status),
		d.SubmitDate.UnixMilli(),
		toMillis(d.StartedDate),
		toMillis(d.CompletedDate),
		toMillis(d.FailedDate),
		toMillis(d.CancelledDate),
		nullString(d.Error),
		nullString(string(d.AdditionalInformation)),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", d.TaskID, err)
	}
	return nil
}

// Get 获取执行详情
func (s *TaskStore) Get(ctx context.Context, id task.ID) (task.ExecutionDetails, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE task_id = %s",
		strings.Join(columns, ", "), tableName, s.placeholder(1))

	d, err := scanDetails(s.db.QueryRowContext(ctx, query, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return task.ExecutionDetails{}, task.ErrTaskNotFound
	}
	return d, err
}

// List 按提交时间列出执行详情
func (s *TaskStore) List(ctx context.Context, status task.Status) ([]task.ExecutionDetails, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), tableName)
	args := []any{}
	if status != "" {
		query += " WHERE status = " + s.placeholder(1)
		args = append(args, string(status))
	}
	query += " ORDER BY submit_date ASC, task_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]task.ExecutionDetails, 0)
	for rows.Next() {
		d, err := scanDetails(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Purge 删除提交时间早于 before 的已结束任务
func (s *TaskStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	terminal := []task.Status{task.StatusCompleted, task.StatusPartial, task.StatusFailed, task.StatusCancelled}
	query := fmt.Sprintf("DELETE FROM %s WHERE submit_date < %s AND status IN (%s)",
		tableName, s.placeholder(1), s.placeholders(2, len(terminal)))

	args := []any{before.UnixMilli()}
	for _, st := range terminal {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDetails(row scanner) (task.ExecutionDetails, error) {
	var (
		d                                     task.ExecutionDetails
		id, typ, status                       string
		submit                                int64
		started, completed, failed, cancelled sql.NullInt64
		errMsg, info                          sql.NullString
	)
	if err := row.Scan(&id, &typ, &status, &submit, &started, &completed, &failed, &cancelled, &errMsg, &info); err != nil {
		return d, err
	}

	d.TaskID = task.ID(id)
	d.Type = task.Type(typ)
	d.Status = task.Status(status)
	d.SubmitDate = time.UnixMilli(submit).UTC()
	d.StartedDate = fromMillis(started)
	d.CompletedDate = fromMillis(completed)
	d.FailedDate = fromMillis(failed)
	d.CancelledDate = fromMillis(cancelled)
	d.Error = errMsg.String
	if info.Valid && info.String != "" {
		d.AdditionalInformation = []byte(info.String)
	}
	return d, nil
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
