package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailindex/backend/internal/task"
)

const (
	taskKeyPrefix = "mailindex:task:"
	taskIndexKey  = "mailindex:tasks"
)

// TaskStore Redis 任务执行详情存储
//
// 每个任务保存为带过期时间的 JSON 字符串，另用有序集合按提交时间索引任务 ID。
// 过期的任务在 List 时从索引中清除。
type TaskStore struct {
	client *Client
	ttl    time.Duration
}

// NewTaskStore 创建任务存储，ttl 为 0 表示永不过期
func NewTaskStore(client *Client, ttl time.Duration) *TaskStore {
	return &TaskStore{client: client, ttl: ttl}
}

func taskKey(id task.ID) string {
	return taskKeyPrefix + string(id)
}

// Save 保存执行详情
func (s *TaskStore) Save(ctx context.Context, d task.ExecutionDetails) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", d.TaskID, err)
	}

	_, err = s.client.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, taskKey(d.TaskID), data, s.ttl)
		pipe.ZAdd(ctx, taskIndexKey, goredis.Z{
			Score:  float64(d.SubmitDate.UnixMilli()),
			Member: string(d.TaskID),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save task %s: %w", d.TaskID, err)
	}
	return nil
}

// Get 获取执行详情
func (s *TaskStore) Get(ctx context.Context, id task.ID) (task.ExecutionDetails, error) {
	data, err := s.client.rdb.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return task.ExecutionDetails{}, task.ErrTaskNotFound
	}
	if err != nil {
		return task.ExecutionDetails{}, err
	}

	var d task.ExecutionDetails
	if err := json.Unmarshal(data, &d); err != nil {
		return task.ExecutionDetails{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return d, nil
}

// List 按提交时间列出执行详情
func (s *TaskStore) List(ctx context.Context, status task.Status) ([]task.ExecutionDetails, error) {
	ids, err := s.client.rdb.ZRange(ctx, taskIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]task.ExecutionDetails, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(task.ID(id))
	}
	values, err := s.client.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	expired := make([]any, 0)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var d task.ExecutionDetails
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", ids[i], err)
		}
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	if len(expired) > 0 {
		s.client.rdb.ZRem(ctx, taskIndexKey, expired...)
	}

	task.SortBySubmitDate(out)
	return out, nil
}

// Health 检查 Redis 连接
func (s *TaskStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx)
}
