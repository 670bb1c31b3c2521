package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 内存执行详情存储
type MemoryStore struct {
	mu      sync.RWMutex
	details map[ID]ExecutionDetails
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{details: make(map[ID]ExecutionDetails)}
}

// Save 保存
func (s *MemoryStore) Save(_ context.Context, details ExecutionDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[details.TaskID] = details.Clone()
	return nil
}

// Get 获取
func (s *MemoryStore) Get(_ context.Context, id ID) (ExecutionDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.details[id]
	if !ok {
		return ExecutionDetails{}, ErrTaskNotFound
	}
	return d.Clone(), nil
}

// List 列出
func (s *MemoryStore) List(_ context.Context, status Status) ([]ExecutionDetails, error) {
	s.mu.RLock()
	out := make([]ExecutionDetails, 0, len(s.details))
	for _, d := range s.details {
		if status == "" || d.Status == status {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()

	SortBySubmitDate(out)
	return out, nil
}

// SortBySubmitDate 按提交时间升序排序，时间相同按 ID 排序
func SortBySubmitDate(details []ExecutionDetails) {
	sort.Slice(details, func(i, j int) bool {
		if details[i].SubmitDate.Equal(details[j].SubmitDate) {
			return details[i].TaskID < details[j].TaskID
		}
		return details[i].SubmitDate.Before(details[j].SubmitDate)
	})
}

// Purge 删除提交时间早于 before 的已结束任务
func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.details {
		if d.Status.Terminal() && d.SubmitDate.Before(before) {
			delete(s.details, id)
			n++
		}
	}
	return n, nil
}
