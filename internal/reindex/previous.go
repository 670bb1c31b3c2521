package reindex

import (
	"context"
	"fmt"

	"mailindex/backend/internal/task"
)

// DetailsGetter 读取任务执行详情，task.Manager 与各执行存储都满足
type DetailsGetter interface {
	Get(ctx context.Context, id task.ID) (task.ExecutionDetails, error)
}

// PreviousReIndexingService 读取历史重建任务记录下的失败
type PreviousReIndexingService struct {
	details DetailsGetter
}

// NewPreviousReIndexingService 创建服务
func NewPreviousReIndexingService(details DetailsGetter) *PreviousReIndexingService {
	return &PreviousReIndexingService{details: details}
}

// Failures 合并给定任务的失败
//
// 任务不存在时返回 task.ErrTaskNotFound；不是重建任务时返回 ErrNotReIndexingTask。
func (s *PreviousReIndexingService) Failures(ctx context.Context, ids ...task.ID) (Failures, error) {
	merged := NewFailures(nil, nil)
	for _, id := range ids {
		details, err := s.details.Get(ctx, id)
		if err != nil {
			return Failures{}, fmt.Errorf("task %s: %w", id, err)
		}
		if !IsReIndexingType(details.Type) {
			return Failures{}, fmt.Errorf("%w: %s is %s", ErrNotReIndexingTask, id, details.Type)
		}
		info, err := DecodeAdditionalInformation(details.AdditionalInformation)
		if err != nil {
			return Failures{}, fmt.Errorf("task %s: %w", id, err)
		}
		merged = merged.Merge(info.Failures)
	}
	return merged, nil
}
