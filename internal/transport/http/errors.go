package httptransport

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/reindex"
	"mailindex/backend/internal/storage"
	"mailindex/backend/internal/task"
)

// 通用错误消息
const (
	MsgTaskCompulsory       = "'task' query parameter is compulsory. Supported values are [reIndex]"
	MsgInvalidTaskFmt       = "Invalid value supplied for 'task': %s. Supported values are [reIndex]"
	MsgInvalidMailbox       = "Error while parsing 'mailbox'"
	MsgInvalidMessageID     = "Error while parsing 'messageId'"
	MsgInvalidUser          = "Error while parsing 'user'"
	MsgInvalidUID           = "'uid' needs to be a parsable long"
	MsgInvalidTaskID        = "Error while parsing 'reIndexFailedMessagesOf'"
	MsgUserAndPrevious      = "Can not specify 'user' and 'reIndexFailedMessagesOf' query parameters at the same time"
	MsgInvalidRate          = "'messagesPerSecond' must be a strictly positive integer"
	MsgInvalidModeFmt       = "Invalid value supplied for 'mode': %s. Supported values are [REBUILD_ALL, FIX_OUTDATED]"
	MsgInvalidStatus        = "Invalid value supplied for 'status'"
	MsgInvalidTimeout       = "Invalid value supplied for 'timeout'"
	MsgTimeoutReached       = "The timeout has been reached"
	MsgInvalidJSON          = "Invalid JSON body"
	MsgInternalError        = "internal server error"
	MsgTaskNotFound         = "task not found"
	MsgMailboxNotFound      = "mailbox not found"
	MsgTaskNotCancellable   = "task is not cancellable"
	MsgManagerStopped       = "task manager is shutting down"
	MsgPreviousTaskNotFound = "previous task not found"
)

type errorMapping struct {
	target error
	status int
	msg    string
}

// errorMappings 业务错误到 HTTP 状态码的映射，按顺序匹配
var errorMappings = []errorMapping{
	{storage.ErrMailboxNotFound, http.StatusNotFound, MsgMailboxNotFound},
	{task.ErrTaskNotCancellable, http.StatusConflict, MsgTaskNotCancellable},
	{task.ErrManagerStopped, http.StatusServiceUnavailable, MsgManagerStopped},
	{task.ErrTaskNotFound, http.StatusNotFound, MsgTaskNotFound},
	{reindex.ErrNotReIndexingTask, http.StatusBadRequest, ""},
	{reindex.ErrUnknownTaskType, http.StatusBadRequest, ""},
	{reindex.ErrInvalidTaskPayload, http.StatusBadRequest, ""},
	{reindex.ErrInvalidRunningOptions, http.StatusBadRequest, ""},
	{domain.ErrInvalidMailboxID, http.StatusBadRequest, MsgInvalidMailbox},
	{domain.ErrInvalidMessageID, http.StatusBadRequest, MsgInvalidMessageID},
	{domain.ErrInvalidUID, http.StatusBadRequest, MsgInvalidUID},
	{context.DeadlineExceeded, http.StatusRequestTimeout, MsgTimeoutReached},
}

// GetErrorStatus 返回错误对应的状态码和提示，未知错误视为服务器内部错误
func GetErrorStatus(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			msg := m.msg
			if msg == "" {
				msg = err.Error()
			}
			return m.status, msg
		}
	}
	return http.StatusInternalServerError, MsgInternalError
}

// respondError 按映射输出错误；服务器错误附加到 gin 上下文供请求日志记录
func respondError(c *gin.Context, err error) {
	status, msg := GetErrorStatus(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	Error(c, status, msg)
}
