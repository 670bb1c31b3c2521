package httptransport

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mailindex/backend/internal/reindex"
	"mailindex/backend/internal/task"
)

// maxAwaitTimeout await 接口允许的最长等待时间
const maxAwaitTimeout = 365 * 24 * time.Hour

var errInvalidTimeout = errors.New("timeout out of range")

// TaskHandler 任务查询、等待和取消
type TaskHandler struct {
	tasks *task.Manager
	codec *reindex.Codec
}

// NewTaskHandler 创建任务处理器，codec 为 nil 时不开放 POST /tasks
func NewTaskHandler(tasks *task.Manager, codec *reindex.Codec) *TaskHandler {
	return &TaskHandler{tasks: tasks, codec: codec}
}

// list GET /tasks?status=
func (h *TaskHandler) list(c *gin.Context) {
	status, err := task.ParseStatus(c.Query("status"))
	if err != nil {
		BadRequest(c, MsgInvalidStatus)
		return
	}
	details, err := h.tasks.List(c.Request.Context(), status)
	if err != nil {
		respondError(c, err)
		return
	}
	if details == nil {
		details = []task.ExecutionDetails{}
	}
	Success(c, details)
}

// get GET /tasks/:id
func (h *TaskHandler) get(c *gin.Context) {
	id, err := task.ParseID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	details, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, details)
}

// await GET /tasks/:id/await?timeout=
//
// timeout 接受 30s、5m 这样的时长或整数秒，缺省一直等到任务结束。
func (h *TaskHandler) await(c *gin.Context) {
	id, err := task.ParseID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	timeout := maxAwaitTimeout
	if raw := c.Query("timeout"); raw != "" {
		timeout, err = parseTimeout(raw)
		if err != nil {
			BadRequest(c, MsgInvalidTimeout)
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	details, err := h.tasks.Await(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, details)
}

// cancel DELETE /tasks/:id
func (h *TaskHandler) cancel(c *gin.Context) {
	id, err := task.ParseID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.tasks.Cancel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	NoContent(c)
}

// submit POST /tasks，请求体为任务的 JSON 描述
func (h *TaskHandler) submit(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		BadRequest(c, MsgInvalidJSON)
		return
	}
	t, err := h.codec.Decode(body)
	if err != nil {
		respondError(c, err)
		return
	}
	id, err := h.tasks.Submit(c.Request.Context(), t)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Location", "/tasks/"+id.String())
	Created(c, taskIDResponse{TaskID: id})
}

func parseTimeout(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil {
			return 0, err
		}
		d = time.Duration(seconds) * time.Second
	}
	if d <= 0 || d > maxAwaitTimeout {
		return 0, errInvalidTimeout
	}
	return d, nil
}
