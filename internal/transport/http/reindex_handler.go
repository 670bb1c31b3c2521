package httptransport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/reindex"
	"mailindex/backend/internal/task"
)

const reIndexAction = "reIndex"

// ReIndexHandler 重建索引请求入口
type ReIndexHandler struct {
	reIndexer *reindex.ReIndexer
	tasks     *task.Manager
	defaults  reindex.RunningOptions
	log       *zap.Logger
}

// NewReIndexHandler 创建处理器，defaults 为请求未指定参数时使用的运行参数
func NewReIndexHandler(reIndexer *reindex.ReIndexer, tasks *task.Manager, defaults reindex.RunningOptions, log *zap.Logger) *ReIndexHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReIndexHandler{reIndexer: reIndexer, tasks: tasks, defaults: defaults, log: log}
}

type taskIDResponse struct {
	TaskID task.ID `json:"taskId"`
}

// reIndexAll POST /mailboxes?task=reIndex
//
// 可选参数 user 限定用户，reIndexFailedMessagesOf 重试历史任务的失败，两者互斥。
func (h *ReIndexHandler) reIndexAll(c *gin.Context) {
	if !h.checkAction(c) {
		return
	}
	opts, ok := h.runningOptions(c)
	if !ok {
		return
	}

	user, hasUser := c.GetQuery("user")
	previous, hasPrevious := c.GetQuery("reIndexFailedMessagesOf")
	if hasUser && hasPrevious {
		BadRequest(c, MsgUserAndPrevious)
		return
	}

	var (
		t   *reindex.ReIndexingTask
		err error
	)
	switch {
	case hasUser:
		username, parseErr := domain.ParseUsername(user)
		if parseErr != nil {
			BadRequest(c, MsgInvalidUser)
			return
		}
		t, err = h.reIndexer.ReIndexUser(username, opts)

	case hasPrevious:
		ids, parseErr := parseTaskIDs(previous)
		if parseErr != nil {
			BadRequest(c, MsgInvalidTaskID)
			return
		}
		t, err = h.reIndexer.ReIndexPreviousFailures(c.Request.Context(), opts, ids...)
		if errors.Is(err, task.ErrTaskNotFound) {
			BadRequest(c, MsgPreviousTaskNotFound)
			return
		}

	default:
		t, err = h.reIndexer.ReIndex(opts)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	h.submit(c, t)
}

// reIndexMailbox POST /mailboxes/:mailboxId?task=reIndex
func (h *ReIndexHandler) reIndexMailbox(c *gin.Context) {
	if !h.checkAction(c) {
		return
	}
	id, err := domain.ParseMailboxID(c.Param("mailboxId"))
	if err != nil {
		BadRequest(c, MsgInvalidMailbox)
		return
	}
	opts, ok := h.runningOptions(c)
	if !ok {
		return
	}

	t, err := h.reIndexer.ReIndexMailbox(c.Request.Context(), id, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	h.submit(c, t)
}

// reIndexMessage POST /mailboxes/:mailboxId/mails/:uid?task=reIndex
func (h *ReIndexHandler) reIndexMessage(c *gin.Context) {
	if !h.checkAction(c) {
		return
	}
	id, err := domain.ParseMailboxID(c.Param("mailboxId"))
	if err != nil {
		BadRequest(c, MsgInvalidMailbox)
		return
	}
	uid, err := domain.ParseMessageUID(c.Param("uid"))
	if err != nil {
		BadRequest(c, MsgInvalidUID)
		return
	}

	t, err := h.reIndexer.ReIndexMessage(c.Request.Context(), id, uid)
	if err != nil {
		respondError(c, err)
		return
	}
	h.submit(c, t)
}

// reIndexMessageID POST /messages/:messageId?task=reIndex
func (h *ReIndexHandler) reIndexMessageID(c *gin.Context) {
	if !h.checkAction(c) {
		return
	}
	id, err := domain.ParseMessageID(c.Param("messageId"))
	if err != nil {
		BadRequest(c, MsgInvalidMessageID)
		return
	}
	h.submit(c, h.reIndexer.ReIndexMessageID(id))
}

func (h *ReIndexHandler) submit(c *gin.Context, t task.Task) {
	id, err := h.tasks.Submit(c.Request.Context(), t)
	if err != nil {
		respondError(c, err)
		return
	}
	h.log.Info("Reindexing task submitted",
		zap.String("task_id", id.String()),
		zap.String("task_type", string(t.Type())),
	)
	c.Header("Location", "/tasks/"+id.String())
	Created(c, taskIDResponse{TaskID: id})
}

// checkAction 校验 task 查询参数
func (h *ReIndexHandler) checkAction(c *gin.Context) bool {
	action, ok := c.GetQuery("task")
	if !ok || action == "" {
		BadRequest(c, MsgTaskCompulsory)
		return false
	}
	if action != reIndexAction {
		BadRequest(c, fmt.Sprintf(MsgInvalidTaskFmt, action))
		return false
	}
	return true
}

// runningOptions 解析 messagesPerSecond 和 mode，缺省时取配置值
func (h *ReIndexHandler) runningOptions(c *gin.Context) (reindex.RunningOptions, bool) {
	opts := h.defaults
	if raw, ok := c.GetQuery("messagesPerSecond"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			BadRequest(c, MsgInvalidRate)
			return opts, false
		}
		opts.MessagesPerSecond = n
	}
	if raw, ok := c.GetQuery("mode"); ok {
		mode, err := reindex.ParseMode(raw)
		if err != nil {
			BadRequest(c, fmt.Sprintf(MsgInvalidModeFmt, raw))
			return opts, false
		}
		opts.Mode = mode
	}
	return opts, true
}

// parseTaskIDs 解析逗号分隔的任务 ID 列表
func parseTaskIDs(value string) ([]task.ID, error) {
	var ids []task.ID
	for _, part := range strings.Split(value, ",") {
		id, err := task.ParseID(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
