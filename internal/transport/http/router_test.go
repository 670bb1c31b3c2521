package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwtpkg "mailindex/backend/internal/auth/jwt"
	"mailindex/backend/internal/config"
	"mailindex/backend/internal/domain"
	"mailindex/backend/internal/health"
	"mailindex/backend/internal/monitoring"
	"mailindex/backend/internal/reindex"
	"mailindex/backend/internal/storage/memory"
	"mailindex/backend/internal/storage/storagetest"
	"mailindex/backend/internal/task"
)

// countingIndex 记录被索引的邮件
type countingIndex struct {
	mu    sync.Mutex
	added map[domain.MailboxID][]domain.MessageUID
}

func (i *countingIndex) Add(_ context.Context, _ domain.MailboxSession, mailbox *domain.Mailbox, msg *domain.MailboxMessage) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.added[mailbox.ID] = append(i.added[mailbox.ID], msg.UID)
	return nil
}

func (i *countingIndex) DeleteAll(_ context.Context, _ domain.MailboxSession, mailbox *domain.Mailbox) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.added, mailbox.ID)
	return nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type testServer struct {
	router  *gin.Engine
	store   *memory.Store
	index   *countingIndex
	inbox   *domain.Mailbox
	message *domain.MailboxMessage
}

func newTestServer(t *testing.T, jwtManager *jwtpkg.Manager) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore(storagetest.NewFactory(t))
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	inbox, err := store.CreateMailbox(ctx, domain.InboxPath("bob@example.com"))
	require.NoError(t, err)
	msg, err := store.AppendMessage(ctx, inbox.ID, strings.NewReader(storagetest.SampleMessage), nil, time.Now())
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, inbox.ID, strings.NewReader(storagetest.SampleMessage), nil, time.Now())
	require.NoError(t, err)

	metrics := monitoring.NewMetrics()
	manager := task.NewManager(task.NewMemoryStore(), task.Options{Workers: 1, QueueSize: 10}, nil, metrics)
	manager.Start()
	t.Cleanup(manager.Stop)

	index := &countingIndex{added: make(map[domain.MailboxID][]domain.MessageUID)}
	performer := reindex.NewPerformer(store, index, 1, nil, metrics)
	reIndexer := reindex.NewReIndexer(performer, store, reindex.NewPreviousReIndexingService(manager))

	router := NewRouter(RouterDependencies{
		Config:         &config.Config{},
		ReIndexer:      reIndexer,
		Codec:          reindex.NewCodec(performer),
		Tasks:          manager,
		DefaultOptions: reindex.RunningOptions{MessagesPerSecond: 1000, Mode: reindex.ModeRebuildAll},
		Health:         health.NewHealthChecker(nil),
		Metrics:        metrics,
		JWTManager:     jwtManager,
	})
	return &testServer{router: router, store: store, index: index, inbox: inbox, message: msg}
}

func (s *testServer) do(t *testing.T, method, target, body string, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

// submit 提交任务并等待结束
func (s *testServer) submit(t *testing.T, target string) task.ExecutionDetails {
	t.Helper()
	w, env := s.do(t, http.MethodPost, target, "")
	require.Equal(t, http.StatusCreated, w.Code, env.Msg)

	var created struct {
		TaskID task.ID `json:"taskId"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "/tasks/"+created.TaskID.String(), w.Header().Get("Location"))

	w, env = s.do(t, http.MethodGet, "/tasks/"+created.TaskID.String()+"/await?timeout=10s", "")
	require.Equal(t, http.StatusOK, w.Code, env.Msg)
	var details task.ExecutionDetails
	require.NoError(t, json.Unmarshal(env.Data, &details))
	return details
}

func TestReIndex_FullReindexing(t *testing.T) {
	s := newTestServer(t, nil)

	details := s.submit(t, "/mailboxes?task=reIndex")
	assert.Equal(t, task.StatusCompleted, details.Status)
	assert.Equal(t, reindex.FullReindexingType, details.Type)

	info, err := reindex.DecodeAdditionalInformation(details.AdditionalInformation)
	require.NoError(t, err)
	assert.EqualValues(t, 2, info.SuccessfullyReprocessedMailCount)
	assert.EqualValues(t, 0, info.FailedReprocessedMailCount)
	require.NotNil(t, info.RunningOptions)
	assert.Equal(t, 1000, info.RunningOptions.MessagesPerSecond)
	assert.Len(t, s.index.added[s.inbox.ID], 2)
}

func TestReIndex_Scopes(t *testing.T) {
	s := newTestServer(t, nil)
	mailboxID := s.inbox.ID.String()

	details := s.submit(t, "/mailboxes?task=reIndex&user=bob@example.com&messagesPerSecond=500&mode=fixOutdated")
	assert.Equal(t, reindex.UserReindexingType, details.Type)
	info, err := reindex.DecodeAdditionalInformation(details.AdditionalInformation)
	require.NoError(t, err)
	assert.Equal(t, domain.Username("bob@example.com"), info.Username)
	assert.Equal(t, &reindex.RunningOptions{MessagesPerSecond: 500, Mode: reindex.ModeFixOutdated}, info.RunningOptions)

	details = s.submit(t, "/mailboxes/"+mailboxID+"?task=reIndex")
	assert.Equal(t, reindex.MailboxReindexingType, details.Type)
	assert.Equal(t, task.StatusCompleted, details.Status)

	details = s.submit(t, "/mailboxes/"+mailboxID+"/mails/1?task=reIndex")
	assert.Equal(t, reindex.MessageReindexingType, details.Type)
	info, err = reindex.DecodeAdditionalInformation(details.AdditionalInformation)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageUID(1), info.UID)
	assert.Nil(t, info.RunningOptions)

	details = s.submit(t, "/messages/"+s.message.ID.String()+"?task=reIndex")
	assert.Equal(t, reindex.MessageIDReindexingType, details.Type)
	assert.Equal(t, task.StatusCompleted, details.Status)
}

func TestReIndex_PreviousFailures(t *testing.T) {
	s := newTestServer(t, nil)
	previous := s.submit(t, "/mailboxes?task=reIndex")

	details := s.submit(t, "/mailboxes?task=reIndex&reIndexFailedMessagesOf="+previous.TaskID.String())
	assert.Equal(t, reindex.ErrorRecoveryType, details.Type)
	assert.Equal(t, task.StatusCompleted, details.Status)

	w, env := s.do(t, http.MethodPost, "/mailboxes?task=reIndex&reIndexFailedMessagesOf="+task.NewID().String(), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, MsgPreviousTaskNotFound, env.Msg)
}

func TestReIndex_Validation(t *testing.T) {
	s := newTestServer(t, nil)
	mailboxID := s.inbox.ID.String()

	cases := []struct {
		name   string
		target string
		status int
		msg    string
	}{
		{"missing task", "/mailboxes", http.StatusBadRequest, MsgTaskCompulsory},
		{"unknown task", "/mailboxes?task=defrag", http.StatusBadRequest, "Invalid value supplied for 'task': defrag. Supported values are [reIndex]"},
		{"bad user", "/mailboxes?task=reIndex&user=" + url.QueryEscape("a@@b"), http.StatusBadRequest, MsgInvalidUser},
		{"user and previous", "/mailboxes?task=reIndex&user=bob&reIndexFailedMessagesOf=" + task.NewID().String(), http.StatusBadRequest, MsgUserAndPrevious},
		{"bad previous id", "/mailboxes?task=reIndex&reIndexFailedMessagesOf=nope", http.StatusBadRequest, MsgInvalidTaskID},
		{"zero rate", "/mailboxes?task=reIndex&messagesPerSecond=0", http.StatusBadRequest, MsgInvalidRate},
		{"text rate", "/mailboxes?task=reIndex&messagesPerSecond=fast", http.StatusBadRequest, MsgInvalidRate},
		{"bad mode", "/mailboxes?task=reIndex&mode=bogus", http.StatusBadRequest, "Invalid value supplied for 'mode': bogus. Supported values are [REBUILD_ALL, FIX_OUTDATED]"},
		{"bad mailbox", "/mailboxes/inbox?task=reIndex", http.StatusBadRequest, MsgInvalidMailbox},
		{"unknown mailbox", "/mailboxes/" + domain.NewMailboxID().String() + "?task=reIndex", http.StatusNotFound, MsgMailboxNotFound},
		{"bad uid", "/mailboxes/" + mailboxID + "/mails/abc?task=reIndex", http.StatusBadRequest, MsgInvalidUID},
		{"zero uid", "/mailboxes/" + mailboxID + "/mails/0?task=reIndex", http.StatusBadRequest, MsgInvalidUID},
		{"message in unknown mailbox", "/mailboxes/" + domain.NewMailboxID().String() + "/mails/1?task=reIndex", http.StatusNotFound, MsgMailboxNotFound},
		{"bad message id", "/messages/xyz?task=reIndex", http.StatusBadRequest, MsgInvalidMessageID},
		{"message without task", "/messages/" + s.message.ID.String(), http.StatusBadRequest, MsgTaskCompulsory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := s.do(t, http.MethodPost, tc.target, "")
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.status, env.Code)
			assert.Equal(t, tc.msg, env.Msg)
		})
	}
}

func TestTasks_QueryAndCancel(t *testing.T) {
	s := newTestServer(t, nil)
	done := s.submit(t, "/mailboxes?task=reIndex")

	w, env := s.do(t, http.MethodGet, "/tasks/"+done.TaskID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var details task.ExecutionDetails
	require.NoError(t, json.Unmarshal(env.Data, &details))
	assert.Equal(t, done.TaskID, details.TaskID)
	assert.NotNil(t, details.CompletedDate)

	w, env = s.do(t, http.MethodGet, "/tasks?status=completed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []task.ExecutionDetails
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, done.TaskID, list[0].TaskID)

	w, env = s.do(t, http.MethodGet, "/tasks?status=failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(env.Data))

	w, env = s.do(t, http.MethodGet, "/tasks?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, MsgInvalidStatus, env.Msg)

	w, env = s.do(t, http.MethodGet, "/tasks/"+task.NewID().String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, MsgTaskNotFound, env.Msg)

	w, _ = s.do(t, http.MethodGet, "/tasks/not-a-uuid", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env = s.do(t, http.MethodDelete, "/tasks/"+done.TaskID.String(), "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, MsgTaskNotCancellable, env.Msg)

	w, env = s.do(t, http.MethodGet, "/tasks/"+done.TaskID.String()+"/await?timeout=-1s", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, MsgInvalidTimeout, env.Msg)
}

func TestTasks_SubmitJSON(t *testing.T) {
	s := newTestServer(t, nil)

	body := `{"type":"mailbox-reindexing","mailboxId":"` + s.inbox.ID.String() + `","runningOptions":{"messagesPerSecond":500}}`
	w, env := s.do(t, http.MethodPost, "/tasks", body, "Content-Type", "application/json")
	require.Equal(t, http.StatusCreated, w.Code, env.Msg)

	w, env = s.do(t, http.MethodPost, "/tasks", `{"type":"defrag"}`, "Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Msg, "unknown task type")

	w, env = s.do(t, http.MethodPost, "/tasks", "", "Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, MsgInvalidJSON, env.Msg)
}

func TestRouter_AdminAuth(t *testing.T) {
	manager := jwtpkg.NewManager("0123456789abcdef0123456789abcdef", "mailindex", time.Hour)
	s := newTestServer(t, manager)

	w, env := s.do(t, http.MethodPost, "/mailboxes?task=reIndex", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, http.StatusUnauthorized, env.Code)

	token, err := manager.GenerateToken("ops")
	require.NoError(t, err)
	w, env = s.do(t, http.MethodPost, "/mailboxes?task=reIndex", "", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusCreated, w.Code, env.Msg)

	// 健康检查和指标不需要令牌
	w, _ = s.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetErrorStatus(t *testing.T) {
	status, msg := GetErrorStatus(context.DeadlineExceeded)
	assert.Equal(t, http.StatusRequestTimeout, status)
	assert.Equal(t, MsgTimeoutReached, msg)

	status, msg = GetErrorStatus(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, MsgInternalError, msg)

	status, _ = GetErrorStatus(task.ErrManagerStopped)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
