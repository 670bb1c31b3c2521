package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailindex/backend/internal/task"
)

type fakeTasks struct {
	mu      sync.Mutex
	details map[task.ID]task.ExecutionDetails
}

func (f *fakeTasks) get(_ context.Context, id task.ID) (task.ExecutionDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.details[id]
	if !ok {
		return task.ExecutionDetails{}, task.ErrTaskNotFound
	}
	return d, nil
}

func startHub(t *testing.T, tasks *fakeTasks) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/tasks/:id/ws", hub.HandleTask(tasks.get))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_StreamsProgressUntilTerminal(t *testing.T) {
	id := task.NewID()
	tasks := &fakeTasks{details: map[task.ID]task.ExecutionDetails{
		id: {TaskID: id, Type: "full-reindexing", Status: task.StatusRunning},
	}}
	hub, url := startHub(t, tasks)

	conn, _, err := websocket.DefaultDialer.Dial(url+"/tasks/"+id.String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	snapshot := readMessage(t, conn)
	assert.Equal(t, MessageTypeProgress, snapshot.Type)
	assert.Equal(t, id, snapshot.TaskID)
	require.NotNil(t, snapshot.Details)
	assert.Equal(t, task.StatusRunning, snapshot.Details.Status)
	assert.Equal(t, 1, hub.Subscribers(id))

	// 其它任务的进度不会推给该连接
	hub.Publish(task.ExecutionDetails{TaskID: task.NewID(), Status: task.StatusCompleted})
	hub.Publish(task.ExecutionDetails{
		TaskID:                id,
		Type:                  "full-reindexing",
		Status:                task.StatusCompleted,
		AdditionalInformation: json.RawMessage(`{"successfullyReprocessedMailCount":3}`),
	})

	final := readMessage(t, conn)
	require.NotNil(t, final.Details)
	assert.Equal(t, task.StatusCompleted, final.Details.Status)
	assert.JSONEq(t, `{"successfullyReprocessedMailCount":3}`, string(final.Details.AdditionalInformation))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
	assert.Eventually(t, func() bool { return hub.Subscribers(id) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_TerminalTaskClosesAfterSnapshot(t *testing.T) {
	id := task.NewID()
	tasks := &fakeTasks{details: map[task.ID]task.ExecutionDetails{
		id: {TaskID: id, Status: task.StatusPartial},
	}}
	_, url := startHub(t, tasks)

	conn, _, err := websocket.DefaultDialer.Dial(url+"/tasks/"+id.String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	require.NotNil(t, msg.Details)
	assert.Equal(t, task.StatusPartial, msg.Details.Status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_UnknownTask(t *testing.T) {
	_, url := startHub(t, &fakeTasks{details: map[task.ID]task.ExecutionDetails{}})

	_, resp, err := websocket.DefaultDialer.Dial(url+"/tasks/"+task.NewID().String()+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"/tasks/not-a-uuid/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(nil, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(task.ExecutionDetails{TaskID: task.NewID()})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without a running hub")
	}
}
