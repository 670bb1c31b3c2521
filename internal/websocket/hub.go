package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mailindex/backend/internal/task"
)

// DetailsGetter 读取任务当前详情
type DetailsGetter func(ctx context.Context, id task.ID) (task.ExecutionDetails, error)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 非浏览器客户端
				return true
			}
			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeProgress MessageType = "progress"
	MessageTypePing     MessageType = "ping"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType            `json:"type"`
	TaskID    task.ID                `json:"taskId,omitempty"`
	Details   *task.ExecutionDetails `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Client 订阅单个任务进度的连接
type Client struct {
	ID     string
	TaskID task.ID
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	log    *zap.Logger
}

// Hub 管理所有WebSocket连接，把任务详情变化推送给订阅者
//
// 任务进入终止状态后，推送最后一条进度并关闭该任务的全部连接。
type Hub struct {
	clients        map[string]*Client             // clientID -> Client
	tasks          map[task.ID]map[string]*Client // taskID -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan task.ExecutionDetails
	done           chan struct{}
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
}

// NewHub 创建WebSocket Hub
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		tasks:          make(map[task.ID]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan task.ExecutionDetails, 256),
		done:           make(chan struct{}),
		log:            log,
		allowedOrigins: allowedOrigins,
	}
}

// Run 启动Hub，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			if h.tasks[client.TaskID] == nil {
				h.tasks[client.TaskID] = make(map[string]*Client)
			}
			h.tasks[client.TaskID][client.ID] = client
			h.mu.Unlock()
			h.log.Debug("client registered",
				zap.String("id", client.ID),
				zap.String("task_id", client.TaskID.String()))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case details := <-h.broadcast:
			h.broadcastToTask(details)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// Publish 推送任务详情，可直接注册为 task.Manager 的监听器
//
// 不会阻塞调用方，缓冲区已满时丢弃并记录告警。
func (h *Hub) Publish(details task.ExecutionDetails) {
	select {
	case h.broadcast <- details:
	default:
		h.log.Warn("websocket broadcast buffer full, dropping progress",
			zap.String("task_id", details.TaskID.String()),
			zap.String("status", string(details.Status)))
	}
}

// Subscribers 当前订阅某个任务的连接数
func (h *Hub) Subscribers(id task.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tasks[id])
}

// removeLocked 移除客户端并关闭发送通道，重复调用无副作用
func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	if clients, exists := h.tasks[client.TaskID]; exists {
		delete(clients, client.ID)
		if len(clients) == 0 {
			delete(h.tasks, client.TaskID)
		}
	}
	delete(h.clients, client.ID)
	close(client.send)
	h.log.Debug("client unregistered", zap.String("id", client.ID))
}

// broadcastToTask 向订阅该任务的客户端发送详情
func (h *Hub) broadcastToTask(details task.ExecutionDetails) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.tasks[details.TaskID]
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(&Message{
		Type:      MessageTypeProgress,
		TaskID:    details.TaskID,
		Details:   &details,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	terminal := details.Status.Terminal()
	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
		if terminal {
			h.removeLocked(client)
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.tasks = make(map[task.ID]map[string]*Client)
}

// HandleTask 处理 /tasks/:id/ws 连接
//
// 先登记订阅再推送当前详情，避免错过两者之间发生的状态变化。
func (h *Hub) HandleTask(getter DetailsGetter) gin.HandlerFunc {
	upgrader := upgraderFactory(h.allowedOrigins)

	return func(c *gin.Context) {
		id, err := task.ParseID(c.Param("id"))
		if err == nil {
			_, err = getter(c.Request.Context(), id)
		}
		if err != nil {
			status := http.StatusInternalServerError
			msg := "internal server error"
			if errors.Is(err, task.ErrTaskNotFound) {
				status, msg = http.StatusNotFound, "task not found"
			}
			c.JSON(status, gin.H{"code": status, "msg": msg})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:     uuid.NewString(),
			TaskID: id,
			conn:   conn,
			send:   make(chan []byte, 256),
			hub:    h,
			log:    h.log,
		}

		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()

		details, err := getter(context.WithoutCancel(c.Request.Context()), id)
		if err != nil {
			h.log.Warn("failed to load task snapshot", zap.String("task_id", id.String()), zap.Error(err))
			return
		}
		select {
		case h.broadcast <- details:
		case <-h.done:
		}
	}
}

// readPump 读取客户端消息直到连接关闭
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}
		// 客户端消息没有语义，只用来保持连接
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
