package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

// LatestRuns 订阅全部运行的 id
const LatestRuns = "latest"

// writeTimeout 单条消息写超时
const writeTimeout = 5 * time.Second

// RunEventHandler 通过 WebSocket 推送运行状态迁移
type RunEventHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[string]map[*websocket.Conn]struct{}
	clientMutex sync.RWMutex
	broadcast   chan RunEventMessage
}

// RunEventMessage 推送给客户端的消息
type RunEventMessage struct {
	RunID     string          `json:"run_id"`
	From      domain.RunState `json:"from"`
	To        domain.RunState `json:"to"`
	Note      string          `json:"note,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewRunEventHandler 创建运行事件处理器
func NewRunEventHandler(logger *logrus.Logger) *RunEventHandler {
	return &RunEventHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源（API 由 token 保护）
			},
		},
		clients:   make(map[string]map[*websocket.Conn]struct{}),
		broadcast: make(chan RunEventMessage, 100),
	}
}

// Start 启动广播服务，ctx 结束时关闭所有连接
func (h *RunEventHandler) Start(ctx context.Context) {
	go h.runBroadcaster(ctx)
}

// runBroadcaster 运行广播器
func (h *RunEventHandler) runBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver 只发送给对应运行的客户端和订阅 latest 的客户端
func (h *RunEventHandler) deliver(msg RunEventMessage) {
	h.clientMutex.RLock()
	var targets []*websocket.Conn
	for _, key := range []string{msg.RunID, LatestRuns} {
		for conn := range h.clients[key] {
			targets = append(targets, conn)
		}
	}
	h.clientMutex.RUnlock()

	for _, conn := range targets {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			h.remove(conn)
			conn.Close()
		}
	}
}

// HandleWebSocket 处理WebSocket连接
// GET /ws/runs/:id，id 为 latest 时接收全部运行
func (h *RunEventHandler) HandleWebSocket(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		runID = LatestRuns
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	// 注册客户端
	h.clientMutex.Lock()
	if h.clients[runID] == nil {
		h.clients[runID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[runID][conn] = struct{}{}
	h.clientMutex.Unlock()

	h.logger.WithField("run_id", runID).Info("WebSocket client connected")

	// 保持连接，客户端消息被忽略
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	// 清理断开的连接
	h.remove(conn)
	h.logger.WithField("run_id", runID).Info("WebSocket client disconnected")
}

// OnTransition 广播状态迁移（供编排器调用）
func (h *RunEventHandler) OnTransition(t domain.StateTransition) {
	msg := RunEventMessage{
		RunID:     t.RunID,
		From:      t.From,
		To:        t.To,
		Note:      t.Note,
		Timestamp: t.At.Unix(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.WithField("run_id", t.RunID).Warn("Broadcast channel is full, dropping message")
	}
}

// ClientCount 当前连接数
func (h *RunEventHandler) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (h *RunEventHandler) remove(conn *websocket.Conn) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	for key, set := range h.clients {
		if _, ok := set[conn]; ok {
			delete(set, conn)
			if len(set) == 0 {
				delete(h.clients, key)
			}
		}
	}
}

func (h *RunEventHandler) closeAll() {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	for key, set := range h.clients {
		for conn := range set {
			conn.Close()
		}
		delete(h.clients, key)
	}
}
