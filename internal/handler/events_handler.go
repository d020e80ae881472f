package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"reconomed-intake/internal/pipeline"
	"reconomed-intake/internal/session"
	"reconomed-intake/pkg/log"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源，由 AuthMiddleware 校验 token
		},
	}
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	clientBuffer = 64
)

// 推送给界面的消息类型。
const (
	MessageSession  = "session"
	MessageProgress = "progress"
	MessageToast    = "toast"
	MessageSnapshot = "snapshot"
)

// Toast 级别。
const (
	ToastInfo    = "info"
	ToastSuccess = "success"
	ToastWarning = "warning"
	ToastError   = "error"
)

// EventMessage 是通过 WebSocket 推送的一条消息。
type EventMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// ToastData 是一条面向用户的提示。
type ToastData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Notifier 接收一个会话的批次进度和面向用户的提示。
type Notifier interface {
	Progress(p pipeline.Progress)
	Toast(level, message string)
}

// Notifiers 按会话 key 返回 Notifier，通常是 *Hub。
type Notifiers interface {
	For(key string) Notifier
}

// Hub 把会话事件、上传进度和提示推送给同一会话的已连接界面，不同会话互不可见。
// 发送缓冲已满的慢客户端会被断开，不阻塞广播方。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[chan []byte]struct{}
}

// NewHub 创建一个新的 Hub。
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[chan []byte]struct{})}
}

// Attach 订阅会话跟踪器的状态变化，返回取消订阅的函数。签名与 service.Attacher 一致。
func (h *Hub) Attach(key string, tracker *session.Tracker) func() {
	return tracker.Subscribe(func(ev session.Event) {
		h.Broadcast(key, MessageSession, ev)
	})
}

// For 返回只向 key 会话推送的 Notifier。
func (h *Hub) For(key string) Notifier {
	return sessionNotifier{hub: h, key: key}
}

type sessionNotifier struct {
	hub *Hub
	key string
}

// Progress 是可以直接传给编排器的 ProgressFunc。
func (n sessionNotifier) Progress(p pipeline.Progress) {
	n.hub.Broadcast(n.key, MessageProgress, p)
}

// Toast 推送一条提示。
func (n sessionNotifier) Toast(level, message string) {
	n.hub.Broadcast(n.key, MessageToast, ToastData{Level: level, Message: message})
}

// Broadcast 把消息序列化后发送给 key 会话的所有客户端。
func (h *Hub) Broadcast(key, typ string, data any) {
	b, err := encodeMessage(typ, data)
	if err != nil {
		log.Errorf("[EventsHub] 序列化 %s 消息失败: %v", typ, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients[key] {
		select {
		case ch <- b:
		default:
			log.Warnf("[EventsHub] 会话 %s 的客户端发送缓冲已满，断开连接", key)
			h.dropLocked(key, ch)
		}
	}
}

// Clients 返回所有会话的连接总数。
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (h *Hub) register(key string) chan []byte {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[key]
	if !ok {
		set = make(map[chan []byte]struct{})
		h.clients[key] = set
	}
	set[ch] = struct{}{}
	return ch
}

func (h *Hub) unregister(key string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[key][ch]; ok {
		h.dropLocked(key, ch)
	}
}

func (h *Hub) dropLocked(key string, ch chan []byte) {
	delete(h.clients[key], ch)
	if len(h.clients[key]) == 0 {
		delete(h.clients, key)
	}
	close(ch)
}

func encodeMessage(typ string, data any) ([]byte, error) {
	return json.Marshal(EventMessage{Type: typ, Data: data, Timestamp: time.Now().UnixMilli()})
}

// EventsHandler 负责处理 WebSocket 事件流连接。
type EventsHandler struct {
	hub *Hub
}

// NewEventsHandler 创建一个新的 EventsHandler。
func NewEventsHandler(hub *Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// Handle 升级连接，先发送一份会话快照，之后持续推送该会话的事件。
// 客户端发来的消息只用于保持连接，内容被忽略。
func (h *EventsHandler) Handle(c *gin.Context) {
	sess := currentSession(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	ch := h.hub.register(sess.Key)
	defer h.hub.unregister(sess.Key, ch)
	log.Infof("[EventsHub] 会话 %s 的 WebSocket 连接已建立, 当前连接数 %d", sess.Key, h.hub.Clients())

	snapshot, err := encodeMessage(MessageSnapshot, gin.H{
		"uploads": sess.Uploads.List(time.Now()),
		"quota":   sess.Uploads.Quota(),
	})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
			log.Warnf("[EventsHub] 发送快照失败: %v", err)
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warnf("[EventsHub] 写入 WebSocket 失败: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.Infof("[EventsHub] WebSocket 连接已关闭")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
