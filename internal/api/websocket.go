package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/arrudagates/ponder/internal/device"
	"github.com/arrudagates/ponder/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	wsSendBuffer   = 64
	wsWatchBuffer  = 256
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub 把状态变化广播给所有 websocket 客户端，发送缓冲满的客户端被断开
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	watcher *device.Follower
	wg      sync.WaitGroup
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

func (h *Hub) Run(states *device.StateTable) {
	h.watcher = states.Follow("websocket", wsWatchBuffer)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for change := range h.watcher.C {
			h.Broadcast(change)
		}
	}()
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

func (h *Hub) Broadcast(change device.Change) {
	data, err := json.Marshal(change)
	if err != nil {
		logger.ErrorF("Fail to encode state change, details: %v", err)
		return
	}
	h.mu.RLock()
	var slow []*wsClient
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		logger.WarnF("Websocket client %s is too slow, disconnecting", c.conn.RemoteAddr())
		h.unregister(c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Close() {
	if h.watcher != nil {
		h.watcher.Close()
		h.wg.Wait()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// handleWebSocket 先发送当前全部状态快照，之后推送增量变化
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("Websocket upgrade failed, details: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	s.hub.register(c)

	for _, rec := range s.states.List() {
		data, err := json.Marshal(device.Change{
			Kind: device.ChangeState, DeviceID: rec.DeviceID, Model: rec.Model,
			Fields: rec.Fields, Online: rec.Online, At: rec.UpdatedAt,
		})
		if err != nil {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.hub.unregister(c)
			_ = conn.Close()
			return
		}
	}

	go c.writePump()
	go c.readPump(s.hub)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只处理控制帧，连接断开时注销客户端
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.DebugF("Websocket read error, details: %v", err)
			}
			return
		}
	}
}
