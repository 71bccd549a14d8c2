package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"bybit-grid-bot-go/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// broadcastInterval is the cadence of dashboard pushes to connected clients.
const broadcastInterval = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served cross-origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHub 管理所有仪表盘 WebSocket 连接并定时推送快照。
type wsHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	kick    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newWSHub() *wsHub {
	return &wsHub{
		clients: make(map[*websocket.Conn]bool),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// run pushes a fresh payload to every client on each interval, and
// immediately when broadcastNow fires after a control action.
func (h *wsHub) run(payload func() gin.H) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		case <-h.kick:
		}
		h.broadcast(payload())
	}
}

func (h *wsHub) stop() {
	h.once.Do(func() { close(h.done) })
}

// broadcastNow schedules an out-of-band push.
func (h *wsHub) broadcastNow() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

func (h *wsHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

func (h *wsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *wsHub) broadcast(payload gin.H) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.S().Errorf("marshal dashboard payload: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.S().Warnf("dropping slow websocket client: %v", err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// handleWebSocket upgrades the connection, sends one immediate snapshot, and
// answers client pings with pongs until the peer goes away.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.S().Warnf("websocket upgrade failed: %v", err)
		return
	}
	// The initial snapshot goes out before the hub knows the connection, so
	// it cannot race a broadcast write on the same conn.
	initial, err := json.Marshal(s.dashboardPayload())
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		conn.WriteMessage(websocket.TextMessage, initial)
	}
	s.hub.add(conn)

	go s.readLoop(conn)
}

type clientMessage struct {
	Type string `json:"type"`
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.hub.remove(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == "ping" {
			s.hub.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
			s.hub.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
