package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/nicktill/vitals/pkg/config"
	"github.com/nicktill/vitals/pkg/refresh"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// ProgressMessage is pushed to clients on every refresh change
type ProgressMessage struct {
	Type      string       `json:"type"`
	Timestamp int64        `json:"timestamp"`
	Refresh   refresh.Info `json:"refresh"`
}

// client serializes writes; gorilla connections allow one writer at a time
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
	return c.conn.WriteMessage(messageType, data)
}

// ProgressHub streams refresh progress to WebSocket clients so dashboards
// can show a "summaries updating" indicator
type ProgressHub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	logger     *log.Logger

	mu sync.RWMutex
}

// NewProgressHub creates a new WebSocket hub
func NewProgressHub(logger *log.Logger) *ProgressHub {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &ProgressHub{
		clients:    make(map[*client]bool),
		register:   make(chan *client, config.WSChannelBuffer),
		unregister: make(chan *client, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		logger:     logger.WithPrefix("ws"),
	}
}

// Run starts the hub's main loop
func (h *ProgressHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", "total", count)
		case c := <-h.unregister:
			h.remove(c)
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*client
			for c := range h.clients {
				if err := c.write(websocket.TextMessage, message); err != nil {
					h.logger.Debug("write failed", "err", err)
					failed = append(failed, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range failed {
				h.remove(c)
			}
		}
	}
}

func (h *ProgressHub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client disconnected", "total", count)
}

// Publish broadcasts a refresh snapshot. It never blocks and can be used as
// a refresh.Observer.
func (h *ProgressHub) Publish(info refresh.Info) {
	msg := ProgressMessage{
		Type:      "refresh_progress",
		Timestamp: time.Now().Unix(),
		Refresh:   info,
	}
	if err := h.Broadcast(msg); err != nil {
		h.logger.Warn("failed to encode progress", "id", info.ID, "err", err)
	}
}

// Broadcast sends a message to all connected clients, dropping it if the
// hub is backed up
func (h *ProgressHub) Broadcast(data any) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
	return nil
}

// HasClients returns true if there are any connected WebSocket clients
func (h *ProgressHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleWebSocket handles WebSocket upgrade requests. A client joining
// mid-cycle first receives the current job, if any.
func (h *ProgressHub) HandleWebSocket(current func() *refresh.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("upgrade failed", "err", err)
			return
		}
		c := &client{conn: conn}

		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		if current != nil {
			if job := current(); job != nil {
				msg, _ := json.Marshal(ProgressMessage{
					Type:      "refresh_progress",
					Timestamp: time.Now().Unix(),
					Refresh:   job.Info(),
				})
				c.write(websocket.TextMessage, msg)
			}
		}

		ctx, cancel := context.WithCancel(r.Context())

		// keepalive
		go func() {
			ticker := time.NewTicker(config.WSPingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := c.write(websocket.PingMessage, nil); err != nil {
						return
					}
				}
			}
		}()

		defer func() {
			cancel()
			select {
			case h.unregister <- c:
			case <-h.done:
			}
		}()

		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
			return nil
		})

		// read loop only services control frames and detects close
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("connection error", "err", err)
				}
				return
			}
		}
	}
}
