package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/joescharf/testhub/internal/aitest"
	"github.com/joescharf/testhub/internal/models"
)

const wsWriteTimeout = 5 * time.Second

// Hub fans run events out to websocket clients subscribed by run type.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]struct{}
	logger  *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*websocket.Conn]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Subscribe(runType string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[runType] == nil {
		h.clients[runType] = make(map[*websocket.Conn]struct{})
	}
	h.clients[runType][conn] = struct{}{}
}

func (h *Hub) Unsubscribe(runType string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[runType]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, runType)
		}
	}
}

// Subscribers returns how many clients listen for runType.
func (h *Hub) Subscribers(runType string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[runType])
}

// Publish implements aitest.Observer.
func (h *Hub) Publish(runType string, ev aitest.Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[runType]))
	for c := range h.clients[runType] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal event", "error", err)
		return
	}

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("ws write error", "run_type", runType, "error", err)
			h.Unsubscribe(runType, conn)
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}
}

type wsSubscribeMsg struct {
	RunType string `json:"run_type"`
}

// ServeWS upgrades the request, reads one subscribe message and then holds
// the connection open until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("ws accept error", "error", err)
		return
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(r.Context())
	if err != nil {
		return
	}

	var msg wsSubscribeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid subscribe message")
		return
	}
	if msg.RunType == "" {
		msg.RunType = models.RunTypeAIExecutor
	}

	h.Subscribe(msg.RunType, conn)
	defer h.Unsubscribe(msg.RunType, conn)

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
