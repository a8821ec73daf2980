package channel

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/oklog/ulid/v2"
)

// ChannelWebSocket names the WebSocket transport in Inbound.Channel.
const ChannelWebSocket = "websocket"

const writeTimeout = 10 * time.Second

// frame is the JSON envelope exchanged over the socket.
type frame struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	Text      string   `json:"text,omitempty"`
	Options   []string `json:"options,omitempty"`
	Escalated bool     `json:"escalated,omitempty"`
	MediaURL  string   `json:"media_url,omitempty"`
	MediaType string   `json:"media_type,omitempty"`
}

// Hub tracks live chat connections per worker address.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
	logger *slog.Logger
	now    func() time.Time
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]map[string]*websocket.Conn),
		logger: logger,
		now:    time.Now,
	}
}

// Register adds a connection for an address.
func (h *Hub) Register(address, connID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[address]; !exists {
		h.active[address] = make(map[string]*websocket.Conn)
	}
	h.active[address][connID] = conn
	h.logger.Info("chat connection registered", "address", address, "conn_id", connID)
}

// Unregister removes a connection if it is still the registered one.
func (h *Hub) Unregister(address, connID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.active[address]; ok {
		if current, exists := conns[connID]; exists && current == conn {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(h.active, address)
			}
			h.logger.Info("chat connection unregistered", "address", address, "conn_id", connID)
		}
	}
}

// Connected reports whether address has at least one live connection.
func (h *Hub) Connected(address string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[address]) > 0
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for address, conns := range h.active {
		for _, conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.active, address)
	}
}

// Send writes reply to every connection of to.
func (h *Hub) Send(ctx context.Context, to string, reply domain.Reply) (string, error) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active[to]))
	for _, c := range h.active[to] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return "", apperr.NewIntegrationFailure("channel", ErrNotConnected)
	}

	id := ulid.Make().String()
	msg := frame{Type: "reply", ID: id, Text: reply.Text, Options: reply.Options, Escalated: reply.Escalated}

	var delivered int
	var lastErr error
	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(writeCtx, c, msg)
		cancel()
		if err != nil {
			lastErr = err
			h.logger.Warn("chat write failed", "address", to, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return "", apperr.NewIntegrationFailure("channel", lastErr)
	}
	return id, nil
}

// Handler returns the WebSocket endpoint. The worker address is taken from
// the "user" query parameter; authentication happens in the pipeline.
func (h *Hub) Handler(next InboundHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := strings.TrimSpace(r.URL.Query().Get("user"))
		if address == "" {
			http.Error(w, "missing user", http.StatusBadRequest)
			return
		}

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			h.logger.Error("failed to accept websocket", "error", err, "address", address)
			return
		}
		defer func() {
			if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
				h.logger.Debug("failed to close websocket", "error", closeErr, "address", address)
			}
		}()

		connID := ulid.Make().String()
		h.Register(address, connID, ws)
		defer h.Unregister(address, connID, ws)

		h.readLoop(r.Context(), ws, address, next)
	})
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, address string, next InboundHandler) {
	for {
		var in frame
		if err := wsjson.Read(ctx, ws, &in); err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("websocket closed by client", "address", address)
			} else if ctx.Err() == nil {
				h.logger.Warn("websocket read error", "error", err, "address", address)
			}
			return
		}

		switch in.Type {
		case "ping":
			if err := wsjson.Write(ctx, ws, frame{Type: "pong"}); err != nil {
				h.logger.Debug("failed to send pong", "error", err)
			}
		case "message":
			if in.ID == "" {
				in.ID = ulid.Make().String()
			}
			next.HandleInbound(ctx, Inbound{
				MessageID:  in.ID,
				From:       address,
				Channel:    ChannelWebSocket,
				Text:       in.Text,
				MediaURL:   in.MediaURL,
				MediaType:  in.MediaType,
				ReceivedAt: h.now().UTC(),
			})
		default:
			h.logger.Debug("ignoring websocket frame", "type", in.Type, "address", address)
		}
	}
}
