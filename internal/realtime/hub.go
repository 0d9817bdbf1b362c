package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/access"
	"github.com/lalithlochan/hookbox/internal/db"
)

// Authenticator turns a bearer token into a user ID.
type Authenticator interface {
	Authenticate(token string) (uuid.UUID, error)
}

// AccessChecker resolves a user's effective access to a channel.
type AccessChecker interface {
	Check(ctx context.Context, channelID, userID uuid.UUID, min access.Level) (*db.Channel, access.Level, error)
}

// SocketStore records that a user has a live socket mechanism.
type SocketStore interface {
	EnsureSocketChannel(ctx context.Context, userID uuid.UUID) (*db.DeliveryChannel, error)
}

// HubConfig holds connection tuning. Zero values use the defaults below.
type HubConfig struct {
	AllowedOrigins []string
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	OpTimeout      time.Duration
}

func (c HubConfig) withDefaults() HubConfig {
	if c.SendBuffer == 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait == 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 4096
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 5 * time.Second
	}
	return c
}

// Hub upgrades HTTP requests to WebSocket connections and attaches them to
// the Registry.
type Hub struct {
	registry *Registry
	auth     Authenticator
	access   AccessChecker
	sockets  SocketStore
	upgrader websocket.Upgrader
	cfg      HubConfig
	logger   *zap.Logger
}

func NewHub(registry *Registry, auth Authenticator, checker AccessChecker, sockets SocketStore, cfg HubConfig, logger *zap.Logger) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		registry: registry,
		auth:     auth,
		access:   checker,
		sockets:  sockets,
		cfg:      cfg,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// ServeHTTP handles GET /ws.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := h.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:     ConnID(uuid.NewString()),
		userID: userID,
		ws:     ws,
		send:   make(chan Event, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	h.registry.Connect(c)
	h.logger.Info("websocket connected",
		zap.String("conn_id", string(c.id)),
		zap.String("user_id", userID.String()),
	)

	go h.writePump(c)
	h.readPump(c)
}

type client struct {
	id        ConnID
	userID    uuid.UUID
	ws        *websocket.Conn
	send      chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) ID() ConnID { return c.id }

// Send queues ev without blocking.
func (c *client) Send(ev Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (h *Hub) writePump(c *client) {
	pingPeriod := h.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed", zap.String("conn_id", string(c.id)), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteWait))
			return
		}
	}
}

// inbound is a client frame.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.registry.Disconnect(c.id)
		c.close()
	}()

	c.ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		var msg inbound
		if err := c.ws.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				h.reply(c, EventError, map[string]string{"message": "malformed frame"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly", zap.String("conn_id", string(c.id)), zap.Error(err))
			}
			return
		}
		h.handle(c, msg)
	}
}

func (h *Hub) reply(c *client, name string, data any) {
	if err := c.Send(Event{Name: name, Data: data}); err != nil {
		h.logger.Debug("dropping reply", zap.String("conn_id", string(c.id)), zap.String("event", name), zap.Error(err))
	}
}

func (h *Hub) handle(c *client, msg inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.OpTimeout)
	defer cancel()

	switch msg.Event {
	case ActionSubscribeChannel, ActionUnsubscribeChannel:
		var req struct {
			ChannelID uuid.UUID `json:"channelId"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.ChannelID == uuid.Nil {
			h.reply(c, EventError, map[string]string{"message": "channelId is required"})
			return
		}

		if msg.Event == ActionUnsubscribeChannel {
			h.registry.UnsubscribeChannel(c.id, req.ChannelID)
			h.reply(c, EventUnsubscribed, map[string]string{"channelId": req.ChannelID.String()})
			return
		}

		if _, _, err := h.access.Check(ctx, req.ChannelID, c.userID, access.LevelMember); err != nil {
			if !errors.Is(err, access.ErrForbidden) && !errors.Is(err, db.ErrNotFound) {
				h.logger.Error("channel access check failed",
					zap.String("channel_id", req.ChannelID.String()),
					zap.String("user_id", c.userID.String()),
					zap.Error(err),
				)
			}
			h.reply(c, EventError, map[string]string{"message": "access denied", "channelId": req.ChannelID.String()})
			return
		}
		h.registry.SubscribeChannel(c.id, req.ChannelID)
		h.reply(c, EventSubscribed, map[string]string{"channelId": req.ChannelID.String()})

	case ActionSubscribeUser:
		var req struct {
			UserID string `json:"userId"`
		}
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &req)
		}
		if req.UserID != "" {
			if id, err := uuid.Parse(req.UserID); err != nil || id != c.userID {
				h.reply(c, EventError, map[string]string{"message": "cannot subscribe to another user"})
				return
			}
		}

		if _, err := h.sockets.EnsureSocketChannel(ctx, c.userID); err != nil {
			h.logger.Error("failed to record socket delivery channel",
				zap.String("user_id", c.userID.String()),
				zap.Error(err),
			)
		}
		h.registry.SubscribeUser(c.id, c.userID)
		h.reply(c, EventUserSubscribed, map[string]string{"userId": c.userID.String()})

	default:
		h.reply(c, EventError, map[string]string{"message": "unknown event", "event": msg.Event})
	}
}
