package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/broute-bridge/internal/infrastructure/config"
	"github.com/nerrad567/broute-bridge/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const (
	// ChannelPowerReading carries every decoded instantaneous power reading.
	ChannelPowerReading = "power.reading"

	// outboxSize is the number of frames buffered per connection before
	// broadcasts to it are dropped.
	outboxSize = 64
)

// knownChannels are the channels a client may subscribe to.
var knownChannels = map[string]struct{}{
	ChannelPowerReading: {},
}

// WSMessage is the envelope for every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe requests.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Hub tracks live WebSocket connections and fans events out to subscribers.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu    sync.RWMutex
	conns map[*wsConn]struct{}
}

// wsConn is one subscriber. Only writeLoop writes to ws; everything else
// queues frames on outbox.
type wsConn struct {
	hub     *Hub
	ws      *websocket.Conn
	subject string

	outbox    chan []byte
	closeOnce sync.Once

	subMu sync.RWMutex
	subs  map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by corsMiddleware and the bearer token.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[*wsConn]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*wsConn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.shutdown()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast queues an event for every client subscribed to channel.
// Slow clients whose outbox is full miss the event.
func (h *Hub) Broadcast(channel string, payload any) {
	frame, err := encodeFrame(WSMessage{Type: WSTypeEvent, EventType: channel, Payload: payload})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	dropped := 0
	for _, c := range targets {
		if !c.queue(frame) {
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Debug("websocket event dropped for slow clients", "channel", channel, "dropped", dropped)
	}
}

func (h *Hub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", c.subject, "clients", n)
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()

	if ok {
		c.shutdown()
		h.logger.Debug("websocket client disconnected", "subject", c.subject, "clients", n)
	}
}

// handleWebSocket upgrades the request. When auth is enabled the bearer
// token may come from the header or ?token=. A ?channels= list subscribes
// the client immediately.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	subject := ""
	if s.authEnabled() {
		var ok bool
		if subject, ok = s.authenticate(w, r, true); !ok {
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		hub:     s.hub,
		ws:      ws,
		subject: subject,
		outbox:  make(chan []byte, outboxSize),
		subs:    make(map[string]struct{}),
	}
	if raw := r.URL.Query().Get("channels"); raw != "" {
		c.subscribe(strings.Split(raw, ","))
	}

	s.hub.add(c)
	go c.writeLoop(c.hub.cfg)
	go c.readLoop(c.hub.cfg)
}

// readLoop handles client requests until the connection fails.
func (c *wsConn) readLoop(cfg config.WebSocketConfig) {
	defer c.hub.remove(c)

	if cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() {
		if idle > 0 {
			//nolint:errcheck // a failed deadline surfaces as a read error
			c.ws.SetReadDeadline(time.Now().Add(idle))
		}
	}
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		extend()
		c.handle(data)
	}
}

// writeLoop sends queued frames and keepalive pings. It exits when the
// outbox is closed or a write fails.
func (c *wsConn) writeLoop(cfg config.WebSocketConfig) {
	interval := time.Duration(cfg.PingInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.outbox:
			//nolint:errcheck // a failed deadline surfaces as a write error
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				//nolint:errcheck // best-effort close frame
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // a failed deadline surfaces as a write error
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches one client request.
func (c *wsConn) handle(data []byte) {
	var req struct {
		Type    string             `json:"type"`
		ID      string             `json:"id"`
		Payload WSSubscribePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(WSMessage{Type: WSTypeError, Payload: map[string]string{"message": "invalid JSON message"}})
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		accepted, rejected := c.subscribe(req.Payload.Channels)
		payload := map[string]any{"subscribed": accepted}
		if len(rejected) > 0 {
			payload["unknown"] = rejected
		}
		c.reply(WSMessage{Type: WSTypeResponse, ID: req.ID, Payload: payload})
	case WSTypeUnsubscribe:
		c.subMu.Lock()
		for _, ch := range req.Payload.Channels {
			delete(c.subs, ch)
		}
		c.subMu.Unlock()
		c.reply(WSMessage{Type: WSTypeResponse, ID: req.ID, Payload: map[string]any{"unsubscribed": req.Payload.Channels}})
	case WSTypePing:
		c.reply(WSMessage{Type: WSTypePong, ID: req.ID})
	default:
		c.reply(WSMessage{Type: WSTypeError, ID: req.ID, Payload: map[string]string{"message": "unknown message type: " + req.Type}})
	}
}

// subscribe adds the known channels and returns which were accepted.
func (c *wsConn) subscribe(channels []string) (accepted, rejected []string) {
	accepted = []string{}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if _, ok := knownChannels[ch]; !ok {
			rejected = append(rejected, ch)
			continue
		}
		c.subs[ch] = struct{}{}
		accepted = append(accepted, ch)
	}
	return accepted, rejected
}

func (c *wsConn) subscribed(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subs[channel]
	return ok
}

func (c *wsConn) reply(msg WSMessage) {
	frame, err := encodeFrame(msg)
	if err != nil {
		return
	}
	c.queue(frame)
}

// queue offers frame to the outbox without blocking. It reports false when
// the frame was dropped because the outbox is full or already closed.
func (c *wsConn) queue(frame []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.outbox <- frame:
		return true
	default:
		return false
	}
}

// shutdown closes the outbox so writeLoop sends a close frame and exits.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() { close(c.outbox) })
}

// encodeFrame stamps msg with the current time and marshals it.
func encodeFrame(msg WSMessage) ([]byte, error) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(msg)
}
