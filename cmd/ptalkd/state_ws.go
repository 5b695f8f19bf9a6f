package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ptalk/internal/state"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + StateManager broadcaster
// ============================================================================
//
//   - The hub tracks connected clients; each has its own write pump so a slow
//     client never blocks the others, and is evicted when its queue fills.
//   - The broadcaster subscribes to all five StateManager categories. The
//     callbacks only enqueue; marshalling happens on the broadcaster goroutine.
//   - Frames are JSON text with an envelope {type, ts, data}. The first frame
//     on connect is "state_init" carrying a state.Snapshot.
//
// ============================================================================

type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

type interactionChanged struct {
	State  state.InteractionState `json:"state"`
	Source state.InputSource      `json:"source"`
}

type stateChanged struct {
	State string `json:"state"`
}

func marshalEnvelope(typ string, data any, at time.Time) ([]byte, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: typ, Ts: &at, Data: data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	SendBuf      int
	BroadcastBuf int
}

func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 32
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 128
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("state hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("state hub stopping")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("state client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.closeSend()
	h.logger.Info("state client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// BroadcastBytes enqueues a serialized frame; it drops when the hub is behind.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("state hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once

	remoteAddr string
	logger     *slog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info(pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info(pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump exits on write error or when the hub closes send.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards client frames; it exists to process control frames and
// notice disconnects.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

type StateServer struct {
	logger *slog.Logger
	hub    *Hub
	sm     *state.Manager
}

func NewStateServer(sm *state.Manager, logger *slog.Logger, cfg HubConfig) *StateServer {
	logger = logger.With("component", "state_ws")
	return &StateServer{
		logger: logger,
		hub:    NewHub(logger, cfg),
		sm:     sm,
	}
}

func (s *StateServer) Hub() *Hub { return s.hub }

func (s *StateServer) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS queues state_init before registering with the hub, so the
// snapshot is always the client's first frame.
func (s *StateServer) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	initMsg, err := marshalEnvelope("state_init", s.sm.Snapshot(), time.Time{})
	if err != nil {
		s.logger.Error("marshal state_init", "error", err)
		conn.Close()
		return
	}
	client.send <- initMsg

	s.hub.register <- client

	// The pumps outlive the request; net/http cancels r.Context() when the
	// handler returns.
	go client.writePump()
	go client.readPump()
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster fans StateManager changes out to the hub until ctx is
// canceled. StateManager callbacks never block on it; overflow is dropped and
// logged.
func RunBroadcaster(ctx context.Context, hub *Hub, sm *state.Manager, logger *slog.Logger) {
	type change struct {
		typ  string
		data any
		at   time.Time
	}
	changes := make(chan change, 64)
	push := func(typ string, data any) {
		select {
		case changes <- change{typ: typ, data: data, at: time.Now().UTC()}:
		default:
			logger.Warn("state broadcaster behind, dropping change", "type", typ)
		}
	}

	iid := sm.SubscribeInteraction(func(s state.InteractionState, src state.InputSource) {
		push("interaction_changed", interactionChanged{State: s, Source: src})
	})
	cid := sm.SubscribeConnectivity(func(s state.ConnectivityState) {
		push("connectivity_changed", stateChanged{State: s.String()})
	})
	sid := sm.SubscribeSystem(func(s state.SystemState) {
		push("system_changed", stateChanged{State: s.String()})
	})
	pid := sm.SubscribePower(func(s state.PowerState) {
		push("power_changed", stateChanged{State: s.String()})
	})
	eid := sm.SubscribeEmotion(func(s state.EmotionState) {
		push("emotion_changed", stateChanged{State: s.String()})
	})
	defer func() {
		sm.UnsubscribeInteraction(iid)
		sm.UnsubscribeConnectivity(cid)
		sm.UnsubscribeSystem(sid)
		sm.UnsubscribePower(pid)
		sm.UnsubscribeEmotion(eid)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-changes:
			msg, err := marshalEnvelope(ch.typ, ch.data, ch.at)
			if err != nil {
				logger.Warn("state broadcaster marshal failed", "error", err, "type", ch.typ)
				continue
			}
			hub.BroadcastBytes(msg)
		}
	}
}
