// Package ws implements the WebSocket broadcast hub. It bridges the Redis
// signal bus to connected clients: lifecycle events published on the bus are
// fanned out to every subscribed connection, and events carrying a user ID
// are delivered only to connections identified as that user.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arborlabs/arbd/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// busChannels are the signal bus channels the hub subscribes to.
var busChannels = []string{
	domain.ChannelOpportunities,
	domain.ChannelUnlocks,
	domain.ChannelExecutions,
	domain.ChannelProfits,
}

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins. In production, restrict this to known origins.
		return true
	},
}

// client represents a single WebSocket connection. userID is empty for
// anonymous connections, which receive broadcast events only.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	subs   map[string]bool // subscribed channels
	mu     sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to manage its channel
// subscriptions.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// Personalizer tailors a published opportunity to one identified subscriber:
// whether the user already holds an unlock on record, and the eligibility
// decision for the pair.
type Personalizer interface {
	Decide(ctx context.Context, userID string, opp domain.Opportunity) (decision domain.UnlockDecision, unlocked bool, err error)
}

// Hub manages the set of connected WebSocket clients.
type Hub struct {
	clients      map[*client]bool
	broadcast    chan broadcastMsg
	register     chan *client
	unregister   chan *client
	bus          domain.SignalBus
	personalizer Personalizer
	mu           sync.RWMutex
	logger       *slog.Logger
	mode         string
	startedAt    time.Time
}

// broadcastMsg carries a message along with its source channel and target
// user so the hub can route it appropriately.
type broadcastMsg struct {
	channel       string
	userID        string // non-empty: deliver only to this user's connections
	anonymousOnly bool   // deliver only to connections without a user id
	data          []byte
}

// Config captures runtime metadata used in hub status snapshots sent to
// WebSocket clients on connect. Personalizer, when set, lets the hub tailor
// opportunity events per identified subscriber; without it every subscriber
// receives the redacted preview.
type Config struct {
	Mode         string
	StartedAt    time.Time
	Personalizer Personalizer
}

// NewHub creates a new WebSocket hub bridging a signal bus to connected
// clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	return &Hub{
		clients:      make(map[*client]bool),
		broadcast:    make(chan broadcastMsg, 256),
		register:     make(chan *client),
		unregister:   make(chan *client),
		bus:          bus,
		personalizer: cfg.Personalizer,
		logger:       logger,
		mode:         mode,
		startedAt:    startedAt,
	}
}

// Run starts the hub's main event loop. It should be called in a goroutine.
// It handles client registration, unregistration, and message broadcasting.
// The loop exits when the provided context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range busChannels {
		go h.subscribeToChannel(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.String("user_id", c.userID),
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if msg.userID != "" && c.userID != msg.userID {
					continue
				}
				if msg.anonymousOnly && c.userID != "" {
					continue
				}
				if !c.isSubscribed(msg.channel) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Client's send buffer is full; drop the message.
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribeToChannel subscribes to a single bus channel and forwards
// received messages to the hub's broadcast loop. The event envelope is
// decoded to extract the target user, if any.
func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("ws: subscribed to channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed",
					slog.String("channel", channel),
				)
				return
			}

			h.forward(ctx, channel, data)
		}
	}
}

// forward routes one bus message to subscribers. Opportunity publish events
// are personalized per identified user; everything else goes out as-is,
// honoring the envelope's user targeting.
func (h *Hub) forward(ctx context.Context, channel string, data []byte) {
	var ev domain.Event
	_ = json.Unmarshal(data, &ev)

	if channel == domain.ChannelOpportunities && ev.Type == domain.EventOpportunityPublished {
		h.fanOutOpportunity(ctx, ev)
		return
	}

	h.broadcast <- broadcastMsg{
		channel: channel,
		userID:  ev.UserID,
		data:    data,
	}
}

// fanOutOpportunity delivers a publish event in per-subscriber variants:
// anonymous connections get the redacted preview, and each identified user
// gets their unlock decision attached, with full legs only when the user
// already holds an unlock or the decision grants one.
func (h *Hub) fanOutOpportunity(ctx context.Context, ev domain.Event) {
	opp, ok := opportunityFromPayload(ev.Payload)
	if !ok {
		h.broadcast <- broadcastMsg{channel: domain.ChannelOpportunities, data: ev.Encode()}
		return
	}

	preview := encodeOpportunityEvent(ev, opp.Preview(), nil)
	h.broadcast <- broadcastMsg{
		channel:       domain.ChannelOpportunities,
		anonymousOnly: true,
		data:          preview,
	}

	for _, userID := range h.identifiedUsers() {
		data := preview
		if h.personalizer != nil {
			decision, unlocked, err := h.personalizer.Decide(ctx, userID, opp)
			switch {
			case err != nil:
				h.logger.Warn("ws: personalization failed",
					slog.String("user_id", userID),
					slog.String("opportunity_id", opp.ID),
					slog.String("error", err.Error()),
				)
			case unlocked || decision.AutoUnlock:
				data = encodeOpportunityEvent(ev, opp, &decision)
			default:
				data = encodeOpportunityEvent(ev, opp.Preview(), &decision)
			}
		}
		h.broadcast <- broadcastMsg{
			channel: domain.ChannelOpportunities,
			userID:  userID,
			data:    data,
		}
	}
}

// opportunityFromPayload recovers the opportunity embedded in a publish
// event payload.
func opportunityFromPayload(payload map[string]any) (domain.Opportunity, bool) {
	raw, ok := payload["opportunity"]
	if !ok {
		return domain.Opportunity{}, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return domain.Opportunity{}, false
	}
	var opp domain.Opportunity
	if err := json.Unmarshal(data, &opp); err != nil || opp.ID == "" {
		return domain.Opportunity{}, false
	}
	return opp, true
}

// encodeOpportunityEvent rebuilds the event envelope around the given view
// of the opportunity, attaching the decision when present.
func encodeOpportunityEvent(ev domain.Event, view any, decision *domain.UnlockDecision) []byte {
	payload := map[string]any{"opportunity": view}
	for k, v := range ev.Payload {
		if k != "opportunity" {
			payload[k] = v
		}
	}
	if decision != nil {
		payload["decision"] = decision
	}
	return domain.Event{
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Payload:   payload,
	}.Encode()
}

// identifiedUsers snapshots the distinct user ids of connected clients.
func (h *Hub) identifiedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool, len(h.clients))
	ids := make([]string, 0, len(h.clients))
	for c := range h.clients {
		if c.userID == "" || seen[c.userID] {
			continue
		}
		seen[c.userID] = true
		ids = append(ids, c.userID)
	}
	return ids
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. An optional user_id query parameter identifies
// the connection for targeted events.
// GET /ws?user_id=<id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: strings.TrimSpace(r.URL.Query().Get("user_id")),
		subs:   make(map[string]bool),
	}

	// Subscribe to all event channels initially.
	for _, ch := range busChannels {
		c.subs[ch] = true
	}

	h.register <- c
	c.sendInitialStatus()

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads messages from the WebSocket connection. It handles
// subscription management requests (JSON text frames) from the client.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var sub subscribeMsg
		if jsonErr := json.Unmarshal(message, &sub); jsonErr == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription processes subscribe/unsubscribe requests from the client.
func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

// sendInitialStatus pushes a small JSON envelope so clients can immediately
// mark the connection as healthy even when no events are flowing yet.
func (c *client) sendInitialStatus() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	msg, err := json.Marshal(map[string]any{
		"type": "status",
		"payload": map[string]any{
			"mode":           c.hub.mode,
			"connected":      true,
			"uptime_seconds": uptime,
		},
	})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// isSubscribed checks whether the client is subscribed to the given channel.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

// writePump pumps messages from the hub to the WebSocket connection. Events
// go out as JSON text frames; periodic ping frames keep the connection
// alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
