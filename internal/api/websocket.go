package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-driverhost/internal/auth"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-driverhost/internal/poll"
)

// WebSocket constants.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// EventFieldChanged is the event type of field updates.
	EventFieldChanged = "field.changed"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
// Channels are "moniker.field".
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// FieldEvent is the payload of a field.changed event.
type FieldEvent struct {
	poll.Snapshot
	Display string `json:"display"`
}

// Subscriber opens polling subscriptions. *poll.Engine implements it.
type Subscriber interface {
	Subscribe(moniker, name string) *poll.Handle
}

// channelRef is one polling subscription shared by every client on a channel.
type channelRef struct {
	handle *poll.Handle
	refs   int
}

// Hub manages WebSocket connections and broadcasts field changes.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	subs    Subscriber
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	channelsMu sync.Mutex
	channels   map[string]*channelRef
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
	principal     auth.Principal
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub. subs may be nil, in which case
// channels never receive events.
func NewHub(cfg config.WebSocketConfig, subs Subscriber, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		subs:     subs,
		clients:  make(map[*WSClient]struct{}),
		channels: make(map[string]*channelRef),
	}
}

// Run blocks until the context is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and drops its channels.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
		for _, ch := range client.dropAll() {
			h.release(ch)
		}
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// PublishChange broadcasts a polling-engine change to the field's channel.
// It matches poll.Engine.OnChange.
func (h *Hub) PublishChange(s poll.Snapshot) {
	h.Broadcast(channelName(s.Moniker, s.Field), FieldEvent{Snapshot: s, Display: s.Display()})
}

// Broadcast sends an event to all clients subscribed to the given channel.
// Lock ordering: hub lock is acquired first, then released before per-client
// subscription checks.
func (h *Hub) Broadcast(channel string, payload any) {
	msg := WSMessage{
		Type:      WSTypeEvent,
		EventType: EventFieldChanged,
		Channel:   channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sentCount := 0
	for _, client := range clients {
		if client.isSubscribed(channel) {
			client.trySend(data)
			sentCount++
		}
	}
	if sentCount > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sentCount)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChannelCount returns the number of channels with at least one subscriber.
func (h *Hub) ChannelCount() int {
	h.channelsMu.Lock()
	defer h.channelsMu.Unlock()
	return len(h.channels)
}

// acquire takes a reference on a channel, opening its polling subscription
// on first use. It returns the current snapshot when one is cached.
func (h *Hub) acquire(channel string) (poll.Snapshot, bool) {
	moniker, name, ok := parseChannel(channel)
	if !ok || h.subs == nil {
		return poll.Snapshot{}, false
	}

	h.channelsMu.Lock()
	ref, exists := h.channels[channel]
	if !exists {
		ref = &channelRef{handle: h.subs.Subscribe(moniker, name)}
		h.channels[channel] = ref
	}
	ref.refs++
	h.channelsMu.Unlock()

	snap, err := ref.handle.Snapshot()
	if err != nil || snap.Status == poll.StatusUnknown {
		return poll.Snapshot{}, false
	}
	return snap, true
}

// release drops a reference, closing the polling subscription on the last one.
func (h *Hub) release(channel string) {
	h.channelsMu.Lock()
	defer h.channelsMu.Unlock()
	ref, ok := h.channels[channel]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs <= 0 {
		ref.handle.Close()
		delete(h.channels, channel)
	}
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
	h.mu.Unlock()

	h.channelsMu.Lock()
	for ch, ref := range h.channels {
		ref.handle.Close()
		delete(h.channels, ch)
	}
	h.channelsMu.Unlock()
}

// channelName builds the canonical channel for a field. Field names match
// case-insensitively, monikers exactly.
func channelName(moniker, name string) string {
	return moniker + "." + strings.ToLower(strings.TrimSpace(name))
}

// parseChannel splits "moniker.field" at the last dot, since monikers may
// contain dots and field names do not.
func parseChannel(channel string) (moniker, name string, ok bool) {
	i := strings.LastIndexByte(channel, '.')
	if i <= 0 || i == len(channel)-1 {
		return "", "", false
	}
	return channel[:i], channel[i+1:], true
}

// canonicalChannel validates and normalises a client-supplied channel.
func canonicalChannel(channel string) (string, bool) {
	moniker, name, ok := parseChannel(strings.TrimSpace(channel))
	if !ok {
		return "", false
	}
	return channelName(moniker, name), true
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
// With authentication enabled a ticket from POST /auth/ws-ticket is required.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal := anonymousAdmin
	if s.secCfg.JWT.Secret != "" {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		p, ok := s.tickets.redeem(ticket)
		if !ok {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
		principal = p
	}
	if !auth.HasPermission(principal.Role, auth.PermFieldRead) {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "missing permission "+string(auth.PermFieldRead))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		principal:     principal,
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func decodeChannels(payload any) ([]string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(payloadBytes, &sub); err != nil {
		return nil, err
	}
	return sub.Channels, nil
}

// handleSubscribe adds channels to the client's subscription list and sends
// the cached value of each channel that has one.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	channels, err := decodeChannels(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	var subscribed, invalid []string
	var current []poll.Snapshot
	for _, raw := range channels {
		ch, ok := canonicalChannel(raw)
		if !ok {
			invalid = append(invalid, raw)
			continue
		}
		subscribed = append(subscribed, ch)
		if !c.add(ch) {
			continue
		}
		if snap, ok := c.hub.acquire(ch); ok {
			current = append(current, snap)
		}
	}

	c.hub.logger.Debug("websocket client subscribed", "channels", subscribed, "subject", c.principal.Subject)

	resp := map[string]any{"subscribed": subscribed}
	if len(invalid) > 0 {
		resp["invalid"] = invalid
	}
	c.sendResponse(msg.ID, WSTypeResponse, resp)

	for _, snap := range current {
		c.sendEvent(snap)
	}
}

// handleUnsubscribe removes channels from the client's subscription list.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	channels, err := decodeChannels(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	var removed []string
	for _, raw := range channels {
		ch, ok := canonicalChannel(raw)
		if !ok {
			continue
		}
		if c.remove(ch) {
			c.hub.release(ch)
		}
		removed = append(removed, ch)
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": removed,
	})
}

// add records a subscription and reports whether it is new.
func (c *WSClient) add(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[channel]; ok {
		return false
	}
	c.subscriptions[channel] = struct{}{}
	return true
}

// remove drops a subscription and reports whether it existed.
func (c *WSClient) remove(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[channel]; !ok {
		return false
	}
	delete(c.subscriptions, channel)
	return true
}

// dropAll clears the subscriptions and returns what they were.
func (c *WSClient) dropAll() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	c.subscriptions = make(map[string]struct{})
	return out
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// isSubscribed checks if the client is subscribed to a channel.
func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// sendEvent sends one field event to this client only.
func (c *WSClient) sendEvent(s poll.Snapshot) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: EventFieldChanged,
		Channel:   channelName(s.Moniker, s.Field),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   FieldEvent{Snapshot: s, Display: s.Display()},
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendResponse sends a response message to the client.
// Routes through trySend to safely handle closed channels during shutdown.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
