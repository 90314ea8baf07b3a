package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all realtime events, both directions.
type Envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Event names consumed from the gateway.
const (
	EventReceiveMessage = "receive_message"
	EventChatUpdated    = "chat_updated"
	EventNewGroupChat   = "new_group_chat"
)

// Event names published to the gateway.
const (
	EventJoin        = "join"
	EventJoinChat    = "join_chat"
	EventSendMessage = "send_message"
)

// ChatUpdatedPayload is sent when a conversation's summary changed
// (new message in a non-joined room, rename, membership change).
type ChatUpdatedPayload struct {
	ChatID string `json:"chatId"`
}

// SendMessagePayload is the body of a send_message publish. The server
// assigns the message id and echoes the stored message back as a
// receive_message event to every participant, sender included.
type SendMessagePayload struct {
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime transport session.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration

	// Logger receives transport diagnostics. Nil disables logging.
	Logger *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.New(discardHandler{})
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ConnState represents the transport connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

// EventHandler is the generic event callback type.
type EventHandler func(event string, payload json.RawMessage)

// Handlers are invoked synchronously from the read loop, in registration
// order, so every handler observes events in arrival order exactly once.
// Handler slices are copied out before invocation, so a handler may register
// further handlers without deadlocking.
type eventDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]EventHandler
	onMessage      []func(Message)
	onChatUpdated  []func(ChatUpdatedPayload)
	onNewGroupChat []func(Conversation)
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]EventHandler),
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	onMessage := append([]func(Message){}, d.onMessage...)
	onChatUpdated := append([]func(ChatUpdatedPayload){}, d.onChatUpdated...)
	onNewGroupChat := append([]func(Conversation){}, d.onNewGroupChat...)
	generic := append([]EventHandler{}, d.generic[env.Event]...)
	d.mu.RUnlock()

	switch env.Event {
	case EventReceiveMessage:
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			for _, h := range onMessage {
				h(m)
			}
		}
	case EventChatUpdated:
		var p ChatUpdatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range onChatUpdated {
				h(p)
			}
		}
	case EventNewGroupChat:
		var c Conversation
		if json.Unmarshal(env.Payload, &c) == nil {
			for _, h := range onNewGroupChat {
				h(c)
			}
		}
	}

	for _, h := range generic {
		h(env.Event, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute resets the backoff schedule.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Realtime
// ============================================================================

// Realtime owns the persistent bidirectional session with the chat gateway:
// one session per authenticated user, with a join handshake that keys the
// session to the user so the server can route user-targeted events.
//
// On reconnect the join handshake and all joined conversation rooms are
// re-issued before any further event is delivered.
type Realtime struct {
	baseURL string
	token   string
	config  *RealtimeConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	userID           string
	joined           map[string]struct{}

	dispatcher *eventDispatcher
	recon      *reconnector
}

// OnMessage registers a handler for incoming chat messages.
func (rt *Realtime) OnMessage(h func(Message)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessage = append(rt.dispatcher.onMessage, h)
	rt.dispatcher.mu.Unlock()
}

// OnChatUpdated registers a handler for conversation summary updates.
func (rt *Realtime) OnChatUpdated(h func(ChatUpdatedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onChatUpdated = append(rt.dispatcher.onChatUpdated, h)
	rt.dispatcher.mu.Unlock()
}

// OnNewGroupChat registers a handler for group conversations the user was
// just added to.
func (rt *Realtime) OnNewGroupChat(h func(Conversation)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onNewGroupChat = append(rt.dispatcher.onNewGroupChat, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *Realtime) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *Realtime) OnDisconnected(h func(reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *Realtime) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// On registers a generic handler for a named event.
func (rt *Realtime) On(event string, h EventHandler) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.generic[event] = append(rt.dispatcher.generic[event], h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *Realtime) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// WSUrl returns the websocket endpoint derived from the API origin.
func (rt *Realtime) WSUrl() string {
	base := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + "/ws"
	if rt.token != "" {
		u += "?token=" + rt.token
	}
	return u
}

// Connect establishes the session and registers it under userID via the
// join handshake. Connecting while connected is a no-op.
func (rt *Realtime) Connect(ctx context.Context, userID string) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.userID = userID
	rt.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, rt.WSUrl(), nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rooms := make([]string, 0, len(rt.joined))
	for id := range rt.joined {
		rooms = append(rooms, id)
	}
	rt.mu.Unlock()
	rt.recon.markConnected()

	// Join handshake, then rejoin any rooms from before a reconnect. A room
	// that fails to rejoin is logged and skipped; the rest still replay.
	if err := rt.send(ctx, EventJoin, userID); err != nil {
		conn.Close(websocket.StatusGoingAway, "join failed")
		rt.mu.Lock()
		rt.conn = nil
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("join handshake: %w", err)
	}
	for _, id := range rooms {
		if err := rt.send(ctx, EventJoinChat, id); err != nil {
			rt.config.Logger.Warn("room rejoin failed", "chat", id, "err", err)
		}
	}

	// The loops live as long as this connection, not the dial context.
	// Cancelling the previous connection's context here releases its loops.
	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	if rt.cancelFn != nil {
		rt.cancelFn()
	}
	rt.cancelFn = cancel
	rt.mu.Unlock()

	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect releases the session. No events are delivered afterwards.
func (rt *Realtime) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.dispatcher.emitDisconnected("client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinChat scopes subsequent push events to a conversation room. Joining a
// room twice has no additional effect.
func (rt *Realtime) JoinChat(ctx context.Context, chatID string) error {
	rt.mu.Lock()
	if _, ok := rt.joined[chatID]; ok {
		rt.mu.Unlock()
		return nil
	}
	rt.joined[chatID] = struct{}{}
	rt.mu.Unlock()

	return rt.send(ctx, EventJoinChat, chatID)
}

// SendMessage publishes a message to a conversation, fire-and-forget: there
// is no acknowledgement, and the server's echo over the push channel is the
// only confirmation. While disconnected the send silently no-ops.
func (rt *Realtime) SendMessage(ctx context.Context, chatID, senderID, content string) error {
	return rt.Publish(ctx, EventSendMessage, SendMessagePayload{
		ChatID:   chatID,
		SenderID: senderID,
		Content:  content,
	})
}

// Publish sends a raw event to the gateway. No error is returned while
// disconnected; callers that care can check State first.
func (rt *Realtime) Publish(ctx context.Context, event string, payload any) error {
	return rt.send(ctx, event, payload)
}

func (rt *Realtime) send(ctx context.Context, event string, payload any) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(Envelope{
		Event:     event,
		Payload:   raw,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readLoop reads frames from its own connection only. After a reconnect
// swaps rt.conn, the superseded loop exits instead of touching shared state.
func (rt *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			if rt.intentionalClose || rt.conn != conn {
				rt.mu.Unlock()
				return
			}
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			rt.dispatcher.emitDisconnected(err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rt.dispatcher.dispatch(env)
	}
}

func (rt *Realtime) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			current := rt.conn
			rt.mu.Unlock()
			if current != conn {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Dead link; closing unblocks the read loop, which then
				// drives the reconnect policy.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rt *Realtime) scheduleReconnect(ctx context.Context) {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	userID := rt.userID
	rt.mu.Unlock()

	rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := rt.Connect(ctx, userID); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect(ctx)
		} else {
			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.mu.Unlock()
		}
	}
}
