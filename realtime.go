package murmur

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

	"nhooyr.io/websocket"
)

// ============================================================================
// Realtime Wire Format
// ============================================================================

// RealtimeEnvelope is the wire format for all realtime frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DeltaPayload carries a message delta for one conversation.
type DeltaPayload struct {
	ConversationID string      `json:"conversationId"`
	Message        WireMessage `json:"message"`
}

// AuthenticatedPayload is sent when the connection is authenticated.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
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
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Delta Dispatcher
// ============================================================================

type deltaSub struct {
	id      int
	handler func(Delta)
}

type deltaDispatcher struct {
	mu             sync.RWMutex
	nextID         int
	byConversation map[string][]deltaSub
	onAuth         []func(AuthenticatedPayload)
	onConnected    []func()
	onDisconnected []func(code int, reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newDeltaDispatcher() *deltaDispatcher {
	return &deltaDispatcher{byConversation: make(map[string][]deltaSub)}
}

func (d *deltaDispatcher) subscribe(conversationID string, handler func(Delta)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.byConversation[conversationID] = append(d.byConversation[conversationID], deltaSub{id: id, handler: handler})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		subs := d.byConversation[conversationID]
		for i, s := range subs {
			if s.id == id {
				d.byConversation[conversationID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
	}
}

// dispatchDelta fans one delta frame out to the conversation's handlers in
// registration order, synchronously, preserving frame order per handler.
func (d *deltaDispatcher) dispatchDelta(p DeltaPayload, deltaType string) {
	d.mu.RLock()
	subs := append([]deltaSub(nil), d.byConversation[p.ConversationID]...)
	d.mu.RUnlock()
	for _, s := range subs {
		s.handler(Delta{Type: deltaType, Message: p.Message})
	}
}

func (d *deltaDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *deltaDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *deltaDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
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
// RealtimeClient
// ============================================================================

// RealtimeClient is the WebSocket push transport. It implements DeltaSource:
// attach it to a ConversationSession and message deltas flow into the merge
// engine as they arrive. Malformed frames are dropped and logged; they never
// stop the read loop.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *deltaDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
	log              *slog.Logger
}

func newRealtimeClient(baseURL string, cfg *RealtimeConfig) *RealtimeClient {
	return &RealtimeClient{
		baseURL:      baseURL,
		config:       cfg,
		state:        StateDisconnected,
		dispatcher:   newDeltaDispatcher(),
		recon:        newReconnector(cfg),
		pendingPings: make(map[string]chan PongPayload),
		log:          cfg.Logger,
	}
}

// OnDelta subscribes a handler to message deltas for one conversation and
// asks the server to join it. The returned function cancels the
// subscription.
func (rt *RealtimeClient) OnDelta(conversationID string, handler func(Delta)) (func(), error) {
	cancel := rt.dispatcher.subscribe(conversationID, handler)

	rt.mu.Lock()
	connected := rt.state == StateConnected
	rt.mu.Unlock()
	if connected {
		if err := rt.JoinConversation(context.Background(), conversationID); err != nil {
			cancel()
			return nil, err
		}
	}
	return cancel, nil
}

// OnAuthenticated registers a handler for the authenticated event.
func (rt *RealtimeClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onAuth = append(rt.dispatcher.onAuth, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect establishes the WebSocket connection and rejoins every
// conversation that has subscribers.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the authentication acknowledgment.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("read auth frame: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.mu.Unlock()
	rt.recon.markConnected()

	var auth AuthenticatedPayload
	if json.Unmarshal(env.Payload, &auth) == nil {
		rt.dispatcher.mu.RLock()
		handlers := append([]func(AuthenticatedPayload){}, rt.dispatcher.onAuth...)
		rt.dispatcher.mu.RUnlock()
		for _, h := range handlers {
			go h(auth)
		}
	}
	rt.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.cancelFn = cancel
	rt.mu.Unlock()

	rt.rejoinAll(connCtx)
	go rt.readLoop(connCtx)
	go rt.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (rt *RealtimeClient) Disconnect() error {
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

	rt.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rt.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// JoinConversation asks the server to stream deltas for a conversation.
func (rt *RealtimeClient) JoinConversation(ctx context.Context, conversationID string) error {
	return rt.send(ctx, &RealtimeCommand{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Ping sends a ping and waits for the matching pong.
func (rt *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	rt.mu.Lock()
	rt.pingCounter++
	requestID := fmt.Sprintf("ping-%d", rt.pingCounter)
	rt.mu.Unlock()

	ch := make(chan PongPayload, 1)
	rt.pendingMu.Lock()
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	err := rt.send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		rt.dropPendingPing(requestID)
		return nil, err
	}

	select {
	case pong := <-ch:
		return &pong, nil
	case <-time.After(10 * time.Second):
		rt.dropPendingPing(requestID)
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		rt.dropPendingPing(requestID)
		return nil, ctx.Err()
	}
}

func (rt *RealtimeClient) send(ctx context.Context, cmd *RealtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rt *RealtimeClient) readLoop(ctx context.Context) {
	for {
		rt.mu.Lock()
		conn := rt.conn
		rt.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			rt.dispatcher.emitDisconnected(0, err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect(context.Background())
			}
			return
		}

		rt.handleFrame(data)
	}
}

// handleFrame parses and routes one inbound frame. A frame that does not
// decode is dropped and logged; the loop continues.
func (rt *RealtimeClient) handleFrame(data []byte) {
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		rt.log.Warn("dropping undecodable realtime frame", "error", err)
		return
	}

	switch env.Type {
	case "pong":
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			rt.pendingMu.Lock()
			ch, ok := rt.pendingPings[p.RequestID]
			if ok {
				delete(rt.pendingPings, p.RequestID)
			}
			rt.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}

	case DeltaMessageNew, DeltaMessageEdited, DeltaMessageDeleted:
		var p DeltaPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ConversationID == "" {
			rt.log.Warn("dropping malformed delta frame", "type", env.Type, "error", err)
			return
		}
		rt.dispatcher.dispatchDelta(p, env.Type)

	default:
		rt.log.Debug("ignoring realtime frame", "type", env.Type)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.State() != StateConnected {
				return
			}
			if _, err := rt.Ping(ctx); err != nil {
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) rejoinAll(ctx context.Context) {
	rt.dispatcher.mu.RLock()
	ids := make([]string, 0, len(rt.dispatcher.byConversation))
	for id, subs := range rt.dispatcher.byConversation {
		if len(subs) > 0 {
			ids = append(ids, id)
		}
	}
	rt.dispatcher.mu.RUnlock()

	for _, id := range ids {
		if err := rt.JoinConversation(ctx, id); err != nil {
			rt.log.Warn("rejoin failed", "conversationId", id, "error", err)
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := rt.recon.nextDelay()
	rt.setState(StateReconnecting)
	rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)

	time.Sleep(delay)

	if err := rt.Connect(ctx); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect(ctx)
		} else {
			rt.setState(StateDisconnected)
		}
	}
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

func (rt *RealtimeClient) dropPendingPing(requestID string) {
	rt.pendingMu.Lock()
	delete(rt.pendingPings, requestID)
	rt.pendingMu.Unlock()
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}
