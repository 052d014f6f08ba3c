package supprt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned when a command is sent over a channel that is
// not currently established.
var ErrNotConnected = errors.New("realtime: not connected")

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime transports.
type RealtimeConfig struct {
	BaseURL              string
	Token                string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// StaleCheckInterval and StaleTimeout govern the SSE watchdog: a stream
	// producing no data (not even heartbeats) for StaleTimeout is torn down
	// and pushed into the reconnect path.
	StaleCheckInterval time.Duration
	StaleTimeout       time.Duration
	HTTPClient         *http.Client
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
	if c.StaleCheckInterval == 0 {
		c.StaleCheckInterval = 15 * time.Second
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
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

// Realtime is the persistent event channel the widget runs on. Events are
// delivered to subscribers in the order the channel produced them; no
// handler is invoked after Close.
type Realtime interface {
	Connect(ctx context.Context)
	Close() error
	State() RealtimeState

	OnMessage(func(MessageEvent))
	OnConversation(func(ConversationEvent))
	OnTyping(func(TypingEvent))
	OnConnected(func())
	OnReconnecting(func(attempt int, delay time.Duration))
	OnDisconnected(func())

	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
	SetTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	closed         bool
	onMessage      []func(MessageEvent)
	onConversation []func(ConversationEvent)
	onTyping       []func(TypingEvent)
	onConnected    []func()
	onReconnecting []func(int, time.Duration)
	onDisconnected []func()
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{}
}

// shutdown permanently silences the dispatcher; in-flight data arriving after
// a manual close is dropped here rather than reaching subscribers.
func (d *eventDispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// dispatch delivers one envelope synchronously so subscribers observe events
// in channel order. Unknown event types are dropped.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	switch env.Event {
	case "message":
		var p MessageEvent
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range d.onMessage {
				h(p)
			}
		}
	case "conversation":
		var p ConversationEvent
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range d.onConversation {
				h(p)
			}
		}
	case "typing":
		var p TypingEvent
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range d.onTyping {
				h(p)
			}
		}
	case "connected":
		// Handshake ack; the connected meta-event is emitted separately.
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, h := range d.onConnected {
		h()
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, h := range d.onReconnecting {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) emitDisconnected() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, h := range d.onDisconnected {
		h()
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
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

// nextDelay returns min(base·2^attempt, max) with symmetric ±20% jitter and
// increments the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	capped := math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt)),
		float64(r.maxDelay),
	)
	jitter := capped * 0.2 * (rand.Float64()*2 - 1)
	r.attempt++
	return time.Duration(capped + jitter)
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// RealtimeWS
// ============================================================================

// RealtimeWS is the WebSocket realtime channel with auto-reconnect. It is the
// transport the widget uses by default: join/leave and typing intent travel
// back over the same connection.
type RealtimeWS struct {
	config     *RealtimeConfig
	dispatcher *eventDispatcher
	recon      *reconnector

	mu          sync.Mutex
	conn        *websocket.Conn
	state       RealtimeState
	manualClose bool
	cancelFn    context.CancelFunc
	retryTimer  *time.Timer
}

// NewRealtimeWS creates a WebSocket realtime client. Call Connect to
// establish the channel.
func NewRealtimeWS(config *RealtimeConfig) *RealtimeWS {
	cfg := *config
	cfg.defaults()
	return &RealtimeWS{
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

func (ws *RealtimeWS) OnMessage(h func(MessageEvent)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessage = append(ws.dispatcher.onMessage, h)
	ws.dispatcher.mu.Unlock()
}

func (ws *RealtimeWS) OnConversation(h func(ConversationEvent)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConversation = append(ws.dispatcher.onConversation, h)
	ws.dispatcher.mu.Unlock()
}

func (ws *RealtimeWS) OnTyping(h func(TypingEvent)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onTyping = append(ws.dispatcher.onTyping, h)
	ws.dispatcher.mu.Unlock()
}

func (ws *RealtimeWS) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

func (ws *RealtimeWS) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

func (ws *RealtimeWS) OnDisconnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeWS) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the channel. Network failures do not surface to the
// caller; they enter the reconnect path and are reported through the
// reconnecting/disconnected callbacks. Calling Connect after retries were
// exhausted starts a fresh attempt cycle.
func (ws *RealtimeWS) Connect(ctx context.Context) {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return
	}
	// A pending retry would dial a second channel alongside this one.
	if ws.retryTimer != nil {
		ws.retryTimer.Stop()
		ws.retryTimer = nil
	}
	ws.state = StateConnecting
	ws.manualClose = false
	ws.mu.Unlock()

	ws.recon.reset()
	if err := ws.dial(ctx); err != nil {
		ws.scheduleReconnect(ctx)
	}
}

func (ws *RealtimeWS) dial(ctx context.Context) error {
	wsURL := strings.Replace(ws.config.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/api/v1/ws"

	// Token travels in a header, not the URL, so it stays out of logs.
	header := http.Header{}
	header.Set("Authorization", "Bearer "+ws.config.Token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		ws.mu.Lock()
		manual := ws.manualClose
		if !manual {
			ws.state = StateDisconnected
		}
		ws.mu.Unlock()
		if manual {
			return nil
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)

	ws.mu.Lock()
	if ws.manualClose {
		ws.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client close")
		return nil
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()

	ws.recon.reset()
	ws.dispatcher.emitConnected()

	go ws.readLoop(connCtx, conn)
	return nil
}

// Close deterministically tears down the channel: suppresses further
// reconnects, cancels any pending retry timer, and stops handler delivery
// even for in-flight data.
func (ws *RealtimeWS) Close() error {
	ws.mu.Lock()
	ws.manualClose = true
	if ws.retryTimer != nil {
		ws.retryTimer.Stop()
		ws.retryTimer = nil
	}
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.dispatcher.shutdown()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

// Join subscribes the channel to a conversation's update scope.
func (ws *RealtimeWS) Join(ctx context.Context, conversationID string) error {
	return ws.send(ctx, &RealtimeCommand{Action: "join", ConversationID: conversationID})
}

// Leave unsubscribes the channel from a conversation's update scope.
func (ws *RealtimeWS) Leave(ctx context.Context, conversationID string) error {
	return ws.send(ctx, &RealtimeCommand{Action: "leave", ConversationID: conversationID})
}

// SetTyping sets or clears the widget's own typing state.
func (ws *RealtimeWS) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return ws.send(ctx, &RealtimeCommand{
		Action:         "typing",
		ConversationID: conversationID,
		IsTyping:       isTyping,
		RequestID:      uuid.NewString(),
	})
}

func (ws *RealtimeWS) send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *RealtimeWS) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			manual := ws.manualClose
			if ws.conn == conn {
				ws.conn = nil
			}
			if !manual {
				ws.state = StateDisconnected
			}
			ws.mu.Unlock()

			if manual {
				return
			}
			ws.scheduleReconnect(context.Background())
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWS) scheduleReconnect(ctx context.Context) {
	if !ws.recon.shouldReconnect() {
		ws.dispatcher.emitDisconnected()
		return
	}
	delay := ws.recon.nextDelay()

	ws.mu.Lock()
	if ws.manualClose {
		ws.mu.Unlock()
		return
	}
	ws.state = StateReconnecting
	timer := time.AfterFunc(delay, func() {
		ws.mu.Lock()
		ws.retryTimer = nil
		// A manual Connect that raced the timer already owns the channel.
		if ws.manualClose || ws.state == StateConnected || ws.state == StateConnecting {
			ws.mu.Unlock()
			return
		}
		ws.state = StateConnecting
		ws.mu.Unlock()
		if err := ws.dial(ctx); err != nil {
			ws.scheduleReconnect(ctx)
		}
	})
	ws.retryTimer = timer
	ws.mu.Unlock()

	ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)
}

// ============================================================================
// RealtimeSSE
// ============================================================================

// RealtimeSSE is the server-push-only realtime channel over a text/event-stream
// response. The global stream already covers every conversation of the end
// user, so Join and Leave are no-ops; typing intent has no return path and is
// dropped.
type RealtimeSSE struct {
	config     *RealtimeConfig
	dispatcher *eventDispatcher
	recon      *reconnector

	mu           sync.Mutex
	state        RealtimeState
	manualClose  bool
	cancelFn     context.CancelFunc
	retryTimer   *time.Timer
	lastDataTime time.Time
}

// NewRealtimeSSE creates an SSE realtime client. Call Connect to establish
// the channel.
func NewRealtimeSSE(config *RealtimeConfig) *RealtimeSSE {
	cfg := *config
	cfg.defaults()
	return &RealtimeSSE{
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

func (sse *RealtimeSSE) OnMessage(h func(MessageEvent)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onMessage = append(sse.dispatcher.onMessage, h)
	sse.dispatcher.mu.Unlock()
}

func (sse *RealtimeSSE) OnConversation(h func(ConversationEvent)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onConversation = append(sse.dispatcher.onConversation, h)
	sse.dispatcher.mu.Unlock()
}

func (sse *RealtimeSSE) OnTyping(h func(TypingEvent)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onTyping = append(sse.dispatcher.onTyping, h)
	sse.dispatcher.mu.Unlock()
}

func (sse *RealtimeSSE) OnConnected(h func()) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onConnected = append(sse.dispatcher.onConnected, h)
	sse.dispatcher.mu.Unlock()
}

func (sse *RealtimeSSE) OnReconnecting(h func(attempt int, delay time.Duration)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onReconnecting = append(sse.dispatcher.onReconnecting, h)
	sse.dispatcher.mu.Unlock()
}

func (sse *RealtimeSSE) OnDisconnected(h func()) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onDisconnected = append(sse.dispatcher.onDisconnected, h)
	sse.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (sse *RealtimeSSE) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Connect establishes the stream. Network failures enter the reconnect path
// instead of surfacing to the caller.
func (sse *RealtimeSSE) Connect(ctx context.Context) {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return
	}
	// A pending retry would dial a second stream alongside this one.
	if sse.retryTimer != nil {
		sse.retryTimer.Stop()
		sse.retryTimer = nil
	}
	sse.state = StateConnecting
	sse.manualClose = false
	sse.mu.Unlock()

	sse.recon.reset()
	if err := sse.dial(ctx); err != nil {
		sse.scheduleReconnect(ctx)
	}
}

func (sse *RealtimeSSE) dial(ctx context.Context) error {
	// The request must run under the connection context so that Close and
	// the stale watchdog can cancel the blocked body read.
	connCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(connCtx, "GET", sse.config.BaseURL+"/api/v1/sse", nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+sse.config.Token)

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		sse.mu.Lock()
		if !sse.manualClose {
			sse.state = StateDisconnected
		}
		sse.mu.Unlock()
		return fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		resp.Body.Close()
		sse.mu.Lock()
		if !sse.manualClose {
			sse.state = StateDisconnected
		}
		sse.mu.Unlock()
		return fmt.Errorf("sse connect: HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	if sse.manualClose {
		sse.mu.Unlock()
		cancel()
		resp.Body.Close()
		return nil
	}
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()

	sse.recon.reset()
	sse.dispatcher.emitConnected()

	go sse.readLoop(connCtx, resp)
	go sse.staleWatchdog(connCtx)
	return nil
}

// Close tears down the stream, cancels any pending retry timer, and stops
// handler delivery.
func (sse *RealtimeSSE) Close() error {
	sse.mu.Lock()
	sse.manualClose = true
	if sse.retryTimer != nil {
		sse.retryTimer.Stop()
		sse.retryTimer = nil
	}
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.dispatcher.shutdown()
	return nil
}

// Join is a no-op: the global stream already spans every conversation.
func (sse *RealtimeSSE) Join(ctx context.Context, conversationID string) error { return nil }

// Leave is a no-op for the same reason as Join.
func (sse *RealtimeSSE) Leave(ctx context.Context, conversationID string) error { return nil }

// SetTyping has no return path over SSE and is dropped.
func (sse *RealtimeSSE) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return nil
}

// readLoop parses the event-stream framing: "event:"/"data:" lines terminated
// by a blank line; ":" lines are server heartbeats.
func (sse *RealtimeSSE) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	event := "message"
	data := ""

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		switch {
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && data != "":
			sse.dispatcher.dispatch(RealtimeEnvelope{Event: event, Data: json.RawMessage(data)})
			event = "message"
			data = ""
		}
	}

	sse.mu.Lock()
	manual := sse.manualClose
	if !manual {
		sse.state = StateDisconnected
	}
	sse.mu.Unlock()
	if manual {
		return
	}
	sse.scheduleReconnect(context.Background())
}

// staleWatchdog force-closes a stream that stopped producing data, pushing it
// into the reconnect path.
func (sse *RealtimeSSE) staleWatchdog(ctx context.Context) {
	ticker := time.NewTicker(sse.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > sse.config.StaleTimeout
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale {
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

func (sse *RealtimeSSE) scheduleReconnect(ctx context.Context) {
	if !sse.recon.shouldReconnect() {
		sse.dispatcher.emitDisconnected()
		return
	}
	delay := sse.recon.nextDelay()

	sse.mu.Lock()
	if sse.manualClose {
		sse.mu.Unlock()
		return
	}
	sse.state = StateReconnecting
	timer := time.AfterFunc(delay, func() {
		sse.mu.Lock()
		sse.retryTimer = nil
		// A manual Connect that raced the timer already owns the stream.
		if sse.manualClose || sse.state == StateConnected || sse.state == StateConnecting {
			sse.mu.Unlock()
			return
		}
		sse.state = StateConnecting
		sse.mu.Unlock()
		if err := sse.dial(ctx); err != nil {
			sse.scheduleReconnect(ctx)
		}
	})
	sse.retryTimer = timer
	sse.mu.Unlock()

	sse.dispatcher.emitReconnecting(sse.recon.attempt, delay)
}
