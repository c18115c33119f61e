package inbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// RealtimeEnvelope is one frame on either transport.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// PongPayload answers a ping command.
type PongPayload struct {
	RequestID string `json:"request_id"`
}

// RealtimeErrorPayload is pushed when the server reports an error.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

const (
	frameAuthenticated = "authenticated"
	frameError         = "error"
	framePing          = "ping"
	framePong          = "pong"
)

var errNotConnected = errors.New("realtime: not connected")

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime clients. Zero values fall back to the
// defaults below; MaxReconnectAttempts < 0 retries forever.
type RealtimeConfig struct {
	Token                string
	Tenant               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
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
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

func (c *RealtimeConfig) query() string {
	q := url.Values{}
	if c.Token != "" {
		q.Set("token", c.Token)
	}
	if c.Tenant != "" {
		q.Set("tenant", c.Tenant)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// endpoint joins base, path and the auth query. A non-empty scheme replaces
// the base scheme, keeping TLS: https becomes wss.
func (c *RealtimeConfig) endpoint(base, path, scheme string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("realtime base url: %w", err)
	}
	if scheme != "" {
		if u.Scheme == "https" {
			scheme += "s"
		}
		u.Scheme = scheme
	}
	return u.String() + path + c.query(), nil
}

// RealtimeState is the connection state of a realtime client.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Handlers
// ============================================================================

// ChannelEventHandler receives channel events in arrival order.
type ChannelEventHandler func(ChannelEvent)

type handlerSet struct {
	mu           sync.RWMutex
	events       []ChannelEventHandler
	errors       []func(RealtimeErrorPayload)
	connected    []func()
	disconnected []func(int, string)
	reconnecting []func(int, time.Duration)
}

func register[H any](hs *handlerSet, list *[]H, h H) {
	hs.mu.Lock()
	*list = append(*list, h)
	hs.mu.Unlock()
}

func handlers[H any](hs *handlerSet, list *[]H) []H {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return append([]H(nil), *list...)
}

// route delivers one decoded frame. Channel events run inline so handlers
// observe them in read order; everything else is fire-and-forget.
func (hs *handlerSet) route(env RealtimeEnvelope) {
	switch env.Type {
	case EventMessageReceived, EventMessageStatusUpdate, EventConversationUpdated:
		var ce ChannelEvent
		if json.Unmarshal(env.Payload, &ce) != nil {
			// ingestion rejects and logs it
			ce = ChannelEvent{}
		}
		ce.Type = env.Type
		for _, h := range handlers(hs, &hs.events) {
			h(ce)
		}
	case frameError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		for _, h := range handlers(hs, &hs.errors) {
			go h(p)
		}
	}
}

func (hs *handlerSet) up() {
	for _, h := range handlers(hs, &hs.connected) {
		go h()
	}
}

func (hs *handlerSet) down(code int, reason string) {
	for _, h := range handlers(hs, &hs.disconnected) {
		go h(code, reason)
	}
}

func (hs *handlerSet) retrying(attempt int, delay time.Duration) {
	for _, h := range handlers(hs, &hs.reconnecting) {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnect backoff
// ============================================================================

// stableAfter is how long a connection must stay up before the attempt
// counter starts over.
const stableAfter = time.Minute

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
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
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// markLost ends the current connection. One that stayed up for stableAfter
// starts the attempt count over.
func (r *reconnector) markLost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

// nextDelay is base*2^attempt plus up to 50% jitter, capped at maxDelay.
func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	backoff := float64(r.baseDelay) * math.Pow(2, float64(r.attempt))
	jitter := rand.Float64() * float64(r.baseDelay) / 2
	r.attempt++
	return time.Duration(math.Min(backoff+jitter, float64(r.maxDelay)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// link is the lifecycle both transports share: state, handlers and the
// reconnect loop. dial opens one connection on ctx.
type link struct {
	config   *RealtimeConfig
	handlers *handlerSet
	backoff  *reconnector
	dial     func(ctx context.Context) error

	mu      sync.Mutex
	state   RealtimeState
	closing bool
	parent  context.Context
	cancel  context.CancelFunc
}

func newLink(config *RealtimeConfig) *link {
	return &link{
		config:   config,
		handlers: &handlerSet{},
		backoff:  newReconnector(config),
		state:    StateDisconnected,
	}
}

// OnEvent registers a handler for channel events. Handlers run on the read
// loop, one event at a time.
func (l *link) OnEvent(h ChannelEventHandler) { register(l.handlers, &l.handlers.events, h) }

// OnError registers a handler for server-side errors.
func (l *link) OnError(h func(RealtimeErrorPayload)) { register(l.handlers, &l.handlers.errors, h) }

// OnConnected registers a handler that runs after every successful connect,
// reconnects included.
func (l *link) OnConnected(h func()) { register(l.handlers, &l.handlers.connected, h) }

func (l *link) OnDisconnected(h func(code int, reason string)) {
	register(l.handlers, &l.handlers.disconnected, h)
}

func (l *link) OnReconnecting(h func(attempt int, delay time.Duration)) {
	register(l.handlers, &l.handlers.reconnecting, h)
}

// State returns the current connection state.
func (l *link) State() RealtimeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) setState(s RealtimeState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Connect opens the connection. ctx also bounds the connection lifetime and
// any reconnects. Connecting an open client is a no-op.
func (l *link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateConnected || l.state == StateConnecting {
		l.mu.Unlock()
		return nil
	}
	l.parent = ctx
	l.closing = false
	l.mu.Unlock()
	l.backoff.reset()
	return l.open(ctx)
}

func (l *link) open(ctx context.Context) error {
	l.setState(StateConnecting)

	if err := l.dial(ctx); err != nil {
		l.setState(StateDisconnected)
		return err
	}
	return nil
}

// established derives the connection context and flips the state. The
// caller starts its loops on the returned context.
func (l *link) established(hook func()) context.Context {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	connCtx, cancel := context.WithCancel(l.parent)
	l.cancel = cancel
	l.state = StateConnected
	if hook != nil {
		hook()
	}
	l.mu.Unlock()

	l.backoff.markConnected()
	l.handlers.up()
	return connCtx
}

// shutdown marks an intentional close. hook runs under the lock.
func (l *link) shutdown(hook func()) {
	l.mu.Lock()
	l.closing = true
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.state = StateDisconnected
	if hook != nil {
		hook()
	}
	l.mu.Unlock()

	l.handlers.down(int(websocket.StatusNormalClosure), "client disconnect")
}

// lost handles an unexpected end of the connection and reconnects when
// configured to. It does nothing after an intentional close.
func (l *link) lost(reason string, hook func()) {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	l.state = StateDisconnected
	if hook != nil {
		hook()
	}
	l.mu.Unlock()

	l.backoff.markLost()
	l.handlers.down(0, reason)
	if l.config.AutoReconnect && l.backoff.shouldReconnect() {
		l.reconnect()
	}
}

func (l *link) closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}

func (l *link) reconnect() {
	l.mu.Lock()
	parent := l.parent
	l.mu.Unlock()

	for l.backoff.shouldReconnect() {
		delay := l.backoff.nextDelay()
		l.setState(StateReconnecting)
		l.handlers.retrying(l.backoff.attempts(), delay)

		if !sleepCtx(parent, delay) || l.closed() {
			break
		}
		if l.open(parent) == nil {
			return
		}
	}
	l.setState(StateDisconnected)
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket realtime client with heartbeat and
// optional auto-reconnect. The server must greet with an "authenticated"
// frame.
type RealtimeWSClient struct {
	*link
	baseURL string
	conn    *websocket.Conn

	pingSeq atomic.Uint64
	pingsMu sync.Mutex
	pings   map[string]chan PongPayload
}

func newRealtimeWSClient(baseURL string, config *RealtimeConfig) *RealtimeWSClient {
	ws := &RealtimeWSClient{
		link:    newLink(config),
		baseURL: baseURL,
		pings:   make(map[string]chan PongPayload),
	}
	ws.dial = ws.dialWS
	return ws
}

func (ws *RealtimeWSClient) dialWS(ctx context.Context) error {
	endpoint, err := ws.config.endpoint(ws.baseURL, "/api/v1/realtime/ws", "ws")
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read greeting: %w", err)
	}
	var greeting RealtimeEnvelope
	if err := json.Unmarshal(data, &greeting); err != nil || greeting.Type != frameAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		return fmt.Errorf("expected %q greeting, got %q", frameAuthenticated, greeting.Type)
	}

	connCtx := ws.established(func() { ws.conn = conn })
	go ws.readLoop(connCtx, conn)
	go ws.heartbeat(connCtx)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (ws *RealtimeWSClient) Disconnect() error {
	var conn *websocket.Conn
	ws.shutdown(func() {
		conn = ws.conn
		ws.conn = nil
	})
	ws.failPings()

	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// Send writes a raw command.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits up to ten seconds for the matching pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	id := fmt.Sprintf("ping-%d", ws.pingSeq.Add(1))
	ch := make(chan PongPayload, 1)

	ws.pingsMu.Lock()
	ws.pings[id] = ch
	ws.pingsMu.Unlock()
	defer ws.takePing(id)

	if err := ws.Send(ctx, &RealtimeCommand{Type: framePing, RequestID: id}); err != nil {
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, errors.New("realtime: connection closed")
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		return nil, errors.New("realtime: ping timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSClient) takePing(id string) (chan PongPayload, bool) {
	ws.pingsMu.Lock()
	defer ws.pingsMu.Unlock()
	ch, ok := ws.pings[id]
	delete(ws.pings, id)
	return ch, ok
}

func (ws *RealtimeWSClient) failPings() {
	ws.pingsMu.Lock()
	defer ws.pingsMu.Unlock()
	for id, ch := range ws.pings {
		close(ch)
		delete(ws.pings, id)
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.failPings()
			ws.lost(err.Error(), func() { ws.conn = nil })
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type != framePong {
			ws.handlers.route(env)
			continue
		}

		var pong PongPayload
		if json.Unmarshal(env.Payload, &pong) != nil || pong.RequestID == "" {
			continue
		}
		if ch, ok := ws.takePing(pong.RequestID); ok {
			ch <- pong
		}
	}
}

// heartbeat closes the connection when a ping goes unanswered; the read
// loop then takes the reconnect path.
func (ws *RealtimeWSClient) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := ws.Ping(ctx); err == nil {
			continue
		}
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
		}
		return
	}
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// sseIdleTimeout drops a stream that delivered nothing, keepalive comments
// included, for this long.
const sseIdleTimeout = 45 * time.Second

// RealtimeSSEClient is a server-push only realtime client over Server-Sent
// Events with optional auto-reconnect.
type RealtimeSSEClient struct {
	*link
	baseURL  string
	lastSeen atomic.Int64
}

func newRealtimeSSEClient(baseURL string, config *RealtimeConfig) *RealtimeSSEClient {
	sse := &RealtimeSSEClient{link: newLink(config), baseURL: baseURL}
	sse.dial = sse.dialSSE
	return sse
}

func (sse *RealtimeSSEClient) dialSSE(ctx context.Context) error {
	endpoint, err := sse.config.endpoint(sse.baseURL, "/api/v1/realtime/sse", "")
	if err != nil {
		return err
	}

	// The stream outlives ctx, so the request runs on a context we cancel.
	sse.mu.Lock()
	streamCtx, cancel := context.WithCancel(sse.parent)
	sse.mu.Unlock()
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		stop()
		cancel()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	stop()
	if err != nil {
		cancel()
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	connCtx := sse.established(nil)
	context.AfterFunc(connCtx, cancel)
	sse.touch()
	go sse.readLoop(resp)
	go sse.watchdog(connCtx, cancel)
	return nil
}

// Disconnect closes the stream and stops reconnecting.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.shutdown(nil)
	return nil
}

func (sse *RealtimeSSEClient) touch() {
	sse.lastSeen.Store(time.Now().UnixNano())
}

var ssePrefix = []byte("data:")

func (sse *RealtimeSSEClient) readLoop(resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		sse.touch()
		line := scanner.Bytes()
		// comments, event names and ids carry nothing the inbox uses
		if !bytes.HasPrefix(line, ssePrefix) {
			continue
		}
		var env RealtimeEnvelope
		if json.Unmarshal(bytes.TrimSpace(line[len(ssePrefix):]), &env) == nil {
			sse.handlers.route(env)
		}
	}

	sse.lost("stream ended", nil)
}

func (sse *RealtimeSSEClient) watchdog(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(sseIdleTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Since(time.Unix(0, sse.lastSeen.Load())) > sseIdleTimeout {
			cancel()
			return
		}
	}
}
