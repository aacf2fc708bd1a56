package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/alfredjeanlab/maintpwa/internal/model"
)

const (
	phxJoin        = "phx_join"
	phxLeave       = "phx_leave"
	phxReply       = "phx_reply"
	phxError       = "phx_error"
	phxClose       = "phx_close"
	phxHeartbeat   = "heartbeat"
	phxAccessToken = "access_token"
	phxSystem      = "system"
	phxChanges     = "postgres_changes"

	phoenixTopic = "phoenix"
)

// phxMessage is one frame of the Phoenix JSON serializer (v1.0.0).
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

func newMessage(topic, event string, payload any, ref, joinRef string) (phxMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return phxMessage{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return phxMessage{Topic: topic, Event: event, Payload: data, Ref: ref, JoinRef: joinRef}, nil
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	Broadcast       broadcastConfig    `json:"broadcast"`
	Presence        presenceConfig     `json:"presence"`
	PostgresChanges []postgresChangeFn `json:"postgres_changes"`
}

type broadcastConfig struct {
	Ack  bool `json:"ack"`
	Self bool `json:"self"`
}

type presenceConfig struct {
	Key string `json:"key"`
}

type postgresChangeFn struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// PhoenixProvider speaks the Supabase realtime protocol: Phoenix channels
// over one websocket. The socket is dialed on the first Open and redialed
// with backoff whenever it drops; every channel still open is rejoined.
type PhoenixProvider struct {
	endpoint  string
	header    http.Header
	dialer    *websocket.Dialer
	logger    *slog.Logger
	limiter   *rate.Limiter
	heartbeat time.Duration
	backoff   func(attempt int) time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	token    string
	channels map[string]*phxChannel
	ref      uint64
	running  bool
	closed   bool
	done     chan struct{}

	wmu sync.Mutex
}

// PhoenixOption configures a PhoenixProvider.
type PhoenixOption func(*PhoenixProvider)

// WithEndpoint overrides the websocket URL derived from the project URL.
func WithEndpoint(endpoint string) PhoenixOption {
	return func(p *PhoenixProvider) { p.endpoint = endpoint }
}

// WithEventsPerSecond throttles outgoing frames. Zero or less disables the
// throttle.
func WithEventsPerSecond(n int) PhoenixOption {
	return func(p *PhoenixProvider) {
		if n <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(n), n)
	}
}

// WithHeartbeat sets the heartbeat interval. A heartbeat still unanswered
// when the next one is due drops the socket.
func WithHeartbeat(d time.Duration) PhoenixOption {
	return func(p *PhoenixProvider) { p.heartbeat = d }
}

// WithReconnectBackoff sets the delay before the given reconnect or rejoin
// attempt (1-based).
func WithReconnectBackoff(fn func(attempt int) time.Duration) PhoenixOption {
	return func(p *PhoenixProvider) { p.backoff = fn }
}

// WithAccessToken sets the token sent when joining channels. Defaults to
// the API key.
func WithAccessToken(token string) PhoenixOption {
	return func(p *PhoenixProvider) { p.token = token }
}

// WithPhoenixLogger sets the logger. Defaults to slog.Default().
func WithPhoenixLogger(l *slog.Logger) PhoenixOption {
	return func(p *PhoenixProvider) { p.logger = l }
}

// WithHeader adds a header sent on the websocket handshake.
func WithHeader(key, value string) PhoenixOption {
	return func(p *PhoenixProvider) { p.header.Set(key, value) }
}

// DefaultBackoff mirrors the realtime client schedule: 1s, 2s, 5s, then 10s.
func DefaultBackoff(attempt int) time.Duration {
	steps := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}
	if attempt >= 1 && attempt <= len(steps) {
		return steps[attempt-1]
	}
	return 10 * time.Second
}

// RealtimeURL derives the websocket endpoint for a project URL.
func RealtimeURL(baseURL, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing project URL: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported project URL scheme %q", u.Scheme)
	}
	u.Path += "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewPhoenixProvider creates a provider for the realtime service of the
// project at baseURL. Nothing is dialed until the first Open.
func NewPhoenixProvider(baseURL, apiKey string, opts ...PhoenixOption) (*PhoenixProvider, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &PhoenixProvider{
		header:    http.Header{},
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:    slog.Default(),
		limiter:   rate.NewLimiter(rate.Limit(10), 10),
		heartbeat: 30 * time.Second,
		backoff:   DefaultBackoff,
		ctx:       ctx,
		cancel:    cancel,
		token:     apiKey,
		channels:  make(map[string]*phxChannel),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.endpoint == "" {
		endpoint, err := RealtimeURL(baseURL, apiKey)
		if err != nil {
			cancel()
			return nil, err
		}
		p.endpoint = endpoint
	}
	return p, nil
}

// Open registers a channel and joins it as soon as the socket is up.
func (p *PhoenixProvider) Open(ctx context.Context, spec ChannelSpec, h Handler) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := spec.Filter.Validate(); err != nil {
		return nil, err
	}
	ch := &phxChannel{provider: p, topic: "realtime:" + spec.Name, spec: spec, handler: h}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProviderClosed
	}
	if _, dup := p.channels[ch.topic]; dup {
		p.mu.Unlock()
		return nil, fmt.Errorf("channel %s already open", ch.topic)
	}
	p.channels[ch.topic] = ch
	conn := p.conn
	if !p.running {
		p.running = true
		p.done = make(chan struct{})
		go p.run(p.done)
	}
	p.mu.Unlock()

	if conn != nil {
		p.join(ch, conn)
	}
	return ch, nil
}

// SetAuth sends a renewed access token to every joined channel and uses it
// for later joins.
func (p *PhoenixProvider) SetAuth(token string) {
	p.mu.Lock()
	p.token = token
	conn := p.conn
	var targets []*phxChannel
	if conn != nil {
		for _, ch := range p.channels {
			if ch.joinedConn == conn && !ch.terminal {
				targets = append(targets, ch)
			}
		}
	}
	p.mu.Unlock()

	for _, ch := range targets {
		msg, err := newMessage(ch.topic, phxAccessToken, map[string]string{"access_token": token}, p.nextRef(), ch.currentJoinRef())
		if err != nil {
			continue
		}
		if err := p.write(conn, msg); err != nil {
			p.logger.Debug("realtime: sending access token", "topic", ch.topic, "error", err)
		}
	}
}

// Close leaves the socket and stops reconnecting. Open fails afterwards.
func (p *PhoenixProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	running, done := p.running, p.done
	p.mu.Unlock()

	p.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if running {
		<-done
	}
	return nil
}

func (p *PhoenixProvider) run(done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		conn, _, err := p.dialer.DialContext(p.ctx, p.endpoint, p.header)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			attempt++
			p.logger.Warn("realtime: dial failed", "attempt", attempt, "error", err)
			if !p.sleep(p.backoff(attempt)) {
				return
			}
			continue
		}
		attempt = 0

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.conn = conn
		chans := p.openChannelsLocked()
		p.mu.Unlock()
		p.logger.Debug("realtime: connected", "channels", len(chans))

		for _, ch := range chans {
			p.join(ch, conn)
		}

		err = p.serve(conn)

		p.mu.Lock()
		p.conn = nil
		chans = p.openChannelsLocked()
		closed := p.closed
		p.mu.Unlock()
		_ = conn.Close()
		if closed {
			return
		}

		p.logger.Warn("realtime: connection lost, reconnecting", "error", err, "channels", len(chans))
		for _, ch := range chans {
			ch.handler.state(model.ChannelConnecting, nil)
		}
		attempt++
		if !p.sleep(p.backoff(attempt)) {
			return
		}
	}
}

func (p *PhoenixProvider) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// serve reads frames until the socket fails, running the heartbeat
// alongside.
func (p *PhoenixProvider) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	hb := &heartbeatState{}
	go p.heartbeatLoop(conn, stop, hb)

	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Topic == phoenixTopic {
			hb.ack(msg.Ref)
			continue
		}
		p.dispatch(msg)
	}
}

type heartbeatState struct {
	mu      sync.Mutex
	pending string
}

func (h *heartbeatState) ack(ref string) {
	h.mu.Lock()
	if h.pending == ref {
		h.pending = ""
	}
	h.mu.Unlock()
}

// arm records ref as outstanding and reports whether the previous heartbeat
// was answered.
func (h *heartbeatState) arm(ref string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	answered := h.pending == ""
	h.pending = ref
	return answered
}

func (p *PhoenixProvider) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}, hb *heartbeatState) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ref := p.nextRef()
			if !hb.arm(ref) {
				p.logger.Warn("realtime: heartbeat timeout")
				_ = conn.Close()
				return
			}
			msg, _ := newMessage(phoenixTopic, phxHeartbeat, struct{}{}, ref, "")
			if err := p.write(conn, msg); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (p *PhoenixProvider) dispatch(msg phxMessage) {
	p.mu.Lock()
	ch := p.channels[msg.Topic]
	p.mu.Unlock()
	if ch == nil {
		return
	}

	switch msg.Event {
	case phxReply:
		ch.reply(msg)
	case phxChanges:
		var payload struct {
			IDs  []int64 `json:"ids"`
			Data Message `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			p.logger.Warn("realtime: undecodable change", "topic", msg.Topic, "error", err)
			return
		}
		// The topic is shared by every identity; only the current join's
		// binding belongs to this channel.
		if !ch.boundTo(payload.IDs) {
			p.logger.Debug("realtime: dropping change for another binding", "topic", msg.Topic, "ids", payload.IDs)
			return
		}
		ch.handler.message(payload.Data)
	case phxSystem:
		var sys struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Payload, &sys); err != nil {
			return
		}
		if sys.Status == "error" {
			ch.fail(fmt.Errorf("%w: %s", ErrJoinRejected, sys.Message))
		}
	case phxError, phxClose:
		// The v1 serializer carries the join ref in ref.
		ref := msg.JoinRef
		if ref == "" {
			ref = msg.Ref
		}
		if ref != ch.currentJoinRef() {
			p.logger.Debug("realtime: ignoring frame for a previous join", "topic", msg.Topic, "event", msg.Event, "ref", ref)
			return
		}
		p.rejoinLater(ch)
	}
}

func (p *PhoenixProvider) join(ch *phxChannel, conn *websocket.Conn) {
	p.mu.Lock()
	if ch.closed || ch.terminal || ch.joinedConn == conn {
		p.mu.Unlock()
		return
	}
	ch.joinedConn = conn
	p.ref++
	ref := strconv.FormatUint(p.ref, 10)
	ch.joinRef = ref
	ch.bindings = nil
	payload := joinPayload{
		Config: joinConfig{
			PostgresChanges: []postgresChangeFn{{
				Event:  ch.spec.Event,
				Schema: ch.spec.Schema,
				Table:  ch.spec.Table,
				Filter: ch.spec.Filter.String(),
			}},
		},
		AccessToken: p.token,
	}
	p.mu.Unlock()

	msg, err := newMessage(ch.topic, phxJoin, payload, ref, ref)
	if err != nil {
		ch.fail(err)
		return
	}
	if err := p.write(conn, msg); err != nil {
		// The read loop notices the broken socket and rejoins.
		p.logger.Debug("realtime: sending join", "topic", ch.topic, "error", err)
	}
}

func (p *PhoenixProvider) rejoinLater(ch *phxChannel) {
	p.mu.Lock()
	if ch.closed || ch.terminal {
		p.mu.Unlock()
		return
	}
	ch.joinedConn = nil
	ch.attempts++
	delay := p.backoff(ch.attempts)
	p.mu.Unlock()

	ch.handler.state(model.ChannelConnecting, nil)
	time.AfterFunc(delay, func() {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn != nil {
			p.join(ch, conn)
		}
	})
}

func (p *PhoenixProvider) write(conn *websocket.Conn, msg phxMessage) error {
	if err := p.limiter.Wait(p.ctx); err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

func (p *PhoenixProvider) nextRef() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ref++
	return strconv.FormatUint(p.ref, 10)
}

func (p *PhoenixProvider) openChannelsLocked() []*phxChannel {
	chans := make([]*phxChannel, 0, len(p.channels))
	for _, ch := range p.channels {
		if !ch.closed && !ch.terminal {
			chans = append(chans, ch)
		}
	}
	return chans
}

// phxChannel is one joined topic. Its mutable fields are guarded by the
// provider's mutex.
type phxChannel struct {
	provider *PhoenixProvider
	topic    string
	spec     ChannelSpec
	handler  Handler

	joinedConn *websocket.Conn
	joinRef    string
	// bindings holds the server's postgres_changes ids for joinRef; nil
	// until the join is confirmed.
	bindings map[int64]struct{}
	attempts int
	terminal   bool
	closed     bool
}

func (c *phxChannel) currentJoinRef() string {
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()
	return c.joinRef
}

// boundTo reports whether a change tagged with ids was produced for the
// current join.
func (c *phxChannel) boundTo(ids []int64) bool {
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.bindings[id]; ok {
			return true
		}
	}
	return false
}

type joinReply struct {
	Status   string `json:"status"`
	Response struct {
		Reason          string          `json:"reason"`
		PostgresChanges []serverBinding `json:"postgres_changes"`
	} `json:"response"`
}

type serverBinding struct {
	ID     int64  `json:"id"`
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

func (b serverBinding) matches(spec ChannelSpec) bool {
	return b.Event == spec.Event && b.Schema == spec.Schema && b.Table == spec.Table && b.Filter == spec.Filter.String()
}

func (c *phxChannel) reply(msg phxMessage) {
	if msg.Ref == "" || msg.Ref != c.currentJoinRef() {
		return
	}
	var r joinReply
	if err := json.Unmarshal(msg.Payload, &r); err != nil {
		return
	}
	switch r.Status {
	case "ok":
		p := c.provider
		p.mu.Lock()
		if c.joinRef != msg.Ref {
			p.mu.Unlock()
			return
		}
		bindings := make(map[int64]struct{}, len(r.Response.PostgresChanges))
		for _, b := range r.Response.PostgresChanges {
			if b.matches(c.spec) {
				bindings[b.ID] = struct{}{}
			}
		}
		if len(bindings) == 0 {
			p.mu.Unlock()
			c.fail(fmt.Errorf("%w: server did not bind %s on %s.%s", ErrJoinRejected, c.spec.Filter, c.spec.Schema, c.spec.Table))
			return
		}
		c.bindings = bindings
		c.attempts = 0
		p.mu.Unlock()
		c.handler.state(model.ChannelOpen, nil)
	case "error":
		c.fail(fmt.Errorf("%w: %s", ErrJoinRejected, r.Response.Reason))
	default:
		c.provider.rejoinLater(c)
	}
}

func (c *phxChannel) fail(err error) {
	p := c.provider
	p.mu.Lock()
	if c.closed || c.terminal {
		p.mu.Unlock()
		return
	}
	c.terminal = true
	p.mu.Unlock()
	c.handler.state(model.ChannelErrored, err)
}

func (c *phxChannel) Close() error {
	p := c.provider
	p.mu.Lock()
	if c.closed {
		p.mu.Unlock()
		return nil
	}
	c.closed = true
	if p.channels[c.topic] == c {
		delete(p.channels, c.topic)
	}
	conn := p.conn
	joined := conn != nil && c.joinedConn == conn
	p.ref++
	ref := strconv.FormatUint(p.ref, 10)
	joinRef := c.joinRef
	p.mu.Unlock()

	if !joined {
		return nil
	}
	msg, err := newMessage(c.topic, phxLeave, struct{}{}, ref, joinRef)
	if err != nil {
		return err
	}
	if err := p.write(conn, msg); err != nil && p.ctx.Err() == nil {
		return fmt.Errorf("leaving %s: %w", c.topic, err)
	}
	return nil
}
