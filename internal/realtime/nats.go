package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/maintpwa/internal/model"
)

// DefaultSubjectPrefix is the first token of every change subject.
const DefaultSubjectPrefix = "maint.changes"

// Subject returns the NATS subject a change relay publishes spec's rows on:
// <prefix>.<schema>.<table>.<owner>.<OPERATION>. An Event of "*" matches
// every operation.
func Subject(prefix string, spec ChannelSpec) string {
	event := strings.ToUpper(spec.Event)
	if event == "" {
		event = "*"
	}
	return strings.Join([]string{prefix, spec.Schema, spec.Table, spec.Filter.Value, event}, ".")
}

// NATSProvider reads row changes that a relay publishes on NATS, for
// deployments where the change stream is fanned out over a message bus
// instead of the hosted websocket.
type NATSProvider struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger

	mu       sync.Mutex
	channels map[*natsChannel]struct{}
	closed   bool
}

type natsConfig struct {
	prefix string
	logger *slog.Logger
	opts   []nats.Option
}

// NATSOption configures a NATSProvider.
type NATSOption func(*natsConfig)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(c *natsConfig) { c.prefix = prefix }
}

// WithNATSLogger sets the logger. Defaults to slog.Default().
func WithNATSLogger(l *slog.Logger) NATSOption {
	return func(c *natsConfig) { c.logger = l }
}

// WithNATSOptions appends connection options, e.g. credentials.
func WithNATSOptions(opts ...nats.Option) NATSOption {
	return func(c *natsConfig) { c.opts = append(c.opts, opts...) }
}

// NewNATSProvider connects to the NATS server at url. The connection
// reconnects forever; open channels report ChannelConnecting while it is
// down.
func NewNATSProvider(url string, opts ...NATSOption) (*NATSProvider, error) {
	cfg := natsConfig{prefix: DefaultSubjectPrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &NATSProvider{
		prefix:   cfg.prefix,
		logger:   cfg.logger,
		channels: make(map[*natsChannel]struct{}),
	}
	defaults := []nats.Option{
		nats.Name("maintpwa"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn("realtime: nats disconnected", "error", err)
			p.broadcast(model.ChannelConnecting)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("realtime: nats reconnected", "url", nc.ConnectedUrl())
			p.broadcast(model.ChannelOpen)
		}),
		nats.ErrorHandler(p.asyncError),
	}
	nc, err := nats.Connect(url, append(defaults, cfg.opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	p.conn = nc
	return p, nil
}

// Open subscribes to the subject for spec.
func (p *NATSProvider) Open(ctx context.Context, spec ChannelSpec, h Handler) (Channel, error) {
	if err := spec.Filter.Validate(); err != nil {
		return nil, err
	}
	ch := &natsChannel{provider: p, subject: Subject(p.prefix, spec), handler: h}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProviderClosed
	}
	p.channels[ch] = struct{}{}
	p.mu.Unlock()

	sub, err := p.conn.Subscribe(ch.subject, func(msg *nats.Msg) {
		var m Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			p.logger.Warn("realtime: undecodable change", "subject", msg.Subject, "error", err)
			return
		}
		if m.Type == "" {
			m.Type = msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
		}
		h.message(m)
	})
	if err != nil {
		p.forget(ch)
		return nil, fmt.Errorf("subscribing to %s: %w", ch.subject, err)
	}
	ch.setSub(sub)

	// Flush so the subscription is registered before reporting it open.
	fctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	if err := p.conn.FlushWithContext(fctx); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("flushing subscription %s: %w", ch.subject, err)
	}
	h.state(model.ChannelOpen, nil)
	return ch, nil
}

// Publish relays one change for spec's owner. It is the producer side of
// Open and is used by relays and tests.
func (p *NATSProvider) Publish(spec ChannelSpec, msg Message) error {
	if err := spec.Filter.Validate(); err != nil {
		return err
	}
	spec.Event = msg.Type
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling change: %w", err)
	}
	return p.conn.Publish(Subject(p.prefix, spec), data)
}

// Flush waits until the server has processed everything sent so far.
func (p *NATSProvider) Flush() error {
	return p.conn.Flush()
}

// Close drains nothing; pending messages are dropped.
func (p *NATSProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.conn.Close()
	return nil
}

func (p *NATSProvider) broadcast(state model.ChannelState) {
	for _, ch := range p.snapshot() {
		ch.handler.state(state, nil)
	}
}

// asyncError fails the channel a permissions violation names. The server
// reports these without a subscription, so the subject is matched in the
// error text.
func (p *NATSProvider) asyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if err == nil {
		return
	}
	text := strings.ToLower(err.Error())
	if !errors.Is(err, nats.ErrPermissionViolation) && !strings.Contains(text, "permissions violation") {
		p.logger.Warn("realtime: nats error", "error", err)
		return
	}
	for _, ch := range p.snapshot() {
		if (sub != nil && ch.isSub(sub)) || strings.Contains(text, strings.ToLower(`"`+ch.subject+`"`)) {
			p.forget(ch)
			ch.handler.state(model.ChannelErrored, fmt.Errorf("%w: %v", ErrJoinRejected, err))
		}
	}
}

func (p *NATSProvider) snapshot() []*natsChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*natsChannel, 0, len(p.channels))
	for ch := range p.channels {
		out = append(out, ch)
	}
	return out
}

func (p *NATSProvider) forget(ch *natsChannel) {
	p.mu.Lock()
	delete(p.channels, ch)
	p.mu.Unlock()
}

type natsChannel struct {
	provider *NATSProvider
	subject  string
	handler  Handler

	mu   sync.Mutex
	sub  *nats.Subscription
	once sync.Once
}

func (c *natsChannel) setSub(sub *nats.Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

func (c *natsChannel) isSub(sub *nats.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub == sub
}

func (c *natsChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.provider.forget(c)
		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()
		if sub == nil {
			return
		}
		if uerr := sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) && !errors.Is(uerr, nats.ErrBadSubscription) {
			err = fmt.Errorf("unsubscribing %s: %w", c.subject, uerr)
		}
	})
	return err
}
