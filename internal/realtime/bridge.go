package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/maintpwa/internal/idgen"
	"github.com/alfredjeanlab/maintpwa/internal/model"
)

// Owner is the identity a channel is filtered to. Generation orders
// identities: a higher generation always wins.
type Owner struct {
	UserID     string
	Generation uint64
}

// Disposer reverses a Watch. Calling it more than once is a no-op.
type Disposer func()

// ChannelError reports a terminal channel failure.
type ChannelError struct {
	Table  model.Table
	UserID string
	Err    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("realtime channel %s for %s: %v", e.Table, e.UserID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Bridge keeps at most one channel per table, all filtered to a single
// owner, and turns provider messages into ChangeEvents.
type Bridge struct {
	provider Provider
	logger   *slog.Logger
	onError  func(*ChannelError)
	now      func() time.Time
	schema   string

	mu      sync.Mutex
	owner   Owner
	sealed  uint64
	handles map[model.Table]*handle
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = l }
}

// WithErrorHandler receives each terminal channel error exactly once.
func WithErrorHandler(fn func(*ChannelError)) BridgeOption {
	return func(b *Bridge) { b.onError = fn }
}

// WithSchema overrides the database schema. Defaults to "public".
func WithSchema(schema string) BridgeOption {
	return func(b *Bridge) { b.schema = schema }
}

// WithClock overrides time.Now for events without a commit timestamp.
func WithClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) { b.now = now }
}

// NewBridge creates a Bridge on top of provider.
func NewBridge(provider Provider, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		provider: provider,
		logger:   slog.Default(),
		now:      time.Now,
		schema:   "public",
		handles:  make(map[model.Table]*handle),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Watch opens a channel for table filtered to owner and calls onEvent for
// every change the server forwards. Watching a table already open for the
// same owner is a no-op. A newer owner replaces every handle of the
// previous one first; an older or sealed owner is refused with
// ErrStaleIdentity.
//
// onEvent runs on the provider's delivery goroutine and must not call the
// returned Disposer or UnwatchAll synchronously.
func (b *Bridge) Watch(ctx context.Context, table model.Table, owner Owner, onEvent func(model.ChangeEvent)) (Disposer, error) {
	if !table.IsValid() {
		return nil, fmt.Errorf("watch: unknown table %q", table)
	}
	if onEvent == nil {
		return nil, errors.New("watch: nil event callback")
	}
	spec := SpecFor(table, b.schema, owner.UserID)
	if err := spec.Filter.Validate(); err != nil {
		return nil, &ChannelError{Table: table, UserID: owner.UserID, Err: err}
	}

	b.mu.Lock()
	if owner.Generation <= b.sealed || owner.Generation < b.owner.Generation {
		b.mu.Unlock()
		return nil, fmt.Errorf("watch %s for %s (generation %d): %w", table, owner.UserID, owner.Generation, ErrStaleIdentity)
	}

	var retired []*handle
	if owner != b.owner {
		for t, h := range b.handles {
			retired = append(retired, h)
			delete(b.handles, t)
		}
		b.owner = owner
	}
	if h := b.handles[table]; h != nil {
		if h.State().Live() {
			b.mu.Unlock()
			return h.dispose, nil
		}
		retired = append(retired, h)
		delete(b.handles, table)
	}

	h := &handle{
		id:      idgen.HandleID(string(table)),
		table:   table,
		owner:   owner,
		bridge:  b,
		onEvent: onEvent,
		state:   model.ChannelConnecting,
	}
	b.handles[table] = h
	b.mu.Unlock()

	for _, old := range retired {
		old.close()
	}

	ch, err := b.provider.Open(ctx, spec, Handler{OnMessage: h.deliver, OnState: h.setState})
	if err != nil {
		b.mu.Lock()
		if b.handles[table] == h {
			delete(b.handles, table)
		}
		b.mu.Unlock()
		h.close()
		return nil, &ChannelError{Table: table, UserID: owner.UserID, Err: err}
	}
	h.attach(ch)

	b.logger.Debug("realtime: watching", "table", table, "user_id", owner.UserID, "handle", h.id)
	return h.dispose, nil
}

// UnwatchAll closes every open handle and refuses later watches for the
// identity that owned them. When it returns no further events from those
// handles will be delivered.
func (b *Bridge) UnwatchAll() {
	b.mu.Lock()
	hs := make([]*handle, 0, len(b.handles))
	for t, h := range b.handles {
		hs = append(hs, h)
		delete(b.handles, t)
	}
	if b.owner.Generation > b.sealed {
		b.sealed = b.owner.Generation
	}
	b.owner = Owner{}
	b.mu.Unlock()

	for _, h := range hs {
		h.close()
	}
	if len(hs) > 0 {
		b.logger.Debug("realtime: unwatched all", "channels", len(hs))
	}
}

// Seal refuses every later Watch whose generation is at or below gen, even
// if no channel was ever opened for it.
func (b *Bridge) Seal(gen uint64) {
	b.mu.Lock()
	if gen > b.sealed {
		b.sealed = gen
	}
	b.mu.Unlock()
}

// State returns the connection state of the handle for table, or
// ChannelClosed when none is open.
func (b *Bridge) State(table model.Table) model.ChannelState {
	b.mu.Lock()
	h := b.handles[table]
	b.mu.Unlock()
	if h == nil {
		return model.ChannelClosed
	}
	return h.State()
}

// Owner returns the identity of the open handles.
func (b *Bridge) Owner() Owner {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner
}

// SetAuth forwards a renewed access token to the provider, if it accepts
// one. Channels are not reopened.
func (b *Bridge) SetAuth(token string) {
	if a, ok := b.provider.(Authorizer); ok {
		a.SetAuth(token)
	}
}

func (b *Bridge) toEvent(h *handle, msg Message) (model.ChangeEvent, error) {
	op, err := model.ParseOperation(msg.Type)
	if err != nil {
		return model.ChangeEvent{}, err
	}
	if msg.Table != "" {
		if t, ok := model.TableFromRemote(msg.Table); !ok || t != h.table {
			return model.ChangeEvent{}, fmt.Errorf("message for %q on %s channel", msg.Table, h.table)
		}
	}

	ev := model.ChangeEvent{
		Table:     h.table,
		Operation: op,
		Timestamp: msg.Committed(),
		OwnerID:   h.owner.UserID,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	source := msg.Record
	if op == model.OpDelete || isEmptyJSON(source) {
		source = msg.OldRecord
	} else {
		ev.Payload = msg.Record
	}
	ev.RecordID = recordID(source)
	if ev.RecordID == "" {
		return model.ChangeEvent{}, fmt.Errorf("%s message without record id", op)
	}
	return ev, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}"))
}

func recordID(raw json.RawMessage) string {
	if isEmptyJSON(raw) {
		return ""
	}
	var row struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(raw, &row) != nil || len(row.ID) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(row.ID, &s) == nil {
		return s
	}
	if bytes.Equal(row.ID, []byte("null")) {
		return ""
	}
	return string(row.ID)
}

// handle is one channel for one table and owner.
type handle struct {
	id      string
	table   model.Table
	owner   Owner
	bridge  *Bridge
	onEvent func(model.ChangeEvent)

	// mu is held for the duration of each delivery so close can wait out
	// an in-flight callback.
	mu      sync.Mutex
	state   model.ChannelState
	closed  bool
	channel Channel

	closeOnce sync.Once
}

func (h *handle) State() model.ChannelState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handle) deliver(msg Message) {
	ev, err := h.bridge.toEvent(h, msg)
	if err != nil {
		h.bridge.logger.Warn("realtime: dropping malformed message", "table", h.table, "handle", h.id, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.onEvent(ev)
}

func (h *handle) setState(state model.ChannelState, err error) {
	h.mu.Lock()
	if h.closed || h.state == model.ChannelErrored {
		h.mu.Unlock()
		return
	}
	prev := h.state
	h.state = state
	h.mu.Unlock()

	b := h.bridge
	if state == model.ChannelErrored {
		b.logger.Error("realtime: channel failed", "table", h.table, "user_id", h.owner.UserID, "handle", h.id, "error", err)
		if err == nil {
			err = errors.New("channel errored")
		}
		if b.onError != nil {
			b.onError(&ChannelError{Table: h.table, UserID: h.owner.UserID, Err: err})
		}
		return
	}
	if prev != state {
		b.logger.Debug("realtime: channel state", "table", h.table, "handle", h.id, "from", prev, "to", state)
	}
}

func (h *handle) attach(ch Channel) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ch.Close()
		return
	}
	h.channel = ch
	h.mu.Unlock()
}

func (h *handle) close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.state = model.ChannelClosed
		ch := h.channel
		h.channel = nil
		h.mu.Unlock()

		if ch != nil {
			if err := ch.Close(); err != nil {
				h.bridge.logger.Warn("realtime: closing channel", "table", h.table, "handle", h.id, "error", err)
			}
		}
	})
}

func (h *handle) dispose() {
	b := h.bridge
	b.mu.Lock()
	if b.handles[h.table] == h {
		delete(b.handles, h.table)
	}
	b.mu.Unlock()
	h.close()
}
