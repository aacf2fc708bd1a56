// Package realtime delivers server-pushed row changes for the watched
// tables. The Bridge owns channel lifecycle and identity; a Provider is the
// transport that actually talks to the change stream.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alfredjeanlab/maintpwa/internal/model"
)

var (
	// ErrInvalidFilter is returned when a row filter cannot be expressed to
	// the server. It is never retried.
	ErrInvalidFilter = errors.New("invalid channel filter")
	// ErrStaleIdentity is returned by Watch when the caller's identity was
	// superseded by a newer one.
	ErrStaleIdentity = errors.New("stale identity")
	// ErrJoinRejected wraps a server refusal to open a channel.
	ErrJoinRejected = errors.New("channel join rejected")
	// ErrProviderClosed is returned by Open after the provider shut down.
	ErrProviderClosed = errors.New("realtime provider closed")
)

// Provider opens server-filtered change channels.
type Provider interface {
	Open(ctx context.Context, spec ChannelSpec, h Handler) (Channel, error)
}

// Channel is one open subscription. Close is idempotent.
type Channel interface {
	Close() error
}

// Authorizer is implemented by providers that forward a renewed access
// token to already-open channels.
type Authorizer interface {
	SetAuth(token string)
}

// ChannelSpec describes what a channel listens to.
type ChannelSpec struct {
	Name   string // channel topic, e.g. "vehicle_changes"
	Schema string
	Table  string // relation name on the server
	Event  string // "*" or a single operation
	Filter Filter
}

// Filter restricts a channel to rows where Column equals Value.
type Filter struct {
	Column string
	Value  string
}

// String renders the filter in PostgREST syntax.
func (f Filter) String() string {
	return f.Column + "=eq." + f.Value
}

// Validate rejects filters that cannot be matched server-side. Values are
// also used as subject tokens, so wildcards, separators and whitespace are
// refused.
func (f Filter) Validate() error {
	if f.Column == "" {
		return fmt.Errorf("%w: empty column", ErrInvalidFilter)
	}
	if f.Value == "" {
		return fmt.Errorf("%w: empty value for %s", ErrInvalidFilter, f.Column)
	}
	if strings.ContainsAny(f.Value, "*>.,() \t\r\n") {
		return fmt.Errorf("%w: value %q for %s", ErrInvalidFilter, f.Value, f.Column)
	}
	return nil
}

// Handler receives channel traffic. Messages for one channel arrive from a
// single goroutine, in the order the server emitted them. State changes may
// arrive from another goroutine.
type Handler struct {
	OnMessage func(Message)
	// OnState reports connection state. ChannelErrored with a non-nil error
	// is terminal; the provider stops retrying that channel.
	OnState func(state model.ChannelState, err error)
}

func (h Handler) message(m Message) {
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

func (h Handler) state(s model.ChannelState, err error) {
	if h.OnState != nil {
		h.OnState(s, err)
	}
}

// Message is one row change as pushed by the server.
type Message struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
}

// Committed parses the commit timestamp. It returns the zero time when the
// field is absent or unparseable.
func (m Message) Committed() time.Time {
	if m.CommitTimestamp == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07"} {
		if t, err := time.Parse(layout, m.CommitTimestamp); err == nil {
			return t
		}
	}
	return time.Time{}
}

// SpecFor builds the channel spec for one watched table filtered to userID.
func SpecFor(table model.Table, schema, userID string) ChannelSpec {
	return ChannelSpec{
		Name:   table.ChannelName(),
		Schema: schema,
		Table:  table.RemoteName(),
		Event:  "*",
		Filter: Filter{Column: model.OwnerColumn, Value: userID},
	}
}
