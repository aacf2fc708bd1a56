// Package auth defines the capability interface the session store uses to
// talk to the remote authentication service, and an HTTP implementation of
// it for GoTrue-compatible endpoints.
package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// Event is an auth-state change reported by a Provider.
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// Listener receives auth-state changes in the order the provider emits them.
// Session is nil for EventSignedOut.
type Listener func(event Event, session *Session)

// Provider is the narrow view of the remote auth service the core needs.
type Provider interface {
	// GetSession returns the active session, or nil when there is none.
	GetSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string, data map[string]any) (*SignUpResult, error)
	SignOut(ctx context.Context) error
	// OnAuthStateChange registers l and returns a function that removes it.
	OnAuthStateChange(l Listener) (unsubscribe func())
}

// User is the identity attached to a session.
type User struct {
	ID          string         `json:"id"`
	Email       string         `json:"email,omitempty"`
	Metadata    map[string]any `json:"user_metadata,omitempty"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
}

// Session is an authenticated session as issued by the provider.
type Session struct {
	Token *oauth2.Token `json:"token"`
	User  User          `json:"user"`
}

// AccessToken returns the bearer token, or "" for a nil session.
func (s *Session) AccessToken() string {
	if s == nil || s.Token == nil {
		return ""
	}
	return s.Token.AccessToken
}

// ExpiresAt returns the token expiry, or nil when the token does not expire.
func (s *Session) ExpiresAt() *time.Time {
	if s == nil || s.Token == nil || s.Token.Expiry.IsZero() {
		return nil
	}
	exp := s.Token.Expiry
	return &exp
}

// SignUpResult is the outcome of a registration. Session is nil when the
// provider requires the user to confirm their email first.
type SignUpResult struct {
	User                User     `json:"user"`
	Session             *Session `json:"session,omitempty"`
	ConfirmationPending bool     `json:"confirmation_pending"`
}

var (
	// ErrInvalidCredentials is returned when the provider rejects the
	// email/password pair.
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrNoSession is returned by operations that need an active session.
	ErrNoSession = errors.New("no active session")
)
