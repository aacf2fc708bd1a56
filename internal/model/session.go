package model

import "time"

// Status is the authentication state of the client session.
type Status string

const (
	StatusLoading       Status = "loading"
	StatusAuthenticated Status = "authenticated"
	StatusAnonymous     Status = "anonymous"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks whether the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusLoading, StatusAuthenticated, StatusAnonymous:
		return true
	}
	return false
}

// Session is the client's record of the current identity and its validity
// window. A running client has exactly one, owned by the session store;
// everything else receives copies.
type Session struct {
	UserID    string     `json:"user_id,omitempty"`
	Email     string     `json:"email,omitempty"`
	Status    Status     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Generation increments on every identity transition (into or out of
	// Authenticated). Token refreshes leave it unchanged.
	Generation uint64 `json:"generation"`

	// AccessToken is the bearer token backing an authenticated session.
	AccessToken string `json:"-"`
}

// Authenticated reports whether the session carries a live identity.
func (s Session) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.UserID != ""
}

// SameIdentity reports whether two snapshots describe the same signed-in
// user within the same generation.
func (s Session) SameIdentity(other Session) bool {
	return s.Status == other.Status && s.UserID == other.UserID && s.Generation == other.Generation
}

// Expired reports whether the session validity window ended before now.
// Sessions without an expiry never expire.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}
