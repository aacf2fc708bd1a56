// Package session owns the client's single Session and its lifecycle.
//
// The Store resolves the persisted session at startup, performs sign-in,
// sign-up and sign-out through an auth.Provider, and follows the provider's
// passive token refreshes. Dependents react to identity changes through
// Subscribe; the Store never reaches into them directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/maintpwa/internal/auth"
	"github.com/alfredjeanlab/maintpwa/internal/model"
)

var (
	// ErrNotInitialized is returned by operations issued before Initialize.
	ErrNotInitialized = errors.New("session store not initialized")
	// ErrInvalidInput is returned when credentials fail local validation.
	// The provider is not contacted.
	ErrInvalidInput = errors.New("invalid credentials input")
	// ErrClosed is returned by operations issued after Close.
	ErrClosed = errors.New("session store closed")
)

// Transition is called with the previous and next Session for every change.
type Transition func(prev, next model.Session)

// Store is the single owner of the client Session.
type Store struct {
	provider auth.Provider
	logger   *slog.Logger

	// notifyMu serializes transitions together with their notifications so
	// subscribers observe them in order.
	notifyMu sync.Mutex

	mu          sync.Mutex
	session     model.Session
	initialized bool
	closed      bool
	unsubscribe func()
	subs        []subscriber
	nextSub     int
}

type subscriber struct {
	id int
	fn Transition
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store in the Loading state.
func New(provider auth.Provider, opts ...Option) *Store {
	s := &Store{
		provider: provider,
		logger:   slog.Default(),
		session:  model.Session{Status: model.StatusLoading},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session returns a snapshot of the current session.
func (s *Store) Session() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Subscribe registers fn for every later transition. Notifications are
// delivered synchronously, in order, before the call that caused them
// returns. fn may read Session but must not call Initialize, SignIn,
// SignUp, SignOut or Close.
func (s *Store) Subscribe(fn Transition) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Initialize resolves the existing session, if any, and starts following
// the provider's auth-state changes. The session stays Loading until the
// provider answers; ctx bounds the wait. Calling it again after it
// succeeded is a no-op. A provider error resolves to Anonymous and is
// returned.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.unsubscribe == nil {
		s.unsubscribe = s.provider.OnAuthStateChange(s.onAuthEvent)
	}
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	as, err := s.provider.GetSession(ctx)
	if err != nil && ctx.Err() != nil {
		// Abandoned before an answer: still Loading.
		return fmt.Errorf("resolving session: %w", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	if err != nil || as == nil {
		s.resolve(nil)
		if err != nil {
			s.logger.Warn("session: restore failed", "error", err)
			return fmt.Errorf("resolving session: %w", err)
		}
		s.logger.Debug("session: no stored session")
		return nil
	}
	s.resolve(as)
	s.logger.Info("session: restored", "user_id", as.User.ID)
	return nil
}

// SignIn authenticates with email and password. Signing in as a different
// user while authenticated first passes through Anonymous. On failure the
// session is unchanged and the error is returned.
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	if err := s.ready(); err != nil {
		return err
	}
	email, err := validate(email, password)
	if err != nil {
		return err
	}
	as, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		s.logger.Info("session: sign-in failed", "email", email, "error", err)
		return err
	}
	s.authenticate(as)
	s.logger.Info("session: signed in", "user_id", as.User.ID)
	return nil
}

// SignUp registers a new account. The session becomes Authenticated only
// when the provider returns an active session; otherwise the result reports
// ConfirmationPending and the session is unchanged.
func (s *Store) SignUp(ctx context.Context, email, password string, profile map[string]any) (*auth.SignUpResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	email, err := validate(email, password)
	if err != nil {
		return nil, err
	}
	res, err := s.provider.SignUp(ctx, email, password, profile)
	if err != nil {
		return nil, err
	}
	if res.Session != nil {
		s.authenticate(res.Session)
		s.logger.Info("session: signed up", "user_id", res.Session.User.ID)
	} else {
		s.logger.Info("session: sign-up awaiting confirmation", "email", email)
	}
	return res, nil
}

// SignOut asks the provider to revoke the session and then forces the
// session to Anonymous whether or not that succeeded. The provider error,
// if any, is returned after the local transition.
func (s *Store) SignOut(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := s.provider.SignOut(ctx)
	s.transition(func(cur model.Session) []model.Session {
		if cur.Status == model.StatusAnonymous {
			return nil
		}
		return []model.Session{anonymous(cur)}
	})
	if err != nil {
		s.logger.Warn("session: remote sign-out failed, signed out locally", "error", err)
		return err
	}
	s.logger.Info("session: signed out")
	return nil
}

// Close stops following the provider and drops every subscriber.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.subs = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *Store) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.unsubscribe == nil:
		return ErrNotInitialized
	}
	return nil
}

func (s *Store) onAuthEvent(ev auth.Event, as *auth.Session) {
	switch ev {
	case auth.EventSignedIn:
		if as != nil {
			s.authenticate(as)
		}
	case auth.EventTokenRefreshed:
		if as == nil {
			return
		}
		s.transition(func(cur model.Session) []model.Session {
			if !cur.Authenticated() || cur.UserID != as.User.ID {
				return nil
			}
			next, changed := refreshed(cur, as)
			if !changed {
				return nil
			}
			return []model.Session{next}
		})
		s.logger.Debug("session: token refreshed", "user_id", as.User.ID)
	case auth.EventSignedOut:
		var dropped string
		s.transition(func(cur model.Session) []model.Session {
			if !cur.Authenticated() {
				return nil
			}
			dropped = cur.UserID
			return []model.Session{anonymous(cur)}
		})
		if dropped != "" {
			s.logger.Info("session: signed out by provider", "user_id", dropped)
		}
	}
}

// resolve ends the Loading state. It does nothing if another operation
// already resolved it.
func (s *Store) resolve(as *auth.Session) {
	s.transition(func(cur model.Session) []model.Session {
		if cur.Status != model.StatusLoading {
			return nil
		}
		if as == nil {
			return []model.Session{{Status: model.StatusAnonymous, Generation: cur.Generation}}
		}
		return []model.Session{authenticated(cur, as)}
	})
}

// authenticate moves to as's identity. The same identity only refreshes
// the validity window; a different one passes through Anonymous.
func (s *Store) authenticate(as *auth.Session) {
	s.transition(func(cur model.Session) []model.Session {
		if cur.Authenticated() && cur.UserID == as.User.ID {
			next, changed := refreshed(cur, as)
			if !changed {
				return nil
			}
			return []model.Session{next}
		}
		if cur.Authenticated() {
			out := anonymous(cur)
			return []model.Session{out, authenticated(out, as)}
		}
		return []model.Session{authenticated(cur, as)}
	})
}

// transition applies the steps computed from the current session and
// notifies subscribers of each, in order.
func (s *Store) transition(steps func(cur model.Session) []model.Session) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	prev := s.session
	next := steps(prev)
	if len(next) == 0 {
		s.mu.Unlock()
		return
	}
	s.session = next[len(next)-1]
	subs := make([]Transition, len(s.subs))
	for i, sub := range s.subs {
		subs[i] = sub.fn
	}
	s.mu.Unlock()

	for _, n := range next {
		if n.Status != prev.Status || n.UserID != prev.UserID {
			s.logger.Debug("session: transition", "from", prev.Status, "to", n.Status, "user_id", n.UserID, "generation", n.Generation)
		}
		for _, fn := range subs {
			fn(prev, n)
		}
		prev = n
	}
}

func authenticated(cur model.Session, as *auth.Session) model.Session {
	return model.Session{
		UserID:      as.User.ID,
		Email:       as.User.Email,
		Status:      model.StatusAuthenticated,
		ExpiresAt:   as.ExpiresAt(),
		Generation:  cur.Generation + 1,
		AccessToken: as.AccessToken(),
	}
}

func anonymous(cur model.Session) model.Session {
	gen := cur.Generation
	if cur.Authenticated() {
		gen++
	}
	return model.Session{Status: model.StatusAnonymous, Generation: gen}
}

// refreshed updates the validity window of cur from as and reports whether
// anything changed.
func refreshed(cur model.Session, as *auth.Session) (model.Session, bool) {
	next := cur
	next.ExpiresAt = as.ExpiresAt()
	next.AccessToken = as.AccessToken()
	if as.User.Email != "" {
		next.Email = as.User.Email
	}
	changed := next.AccessToken != cur.AccessToken || next.Email != cur.Email || !sameTime(next.ExpiresAt, cur.ExpiresAt)
	return next, changed
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func validate(email, password string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if at := strings.IndexByte(email, '@'); at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("%w: %q is not an email address", ErrInvalidInput, email)
	}
	if password == "" {
		return "", fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	return email, nil
}
