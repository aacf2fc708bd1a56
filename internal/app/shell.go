// Package app wires the client core together: the session store drives the
// realtime bridge, change events fan out to presentation subscribers, and
// the navigation guard reads session and mode to pick the view.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/alfredjeanlab/maintpwa/internal/auth"
	"github.com/alfredjeanlab/maintpwa/internal/install"
	"github.com/alfredjeanlab/maintpwa/internal/model"
	"github.com/alfredjeanlab/maintpwa/internal/navigation"
	"github.com/alfredjeanlab/maintpwa/internal/realtime"
	"github.com/alfredjeanlab/maintpwa/internal/session"
	"github.com/alfredjeanlab/maintpwa/internal/settings"
)

// Shell owns one instance of every core component.
type Shell struct {
	store   *session.Store
	bridge  *realtime.Bridge
	modes   *settings.ModeSelector
	install *install.Controller
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu is never held while calling into the bridge.
	mu        sync.Mutex
	gen       uint64
	nextID    int
	eventSubs []eventSub
	errorSubs []errorSub
	unsub     func()
	closed    bool
}

type eventSub struct {
	id int
	fn func(model.ChangeEvent)
}

type errorSub struct {
	id int
	fn func(error)
}

// Option configures a Shell.
type Option func(*shellConfig)

type shellConfig struct {
	logger     *slog.Logger
	bridgeOpts []realtime.BridgeOption
}

// WithLogger sets the logger for the shell and the components it builds.
func WithLogger(l *slog.Logger) Option {
	return func(c *shellConfig) { c.logger = l }
}

// WithBridgeOptions passes extra options to the realtime bridge.
func WithBridgeOptions(opts ...realtime.BridgeOption) Option {
	return func(c *shellConfig) { c.bridgeOpts = append(c.bridgeOpts, opts...) }
}

// New builds the core on top of the given services and storage.
func New(authProvider auth.Provider, rt realtime.Provider, storage settings.Storage, opts ...Option) *Shell {
	cfg := shellConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Shell{
		logger: cfg.logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.store = session.New(authProvider, session.WithLogger(cfg.logger))
	bridgeOpts := append([]realtime.BridgeOption{
		realtime.WithLogger(cfg.logger),
		realtime.WithErrorHandler(func(e *realtime.ChannelError) { s.reportError(e) }),
	}, cfg.bridgeOpts...)
	s.bridge = realtime.NewBridge(rt, bridgeOpts...)
	s.modes = settings.NewModeSelector(storage, settings.WithLogger(cfg.logger))
	s.install = install.NewController(install.WithLogger(cfg.logger))
	return s
}

// Store returns the session store.
func (s *Shell) Store() *session.Store { return s.store }

// Bridge returns the realtime bridge.
func (s *Shell) Bridge() *realtime.Bridge { return s.bridge }

// Modes returns the operating mode selector.
func (s *Shell) Modes() *settings.ModeSelector { return s.modes }

// Install returns the install-prompt controller.
func (s *Shell) Install() *install.Controller { return s.install }

// Start follows the session store and resolves the initial session. The
// returned error comes from session resolution; the shell keeps running
// with an Anonymous session.
func (s *Shell) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return session.ErrClosed
	}
	if s.unsub == nil {
		s.unsub = s.store.Subscribe(s.onTransition)
	}
	s.mu.Unlock()

	err := s.store.Initialize(ctx)
	// Initialize is a no-op when the store was already resolved; catch up.
	if cur := s.store.Session(); cur.Authenticated() {
		s.openWatches(cur)
	}
	return err
}

// View decides what to show for path given the current session and mode.
func (s *Shell) View(path string) navigation.Decision {
	return navigation.Decide(s.store.Session(), s.modes.Mode(), path)
}

// Subscribe registers fn for change events of the current identity. fn runs
// on the realtime delivery goroutine and must not call Close, SignIn,
// SignOut or UnwatchAll synchronously.
func (s *Shell) Subscribe(fn func(model.ChangeEvent)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.eventSubs = append(s.eventSubs, eventSub{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.eventSubs {
				if sub.id == id {
					s.eventSubs = append(s.eventSubs[:i:i], s.eventSubs[i+1:]...)
					return
				}
			}
		})
	}
}

// OnError registers fn for terminal failures the user should hear about.
func (s *Shell) OnError(fn func(error)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.errorSubs = append(s.errorSubs, errorSub{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.errorSubs {
				if sub.id == id {
					s.errorSubs = append(s.errorSubs[:i:i], s.errorSubs[i+1:]...)
					return
				}
			}
		})
	}
}

// Close tears down every channel and stops following the session store.
// No events are delivered after it returns.
func (s *Shell) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.bridge.UnwatchAll()
	s.store.Close()
	s.cancel()
}

func (s *Shell) onTransition(prev, next model.Session) {
	sameIdentity := prev.Authenticated() && next.Authenticated() && prev.SameIdentity(next)

	if prev.Authenticated() && !sameIdentity {
		// Teardown completes before the transition is observed anywhere
		// else.
		s.bridge.UnwatchAll()
		s.bridge.Seal(prev.Generation)
		s.mu.Lock()
		s.gen++
		s.mu.Unlock()
		s.logger.Debug("app: channels closed", "user_id", prev.UserID)
	}

	switch {
	case next.Authenticated() && !sameIdentity:
		s.openWatches(next)
	case sameIdentity && next.AccessToken != prev.AccessToken:
		s.bridge.SetAuth(next.AccessToken)
	}
}

func (s *Shell) openWatches(sess model.Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.mu.Unlock()

	if sess.AccessToken != "" {
		s.bridge.SetAuth(sess.AccessToken)
	}
	owner := realtime.Owner{UserID: sess.UserID, Generation: sess.Generation}
	for _, table := range model.Tables {
		_, err := s.bridge.Watch(s.ctx, table, owner, s.fanOut(gen))
		if errors.Is(err, realtime.ErrStaleIdentity) {
			// A newer identity took over while this one was being set up.
			s.logger.Debug("app: skipping stale watch", "table", table, "user_id", sess.UserID)
			continue
		}
		if err != nil {
			s.logger.Warn("app: watch failed", "table", table, "user_id", sess.UserID, "error", err)
			s.reportError(err)
		}
	}
}

// fanOut delivers events to subscribers while gen is still current.
func (s *Shell) fanOut(gen uint64) func(model.ChangeEvent) {
	return func(ev model.ChangeEvent) {
		s.mu.Lock()
		if s.closed || s.gen != gen {
			s.mu.Unlock()
			return
		}
		subs := make([]func(model.ChangeEvent), len(s.eventSubs))
		for i, sub := range s.eventSubs {
			subs[i] = sub.fn
		}
		s.mu.Unlock()

		for _, fn := range subs {
			fn(ev)
		}
	}
}

func (s *Shell) reportError(err error) {
	s.mu.Lock()
	subs := make([]func(error), len(s.errorSubs))
	for i, sub := range s.errorSubs {
		subs[i] = sub.fn
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(err)
	}
}
