// Package install holds the platform's deferred install prompt until the
// user asks for it.
package install

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Outcome is the user's answer to the install prompt.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDismissed Outcome = "dismissed"
	// OutcomeNone means no prompt was available.
	OutcomeNone Outcome = ""
)

// DeferredPrompt is the platform's cancelable install event.
type DeferredPrompt interface {
	// PreventDefault suppresses the platform's own prompt.
	PreventDefault()
	// Prompt shows the stored prompt.
	Prompt(ctx context.Context) error
	// UserChoice waits for the user's answer to Prompt.
	UserChoice(ctx context.Context) (Outcome, error)
}

// Controller stores at most one deferred prompt and replays it once.
type Controller struct {
	logger *slog.Logger

	mu     sync.Mutex
	prompt DeferredPrompt
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController returns a Controller with no stored prompt.
func NewController(opts ...Option) *Controller {
	c := &Controller{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnDeferredPrompt suppresses the platform's default handling of p and
// stores it. A prompt already stored is kept and p is only suppressed.
func (c *Controller) OnDeferredPrompt(p DeferredPrompt) {
	if p == nil {
		return
	}
	p.PreventDefault()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompt != nil {
		c.logger.Debug("install: prompt already stored, ignoring")
		return
	}
	c.prompt = p
	c.logger.Debug("install: prompt stored")
}

// Available reports whether a prompt is stored.
func (c *Controller) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt != nil
}

// Accept replays the stored prompt and returns the user's answer. The
// prompt is cleared before it is shown, so concurrent or later calls return
// OutcomeNone.
func (c *Controller) Accept(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	p := c.prompt
	c.prompt = nil
	c.mu.Unlock()
	if p == nil {
		return OutcomeNone, nil
	}

	if err := p.Prompt(ctx); err != nil {
		return OutcomeNone, fmt.Errorf("showing install prompt: %w", err)
	}
	outcome, err := p.UserChoice(ctx)
	if err != nil {
		return OutcomeNone, fmt.Errorf("waiting for install choice: %w", err)
	}
	c.logger.Info("install: prompt answered", "outcome", outcome)
	return outcome, nil
}

// Dismiss drops the stored prompt without showing it.
func (c *Controller) Dismiss() {
	c.mu.Lock()
	dropped := c.prompt != nil
	c.prompt = nil
	c.mu.Unlock()
	if dropped {
		c.logger.Debug("install: prompt dismissed")
	}
}
