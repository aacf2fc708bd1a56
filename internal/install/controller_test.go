package install

import (
	"context"
	"errors"
	"testing"
)

type fakePrompt struct {
	prevented int
	prompted  int
	outcome   Outcome
	promptErr error
}

func (p *fakePrompt) PreventDefault() { p.prevented++ }

func (p *fakePrompt) Prompt(context.Context) error {
	p.prompted++
	return p.promptErr
}

func (p *fakePrompt) UserChoice(context.Context) (Outcome, error) {
	return p.outcome, nil
}

func TestController_AcceptReplaysOnce(t *testing.T) {
	c := NewController()
	p := &fakePrompt{outcome: OutcomeAccepted}
	c.OnDeferredPrompt(p)

	if p.prevented != 1 {
		t.Errorf("PreventDefault called %d times, want 1", p.prevented)
	}
	if !c.Available() {
		t.Fatal("prompt not available")
	}

	got, err := c.Accept(context.Background())
	if err != nil || got != OutcomeAccepted {
		t.Fatalf("Accept = %q, %v", got, err)
	}
	got, err = c.Accept(context.Background())
	if err != nil || got != OutcomeNone {
		t.Errorf("second Accept = %q, %v, want none", got, err)
	}
	if p.prompted != 1 {
		t.Errorf("Prompt called %d times, want 1", p.prompted)
	}
	if c.Available() {
		t.Error("prompt still available after Accept")
	}
}

func TestController_DismissedOutcome(t *testing.T) {
	c := NewController()
	c.OnDeferredPrompt(&fakePrompt{outcome: OutcomeDismissed})

	if got, _ := c.Accept(context.Background()); got != OutcomeDismissed {
		t.Errorf("Accept = %q, want dismissed", got)
	}
}

func TestController_DismissClears(t *testing.T) {
	c := NewController()
	p := &fakePrompt{outcome: OutcomeAccepted}
	c.OnDeferredPrompt(p)
	c.Dismiss()
	c.Dismiss()

	if got, err := c.Accept(context.Background()); err != nil || got != OutcomeNone {
		t.Errorf("Accept after Dismiss = %q, %v", got, err)
	}
	if p.prompted != 0 {
		t.Errorf("dismissed prompt was shown")
	}
}

func TestController_StoresFirstPromptOnly(t *testing.T) {
	c := NewController()
	first := &fakePrompt{outcome: OutcomeAccepted}
	second := &fakePrompt{outcome: OutcomeDismissed}
	c.OnDeferredPrompt(first)
	c.OnDeferredPrompt(second)

	if second.prevented != 1 {
		t.Errorf("second prompt not suppressed")
	}
	if got, _ := c.Accept(context.Background()); got != OutcomeAccepted {
		t.Errorf("Accept = %q, want the first prompt's outcome", got)
	}
	if second.prompted != 0 {
		t.Error("second prompt was shown")
	}
}

func TestController_AcceptWithoutPrompt(t *testing.T) {
	c := NewController()
	c.OnDeferredPrompt(nil)
	if got, err := c.Accept(context.Background()); err != nil || got != OutcomeNone {
		t.Errorf("Accept = %q, %v", got, err)
	}
}

func TestController_PromptErrorClearsPrompt(t *testing.T) {
	c := NewController()
	boom := errors.New("not allowed")
	c.OnDeferredPrompt(&fakePrompt{promptErr: boom})

	if _, err := c.Accept(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if c.Available() {
		t.Error("failed prompt still available")
	}
}
