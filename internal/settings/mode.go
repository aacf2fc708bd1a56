package settings

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/alfredjeanlab/maintpwa/internal/model"
)

// MinimalModeKey is the storage key of the operating mode. It holds "true"
// for Minimal and is absent for Full.
const MinimalModeKey = "app-minimal-mode"

// ModeSelector reads the persisted operating mode once and writes changes
// through to storage.
type ModeSelector struct {
	storage Storage
	logger  *slog.Logger

	mu   sync.Mutex
	mode model.Mode
}

// ModeOption configures a ModeSelector.
type ModeOption func(*ModeSelector)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ModeOption {
	return func(m *ModeSelector) { m.logger = l }
}

// NewModeSelector loads the mode from storage. Missing, malformed or
// unreadable values yield Full.
func NewModeSelector(storage Storage, opts ...ModeOption) *ModeSelector {
	m := &ModeSelector{storage: storage, logger: slog.Default(), mode: model.ModeFull}
	for _, opt := range opts {
		opt(m)
	}

	v, ok, err := storage.Get(MinimalModeKey)
	switch {
	case err != nil:
		m.logger.Warn("settings: reading mode, using full", "error", err)
	case !ok:
	case v == "true":
		m.mode = model.ModeMinimal
	default:
		m.logger.Debug("settings: ignoring malformed mode value", "value", v)
	}
	return m
}

// Mode returns the current operating mode.
func (m *ModeSelector) Mode() model.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode persists mode. On a write error the current mode is unchanged and
// the error is returned.
func (m *ModeSelector) SetMode(mode model.Mode) error {
	if !mode.IsValid() {
		return fmt.Errorf("setting mode: invalid mode %q", mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if mode == model.ModeMinimal {
		err = m.storage.Set(MinimalModeKey, "true")
	} else {
		err = m.storage.Delete(MinimalModeKey)
	}
	if err != nil {
		return fmt.Errorf("saving mode %s: %w", mode, err)
	}
	if m.mode != mode {
		m.logger.Info("settings: mode changed", "from", m.mode, "to", mode)
	}
	m.mode = mode
	return nil
}
