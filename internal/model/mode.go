package model

import "fmt"

// Mode is the persisted UI operating mode.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeMinimal Mode = "minimal"
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// IsValid checks whether the mode is a known value.
func (m Mode) IsValid() bool {
	return m == ModeFull || m == ModeMinimal
}

// ParseMode parses a mode name as typed by a user.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("invalid mode %q (want %q or %q)", s, ModeFull, ModeMinimal)
	}
	return m, nil
}
