package ui

import (
	"fmt"

	"github.com/alfredjeanlab/maintpwa/internal/model"
)

// ANSI256 color codes matching the Ayu palette.
const (
	colorAccent = 74  // blue
	colorMuted  = 245 // medium gray
	colorOK     = 114 // green
	colorWarn   = 179 // amber
	colorError  = 203 // red
)

var noColor bool

func render(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return render(colorAccent, s) }

// RenderCommand returns s in the command (bold accent) style.
func RenderCommand(s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[1;38;5;%dm%s\x1b[0m", colorAccent, s)
}

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return render(colorMuted, s) }

// RenderOK returns s in green.
func RenderOK(s string) string { return render(colorOK, s) }

// RenderWarn returns s in amber.
func RenderWarn(s string) string { return render(colorWarn, s) }

// RenderError returns s in red.
func RenderError(s string) string { return render(colorError, s) }

// RenderStatus colors a session status.
func RenderStatus(s model.Status) string {
	switch s {
	case model.StatusAuthenticated:
		return RenderOK(string(s))
	case model.StatusLoading:
		return RenderWarn(string(s))
	}
	return RenderMuted(string(s))
}

// RenderChannelState colors a channel state.
func RenderChannelState(s model.ChannelState) string {
	switch s {
	case model.ChannelOpen:
		return RenderOK(string(s))
	case model.ChannelConnecting:
		return RenderWarn(string(s))
	case model.ChannelErrored:
		return RenderError(string(s))
	}
	return RenderMuted(string(s))
}

// RenderOperation colors a change operation.
func RenderOperation(op model.Operation) string {
	switch op {
	case model.OpInsert:
		return RenderOK(string(op))
	case model.OpDelete:
		return RenderError(string(op))
	}
	return RenderAccent(string(op))
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
