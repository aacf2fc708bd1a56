package ui

import (
	"strings"
	"testing"

	"github.com/alfredjeanlab/maintpwa/internal/model"
)

func TestShouldUseColor_Env(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	t.Setenv("CLICOLOR_FORCE", "1")
	if ShouldUseColor() {
		t.Error("NO_COLOR should win over CLICOLOR_FORCE")
	}

	t.Setenv("NO_COLOR", "")
	if !ShouldUseColor() {
		t.Error("CLICOLOR_FORCE=1 should enable color")
	}

	t.Setenv("CLICOLOR_FORCE", "")
	t.Setenv("CLICOLOR", "0")
	if ShouldUseColor() {
		t.Error("CLICOLOR=0 should disable color")
	}
}

func TestRender(t *testing.T) {
	noColor = false
	t.Cleanup(func() { noColor = false })

	if got := RenderChannelState(model.ChannelErrored); !strings.Contains(got, "\x1b[38;5;203m") || !strings.Contains(got, "errored") {
		t.Errorf("RenderChannelState = %q", got)
	}
	if got := RenderStatus(model.StatusAuthenticated); !strings.Contains(got, "authenticated") {
		t.Errorf("RenderStatus = %q", got)
	}

	ForceNoColor()
	if got := RenderOperation(model.OpDelete); got != "DELETE" {
		t.Errorf("RenderOperation without color = %q", got)
	}
}

func TestReadLine(t *testing.T) {
	got, err := ReadLine(strings.NewReader("  ada@example.com \nrest"), "Email: ")
	if err != nil || got != "ada@example.com" {
		t.Errorf("ReadLine = %q, %v", got, err)
	}
	got, err = ReadLine(strings.NewReader("no-newline"), "")
	if err != nil || got != "no-newline" {
		t.Errorf("ReadLine at EOF = %q, %v", got, err)
	}
	if _, err := ReadLine(strings.NewReader(""), ""); err == nil {
		t.Error("expected error on empty input")
	}
}
