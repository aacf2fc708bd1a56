package main

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/alfredjeanlab/maintpwa/internal/ui"
	"github.com/spf13/cobra"
)

var (
	// Unindented lines ending in ":" ("Session:", "Flags:").
	reHeader = regexp.MustCompile(`(?m)^([A-Z][A-Za-z ]*):\s*$`)

	// Two-space indent, a name, then the description column.
	reCommand = regexp.MustCompile(`(?m)^(  )([a-z][\w-]*)(  +)`)

	reFlagType = regexp.MustCompile(`(--?[\w-]+\s+)(stringToString|strings|string|int|duration)\b`)

	reDefault = regexp.MustCompile(`\(default [^)]*\)`)
)

// envHelp lists the variables config.Load reads, shown under the root help.
var envHelp = [][2]string{
	{"MPWA_SUPABASE_URL", "backend project URL (required)"},
	{"MPWA_SUPABASE_ANON_KEY", "public API key (required)"},
	{"MPWA_REALTIME", "websocket or nats"},
	{"MPWA_NATS_URL", "NATS server when MPWA_REALTIME=nats"},
	{"MPWA_EVENTS_PER_SECOND", "outgoing realtime frame limit"},
	{"MPWA_AUTO_REFRESH", "refresh tokens in the background while watching"},
	{"MPWA_PERSIST_SESSION", "keep the session in the OS keyring"},
	{"MPWA_REFRESH_MARGIN", "refresh this long before expiry"},
	{"MPWA_SETTINGS_PATH", "settings file location"},
	{"MPWA_PASSWORD", "password for login and signup without a prompt"},
}

// headerStyle colors each command group's header after what it touches.
func headerStyle(name string) func(string) string {
	switch name {
	case "Session":
		return ui.RenderOK
	case "Realtime":
		return ui.RenderWarn
	case "Usage":
		return func(s string) string { return s }
	}
	return ui.RenderAccent
}

func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()

		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(out)

		text := buf.String()
		if !cmd.HasParent() {
			text += environmentSection()
		}
		if ui.ShouldUseColor() {
			text = colorizeHelpOutput(text)
		}
		fmt.Fprint(out, text)
	}
}

func environmentSection() string {
	var b strings.Builder
	b.WriteString("\nEnvironment:\n")
	for _, kv := range envHelp {
		fmt.Fprintf(&b, "  %-24s %s\n", kv[0], kv[1])
	}
	return b.String()
}

func colorizeHelpOutput(s string) string {
	s = reHeader.ReplaceAllStringFunc(s, func(match string) string {
		name := reHeader.FindStringSubmatch(match)[1]
		return headerStyle(name)(name + ":")
	})
	s = reCommand.ReplaceAllString(s, "${1}"+ui.RenderCommand("${2}")+"${3}")
	s = reFlagType.ReplaceAllString(s, "${1}"+ui.RenderMuted("${2}"))
	return reDefault.ReplaceAllStringFunc(s, ui.RenderMuted)
}
