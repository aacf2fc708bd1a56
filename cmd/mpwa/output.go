package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/maintpwa/internal/auth"
	"github.com/alfredjeanlab/maintpwa/internal/model"
	"github.com/alfredjeanlab/maintpwa/internal/navigation"
	"github.com/alfredjeanlab/maintpwa/internal/ui"
)

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

type statusView struct {
	Session   model.Session `json:"session"`
	Mode      model.Mode    `json:"mode"`
	Transport string        `json:"transport"`
	User      *auth.User    `json:"user,omitempty"`
}

func printSession(sess model.Session, mode model.Mode, user *auth.User) {
	if jsonOutput {
		printJSON(statusView{Session: sess, Mode: mode, Transport: cfg.Realtime, User: user})
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Status:\t%s\n", ui.RenderStatus(sess.Status))
	if sess.Authenticated() {
		fmt.Fprintf(w, "User:\t%s\n", sess.UserID)
		if sess.Email != "" {
			fmt.Fprintf(w, "Email:\t%s\n", sess.Email)
		}
		if sess.ExpiresAt != nil {
			exp := sess.ExpiresAt.Local().Format("2006-01-02 15:04:05")
			if sess.Expired(time.Now()) {
				exp += " " + ui.RenderWarn("(expired)")
			}
			fmt.Fprintf(w, "Expires:\t%s\n", exp)
		}
	}
	if user != nil {
		if user.ConfirmedAt == nil {
			fmt.Fprintf(w, "Confirmed:\t%s\n", ui.RenderWarn("no"))
		}
		keys := make([]string, 0, len(user.Metadata))
		for k := range user.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s:\t%v\n", k, user.Metadata[k])
		}
	}
	fmt.Fprintf(w, "Mode:\t%s\n", mode)
	fmt.Fprintf(w, "Realtime:\t%s\n", ui.RenderMuted(cfg.Realtime))
	w.Flush()
}

func printSignUp(res *auth.SignUpResult) {
	if jsonOutput {
		printJSON(res)
		return
	}
	switch {
	case res.ConfirmationPending:
		fmt.Printf("Registered %s. Check your inbox to confirm the address.\n", res.User.Email)
	case res.Session != nil:
		fmt.Printf("Registered and signed in as %s.\n", res.User.Email)
	default:
		fmt.Printf("Registered %s.\n", res.User.Email)
	}
}

func printChangeEvent(ev model.ChangeEvent) {
	if jsonOutput {
		data, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
			return
		}
		fmt.Println(string(data))
		return
	}
	line := fmt.Sprintf("%s  %-13s %-6s %s",
		ui.RenderMuted(ev.Timestamp.Local().Format(time.TimeOnly)),
		ev.Table,
		ui.RenderOperation(ev.Operation),
		ev.RecordID,
	)
	if label := describeRecord(ev); label != "" {
		line += "  " + label
	}
	fmt.Println(line)
}

// describeRecord names the changed row from its payload. Deletes carry no
// payload and get no label.
func describeRecord(ev model.ChangeEvent) string {
	switch ev.Table {
	case model.TableVehicles:
		v, err := ev.Vehicle()
		if err != nil || v == nil {
			return ""
		}
		return joinNonEmpty(v.Name, v.Plate)
	case model.TableInterventions:
		in, err := ev.Intervention()
		if err != nil || in == nil {
			return ""
		}
		label := joinNonEmpty(in.Kind, in.Description)
		if in.Done {
			label += " " + ui.RenderOK("done")
		}
		return strings.TrimSpace(label)
	}
	return ""
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " · ")
}

func printRoutes(decisions map[string]navigation.Decision) {
	paths := make([]string, 0, len(decisions))
	for p := range decisions {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if jsonOutput {
		printJSON(decisions)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tVIEW")
	for _, p := range paths {
		fmt.Fprintf(w, "%s\t%s\n", p, decisions[p])
	}
	w.Flush()
}

func printDecision(path string, d navigation.Decision) {
	if jsonOutput {
		printJSON(struct {
			Requested  string          `json:"requested"`
			Kind       navigation.Kind `json:"kind"`
			Path       string          `json:"path,omitempty"`
			Redirected bool            `json:"redirected"`
		}{path, d.Kind, d.Path, d.Redirected(path)})
		return
	}
	if d.Redirected(path) {
		fmt.Printf("%s %s %s\n", d.Kind, ui.RenderMuted("redirect to"), ui.RenderAccent(d.Path))
		return
	}
	fmt.Println(d.String())
}
