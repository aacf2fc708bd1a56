package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alfredjeanlab/maintpwa/internal/config"
	"github.com/alfredjeanlab/maintpwa/internal/model"
	"github.com/alfredjeanlab/maintpwa/internal/navigation"
	"github.com/zalando/go-keyring"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return &config.Config{
		SupabaseURL:     "http://127.0.0.1:1",
		AnonKey:         "anon",
		Realtime:        config.RealtimeWebsocket,
		EventsPerSecond: 10,
		SettingsPath:    filepath.Join(t.TempDir(), "settings.toml"),
	}
}

func TestOpenRuntime_Anonymous(t *testing.T) {
	c := testConfig(t)
	r, err := openRuntime(context.Background(), c, false)
	if err != nil {
		t.Fatalf("opening runtime: %v", err)
	}
	defer r.Close()

	if got := r.shell.Store().Session().Status; got != model.StatusAnonymous {
		t.Errorf("status = %s, want anonymous", got)
	}
	d := r.shell.View("/vehicles")
	if d.Kind != navigation.ShowPublic || d.Path != navigation.LoginPath {
		t.Errorf("View(/vehicles) = %s, want public(/login)", d)
	}
}

func TestOpenRuntime_KeyringUnavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("dial unix /nonexistent: connect: no such file or directory"))
	t.Cleanup(keyring.MockInit)

	c := testConfig(t)
	c.PersistSession = true
	r, err := openRuntime(context.Background(), c, false)
	if err != nil {
		t.Fatalf("opening runtime without a keyring: %v", err)
	}
	defer r.Close()

	if got := r.shell.Store().Session().Status; got != model.StatusAnonymous {
		t.Errorf("status = %s, want anonymous", got)
	}
	if d := r.shell.View("/login"); d.Kind != navigation.ShowPublic {
		t.Errorf("View(/login) = %s, want public", d)
	}
}

func TestOpenRuntime_ModePersists(t *testing.T) {
	c := testConfig(t)

	r, err := openRuntime(context.Background(), c, false)
	if err != nil {
		t.Fatalf("opening runtime: %v", err)
	}
	if err := r.shell.Modes().SetMode(model.ModeMinimal); err != nil {
		t.Fatalf("setting mode: %v", err)
	}
	r.Close()

	r, err = openRuntime(context.Background(), c, false)
	if err != nil {
		t.Fatalf("reopening runtime: %v", err)
	}
	defer r.Close()
	if got := r.shell.Modes().Mode(); got != model.ModeMinimal {
		t.Errorf("mode after restart = %s, want minimal", got)
	}
}

func TestParseTables(t *testing.T) {
	all, err := parseTables(nil)
	if err != nil {
		t.Fatalf("parsing default tables: %v", err)
	}
	if !all[model.TableVehicles] || !all[model.TableInterventions] {
		t.Errorf("default tables = %v, want both", all)
	}

	one, err := parseTables([]string{"interventions"})
	if err != nil {
		t.Fatalf("parsing tables: %v", err)
	}
	if one[model.TableVehicles] || !one[model.TableInterventions] {
		t.Errorf("tables = %v, want interventions only", one)
	}

	if _, err := parseTables([]string{"Veicoli"}); err == nil {
		t.Error("expected error for a remote table name")
	}
}

func TestColorizeHelpOutput(t *testing.T) {
	in := "Session:\n  login       Sign in with email and password\n\nFlags:\n      --email string   account email\n"
	out := colorizeHelpOutput(in)
	for _, want := range []string{"login", "Session:", "string", "Sign in with email and password"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRootHelpListsEnvironment(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	colorizedHelpFunc()(rootCmd, nil)

	out := buf.String()
	for _, want := range []string{"Session:", "Realtime:", "login", "watch", "Environment:", "MPWA_SUPABASE_URL", "MPWA_PASSWORD"} {
		if !strings.Contains(out, want) {
			t.Errorf("root help missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("root help colored with NO_COLOR set")
	}
}

func TestDescribeRecord(t *testing.T) {
	tests := []struct {
		name string
		ev   model.ChangeEvent
		want string
	}{
		{
			name: "vehicle",
			ev:   model.ChangeEvent{Table: model.TableVehicles, Payload: json.RawMessage(`{"id":"v1","nome":"Panda","targa":"AB123CD"}`)},
			want: "Panda · AB123CD",
		},
		{
			name: "intervention",
			ev:   model.ChangeEvent{Table: model.TableInterventions, Payload: json.RawMessage(`{"id":"i1","tipo":"tagliando"}`)},
			want: "tagliando",
		},
		{
			name: "delete",
			ev:   model.ChangeEvent{Table: model.TableVehicles, Operation: model.OpDelete},
			want: "",
		},
		{
			name: "undecodable",
			ev:   model.ChangeEvent{Table: model.TableVehicles, Payload: json.RawMessage(`[1]`)},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeRecord(tt.ev); got != tt.want {
				t.Errorf("describeRecord() = %q, want %q", got, tt.want)
			}
		})
	}
}
