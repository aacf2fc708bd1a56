package settings

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alfredjeanlab/maintpwa/internal/model"
)

func TestFileStorage_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "settings.toml")
	s := NewFileStorage(path)

	if _, ok, err := s.Get("k"); err != nil || ok {
		t.Fatalf("Get on missing file = ok %v, err %v", ok, err)
	}
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := NewFileStorage(path).Get("k")
	if err != nil || !ok || v != "v" {
		t.Errorf("Get = %q, %v, %v", v, ok, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "[settings]") {
		t.Errorf("file = %q, want a [settings] table", data)
	}

	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
	if _, ok, _ := s.Get("k"); ok {
		t.Error("key still present after Delete")
	}
}

func TestFileStorage_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	if err := os.WriteFile(path, []byte("[settings\nnot toml"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewFileStorage(path)

	if _, _, err := s.Get("k"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Get err = %v, want ErrMalformed", err)
	}
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set over malformed file: %v", err)
	}
	if v, ok, err := s.Get("k"); err != nil || !ok || v != "v" {
		t.Errorf("Get = %q, %v, %v", v, ok, err)
	}
}

func TestModeSelector_DefaultsToFull(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*MemoryStorage)
	}{
		{"absent", func(*MemoryStorage) {}},
		{"false", func(m *MemoryStorage) { _ = m.Set(MinimalModeKey, "false") }},
		{"garbage", func(m *MemoryStorage) { _ = m.Set(MinimalModeKey, "{oops") }},
		{"unreadable", func(m *MemoryStorage) { m.Err = errors.New("disk gone") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NewMemoryStorage()
			tt.setup(st)
			if got := NewModeSelector(st).Mode(); got != model.ModeFull {
				t.Errorf("Mode() = %s, want full", got)
			}
		})
	}
}

func TestModeSelector_MalformedFileDefaultsToFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	if err := os.WriteFile(path, []byte("settings = 42\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := NewModeSelector(NewFileStorage(path)).Mode(); got != model.ModeFull {
		t.Errorf("Mode() = %s, want full", got)
	}
}

func TestModeSelector_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")

	m := NewModeSelector(NewFileStorage(path))
	if err := m.SetMode(model.ModeMinimal); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if got := m.Mode(); got != model.ModeMinimal {
		t.Errorf("Mode() = %s, want minimal", got)
	}

	restarted := NewModeSelector(NewFileStorage(path))
	if got := restarted.Mode(); got != model.ModeMinimal {
		t.Errorf("after restart Mode() = %s, want minimal", got)
	}

	if err := restarted.SetMode(model.ModeFull); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if _, ok, _ := NewFileStorage(path).Get(MinimalModeKey); ok {
		t.Error("full mode should remove the key")
	}
	if got := NewModeSelector(NewFileStorage(path)).Mode(); got != model.ModeFull {
		t.Errorf("after second restart Mode() = %s, want full", got)
	}
}

func TestModeSelector_WriteFailureKeepsMode(t *testing.T) {
	st := NewMemoryStorage()
	m := NewModeSelector(st)
	st.Err = errors.New("quota exceeded")

	err := m.SetMode(model.ModeMinimal)
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v", err)
	}
	if got := m.Mode(); got != model.ModeFull {
		t.Errorf("Mode() = %s, want full", got)
	}
}

func TestModeSelector_RejectsUnknownMode(t *testing.T) {
	m := NewModeSelector(NewMemoryStorage())
	if err := m.SetMode(model.Mode("compact")); err == nil {
		t.Error("expected error for unknown mode")
	}
}
