package idgen

import (
	"regexp"
	"strings"
	"testing"
)

func TestGenerate_Format(t *testing.T) {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(DefaultPrefix) + `[a-zA-Z0-9]{10}$`)
	for i := 0; i < 50; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error on iteration %d: %v", i, err)
		}
		if !pattern.MatchString(id) {
			t.Fatalf("Generate() = %q, want %s", id, pattern)
		}
	}
}

func TestGenerate_Distinct(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate handle ID %q after %d generations", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	id, err := GenerateWithPrefix("client-")
	if err != nil {
		t.Fatalf("GenerateWithPrefix() error: %v", err)
	}
	if !strings.HasPrefix(id, "client-") || len(id) != len("client-")+Length {
		t.Errorf("GenerateWithPrefix(client-) = %q", id)
	}
}

func TestHandleID(t *testing.T) {
	id := HandleID("vehicles")
	if !strings.HasPrefix(id, DefaultPrefix) {
		t.Errorf("HandleID() = %q, want prefix %q", id, DefaultPrefix)
	}
}
