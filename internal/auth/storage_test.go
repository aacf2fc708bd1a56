package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
)

func tokenWithExpiry(access, refresh string, exp time.Time) *oauth2.Token {
	return &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "bearer", Expiry: exp}
}

func TestKeyringStorage_RoundTrip(t *testing.T) {
	keyring.MockInit()
	s := NewKeyringStorage("maintpwa-test")

	got, err := s.Load("sb-x-auth-token")
	if err != nil || got != nil {
		t.Fatalf("Load() on empty keyring = %v, %v", got, err)
	}

	exp := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	in := &Session{Token: tokenWithExpiry("a", "r", exp), User: User{ID: "u1", Email: "u1@example.com"}}
	if err := s.Save("sb-x-auth-token", in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err = s.Load("sb-x-auth-token")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.User.ID != "u1" || got.AccessToken() != "a" || got.Token.RefreshToken != "r" {
		t.Errorf("Load() = %+v", got)
	}
	if !got.Token.Expiry.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got.Token.Expiry, exp)
	}

	if err := s.Remove("sb-x-auth-token"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove("sb-x-auth-token"); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
	if got, _ := s.Load("sb-x-auth-token"); got != nil {
		t.Error("session still present after Remove")
	}
}

func TestKeyringStorage_Corrupt(t *testing.T) {
	keyring.MockInit()
	if err := keyring.Set("maintpwa-test", "k", "garbage"); err != nil {
		t.Fatal(err)
	}
	_, err := NewKeyringStorage("maintpwa-test").Load("k")
	if !errors.Is(err, ErrCorruptSession) {
		t.Errorf("Load() error = %v, want ErrCorruptSession", err)
	}
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	if got, err := s.Load("k"); got != nil || err != nil {
		t.Fatalf("Load() on empty = %v, %v", got, err)
	}
	if err := s.Save("k", &Session{Token: tokenWithExpiry("a", "", time.Time{}), User: User{ID: "u1"}}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load("k")
	if err != nil || got.User.ID != "u1" {
		t.Errorf("Load() = %+v, %v", got, err)
	}
	if got.ExpiresAt() != nil {
		t.Error("zero expiry should read back as no expiry")
	}
}
