package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/alfredjeanlab/maintpwa/internal/auth"
	"github.com/alfredjeanlab/maintpwa/internal/model"
	"github.com/alfredjeanlab/maintpwa/internal/navigation"
	"github.com/alfredjeanlab/maintpwa/internal/realtime"
	"github.com/alfredjeanlab/maintpwa/internal/settings"
)

// --- fake auth service ---

type fakeAuth struct {
	mu        sync.Mutex
	listeners map[int]auth.Listener
	nextID    int
	stored    *auth.Session
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{listeners: make(map[int]auth.Listener)}
}

func userSession(id, token string) *auth.Session {
	return &auth.Session{
		Token: &oauth2.Token{AccessToken: token, Expiry: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)},
		User:  auth.User{ID: id, Email: id + "@example.com"},
	}
}

func (f *fakeAuth) GetSession(context.Context) (*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored, nil
}

func (f *fakeAuth) SignInWithPassword(_ context.Context, email, password string) (*auth.Session, error) {
	if password != "pw" {
		return nil, auth.ErrInvalidCredentials
	}
	id := email[:strings.IndexByte(email, '@')]
	sess := userSession(id, "jwt-"+id)
	f.emit(auth.EventSignedIn, sess)
	return sess, nil
}

func (f *fakeAuth) SignUp(context.Context, string, string, map[string]any) (*auth.SignUpResult, error) {
	return nil, errors.New("not supported")
}

func (f *fakeAuth) SignOut(context.Context) error {
	f.emit(auth.EventSignedOut, nil)
	return nil
}

func (f *fakeAuth) OnAuthStateChange(l auth.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = l
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeAuth) emit(ev auth.Event, sess *auth.Session) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.listeners))
	for id := range f.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]auth.Listener, len(ids))
	for i, id := range ids {
		ls[i] = f.listeners[id]
	}
	f.mu.Unlock()
	for _, l := range ls {
		l(ev, sess)
	}
}

// --- fake realtime service ---

type fakeRealtime struct {
	mu     sync.Mutex
	opened []*fakeChannel
	tokens []string
}

type fakeChannel struct {
	spec realtime.ChannelSpec
	h    realtime.Handler

	mu     sync.Mutex
	closed bool
}

func (f *fakeRealtime) Open(_ context.Context, spec realtime.ChannelSpec, h realtime.Handler) (realtime.Channel, error) {
	ch := &fakeChannel{spec: spec, h: h}
	f.mu.Lock()
	f.opened = append(f.opened, ch)
	f.mu.Unlock()
	h.OnState(model.ChannelOpen, nil)
	return ch, nil
}

func (f *fakeRealtime) SetAuth(token string) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
}

func (f *fakeRealtime) channels() []*fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeChannel(nil), f.opened...)
}

func (f *fakeRealtime) lastToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokens) == 0 {
		return ""
	}
	return f.tokens[len(f.tokens)-1]
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// push delivers a server message whether or not the channel was closed, as
// a late frame from the network would be.
func (c *fakeChannel) push(op, record string) {
	c.h.OnMessage(realtime.Message{
		Type:   op,
		Schema: "public",
		Table:  c.spec.Table,
		Record: json.RawMessage(record),
	})
}

// --- helpers ---

type collector struct {
	mu     sync.Mutex
	events []model.ChangeEvent
}

func (c *collector) add(ev model.ChangeEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) all() []model.ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ChangeEvent(nil), c.events...)
}

func newTestShell(t *testing.T, fa *fakeAuth, fr *fakeRealtime) (*Shell, *collector) {
	t.Helper()
	s := New(fa, fr, settings.NewMemoryStorage())
	events := &collector{}
	s.Subscribe(events.add)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("starting shell: %v", err)
	}
	t.Cleanup(s.Close)
	return s, events
}

func channelFor(t *testing.T, chans []*fakeChannel, name, user string) *fakeChannel {
	t.Helper()
	for _, ch := range chans {
		if ch.spec.Name == name && ch.spec.Filter.Value == user {
			return ch
		}
	}
	t.Fatalf("no %s channel for %s", name, user)
	return nil
}

func signIn(t *testing.T, s *Shell, user string) {
	t.Helper()
	if err := s.Store().SignIn(context.Background(), user+"@example.com", "pw"); err != nil {
		t.Fatalf("signing in %s: %v", user, err)
	}
}

// --- tests ---

func TestShell_SignInOpensBothChannels(t *testing.T) {
	fr := &fakeRealtime{}
	s, _ := newTestShell(t, newFakeAuth(), fr)

	if n := len(fr.channels()); n != 0 {
		t.Fatalf("anonymous shell opened %d channels", n)
	}
	signIn(t, s, "u1")

	chans := fr.channels()
	if len(chans) != 2 {
		t.Fatalf("opened %d channels, want 2", len(chans))
	}
	for _, name := range []string{"vehicle_changes", "maintenance_changes"} {
		ch := channelFor(t, chans, name, "u1")
		if ch.spec.Filter.String() != "utente_id=eq.u1" {
			t.Errorf("%s filter = %q", name, ch.spec.Filter)
		}
	}
	if tok := fr.lastToken(); tok != "jwt-u1" {
		t.Errorf("realtime token = %q, want jwt-u1", tok)
	}
	for _, table := range model.Tables {
		if st := s.Bridge().State(table); st != model.ChannelOpen {
			t.Errorf("%s state = %s, want open", table, st)
		}
	}
}

func TestShell_SignInEventSignOutScenario(t *testing.T) {
	fr := &fakeRealtime{}
	s, events := newTestShell(t, newFakeAuth(), fr)

	signIn(t, s, "u1")
	vehicles := channelFor(t, fr.channels(), "vehicle_changes", "u1")
	vehicles.push("INSERT", `{"id":"X","utente_id":"u1"}`)

	got := events.all()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Table != model.TableVehicles || got[0].Operation != model.OpInsert || got[0].RecordID != "X" {
		t.Errorf("event = %+v", got[0])
	}

	if err := s.Store().SignOut(context.Background()); err != nil {
		t.Fatalf("signing out: %v", err)
	}
	for _, ch := range fr.channels() {
		if !ch.isClosed() {
			t.Errorf("%s still open after sign-out", ch.spec.Name)
		}
	}
	vehicles.push("INSERT", `{"id":"late","utente_id":"u1"}`)
	if n := len(events.all()); n != 1 {
		t.Errorf("got %d events after sign-out, want 1", n)
	}
}

func TestShell_NoEventsForPreviousUser(t *testing.T) {
	fr := &fakeRealtime{}
	s, events := newTestShell(t, newFakeAuth(), fr)

	signIn(t, s, "u1")
	if err := s.Store().SignOut(context.Background()); err != nil {
		t.Fatalf("signing out: %v", err)
	}
	signIn(t, s, "u2")

	chans := fr.channels()
	for _, name := range []string{"vehicle_changes", "maintenance_changes"} {
		channelFor(t, chans, name, "u1").push("UPDATE", `{"id":"a","utente_id":"u1"}`)
	}
	channelFor(t, chans, "maintenance_changes", "u2").push("INSERT", `{"id":"b","utente_id":"u2"}`)

	got := events.all()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(got), got)
	}
	if got[0].OwnerID != "u2" || got[0].RecordID != "b" {
		t.Errorf("event = %+v", got[0])
	}
}

func TestShell_DirectUserSwitchClosesPreviousChannels(t *testing.T) {
	fr := &fakeRealtime{}
	s, events := newTestShell(t, newFakeAuth(), fr)

	signIn(t, s, "u1")
	signIn(t, s, "u2")

	chans := fr.channels()
	if len(chans) != 4 {
		t.Fatalf("opened %d channels, want 4", len(chans))
	}
	for _, ch := range chans {
		if want := ch.spec.Filter.Value == "u1"; ch.isClosed() != want {
			t.Errorf("%s for %s closed = %v, want %v", ch.spec.Name, ch.spec.Filter.Value, ch.isClosed(), want)
		}
	}
	channelFor(t, chans, "vehicle_changes", "u1").push("INSERT", `{"id":"a"}`)
	if n := len(events.all()); n != 0 {
		t.Errorf("got %d events for u1 after switching to u2", n)
	}
}

func TestShell_RestoredSessionWatches(t *testing.T) {
	fa := newFakeAuth()
	fa.stored = userSession("u9", "jwt-u9")
	fr := &fakeRealtime{}
	s, _ := newTestShell(t, fa, fr)

	if got := s.Store().Session(); got.UserID != "u9" {
		t.Fatalf("session = %+v", got)
	}
	if n := len(fr.channels()); n != 2 {
		t.Errorf("opened %d channels, want 2", n)
	}
	// Starting again does not duplicate channels.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restarting: %v", err)
	}
	if n := len(fr.channels()); n != 2 {
		t.Errorf("opened %d channels after second Start, want 2", n)
	}
}

func TestShell_TokenRefreshKeepsChannels(t *testing.T) {
	fa := newFakeAuth()
	fr := &fakeRealtime{}
	s, _ := newTestShell(t, fa, fr)
	signIn(t, s, "u1")

	fa.emit(auth.EventTokenRefreshed, userSession("u1", "jwt-u1-renewed"))

	if n := len(fr.channels()); n != 2 {
		t.Errorf("opened %d channels after refresh, want 2", n)
	}
	for _, ch := range fr.channels() {
		if ch.isClosed() {
			t.Errorf("%s closed by token refresh", ch.spec.Name)
		}
	}
	if tok := fr.lastToken(); tok != "jwt-u1-renewed" {
		t.Errorf("realtime token = %q", tok)
	}
}

func TestShell_RefreshFailureClosesChannels(t *testing.T) {
	fa := newFakeAuth()
	fr := &fakeRealtime{}
	s, _ := newTestShell(t, fa, fr)
	signIn(t, s, "u1")

	fa.emit(auth.EventSignedOut, nil)

	if got := s.Store().Session().Status; got != model.StatusAnonymous {
		t.Errorf("status = %s, want anonymous", got)
	}
	for _, ch := range fr.channels() {
		if !ch.isClosed() {
			t.Errorf("%s still open", ch.spec.Name)
		}
	}
}

func TestShell_ChannelErrorsReachOnError(t *testing.T) {
	fr := &fakeRealtime{}
	s, _ := newTestShell(t, newFakeAuth(), fr)
	var errs []error
	s.OnError(func(err error) { errs = append(errs, err) })
	signIn(t, s, "u1")

	ch := channelFor(t, fr.channels(), "maintenance_changes", "u1")
	ch.h.OnState(model.ChannelErrored, realtime.ErrJoinRejected)

	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	var chErr *realtime.ChannelError
	if !errors.As(errs[0], &chErr) || chErr.Table != model.TableInterventions || !errors.Is(errs[0], realtime.ErrJoinRejected) {
		t.Errorf("error = %v", errs[0])
	}
}

func TestShell_View(t *testing.T) {
	fr := &fakeRealtime{}
	s := New(newFakeAuth(), fr, settings.NewMemoryStorage())
	t.Cleanup(s.Close)

	if got := s.View("/vehicles"); got.Kind != navigation.ShowLoading {
		t.Errorf("before start: %v", got)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("starting: %v", err)
	}
	if got := s.View("/vehicles"); got != (navigation.Decision{Kind: navigation.ShowPublic, Path: navigation.LoginPath}) {
		t.Errorf("anonymous: %v", got)
	}
	signIn(t, s, "u1")
	if got := s.View("/login"); got != (navigation.Decision{Kind: navigation.ShowProtected, Path: navigation.DashboardPath}) {
		t.Errorf("signed in at login: %v", got)
	}
	if err := s.Modes().SetMode(model.ModeMinimal); err != nil {
		t.Fatalf("setting mode: %v", err)
	}
	if got := s.View("/statistics"); got.Kind != navigation.ShowMinimalShell {
		t.Errorf("minimal: %v", got)
	}
}

func TestShell_CloseStopsDelivery(t *testing.T) {
	fr := &fakeRealtime{}
	s := New(newFakeAuth(), fr, settings.NewMemoryStorage())
	events := &collector{}
	unsub := s.Subscribe(events.add)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("starting: %v", err)
	}
	signIn(t, s, "u1")
	ch := channelFor(t, fr.channels(), "vehicle_changes", "u1")

	unsub()
	ch.push("INSERT", `{"id":"a"}`)
	if n := len(events.all()); n != 0 {
		t.Errorf("unsubscribed collector got %d events", n)
	}

	s.Close()
	s.Close()
	for _, c := range fr.channels() {
		if !c.isClosed() {
			t.Errorf("%s open after Close", c.spec.Name)
		}
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error starting a closed shell")
	}
}
