package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultClientInfo is sent as X-Client-Info on every request.
const DefaultClientInfo = "maintenance-pwa@1.0.0"

// HTTPProvider implements Provider against a GoTrue-compatible REST API
// (e.g. "https://<ref>.supabase.co"). The active session is held in memory
// and, when a SessionStorage is configured, persisted across restarts.
type HTTPProvider struct {
	baseURL    string
	anonKey    string
	clientInfo string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	storage    SessionStorage
	storageKey string

	autoRefresh     bool
	refreshInterval time.Duration
	refreshMargin   time.Duration

	mu      sync.Mutex
	current *Session

	listeners listenerSet

	rmu         sync.Mutex
	refreshStop chan struct{}
	refreshDone chan struct{}
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.httpClient = c }
}

// WithClientInfo overrides the X-Client-Info header value.
func WithClientInfo(info string) HTTPOption {
	return func(p *HTTPProvider) { p.clientInfo = info }
}

// WithSessionStorage persists sessions under key so they survive restarts.
// An empty key derives one from the base URL.
func WithSessionStorage(s SessionStorage, key string) HTTPOption {
	return func(p *HTTPProvider) {
		p.storage = s
		p.storageKey = key
	}
}

// WithAutoRefresh renews the access token in the background. Every interval
// the token is refreshed if it expires within margin.
func WithAutoRefresh(interval, margin time.Duration) HTTPOption {
	return func(p *HTTPProvider) {
		p.autoRefresh = true
		p.refreshInterval = interval
		p.refreshMargin = margin
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) HTTPOption {
	return func(p *HTTPProvider) { p.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) HTTPOption {
	return func(p *HTTPProvider) { p.now = now }
}

// NewHTTPProvider creates a provider for the auth API at baseURL,
// authenticating anonymous calls with anonKey.
func NewHTTPProvider(baseURL, anonKey string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		baseURL:         strings.TrimRight(baseURL, "/"),
		anonKey:         anonKey,
		clientInfo:      DefaultClientInfo,
		httpClient:      &http.Client{},
		logger:          slog.Default(),
		now:             time.Now,
		refreshInterval: 15 * time.Second,
		refreshMargin:   time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.storage != nil && p.storageKey == "" {
		p.storageKey = StorageKey(p.baseURL)
	}
	if p.refreshInterval <= 0 {
		p.refreshInterval = 15 * time.Second
	}
	return p
}

// Close stops the background refresher. The in-memory session is kept.
func (p *HTTPProvider) Close() error {
	p.stopRefresher()
	return nil
}

// AccessToken returns the bearer token of the active session, or "".
func (p *HTTPProvider) AccessToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.AccessToken()
}

// OnAuthStateChange registers l. Listeners run synchronously on the
// emitting goroutine and must not call back into the provider.
func (p *HTTPProvider) OnAuthStateChange(l Listener) func() {
	return p.listeners.add(l)
}

// --- Provider operations ---

func (p *HTTPProvider) GetSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	sess := p.current
	p.mu.Unlock()

	wasCurrent := sess != nil
	if sess == nil {
		loaded := p.loadPersisted()
		if loaded == nil {
			return nil, nil
		}
		sess = loaded
	}

	var ev Event
	if p.expiring(sess) {
		if sess.Token.RefreshToken == "" {
			p.logger.Info("auth: session expired without refresh token", "user_id", sess.User.ID)
			if p.drop(sess) {
				p.listeners.emit(EventSignedOut, nil)
			}
			return nil, nil
		}
		refreshed, err := p.refresh(ctx, sess)
		if err != nil {
			if isPermanent(err) {
				p.logger.Info("auth: stored session rejected", "user_id", sess.User.ID, "error", err)
				if p.drop(sess) {
					p.listeners.emit(EventSignedOut, nil)
				}
				return nil, nil
			}
			return nil, fmt.Errorf("refreshing session: %w", err)
		}
		sess = refreshed
		if wasCurrent {
			ev = EventTokenRefreshed
		}
	}

	p.install(sess, ev)
	return sess.clone(), nil
}

func (p *HTTPProvider) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var tr tokenResponse
	if err := p.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", body, &tr); err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}
	sess, err := p.sessionFromToken(&tr)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}
	p.install(sess, EventSignedIn)
	return sess.clone(), nil
}

func (p *HTTPProvider) SignUp(ctx context.Context, email, password string, data map[string]any) (*SignUpResult, error) {
	body := map[string]any{"email": email, "password": password}
	if len(data) > 0 {
		body["data"] = data
	}
	var raw json.RawMessage
	if err := p.doJSON(ctx, http.MethodPost, "/auth/v1/signup", "", body, &raw); err != nil {
		return nil, fmt.Errorf("signing up: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("decoding signup response: %w", err)
	}
	if tr.AccessToken == "" {
		// Email confirmation required: the body is the bare user record.
		var user User
		if err := json.Unmarshal(raw, &user); err != nil {
			return nil, fmt.Errorf("decoding signup user: %w", err)
		}
		return &SignUpResult{User: user, ConfirmationPending: true}, nil
	}

	sess, err := p.sessionFromToken(&tr)
	if err != nil {
		return nil, fmt.Errorf("signing up: %w", err)
	}
	p.install(sess, EventSignedIn)
	return &SignUpResult{User: sess.User, Session: sess.clone()}, nil
}

// SignOut revokes the session remotely and always clears it locally. The
// remote error, if any, is returned after the local state is gone.
func (p *HTTPProvider) SignOut(ctx context.Context) error {
	p.stopRefresher()

	p.mu.Lock()
	sess := p.current
	p.current = nil
	p.mu.Unlock()

	var err error
	if sess != nil {
		if rerr := p.doJSON(ctx, http.MethodPost, "/auth/v1/logout", sess.AccessToken(), nil, nil); rerr != nil {
			err = fmt.Errorf("signing out: %w", rerr)
		}
	}
	p.forget()
	p.listeners.emit(EventSignedOut, nil)
	return err
}

// User fetches the current user record from the service.
func (p *HTTPProvider) User(ctx context.Context) (*User, error) {
	token := p.AccessToken()
	if token == "" {
		return nil, ErrNoSession
	}
	var user User
	if err := p.doJSON(ctx, http.MethodGet, "/auth/v1/user", token, nil, &user); err != nil {
		return nil, fmt.Errorf("fetching user: %w", err)
	}
	return &user, nil
}

// --- session bookkeeping ---

func (p *HTTPProvider) install(sess *Session, ev Event) {
	p.mu.Lock()
	p.current = sess
	p.mu.Unlock()

	p.persist(sess)
	p.startRefresher()
	if ev != "" {
		p.listeners.emit(ev, sess)
	}
}

// drop clears sess if it is still the active session and reports whether
// it was.
func (p *HTTPProvider) drop(sess *Session) bool {
	p.mu.Lock()
	was := p.current != nil && p.current == sess
	if was {
		p.current = nil
	}
	p.mu.Unlock()
	p.forget()
	return was
}

func (p *HTTPProvider) expiring(sess *Session) bool {
	exp := sess.ExpiresAt()
	if exp == nil {
		return false
	}
	return !p.now().Add(p.refreshMargin).Before(*exp)
}

func (p *HTTPProvider) refresh(ctx context.Context, sess *Session) (*Session, error) {
	body := map[string]string{"refresh_token": sess.Token.RefreshToken}
	var tr tokenResponse
	if err := p.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", body, &tr); err != nil {
		return nil, err
	}
	if tr.User == nil {
		u := sess.User
		tr.User = &u
	}
	return p.sessionFromToken(&tr)
}

func (p *HTTPProvider) persist(sess *Session) {
	if p.storage == nil {
		return
	}
	if err := p.storage.Save(p.storageKey, sess); err != nil {
		p.logger.Warn("auth: persisting session failed", "error", err)
	}
}

func (p *HTTPProvider) forget() {
	if p.storage == nil {
		return
	}
	if err := p.storage.Remove(p.storageKey); err != nil {
		p.logger.Warn("auth: removing persisted session failed", "error", err)
	}
}

func (p *HTTPProvider) loadPersisted() *Session {
	if p.storage == nil {
		return nil
	}
	sess, err := p.storage.Load(p.storageKey)
	if errors.Is(err, ErrCorruptSession) {
		p.logger.Warn("auth: discarding unreadable persisted session", "error", err)
		p.forget()
		return nil
	}
	if err != nil {
		// Unreachable storage (no keyring daemon) starts signed out and
		// keeps whatever it holds for a later run.
		p.logger.Warn("auth: persisted session unavailable", "error", err)
		return nil
	}
	if sess == nil || sess.Token == nil || sess.Token.AccessToken == "" || sess.User.ID == "" {
		return nil
	}
	return sess
}

// --- background refresh ---

func (p *HTTPProvider) startRefresher() {
	if !p.autoRefresh {
		return
	}
	p.rmu.Lock()
	defer p.rmu.Unlock()
	if p.refreshStop != nil {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	p.refreshStop, p.refreshDone = stop, done
	go p.refreshLoop(stop, done)
}

func (p *HTTPProvider) stopRefresher() {
	p.rmu.Lock()
	stop, done := p.refreshStop, p.refreshDone
	p.refreshStop, p.refreshDone = nil, nil
	p.rmu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (p *HTTPProvider) refreshLoop(stop chan struct{}, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !p.refreshTick(ctx) {
				p.rmu.Lock()
				if p.refreshStop == stop {
					p.refreshStop, p.refreshDone = nil, nil
				}
				p.rmu.Unlock()
				return
			}
		}
	}
}

// refreshTick renews the active session when it is close to expiry. It
// returns false once there is no session left to keep alive.
func (p *HTTPProvider) refreshTick(ctx context.Context) bool {
	p.mu.Lock()
	sess := p.current
	p.mu.Unlock()
	if sess == nil {
		return false
	}
	if !p.expiring(sess) {
		return true
	}

	refreshed, err := p.refresh(ctx, sess)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if isPermanent(err) || sess.Token.RefreshToken == "" {
			p.logger.Warn("auth: refresh rejected, signing out", "user_id", sess.User.ID, "error", err)
			if p.drop(sess) {
				p.listeners.emit(EventSignedOut, nil)
			}
			return false
		}
		p.logger.Warn("auth: refresh failed, will retry", "user_id", sess.User.ID, "error", err)
		return true
	}

	p.mu.Lock()
	if p.current != sess {
		alive := p.current != nil
		p.mu.Unlock()
		return alive
	}
	p.current = refreshed
	p.mu.Unlock()

	p.persist(refreshed)
	p.logger.Debug("auth: token refreshed", "user_id", refreshed.User.ID, "expires_at", refreshed.Token.Expiry)
	p.listeners.emit(EventTokenRefreshed, refreshed)
	return true
}

// --- wire types ---

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

func (p *HTTPProvider) sessionFromToken(tr *tokenResponse) (*Session, error) {
	if tr.AccessToken == "" {
		return nil, errors.New("token response without access_token")
	}
	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
	}
	switch {
	case tr.ExpiresAt > 0:
		tok.Expiry = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		tok.Expiry = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	var user User
	if tr.User != nil {
		user = *tr.User
	}
	if user.ID == "" || tok.Expiry.IsZero() {
		sub, exp, err := tokenClaims(tr.AccessToken)
		if err != nil {
			return nil, err
		}
		if user.ID == "" {
			user.ID = sub
		}
		if tok.Expiry.IsZero() {
			tok.Expiry = exp
		}
	}
	if user.ID == "" {
		return nil, errors.New("token response without user id")
	}
	return &Session{Token: tok, User: user}, nil
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Token != nil {
		tok := *s.Token
		c.Token = &tok
	}
	return &c
}

// --- listeners ---

type listenerSet struct {
	mu     sync.Mutex
	emitMu sync.Mutex
	next   int
	fns    map[int]Listener
}

func (s *listenerSet) add(l Listener) func() {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[int]Listener)
	}
	id := s.next
	s.next++
	s.fns[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

// emit delivers to every listener in registration order. Emissions are
// serialized so listeners observe events in the order they were produced.
func (s *listenerSet) emit(ev Event, sess *Session) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev, sess.clone())
	}
}

// --- internal helpers ---

// APIError represents an error response from the auth service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Is lets callers test for ErrInvalidCredentials with errors.Is.
func (e *APIError) Is(target error) bool {
	if target != ErrInvalidCredentials {
		return false
	}
	return e.Code == "invalid_credentials" ||
		(e.Code == "invalid_grant" && strings.Contains(strings.ToLower(e.Message), "credentials"))
}

// isPermanent reports whether err is a client error the service will keep
// returning, as opposed to a network failure or a 5xx/429 worth retrying.
func isPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded (for logout/204 responses).
// An empty bearer authenticates with the anon key.
func (p *HTTPProvider) doJSON(ctx context.Context, method, path, bearer string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer == "" {
		bearer = p.anonKey
	}
	req.Header.Set("apikey", p.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	if p.clientInfo != "" {
		req.Header.Set("X-Client-Info", p.clientInfo)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	// 204 No Content — success with no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

func parseAPIError(status int, body []byte) *APIError {
	var errResp struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
		ErrorCode   string `json:"error_code"`
		Msg         string `json:"msg"`
		Message     string `json:"message"`
	}
	if json.Unmarshal(body, &errResp) != nil {
		return &APIError{StatusCode: status, Message: string(body)}
	}
	apiErr := &APIError{StatusCode: status, Code: errResp.ErrorCode}
	if apiErr.Code == "" {
		apiErr.Code = errResp.Error
	}
	for _, m := range []string{errResp.Description, errResp.Msg, errResp.Message, errResp.Error} {
		if m != "" {
			apiErr.Message = m
			break
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	return apiErr
}
