package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrCorruptSession is returned by SessionStorage.Load when a stored value
// exists but cannot be decoded.
var ErrCorruptSession = errors.New("corrupt persisted session")

// SessionStorage persists the provider session between process runs.
type SessionStorage interface {
	// Load returns nil, nil when nothing is stored under key.
	Load(key string) (*Session, error)
	Save(key string, s *Session) error
	Remove(key string) error
}

// StorageKey derives the storage key for a project URL, following the
// "sb-<project-ref>-auth-token" convention.
func StorageKey(baseURL string) string {
	ref := baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Hostname() != "" {
		ref = u.Hostname()
	}
	if i := strings.IndexByte(ref, '.'); i > 0 {
		ref = ref[:i]
	}
	return "sb-" + ref + "-auth-token"
}

// KeyringStorage keeps sessions in the OS keyring via zalando/go-keyring.
// On macOS it uses Keychain, on Linux secret-service (D-Bus), and on Windows
// the Credential Manager.
type KeyringStorage struct {
	service string
}

// NewKeyringStorage returns a KeyringStorage under the given service name.
func NewKeyringStorage(service string) *KeyringStorage {
	return &KeyringStorage{service: service}
}

func (s *KeyringStorage) Load(key string) (*Session, error) {
	raw, err := keyring.Get(s.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading keyring %s/%s: %w", s.service, key, err)
	}
	return decodeSession([]byte(raw))
}

func (s *KeyringStorage) Save(key string, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := keyring.Set(s.service, key, string(data)); err != nil {
		return fmt.Errorf("writing keyring %s/%s: %w", s.service, key, err)
	}
	return nil
}

func (s *KeyringStorage) Remove(key string) error {
	if err := keyring.Delete(s.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keyring %s/%s: %w", s.service, key, err)
	}
	return nil
}

// MemoryStorage is a process-local SessionStorage.
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (s *MemoryStorage) Load(key string) (*Session, error) {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeSession(raw)
}

func (s *MemoryStorage) Save(key string, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	s.mu.Lock()
	s.data[key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Remove(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Put stores raw bytes under key, bypassing encoding.
func (s *MemoryStorage) Put(key string, raw []byte) {
	s.mu.Lock()
	s.data[key] = raw
	s.mu.Unlock()
}

func decodeSession(raw []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	return &sess, nil
}
