// Package secrets keeps backend API keys in the OS credential store so
// they do not have to live in the environment.
package secrets

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/99designs/keyring"

	"github.com/querybench/querybench/internal/config"
)

const ServiceName = "querybench"

var ErrNotFound = errors.New("secret not found")

// Store is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	ring keyring.Keyring
}

// Open uses the platform credential store. File-based fallbacks are not
// allowed.
func Open() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.PassBackend,
		},
		PassPrefix:    ServiceName,
		WinCredPrefix: ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return New(ring), nil
}

func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// BackendKeyName is the credential name holding the API key of a backend.
func BackendKeyName(kind config.BackendKind) string {
	return "backend_api_key_" + string(kind)
}

func (s *Store) Get(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, err := s.ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	value := strings.TrimSpace(string(item.Data))
	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *Store) Set(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%s: value is empty", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ring.Set(keyring.Item{Key: name, Data: []byte(value), Label: ServiceName + " " + name}); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}

func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ring.Remove(name); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// ApplyBackendKey fills cfg.Backend.APIKey from the store when neither the
// environment nor the provider's own variable supplied one. A missing
// entry is not an error.
func ApplyBackendKey(cfg *config.Config, store *Store) error {
	if cfg.Backend.APIKey != "" || store == nil {
		return nil
	}
	key, err := store.Get(BackendKeyName(cfg.Backend.Kind))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	cfg.Backend.APIKey = key
	return nil
}
