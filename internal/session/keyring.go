package session

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	serviceName = "notify-sync"

	tokenKey  = "token"
	userIDKey = "user_id"
)

// KeyringConfig controls where sessions are persisted.
type KeyringConfig struct {
	FileDir      string
	FilePassword string
}

// KeyringSource persists the session between runs, the way the browser
// client keeps its token in local storage.
type KeyringSource struct {
	ring keyring.Keyring
}

// ErrFilePasswordRequired is returned when no system keyring is available
// and the encrypted file fallback has no password configured.
var ErrFilePasswordRequired = errors.New("no system keyring available: a file password is required for the encrypted file backend")

// OpenKeyring returns a source backed by the system keyring. The encrypted
// file backend is only offered when cfg.FilePassword is set.
func OpenKeyring(cfg KeyringConfig) (*KeyringSource, error) {
	ring, err := keyring.Open(keyringConfig(cfg))
	if errors.Is(err, keyring.ErrNoAvailImpl) && cfg.FilePassword == "" {
		return nil, ErrFilePasswordRequired
	}
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringSource(ring), nil
}

func keyringConfig(cfg KeyringConfig) keyring.Config {
	if cfg.FileDir == "" {
		cfg.FileDir = "~/.config/notify-sync/credentials"
	}

	backends := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
	}
	if cfg.FilePassword != "" {
		backends = append(backends, keyring.FileBackend)
	}

	return keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          backends,
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         filePassword(cfg.FilePassword),
		KeychainTrustApplication: true,
	}
}

func filePassword(password string) keyring.PromptFunc {
	return func(string) (string, error) {
		if password == "" {
			return "", ErrFilePasswordRequired
		}
		return password, nil
	}
}

func NewKeyringSource(ring keyring.Keyring) *KeyringSource {
	return &KeyringSource{ring: ring}
}

// Load returns the stored session. A missing token yields a zero session
// and no error. The user id is taken from the token claims when it was
// not stored explicitly.
func (k *KeyringSource) Load() (Session, error) {
	item, err := k.ring.Get(tokenKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("getting credential %q: %w", tokenKey, err)
	}
	token := string(item.Data)

	uidItem, err := k.ring.Get(userIDKey)
	if err == nil && len(uidItem.Data) > 0 {
		s, perr := FromToken(token)
		if perr != nil {
			return New(token, string(uidItem.Data)), nil
		}
		s.UserID = string(uidItem.Data)
		return s, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return Session{}, fmt.Errorf("getting credential %q: %w", userIDKey, err)
	}

	return FromToken(token)
}

// Save stores s, replacing any previous session.
func (k *KeyringSource) Save(s Session) error {
	if err := k.ring.Set(keyring.Item{Key: tokenKey, Data: []byte(s.Token)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", tokenKey, err)
	}
	if err := k.ring.Set(keyring.Item{Key: userIDKey, Data: []byte(s.UserID)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", userIDKey, err)
	}
	return nil
}

// Clear removes the stored session (logout).
func (k *KeyringSource) Clear() error {
	for _, key := range []string{tokenKey, userIDKey} {
		if err := k.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("deleting credential %q: %w", key, err)
		}
	}
	return nil
}
