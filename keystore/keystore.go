// Package keystore stores and retrieves each project's Ed25519 signing
// key. It prefers the OS-native secret backend and falls back to a
// process-scoped store when the OS backend is unavailable, mirroring
// keychain.rs::ensure_available's probe-then-fallback sequence.
package keystore

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/99designs/keyring"

	"github.com/arcreceipt/car"
)

// serviceName is the shared keyring service name every entry this package
// writes is filed under.
const serviceName = "arcreceipt-car"

// probeKey is the well-known entry NewStore writes, reads back, and deletes
// to determine whether the OS backend is usable.
const probeKey = "__car_keystore_probe__"
const probeSecret = "__car_probe_secret__"

// forceMemoryEnv, set truthy, skips the OS-backend probe entirely.
const forceMemoryEnv = "CAR_FORCE_MEMORY_KEYSTORE"

// fallbackDirEnv, when set, backs the in-memory fallback with a directory
// of 0600 files instead of pure memory, for headless/development durability.
const fallbackDirEnv = "CAR_FALLBACK_KEYSTORE_DIR"

// Store persists project secrets (base64-encoded Ed25519 private keys).
type Store interface {
	// StoreSecret is idempotent: a second call for the same projectID
	// overwrites the first.
	StoreSecret(projectID, secretB64 string) error
	// LoadSecret returns receipt.ErrNoSecret when no entry exists for
	// projectID, distinguishable from other keystore failures.
	LoadSecret(projectID string) (string, error)
	DeleteSecret(projectID string) error
	// UsingFallback reports whether this store is the in-memory/filesystem
	// fallback rather than the OS-native backend.
	UsingFallback() bool
}

// osStore wraps the 99designs/keyring OS-backend abstraction.
type osStore struct {
	ring keyring.Keyring
}

// NewStore probes the OS-native secret backend (write, read back, delete a
// well-known probe entry) and returns a Store backed by it. If the probe
// fails for any reason, it returns a process-scoped fallback Store instead
// and logs a warning to stderr; if CAR_FORCE_MEMORY_KEYSTORE is set truthy,
// it returns the fallback Store without probing or warning. It never
// returns an error, since a keystore that cannot persist
// secrets durably is still a usable keystore for the caller's purposes.
func NewStore() Store {
	if forceMemoryRequested() {
		return newFallbackStore()
	}

	ring, err := keyring.Open(keyring.Config{ServiceName: serviceName})
	if err != nil {
		warnFallback(err)
		return newFallbackStore()
	}
	st := &osStore{ring: ring}
	if err := st.probe(); err != nil {
		warnFallback(err)
		return newFallbackStore()
	}
	return st
}

func forceMemoryRequested() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(forceMemoryEnv)))
	return v == "1" || v == "true"
}

func warnFallback(err error) {
	fmt.Fprintf(os.Stderr, "car: falling back to in-memory keystore because the OS keychain is unavailable: %v\n", err)
}

func (s *osStore) probe() error {
	if err := s.ring.Set(keyring.Item{Key: probeKey, Data: []byte(probeSecret)}); err != nil {
		return err
	}
	item, err := s.ring.Get(probeKey)
	if err != nil {
		return err
	}
	if string(item.Data) != probeSecret {
		return fmt.Errorf("probe secret mismatch on readback")
	}
	if err := s.ring.Remove(probeKey); err != nil && err != keyring.ErrKeyNotFound {
		return err
	}
	return nil
}

func (s *osStore) StoreSecret(projectID, secretB64 string) error {
	if _, err := base64.StdEncoding.DecodeString(secretB64); err != nil {
		return receipt.NewError(receipt.KindMalformed, "secret is not valid base64", err)
	}
	return s.ring.Set(keyring.Item{Key: entryKey(projectID), Data: []byte(secretB64)})
}

func (s *osStore) LoadSecret(projectID string) (string, error) {
	item, err := s.ring.Get(entryKey(projectID))
	if err == keyring.ErrKeyNotFound {
		return "", receipt.ErrNoSecret
	}
	if err != nil {
		return "", receipt.NewError(receipt.KindTransient, "keystore read failed", err)
	}
	return string(item.Data), nil
}

func (s *osStore) DeleteSecret(projectID string) error {
	if err := s.ring.Remove(entryKey(projectID)); err != nil && err != keyring.ErrKeyNotFound {
		return receipt.NewError(receipt.KindTransient, "keystore delete failed", err)
	}
	return nil
}

func (s *osStore) UsingFallback() bool { return false }

func entryKey(projectID string) string { return "project:" + projectID }

// fallbackStore is the process-scoped backend installed when the OS
// backend's probe fails. When CAR_FALLBACK_KEYSTORE_DIR is set, secrets are
// additionally persisted as 0600 files under that directory for
// headless/development durability; otherwise nothing survives the process.
type fallbackStore struct {
	mu      sync.RWMutex
	secrets map[string]string
	dir     string
}

func newFallbackStore() *fallbackStore {
	return &fallbackStore{
		secrets: make(map[string]string),
		dir:     strings.TrimSpace(os.Getenv(fallbackDirEnv)),
	}
}

func (s *fallbackStore) StoreSecret(projectID, secretB64 string) error {
	if _, err := base64.StdEncoding.DecodeString(secretB64); err != nil {
		return receipt.NewError(receipt.KindMalformed, "secret is not valid base64", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[projectID] = secretB64
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return receipt.NewError(receipt.KindTransient, "create fallback keystore dir", err)
	}
	return os.WriteFile(s.path(projectID), []byte(secretB64), 0o600)
}

func (s *fallbackStore) LoadSecret(projectID string) (string, error) {
	s.mu.RLock()
	secret, ok := s.secrets[projectID]
	s.mu.RUnlock()
	if ok {
		return secret, nil
	}
	if s.dir == "" {
		return "", receipt.ErrNoSecret
	}
	data, err := os.ReadFile(s.path(projectID))
	if os.IsNotExist(err) {
		return "", receipt.ErrNoSecret
	}
	if err != nil {
		return "", receipt.NewError(receipt.KindTransient, "fallback keystore read failed", err)
	}
	secret = string(data)
	s.mu.Lock()
	s.secrets[projectID] = secret
	s.mu.Unlock()
	return secret, nil
}

func (s *fallbackStore) DeleteSecret(projectID string) error {
	s.mu.Lock()
	delete(s.secrets, projectID)
	s.mu.Unlock()
	if s.dir == "" {
		return nil
	}
	if err := os.Remove(s.path(projectID)); err != nil && !os.IsNotExist(err) {
		return receipt.NewError(receipt.KindTransient, "fallback keystore delete failed", err)
	}
	return nil
}

func (s *fallbackStore) UsingFallback() bool { return true }

func (s *fallbackStore) path(projectID string) string {
	return filepath.Join(s.dir, projectID+".key")
}
