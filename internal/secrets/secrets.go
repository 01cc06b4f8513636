// Package secrets stores the agent API key outside the configuration file.
// On macOS the system Keychain is used; elsewhere the store reports itself
// unsupported and the key has to come from config or the environment.
package secrets

import (
	"errors"
	"sync"
)

// ServiceName is the keychain service under which agentcomm credentials live.
const ServiceName = "agentcomm"

// AccountAPIKey is the account name of the agent API key.
const AccountAPIKey = "api-key"

// ErrNotFound is returned when a credential is not found in the store.
var ErrNotFound = errors.New("credential not found")

// ErrNotSupported is returned when the secret store is not supported on the current platform.
var ErrNotSupported = errors.New("secret store not supported on this platform")

// SecretStore provides an interface for secure credential storage.
// Implementations should be safe for concurrent use.
type SecretStore interface {
	// Get retrieves a secret. Returns ErrNotFound if it does not exist.
	Get(service, account string) (string, error)

	// Set stores a secret, replacing any existing value.
	Set(service, account, secret string) error

	// Delete removes a secret. Returns ErrNotFound if it does not exist.
	Delete(service, account string) error

	// IsSupported reports whether this store is functional on the current platform.
	IsSupported() bool
}

var (
	// store is set by the platform-specific init function.
	store   SecretStore
	storeMu sync.RWMutex
)

// Default returns the SecretStore for the current platform. It never returns
// nil; unsupported platforms get a NoopStore.
func Default() SecretStore {
	storeMu.RLock()
	s := store
	storeMu.RUnlock()
	if s == nil {
		return &NoopStore{}
	}
	return s
}

// SetDefault replaces the package store and returns a function restoring the
// previous one. Tests use it to swap in a MemoryStore.
func SetDefault(s SecretStore) (restore func()) {
	storeMu.Lock()
	prev := store
	store = s
	storeMu.Unlock()
	return func() {
		storeMu.Lock()
		store = prev
		storeMu.Unlock()
	}
}

// IsSupported returns true if secure credential storage is available on this platform.
func IsSupported() bool {
	return Default().IsSupported()
}

// GetAPIKey returns the stored agent API key.
func GetAPIKey() (string, error) {
	return Default().Get(ServiceName, AccountAPIKey)
}

// SetAPIKey stores the agent API key.
func SetAPIKey(key string) error {
	return Default().Set(ServiceName, AccountAPIKey, key)
}

// DeleteAPIKey removes the stored agent API key.
func DeleteAPIKey() error {
	return Default().Delete(ServiceName, AccountAPIKey)
}
