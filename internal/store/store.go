package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// AccountStore persists operator accounts.
type AccountStore interface {
	SaveAccount(acc *Account) error
	DeleteAccount(id string) error
	ListAccounts() ([]*Account, error)

	// UpdateAccount atomically reads, modifies, and saves an account in a single
	// transaction. Returns ErrNotFound if the account does not exist.
	UpdateAccount(id string, fn func(acc *Account) error) error
}

// NetworkStore persists the saved Wi-Fi profile collection as one opaque blob.
type NetworkStore interface {
	SaveKnownNetworks(data []byte) error
	// GetKnownNetworks returns ErrNotFound when nothing was saved yet.
	GetKnownNetworks() ([]byte, error)
}

// Store defines the persistence interface.
type Store interface {
	AccountStore
	NetworkStore

	// Close the store
	Close() error
}
