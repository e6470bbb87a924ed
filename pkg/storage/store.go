package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Fetch when the bank or key is absent
var ErrNotFound = errors.New("not found")

// Well-known banks
const (
	// BankConnected lists the minions that currently hold a session,
	// keyed by minion id
	BankConnected = "connected"

	// BankPKI holds the persisted transport CA
	BankPKI = "pki"
)

// Cache is a bank/key value store. A bank groups related keys and can be
// flushed as a whole.
type Cache interface {
	// Store writes value under bank/key, replacing any previous value
	Store(bank, key string, value []byte) error

	// Fetch reads bank/key. It returns ErrNotFound when absent.
	Fetch(bank, key string) ([]byte, error)

	// Flush removes bank/key, or the whole bank when key is empty.
	// Flushing something absent is not an error.
	Flush(bank, key string) error

	// List returns the keys in bank in lexical order
	List(bank string) ([]string, error)

	// Close releases resources held by the cache
	Close() error
}

// StoreJSON marshals v as JSON into bank/key
func StoreJSON(c Cache, bank, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", bank, key, err)
	}
	return c.Store(bank, key, data)
}

// FetchJSON reads bank/key and unmarshals it into v
func FetchJSON(c Cache, bank, key string, v any) error {
	data, err := c.Fetch(bank, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", bank, key, err)
	}
	return nil
}
