// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

// Package secrets stores API keys in the OS keyring and resolves
// keyring://service/key references in configuration.
package secrets

// DefaultService is the keyring service used by `bernard secret`.
const DefaultService = "bernard"

// Store provides secret storage keyed by service and key.
type Store interface {
	Set(service, key, value string) error
	// Get returns a CodeSecretNotFound error when the key does not exist.
	Get(service, key string) (string, error)
	// Delete returns a CodeSecretNotFound error when the key does not exist.
	Delete(service, key string) error
	// List returns the key names stored under service, sorted.
	List(service string) ([]string, error)
}
