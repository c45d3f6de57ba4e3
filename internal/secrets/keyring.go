// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package secrets

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	"github.com/zalando/go-keyring"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// OS keyrings cannot enumerate entries, so each service keeps a JSON list
// of its key names under this key.
const indexKey = "::index"

// KeyringStore implements Store on the OS keyring.
type KeyringStore struct{}

var _ Store = KeyringStore{}

func NewKeyringStore() KeyringStore {
	return KeyringStore{}
}

func checkRef(op, service, key string) error {
	if service == "" || key == "" {
		return bernerr.Errorf(bernerr.CodeSecretInvalidInput, "secret %s: service and key must not be empty", op)
	}
	if key == indexKey {
		return bernerr.Errorf(bernerr.CodeSecretInvalidInput, "secret %s: key %q is reserved", op, key)
	}
	return nil
}

func (KeyringStore) Set(service, key, value string) error {
	if err := checkRef("set", service, key); err != nil {
		return err
	}
	if err := keyring.Set(service, key, value); err != nil {
		return bernerr.Wrapf(err, bernerr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}
	return updateIndex(service, func(keys []string) []string {
		if slices.Contains(keys, key) {
			return keys
		}
		return append(keys, key)
	})
}

func (KeyringStore) Get(service, key string) (string, error) {
	if err := checkRef("get", service, key); err != nil {
		return "", err
	}
	val, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", bernerr.Errorf(bernerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return "", bernerr.Wrapf(err, bernerr.CodeSecretStoreFailure, "reading secret %s/%s", service, key)
	}
	return val, nil
}

func (KeyringStore) Delete(service, key string) error {
	if err := checkRef("delete", service, key); err != nil {
		return err
	}
	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return bernerr.Errorf(bernerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return bernerr.Wrapf(err, bernerr.CodeSecretStoreFailure, "deleting secret %s/%s", service, key)
	}
	return updateIndex(service, func(keys []string) []string {
		return slices.DeleteFunc(keys, func(k string) bool { return k == key })
	})
}

func (KeyringStore) List(service string) ([]string, error) {
	if service == "" {
		return nil, bernerr.New(bernerr.CodeSecretInvalidInput, "secret list: service must not be empty")
	}
	return readIndex(service)
}

func readIndex(service string) ([]string, error) {
	raw, err := keyring.Get(service, indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, bernerr.Wrapf(err, bernerr.CodeSecretStoreFailure, "reading key index of %s", service)
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, bernerr.Wrapf(err, bernerr.CodeSecretStoreFailure, "decoding key index of %s", service)
	}
	slices.Sort(keys)
	return keys, nil
}

func updateIndex(service string, fn func([]string) []string) error {
	keys, err := readIndex(service)
	if err != nil {
		return err
	}
	keys = fn(keys)

	if len(keys) == 0 {
		if err := keyring.Delete(service, indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("removing empty key index failed", "service", service, "error", err)
		}
		return nil
	}

	slices.Sort(keys)
	data, err := json.Marshal(keys)
	if err != nil {
		return bernerr.Wrapf(err, bernerr.CodeSecretStoreFailure, "encoding key index of %s", service)
	}
	if err := keyring.Set(service, indexKey, string(data)); err != nil {
		return bernerr.Wrapf(err, bernerr.CodeSecretStoreFailure, "writing key index of %s", service)
	}
	return nil
}
