// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package secrets

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

const scheme = "keyring://"

// Ref names one keyring entry.
type Ref struct {
	Service string
	Key     string
}

// String renders the ref as keyring://service/key.
func (r Ref) String() string {
	return scheme + r.Service + "/" + r.Key
}

// IsRef reports whether value uses the keyring:// scheme.
func IsRef(value string) bool {
	return strings.HasPrefix(value, scheme)
}

// ParseRef parses keyring://service/key. The key may contain slashes.
func ParseRef(value string) (Ref, error) {
	rest, ok := strings.CutPrefix(value, scheme)
	if !ok {
		return Ref{}, bernerr.Errorf(bernerr.CodeSecretInvalidInput, "not a keyring reference: %q", value)
	}
	service, key, _ := strings.Cut(rest, "/")
	if service == "" || key == "" {
		return Ref{}, bernerr.Errorf(bernerr.CodeSecretInvalidInput,
			"invalid keyring reference %q: expected keyring://service/key", value)
	}
	return Ref{Service: service, Key: key}, nil
}

// Resolve returns the secret value references, or value unchanged when it
// is not a keyring reference.
func Resolve(store Store, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	ref, err := ParseRef(value)
	if err != nil {
		return "", err
	}
	secret, err := store.Get(ref.Service, ref.Key)
	if err != nil {
		return "", bernerr.Wrapf(err, bernerr.CodeSecretResolveFailure, "resolving %s", ref)
	}
	return secret, nil
}

// ResolveViper replaces every keyring reference among v's string values
// with the secret it names. Failures are logged and the reference is kept,
// so the component using the value reports the problem.
func ResolveViper(v *viper.Viper, store Store) int {
	resolved := 0
	for _, key := range v.AllKeys() {
		raw, ok := v.Get(key).(string)
		if !ok || !IsRef(raw) {
			continue
		}
		secret, err := Resolve(store, raw)
		if err != nil {
			slog.Warn("keyring reference not resolved", "config_key", key, "error", err)
			continue
		}
		v.Set(key, secret)
		resolved++
	}
	return resolved
}
