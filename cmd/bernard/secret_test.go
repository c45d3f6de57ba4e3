// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

func TestSecretSet(t *testing.T) {
	t.Run("from flag", func(t *testing.T) {
		store := newMockSecretStore()
		useSecretStore(t, store)

		out, err := execute(t, "", "secret", "set", "openai", "--value", "sk-test")
		require.NoError(t, err)
		assert.Equal(t, "sk-test", store.data["openai"])
		assert.Contains(t, out, "keyring://bernard/openai")
	})

	t.Run("from stdin", func(t *testing.T) {
		store := newMockSecretStore()
		useSecretStore(t, store)

		_, err := execute(t, "  sk-piped \n", "secret", "set", "anthropic")
		require.NoError(t, err)
		assert.Equal(t, "sk-piped", store.data["anthropic"])
	})

	t.Run("empty value", func(t *testing.T) {
		store := newMockSecretStore()
		useSecretStore(t, store)

		_, err := execute(t, "", "secret", "set", "anthropic")
		require.Error(t, err)
		assert.True(t, bernerr.HasCode(err, bernerr.CodeSecretInvalidInput))
		assert.Empty(t, store.data)
	})
}

func TestSecretSet_Validate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	t.Run("accepted", func(t *testing.T) {
		store := newMockSecretStore()
		useSecretStore(t, store)

		out, err := execute(t, "", "secret", "set", "local", "--value", "good-key",
			"--validate", "--kind", "compat", "--base-url", srv.URL)
		require.NoError(t, err)
		assert.Contains(t, out, "Key accepted by compat")
		assert.Equal(t, "good-key", store.data["local"])
	})

	t.Run("rejected key is not stored", func(t *testing.T) {
		store := newMockSecretStore()
		useSecretStore(t, store)

		_, err := execute(t, "", "secret", "set", "local", "--value", "bad-key",
			"--validate", "--kind", "compat", "--base-url", srv.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid compat API key")
		assert.Empty(t, store.data)
	})
}

func TestSecretGet(t *testing.T) {
	useSecretStore(t, newMockSecretStore("openai", "sk-abcdefghijklmnop", "short", "abc"))

	out, err := execute(t, "", "secret", "get", "openai")
	require.NoError(t, err)
	assert.Equal(t, "***************mnop\n", out)

	out, err = execute(t, "", "secret", "get", "openai", "--reveal")
	require.NoError(t, err)
	assert.Equal(t, "sk-abcdefghijklmnop\n", out)

	out, err = execute(t, "", "secret", "get", "short")
	require.NoError(t, err)
	assert.Equal(t, "***\n", out)

	_, err = execute(t, "", "secret", "get", "missing")
	require.Error(t, err)
	assert.True(t, bernerr.IsNotFound(err))
}

func TestSecretList(t *testing.T) {
	t.Run("sorted names", func(t *testing.T) {
		useSecretStore(t, newMockSecretStore("openai", "x", "anthropic", "y"))

		out, err := execute(t, "", "secret", "list")
		require.NoError(t, err)
		assert.Equal(t, "anthropic\nopenai\n", out)
	})

	t.Run("empty", func(t *testing.T) {
		useSecretStore(t, newMockSecretStore())

		out, err := execute(t, "", "secret", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "No secrets stored.")
	})
}

func TestSecretDelete(t *testing.T) {
	store := newMockSecretStore("openai", "x")
	useSecretStore(t, store)

	out, err := execute(t, "", "secret", "delete", "openai")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted secret: openai")
	assert.NotContains(t, store.data, "openai")

	_, err = execute(t, "", "secret", "delete", "openai")
	require.Error(t, err)
	assert.True(t, bernerr.HasCode(err, bernerr.CodeSecretNotFound))
	assert.Contains(t, err.Error(), `secret "openai" not found`)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", maskSecret(""))
	assert.Equal(t, "*****", maskSecret("abcde"))
	assert.Equal(t, "********ijkl", maskSecret("abcdefghijkl"))
}
