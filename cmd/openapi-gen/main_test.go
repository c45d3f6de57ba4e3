// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSpec(t *testing.T) {
	spec, err := generateSpec()
	require.NoError(t, err)

	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(spec, &doc))
	assert.Contains(t, doc.OpenAPI, "3.1")
	assert.Contains(t, doc.Paths, "/health")
	assert.Contains(t, doc.Paths, "/v1/models")
	require.Contains(t, doc.Paths, "/v1/chat/completions")
	assert.Contains(t, doc.Paths["/v1/chat/completions"], "post")
	assert.Contains(t, doc.Paths["/v1/embeddings"], "post")
	assert.Contains(t, doc.Paths["/v1/audio/transcriptions"], "post")
	assert.Contains(t, doc.Paths["/v1/audio/speech"], "post")
}

func TestRun_WritesFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "api", "spec.json")
	require.NoError(t, run(out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}
