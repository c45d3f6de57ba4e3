// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package google

import (
	"google.golang.org/genai"

	"github.com/bernard-dev/bernard/internal/provider"
)

// ConvertMessages exposes convertMessages for white-box testing.
var ConvertMessages = func(msgs []provider.Message) ([]*genai.Content, string, error) {
	return convertMessages(msgs)
}

// BuildConfig exposes buildConfig for white-box testing.
var BuildConfig = func(req provider.ChatRequest, system string) *genai.GenerateContentConfig {
	return buildConfig(req, system)
}
