// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package provider

import (
	"context"
	"io"
	"net/http"
	"strings"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// Kind identifies a supported provider implementation.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
	KindGoogle    Kind = "google"
	KindCompat    Kind = "compat"
)

// ValidateKey makes a lightweight call to the provider's models endpoint to
// confirm an API key is accepted. baseURL overrides the public endpoint and
// is required for KindCompat.
func ValidateKey(ctx context.Context, client *http.Client, kind Kind, key, baseURL string) error {
	url, headers, err := validationRequest(kind, key, baseURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return bernerr.Errorf(bernerr.CodeProviderRequestInvalid, "building validation request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return bernerr.Errorf(bernerr.CodeProviderUpstreamFailure, "validating %s key: %w", kind, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return bernerr.Errorf(bernerr.CodeProviderAuthUnauthorized, "invalid %s API key (HTTP %d)", kind, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return bernerr.Errorf(bernerr.CodeProviderUpstreamFailure, "%s validation failed (HTTP %d)", kind, resp.StatusCode)
	}
	return nil
}

func validationRequest(kind Kind, key, baseURL string) (string, map[string]string, error) {
	base := strings.TrimRight(baseURL, "/")
	switch kind {
	case KindAnthropic:
		if base == "" {
			base = "https://api.anthropic.com/v1"
		}
		return base + "/models", map[string]string{
			"x-api-key":         key,
			"anthropic-version": "2023-06-01",
		}, nil
	case KindOpenAI, KindCompat:
		if base == "" {
			if kind == KindCompat {
				return "", nil, bernerr.New(bernerr.CodeProviderRequestInvalid, "compat provider requires a base URL")
			}
			base = "https://api.openai.com/v1"
		}
		headers := map[string]string{}
		if key != "" {
			headers["Authorization"] = "Bearer " + key
		}
		return base + "/models", headers, nil
	case KindGoogle:
		// The Generative Language API authenticates via query parameter.
		if base == "" {
			base = "https://generativelanguage.googleapis.com/v1beta"
		}
		return base + "/models?key=" + key, nil, nil
	default:
		return "", nil, bernerr.Errorf(bernerr.CodeProviderRequestInvalid, "unknown provider kind: %s", kind)
	}
}
