// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bernard-dev/bernard/internal/server"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// defaultHTTPClient is used by commands that talk to a running gateway.
// Streaming requests are bounded by their context instead of a timeout.
var defaultHTTPClient = &http.Client{}

const defaultRequestTimeout = 5 * time.Second

// gatewayClient provides HTTP access to a running Bernard gateway.
type gatewayClient struct {
	baseURL string
	http    *http.Client
}

// newGatewayClient creates a client for addr, which is host:port or a URL.
func newGatewayClient(addr string) *gatewayClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &gatewayClient{
		baseURL: strings.TrimSuffix(base, "/"),
		http:    defaultHTTPClient,
	}
}

func (c *gatewayClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if isDialError(err) {
			return nil, bernerr.Errorf(bernerr.CodeCLIServerNotRunning, "gateway at %s is not running", c.baseURL)
		}
		return nil, bernerr.Wrap(err, bernerr.CodeCLIRequestFailure, "request failed")
	}
	return resp, nil
}

// getJSON performs a GET request and decodes the JSON response into dest.
// Statuses in accept are decoded as well as 200.
func (c *gatewayClient) getJSON(ctx context.Context, path string, dest any, accept ...int) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return bernerr.Wrap(err, bernerr.CodeCLIRequestFailure, "building request")
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if !statusAccepted(resp.StatusCode, accept) {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return bernerr.Wrap(err, bernerr.CodeCLIResponseInvalid, "invalid response")
	}
	return nil
}

func statusAccepted(status int, accept []int) bool {
	if status == http.StatusOK {
		return true
	}
	for _, s := range accept {
		if s == status {
			return true
		}
	}
	return false
}

// streamChat posts a streaming chat completion and calls onDelta for each
// content fragment until the [DONE] sentinel.
func (c *gatewayClient) streamChat(ctx context.Context, conversationID string, reqBody server.ChatCompletionRequest, onDelta func(string)) error {
	reqBody.Stream = true
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return bernerr.Wrap(err, bernerr.CodeCLIRequestFailure, "encoding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return bernerr.Wrap(err, bernerr.CodeCLIRequestFailure, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if conversationID != "" {
		req.Header.Set(server.ConversationHeader, conversationID)
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return readSSE(resp.Body, onDelta)
}

// sseChunk is the part of a streamed chunk or error event the CLI reads.
type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func readSSE(r io.Reader, onDelta func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return bernerr.Wrap(err, bernerr.CodeCLIResponseInvalid, "invalid stream chunk")
		}
		if chunk.Error != nil {
			return bernerr.Errorf(bernerr.CodeCLIRequestFailure, "gateway error: %s", chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				onDelta(choice.Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return bernerr.Wrap(err, bernerr.CodeCLIResponseInvalid, "reading stream")
	}
	return bernerr.New(bernerr.CodeCLIResponseInvalid, "stream ended without [DONE]")
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope sseChunk
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		return bernerr.Errorf(bernerr.CodeCLIRequestFailure, "gateway returned status %d: %s", resp.StatusCode, envelope.Error.Message)
	}
	return bernerr.Errorf(bernerr.CodeCLIRequestFailure, "gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// isDialError reports whether err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
