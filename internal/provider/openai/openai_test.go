// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package openai_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bernard-dev/bernard/internal/provider"
	"github.com/bernard-dev/bernard/internal/provider/openai"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

var _ provider.Provider = (*openai.Provider)(nil)

func TestOpenAIProvider_NameAndModels(t *testing.T) {
	p := mustNewProvider(t, openai.Config{APIKey: "test-key-not-real"})
	assert.Equal(t, "openai", p.Name())

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, models)
	for _, m := range models {
		assert.Equal(t, "openai", m.Provider)
		assert.True(t, m.Capabilities.SupportsTools)
	}
}

func TestOpenAIProvider_CustomNameAndModels(t *testing.T) {
	p := mustNewProvider(t, openai.Config{
		Name:          "vllm",
		BaseURL:       "http://localhost:8000/v1",
		AllowEmptyKey: true,
		Models:        []string{"qwen2.5-7b-instruct"},
	})
	assert.Equal(t, "vllm", p.Name())

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "qwen2.5-7b-instruct", models[0].ID)
	assert.Equal(t, "vllm", models[0].Provider)
}

func TestOpenAIProvider_MissingAPIKey(t *testing.T) {
	_, err := openai.New(openai.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.True(t, bernerr.HasCode(err, bernerr.CodeProviderRequestInvalid))
}

func TestConvertMessages_ToolRoundTrip(t *testing.T) {
	msgs := []provider.Message{
		{Role: provider.MessageRoleSystem, Content: "be brief"},
		{Role: provider.MessageRoleUser, Content: "weather?"},
		{Role: provider.MessageRoleAssistant, ToolCalls: []provider.ToolCall{
			{ID: "call_1", Name: "weather", Arguments: `{"city":"Oslo"}`},
			{ID: "call_2", Name: "current_time"},
		}},
		{Role: provider.MessageRoleTool, Content: "rain", ToolCallID: "call_1", ToolName: "weather"},
	}

	params, err := openai.ConvertMessages(msgs)
	require.NoError(t, err)
	require.Len(t, params, 4)

	require.NotNil(t, params[0].OfSystem)
	require.NotNil(t, params[1].OfUser)
	assert.Equal(t, "weather?", params[1].OfUser.Content.OfString.Value)

	require.NotNil(t, params[2].OfAssistant)
	calls := params[2].OfAssistant.ToolCalls
	require.Len(t, calls, 2)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, `{"city":"Oslo"}`, calls[0].Function.Arguments)
	assert.Equal(t, "{}", calls[1].Function.Arguments, "empty arguments are sent as an empty object")

	require.NotNil(t, params[3].OfTool)
	assert.Equal(t, "call_1", params[3].OfTool.ToolCallID)
}

func TestConvertMessages_UnknownRole(t *testing.T) {
	_, err := openai.ConvertMessages([]provider.Message{{Role: "narrator", Content: "x"}})
	require.Error(t, err)
}

func TestBuildParams_Options(t *testing.T) {
	params, err := openai.BuildParams(provider.ChatRequest{
		Model:    "gpt-4.1",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
		Tools:    []provider.ToolDefinition{{Name: "respond", Description: "hand off"}},
		Options:  provider.ChatOptions{Temperature: provider.Float64(0), MaxTokens: 256},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", string(params.Model))
	assert.True(t, params.Temperature.Valid(), "zero temperature is sent explicitly")
	assert.Equal(t, 0.0, params.Temperature.Value)
	assert.Equal(t, int64(256), params.MaxCompletionTokens.Value)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "respond", params.Tools[0].Function.Name)
}

func TestBuildParams_RequiresModel(t *testing.T) {
	_, err := openai.BuildParams(provider.ChatRequest{})
	require.Error(t, err)
}

func TestOpenAIProvider_StreamsTextAndToolFragments(t *testing.T) {
	chunks := []string{
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := mustNewProvider(t, openai.Config{APIKey: "k", BaseURL: srv.URL})
	ch, err := p.Chat(context.Background(), provider.ChatRequest{
		Model:    "m",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var (
		text   strings.Builder
		args   strings.Builder
		names  []string
		usage  *provider.Usage
		gotEnd bool
	)
	for ev := range ch {
		switch ev.Type {
		case provider.EventTypeTextDelta:
			text.WriteString(ev.Text)
		case provider.EventTypeToolCallDelta:
			assert.Equal(t, 0, ev.ToolCallDelta.Index)
			if ev.ToolCallDelta.Name != "" {
				names = append(names, ev.ToolCallDelta.Name)
			}
			args.WriteString(ev.ToolCallDelta.Arguments)
		case provider.EventTypeUsage:
			usage = ev.Usage
		case provider.EventTypeDone:
			gotEnd = true
		case provider.EventTypeError:
			t.Fatalf("unexpected error event: %s", ev.Error)
		}
	}

	assert.Equal(t, "Hello", text.String())
	assert.Equal(t, []string{"search"}, names)
	assert.Equal(t, `{"q":"x"}`, args.String())
	require.NotNil(t, usage)
	assert.Equal(t, 12, usage.InputTokens)
	assert.True(t, gotEnd)
	assert.True(t, p.Available(context.Background()))
}

func TestOpenAIProvider_UpstreamErrorMarksUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = fmt.Fprint(w, `{"error":{"message":"rate limit reached","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	p := mustNewProvider(t, openai.Config{APIKey: "k", BaseURL: srv.URL})
	ch, err := p.Chat(context.Background(), provider.ChatRequest{
		Model:    "m",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var last provider.ChatEvent
	for ev := range ch {
		last = ev
	}
	assert.Equal(t, provider.EventTypeError, last.Type)
	assert.Contains(t, last.Error, "429")
	assert.False(t, p.Available(context.Background()))
	assert.Equal(t, int64(1), p.HealthMetrics().FailureCount)
}

func TestOpenAIProvider_Embed(t *testing.T) {
	var got struct {
		Model      string   `json:"model"`
		Input      []string `json:"input"`
		Dimensions int      `json:"dimensions"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		// Listed out of order on purpose.
		_, _ = fmt.Fprint(w, `{"object":"list","model":"bge-m3","data":[
			{"object":"embedding","index":1,"embedding":[0.3,0.4]},
			{"object":"embedding","index":0,"embedding":[0.1,0.2]}
		],"usage":{"prompt_tokens":6,"total_tokens":6}}`)
	}))
	defer srv.Close()

	p := mustNewProvider(t, openai.Config{Name: "local", BaseURL: srv.URL, AllowEmptyKey: true})
	resp, err := p.Embed(context.Background(), provider.EmbeddingRequest{
		Model:      "bge-m3",
		Input:      []string{"first", "second"},
		Dimensions: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, "bge-m3", got.Model)
	assert.Equal(t, []string{"first", "second"}, got.Input)
	assert.Equal(t, 2, got.Dimensions)

	assert.Equal(t, "bge-m3", resp.Model)
	assert.Equal(t, [][]float64{{0.1, 0.2}, {0.3, 0.4}}, resp.Vectors)
	assert.Equal(t, 6, resp.PromptTokens)
	assert.Equal(t, 6, resp.TotalTokens)
}

func TestOpenAIProvider_EmbedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"object":"list","model":"m","data":[
			{"object":"embedding","index":0,"embedding":[0.1]}
		],"usage":{"prompt_tokens":1,"total_tokens":1}}`)
	}))
	defer srv.Close()

	p := mustNewProvider(t, openai.Config{APIKey: "k", BaseURL: srv.URL})

	_, err := p.Embed(context.Background(), provider.EmbeddingRequest{Input: []string{"x"}})
	assert.True(t, bernerr.HasCode(err, bernerr.CodeProviderRequestInvalid))

	_, err = p.Embed(context.Background(), provider.EmbeddingRequest{Model: "m"})
	assert.True(t, bernerr.HasCode(err, bernerr.CodeProviderRequestInvalid))

	_, err = p.Embed(context.Background(), provider.EmbeddingRequest{Model: "m", Input: []string{"a", "b"}})
	require.Error(t, err)
	assert.True(t, bernerr.HasCode(err, bernerr.CodeProviderResponseInvalid))
	assert.Contains(t, err.Error(), "input 1")
}

func TestOpenAIProvider_EmbedUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = fmt.Fprint(w, `{"error":{"message":"backend down"}}`)
	}))
	defer srv.Close()

	p := mustNewProvider(t, openai.Config{APIKey: "k", BaseURL: srv.URL})
	_, err := p.Embed(context.Background(), provider.EmbeddingRequest{Model: "m", Input: []string{"x"}})
	require.Error(t, err)
	assert.True(t, bernerr.IsUpstreamFailure(err))
	assert.Equal(t, int64(1), p.HealthMetrics().FailureCount)
}

func mustNewProvider(t *testing.T, cfg openai.Config) *openai.Provider {
	t.Helper()
	p, err := openai.New(cfg)
	require.NoError(t, err)
	return p
}
