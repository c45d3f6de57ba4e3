// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/bernard-dev/bernard/internal/provider"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
	"github.com/bernard-dev/bernard/pkg/health"
)

const defaultMaxTokens = 4096

// Config holds Anthropic provider configuration.
type Config struct {
	APIKey     string
	BaseURL    string // optional, useful for testing against a mock server
	MaxRetries int
}

// Provider implements provider.Provider using the Anthropic Messages API.
type Provider struct {
	client anthropicsdk.Client
	health *provider.HealthTracker
}

var (
	_ provider.Provider       = (*Provider)(nil)
	_ provider.HealthReporter = (*Provider)(nil)
)

// New creates a new Anthropic provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, bernerr.New(bernerr.CodeProviderRequestInvalid, "anthropic: missing api_key in config")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	tracker, err := provider.NewHealthTracker(provider.DefaultHealthCooldown)
	if err != nil {
		return nil, err
	}
	return &Provider{
		client: anthropicsdk.NewClient(opts...),
		health: tracker,
	}, nil
}

func (p *Provider) Name() string { return string(provider.KindAnthropic) }

func (p *Provider) Available(_ context.Context) bool {
	return p.health.IsHealthy()
}

func (p *Provider) RecordFailure()                { p.health.RecordFailure() }
func (p *Provider) RecordSuccess()                { p.health.RecordSuccess() }
func (p *Provider) HealthMetrics() health.Metrics { return p.health.HealthMetrics() }

func (p *Provider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	caps := provider.ModelCapabilities{
		SupportsTools:     true,
		SupportsStreaming: true,
		MaxContextTokens:  200000,
	}
	return []provider.ModelInfo{
		{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: p.Name(), Capabilities: caps},
		{ID: "claude-haiku-4-5", Name: "Claude Haiku 4.5", Provider: p.Name(), Capabilities: caps},
		{ID: "claude-opus-4-1", Name: "Claude Opus 4.1", Provider: p.Name(), Capabilities: caps},
	}, nil
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeProviderRequestInvalid, "anthropic: building request params")
	}

	eventCh := make(chan provider.ChatEvent, 100)
	go func() {
		defer close(eventCh)
		p.streamChat(ctx, params, eventCh)
	}()
	return eventCh, nil
}

func (p *Provider) Status(ctx context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{
		Available: p.Available(ctx),
		Provider:  p.Name(),
		Message:   "ok",
	}, nil
}

func (p *Provider) Close() error { return nil }

func buildParams(req provider.ChatRequest) (anthropicsdk.MessageNewParams, error) {
	if req.Model == "" {
		return anthropicsdk.MessageNewParams{}, fmt.Errorf("model is required")
	}
	msgs, system, err := convertMessages(req.Messages)
	if err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}

	maxTokens := int64(req.Options.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	if req.Options.Temperature != nil {
		params.Temperature = anthropicsdk.Float(*req.Options.Temperature)
	}
	if len(req.Options.StopSequences) > 0 {
		params.StopSequences = req.Options.StopSequences
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

// convertMessages maps the history onto the Messages API. System messages
// are lifted into the top-level system prompt and consecutive tool results
// are grouped into a single user turn, as the API requires.
func convertMessages(msgs []provider.Message) ([]anthropicsdk.MessageParam, string, error) {
	var (
		result []anthropicsdk.MessageParam
		system []string
	)

	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleSystem:
			system = append(system, msg.Content)
		case provider.MessageRoleUser:
			result = append(result, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content)))
		case provider.MessageRoleAssistant:
			var blocks []anthropicsdk.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(tc.ID, toolInput(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropicsdk.NewAssistantMessage(blocks...))
		case provider.MessageRoleTool:
			block := anthropicsdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)
			if n := len(result); n > 0 && isToolResultTurn(result[n-1]) {
				result[n-1].Content = append(result[n-1].Content, block)
				continue
			}
			result = append(result, anthropicsdk.NewUserMessage(block))
		default:
			return nil, "", fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	return result, strings.Join(system, "\n\n"), nil
}

func isToolResultTurn(m anthropicsdk.MessageParam) bool {
	if m.Role != anthropicsdk.MessageParamRoleUser || len(m.Content) == 0 {
		return false
	}
	for _, block := range m.Content {
		if block.OfToolResult == nil {
			return false
		}
	}
	return true
}

func toolInput(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return map[string]any{"input": raw}
	}
	return v
}

func convertTools(tools []provider.ToolDefinition) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.String(t.Description),
				InputSchema: extractSchema(t.InputSchema),
			},
		})
	}
	return result
}

// extractSchema splits a JSON Schema object into the SDK's separate
// properties and required fields.
func extractSchema(raw map[string]any) anthropicsdk.ToolInputSchemaParam {
	schema := anthropicsdk.ToolInputSchemaParam{}
	if props, ok := raw["properties"]; ok {
		schema.Properties = props
	}
	switch req := raw["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}

func (p *Provider) streamChat(ctx context.Context, params anthropicsdk.MessageNewParams, ch chan<- provider.ChatEvent) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var inputTokens int

	for stream.Next() {
		event := stream.Current()

		var ev *provider.ChatEvent
		switch event.Type {
		case "message_start":
			inputTokens = int(event.Message.Usage.InputTokens)

		case "content_block_start":
			cb := event.ContentBlock
			if cb.Type == "tool_use" {
				ev = &provider.ChatEvent{
					Type: provider.EventTypeToolCallDelta,
					ToolCallDelta: &provider.ToolCallDelta{
						Index: int(event.Index),
						ID:    cb.ID,
						Name:  cb.Name,
					},
				}
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				ev = &provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: event.Delta.Text}
			case "input_json_delta":
				ev = &provider.ChatEvent{
					Type: provider.EventTypeToolCallDelta,
					ToolCallDelta: &provider.ToolCallDelta{
						Index:     int(event.Index),
						Arguments: event.Delta.PartialJSON,
					},
				}
			}

		case "message_delta":
			ev = &provider.ChatEvent{
				Type: provider.EventTypeUsage,
				Usage: &provider.Usage{
					InputTokens:  inputTokens,
					OutputTokens: int(event.Usage.OutputTokens),
				},
			}

		case "message_stop":
			p.health.RecordSuccess()
			send(ctx, ch, provider.ChatEvent{Type: provider.EventTypeDone})
			return
		}

		if ev != nil && !send(ctx, ch, *ev) {
			return
		}
	}

	if err := stream.Err(); err != nil {
		p.health.RecordFailure()
		send(ctx, ch, provider.ChatEvent{Type: provider.EventTypeError, Error: err.Error()})
		return
	}

	p.health.RecordSuccess()
	send(ctx, ch, provider.ChatEvent{Type: provider.EventTypeDone})
}

func send(ctx context.Context, ch chan<- provider.ChatEvent, ev provider.ChatEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
