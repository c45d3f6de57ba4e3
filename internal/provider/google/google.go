// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package google

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/genai"

	"github.com/bernard-dev/bernard/internal/provider"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
	"github.com/bernard-dev/bernard/pkg/health"
)

// Config holds Google provider configuration.
type Config struct {
	APIKey  string
	BaseURL string
}

// Provider implements provider.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	health *provider.HealthTracker
}

var (
	_ provider.Provider       = (*Provider)(nil)
	_ provider.HealthReporter = (*Provider)(nil)
)

// New creates a new Google provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, bernerr.New(bernerr.CodeProviderRequestInvalid, "google: missing api_key in config", bernerr.FieldProvider("google"))
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, bernerr.Wrapf(err, bernerr.CodeProviderUpstreamFailure, "google: creating client")
	}

	tracker, err := provider.NewHealthTracker(provider.DefaultHealthCooldown)
	if err != nil {
		return nil, err
	}
	return &Provider{client: client, health: tracker}, nil
}

func (p *Provider) Name() string { return string(provider.KindGoogle) }

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
		MaxContextTokens:  1000000,
	}
	return []provider.ModelInfo{
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: p.Name(), Capabilities: caps},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: p.Name(), Capabilities: caps},
	}, nil
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	if req.Model == "" {
		return nil, bernerr.New(bernerr.CodeProviderRequestInvalid, "google: model is required")
	}
	contents, system, err := convertMessages(req.Messages)
	if err != nil {
		return nil, bernerr.Wrapf(err, bernerr.CodeProviderRequestInvalid, "google: converting messages")
	}
	config := buildConfig(req, system)

	eventCh := make(chan provider.ChatEvent, 100)
	go func() {
		defer close(eventCh)
		p.streamChat(ctx, req.Model, contents, config, eventCh)
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

func buildConfig(req provider.ChatRequest, system string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.Options.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Options.Temperature))
	}
	if req.Options.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}
	if len(req.Options.StopSequences) > 0 {
		cfg.StopSequences = req.Options.StopSequences
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(req.Tools) > 0 {
		cfg.Tools = convertTools(req.Tools)
	}
	return cfg
}

// convertMessages maps the history onto genai contents. System messages are
// returned separately for the SystemInstruction slot.
func convertMessages(msgs []provider.Message) ([]*genai.Content, string, error) {
	var (
		result []*genai.Content
		system []string
	)

	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleSystem:
			system = append(system, msg.Content)
		case provider.MessageRoleUser:
			result = append(result, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case provider.MessageRoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: argsMap(tc.Arguments),
				}})
			}
			if len(parts) == 0 {
				continue
			}
			result = append(result, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case provider.MessageRoleTool:
			result = append(result, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.ToolName,
					Response: map[string]any{"result": msg.Content},
				}}},
			})
		default:
			return nil, "", bernerr.Errorf(bernerr.CodeProviderRequestInvalid, "unsupported message role %q", msg.Role)
		}
	}

	return result, strings.Join(system, "\n\n"), nil
}

func argsMap(raw string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"input": raw}
	}
	return out
}

func convertTools(tools []provider.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.InputSchema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// streamChat forwards Gemini responses. Gemini delivers each function call
// whole, so calls are emitted as complete tool_call events.
func (p *Provider) streamChat(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
	ch chan<- provider.ChatEvent,
) {
	for result, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			p.health.RecordFailure()
			send(ctx, ch, provider.ChatEvent{Type: provider.EventTypeError, Error: err.Error()})
			return
		}

		for _, candidate := range result.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					if !send(ctx, ch, provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: part.Text}) {
						return
					}
				}
				if part.FunctionCall == nil {
					continue
				}
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				ev := provider.ChatEvent{
					Type: provider.EventTypeToolCall,
					ToolCall: &provider.ToolCall{
						ID:        part.FunctionCall.ID,
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					},
				}
				if !send(ctx, ch, ev) {
					return
				}
			}
		}

		if result.UsageMetadata != nil {
			ev := provider.ChatEvent{
				Type: provider.EventTypeUsage,
				Usage: &provider.Usage{
					InputTokens:  int(result.UsageMetadata.PromptTokenCount),
					OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
				},
			}
			if !send(ctx, ch, ev) {
				return
			}
		}
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
