// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package openai

import (
	"context"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/bernard-dev/bernard/internal/provider"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
	"github.com/bernard-dev/bernard/pkg/health"
)

// Config holds OpenAI provider configuration.
type Config struct {
	// Name overrides the registry name. Defaults to "openai".
	Name    string
	APIKey  string
	BaseURL string
	// Models lists the served model ids. Defaults to the public catalog.
	Models []string
	// AllowEmptyKey permits keyless endpoints such as a local vLLM server.
	AllowEmptyKey bool
	MaxRetries    int
}

// Provider implements provider.Provider using the Chat Completions API.
type Provider struct {
	name   string
	client openaisdk.Client
	models []string
	health *provider.HealthTracker
}

var (
	_ provider.Provider       = (*Provider)(nil)
	_ provider.HealthReporter = (*Provider)(nil)
	_ provider.Embedder       = (*Provider)(nil)
)

// New creates a new OpenAI provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" && !cfg.AllowEmptyKey {
		return nil, bernerr.New(bernerr.CodeProviderRequestInvalid, "openai: missing api_key in config")
	}

	opts := []option.RequestOption{
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	tracker, err := provider.NewHealthTracker(provider.DefaultHealthCooldown)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = string(provider.KindOpenAI)
	}
	models := cfg.Models
	if len(models) == 0 {
		models = []string{"gpt-4.1", "gpt-4.1-mini", "gpt-4.1-nano", "o4-mini"}
	}

	return &Provider{
		name:   name,
		client: openaisdk.NewClient(opts...),
		models: models,
		health: tracker,
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Available(_ context.Context) bool {
	return p.health.IsHealthy()
}

func (p *Provider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	out := make([]provider.ModelInfo, 0, len(p.models))
	for _, id := range p.models {
		out = append(out, provider.ModelInfo{
			ID:       id,
			Name:     id,
			Provider: p.name,
			Capabilities: provider.ModelCapabilities{
				SupportsTools:     true,
				SupportsStreaming: true,
			},
		})
	}
	return out, nil
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeProviderRequestInvalid, p.name+": building request params")
	}

	eventCh := make(chan provider.ChatEvent, 100)
	go func() {
		defer close(eventCh)
		p.streamChat(ctx, params, eventCh)
	}()
	return eventCh, nil
}

func (p *Provider) Status(ctx context.Context) (provider.ProviderStatus, error) {
	msg := "ok"
	if !p.Available(ctx) {
		msg = "cooling down after upstream failure"
	}
	return provider.ProviderStatus{
		Available: p.Available(ctx),
		Provider:  p.name,
		Message:   msg,
	}, nil
}

func (p *Provider) RecordSuccess()                { p.health.RecordSuccess() }
func (p *Provider) RecordFailure()                { p.health.RecordFailure() }
func (p *Provider) HealthMetrics() health.Metrics { return p.health.HealthMetrics() }

func (p *Provider) Close() error { return nil }

// Embed calls the embeddings endpoint. Vectors come back in input order
// regardless of the order the server lists them in.
func (p *Provider) Embed(ctx context.Context, req provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	if req.Model == "" {
		return nil, bernerr.New(bernerr.CodeProviderRequestInvalid, p.name+": embedding model is required")
	}
	if len(req.Input) == 0 {
		return nil, bernerr.New(bernerr.CodeProviderRequestInvalid, p.name+": embedding input is required")
	}

	params := openaisdk.EmbeddingNewParams{
		Model: req.Model,
		Input: openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	}
	if req.Dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(req.Dimensions))
	}

	res, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		p.health.RecordFailure()
		return nil, bernerr.Wrap(err, bernerr.CodeProviderUpstreamFailure, p.name+": creating embeddings",
			bernerr.FieldProvider(p.name), bernerr.FieldModel(req.Model))
	}
	p.health.RecordSuccess()

	vectors := make([][]float64, len(req.Input))
	for _, d := range res.Data {
		if d.Index < 0 || int(d.Index) >= len(vectors) {
			return nil, bernerr.Errorf(bernerr.CodeProviderResponseInvalid,
				"%s: embedding index %d out of range for %d inputs", p.name, d.Index, len(vectors))
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, bernerr.Errorf(bernerr.CodeProviderResponseInvalid,
				"%s: no embedding returned for input %d", p.name, i)
		}
	}

	model := res.Model
	if model == "" {
		model = req.Model
	}
	return &provider.EmbeddingResponse{
		Model:        model,
		Vectors:      vectors,
		PromptTokens: int(res.Usage.PromptTokens),
		TotalTokens:  int(res.Usage.TotalTokens),
	}, nil
}

func buildParams(req provider.ChatRequest) (openaisdk.ChatCompletionNewParams, error) {
	if req.Model == "" {
		return openaisdk.ChatCompletionNewParams{}, fmt.Errorf("model is required")
	}
	msgs, err := convertMessages(req.Messages)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: msgs,
		StreamOptions: openaisdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}
	if req.Options.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.Options.MaxTokens))
	}
	if req.Options.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Options.Temperature)
	}
	if len(req.Options.StopSequences) > 0 {
		params.Stop = openaisdk.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Options.StopSequences,
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

func convertMessages(msgs []provider.Message) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, openaisdk.UserMessage(msg.Content))
		case provider.MessageRoleSystem:
			result = append(result, openaisdk.SystemMessage(msg.Content))
		case provider.MessageRoleTool:
			result = append(result, openaisdk.ToolMessage(msg.Content, msg.ToolCallID))
		case provider.MessageRoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, openaisdk.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openaisdk.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				calls = append(calls, openaisdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			assistant := openaisdk.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if msg.Content != "" {
				assistant.Content = openaisdk.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openaisdk.String(msg.Content),
				}
			}
			result = append(result, openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	return result, nil
}

func convertTools(tools []provider.ToolDefinition) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(schema),
			},
		})
	}
	return result
}

// streamChat forwards SDK chunks as provider events. Tool call fragments are
// passed through by index; reassembly happens in the caller.
func (p *Provider) streamChat(ctx context.Context, params openaisdk.ChatCompletionNewParams, ch chan<- provider.ChatEvent) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		chunk := stream.Current()

		for _, choice := range chunk.Choices {
			delta := choice.Delta
			if delta.Content != "" {
				if !send(ctx, ch, provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: delta.Content}) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				ev := provider.ChatEvent{
					Type: provider.EventTypeToolCallDelta,
					ToolCallDelta: &provider.ToolCallDelta{
						Index:     int(tc.Index),
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
				if !send(ctx, ch, ev) {
					return
				}
			}
		}

		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			ev := provider.ChatEvent{
				Type: provider.EventTypeUsage,
				Usage: &provider.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				},
			}
			if !send(ctx, ch, ev) {
				return
			}
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
