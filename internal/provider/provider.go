// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package provider

import (
	"context"
)

// Provider is the core interface for LLM providers.
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
	Status(ctx context.Context) (ProviderStatus, error)
	Close() error
}

// Router resolves a model reference to a provider and the provider-local
// model name. A ref is either "provider/model" or "default".
type Router interface {
	Route(ctx context.Context, ref string) (Provider, string, error)
	RegisterProvider(name string, provider Provider) error
	Close() error
}

// Embedder is implemented by providers that serve an embeddings endpoint.
type Embedder interface {
	Embed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error)
}

// EmbeddingRequest asks for one vector per input, in input order.
type EmbeddingRequest struct {
	Model string
	Input []string

	// Dimensions truncates vectors on models that support it. Zero keeps
	// the model's size.
	Dimensions int
}

// EmbeddingResponse holds the vectors of an EmbeddingRequest.
type EmbeddingResponse struct {
	Model        string
	Vectors      [][]float64
	PromptTokens int
	TotalTokens  int
}

// ChatRequest represents a request to the LLM. System messages travel
// inside Messages; each provider maps them to its own system slot.
type ChatRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolDefinition
	Options  ChatOptions
}

// ChatOptions contains model configuration.
type ChatOptions struct {
	// Temperature is nil when the provider default should apply.
	Temperature   *float64
	MaxTokens     int
	StopSequences []string
}

// Message represents a conversation message.
type Message struct {
	Role    MessageRole
	Content string

	// ToolCalls is set on assistant messages that request actions.
	ToolCalls []ToolCall

	// ToolCallID and ToolName link a tool message to the request it answers.
	ToolCallID string
	ToolName   string
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// ToolDefinition describes a tool available to the agent.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatEvent is a streaming response event.
type ChatEvent struct {
	Type          EventType
	Text          string
	ToolCall      *ToolCall
	ToolCallDelta *ToolCallDelta
	Usage         *Usage
	Error         string
}

// EventType defines the type of chat event.
type EventType string

const (
	EventTypeTextDelta     EventType = "text_delta"
	EventTypeToolCall      EventType = "tool_call"
	EventTypeToolCallDelta EventType = "tool_call_delta"
	EventTypeUsage         EventType = "usage"
	EventTypeDone          EventType = "done"
	EventTypeError         EventType = "error"
)

// ToolCall represents a complete tool invocation by the LLM.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolCallDelta is one fragment of a tool invocation that is still being
// streamed. Fragments sharing an Index belong to the same invocation; ID and
// Name usually arrive only on the first fragment.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ModelInfo describes a model's capabilities.
type ModelInfo struct {
	ID           string
	Name         string
	Provider     string
	Capabilities ModelCapabilities
}

// ModelCapabilities declares what a model supports.
type ModelCapabilities struct {
	SupportsTools     bool
	SupportsStreaming bool
	MaxContextTokens  int
	MaxOutputTokens   int
}

// ProviderStatus indicates provider health.
type ProviderStatus struct {
	Available bool
	Provider  string
	Message   string
}

// Float64 returns a pointer to v, for optional numeric options.
func Float64(v float64) *float64 {
	return &v
}
