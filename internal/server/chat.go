// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/bernard-dev/bernard/internal/agent"
	"github.com/bernard-dev/bernard/internal/provider"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

const (
	// ConversationHeader names a conversation whose turns must not overlap.
	ConversationHeader = "X-Conversation-ID"

	// maxConversationIDLen bounds the X-Conversation-ID header.
	maxConversationIDLen = 128

	chatCompletionsPath = "/v1/chat/completions"
	maxRequestBodySize  = 4 << 20
)

// ChatCompletionRequest is the subset of the OpenAI request the gateway
// honors. Sampling parameters are configured per loop step and ignored.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ChatMessage is an OpenAI chat message.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ChatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatToolCall is an OpenAI function call on an assistant message.
type ChatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text decodes content given as a string or as an array of parts. Only
// text parts are kept.
func (m ChatMessage) text() (string, error) {
	raw := m.Content
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", bernerr.New(bernerr.CodeServerRequestInvalid, "message content must be a string or an array of content parts")
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

// History converts the request messages to loop history.
func (r ChatCompletionRequest) History() ([]provider.Message, error) {
	if len(r.Messages) == 0 {
		return nil, bernerr.New(bernerr.CodeServerRequestInvalid, "messages is required")
	}
	history := make([]provider.Message, 0, len(r.Messages))
	for i, m := range r.Messages {
		content, err := m.text()
		if err != nil {
			return nil, bernerr.Wrapf(err, bernerr.CodeServerRequestInvalid, "messages[%d]", i)
		}
		msg := provider.Message{Role: provider.MessageRole(m.Role), Content: content}
		switch msg.Role {
		case provider.MessageRoleSystem, provider.MessageRoleUser:
		case provider.MessageRoleAssistant:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		case provider.MessageRoleTool:
			if m.ToolCallID == "" {
				return nil, bernerr.Errorf(bernerr.CodeServerRequestInvalid, "messages[%d]: tool message requires tool_call_id", i)
			}
			msg.ToolCallID = m.ToolCallID
			msg.ToolName = m.Name
		default:
			return nil, bernerr.Errorf(bernerr.CodeServerRequestInvalid, "messages[%d]: unsupported role %q", i, m.Role)
		}
		history = append(history, msg)
	}
	return history, nil
}

type completionMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type completionChoice struct {
	Index        int                `json:"index"`
	Message      *completionMessage `json:"message,omitempty"`
	Delta        *completionMessage `json:"delta,omitempty"`
	FinishReason *string            `json:"finish_reason"`
}

// ChatCompletion is both the buffered response and a streamed chunk; only
// Object and the choice field differ.
type ChatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func newErrorBody(err error) (int, errorBody) {
	status := bernerr.HTTPStatus(err)
	var body errorBody
	body.Error.Message = err.Error()
	body.Error.Code = string(bernerr.CodeOf(err))
	switch {
	case status == http.StatusTooManyRequests:
		body.Error.Type = "rate_limit_error"
	case status < 500:
		body.Error.Type = "invalid_request_error"
	default:
		body.Error.Type = "server_error"
	}
	return status, body
}

func writeError(w http.ResponseWriter, err error) {
	status, body := newErrorBody(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var stopReason = "stop"

func (s *Server) registerChatRoute() {
	s.router.Post(chatCompletionsPath, s.handleChatCompletions)

	// The handler needs the raw ResponseWriter for SSE, so the operation is
	// only documented here.
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "create-chat-completion",
		Method:      http.MethodPost,
		Path:        chatCompletionsPath,
		Summary:     "Create a chat completion",
		Description: "Runs one agent turn over the messages. With stream=true the answer is sent as " +
			"chat.completion.chunk server-sent events terminated by data: [DONE]. Turns sharing an " +
			ConversationHeader + " header run one at a time in arrival order.",
		Tags: []string{"openai"},
		Parameters: []*huma.Param{{
			Name:        ConversationHeader,
			In:          "header",
			Description: "Serializes turns of one conversation",
			Schema:      &huma.Schema{Type: "string"},
		}},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"application/json": {Schema: &huma.Schema{
					Type:     "object",
					Required: []string{"messages"},
					Properties: map[string]*huma.Schema{
						"model":    {Type: "string"},
						"stream":   {Type: "boolean"},
						"messages": {Type: "array", Items: &huma.Schema{Type: "object"}},
					},
				}},
			},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "A chat.completion object, or an SSE stream of chunks",
				Content: map[string]*huma.MediaType{
					"application/json":  {Schema: &huma.Schema{Type: "object"}},
					"text/event-stream": {Schema: &huma.Schema{Type: "string"}},
				},
			},
			"400": {Description: "Invalid request"},
			"429": {Description: "Rate limited"},
			"502": {Description: "Every model provider failed"},
		},
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	convID := r.Header.Get(ConversationHeader)
	if len(convID) > maxConversationIDLen {
		writeError(w, bernerr.Errorf(bernerr.CodeServerRequestInvalid,
			"%s must be at most %d bytes", ConversationHeader, maxConversationIDLen))
		return
	}

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bernerr.Wrap(err, bernerr.CodeServerRequestInvalid, "invalid JSON body"))
		return
	}
	history, err := req.History()
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Agent == nil {
		writeError(w, bernerr.New(bernerr.CodeServerInternalFailure, "agent not configured"))
		return
	}

	model := req.Model
	if model == "" {
		model = AgentModelID
	}
	c := completion{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}
	s.logger.Info("chat completion request",
		"id", c.id, "stream", req.Stream, "messages", len(history), "conversation_id", convID)

	run := func(ctx context.Context) error {
		if req.Stream {
			return s.streamCompletion(ctx, w, c, history)
		}
		return s.bufferedCompletion(ctx, w, c, history)
	}

	if convID == "" {
		err = run(r.Context())
	} else {
		w.Header().Set(ConversationHeader, convID)
		err = s.inLane(r.Context(), convID, run)
	}
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Info("chat completion abandoned by client", "id", c.id)
			return
		}
		s.logger.Error("chat completion failed", "id", c.id, "error", err)
		writeError(w, err)
	}
}

// inLane runs fn in the conversation's lane. It returns only once fn has
// finished or will never start, so fn never touches a ResponseWriter whose
// handler has returned.
func (s *Server) inLane(ctx context.Context, convID string, fn func(context.Context) error) error {
	var (
		mu        sync.Mutex
		abandoned bool
		started   bool
		finished  = make(chan struct{})
	)
	err := s.lanes.Submit(ctx, convID, func(ctx context.Context) error {
		mu.Lock()
		if abandoned {
			mu.Unlock()
			return ctx.Err()
		}
		started = true
		mu.Unlock()
		defer close(finished)
		return fn(ctx)
	})

	mu.Lock()
	abandoned = true
	wait := started
	mu.Unlock()
	if wait {
		<-finished
	}
	return err
}

type completion struct {
	id      string
	model   string
	created int64
}

func (c completion) object(kind string, choice completionChoice) ChatCompletion {
	return ChatCompletion{
		ID:      c.id,
		Object:  kind,
		Created: c.created,
		Model:   c.model,
		Choices: []completionChoice{choice},
	}
}

func (s *Server) bufferedCompletion(ctx context.Context, w http.ResponseWriter, c completion, history []provider.Message) error {
	final, err := s.deps.Agent.Invoke(ctx, history)
	if err != nil {
		return err
	}
	answer := ""
	if n := len(final); n > 0 {
		answer = final[n-1].Content
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(c.object("chat.completion", completionChoice{
		Message:      &completionMessage{Role: string(provider.MessageRoleAssistant), Content: answer},
		FinishReason: &stopReason,
	}))
}

// streamCompletion forwards response-step text as chunk deltas. Errors
// before the first byte are returned; later ones end the stream with an
// error event.
func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, c completion, history []provider.Message) error {
	snapshots, err := s.deps.Agent.Stream(ctx, history)
	if err != nil {
		return err
	}

	// The event stream opens with the response step. Failures before that
	// still return a JSON error with a matching status code.
	var out *sseWriter
	open := func() {
		if out != nil {
			return
		}
		out = newSSEWriter(w)
		out.data(c.object("chat.completion.chunk", completionChoice{
			Delta: &completionMessage{Role: string(provider.MessageRoleAssistant)},
		}))
	}

	sent := 0
	for snap := range snapshots {
		if snap.Err != nil {
			if out == nil {
				return snap.Err
			}
			s.logger.Error("streamed turn failed", "id", c.id, "error", snap.Err)
			_, body := newErrorBody(snap.Err)
			out.data(body)
			out.done()
			return nil
		}
		if snap.Stage != agent.StageResponse || len(snap.Messages) == 0 {
			continue
		}
		open()
		text := snap.Messages[len(snap.Messages)-1].Content
		if len(text) <= sent {
			continue
		}
		out.data(c.object("chat.completion.chunk", completionChoice{
			Delta: &completionMessage{Content: text[sent:]},
		}))
		sent = len(text)
	}

	open()
	out.data(c.object("chat.completion.chunk", completionChoice{
		Delta:        &completionMessage{},
		FinishReason: &stopReason,
	}))
	out.done()
	if out.err != nil {
		s.logger.Debug("client stopped reading stream", "id", c.id, "error", out.err)
	}
	return nil
}
