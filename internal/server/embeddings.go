// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package server

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bernard-dev/bernard/internal/provider"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

const embeddingsPath = "/v1/embeddings"

// EmbeddingRequest is the OpenAI embeddings request. Input is a string or
// an array of strings.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	Dimensions     int             `json:"dimensions,omitempty"`
}

func (r EmbeddingRequest) inputs() ([]string, error) {
	var one string
	if err := json.Unmarshal(r.Input, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err != nil || len(many) == 0 {
		return nil, bernerr.New(bernerr.CodeServerRequestInvalid, "input must be a string or a non-empty array of strings")
	}
	return many, nil
}

type embeddingObject struct {
	Object    string `json:"object"`
	Index     int    `json:"index"`
	Embedding any    `json:"embedding"`
}

type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type embeddingList struct {
	Object string            `json:"object"`
	Data   []embeddingObject `json:"data"`
	Model  string            `json:"model"`
	Usage  embeddingUsage    `json:"usage"`
}

func (s *Server) registerEmbeddingsRoute() {
	s.router.Post(embeddingsPath, s.handleEmbeddings)

	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "create-embeddings",
		Method:      http.MethodPost,
		Path:        embeddingsPath,
		Summary:     "Create embeddings",
		Description: "Embeds each input with the configured embedding model. A model of the form " +
			"provider/model selects that provider.",
		Tags: []string{"openai"},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"application/json": {Schema: &huma.Schema{
					Type:     "object",
					Required: []string{"input"},
					Properties: map[string]*huma.Schema{
						"model":           {Type: "string"},
						"input":           {Description: "A string or an array of strings"},
						"encoding_format": {Type: "string", Enum: []any{"float", "base64"}},
						"dimensions":      {Type: "integer"},
					},
				}},
			},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "A list of embedding objects",
				Content:     map[string]*huma.MediaType{"application/json": {Schema: &huma.Schema{Type: "object"}}},
			},
			"400": {Description: "Invalid request"},
			"404": {Description: "No embedding model configured"},
			"502": {Description: "The embedding provider failed"},
		},
	})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bernerr.Wrap(err, bernerr.CodeServerRequestInvalid, "invalid JSON body"))
		return
	}
	input, err := req.inputs()
	if err != nil {
		writeError(w, err)
		return
	}
	switch req.EncodingFormat {
	case "", "float", "base64":
	default:
		writeError(w, bernerr.Errorf(bernerr.CodeServerRequestInvalid,
			"encoding_format must be float or base64, got %q", req.EncodingFormat))
		return
	}
	if req.Dimensions < 0 {
		writeError(w, bernerr.New(bernerr.CodeServerRequestInvalid, "dimensions must be positive"))
		return
	}
	if s.deps.Embedder == nil {
		writeError(w, bernerr.New(bernerr.CodeServerBackendNotFound, "embeddings are not configured"))
		return
	}

	res, err := s.deps.Embedder.Embed(r.Context(), provider.EmbeddingRequest{
		Model:      req.Model,
		Input:      input,
		Dimensions: req.Dimensions,
	})
	if err != nil {
		s.logger.Error("embedding request failed", "model", req.Model, "inputs", len(input), "error", err)
		writeError(w, err)
		return
	}

	model := req.Model
	if model == "" {
		model = res.Model
	}
	out := embeddingList{
		Object: "list",
		Data:   make([]embeddingObject, len(res.Vectors)),
		Model:  model,
		Usage:  embeddingUsage{PromptTokens: res.PromptTokens, TotalTokens: res.TotalTokens},
	}
	for i, v := range res.Vectors {
		out.Data[i] = embeddingObject{Object: "embedding", Index: i, Embedding: v}
		if req.EncodingFormat == "base64" {
			out.Data[i].Embedding = encodeFloat32(v)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// encodeFloat32 packs v as little-endian float32 values, the layout
// OpenAI clients decode for encoding_format=base64.
func encodeFloat32(v []float64) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(f)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
