// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// AgentModelID is the model id that selects the agent loop. Requests may
// name any model; the loop's configured models serve every completion.
const AgentModelID = "bernard"

// ModelObject is one entry of the OpenAI model list.
type ModelObject struct {
	ID      string `json:"id" example:"anthropic/claude-sonnet-4-5"`
	Object  string `json:"object" example:"model"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by" example:"anthropic"`
}

type modelsOutput struct {
	Body struct {
		Object string        `json:"object" example:"list"`
		Data   []ModelObject `json:"data"`
	}
}

func (s *Server) registerModelsRoute() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-models",
		Method:      http.MethodGet,
		Path:        "/v1/models",
		Summary:     "List models",
		Description: "Lists the agent model, the models of every registered provider, and the configured audio models.",
		Tags:        []string{"openai"},
	}, s.handleListModels)
}

func (s *Server) handleListModels(ctx context.Context, _ *struct{}) (*modelsOutput, error) {
	created := time.Now().Unix()
	out := &modelsOutput{}
	out.Body.Object = "list"
	out.Body.Data = []ModelObject{{ID: AgentModelID, Object: "model", Created: created, OwnedBy: "bernard"}}

	if s.deps.Models != nil {
		models, err := s.deps.Models.ListModels(ctx)
		if err != nil {
			// Partial lists are still useful; providers that failed are skipped.
			s.logger.Warn("listing provider models", "error", err)
			if len(models) == 0 {
				return nil, huma.Error502BadGateway("listing provider models", err)
			}
		}
		for _, m := range models {
			out.Body.Data = append(out.Body.Data, ModelObject{
				ID:      m.Provider + "/" + m.ID,
				Object:  "model",
				Created: created,
				OwnedBy: m.Provider,
			})
		}
	}
	out.Body.Data = append(out.Body.Data, s.audioModels...)
	return out, nil
}
