// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

const (
	transcriptionsPath = "/v1/audio/transcriptions"
	speechPath         = "/v1/audio/speech"

	// maxAudioUploadSize matches the OpenAI transcription upload limit.
	maxAudioUploadSize = 25 << 20

	transcriptionModelID = "whisper-1"
	speechModelID        = "kokoro-v1.0"
)

// audioModelCreated is the fixed creation time reported for the audio
// models, which have no provider behind them to ask.
const audioModelCreated = 1677649963

type audioBackend struct {
	name    string
	path    string
	limit   int64
	model   ModelObject
	summary string
	desc    string
	request map[string]*huma.MediaType
	reply   map[string]*huma.MediaType
	proxy   *httputil.ReverseProxy
}

func audioBackends() []*audioBackend {
	return []*audioBackend{
		{
			name:    "transcription",
			path:    transcriptionsPath,
			limit:   maxAudioUploadSize,
			model:   ModelObject{ID: transcriptionModelID, Object: "model", Created: audioModelCreated, OwnedBy: "openai"},
			summary: "Transcribe audio",
			desc:    "Forwards the multipart upload to the speech-to-text backend unchanged.",
			request: map[string]*huma.MediaType{"multipart/form-data": {Schema: &huma.Schema{Type: "object"}}},
			reply:   map[string]*huma.MediaType{"application/json": {Schema: &huma.Schema{Type: "object"}}},
		},
		{
			name:    "speech",
			path:    speechPath,
			limit:   maxRequestBodySize,
			model:   ModelObject{ID: speechModelID, Object: "model", Created: audioModelCreated, OwnedBy: "kokoro"},
			summary: "Synthesize speech",
			desc:    "Forwards the request to the text-to-speech backend and streams the audio back.",
			request: map[string]*huma.MediaType{"application/json": {Schema: &huma.Schema{Type: "object"}}},
			reply:   map[string]*huma.MediaType{"application/octet-stream": {Schema: &huma.Schema{Type: "string", Format: "binary"}}},
		},
	}
}

// registerAudioRoutes mounts the audio passthroughs. Backends without a URL
// answer 404 and are left out of /v1/models.
func (s *Server) registerAudioRoutes() error {
	urls := map[string]string{
		"transcription": s.cfg.TranscriptionURL,
		"speech":        s.cfg.SpeechURL,
	}
	for _, b := range audioBackends() {
		if raw := urls[b.name]; raw != "" {
			proxy, err := s.newAudioProxy(b.name, raw)
			if err != nil {
				return err
			}
			b.proxy = proxy
			s.audioModels = append(s.audioModels, b.model)
		}
		s.router.Post(b.path, s.audioHandler(b))

		s.api.OpenAPI().AddOperation(&huma.Operation{
			OperationID: "create-" + b.name,
			Method:      http.MethodPost,
			Path:        b.path,
			Summary:     b.summary,
			Description: b.desc,
			Tags:        []string{"openai"},
			RequestBody: &huma.RequestBody{Required: true, Content: b.request},
			Responses: map[string]*huma.Response{
				"200": {Description: "The backend response", Content: b.reply},
				"404": {Description: "The backend is not configured"},
				"502": {Description: "The backend is unreachable"},
			},
		})
	}
	return nil
}

func (s *Server) newAudioProxy(name, raw string) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, bernerr.Errorf(bernerr.CodeServerConfigInvalid, "%s backend must be an http(s) URL, got %q", name, raw)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del(ConversationHeader)
		},
		// Audio is streamed to the client as the backend produces it.
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			// CORS is answered by the gateway.
			for key := range resp.Header {
				if strings.HasPrefix(key, "Access-Control-") {
					resp.Header.Del(key)
				}
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				writeError(w, bernerr.Errorf(bernerr.CodeServerRequestInvalid,
					"request body exceeds %d bytes", tooLarge.Limit))
			case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
				s.logger.Info("audio request abandoned by client", "backend", name)
			default:
				s.logger.Error("audio backend failed", "backend", name, "target", target.Host, "error", err)
				writeError(w, bernerr.Wrapf(err, bernerr.CodeServerUpstreamFailure, "%s backend unavailable", name))
			}
		},
	}, nil
}

func (s *Server) audioHandler(b *audioBackend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.proxy == nil {
			writeError(w, bernerr.Errorf(bernerr.CodeServerBackendNotFound, "%s backend is not configured", b.name))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, b.limit)
		b.proxy.ServeHTTP(w, r)
	}
}
