package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oaklatch/llamadash/internal/db"
	"github.com/oaklatch/llamadash/internal/decoder"
	"github.com/oaklatch/llamadash/internal/events"
	"github.com/oaklatch/llamadash/internal/generate"
	"github.com/oaklatch/llamadash/internal/slots"
)

// ChatMessageDTO is one OpenAI-compatible chat message.
type ChatMessageDTO struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the /v1/chat/completions request body: the
// OpenAI-compatible schema spec.md §1 refers to as the "widely-used
// third-party schema".
type ChatCompletionRequest struct {
	Model            string           `json:"model"`
	Messages         []ChatMessageDTO `json:"messages"`
	Stream           bool             `json:"stream"`
	MaxTokens        uint32           `json:"max_tokens"`
	Stop             []string         `json:"stop,omitempty"`
	Temperature      *float32         `json:"temperature,omitempty"`
	TopP             *float32         `json:"top_p,omitempty"`
	TopK             *int32           `json:"top_k,omitempty"`
	MinP             *float32         `json:"min_p,omitempty"`
	RepeatPenalty    *float32         `json:"repeat_penalty,omitempty"`
	FrequencyPenalty *float32         `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32         `json:"presence_penalty,omitempty"`
	Seed             *uint32          `json:"seed,omitempty"`
}

// CompletionRequest is the /v1/completions request body: a raw prompt
// instead of a chat-message list.
type CompletionRequest struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	Stream           bool     `json:"stream"`
	MaxTokens        uint32   `json:"max_tokens"`
	Stop             []string `json:"stop,omitempty"`
	Temperature      *float32 `json:"temperature,omitempty"`
	TopP             *float32 `json:"top_p,omitempty"`
	TopK             *int32   `json:"top_k,omitempty"`
	MinP             *float32 `json:"min_p,omitempty"`
	RepeatPenalty    *float32 `json:"repeat_penalty,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty"`
	Seed             *uint32  `json:"seed,omitempty"`
}

func samplingFromChatRequest(req ChatCompletionRequest) generate.SamplingParams {
	p := generate.DefaultSamplingParams()
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.TopP = *req.TopP
	}
	if req.TopK != nil {
		p.TopK = *req.TopK
	}
	if req.MinP != nil {
		p.MinP = *req.MinP
	}
	if req.RepeatPenalty != nil {
		p.RepeatPenalty = *req.RepeatPenalty
	}
	if req.FrequencyPenalty != nil {
		p.FrequencyPenalty = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		p.PresencePenalty = *req.PresencePenalty
	}
	p.Seed = req.Seed
	return p
}

func samplingFromCompletionRequest(req CompletionRequest) generate.SamplingParams {
	return samplingFromChatRequest(ChatCompletionRequest{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		MinP:             req.MinP,
		RepeatPenalty:    req.RepeatPenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Seed:             req.Seed,
	})
}

// resolveOrAutoload returns a pinned LiveRef for modelID, loading it from
// the configured model directories first if it is not already resident.
func (s *Server) resolveOrAutoload(modelID string) (*slots.LiveRef, error) {
	if modelID != "" && !s.core.IsLoaded(modelID) {
		entries, err := s.core.ScanDirectories(s.core.ScanRoots())
		if err != nil {
			return nil, fmt.Errorf("scan model directories: %w", err)
		}
		var path string
		for _, e := range entries {
			if strings.EqualFold(e.ID, modelID) {
				path = e.Path
				break
			}
		}
		if path == "" {
			return nil, fmt.Errorf("model %q not found in configured directories", modelID)
		}
		modelParams := decoder.ModelParams{GPULayers: s.cfg.DefaultNGPULayers}
		ctxParams := decoder.ContextParams{NCtx: s.cfg.DefaultCtxSize}
		ref, err := s.core.LoadModel(path, modelID, modelParams, ctxParams)
		if err != nil {
			return nil, err
		}
		return ref, nil
	}
	return s.core.Resolve(modelID)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ref, err := s.resolveOrAutoload(req.Model)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	messages := make([]decoder.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, decoder.ChatMessage{Role: m.Role, Content: m.Content})
	}

	rendered, err := s.core.ApplyChatTemplate(ref.Model(), "", messages, true)
	if err != nil {
		ref.Release()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokens, err := s.core.Tokenize(ref.Model(), rendered, true, true)
	if err != nil {
		ref.Release()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resolvedID := ref.ID()
	ref.Release()

	greq := generate.Request{
		Tokens:    tokens,
		MaxTokens: req.MaxTokens,
		StopWords: req.Stop,
		Sampling:  samplingFromChatRequest(req),
	}

	started := time.Now()
	ch := s.core.Generate(r.Context(), resolvedID, greq)

	if req.Stream {
		s.streamChatCompletion(w, r, resolvedID, started, ch)
		return
	}
	s.collectChatCompletion(w, resolvedID, started, ch)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ref, err := s.resolveOrAutoload(req.Model)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	tokens, err := s.core.Tokenize(ref.Model(), req.Prompt, true, true)
	if err != nil {
		ref.Release()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resolvedID := ref.ID()
	ref.Release()

	greq := generate.Request{
		Tokens:    tokens,
		MaxTokens: req.MaxTokens,
		StopWords: req.Stop,
		Sampling:  samplingFromCompletionRequest(req),
	}

	started := time.Now()
	ch := s.core.Generate(r.Context(), resolvedID, greq)

	if req.Stream {
		s.streamChatCompletion(w, r, resolvedID, started, ch)
		return
	}
	s.collectChatCompletion(w, resolvedID, started, ch)
}

// collectChatCompletion drains ch and writes a single non-streaming
// OpenAI-compatible chat completion response.
func (s *Server) collectChatCompletion(w http.ResponseWriter, modelID string, started time.Time, ch <-chan events.GenerateEvent) {
	var content string
	var promptTokens, completionTokens int
	finishReason := "stop"
	var genErr error

	for ev := range ch {
		if ev.Err != nil {
			genErr = ev.Err
			continue
		}
		if ev.Done {
			promptTokens = ev.PromptTokens
			completionTokens = ev.CompletionTokens
			finishReason = ev.FinishReason.String()
			continue
		}
		content += ev.Token
	}

	s.recordGeneration(modelID, promptTokens, completionTokens, finishReason, genErr, started)

	if genErr != nil {
		writeError(w, http.StatusInternalServerError, genErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": started.Unix(),
		"model":   modelID,
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": finishReason,
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	})
}

// streamChatCompletion relays ch as an SSE stream of
// "chat.completion.chunk" frames, terminated by "data: [DONE]" — the
// de facto standard framing spec.md §1 refers to.
func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, modelID string, started time.Time, ch <-chan events.GenerateEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := "chatcmpl-" + uuid.NewString()
	var promptTokens, completionTokens int
	finishReason := "stop"
	var genErr error

	for ev := range ch {
		if ev.Err != nil {
			genErr = ev.Err
			break
		}
		if ev.Done {
			promptTokens = ev.PromptTokens
			completionTokens = ev.CompletionTokens
			finishReason = ev.FinishReason.String()
			writeSSEChunk(w, id, started, modelID, "", &finishReason)
			flusher.Flush()
			break
		}
		writeSSEChunk(w, id, started, modelID, ev.Token, nil)
		flusher.Flush()
	}

	s.recordGeneration(modelID, promptTokens, completionTokens, finishReason, genErr, started)

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeSSEChunk(w http.ResponseWriter, id string, created time.Time, modelID, token string, finishReason *string) {
	chunk := map[string]interface{}{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created.Unix(),
		"model":   modelID,
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"delta":         map[string]string{"content": token},
				"finish_reason": finishReason,
			},
		},
	}
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Server) recordGeneration(modelID string, promptTokens, completionTokens int, finishReason string, genErr error, started time.Time) {
	if s.db == nil {
		return
	}
	errMsg := ""
	if genErr != nil {
		errMsg = genErr.Error()
	}
	_ = s.db.RecordGeneration(db.GenerationLogEntry{
		ModelID:          modelID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		FinishReason:     finishReason,
		Error:            errMsg,
		StartedAt:        started,
		FinishedAt:       time.Now(),
	})
}
