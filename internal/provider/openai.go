package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ideaforge/engine/config"
)

// openAICompatible implements Adapter and EmbeddingAdapter against an
// OpenAI-compatible chat-completions + embeddings API. This is the
// distinguished "default" adapter; Gemini's OpenAI-compatibility layer
// reuses it verbatim by pointing BaseURL elsewhere.
type openAICompatible struct {
	name    string
	cfg     config.LLMProvider
	client  *http.Client
}

// NewOpenAICompatible builds the default OpenAI-compatible JSON-mode
// chat adapter from a provider config entry.
func NewOpenAICompatible(name string, cfg config.LLMProvider) Adapter {
	return &openAICompatible{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *openAICompatible) Name() string        { return a.name }
func (a *openAICompatible) DeepeningOnly() bool { return a.cfg.DeepeningOnly }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *openAICompatible) Call(ctx context.Context, systemPrompt, userPrompt string) (RawResult, error) {
	start := Now()

	reqBody := chatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.7,
		MaxTokens:   a.cfg.MaxOutputTokens,
	}
	if a.cfg.SupportsJSONMode {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return RawResult{}, &CallError{Kind: ClientError, Message: "marshal request", Cause: err}
	}

	baseURL := a.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return RawResult{}, &CallError{Kind: Transport, Message: "build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return RawResult{}, &CallError{Kind: Timeout, Message: "request timed out", Cause: ctx.Err()}
		}
		return RawResult{}, &CallError{Kind: Transport, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err.Message = fmt.Sprintf("%s: %s", err.Message, string(payload))
		return RawResult{}, err
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RawResult{}, &CallError{Kind: ServerError, Message: "decode response", Cause: err}
	}
	if len(out.Choices) == 0 {
		return RawResult{}, &CallError{Kind: ServerError, Message: "no choices returned"}
	}

	return RawResult{
		Text:             out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		LatencyMs:        Now().Sub(start).Milliseconds(),
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the embeddings endpoint for one batch of texts and
// reorders the response by the server-provided index.
func (a *openAICompatible) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	model := a.cfg.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	body, err := json.Marshal(embeddingRequest{Model: model, Input: texts})
	if err != nil {
		return nil, &CallError{Kind: ClientError, Message: "marshal embedding request", Cause: err}
	}

	baseURL := a.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Kind: Transport, Message: "build embedding request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &CallError{Kind: Transport, Message: "embedding request failed", Cause: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &CallError{Kind: ServerError, Message: "decode embedding response", Cause: err}
	}

	vectors := make([][]float64, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			continue
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func classifyStatus(status int) *CallError {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return &CallError{Kind: RateLimited, Message: fmt.Sprintf("rate limited (status %d)", status)}
	case status >= 500:
		return &CallError{Kind: ServerError, Message: fmt.Sprintf("server error (status %d)", status)}
	case status >= 400:
		return &CallError{Kind: ClientError, Message: fmt.Sprintf("client error (status %d)", status)}
	default:
		return &CallError{Kind: Transport, Message: fmt.Sprintf("unexpected status %d", status)}
	}
}
