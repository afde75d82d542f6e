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

// anthropicAdapter implements Adapter against Anthropic's Messages
// API. It has no embedding capability, matching the reference
// implementation's Anthropic backend which never implements
// CreateEmbedding either.
type anthropicAdapter struct {
	name   string
	cfg    config.LLMProvider
	client *http.Client
}

// NewAnthropic builds an Anthropic Messages-API adapter.
func NewAnthropic(name string, cfg config.LLMProvider) Adapter {
	return &anthropicAdapter{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *anthropicAdapter) Name() string        { return a.name }
func (a *anthropicAdapter) DeepeningOnly() bool { return a.cfg.DeepeningOnly }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *anthropicAdapter) Call(ctx context.Context, systemPrompt, userPrompt string) (RawResult, error) {
	start := Now()

	maxTokens := a.cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	reqBody := anthropicRequest{
		Model:       a.cfg.Model,
		System:      systemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: userPrompt}},
		MaxTokens:   maxTokens,
		Temperature: 0.7,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return RawResult{}, &CallError{Kind: ClientError, Message: "marshal request", Cause: err}
	}

	baseURL := a.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return RawResult{}, &CallError{Kind: Transport, Message: "build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return RawResult{}, &CallError{Kind: Timeout, Message: "request timed out", Cause: ctx.Err()}
		}
		return RawResult{}, &CallError{Kind: Transport, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if cerr := classifyStatus(resp.StatusCode); cerr != nil {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		cerr.Message = fmt.Sprintf("%s: %s", cerr.Message, string(payload))
		return RawResult{}, cerr
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RawResult{}, &CallError{Kind: ServerError, Message: "decode response", Cause: err}
	}
	if len(out.Content) == 0 {
		return RawResult{}, &CallError{Kind: ServerError, Message: "no content blocks returned"}
	}

	return RawResult{
		Text:             out.Content[0].Text,
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		LatencyMs:        Now().Sub(start).Milliseconds(),
	}, nil
}
