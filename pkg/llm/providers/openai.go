// Package providers contains concrete implementations of LLM providers.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/httpclient"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

const (
	// openRouterAPIBaseURL is the default base URL for OpenRouter's
	// OpenAI-compatible chat completions endpoint.
	openRouterAPIBaseURL = "https://openrouter.ai/api/v1"

	// openAIAPIBaseURL is the default base URL for talking to OpenAI
	// itself, or any other OpenAI-compatible endpoint.
	openAIAPIBaseURL = "https://api.openai.com/v1"
)

// OpenAIProvider implements the Provider interface against any
// OpenAI-compatible chat completions endpoint. It backs both direct
// OpenAI calls and, with baseURL set to OpenRouter's endpoint, the
// fallback path the provider proxy re-dispatches through when the
// preferred provider returns a retryable error.
type OpenAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	lastUsage  *llm.TokenUsage
	usageMu    sync.RWMutex
}

// NewOpenAIProvider creates a provider that talks directly to OpenAI.
func NewOpenAIProvider(apiKey string) (*OpenAIProvider, error) {
	return newOpenAICompatProvider("openai", apiKey, openAIAPIBaseURL)
}

// NewOpenRouterProvider creates a provider that talks to OpenRouter,
// which multiplexes many upstream models behind one OpenAI-compatible
// API and reports a per-request `cost` field in its final usage block.
func NewOpenRouterProvider(apiKey string) (*OpenAIProvider, error) {
	return newOpenAICompatProvider("openrouter", apiKey, openRouterAPIBaseURL)
}

func newOpenAICompatProvider(name, apiKey, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    name + ".api_key",
			Reason: "API key is required for " + name + " provider",
		}
	}
	client, err := httpclient.New(httpclient.ProviderConfig(name))
	if err != nil {
		return nil, &errors.ConfigError{Key: name + ".http_client", Reason: err.Error(), Cause: err}
	}
	return &OpenAIProvider{name: name, apiKey: apiKey, baseURL: baseURL, httpClient: client}, nil
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return p.name }

// Capabilities reports streaming support with the static published
// model catalog for direct OpenAI use; OpenRouter's catalog is queried
// out-of-band and is not this provider's concern.
func (p *OpenAIProvider) Capabilities() llm.Capabilities {
	caps := llm.Capabilities{Streaming: true}
	if p.name == "openai" {
		caps.Models = openAIModels
	}
	return caps
}

var openAIModels = []llm.ModelInfo{
	{
		ID:                    "gpt-4-turbo",
		Name:                  "GPT-4 Turbo",
		Tier:                  llm.ModelTierStrategic,
		MaxTokens:             128000,
		MaxOutputTokens:       4096,
		InputPricePerMillion:  10.00,
		OutputPricePerMillion: 30.00,
		SupportsVision:        true,
		Description:           "Most capable GPT-4 model for complex tasks.",
	},
	{
		ID:                    "gpt-4",
		Name:                  "GPT-4",
		Tier:                  llm.ModelTierBalanced,
		MaxTokens:             8192,
		MaxOutputTokens:       4096,
		InputPricePerMillion:  30.00,
		OutputPricePerMillion: 60.00,
		SupportsVision:        false,
		Description:           "Balanced model for most tasks.",
	},
	{
		ID:                    "gpt-3.5-turbo",
		Name:                  "GPT-3.5 Turbo",
		Tier:                  llm.ModelTierFast,
		MaxTokens:             16385,
		MaxOutputTokens:       4096,
		InputPricePerMillion:  0.50,
		OutputPricePerMillion: 1.50,
		SupportsVision:        false,
		Description:           "Fast and cost-effective for simple tasks.",
	},
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIMessage      `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	MaxTokens     *int                 `json:"max_tokens,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

// openAIStreamOptions.IncludeUsage asks OpenRouter/OpenAI to emit a
// trailing chunk carrying cumulative usage even while streaming.
type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func toOpenAIMessages(msgs []llm.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openAIMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return out
}

func (p *OpenAIProvider) buildRequest(req llm.CompletionRequest, stream bool) openAIRequest {
	apiReq := openAIRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
		Stream:      stream,
	}
	if stream {
		apiReq.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	return apiReq
}

// Complete sends a non-streaming chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	requestID := uuid.New().String()
	apiReq := p.buildRequest(req, false)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err), RequestID: requestID}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{Provider: p.name, Message: fmt.Sprintf("create request: %v", err), RequestID: requestID}
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: p.name, Message: fmt.Sprintf("request failed: %v", err), RequestID: requestID}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, p.errorFromBody(resp.StatusCode, respBody, requestID)
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err), RequestID: requestID}
	}
	if len(apiResp.Choices) == 0 {
		return nil, &errors.ProviderError{Provider: p.name, Message: "response contained no choices", RequestID: requestID}
	}

	usage := llm.TokenUsage{
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
		TotalTokens:  apiResp.Usage.TotalTokens,
	}
	p.setLastUsage(usage)

	choice := apiResp.Choices[0]
	return &llm.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: mapOpenAIFinishReason(choice.FinishReason),
		Usage:        usage,
		Model:        apiResp.Model,
		RequestID:    requestID,
	}, nil
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

// openAIUsage mirrors OpenAI/OpenRouter's usage block:
// prompt_tokens/completion_tokens/total_tokens plus OpenRouter's
// optional cost passthrough field.
type openAIUsage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Cost             *float64 `json:"cost,omitempty"`
}

func mapOpenAIFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonLength
	case "content_filter":
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReasonStop
	}
}

// Stream sends a streaming chat completion request and parses the
// OpenAI/OpenRouter SSE dialect: choices[].delta.content chunks followed
// by a final chunk carrying usage (and OpenRouter's cost passthrough).
func (p *OpenAIProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	requestID := uuid.New().String()
	apiReq := p.buildRequest(req, true)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err), RequestID: requestID}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{Provider: p.name, Message: fmt.Sprintf("create request: %v", err), RequestID: requestID}
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: p.name, Message: fmt.Sprintf("request failed: %v", err), RequestID: requestID}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, p.errorFromBody(resp.StatusCode, respBody, requestID)
	}

	chunks := make(chan llm.StreamChunk, 16)
	go p.processStream(ctx, resp, chunks, requestID)
	return chunks, nil
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (p *OpenAIProvider) processStream(ctx context.Context, resp *http.Response, chunks chan<- llm.StreamChunk, requestID string) {
	defer close(chunks)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	// A trailing usage-only chunk (no choices) may arrive after the final
	// finish_reason chunk when stream_options.include_usage is set; track
	// the latest usage seen so it can be attached wherever finish lands.
	var lastUsage *llm.TokenUsage

	for {
		select {
		case <-ctx.Done():
			chunks <- llm.StreamChunk{RequestID: requestID, Error: ctx.Err(), FinishReason: llm.FinishReasonError}
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return
			}
			chunks <- llm.StreamChunk{RequestID: requestID, Error: fmt.Errorf("stream read error: %w", err), FinishReason: llm.FinishReasonError}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		if event.Usage != nil {
			lastUsage = &llm.TokenUsage{
				InputTokens:  event.Usage.PromptTokens,
				OutputTokens: event.Usage.CompletionTokens,
				TotalTokens:  event.Usage.TotalTokens,
			}
		}

		if len(event.Choices) == 0 {
			if lastUsage != nil {
				chunks <- llm.StreamChunk{RequestID: requestID, Usage: lastUsage}
			}
			continue
		}
		choice := event.Choices[0]

		var finish llm.FinishReason
		if choice.FinishReason != nil {
			finish = mapOpenAIFinishReason(*choice.FinishReason)
		}

		out := llm.StreamChunk{
			RequestID:    requestID,
			Delta:        llm.StreamDelta{Content: choice.Delta.Content},
			FinishReason: finish,
		}
		if choice.FinishReason != nil && lastUsage != nil {
			out.Usage = lastUsage
		}
		chunks <- out
	}
}

func (p *OpenAIProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.name == "openrouter" {
		req.Header.Set("HTTP-Referer", "https://github.com/helpful-bits/plantocode-orchestrator")
		req.Header.Set("X-Title", "plantocode-orchestrator")
	}
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *OpenAIProvider) errorFromBody(statusCode int, body []byte, requestID string) error {
	var errResp openAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &errors.ProviderError{
			Provider:   p.name,
			StatusCode: statusCode,
			Message:    errResp.Error.Message,
			RequestID:  requestID,
		}
	}
	return &errors.ProviderError{
		Provider:   p.name,
		StatusCode: statusCode,
		Message:    fmt.Sprintf("request failed with status %d: %s", statusCode, string(body)),
		RequestID:  requestID,
	}
}

// GetLastUsage implements llm.UsageTrackable.
func (p *OpenAIProvider) GetLastUsage() *llm.TokenUsage {
	p.usageMu.RLock()
	defer p.usageMu.RUnlock()
	if p.lastUsage == nil {
		return nil
	}
	u := *p.lastUsage
	return &u
}

func (p *OpenAIProvider) setLastUsage(usage llm.TokenUsage) {
	p.usageMu.Lock()
	defer p.usageMu.Unlock()
	p.lastUsage = &usage
}

// IsRetryable reports whether err is eligible for fallback dispatch to
// OpenRouter: rate limiting and upstream server errors.
func IsRetryable(err error) bool {
	var provErr *errors.ProviderError
	if !stderrors.As(err, &provErr) {
		return false
	}
	return provErr.StatusCode == http.StatusTooManyRequests || provErr.StatusCode >= 500
}
