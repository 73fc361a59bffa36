// Package providers contains concrete implementations of LLM providers.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/httpclient"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

const (
	// anthropicAPIBaseURL is the base URL for the Anthropic API
	anthropicAPIBaseURL = "https://api.anthropic.com/v1"

	// anthropicAPIVersion is the API version to use
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicProvider implements the Provider interface for Anthropic's
// Claude models. The Messages API separates the system prompt from the
// conversation turns and streams typed SSE events (message_start,
// content_block_delta, message_delta) rather than uniform delta chunks.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	lastUsage  *llm.TokenUsage
	usageMu    sync.RWMutex
}

// NewAnthropicProvider creates a new Anthropic provider instance.
// The apiKey should be retrieved from secure storage (keychain or encrypted config).
func NewAnthropicProvider(apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "anthropic.api_key",
			Reason: "API key is required for Anthropic provider",
		}
	}

	// Retry is left to the LLM retry wrapper (pkg/llm/retry.go) for callers
	// that wrap this provider with it; ProviderConfig disables
	// httpclient's own transport-level retry so the two layers don't both
	// re-drive the same request.
	httpClient, err := httpclient.New(httpclient.ProviderConfig("anthropic"))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &AnthropicProvider{
		apiKey:     apiKey,
		baseURL:    anthropicAPIBaseURL,
		httpClient: httpClient,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// requestIDFor derives the id this provider reports back on
// CompletionResponse.RequestID and attaches to any ProviderError.
// providerproxy.Handler stamps the caller's correlation id onto
// req.Metadata["correlation_id"] before dispatch (see
// internal/providerproxy/handler.go), which is the same id
// pkg/httpclient's transport sends as X-Correlation-ID and the id
// api_usage rows are keyed on; reusing it here means a billing dispute
// or a provider-side incident can be traced by one id across the
// ledger, the HTTP logs, and this provider's errors. Callers that embed
// this package directly, without going through the proxy, get a fresh
// id instead.
func requestIDFor(req llm.CompletionRequest) string {
	if id := req.Metadata["correlation_id"]; id != "" {
		return id
	}
	return uuid.New().String()
}

// Capabilities returns the features supported by this provider.
func (p *AnthropicProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming: true,
		Models:    anthropicModels,
	}
}

// Complete sends a synchronous completion request to the Anthropic Messages API.
func (p *AnthropicProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	requestID := requestIDFor(req)

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "Add at least one message to the completion request",
		}
	}

	apiReq := p.buildAPIRequest(req, false)
	resp, err := p.doRequest(ctx, apiReq, requestID)
	if err != nil {
		return nil, err
	}

	return p.parseResponse(resp, requestID), nil
}

// buildAPIRequest constructs an anthropicRequest from a CompletionRequest.
// System messages are concatenated into the Messages API's dedicated
// system field; user and assistant turns map across directly.
func (p *AnthropicProvider) buildAPIRequest(req llm.CompletionRequest, stream bool) *anthropicRequest {
	model := p.resolveModel(req.Model)

	var systemPrompt string
	var apiMessages []anthropicMessage

	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.MessageRoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content

		case llm.MessageRoleUser, llm.MessageRoleAssistant:
			if msg.Content == "" {
				continue
			}
			apiMessages = append(apiMessages, anthropicMessage{
				Role:    string(msg.Role),
				Content: []anthropicTextContent{{Type: "text", Text: msg.Content}},
			})
		}
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return &anthropicRequest{
		Model:         model,
		Messages:      apiMessages,
		MaxTokens:     maxTokens,
		System:        systemPrompt,
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
		Stream:        stream,
	}
}

// doRequest sends the API request and returns the decoded response body.
func (p *AnthropicProvider) doRequest(ctx context.Context, apiReq *anthropicRequest, requestID string) (*anthropicResponse, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("failed to create request: %v", err),
			RequestID: requestID,
		}
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to read response: %v", err),
			RequestID:  requestID,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.errorFromBody(resp.StatusCode, respBody, requestID)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("failed to parse response: %v", err),
			RequestID: requestID,
		}
	}

	return &apiResp, nil
}

func (p *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

func (p *AnthropicProvider) errorFromBody(statusCode int, body []byte, requestID string) error {
	var errResp anthropicErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &errors.ProviderError{
			Provider:   "anthropic",
			StatusCode: statusCode,
			Message:    errResp.Error.Message,
			Suggestion: p.getSuggestionForError(statusCode, errResp.Error.Type),
			RequestID:  requestID,
		}
	}
	return &errors.ProviderError{
		Provider:   "anthropic",
		StatusCode: statusCode,
		Message:    fmt.Sprintf("API request failed with status %d: %s", statusCode, string(body)),
		RequestID:  requestID,
	}
}

// getSuggestionForError returns a helpful suggestion based on the error type.
func (p *AnthropicProvider) getSuggestionForError(statusCode int, errorType string) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "Check that your API key is valid and correctly configured"
	case http.StatusForbidden:
		return "Your API key may not have access to this model or feature"
	case http.StatusTooManyRequests:
		return "Rate limit exceeded. Consider implementing backoff or reducing request frequency"
	case http.StatusBadRequest:
		if errorType == "invalid_request_error" {
			return "Check the request parameters for errors"
		}
		return "Review the request format and parameters"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return "Anthropic API is experiencing issues. Retry after a short delay"
	default:
		return "Check the Anthropic API documentation for more details"
	}
}

// parseResponse converts an anthropicResponse to a CompletionResponse,
// concatenating the text content blocks.
func (p *AnthropicProvider) parseResponse(resp *anthropicResponse, requestID string) *llm.CompletionResponse {
	var textContent strings.Builder
	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		if textContent.Len() > 0 {
			textContent.WriteString("\n")
		}
		textContent.WriteString(block.Text)
	}

	usage := llm.TokenUsage{
		InputTokens:         resp.Usage.InputTokens,
		OutputTokens:        resp.Usage.OutputTokens,
		TotalTokens:         resp.Usage.InputTokens + resp.Usage.OutputTokens,
		CacheCreationTokens: resp.Usage.CacheCreationTokens,
		CacheReadTokens:     resp.Usage.CacheReadTokens,
	}
	p.setLastUsage(usage)

	return &llm.CompletionResponse{
		Content:      textContent.String(),
		FinishReason: mapAnthropicStopReason(resp.StopReason),
		Usage:        usage,
		Model:        resp.Model,
		RequestID:    requestID,
		Created:      time.Now(),
	}
}

// mapAnthropicStopReason converts Anthropic's stop_reason to our FinishReason.
func mapAnthropicStopReason(stopReason string) llm.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return llm.FinishReasonStop
	case "max_tokens":
		return llm.FinishReasonLength
	case "content_filtered":
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReasonStop
	}
}

// Stream sends a streaming completion request to the Anthropic Messages API.
func (p *AnthropicProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	requestID := requestIDFor(req)

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "Add at least one message to the completion request",
		}
	}

	apiReq := p.buildAPIRequest(req, true)
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("failed to create request: %v", err),
			RequestID: requestID,
		}
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
		}
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

// processStream reads the typed SSE event stream and sends chunks to the
// channel. Text arrives as content_block_delta events; usage and the stop
// reason arrive on message_delta; message_stop ends the stream.
func (p *AnthropicProvider) processStream(ctx context.Context, resp *http.Response, chunks chan<- llm.StreamChunk, requestID string) {
	defer close(chunks)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var totalUsage *llm.TokenUsage

	for {
		select {
		case <-ctx.Done():
			chunks <- llm.StreamChunk{
				RequestID:    requestID,
				Error:        ctx.Err(),
				FinishReason: llm.FinishReasonError,
			}
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if totalUsage != nil {
					p.setLastUsage(*totalUsage)
				}
				return
			}
			chunks <- llm.StreamChunk{
				RequestID:    requestID,
				Error:        fmt.Errorf("stream read error: %w", err),
				FinishReason: llm.FinishReasonError,
			}
			return
		}

		// Parse SSE format: "event: <type>\ndata: <json>\n\n". The event
		// type is repeated inside the data payload, so the event: lines
		// are skipped.
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			deltaType, _ := event.Delta["type"].(string)
			if deltaType != "text_delta" {
				continue
			}
			text, _ := event.Delta["text"].(string)
			if text != "" {
				chunks <- llm.StreamChunk{
					RequestID: requestID,
					Delta:     llm.StreamDelta{Content: text},
				}
			}

		case "message_delta":
			if event.Delta != nil {
				if stopReason, _ := event.Delta["stop_reason"].(string); stopReason != "" {
					chunks <- llm.StreamChunk{
						RequestID:    requestID,
						FinishReason: mapAnthropicStopReason(stopReason),
					}
				}
			}
			if event.Usage != nil {
				totalUsage = &llm.TokenUsage{
					InputTokens:         event.Usage.InputTokens,
					OutputTokens:        event.Usage.OutputTokens,
					TotalTokens:         event.Usage.InputTokens + event.Usage.OutputTokens,
					CacheCreationTokens: event.Usage.CacheCreationTokens,
					CacheReadTokens:     event.Usage.CacheReadTokens,
				}
				chunks <- llm.StreamChunk{
					RequestID: requestID,
					Usage:     totalUsage,
				}
			}

		case "message_stop":
			if totalUsage != nil {
				p.setLastUsage(*totalUsage)
			}
			return

		case "error":
			errMsg := "unknown streaming error"
			if event.Delta != nil {
				if msg, ok := event.Delta["message"].(string); ok {
					errMsg = msg
				}
			}
			chunks <- llm.StreamChunk{
				RequestID: requestID,
				Error: &errors.ProviderError{
					Provider:  "anthropic",
					Message:   errMsg,
					RequestID: requestID,
				},
				FinishReason: llm.FinishReasonError,
			}
			return
		}
	}
}

// GetLastUsage returns the token usage from the most recent request.
// Implements the UsageTrackable interface for cost tracking.
func (p *AnthropicProvider) GetLastUsage() *llm.TokenUsage {
	p.usageMu.RLock()
	defer p.usageMu.RUnlock()

	if p.lastUsage == nil {
		return nil
	}

	usage := *p.lastUsage
	return &usage
}

// setLastUsage updates the cached usage from a response.
func (p *AnthropicProvider) setLastUsage(usage llm.TokenUsage) {
	p.usageMu.Lock()
	defer p.usageMu.Unlock()
	p.lastUsage = &usage
}

// resolveModel converts a tier or model ID to an Anthropic model ID.
func (p *AnthropicProvider) resolveModel(modelOrTier string) string {
	switch llm.ModelTier(modelOrTier) {
	case llm.ModelTierFast:
		return "claude-3-5-haiku-20241022"
	case llm.ModelTierBalanced:
		return "claude-3-5-sonnet-20241022"
	case llm.ModelTierStrategic:
		return "claude-3-opus-20240229"
	}

	// Otherwise assume it's a specific model ID
	return modelOrTier
}

// GetModelInfo returns the ModelInfo for a given model ID.
func (p *AnthropicProvider) GetModelInfo(modelID string) (*llm.ModelInfo, error) {
	for i := range anthropicModels {
		if anthropicModels[i].ID == modelID {
			return &anthropicModels[i], nil
		}
	}
	return nil, &errors.NotFoundError{
		Resource: "model",
		ID:       modelID,
	}
}

// anthropicModels contains metadata for all Claude models.
var anthropicModels = []llm.ModelInfo{
	{
		ID:              "claude-3-5-haiku-20241022",
		Name:            "Claude 3.5 Haiku",
		Tier:            llm.ModelTierFast,
		MaxTokens:       200000,
		MaxOutputTokens: 8192,
		SupportsVision:  true,
		Description:     "Fast and cost-effective for simple tasks and high-volume requests.",
	},
	{
		ID:              "claude-3-5-sonnet-20241022",
		Name:            "Claude 3.5 Sonnet",
		Tier:            llm.ModelTierBalanced,
		MaxTokens:       200000,
		MaxOutputTokens: 8192,
		SupportsVision:  true,
		Description:     "Balanced capability and cost for most general-purpose tasks.",
	},
	{
		ID:              "claude-3-opus-20240229",
		Name:            "Claude 3 Opus",
		Tier:            llm.ModelTierStrategic,
		MaxTokens:       200000,
		MaxOutputTokens: 4096,
		SupportsVision:  true,
		Description:     "Maximum capability for complex reasoning and expert tasks.",
	},
}

// anthropicRequest represents the request body for the Anthropic Messages API.
type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

// anthropicMessage represents a message in the Anthropic API format.
type anthropicMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicTextContent `json:"content"`
}

// anthropicTextContent represents a text content block.
type anthropicTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicResponse represents the response from the Anthropic Messages API.
type anthropicResponse struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Role         string                 `json:"role"`
	Content      []anthropicTextContent `json:"content"`
	Model        string                 `json:"model"`
	StopReason   string                 `json:"stop_reason"`
	StopSequence *string                `json:"stop_sequence,omitempty"`
	Usage        anthropicUsage         `json:"usage"`
}

// anthropicUsage represents token usage in the Anthropic API response.
type anthropicUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// anthropicErrorResponse represents an error response from the Anthropic API.
type anthropicErrorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicStreamEvent represents a streaming event from the Anthropic API.
type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index,omitempty"`
	ContentBlock map[string]interface{} `json:"content_block,omitempty"`
	Delta        map[string]interface{} `json:"delta,omitempty"`
	Message      *anthropicResponse     `json:"message,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
}
