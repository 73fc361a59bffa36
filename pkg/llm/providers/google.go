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
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/httpclient"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// googleAPIBaseURL is the base URL for the Gemini generative language API.
const googleAPIBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleProvider implements the Provider interface for Google's Gemini
// models. Unlike Anthropic and OpenAI, authentication is a query-string
// API key rather than a header, and each SSE data line of a stream is a
// complete response object rather than a typed event.
type GoogleProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	lastUsage  *llm.TokenUsage
	usageMu    sync.RWMutex
}

// NewGoogleProvider creates a new Gemini provider instance.
func NewGoogleProvider(apiKey string) (*GoogleProvider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "google.api_key",
			Reason: "API key is required for google provider",
		}
	}

	httpClient, err := httpclient.New(httpclient.ProviderConfig("google"))
	if err != nil {
		return nil, &errors.ConfigError{Key: "google.http_client", Reason: err.Error(), Cause: err}
	}

	return &GoogleProvider{apiKey: apiKey, baseURL: googleAPIBaseURL, httpClient: httpClient}, nil
}

// Name returns the provider identifier.
func (p *GoogleProvider) Name() string { return "google" }

// Capabilities returns the features supported by this provider.
func (p *GoogleProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, Models: googleModels}
}

var googleModels = []llm.ModelInfo{
	{
		ID:                    "gemini-1.5-pro",
		Name:                  "Gemini 1.5 Pro",
		Tier:                  llm.ModelTierStrategic,
		MaxTokens:             2_097_152,
		MaxOutputTokens:       8192,
		InputPricePerMillion:  1.25,
		OutputPricePerMillion: 5.00,
		SupportsVision:        true,
		Description:           "Largest context window in the catalog; best for broad repository context.",
	},
	{
		ID:                    "gemini-1.5-flash",
		Name:                  "Gemini 1.5 Flash",
		Tier:                  llm.ModelTierFast,
		MaxTokens:             1_048_576,
		MaxOutputTokens:       8192,
		InputPricePerMillion:  0.075,
		OutputPricePerMillion: 0.30,
		SupportsVision:        true,
		Description:           "Low-latency, low-cost model for high-volume simple tasks.",
	},
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text,omitempty"`
}

type googleGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type googleRequest struct {
	Contents          []googleContent         `json:"contents"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
}

// toGoogleContents separates a system message (Gemini models it outside
// the conversation turns) from the rest, and maps "assistant" -> "model"
// since that is the role name the Gemini API expects.
func toGoogleContents(msgs []llm.Message) ([]googleContent, *googleContent) {
	var system *googleContent
	out := make([]googleContent, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.MessageRoleSystem {
			s := googleContent{Parts: []googlePart{{Text: m.Content}}}
			system = &s
			continue
		}
		role := "user"
		if m.Role == llm.MessageRoleAssistant {
			role = "model"
		}
		out = append(out, googleContent{Role: role, Parts: []googlePart{{Text: m.Content}}})
	}
	return out, system
}

func (p *GoogleProvider) buildRequest(req llm.CompletionRequest) googleRequest {
	contents, system := toGoogleContents(req.Messages)
	apiReq := googleRequest{
		Contents:          contents,
		SystemInstruction: system,
	}
	if req.Temperature != nil || req.MaxTokens != nil || len(req.StopSequences) > 0 {
		apiReq.GenerationConfig = &googleGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.StopSequences,
		}
	}
	return apiReq
}

type googleCandidate struct {
	Content      googleContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type googleUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type googleResponse struct {
	Candidates    []googleCandidate    `json:"candidates"`
	UsageMetadata *googleUsageMetadata `json:"usageMetadata"`
}

// Complete sends a synchronous generateContent request.
func (p *GoogleProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	requestID := uuid.New().String()

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "Add at least one message to the completion request",
		}
	}

	apiReq := p.buildRequest(req)
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "google", Message: fmt.Sprintf("marshal request: %v", err), RequestID: requestID}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, req.Model, url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{Provider: "google", Message: fmt.Sprintf("create request: %v", err), RequestID: requestID}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "google", Message: fmt.Sprintf("request failed: %v", err), RequestID: requestID}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, p.errorFromBody(resp.StatusCode, respBody, requestID)
	}

	var apiResp googleResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{Provider: "google", Message: fmt.Sprintf("decode response: %v", err), RequestID: requestID}
	}
	if len(apiResp.Candidates) == 0 {
		return nil, &errors.ProviderError{Provider: "google", Message: "response contained no candidates", RequestID: requestID}
	}

	usage := llm.TokenUsage{}
	if apiResp.UsageMetadata != nil {
		usage = llm.TokenUsage{
			InputTokens:  apiResp.UsageMetadata.PromptTokenCount,
			OutputTokens: apiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  apiResp.UsageMetadata.TotalTokenCount,
		}
	}
	p.setLastUsage(usage)

	candidate := apiResp.Candidates[0]

	return &llm.CompletionResponse{
		Content:      flattenGoogleParts(candidate.Content.Parts),
		FinishReason: mapGoogleFinishReason(candidate.FinishReason),
		Usage:        usage,
		Model:        req.Model,
		RequestID:    requestID,
	}, nil
}

func flattenGoogleParts(parts []googlePart) string {
	var text strings.Builder
	for _, part := range parts {
		text.WriteString(part.Text)
	}
	return text.String()
}

func mapGoogleFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "STOP":
		return llm.FinishReasonStop
	case "MAX_TOKENS":
		return llm.FinishReasonLength
	case "SAFETY", "RECITATION":
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReasonStop
	}
}

// Stream sends a streamGenerateContent request. Google's SSE dialect
// differs from OpenAI's and Anthropic's: each `data:` line is a complete
// GenerateContentResponse JSON object (the same shape as the
// non-streaming response), not an incremental delta keyed by type, so
// each candidate's text is itself the chunk to emit, and usage metadata
// only appears reliably on the final object.
func (p *GoogleProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	requestID := uuid.New().String()

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "Add at least one message to the completion request",
		}
	}

	apiReq := p.buildRequest(req)
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "google", Message: fmt.Sprintf("marshal request: %v", err), RequestID: requestID}
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, req.Model, url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{Provider: "google", Message: fmt.Sprintf("create request: %v", err), RequestID: requestID}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "google", Message: fmt.Sprintf("request failed: %v", err), RequestID: requestID}
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

func (p *GoogleProvider) processStream(ctx context.Context, resp *http.Response, chunks chan<- llm.StreamChunk, requestID string) {
	defer close(chunks)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var totalUsage *llm.TokenUsage

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
				if totalUsage != nil {
					p.setLastUsage(*totalUsage)
				}
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
		if data == "" {
			continue
		}

		var event googleResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		if event.UsageMetadata != nil {
			totalUsage = &llm.TokenUsage{
				InputTokens:  event.UsageMetadata.PromptTokenCount,
				OutputTokens: event.UsageMetadata.CandidatesTokenCount,
				TotalTokens:  event.UsageMetadata.TotalTokenCount,
			}
		}

		if len(event.Candidates) == 0 {
			continue
		}
		candidate := event.Candidates[0]

		out := llm.StreamChunk{RequestID: requestID, Delta: llm.StreamDelta{Content: flattenGoogleParts(candidate.Content.Parts)}}
		if candidate.FinishReason != "" {
			out.FinishReason = mapGoogleFinishReason(candidate.FinishReason)
			if totalUsage != nil {
				out.Usage = totalUsage
			}
		}
		chunks <- out
	}
}

type googleErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *GoogleProvider) errorFromBody(statusCode int, body []byte, requestID string) error {
	var errResp googleErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &errors.ProviderError{
			Provider:   "google",
			Code:       errResp.Error.Code,
			StatusCode: statusCode,
			Message:    errResp.Error.Message,
			RequestID:  requestID,
		}
	}
	return &errors.ProviderError{
		Provider:   "google",
		StatusCode: statusCode,
		Message:    fmt.Sprintf("request failed with status %d: %s", statusCode, string(body)),
		RequestID:  requestID,
	}
}

// GetLastUsage implements llm.UsageTrackable.
func (p *GoogleProvider) GetLastUsage() *llm.TokenUsage {
	p.usageMu.RLock()
	defer p.usageMu.RUnlock()
	if p.lastUsage == nil {
		return nil
	}
	u := *p.lastUsage
	return &u
}

func (p *GoogleProvider) setLastUsage(usage llm.TokenUsage) {
	p.usageMu.Lock()
	defer p.usageMu.Unlock()
	p.lastUsage = &usage
}
