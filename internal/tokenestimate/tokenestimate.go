// Package tokenestimate is the provider proxy's token estimator: given a model id
// and the composed messages, estimate the input token count before
// dispatch so the provider proxy can reserve credit ahead of the actual
// provider call.
//
// Counting uses github.com/pkoukk/tiktoken-go; none of the supported
// providers publish an official tokenizer for Go, so the estimate is an
// approximation that reconciliation later corrects.
package tokenestimate

import (
	"context"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// Estimator counts tokens for a set of messages against a model.
type Estimator interface {
	Estimate(ctx context.Context, modelID string, messages []llm.Message) (int, error)
}

// defaultEncoding is the tiktoken encoding used for every model id; no
// per-model mapping is kept. None of our supported providers (Anthropic, Google,
// OpenRouter-relayed models) publish an official tiktoken encoding, so
// cl100k_base is used uniformly as a calibrated approximation; usage
// reconciliation always corrects against the provider's own reported usage.
const defaultEncoding = "cl100k_base"

// TiktokenEstimator wraps a cached tiktoken.Tiktoken encoder.
type TiktokenEstimator struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator constructs an Estimator, lazily initializing the
// encoder on first use.
func NewTiktokenEstimator() *TiktokenEstimator {
	return &TiktokenEstimator{}
}

func (e *TiktokenEstimator) encoder() (*tiktoken.Tiktoken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc != nil {
		return e.enc, nil
	}
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, err
	}
	e.enc = enc
	return enc, nil
}

func (e *TiktokenEstimator) Estimate(ctx context.Context, modelID string, messages []llm.Message) (int, error) {
	enc, err := e.encoder()
	if err != nil {
		// Fall back to a char/4 heuristic rather than fail the request;
		// reconciliation against the provider's real usage corrects drift.
		return heuristicEstimate(messages), nil
	}

	total := 0
	for _, m := range messages {
		// Per-message overhead roughly matching OpenAI's documented
		// chat-format token accounting (role + separator tokens).
		total += 4
		total += len(enc.Encode(string(m.Role), nil, nil))
		total += len(enc.Encode(m.Content, nil, nil))
	}
	total += 2 // priming tokens for the assistant's reply
	return total, nil
}

// CountText counts tokens in a bare text fragment, without any chat
// framing overhead. The streaming handler uses this to keep a running
// received-token estimate per content delta, so a canceled stream still
// reports how much it got before the provider's trailing usage block
// could arrive.
func (e *TiktokenEstimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	enc, err := e.encoder()
	if err != nil {
		return len(text)/4 + 1
	}
	return len(enc.Encode(text, nil, nil))
}

func heuristicEstimate(messages []llm.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(strings.TrimSpace(m.Content)) + len(m.Role)
	}
	return chars/4 + 1
}
