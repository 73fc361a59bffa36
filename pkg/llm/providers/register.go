// Package providers registers all built-in LLM provider factories.
//
// Import this package to register all provider factories with the global registry:
//
//	import _ "github.com/helpful-bits/plantocode-orchestrator/pkg/llm/providers"
//
// This registers factories but does not instantiate providers.
// Call llm.Activate() to instantiate providers based on configuration.
package providers

import (
	"fmt"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

func init() {
	// Factories are registered at import time but not instantiated.
	// Call llm.Activate() to instantiate based on config.
	llm.RegisterFactory("anthropic", newAnthropicFromCredentials)
	llm.RegisterFactory("openai", newOpenAIFromCredentials)
	llm.RegisterFactory("openrouter", newOpenRouterFromCredentials)
	llm.RegisterFactory("google", newGoogleFromCredentials)
}

func asAPIKeyCredentials(name string, creds llm.Credentials) (llm.APIKeyCredentials, error) {
	apiCreds, ok := creds.(llm.APIKeyCredentials)
	if !ok {
		return llm.APIKeyCredentials{}, fmt.Errorf("%s provider requires APIKeyCredentials, got %T", name, creds)
	}
	if err := apiCreds.Validate(); err != nil {
		return llm.APIKeyCredentials{}, err
	}
	return apiCreds, nil
}

func newAnthropicFromCredentials(creds llm.Credentials) (llm.Provider, error) {
	apiCreds, err := asAPIKeyCredentials("anthropic", creds)
	if err != nil {
		return nil, err
	}
	return NewAnthropicProvider(apiCreds.APIKey)
}

func newOpenAIFromCredentials(creds llm.Credentials) (llm.Provider, error) {
	apiCreds, err := asAPIKeyCredentials("openai", creds)
	if err != nil {
		return nil, err
	}
	return NewOpenAIProvider(apiCreds.APIKey)
}

func newOpenRouterFromCredentials(creds llm.Credentials) (llm.Provider, error) {
	apiCreds, err := asAPIKeyCredentials("openrouter", creds)
	if err != nil {
		return nil, err
	}
	return NewOpenRouterProvider(apiCreds.APIKey)
}

func newGoogleFromCredentials(creds llm.Credentials) (llm.Provider, error) {
	apiCreds, err := asAPIKeyCredentials("google", creds)
	if err != nil {
		return nil, err
	}
	return NewGoogleProvider(apiCreds.APIKey)
}
