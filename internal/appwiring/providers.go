// Package appwiring holds the small pieces of startup logic shared by
// internal/agentapp and internal/serverapp, keeping each of those
// packages focused on its own collaborator graph.
package appwiring

import (
	"log/slog"
	"os"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// providerEnvKeys maps a registered provider name to the environment
// variable its API key is read from.
var providerEnvKeys = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"google":     "GOOGLE_API_KEY",
}

// ActivateProvidersFromEnv activates every registered provider whose API
// key is available, preferring the OS keychain (set once via
// StoreAPIKey) over the provider's environment variable, logging and
// skipping the rest. A process only needs the providers its own model
// configuration actually references, so a missing key is not fatal here.
func ActivateProvidersFromEnv(registry *llm.Registry, log *slog.Logger) {
	for name, envKey := range providerEnvKeys {
		apiKey, ok := apiKeyFromKeychain(name)
		if !ok {
			apiKey = os.Getenv(envKey)
			if apiKey == "" {
				continue
			}
		}
		creds := llm.APIKeyCredentials{APIKey: apiKey, BaseURL: os.Getenv(envKey + "_BASE_URL")}
		if err := registry.Activate(name, creds); err != nil {
			log.Error("appwiring: activating provider", "provider", name, "error", err)
			continue
		}
		log.Info("appwiring: activated provider", "provider", name)
	}
}
