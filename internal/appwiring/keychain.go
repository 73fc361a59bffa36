package appwiring

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keychainService is the service name API keys are stored under in the
// OS credential store. One fixed service name for the whole product.
const keychainService = "plantocode-orchestrator"

// apiKeyFromKeychain looks up provider's API key in the OS keychain
// (macOS Keychain, Secret Service, Windows Credential Manager). A
// missing entry is not an error here: callers fall back to the
// environment-variable source.
func apiKeyFromKeychain(provider string) (string, bool) {
	value, err := keyring.Get(keychainService, provider)
	if err != nil {
		return "", false
	}
	return value, true
}

// StoreAPIKey saves provider's API key in the OS keychain, for the
// setup flow that lets an operator register credentials once instead of
// exporting an environment variable in every shell.
func StoreAPIKey(provider, apiKey string) error {
	if err := keyring.Set(keychainService, provider, apiKey); err != nil {
		return fmt.Errorf("appwiring: storing %s API key in keychain: %w", provider, err)
	}
	return nil
}

// ErrNoCredential is returned by lookups that find the key in neither
// the keychain nor the environment.
var ErrNoCredential = errors.New("appwiring: no credential found")
