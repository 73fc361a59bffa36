package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	coreerrors "github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// fileModelConfig mirrors ModelConfig with plain float64/int fields so
// it round-trips through YAML without money.Amount's custom marshaling.
type fileModelConfig struct {
	ModelID         string   `yaml:"model_id"`
	Temperature     *float64 `yaml:"temperature,omitempty"`
	MaxOutputTokens *int     `yaml:"max_output_tokens,omitempty"`
}

func (f fileModelConfig) toModelConfig() ModelConfig {
	return ModelConfig{ModelID: f.ModelID, Temperature: f.Temperature, MaxOutputTokens: f.MaxOutputTokens}
}

type filePricing struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

func (f filePricing) toPricing() Pricing {
	return Pricing{
		InputPerMillion:  money.FromFloat(f.InputPerMillion),
		OutputPerMillion: money.FromFloat(f.OutputPerMillion),
	}
}

// fileConfig is the on-disk shape of the server's model configuration
// file: a flat YAML struct unmarshaled directly with gopkg.in/yaml.v3.
type fileConfig struct {
	Defaults map[string]fileModelConfig `yaml:"defaults"`
	Fallback fileModelConfig            `yaml:"fallback"`
	Pricing  map[string]filePricing     `yaml:"pricing"`
}

// LoadFile reads a server model-configuration file from path and builds
// a Resolver from it. A missing, unreadable or unparsable file is
// returned as a ConfigError; tests that need a Resolver without a file
// construct one from literals with NewResolver instead.
func LoadFile(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &coreerrors.ConfigError{Key: path, Reason: "reading config file", Cause: err}
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, &coreerrors.ConfigError{Key: path, Reason: "parsing config file", Cause: err}
	}

	defaults := make(map[TaskKind]ModelConfig, len(fc.Defaults))
	for task, mc := range fc.Defaults {
		defaults[TaskKind(task)] = mc.toModelConfig()
	}
	pricing := make(map[string]Pricing, len(fc.Pricing))
	for model, p := range fc.Pricing {
		pricing[model] = p.toPricing()
	}

	return NewResolver(defaults, fc.Fallback.toModelConfig(), pricing), nil
}

// reloadDebounce is the minimum interval between two fsnotify-triggered
// reloads of the same file, so rapid successive writes (e.g. an editor's
// save-then-rewrite) collapse into a single reload.
const reloadDebounce = 250 * time.Millisecond

// WatchFile reloads r from path whenever the file changes on disk: a
// single fsnotify.Watcher goroutine calling back into the in-memory
// Resolver rather than requiring a process restart. The watcher stops
// when stop closes.
func WatchFile(path string, r *Resolver, log *slog.Logger, stop <-chan struct{}) error {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &coreerrors.ConfigError{Key: path, Reason: "starting config watcher", Cause: err}
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return &coreerrors.ConfigError{Key: path, Reason: "watching config file", Cause: err}
	}

	go func() {
		defer watcher.Close()
		var lastReload time.Time
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if time.Since(lastReload) < reloadDebounce {
					continue
				}
				lastReload = time.Now()

				reloaded, err := LoadFile(path)
				if err != nil {
					log.Error("config: reload failed, keeping previous configuration", "path", path, "error", err)
					continue
				}
				r.Swap(reloaded.defaults, reloaded.fallback, reloaded.pricing)
				log.Info("config: reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("config: watcher error", "path", path, "error", err)
			}
		}
	}()
	return nil
}
