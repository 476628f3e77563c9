package llm

import (
	"fmt"
	"log/slog"

	"github.com/nugget/mcpagent/internal/metrics"
)

// Provider names accepted by New.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderScripted  = "scripted"
)

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider  string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// New builds the configured provider behind a MultiClient. The
// scripted provider is always registered, so the model name "scripted"
// works regardless of the configured provider.
func New(cfg ProviderConfig, m *metrics.Metrics, logger *slog.Logger) (*MultiClient, error) {
	var primary Client
	switch cfg.Provider {
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		primary = NewAnthropicClient(AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
			Logger:    logger,
		})
	case ProviderOpenAI:
		primary = NewOpenAIClient(OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
			Logger:    logger,
		})
	case ProviderOllama:
		primary = NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Logger: logger})
	case ProviderScripted, "":
		primary = NewScriptedClient()
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	multi := NewMultiClient(WithMetrics(primary, m))
	multi.AddProvider(ProviderScripted, WithMetrics(NewScriptedClient(), m))
	multi.AddModel(ProviderScripted, ProviderScripted)
	return multi, nil
}
