package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"opspilot/internal/config"
)

// Provider produces a semantic embedding for a text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewProvider builds the configured embedding provider.
func NewProvider(cfg config.EmbeddingsConfig) (Provider, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "openai":
		client := &OpenAIClient{
			APIBase: cfg.APIBase,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		}
		if cfg.TimeoutMS > 0 {
			client.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider: %s", provider)
	}
}
