// Package ai assembles the engine configuration from the server profile.
package ai

import (
	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/ai/agents/orchestrator"
	"github.com/hrygo/uncanny/ai/core/embedding"
	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/ai/core/retrieval"
	"github.com/hrygo/uncanny/internal/profile"
)

// Config is the configuration of every engine component.
type Config struct {
	LLM          llm.Config
	Embedding    embedding.Config
	Weights      retrieval.Weights
	Orchestrator orchestrator.Config
	// LLMEnabled gates the orchestrator. Retrieval, detectors and twins work without it.
	LLMEnabled bool
	// EmbeddingEnabled gates the vector signal; keyword retrieval still works without it.
	EmbeddingEnabled bool
}

// NewConfigFromProfile creates the engine config from profile.
func NewConfigFromProfile(p *profile.Profile) *Config {
	cfg := &Config{
		LLMEnabled:       p.IsAIEnabled(),
		EmbeddingEnabled: p.EmbeddingAPIKey != "" || p.EmbeddingProvider == "ollama",
		LLM: llm.Config{
			Provider:  p.LLMProvider,
			Model:     p.LLMModel,
			APIKey:    p.LLMAPIKey,
			BaseURL:   p.LLMBaseURL,
			MaxTokens: 2048,
			Timeout:   p.LLMTimeout,
		},
		Embedding: embedding.Config{
			Model:         p.EmbeddingModel,
			APIKey:        p.EmbeddingAPIKey,
			BaseURL:       p.EmbeddingBaseURL,
			Dimensions:    p.EmbeddingDim,
			MaxInputRunes: p.EmbeddingMaxInputRunes,
			MaxRetries:    1,
		},
		Weights: retrieval.Weights{Vector: p.VectorWeight, Keyword: p.KeywordWeight},
	}

	cfg.Orchestrator = orchestrator.DefaultConfig()
	if p.MaxToolCalls > 0 {
		cfg.Orchestrator.MaxToolCalls = p.MaxToolCalls
	}
	if p.ToolTimeout > 0 {
		cfg.Orchestrator.ToolTimeout = p.ToolTimeout
	}
	if p.TurnTimeout > 0 {
		cfg.Orchestrator.TurnTimeout = p.TurnTimeout
	}
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLMEnabled && c.LLM.Model == "" {
		return errors.New("LLM model is required")
	}
	if c.EmbeddingEnabled {
		if c.Embedding.Model == "" {
			return errors.New("embedding model is required")
		}
		if c.Embedding.Dimensions <= 0 {
			return errors.Errorf("invalid embedding dimensions: %d", c.Embedding.Dimensions)
		}
	}
	if c.Weights.Vector < 0 || c.Weights.Keyword < 0 || c.Weights.Vector+c.Weights.Keyword == 0 {
		return errors.Errorf("invalid retrieval weights: %+v", c.Weights)
	}
	if c.Orchestrator.ToolTimeout > c.Orchestrator.TurnTimeout {
		return errors.Errorf("tool timeout %s exceeds turn timeout %s", c.Orchestrator.ToolTimeout, c.Orchestrator.TurnTimeout)
	}
	return nil
}
