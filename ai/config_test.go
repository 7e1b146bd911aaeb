package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/uncanny/internal/profile"
)

func testProfile() *profile.Profile {
	return &profile.Profile{
		LLMProvider:            "deepseek",
		LLMAPIKey:              "deepseek-key",
		LLMBaseURL:             "https://api.deepseek.com",
		LLMModel:               "deepseek-chat",
		LLMTimeout:             60,
		EmbeddingProvider:      "siliconflow",
		EmbeddingModel:         "BAAI/bge-m3",
		EmbeddingAPIKey:        "test-key",
		EmbeddingBaseURL:       "https://api.siliconflow.cn/v1",
		EmbeddingDim:           1024,
		EmbeddingMaxInputRunes: 2000,
		VectorWeight:           0.7,
		KeywordWeight:          0.3,
		MaxToolCalls:           3,
		ToolTimeout:            10 * time.Second,
		TurnTimeout:            time.Minute,
	}
}

func TestNewConfigFromProfile(t *testing.T) {
	cfg := NewConfigFromProfile(testProfile())

	assert.True(t, cfg.LLMEnabled)
	assert.True(t, cfg.EmbeddingEnabled)
	assert.Equal(t, "deepseek-chat", cfg.LLM.Model)
	assert.Equal(t, 60, cfg.LLM.Timeout)
	assert.Equal(t, "BAAI/bge-m3", cfg.Embedding.Model)
	assert.Equal(t, 1024, cfg.Embedding.Dimensions)
	assert.Equal(t, 1, cfg.Embedding.MaxRetries)
	assert.Equal(t, 0.7, cfg.Weights.Vector)
	assert.Equal(t, 3, cfg.Orchestrator.MaxToolCalls)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.ToolTimeout)
	assert.Equal(t, time.Minute, cfg.Orchestrator.TurnTimeout)
	require.NoError(t, cfg.Validate())
}

func TestNewConfigFromProfile_Disabled(t *testing.T) {
	p := testProfile()
	p.LLMAPIKey = ""
	p.EmbeddingAPIKey = ""
	p.MaxToolCalls = 0

	cfg := NewConfigFromProfile(p)
	assert.False(t, cfg.LLMEnabled)
	assert.False(t, cfg.EmbeddingEnabled)
	assert.Equal(t, 5, cfg.Orchestrator.MaxToolCalls)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing llm model", func(c *Config) { c.LLM.Model = "" }},
		{"missing embedding dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"zero weights", func(c *Config) { c.Weights.Vector, c.Weights.Keyword = 0, 0 }},
		{"tool timeout beyond turn", func(c *Config) { c.Orchestrator.ToolTimeout = time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfigFromProfile(testProfile())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
