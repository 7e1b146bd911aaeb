package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProfileDefaults checks defaults applied by FromEnv with a clean environment.
func TestProfileDefaults(t *testing.T) {
	clearEnv(t)

	profile := &Profile{}
	profile.FromEnv()

	tests := []struct {
		name     string
		expected any
		actual   any
	}{
		{"LLMProvider default", "openai", profile.LLMProvider},
		{"LLMBaseURL from provider", "https://api.openai.com/v1", profile.LLMBaseURL},
		{"LLMModel from provider", "gpt-4o-mini", profile.LLMModel},
		{"EmbeddingModel default", "BAAI/bge-m3", profile.EmbeddingModel},
		{"EmbeddingMaxInputRunes default", 2000, profile.EmbeddingMaxInputRunes},
		{"VectorWeight default", 0.7, profile.VectorWeight},
		{"KeywordWeight default", 0.3, profile.KeywordWeight},
		{"MaxToolCalls default", 5, profile.MaxToolCalls},
		{"ToolTimeout default", 30 * time.Second, profile.ToolTimeout},
		{"TurnTimeout default", 2 * time.Minute, profile.TurnTimeout},
		{"RateWindow default", time.Minute, profile.RateWindow},
		{"TwinStaleness default", 24 * time.Hour, profile.TwinStaleness},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.actual)
		})
	}
	assert.False(t, profile.IsAIEnabled())
}

// TestProfileFromEnv checks that environment variables override defaults.
func TestProfileFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("UNCANNY_AI_LLM_PROVIDER", "deepseek")
	t.Setenv("UNCANNY_AI_LLM_API_KEY", "test-key")
	t.Setenv("UNCANNY_RATE_LIMIT", "7")
	t.Setenv("UNCANNY_AGENT_TOOL_TIMEOUT", "5s")
	t.Setenv("UNCANNY_TWIN_STALENESS", "not-a-duration")

	profile := &Profile{}
	profile.FromEnv()

	assert.Equal(t, "deepseek", profile.LLMProvider)
	assert.Equal(t, "https://api.deepseek.com", profile.LLMBaseURL)
	assert.Equal(t, "deepseek-chat", profile.LLMModel)
	assert.True(t, profile.IsAIEnabled())
	assert.Equal(t, 7, profile.RateLimit)
	assert.Equal(t, 5*time.Second, profile.ToolTimeout)
	assert.Equal(t, 24*time.Hour, profile.TwinStaleness, "invalid duration falls back to default")
}

func TestProfileUnknownProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("UNCANNY_AI_LLM_PROVIDER", "nope")

	profile := &Profile{}
	profile.FromEnv()

	assert.Equal(t, "openai", profile.LLMProvider)
}

func TestProfileValidate(t *testing.T) {
	clearEnv(t)

	t.Run("sqlite dsn derived from data dir", func(t *testing.T) {
		p := &Profile{Mode: "weird", Driver: "sqlite", Data: t.TempDir()}
		p.FromEnv()
		require.NoError(t, p.Validate())
		assert.Equal(t, "demo", p.Mode)
		assert.Equal(t, "text", p.LogFormat)
		assert.Contains(t, p.DSN, "uncanny_demo.db")
	})

	t.Run("rejects zero weights", func(t *testing.T) {
		p := &Profile{Mode: "dev", Data: t.TempDir()}
		p.FromEnv()
		p.VectorWeight, p.KeywordWeight = 0, 0
		assert.Error(t, p.Validate())
	})

	t.Run("rejects missing data dir", func(t *testing.T) {
		p := &Profile{Mode: "dev", Data: "/definitely/not/here"}
		p.FromEnv()
		assert.Error(t, p.Validate())
	})
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"UNCANNY_AI_LLM_PROVIDER",
		"UNCANNY_AI_LLM_API_KEY",
		"UNCANNY_AI_LLM_BASE_URL",
		"UNCANNY_AI_LLM_MODEL",
		"UNCANNY_AI_EMBEDDING_MODEL",
		"UNCANNY_AI_EMBEDDING_MAX_INPUT",
		"UNCANNY_RETRIEVAL_VECTOR_WEIGHT",
		"UNCANNY_RETRIEVAL_KEYWORD_WEIGHT",
		"UNCANNY_AGENT_MAX_TOOL_CALLS",
		"UNCANNY_AGENT_TOOL_TIMEOUT",
		"UNCANNY_AGENT_TURN_TIMEOUT",
		"UNCANNY_RATE_LIMIT",
		"UNCANNY_RATE_WINDOW",
		"UNCANNY_TWIN_STALENESS",
	} {
		t.Setenv(key, "")
	}
}
