package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start main server.
type Profile struct {
	// Unified LLM configuration (OpenAI-compatible protocol)
	LLMProvider string // Provider identifier: openai, deepseek, siliconflow, openrouter, ollama
	LLMAPIKey   string
	LLMBaseURL  string // Optional, has default per provider
	LLMModel    string
	LLMTimeout  int // LLM request timeout in seconds (default: 120)

	// Embedding configuration
	EmbeddingProvider string
	EmbeddingModel    string
	EmbeddingAPIKey   string
	EmbeddingBaseURL  string
	EmbeddingDim      int
	// EmbeddingMaxInputRunes bounds the text sent to the embedding service.
	EmbeddingMaxInputRunes int

	// Retrieval weights
	VectorWeight  float64
	KeywordWeight float64

	// Orchestrator limits
	MaxToolCalls int
	ToolTimeout  time.Duration
	TurnTimeout  time.Duration

	// Per-caller rate limit: RateLimit calls every RateWindow.
	RateLimit  int
	RateWindow time.Duration

	// User similarity cache
	TwinStaleness time.Duration
	TwinSchedule  string // cron spec for full recompute, empty disables
	// BackfillSchedule is the cron spec for embedding missing vectors, empty disables.
	BackfillSchedule string

	// Other configurations
	Mode      string
	DSN       string
	Driver    string
	Version   string
	Addr      string
	Data      string
	LogFormat string // text or json
	Port      int
}

// Provider default configurations for LLM.
// Used when the base URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if the LLM API key is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.LLMAPIKey != "" || p.LLMProvider == "ollama"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("invalid duration in environment, using default", "key", key, "value", value)
	}
	return defaultValue
}

// FromEnv loads AI and engine configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("UNCANNY_AI_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("UNCANNY_AI_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("UNCANNY_AI_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("UNCANNY_AI_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("UNCANNY_AI_LLM_TIMEOUT_SECONDS", 120)

	if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
		slog.Warn("Unknown LLM provider, using default: openai", "provider", p.LLMProvider)
		p.LLMProvider = "openai"
	}
	if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
		if p.LLMBaseURL == "" {
			p.LLMBaseURL = defaults.BaseURL
		}
		if p.LLMModel == "" {
			p.LLMModel = defaults.Model
		}
	}

	p.EmbeddingProvider = getEnvOrDefault("UNCANNY_AI_EMBEDDING_PROVIDER", "siliconflow")
	p.EmbeddingModel = getEnvOrDefault("UNCANNY_AI_EMBEDDING_MODEL", "BAAI/bge-m3")
	p.EmbeddingAPIKey = getEnvOrDefault("UNCANNY_AI_EMBEDDING_API_KEY", "")
	p.EmbeddingBaseURL = getEnvOrDefault("UNCANNY_AI_EMBEDDING_BASE_URL", "https://api.siliconflow.cn/v1")
	p.EmbeddingDim = getEnvOrDefaultInt("UNCANNY_AI_EMBEDDING_DIM", 1024)
	p.EmbeddingMaxInputRunes = getEnvOrDefaultInt("UNCANNY_AI_EMBEDDING_MAX_INPUT", 2000)

	p.VectorWeight = getEnvOrDefaultFloat("UNCANNY_RETRIEVAL_VECTOR_WEIGHT", 0.7)
	p.KeywordWeight = getEnvOrDefaultFloat("UNCANNY_RETRIEVAL_KEYWORD_WEIGHT", 0.3)

	p.MaxToolCalls = getEnvOrDefaultInt("UNCANNY_AGENT_MAX_TOOL_CALLS", 5)
	p.ToolTimeout = getEnvOrDefaultDuration("UNCANNY_AGENT_TOOL_TIMEOUT", 30*time.Second)
	p.TurnTimeout = getEnvOrDefaultDuration("UNCANNY_AGENT_TURN_TIMEOUT", 2*time.Minute)

	p.RateLimit = getEnvOrDefaultInt("UNCANNY_RATE_LIMIT", 30)
	p.RateWindow = getEnvOrDefaultDuration("UNCANNY_RATE_WINDOW", time.Minute)

	p.TwinStaleness = getEnvOrDefaultDuration("UNCANNY_TWIN_STALENESS", 24*time.Hour)
	p.TwinSchedule = getEnvOrDefault("UNCANNY_TWIN_SCHEDULE", "0 3 * * *")
	p.BackfillSchedule = getEnvOrDefault("UNCANNY_EMBEDDING_BACKFILL_SCHEDULE", "*/10 * * * *")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.LogFormat != "json" {
		p.LogFormat = "text"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "uncanny")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/uncanny"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check dsn", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(dataDir, fmt.Sprintf("uncanny_%s.db", p.Mode))
	}

	if p.VectorWeight < 0 || p.KeywordWeight < 0 || p.VectorWeight+p.KeywordWeight == 0 {
		return errors.Errorf("invalid retrieval weights: vector=%v keyword=%v", p.VectorWeight, p.KeywordWeight)
	}
	if p.VectorWeight < p.KeywordWeight {
		slog.Warn("keyword weight exceeds vector weight, vector similarity should dominate",
			"vector", p.VectorWeight, "keyword", p.KeywordWeight)
	}
	if p.RateLimit <= 0 || p.RateWindow <= 0 {
		return errors.Errorf("invalid rate limit: %d per %s", p.RateLimit, p.RateWindow)
	}
	if p.MaxToolCalls <= 0 {
		p.MaxToolCalls = 5
	}

	return nil
}
