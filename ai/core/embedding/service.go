// Package embedding turns narratives and queries into vectors.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/hrygo/uncanny/ai/cache"
	"github.com/hrygo/uncanny/internal/apperrors"
)

// Service is the vector embedding service interface.
type Service interface {
	// Embed returns the vector for text. Input longer than the bound is truncated.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model names the embedding model, stored alongside persisted vectors.
	Model() string

	// Dimensions returns the vector dimension.
	Dimensions() int
}

// Config configures the OpenAI-compatible embedding client.
type Config struct {
	Model         string
	APIKey        string
	BaseURL       string
	Dimensions    int
	MaxInputRunes int
	// MaxRetries is the number of extra attempts after an upstream failure.
	MaxRetries int
	RetryDelay time.Duration
	// Timeout bounds each attempt, so a hung provider is retried.
	Timeout time.Duration
	// RequestsPerSecond throttles outbound calls, zero disables.
	RequestsPerSecond float64
	CacheSize         int
	CacheTTL          time.Duration
}

// DefaultConfig returns the defaults applied to zero fields.
func DefaultConfig() *Config {
	return &Config{
		Model:         "BAAI/bge-m3",
		BaseURL:       "https://api.siliconflow.cn/v1",
		Dimensions:    1024,
		MaxInputRunes: 2000,
		MaxRetries:    1,
		RetryDelay:    200 * time.Millisecond,
		Timeout:       10 * time.Second,
		CacheSize:     1000,
		CacheTTL:      30 * time.Minute,
	}
}

type embedFunc func(ctx context.Context, text string) ([]float32, error)

type service struct {
	embed   embedFunc
	limiter *rate.Limiter
	cache   *cache.LRUCache[string, []float32]
	config  *Config
}

// NewService creates an embedding service backed by go-openai.
func NewService(cfg *Config) (Service, error) {
	cfg = withDefaults(cfg)
	if cfg.Model == "" {
		return nil, errors.New("embedding model required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	embed := func(ctx context.Context, text string) ([]float32, error) {
		resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      []string{text},
			Model:      openai.EmbeddingModel(cfg.Model),
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			return nil, errors.New("empty embedding response")
		}
		return resp.Data[0].Embedding, nil
	}
	return newService(cfg, embed), nil
}

func withDefaults(cfg *Config) *Config {
	defaults := DefaultConfig()
	if cfg == nil {
		return defaults
	}
	c := *cfg
	if c.Model == "" {
		c.Model = defaults.Model
	}
	if c.Dimensions <= 0 {
		c.Dimensions = defaults.Dimensions
	}
	if c.MaxInputRunes <= 0 {
		c.MaxInputRunes = defaults.MaxInputRunes
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaults.CacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.CacheTTL
	}
	return &c
}

func newService(cfg *Config, embed embedFunc) *service {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &service{
		embed:   embed,
		limiter: limiter,
		cache:   cache.NewLRUCache[string, []float32](cfg.CacheSize, cfg.CacheTTL),
		config:  cfg,
	}
}

func (s *service) Model() string {
	return s.config.Model
}

func (s *service) Dimensions() int {
	return s.config.Dimensions
}

func (s *service) Embed(ctx context.Context, text string) ([]float32, error) {
	text = Truncate(text, s.config.MaxInputRunes)
	if text == "" {
		return nil, apperrors.InvalidArgument("embedding input is empty")
	}

	key := cacheKey(s.config.Model, text)
	if vector, ok := s.cache.Get(key); ok {
		return vector, nil
	}

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperrors.FromContext(ctx.Err())
			case <-time.After(s.config.RetryDelay):
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, apperrors.FromDependency(ctx, "embedding", err)
		}
		vector, err := s.attempt(ctx, text)
		if err == nil {
			if len(vector) != s.config.Dimensions {
				return nil, apperrors.Upstream("embedding", errors.New("unexpected vector dimension"))
			}
			s.cache.SetWithDefaultTTL(key, vector)
			return vector, nil
		}
		if ctx.Err() != nil {
			return nil, apperrors.FromContext(ctx.Err())
		}
		lastErr = err
		slog.Warn("embedding: request failed", "attempt", attempt+1, "model", s.config.Model, "error", err)
	}
	return nil, apperrors.Upstream("embedding", lastErr)
}

func (s *service) attempt(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	return s.embed(ctx, text)
}

// Truncate bounds s to maxRunes runes without splitting a rune.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i]
		}
		n++
	}
	return s
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
