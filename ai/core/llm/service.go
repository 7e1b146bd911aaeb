package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/hrygo/uncanny/internal/apperrors"
)

const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
)

// Message is one chat message. Role is system, user or assistant.
type Message struct {
	Role    string
	Content string
}

// LLMCallStats reports token usage and timing of one call.
type LLMCallStats struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	DurationMs       int64 `json:"duration_ms"`
}

// Service is the model surface used by the planner and the synthesizer.
type Service interface {
	Chat(ctx context.Context, messages []Message) (string, *LLMCallStats, error)

	// ChatStream streams content deltas. The content channel is closed when the
	// stream ends; at most one error is sent, and stats are sent only on success.
	ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan *LLMCallStats, <-chan error)

	// ChatWithTools asks the model to choose tool calls.
	ChatWithTools(ctx context.Context, messages []Message, tools []ToolDescriptor) (*ChatResponse, *LLMCallStats, error)
}

// ToolDescriptor is a tool offered to the model. Parameters is a JSON schema.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  string
}

type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

type ToolCall struct {
	ID       string
	Type     string
	Function FunctionCall
}

type FunctionCall struct {
	Name      string
	Arguments string
}

// Config configures a client for an OpenAI-compatible provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.3
	Timeout     int     // per-call timeout in seconds, default: 120
	// RequestsPerSecond throttles outbound calls, zero disables.
	RequestsPerSecond float64
}

type service struct {
	client      *openai.Client
	limiter     *rate.Limiter
	model       string
	provider    string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

func NewService(cfg *Config) (Service, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm model required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	s := &service{
		client:      openai.NewClientWithConfig(clientConfig),
		limiter:     rate.NewLimiter(rate.Inf, 1),
		model:       cfg.Model,
		provider:    cfg.Provider,
		maxTokens:   cmpOr(cfg.MaxTokens, 2048),
		temperature: cmpOr(cfg.Temperature, 0.3),
		timeout:     time.Duration(cmpOr(cfg.Timeout, 120)) * time.Second,
	}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return s, nil
}

func cmpOr[T int | float32](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

// acquire bounds the call by the per-call timeout and waits for the limiter.
func (s *service) acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	if err := s.limiter.Wait(ctx); err != nil {
		cancel()
		return nil, nil, apperrors.FromDependency(ctx, "llm", err)
	}
	return ctx, cancel, nil
}

func (s *service) request(messages []Message, temperature float32) openai.ChatCompletionRequest {
	converted := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case roleSystem:
			role = openai.ChatMessageRoleSystem
		case roleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		converted[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: temperature,
		Messages:    converted,
	}
}

// complete runs one non-streaming request and returns the first choice.
func (s *service) complete(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionMessage, *LLMCallStats, error) {
	ctx, cancel, err := s.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer cancel()

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("llm: request failed", "provider", s.provider, "model", s.model, "error", err)
		return nil, nil, apperrors.FromDependency(ctx, "llm", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil, apperrors.Upstream("llm", errors.New("empty response"))
	}
	stats := &LLMCallStats{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		DurationMs:       time.Since(start).Milliseconds(),
	}
	return &resp.Choices[0].Message, stats, nil
}

func (s *service) Chat(ctx context.Context, messages []Message) (string, *LLMCallStats, error) {
	msg, stats, err := s.complete(ctx, s.request(messages, s.temperature))
	if err != nil {
		return "", nil, err
	}
	return msg.Content, stats, nil
}

func (s *service) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDescriptor) (*ChatResponse, *LLMCallStats, error) {
	// Planning is deterministic. go-openai omits a literal zero temperature.
	req := s.request(messages, math.SmallestNonzeroFloat32)
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		})
	}

	msg, stats, err := s.complete(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	response := &ChatResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		response.ToolCalls = append(response.ToolCalls, ToolCall{
			ID:       tc.ID,
			Type:     string(tc.Type),
			Function: FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return response, stats, nil
}

func (s *service) ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan *LLMCallStats, <-chan error) {
	deltas := make(chan string, 10)
	statsCh := make(chan *LLMCallStats, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(statsCh)
		defer close(deltas)

		stats, err := s.stream(ctx, messages, deltas)
		if err != nil {
			errCh <- err
			return
		}
		statsCh <- stats
	}()
	return deltas, statsCh, errCh
}

func (s *service) stream(ctx context.Context, messages []Message, deltas chan<- string) (*LLMCallStats, error) {
	ctx, cancel, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	req := s.request(messages, s.temperature)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	start := time.Now()
	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("llm: stream create failed", "provider", s.provider, "model", s.model, "error", err)
		return nil, apperrors.FromDependency(ctx, "llm", err)
	}
	defer func() { _ = stream.Close() }()

	stats := &LLMCallStats{}
	for chunks := 0; ; {
		chunk, err := stream.Recv()
		switch {
		case errors.Is(err, io.EOF):
			stats.DurationMs = time.Since(start).Milliseconds()
			slog.Debug("llm: stream completed", "chunks", chunks, "duration_ms", stats.DurationMs)
			return stats, nil
		case err != nil:
			slog.Error("llm: stream receive failed", "chunks", chunks, "error", err)
			return nil, apperrors.FromDependency(ctx, "llm", err)
		}

		if chunk.Usage != nil {
			stats.PromptTokens = chunk.Usage.PromptTokens
			stats.CompletionTokens = chunk.Usage.CompletionTokens
			stats.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		chunks++
		select {
		case deltas <- chunk.Choices[0].Delta.Content:
		case <-ctx.Done():
			return nil, apperrors.FromContext(ctx.Err())
		}
	}
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	return &http.Client{Transport: transport}
}

func SystemPrompt(content string) Message {
	return Message{Role: roleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: roleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: roleAssistant, Content: content}
}

// FormatMessages puts the system prompt first and the user content last.
func FormatMessages(systemPrompt string, userContent string, history []Message) []Message {
	messages := make([]Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, SystemPrompt(systemPrompt))
	}
	messages = append(messages, history...)
	return append(messages, UserMessage(userContent))
}
