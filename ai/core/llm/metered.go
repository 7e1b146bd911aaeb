package llm

import (
	"context"
	"time"

	"github.com/hrygo/uncanny/ai/metrics"
)

type meteredService struct {
	next    Service
	metrics *metrics.PrometheusExporter
	model   string
}

// Instrument records token usage and latency of every successful call of s.
func Instrument(s Service, model string, m *metrics.PrometheusExporter) Service {
	if m == nil {
		return s
	}
	return &meteredService{next: s, metrics: m, model: model}
}

func (s *meteredService) record(operation string, stats *LLMCallStats, elapsed time.Duration) {
	if stats == nil {
		return
	}
	s.metrics.RecordLLM(s.model, operation, stats.PromptTokens, stats.CompletionTokens, elapsed)
}

func (s *meteredService) Chat(ctx context.Context, messages []Message) (string, *LLMCallStats, error) {
	start := time.Now()
	content, stats, err := s.next.Chat(ctx, messages)
	if err == nil {
		s.record("chat", stats, time.Since(start))
	}
	return content, stats, err
}

func (s *meteredService) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDescriptor) (*ChatResponse, *LLMCallStats, error) {
	start := time.Now()
	resp, stats, err := s.next.ChatWithTools(ctx, messages, tools)
	if err == nil {
		s.record("tools", stats, time.Since(start))
	}
	return resp, stats, err
}

// ChatStream passes content and errors through untouched and taps the stats channel.
func (s *meteredService) ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan *LLMCallStats, <-chan error) {
	start := time.Now()
	content, stats, errs := s.next.ChatStream(ctx, messages)
	out := make(chan *LLMCallStats, 1)
	go func() {
		defer close(out)
		if st, ok := <-stats; ok && st != nil {
			s.record("stream", st, time.Since(start))
			out <- st
		}
	}()
	return content, out, errs
}
