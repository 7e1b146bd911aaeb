// Package testutil provides fakes for the engine's external collaborators.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/internal/profile"
	"github.com/hrygo/uncanny/store"
	"github.com/hrygo/uncanny/store/db/sqlite"
)

// EmbeddingDim is the vector dimension of stores created by NewSQLiteStore.
const EmbeddingDim = 3

// NewSQLiteStore returns a migrated store backed by a temporary sqlite file.
func NewSQLiteStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db"), EmbeddingDim: EmbeddingDim}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() { driver.Close() })
	return store.New(driver, p)
}

// Seed creates e and stores its embedding when present.
func Seed(t *testing.T, st *store.Store, e *store.Experience) *store.Experience {
	t.Helper()
	ctx := context.Background()
	vector := e.Embedding
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)
	}
	if e.Visibility == "" {
		e.Visibility = store.Public
	}
	created, err := st.CreateExperience(ctx, e)
	require.NoError(t, err)
	if len(vector) > 0 {
		require.NoError(t, st.UpdateExperienceEmbedding(ctx, &store.UpdateExperienceEmbedding{
			ID: created.ID, Model: "test", Embedding: vector,
		}))
		created.Embedding = vector
	}
	return created
}

// MockEmbedder is a testify mock of embedding.Service.
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (*MockEmbedder) Model() string { return "test" }

func (*MockEmbedder) Dimensions() int { return EmbeddingDim }

// FakeLLM is a scripted llm.Service.
type FakeLLM struct {
	// Plan answers ChatWithTools.
	Plan    *llm.ChatResponse
	PlanErr error
	// Chunks are streamed by ChatStream, ChunkDelay apart.
	Chunks     []string
	ChunkDelay time.Duration
	StreamErr  error
	// Reply answers Chat.
	Reply    string
	ReplyErr error

	mu       sync.Mutex
	Prompts  [][]llm.Message
	ToolSets [][]llm.ToolDescriptor
}

func (f *FakeLLM) record(messages []llm.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prompts = append(f.Prompts, messages)
}

// LastPrompt returns the messages of the most recent call.
func (f *FakeLLM) LastPrompt() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Prompts) == 0 {
		return nil
	}
	return f.Prompts[len(f.Prompts)-1]
}

func (f *FakeLLM) Chat(ctx context.Context, messages []llm.Message) (string, *llm.LLMCallStats, error) {
	f.record(messages)
	if f.ReplyErr != nil {
		return "", nil, f.ReplyErr
	}
	return f.Reply, &llm.LLMCallStats{}, nil
}

func (f *FakeLLM) ChatWithTools(ctx context.Context, messages []llm.Message, tools []llm.ToolDescriptor) (*llm.ChatResponse, *llm.LLMCallStats, error) {
	f.record(messages)
	f.mu.Lock()
	f.ToolSets = append(f.ToolSets, tools)
	f.mu.Unlock()
	if f.PlanErr != nil {
		return nil, nil, f.PlanErr
	}
	if f.Plan == nil {
		return &llm.ChatResponse{}, &llm.LLMCallStats{}, nil
	}
	return f.Plan, &llm.LLMCallStats{}, nil
}

func (f *FakeLLM) ChatStream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan *llm.LLMCallStats, <-chan error) {
	f.record(messages)
	content := make(chan string)
	stats := make(chan *llm.LLMCallStats, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(content)
		defer close(stats)
		defer close(errs)
		if f.StreamErr != nil {
			errs <- f.StreamErr
			return
		}
		for _, chunk := range f.Chunks {
			if f.ChunkDelay > 0 {
				select {
				case <-time.After(f.ChunkDelay):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			select {
			case content <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		stats <- &llm.LLMCallStats{}
	}()
	return content, stats, errs
}
