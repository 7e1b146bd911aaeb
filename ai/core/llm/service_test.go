package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/uncanny/internal/apperrors"
)

func newTestService(t *testing.T, handler http.HandlerFunc) Service {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	svc, err := NewService(&Config{Provider: "openai", Model: "test-model", APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)
	return svc
}

func TestNewService_RequiresModel(t *testing.T) {
	_, err := NewService(&Config{Provider: "openai"})
	assert.Error(t, err)
}

func TestChat(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req["model"])
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	})

	content, stats, err := svc.Chat(context.Background(), FormatMessages("sys", "hi", nil))
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	assert.Equal(t, 4, stats.TotalTokens)
}

func TestChat_UpstreamError(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"down","type":"server_error"}}`)
	})

	_, _, err := svc.Chat(context.Background(), []Message{UserMessage("hi")})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUpstreamUnavailable))
}

func TestChatWithTools(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tools []struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			} `json:"tools"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "search_experiences", req.Tools[0].Function.Name)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"search_experiences","arguments":"{\"query\":\"lights\"}"}}]},"finish_reason":"tool_calls"}]}`)
	})

	schema := &JSONSchema{Type: "object", Properties: map[string]*JSONSchema{"query": {Type: "string"}}, Required: []string{"query"}}
	resp, _, err := svc.ChatWithTools(context.Background(), []Message{UserMessage("find lights")}, []ToolDescriptor{
		{Name: "search_experiences", Description: "search", Parameters: schema.String()},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "c1", resp.ToolCalls[0].ID)
	assert.Equal(t, `{"query":"lights"}`, resp.ToolCalls[0].Function.Arguments)
}

func TestChatStream(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	contentChan, statsChan, errChan := svc.ChatStream(context.Background(), []Message{UserMessage("hi")})
	var got string
	for delta := range contentChan {
		got += delta
	}
	assert.Equal(t, "Hello", got)
	assert.NotNil(t, <-statsChan)
	assert.NoError(t, <-errChan)
}

func TestChatStream_Cancelled(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	contentChan, _, errChan := svc.ChatStream(ctx, []Message{UserMessage("hi")})
	for range contentChan {
	}
	err := <-errChan
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCancelled))
}

func TestSchemaString(t *testing.T) {
	schema := &JSONSchema{Type: "integer", Minimum: Ptr(1), Maximum: Ptr(100)}
	assert.JSONEq(t, `{"type":"integer","minimum":1,"maximum":100,"additionalProperties":false}`, schema.String())
}
