package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_AddsContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "json", slog.LevelInfo))

	ctx := WithSession(WithRequest(context.Background(), "req-1"), "sess-1")
	logger.InfoContext(ctx, "orchestrator: turn delivered", "seq", 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "orchestrator: turn delivered", record["msg"])
	assert.Equal(t, "req-1", record["request_id"])
	assert.Equal(t, "sess-1", record["session_id"])
	assert.EqualValues(t, 2, record["seq"])
}

func TestHandler_LevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "text", slog.LevelWarn))
	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.With("component", "store").Warn("kept")
	assert.Contains(t, buf.String(), "msg=kept")
	assert.Contains(t, buf.String(), "component=store")
}

func TestWithRequest(t *testing.T) {
	ctx := WithRequest(context.Background(), "")
	assert.Len(t, RequestID(ctx), 36)
	assert.Empty(t, SessionID(ctx))
	assert.Empty(t, RequestID(context.Background()))
	assert.NotNil(t, FromContext(ctx))
}
