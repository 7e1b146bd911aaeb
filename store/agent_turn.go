package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// TurnState is the lifecycle state of a conversation turn.
type TurnState string

const (
	TurnReceived     TurnState = "received"
	TurnPlanning     TurnState = "planning"
	TurnExecuting    TurnState = "executing"
	TurnSynthesizing TurnState = "synthesizing"
	TurnDelivered    TurnState = "delivered"
	TurnFailed       TurnState = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s TurnState) IsTerminal() bool {
	return s == TurnDelivered || s == TurnFailed
}

// ToolCallRecord is the persisted form of one planned tool call and its outcome.
type ToolCallRecord struct {
	ID            string          `json:"id"`
	Tool          string          `json:"tool"`
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	DependsOn     []string        `json:"depends_on,omitempty"`
	ExperienceIDs []string        `json:"experience_ids,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
}

// Citation maps an inline marker to the experience it references.
type Citation struct {
	Marker       string `json:"marker"`
	ExperienceID string `json:"experience_id"`
}

// AgentTurn is one question/answer exchange. Turns are appended and never edited.
type AgentTurn struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	Message       string            `json:"message"`
	State         TurnState         `json:"state"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Answer        string            `json:"answer"`
	Plan          []*ToolCallRecord `json:"plan"`
	Citations     []Citation        `json:"citations"`
	CreatedTs     int64             `json:"created_ts"`
	CompletedTs   int64             `json:"completed_ts"`
	Seq           int32             `json:"seq"`
	UserID        int32             `json:"user_id"`
}

// FindAgentTurn selects turns of one session in sequence order.
type FindAgentTurn struct {
	SessionID string
	// Limit keeps the most recent turns when positive.
	Limit int
}

// CreateAgentTurn appends a terminal turn to its session log.
func (s *Store) CreateAgentTurn(ctx context.Context, turn *AgentTurn) (*AgentTurn, error) {
	if turn.SessionID == "" {
		return nil, errors.New("session id required")
	}
	if !turn.State.IsTerminal() {
		return nil, errors.Errorf("turn %s is not terminal: %s", turn.ID, turn.State)
	}
	return s.driver.CreateAgentTurn(ctx, turn)
}

// ListAgentTurns returns the session log ordered by sequence ascending.
func (s *Store) ListAgentTurns(ctx context.Context, find *FindAgentTurn) ([]*AgentTurn, error) {
	return s.driver.ListAgentTurns(ctx, find)
}
