package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/store"
)

// CreateAgentTurn appends a turn, assigning the next sequence number of its session.
func (d *DB) CreateAgentTurn(ctx context.Context, create *store.AgentTurn) (*store.AgentTurn, error) {
	plan, err := json.Marshal(create.Plan)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal plan")
	}
	citations, err := json.Marshal(create.Citations)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal citations")
	}

	stmt := `INSERT INTO agent_turn (id, session_id, seq, user_id, message, state, failure_reason, answer, plan, citations, created_ts, completed_ts)
		VALUES (` + placeholder(1) + `, ` + placeholder(2) + `,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM agent_turn WHERE session_id = ` + placeholder(2) + `),
			` + placeholder(3) + `, ` + placeholder(4) + `, ` + placeholder(5) + `, ` + placeholder(6) + `, ` + placeholder(7) + `,
			` + placeholder(8) + `, ` + placeholder(9) + `, ` + placeholder(10) + `, ` + placeholder(11) + `)
		RETURNING seq`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.ID, create.SessionID, create.UserID, create.Message, create.State, create.FailureReason, create.Answer,
		plan, citations, create.CreatedTs, create.CompletedTs,
	).Scan(&create.Seq); err != nil {
		return nil, errors.Wrap(err, "failed to insert agent turn")
	}
	return create, nil
}

func (d *DB) ListAgentTurns(ctx context.Context, find *store.FindAgentTurn) ([]*store.AgentTurn, error) {
	query := `SELECT id, session_id, seq, user_id, message, state, failure_reason, answer, plan, citations, created_ts, completed_ts
		FROM agent_turn WHERE session_id = ` + placeholder(1) + ` ORDER BY seq DESC`
	if find.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, find.SessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list agent turns")
	}
	defer rows.Close()

	list := []*store.AgentTurn{}
	for rows.Next() {
		var turn store.AgentTurn
		var plan, citations []byte
		if err := rows.Scan(
			&turn.ID, &turn.SessionID, &turn.Seq, &turn.UserID, &turn.Message, &turn.State, &turn.FailureReason, &turn.Answer,
			&plan, &citations, &turn.CreatedTs, &turn.CompletedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan agent turn")
		}
		if err := json.Unmarshal(plan, &turn.Plan); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal plan")
		}
		if err := json.Unmarshal(citations, &turn.Citations); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal citations")
		}
		list = append(list, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Selected newest first so LIMIT keeps the latest turns.
	slices.Reverse(list)
	return list, nil
}
