// Package orchestrator runs conversation turns: it plans tool calls, executes
// them in dependency order and synthesizes a cited answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/hrygo/uncanny/ai/agents/tools"
	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/ai/metrics"
	"github.com/hrygo/uncanny/ai/observability/logging"
	"github.com/hrygo/uncanny/ai/session"
	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

const maxMessageRunes = 4000

// Store persists the turn log.
type Store interface {
	CreateAgentTurn(ctx context.Context, turn *store.AgentTurn) (*store.AgentTurn, error)
	ListAgentTurns(ctx context.Context, find *store.FindAgentTurn) ([]*store.AgentTurn, error)
}

// Config holds the turn limits.
type Config struct {
	MaxToolCalls     int
	MaxParallelCalls int
	ToolTimeout      time.Duration
	TurnTimeout      time.Duration
	PersistTimeout   time.Duration
	// HistoryTurns is how many prior turns the planner sees.
	HistoryTurns int
}

func DefaultConfig() Config {
	return Config{
		MaxToolCalls:     5,
		MaxParallelCalls: 4,
		ToolTimeout:      30 * time.Second,
		TurnTimeout:      2 * time.Minute,
		PersistTimeout:   5 * time.Second,
		HistoryTurns:     6,
	}
}

// Request is one user message.
type Request struct {
	OnEvent   EventCallback
	SessionID string
	Message   string
	Viewer    store.Viewer
}

// Orchestrator runs turns. Turns of one session run one at a time.
type Orchestrator struct {
	planner     *Planner
	executor    *Executor
	synthesizer *Synthesizer
	store       Store
	locks       *session.Locks
	metrics     *metrics.PrometheusExporter
	now         func() time.Time
	config      Config
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.PrometheusExporter) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func New(service llm.Service, registry *tools.Registry, st Store, locks *session.Locks, cfg Config, opts ...Option) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaults.TurnTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaults.PersistTimeout
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaults.HistoryTurns
	}
	o := &Orchestrator{
		synthesizer: NewSynthesizer(service),
		planner:     NewPlanner(service, registry, cfg.MaxToolCalls),
		store:       st,
		locks:       locks,
		now:         time.Now,
		config:      cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.executor = NewExecutor(registry, cfg.ToolTimeout, cfg.MaxParallelCalls, o.metrics)
	return o
}

type stateEvent struct {
	TurnID string          `json:"turn_id"`
	State  store.TurnState `json:"state"`
}

type toolEvent struct {
	ID            string     `json:"id"`
	Tool          string     `json:"tool"`
	Status        CallStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	ExperienceIDs []string   `json:"experience_ids,omitempty"`
	DurationMs    int64      `json:"duration_ms"`
}

func newToolEvent(c *PlannedCall) toolEvent {
	e := toolEvent{ID: c.ID, Tool: c.Tool, Status: c.Status, Error: c.Error, DurationMs: c.Duration}
	if c.Output != nil {
		e.ExperienceIDs = c.Output.ExperienceIDs
	}
	return e
}

// Converse runs one turn to a terminal state, persists it and returns it.
// A turn that ends failed is returned together with its typed error.
func (o *Orchestrator) Converse(ctx context.Context, req *Request) (*store.AgentTurn, error) {
	if !session.ValidID(req.SessionID) {
		return nil, apperrors.InvalidArgument("invalid session id: %q", req.SessionID)
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, apperrors.InvalidArgument("message cannot be empty")
	}
	if utf8.RuneCountInString(message) > maxMessageRunes {
		return nil, apperrors.InvalidArgument("message exceeds %d characters", maxMessageRunes)
	}

	release, err := o.locks.Acquire(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = logging.WithSession(ctx, req.SessionID)
	start := o.now()
	defer o.metrics.TurnStarted()()

	turn := &store.AgentTurn{
		ID:        ulid.Make().String(),
		SessionID: req.SessionID,
		UserID:    req.Viewer.UserID,
		Message:   message,
		CreatedTs: start.Unix(),
		Plan:      []*store.ToolCallRecord{},
		Citations: []store.Citation{},
	}
	events := newDispatcher(turn.ID, req.OnEvent)
	m := newMachine(turn, func(s store.TurnState) {
		events.send(EventState, stateEvent{TurnID: turn.ID, State: s})
	})
	events.send(EventState, stateEvent{TurnID: turn.ID, State: m.state()})

	runErr := o.run(ctx, turn, m, events, req.Viewer)
	if runErr != nil {
		runErr = turnError(ctx, runErr)
		m.fail(failureReason(runErr))
	}
	turn.CompletedTs = o.now().Unix()
	o.persist(ctx, turn)

	events.send(EventTurn, turn)
	events.close()

	latency := o.now().Sub(start)
	o.metrics.RecordTurn(string(turn.State), turn.FailureReason, latency)
	slog.InfoContext(ctx, "orchestrator: turn finished",
		"turn_id", turn.ID,
		"state", turn.State,
		"reason", turn.FailureReason,
		"tool_calls", len(turn.Plan),
		"citations", len(turn.Citations),
		"duration_ms", latency.Milliseconds(),
	)
	if turn.State == store.TurnFailed {
		return turn, runErr
	}
	return turn, nil
}

func (o *Orchestrator) run(ctx context.Context, turn *store.AgentTurn, m *machine, events *dispatcher, viewer store.Viewer) error {
	history := o.history(ctx, turn.SessionID)

	turnCtx, cancel := context.WithTimeout(ctx, o.config.TurnTimeout)
	defer cancel()

	if err := m.to(store.TurnPlanning); err != nil {
		return err
	}
	plan, err := o.planner.Plan(turnCtx, turn.Message, history)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		// The turn timed out while planning; nothing ran.
		plan = &Plan{Calls: []*PlannedCall{}}
	}
	events.send(EventPlan, plan.snapshot())

	if plan.Runnable() && turnCtx.Err() == nil {
		if err := m.to(store.TurnExecuting); err != nil {
			return err
		}
		o.executor.Execute(turnCtx, plan, viewer, func(c *PlannedCall) {
			events.send(EventTool, newToolEvent(c))
		})
	}
	turn.Plan = records(plan)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := m.to(store.TurnSynthesizing); err != nil {
		return err
	}
	emit := func(chunk string) { events.send(EventChunk, chunk) }
	var answer *Answer
	if turnCtx.Err() != nil {
		answer = o.partial(plan, emit)
	} else {
		answer, err = o.synthesizer.Synthesize(turnCtx, turn.Message, plan, emit)
		if err != nil {
			if ctx.Err() != nil || turnCtx.Err() == nil {
				return err
			}
			answer = o.partial(plan, emit)
		}
	}
	if answer.Removed > 0 {
		slog.WarnContext(ctx, "orchestrator: removed unresolvable citations", "turn_id", turn.ID, "removed", answer.Removed)
	}
	turn.Answer = answer.Text
	turn.Citations = answer.Citations
	return m.to(store.TurnDelivered)
}

// partial answers from the calls that completed before the turn timed out.
func (o *Orchestrator) partial(plan *Plan, emit func(string)) *Answer {
	answer := o.synthesizer.Template(plan)
	emit("\n\n" + answer.Text)
	return answer
}

func (o *Orchestrator) history(ctx context.Context, sessionID string) []*store.AgentTurn {
	list, err := o.store.ListAgentTurns(ctx, &store.FindAgentTurn{SessionID: sessionID, Limit: o.config.HistoryTurns})
	if err != nil {
		slog.WarnContext(ctx, "orchestrator: failed to load history", "error", err)
		return nil
	}
	return list
}

// persist stores the turn even when the caller has gone away.
func (o *Orchestrator) persist(ctx context.Context, turn *store.AgentTurn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.PersistTimeout)
	defer cancel()
	if _, err := o.store.CreateAgentTurn(ctx, turn); err != nil {
		slog.ErrorContext(ctx, "orchestrator: failed to persist turn", "turn_id", turn.ID, "error", err)
	}
}

// Turns returns the turn log of a session.
func (o *Orchestrator) Turns(ctx context.Context, sessionID string, limit int) ([]*store.AgentTurn, error) {
	if !session.ValidID(sessionID) {
		return nil, apperrors.InvalidArgument("invalid session id: %q", sessionID)
	}
	list, err := o.store.ListAgentTurns(ctx, &store.FindAgentTurn{SessionID: sessionID, Limit: limit})
	if err != nil {
		return nil, apperrors.FromDependency(ctx, "store", err)
	}
	return list, nil
}

func records(plan *Plan) []*store.ToolCallRecord {
	list := make([]*store.ToolCallRecord, 0, len(plan.Calls))
	for _, c := range plan.Calls {
		record := &store.ToolCallRecord{
			ID:         c.ID,
			Tool:       c.Tool,
			Status:     string(c.Status),
			Error:      c.Error,
			Arguments:  c.Args,
			DependsOn:  c.DependsOn,
			DurationMs: c.Duration,
		}
		if !json.Valid(record.Arguments) {
			record.Arguments = nil
		}
		if c.Output != nil {
			record.ExperienceIDs = c.Output.ExperienceIDs
			if data, err := json.Marshal(c.Output.Data); err == nil {
				record.Output = data
			}
		}
		list = append(list, record)
	}
	return list
}

// turnError types the error that ended a turn, preferring the caller's context.
func turnError(ctx context.Context, err error) error {
	if ctxErr := apperrors.FromContext(ctx.Err()); ctxErr != nil {
		return ctxErr
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if ctxErr := apperrors.FromContext(err); ctxErr != nil {
		return ctxErr
	}
	return apperrors.Internal("turn failed", err)
}

func failureReason(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeCancelled:
		return "cancelled"
	case apperrors.CodeTimeout:
		return "timeout"
	}
	return err.Error()
}
