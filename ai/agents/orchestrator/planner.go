package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hrygo/uncanny/ai/agents/tools"
	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

// CallStatus is the outcome of one planned tool call.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallSucceeded CallStatus = "succeeded"
	CallFailed    CallStatus = "failed"
	CallSkipped   CallStatus = "skipped"
)

// Reasons recorded on skipped calls.
const (
	reasonExceedsMax = "exceeds max tool calls"
	reasonCancelled  = "cancelled"
	reasonTimeout    = "turn timeout"
)

// PlannedCall is one tool call of a plan. Only the executor mutates it once
// the plan is built.
type PlannedCall struct {
	Output *tools.Output `json:"-"`
	// ID is call_<n> in plan order.
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Status    CallStatus      `json:"status"`
	Error     string          `json:"error,omitempty"`
	Args      json.RawMessage `json:"arguments"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Duration  int64           `json:"duration_ms"`
}

func (c *PlannedCall) skip(reason string) {
	c.Status = CallSkipped
	c.Error = reason
}

// Plan is the validated output of the planning step.
type Plan struct {
	Calls []*PlannedCall `json:"calls"`
	// Direct is the model's own answer when it chose no tools.
	Direct string `json:"direct,omitempty"`
	// Fallback is set when the model failed and the default search plan is used.
	Fallback bool `json:"fallback,omitempty"`
}

// Runnable reports whether any call is waiting to be executed.
func (p *Plan) Runnable() bool {
	for _, c := range p.Calls {
		if c.Status == CallPending {
			return true
		}
	}
	return false
}

// snapshot copies the plan for consumers running beside the executor.
func (p *Plan) snapshot() *Plan {
	out := &Plan{Calls: make([]*PlannedCall, 0, len(p.Calls)), Direct: p.Direct, Fallback: p.Fallback}
	for _, c := range p.Calls {
		cp := *c
		cp.Output = nil
		out.Calls = append(out.Calls, &cp)
	}
	return out
}

const plannerPrompt = `You are the analysis planner of an anomalous-experience research engine.
Choose tools to answer the user's question. Rules:
- Start with search_experiences when the question is about reported experiences.
- Detector tools analyse the results of an earlier call: pass candidates_from with that call's id.
- Call ids are assigned in order as call_1, call_2 and so on.
- Use at most %d tool calls.
- If no tool is needed, answer directly without calling any.`

// Planner turns a message into a validated tool-call plan.
type Planner struct {
	llm      llm.Service
	registry *tools.Registry
	maxCalls int
}

func NewPlanner(service llm.Service, registry *tools.Registry, maxCalls int) *Planner {
	if maxCalls <= 0 {
		maxCalls = 5
	}
	return &Planner{llm: service, registry: registry, maxCalls: maxCalls}
}

// Plan asks the model for tool calls and validates them. It fails only when
// ctx is done; a failed model call yields the fallback plan.
func (p *Planner) Plan(ctx context.Context, message string, history []*store.AgentTurn) (*Plan, error) {
	messages := llm.FormatMessages(fmt.Sprintf(plannerPrompt, p.maxCalls), message, historyMessages(history))
	resp, _, err := p.llm.ChatWithTools(ctx, messages, p.registry.Descriptors())
	if err != nil {
		if ctxErr := apperrors.FromContext(ctx.Err()); ctxErr != nil {
			return nil, ctxErr
		}
		slog.WarnContext(ctx, "orchestrator: planning failed, using fallback plan", "error", err)
		return p.fallback(message), nil
	}
	if len(resp.ToolCalls) == 0 {
		return &Plan{Calls: []*PlannedCall{}, Direct: resp.Content}, nil
	}
	return p.build(resp.ToolCalls), nil
}

// fallback searches for the raw message.
func (p *Planner) fallback(message string) *Plan {
	args, _ := json.Marshal(map[string]string{"query": message})
	plan := p.build([]llm.ToolCall{{
		ID:       "fallback",
		Function: llm.FunctionCall{Name: tools.SearchExperiences, Arguments: string(args)},
	}})
	plan.Fallback = true
	return plan
}

// build re-identifies calls in plan order and validates each one. A call may
// only depend on an earlier call, so the plan is acyclic.
func (p *Planner) build(proposed []llm.ToolCall) *Plan {
	plan := &Plan{Calls: make([]*PlannedCall, 0, len(proposed))}
	byID := map[string]*PlannedCall{}
	for i, tc := range proposed {
		args := json.RawMessage(strings.TrimSpace(tc.Function.Arguments))
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		call := &PlannedCall{
			ID:     fmt.Sprintf("call_%d", i+1),
			Tool:   tc.Function.Name,
			Status: CallPending,
			Args:   args,
		}
		plan.Calls = append(plan.Calls, call)
		p.check(call, i, byID)
		byID[call.ID] = call
		if tc.ID != "" {
			if _, taken := byID[tc.ID]; !taken {
				byID[tc.ID] = call
			}
		}
	}
	return plan
}

func (p *Planner) check(call *PlannedCall, index int, earlier map[string]*PlannedCall) {
	if index >= p.maxCalls {
		call.skip(reasonExceedsMax)
		return
	}
	tool, ok := p.registry.Get(call.Tool)
	if !ok {
		call.skip("unknown tool: " + call.Tool)
		return
	}
	if err := tools.Validate(tool.Schema(), call.Args); err != nil {
		call.skip(err.Error())
		return
	}
	from := tools.CandidatesFrom(call.Args)
	if from == "" {
		return
	}
	upstream, ok := earlier[from]
	if !ok {
		call.skip(fmt.Sprintf("candidates_from references unknown call %q", from))
		return
	}
	if upstream.Status == CallSkipped {
		call.skip(fmt.Sprintf("upstream call %s skipped", upstream.ID))
		return
	}
	call.DependsOn = []string{upstream.ID}
}

// historyMessages renders delivered turns as alternating user and assistant messages.
func historyMessages(history []*store.AgentTurn) []llm.Message {
	messages := make([]llm.Message, 0, len(history)*2)
	for _, turn := range history {
		if turn.State != store.TurnDelivered {
			continue
		}
		messages = append(messages, llm.UserMessage(turn.Message), llm.AssistantMessage(turn.Answer))
	}
	return messages
}
