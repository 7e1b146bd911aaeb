package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/uncanny/ai/agents/tools"
	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/ai/core/retrieval"
	"github.com/hrygo/uncanny/ai/patterns"
	"github.com/hrygo/uncanny/ai/session"
	"github.com/hrygo/uncanny/ai/twins"
	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/internal/testutil"
	"github.com/hrygo/uncanny/store"
)

type harness struct {
	st   *store.Store
	lake *store.Experience
	llm  *testutil.FakeLLM
	orch *Orchestrator
}

func defaultRegistry(t *testing.T, st *store.Store) *tools.Registry {
	t.Helper()
	r, err := retrieval.NewHybridRetriever(st, nil)
	require.NoError(t, err)
	registry, err := tools.NewDefaultRegistry(r, patterns.NewDetector(st), twins.NewEngine(st))
	require.NoError(t, err)
	return registry
}

func newHarness(t *testing.T, cfg Config, registry func(*store.Store) *tools.Registry) *harness {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	h := &harness{
		st: st,
		lake: testutil.Seed(t, st, &store.Experience{
			CreatorID: 1, Category: store.CategoryUFO, Narrative: "bright lights over the lake", Tags: []string{"orb"},
		}),
		llm: &testutil.FakeLLM{},
	}
	testutil.Seed(t, st, &store.Experience{CreatorID: 2, Category: store.CategoryGhost, Narrative: "a cold hallway"})
	var reg *tools.Registry
	if registry != nil {
		reg = registry(st)
	} else {
		reg = defaultRegistry(t, st)
	}
	h.orch = New(h.llm, reg, st, session.NewLocks(), cfg)
	return h
}

func toolCall(name, args string) llm.ToolCall {
	return llm.ToolCall{ID: "x_" + name, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func planOf(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{ToolCalls: calls}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) chunks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.Type == EventChunk {
			out = append(out, e.Data.(string))
		}
	}
	return out
}

func (l *eventLog) states() []store.TurnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []store.TurnState
	for _, e := range l.events {
		if e.Type == EventState {
			out = append(out, e.Data.(stateEvent).State)
		}
	}
	return out
}

func recordOf(turn *store.AgentTurn, id string) *store.ToolCallRecord {
	for _, r := range turn.Plan {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func TestConverse_CitationsResolve(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.llm.Plan = planOf(toolCall(tools.SearchExperiences, `{"query":"lake lights"}`))
	h.llm.Chunks = []string{"See [E:", h.lake.ID + "] and", " [E:made-up] too."}

	log := &eventLog{}
	turn, err := h.orch.Converse(context.Background(), &Request{
		SessionID: "s1", Message: "Any lights near lakes?", OnEvent: log.record,
	})
	require.NoError(t, err)

	assert.Equal(t, store.TurnDelivered, turn.State)
	assert.Equal(t, "See [E:"+h.lake.ID+"] and  too.", turn.Answer)
	assert.Equal(t, []store.Citation{{Marker: "[E:" + h.lake.ID + "]", ExperienceID: h.lake.ID}}, turn.Citations)
	assert.NotContains(t, strings.Join(log.chunks(), ""), "made-up")
	assert.Equal(t, []store.TurnState{
		store.TurnReceived, store.TurnPlanning, store.TurnExecuting, store.TurnSynthesizing, store.TurnDelivered,
	}, log.states())

	require.Len(t, turn.Plan, 1)
	assert.Equal(t, string(CallSucceeded), turn.Plan[0].Status)
	assert.Equal(t, []string{h.lake.ID}, turn.Plan[0].ExperienceIDs)

	for _, c := range turn.Citations {
		found := false
		for _, r := range turn.Plan {
			for _, id := range r.ExperienceIDs {
				found = found || id == c.ExperienceID
			}
		}
		assert.True(t, found, "citation %s has no source", c.ExperienceID)
	}

	list, err := h.orch.Turns(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int32(1), list[0].Seq)
	assert.Equal(t, turn.ID, list[0].ID)
}

func TestConverse_HistoryAndOrdering(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.llm.Plan = &llm.ChatResponse{Content: "Hello."}

	_, err := h.orch.Converse(context.Background(), &Request{SessionID: "s1", Message: "first question"})
	require.NoError(t, err)
	second, err := h.orch.Converse(context.Background(), &Request{SessionID: "s1", Message: "second question"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), second.Seq)
	prompt := h.llm.LastPrompt()
	require.Len(t, prompt, 4)
	assert.Equal(t, "first question", prompt[1].Content)
	assert.Equal(t, "Hello.", prompt[2].Content)
	assert.Equal(t, "second question", prompt[3].Content)
}

func TestConverse_DirectAnswer(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.llm.Plan = &llm.ChatResponse{Content: "Nothing to look up [E:nope]."}

	log := &eventLog{}
	turn, err := h.orch.Converse(context.Background(), &Request{SessionID: "s1", Message: "hi", OnEvent: log.record})
	require.NoError(t, err)
	assert.Equal(t, "Nothing to look up .", turn.Answer)
	assert.Empty(t, turn.Citations)
	assert.NotContains(t, log.states(), store.TurnExecuting)
}

func TestConverse_PlanValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.llm.Plan = planOf(
		toolCall(tools.SearchExperiences, `{"query":"lake lights"}`),
		toolCall(tools.DetectGeoClusters, `{"candidates_from":"call_1","epsilon_km":25}`),
		toolCall(tools.SearchExperiences, `{"query":"lights","bogus":true}`),
		toolCall("summon_spirits", `{}`),
		toolCall(tools.BuildTagNetwork, `{"candidates_from":"call_3"}`),
		toolCall(tools.SearchExperiences, `{"query":"six"}`),
		toolCall(tools.SearchExperiences, `{"query":"seven"}`),
	)
	h.llm.Chunks = []string{"Done."}

	turn, err := h.orch.Converse(context.Background(), &Request{SessionID: "s1", Message: "map the lights"})
	require.NoError(t, err)
	require.Len(t, turn.Plan, 7)

	assert.Equal(t, string(CallSucceeded), recordOf(turn, "call_1").Status)
	geo := recordOf(turn, "call_2")
	assert.Equal(t, string(CallSucceeded), geo.Status)
	assert.Equal(t, []string{"call_1"}, geo.DependsOn)

	invalid := recordOf(turn, "call_3")
	assert.Equal(t, string(CallSkipped), invalid.Status)
	assert.Contains(t, invalid.Error, "unknown property")
	assert.Contains(t, recordOf(turn, "call_4").Error, "unknown tool")
	assert.Equal(t, "upstream call call_3 skipped", recordOf(turn, "call_5").Error)
	assert.Equal(t, reasonExceedsMax, recordOf(turn, "call_6").Error)
	assert.Equal(t, reasonExceedsMax, recordOf(turn, "call_7").Error)

	assert.True(t, strings.HasPrefix(turn.Answer, "Done."))
	assert.Contains(t, turn.Answer, "Not completed:")
	assert.Contains(t, turn.Answer, "summon_spirits (call_4)")
}

func TestConverse_PlannerResolvesModelCallIDs(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	search := toolCall(tools.SearchExperiences, `{"query":"lake lights"}`)
	search.ID = "abc"
	h.llm.Plan = planOf(search, toolCall(tools.BuildTagNetwork, `{"candidates_from":"abc","min_cooccurrence":1}`))
	h.llm.Chunks = []string{"ok"}

	turn, err := h.orch.Converse(context.Background(), &Request{SessionID: "s1", Message: "tags?"})
	require.NoError(t, err)
	assert.Equal(t, []string{"call_1"}, recordOf(turn, "call_2").DependsOn)
	assert.Equal(t, string(CallSucceeded), recordOf(turn, "call_2").Status)
}

func TestConverse_FallbackPlanAndTemplate(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.llm.PlanErr = apperrors.Upstream("llm", errors.New("down"))
	h.llm.StreamErr = apperrors.Upstream("llm", errors.New("down"))

	turn, err := h.orch.Converse(context.Background(), &Request{SessionID: "s1", Message: "lake lights"})
	require.NoError(t, err)

	require.Len(t, turn.Plan, 1)
	assert.Equal(t, tools.SearchExperiences, turn.Plan[0].Tool)
	assert.JSONEq(t, `{"query":"lake lights"}`, string(turn.Plan[0].Arguments))
	assert.Equal(t, "search_experiences surfaced 1 experiences: [E:"+h.lake.ID+"]", turn.Answer)
	require.Len(t, turn.Citations, 1)
	assert.Equal(t, h.lake.ID, turn.Citations[0].ExperienceID)
}

func TestConverse_CancelWhileStreaming(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.llm.Plan = planOf(toolCall(tools.SearchExperiences, `{"query":"lake lights"}`))
	for i := 0; i < 20; i++ {
		h.llm.Chunks = append(h.llm.Chunks, "word ")
	}
	h.llm.ChunkDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &eventLog{}
	turn, err := h.orch.Converse(ctx, &Request{
		SessionID: "s1",
		Message:   "lake lights",
		OnEvent: func(e Event) {
			log.record(e)
			if e.Type == EventChunk {
				cancel()
			}
		},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCancelled))
	assert.Equal(t, store.TurnFailed, turn.State)
	assert.Equal(t, "cancelled", turn.FailureReason)
	assert.Less(t, len(log.chunks()), 5)

	list, err := h.st.ListAgentTurns(context.Background(), &store.FindAgentTurn{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.TurnFailed, list[0].State)
	assert.Equal(t, "cancelled", list[0].FailureReason)
}

func TestConverse_CancelBeforeStart(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orch.Converse(ctx, &Request{SessionID: "s1", Message: "hello"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCancelled))
}

type blockingTool struct{}

func (blockingTool) Name() string        { return "slow" }
func (blockingTool) Description() string { return "waits until cancelled" }
func (blockingTool) Schema() *llm.JSONSchema {
	return &llm.JSONSchema{Type: "object", AdditionalProperties: true}
}

func (blockingTool) Run(ctx context.Context, _ *tools.Call) (*tools.Output, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func slowRegistry(st *store.Store) *tools.Registry {
	list := []tools.Tool{blockingTool{}}
	for _, p := range tools.NewPatternTools(patterns.NewDetector(st)) {
		list = append(list, p)
	}
	registry, err := tools.NewRegistry(list...)
	if err != nil {
		panic(err)
	}
	return registry
}

func TestConverse_ToolTimeoutSkipsDependents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ToolTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, slowRegistry)
	h.llm.Plan = planOf(
		toolCall("slow", `{}`),
		toolCall(tools.DetectGeoClusters, `{"candidates_from":"call_1"}`),
	)
	h.llm.Chunks = []string{"Partial."}

	turn, err := h.orch.Converse(context.Background(), &Request{SessionID: "s1", Message: "slow please"})
	require.NoError(t, err)
	assert.Equal(t, store.TurnDelivered, turn.State)
	assert.Equal(t, "timed out after 50ms", recordOf(turn, "call_1").Error)
	assert.Equal(t, string(CallFailed), recordOf(turn, "call_1").Status)
	assert.Equal(t, "upstream call call_1 failed", recordOf(turn, "call_2").Error)
	assert.Equal(t, "Partial.\n\nNot completed:\n"+
		"- slow (call_1): timed out after 50ms\n"+
		"- detect_geo_clusters (call_2): upstream call call_1 failed", turn.Answer)
}

func TestConverse_TurnTimeoutDeliversPartialAnswer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TurnTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, slowRegistry)
	h.llm.Plan = planOf(toolCall("slow", `{}`))

	turn, err := h.orch.Converse(context.Background(), &Request{SessionID: "s1", Message: "slow please"})
	require.NoError(t, err)
	assert.Equal(t, store.TurnDelivered, turn.State)
	assert.Equal(t, reasonTimeout, recordOf(turn, "call_1").Error)
	assert.Contains(t, turn.Answer, "No analysis could be completed")
	assert.Contains(t, turn.Answer, "- slow (call_1): turn timeout")
}

func TestConverse_Validation(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	tests := []struct {
		name string
		req  *Request
	}{
		{"bad session", &Request{SessionID: "no spaces", Message: "hi"}},
		{"empty message", &Request{SessionID: "s1", Message: "   "}},
		{"long message", &Request{SessionID: "s1", Message: strings.Repeat("x", maxMessageRunes+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Converse(context.Background(), tt.req)
			assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))
		})
	}
}

func TestMachine(t *testing.T) {
	turn := &store.AgentTurn{}
	var seen []store.TurnState
	m := newMachine(turn, func(s store.TurnState) { seen = append(seen, s) })

	require.Error(t, m.to(store.TurnDelivered))
	require.NoError(t, m.to(store.TurnPlanning))
	require.NoError(t, m.to(store.TurnSynthesizing))
	m.fail("boom")
	assert.Equal(t, store.TurnFailed, turn.State)
	assert.Equal(t, "boom", turn.FailureReason)
	assert.Error(t, m.to(store.TurnPlanning))

	m.fail("again")
	assert.Equal(t, "boom", turn.FailureReason)
	assert.Equal(t, []store.TurnState{store.TurnPlanning, store.TurnSynthesizing, store.TurnFailed}, seen)
}

func TestCitationFilter(t *testing.T) {
	plan := &Plan{Calls: []*PlannedCall{{
		ID: "call_1", Status: CallSucceeded,
		Output: &tools.Output{ExperienceIDs: []string{"e1", "e2"}},
	}}}
	f := newCitationFilter(plan)

	var out strings.Builder
	for _, chunk := range []string{"a [E:e", "1] b [E:zz", "] c [", "E:e2] d [E:e1] [note"} {
		out.WriteString(f.push(chunk))
	}
	out.WriteString(f.flush())

	assert.Equal(t, "a [E:e1] b  c [E:e2] d [E:e1] [note", out.String())
	assert.Equal(t, 1, f.removed)
	assert.Equal(t, []store.Citation{
		{Marker: "[E:e1]", ExperienceID: "e1"},
		{Marker: "[E:e2]", ExperienceID: "e2"},
	}, f.citations)
}

func TestRecords(t *testing.T) {
	plan := &Plan{Calls: []*PlannedCall{
		{ID: "call_1", Tool: "t", Status: CallSucceeded, Args: json.RawMessage(`{"q":1}`),
			Output: &tools.Output{Data: map[string]int{"n": 1}, ExperienceIDs: []string{"e1"}}},
		{ID: "call_2", Tool: "t", Status: CallSkipped, Error: reasonExceedsMax, Args: json.RawMessage(`not json`)},
	}}
	list := records(plan)
	require.Len(t, list, 2)
	assert.JSONEq(t, `{"n":1}`, string(list[0].Output))
	assert.Equal(t, []string{"e1"}, list[0].ExperienceIDs)
	assert.Nil(t, list[1].Arguments)
	assert.Equal(t, reasonExceedsMax, list[1].Error)
}
