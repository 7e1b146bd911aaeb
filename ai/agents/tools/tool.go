// Package tools defines the typed operations the orchestrator may dispatch.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/store"
)

// Tool names.
const (
	SearchExperiences    = "search_experiences"
	DetectGeoClusters    = "detect_geo_clusters"
	DetectTemporalCycles = "detect_temporal_cycles"
	BuildTagNetwork      = "build_tag_network"
	DetectCrossCategory  = "detect_cross_category"
	ExplainSimilarity    = "explain_similarity"
	FindTwins            = "find_twins"
)

// CandidatesFromArg names the argument a call uses to consume another call's candidates.
const CandidatesFromArg = "candidates_from"

// Tool is an operation with a declared argument schema.
type Tool interface {
	Name() string
	Description() string
	Schema() *llm.JSONSchema
	// Run executes a call whose arguments already passed Validate.
	Run(ctx context.Context, call *Call) (*Output, error)
}

// Call is one dispatched tool invocation.
type Call struct {
	// Upstream is the output of the call named by candidates_from, if any.
	Upstream *Output
	ID       string
	Args     json.RawMessage
	Viewer   store.Viewer
}

// Output is the result of a tool call.
type Output struct {
	// Data is the structured result persisted with the turn.
	Data any `json:"data"`
	// Summary is the text handed to the synthesizer.
	Summary string `json:"summary"`
	// Candidates are the ranked experience ids a dependent call may consume.
	Candidates []string `json:"candidates,omitempty"`
	// ExperienceIDs are the experiences the output refers to. Citations must resolve to one of them.
	ExperienceIDs []string `json:"experience_ids"`
}

// Registry holds the available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: map[string]Tool{}}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Names are unique.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Name() == "" {
		return errors.New("tool name cannot be empty")
	}
	if _, ok := r.tools[t.Name()]; ok {
		return errors.Errorf("tool already registered: %s", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Descriptors returns the tools in the form the LLM consumes, sorted by name.
func (r *Registry) Descriptors() []llm.ToolDescriptor {
	list := r.List()
	out := make([]llm.ToolDescriptor, 0, len(list))
	for _, t := range list {
		out = append(out, llm.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema().String(),
		})
	}
	return out
}

// CandidatesFrom returns the call id named by the candidates_from argument, or "".
func CandidatesFrom(args json.RawMessage) string {
	var probe struct {
		From string `json:"candidates_from"`
	}
	if err := json.Unmarshal(args, &probe); err != nil {
		return ""
	}
	return probe.From
}

func marshalSummary(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
