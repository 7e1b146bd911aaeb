package tools

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/ai/patterns"
	"github.com/hrygo/uncanny/internal/apperrors"
)

// PatternDetector runs one detector over candidate ids.
type PatternDetector interface {
	Detect(ctx context.Context, req *patterns.Request) ([]patterns.Result, error)
}

// PatternTool exposes one detector kind.
type PatternTool struct {
	detector    PatternDetector
	params      map[string]*llm.JSONSchema
	name        string
	description string
	kind        patterns.Kind
}

var minScoreSchema = &llm.JSONSchema{Type: "number", Minimum: llm.Ptr(0), Maximum: llm.Ptr(1), Description: "drop results scoring below"}

// NewPatternTools returns the tools of the four candidate-set detectors.
func NewPatternTools(d PatternDetector) []*PatternTool {
	return []*PatternTool{
		{
			detector: d, name: DetectGeoClusters, kind: patterns.KindGeographic,
			description: "Find dense geographic clusters among candidate experiences (DBSCAN over great-circle distance).",
			params: map[string]*llm.JSONSchema{
				"epsilon_km": {Type: "number", Minimum: llm.Ptr(0.001), Maximum: llm.Ptr(20000), Description: "neighbourhood radius in km"},
				"min_points": {Type: "integer", Minimum: llm.Ptr(2), Description: "minimum cluster size"},
				"min_score":  minScoreSchema,
			},
		},
		{
			detector: d, name: DetectTemporalCycles, kind: patterns.KindTemporal,
			description: "Find lunar phases over-represented among candidate experiences.",
			params: map[string]*llm.JSONSchema{
				"min_count": {Type: "integer", Minimum: llm.Ptr(1)},
				"min_z":     {Type: "number", Minimum: llm.Ptr(0), Description: "minimum z-score"},
				"min_score": minScoreSchema,
			},
		},
		{
			detector: d, name: BuildTagNetwork, kind: patterns.KindTagNetwork,
			description: "Build the tag co-occurrence network of candidate experiences.",
			params: map[string]*llm.JSONSchema{
				"min_cooccurrence": {Type: "integer", Minimum: llm.Ptr(1)},
				"min_score":        minScoreSchema,
			},
		},
		{
			detector: d, name: DetectCrossCategory, kind: patterns.KindCrossCategory,
			description: "Find tags, places and weeks shared by candidate experiences of different categories.",
			params: map[string]*llm.JSONSchema{
				"min_overlap": {Type: "integer", Minimum: llm.Ptr(1), Description: "minimum cross-category pairs"},
				"min_score":   minScoreSchema,
			},
		},
	}
}

func (t *PatternTool) Name() string        { return t.name }
func (t *PatternTool) Description() string { return t.description }

func (t *PatternTool) Schema() *llm.JSONSchema {
	props := map[string]*llm.JSONSchema{
		CandidatesFromArg: {Type: "string", Description: "id of an earlier search call, e.g. call_1"},
		"candidate_ids":   {Type: "array", Items: &llm.JSONSchema{Type: "string"}},
	}
	for k, v := range t.params {
		props[k] = v
	}
	return &llm.JSONSchema{Type: "object", Properties: props}
}

func (t *PatternTool) Run(ctx context.Context, call *Call) (*Output, error) {
	var args map[string]json.RawMessage
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, apperrors.InvalidArgument("invalid arguments: %v", err)
	}

	var ids []string
	switch {
	case call.Upstream != nil:
		ids = call.Upstream.Candidates
	case args["candidate_ids"] != nil:
		if err := json.Unmarshal(args["candidate_ids"], &ids); err != nil {
			return nil, apperrors.InvalidArgument("invalid candidate_ids: %v", err)
		}
	default:
		return nil, apperrors.InvalidArgument("%s needs candidates_from or candidate_ids", t.name)
	}
	delete(args, CandidatesFromArg)
	delete(args, "candidate_ids")
	params, err := json.Marshal(args)
	if err != nil {
		return nil, apperrors.Internal("failed to encode params", err)
	}

	results, err := t.detector.Detect(ctx, &patterns.Request{
		Kind:         t.kind,
		CandidateIDs: ids,
		Params:       params,
		Viewer:       call.Viewer,
	})
	if err != nil {
		return nil, err
	}
	return patternOutput(results)
}

func patternOutput(results []patterns.Result) (*Output, error) {
	envelopes, err := patterns.Encode(results)
	if err != nil {
		return nil, apperrors.Internal("failed to encode pattern results", err)
	}
	seen := map[string]struct{}{}
	ids := []string{}
	for _, r := range results {
		for _, id := range r.ContributingIDs() {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return &Output{
		Data:          envelopes,
		Summary:       marshalSummary(envelopes),
		Candidates:    ids,
		ExperienceIDs: ids,
	}, nil
}

// ExplainTool explains the similarity of two experiences.
type ExplainTool struct {
	detector PatternDetector
}

func NewExplainTool(d PatternDetector) *ExplainTool {
	return &ExplainTool{detector: d}
}

func (*ExplainTool) Name() string { return ExplainSimilarity }

func (*ExplainTool) Description() string {
	return "Explain why two experiences are similar: tags, category, distance, time and narrative meaning."
}

func (*ExplainTool) Schema() *llm.JSONSchema {
	return &llm.JSONSchema{
		Type: "object",
		Properties: map[string]*llm.JSONSchema{
			"experience_a": {Type: "string"},
			"experience_b": {Type: "string"},
		},
		Required: []string{"experience_a", "experience_b"},
	}
}

func (t *ExplainTool) Run(ctx context.Context, call *Call) (*Output, error) {
	var args struct {
		A string `json:"experience_a"`
		B string `json:"experience_b"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, apperrors.InvalidArgument("invalid arguments: %v", err)
	}
	results, err := t.detector.Detect(ctx, &patterns.Request{
		Kind:         patterns.KindSimilarity,
		CandidateIDs: []string{args.A, args.B},
		Viewer:       call.Viewer,
	})
	if err != nil {
		return nil, err
	}
	return patternOutput(results)
}
