package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hrygo/uncanny/ai/core/embedding"
	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/ai/core/retrieval"
	"github.com/hrygo/uncanny/ai/extract"
	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 50
	snippetRunes       = 160
)

// Retriever runs hybrid retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, q *retrieval.Query) (*retrieval.CandidateSet, error)
}

// SearchTool finds experiences relevant to a natural-language query.
type SearchTool struct {
	retriever Retriever
}

func NewSearchTool(r Retriever) *SearchTool {
	return &SearchTool{retriever: r}
}

func (*SearchTool) Name() string { return SearchExperiences }

func (*SearchTool) Description() string {
	return "Search visible experiences by meaning and keywords. Optional filters narrow the set. " +
		"Returns ranked candidates that pattern tools can consume through candidates_from."
}

func (*SearchTool) Schema() *llm.JSONSchema {
	categories := make([]string, 0, len(store.Categories))
	for _, c := range store.Categories {
		categories = append(categories, string(c))
	}
	return &llm.JSONSchema{
		Type: "object",
		Properties: map[string]*llm.JSONSchema{
			"query":           {Type: "string", Description: "natural-language search text"},
			"locale":          {Type: "string", Enum: []string{"en", "es", "fr"}},
			"categories":      {Type: "array", Items: &llm.JSONSchema{Type: "string", Enum: categories}},
			"tags":            {Type: "array", Items: &llm.JSONSchema{Type: "string"}, Description: "every tag must be present"},
			"occurred_after":  {Type: "string", Description: "RFC 3339 time or YYYY-MM-DD"},
			"occurred_before": {Type: "string", Description: "RFC 3339 time or YYYY-MM-DD"},
			"expression":      {Type: "string", Description: "CEL predicate over category, tags, attributes, occurred_at, lat, lon"},
			"limit":           {Type: "integer", Minimum: llm.Ptr(1), Maximum: llm.Ptr(maxSearchLimit)},
		},
		Required: []string{"query"},
	}
}

type searchArgs struct {
	Query          string           `json:"query"`
	Locale         string           `json:"locale"`
	OccurredAfter  string           `json:"occurred_after"`
	OccurredBefore string           `json:"occurred_before"`
	Expression     string           `json:"expression"`
	Categories     []store.Category `json:"categories"`
	Tags           []string         `json:"tags"`
	Limit          int              `json:"limit"`
}

type searchHit struct {
	ID         string         `json:"id"`
	Category   store.Category `json:"category"`
	OccurredOn string         `json:"occurred_on"`
	Snippet    string         `json:"snippet"`
	Tags       []string       `json:"tags,omitempty"`
	Score      float64        `json:"score"`
}

type searchResult struct {
	Hits     []searchHit `json:"hits"`
	Degraded []string    `json:"degraded,omitempty"`
	Total    int         `json:"total"`
}

func (t *SearchTool) Run(ctx context.Context, call *Call) (*Output, error) {
	var args searchArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, apperrors.InvalidArgument("invalid arguments: %v", err)
	}
	if args.Limit == 0 {
		args.Limit = defaultSearchLimit
	}

	filter := &store.ExperienceFilter{Categories: args.Categories, Tags: args.Tags, Expression: args.Expression}
	var err error
	if filter.OccurredAfter, err = parseTime(args.OccurredAfter); err != nil {
		return nil, err
	}
	if filter.OccurredBefore, err = parseTime(args.OccurredBefore); err != nil {
		return nil, err
	}

	set, err := t.retriever.Retrieve(ctx, &retrieval.Query{
		Text:            args.Query,
		Locale:          args.Locale,
		Filter:          filter,
		Viewer:          call.Viewer,
		Limit:           args.Limit,
		InferAttributes: true,
	})
	if err != nil {
		return nil, err
	}

	result := searchResult{Hits: make([]searchHit, 0, len(set.Items)), Degraded: set.Degraded, Total: set.Total}
	for _, item := range set.Items {
		e := item.Experience
		result.Hits = append(result.Hits, searchHit{
			ID:         e.ID,
			Category:   e.Category,
			OccurredOn: e.OccurredAt.UTC().Format(time.DateOnly),
			Snippet:    embedding.Truncate(extract.PlainText(e.Narrative), snippetRunes),
			Tags:       e.Tags,
			Score:      item.Score,
		})
	}
	ids := set.IDs()
	return &Output{
		Data:          result,
		Summary:       marshalSummary(result),
		Candidates:    ids,
		ExperienceIDs: ids,
	}, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, apperrors.InvalidArgument("invalid time %q, want RFC 3339 or YYYY-MM-DD", s)
}
