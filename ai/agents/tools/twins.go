package tools

import (
	"context"
	"encoding/json"

	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/ai/twins"
	"github.com/hrygo/uncanny/internal/apperrors"
)

// TwinFinder ranks users by similarity.
type TwinFinder interface {
	FindTwins(ctx context.Context, user int32, minScore float64, limit int) ([]*twins.Twin, error)
}

// TwinsTool finds users whose experiences resemble a user's.
type TwinsTool struct {
	finder TwinFinder
}

func NewTwinsTool(f TwinFinder) *TwinsTool {
	return &TwinsTool{finder: f}
}

func (*TwinsTool) Name() string { return FindTwins }

func (*TwinsTool) Description() string {
	return "Find users whose reported categories and home area resemble a user's. Defaults to the asking user."
}

func (*TwinsTool) Schema() *llm.JSONSchema {
	return &llm.JSONSchema{
		Type: "object",
		Properties: map[string]*llm.JSONSchema{
			"user_id":   {Type: "integer", Minimum: llm.Ptr(1)},
			"min_score": minScoreSchema,
			"limit":     {Type: "integer", Minimum: llm.Ptr(1), Maximum: llm.Ptr(twins.MaxLimit)},
		},
	}
}

func (t *TwinsTool) Run(ctx context.Context, call *Call) (*Output, error) {
	var args struct {
		UserID   int32   `json:"user_id"`
		MinScore float64 `json:"min_score"`
		Limit    int     `json:"limit"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, apperrors.InvalidArgument("invalid arguments: %v", err)
	}
	if args.UserID == 0 {
		args.UserID = call.Viewer.UserID
	}
	if args.UserID == 0 {
		return nil, apperrors.InvalidArgument("find_twins needs a signed-in user or user_id")
	}
	list, err := t.finder.FindTwins(ctx, args.UserID, args.MinScore, args.Limit)
	if err != nil {
		return nil, err
	}
	return &Output{
		Data:          list,
		Summary:       marshalSummary(list),
		ExperienceIDs: []string{},
	}, nil
}

// NewDefaultRegistry registers every engine tool.
func NewDefaultRegistry(r Retriever, d PatternDetector, f TwinFinder) (*Registry, error) {
	list := []Tool{NewSearchTool(r), NewExplainTool(d), NewTwinsTool(f)}
	for _, p := range NewPatternTools(d) {
		list = append(list, p)
	}
	return NewRegistry(list...)
}
