package v1

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/uncanny/ai/core/retrieval"
	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

type searchRequest struct {
	Attributes     map[string]string      `json:"attributes"`
	Ranges         map[string]store.Range `json:"ranges"`
	Query          string                 `json:"query" query:"q"`
	Locale         string                 `json:"locale" query:"locale"`
	OccurredAfter  string                 `json:"occurred_after" query:"occurred_after"`
	OccurredBefore string                 `json:"occurred_before" query:"occurred_before"`
	Expression     string                 `json:"expression" query:"expression"`
	Categories     []string               `json:"categories" query:"category"`
	Tags           []string               `json:"tags" query:"tag"`
	Limit          int                    `json:"limit" query:"limit"`
	Offset         int                    `json:"offset" query:"offset"`
	// InferAttributes merges attribute filters extracted from the query text.
	InferAttributes bool `json:"infer_attributes" query:"infer_attributes"`
}

type experienceView struct {
	OccurredAt time.Time         `json:"occurred_at"`
	Location   *store.GeoPoint   `json:"location,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ID         string            `json:"id"`
	Category   store.Category    `json:"category"`
	Narrative  string            `json:"narrative"`
	TimeOfDay  store.TimeOfDay   `json:"time_of_day"`
	Visibility store.Visibility  `json:"visibility"`
	Tags       []string          `json:"tags"`
	CreatorID  int32             `json:"creator_id"`
}

func convertExperienceFromStore(e *store.Experience) *experienceView {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return &experienceView{
		OccurredAt: e.OccurredAt.UTC(),
		Location:   e.Location,
		Attributes: e.Attributes,
		ID:         e.ID,
		Category:   e.Category,
		Narrative:  e.Narrative,
		TimeOfDay:  e.TimeOfDay,
		Visibility: e.Visibility,
		Tags:       tags,
		CreatorID:  e.CreatorID,
	}
}

type candidateView struct {
	Experience   *experienceView `json:"experience"`
	Score        float64         `json:"score"`
	VectorScore  float64         `json:"vector_score"`
	KeywordScore float64         `json:"keyword_score"`
}

type searchResponse struct {
	Items    []*candidateView `json:"items"`
	Keywords []string         `json:"keywords"`
	Degraded []string         `json:"degraded,omitempty"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// Search returns the ranked candidate set.
// GET /api/v1/search?q=...  POST /api/v1/search
func (s *APIV1Service) Search(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.InvalidArgument("invalid search request: %v", err)
	}
	if c.Request().Method == http.MethodGet {
		// Query binding splits repeated keys only; accept comma lists too.
		req.Categories = splitList(req.Categories)
		req.Tags = splitList(req.Tags)
	}

	filter := &store.ExperienceFilter{
		Attributes: req.Attributes,
		Ranges:     req.Ranges,
		Expression: req.Expression,
		Tags:       req.Tags,
	}
	for _, category := range req.Categories {
		filter.Categories = append(filter.Categories, store.Category(category))
	}
	var err error
	if filter.OccurredAfter, err = parseTime("occurred_after", req.OccurredAfter); err != nil {
		return err
	}
	if filter.OccurredBefore, err = parseTime("occurred_before", req.OccurredBefore); err != nil {
		return err
	}

	q := &retrieval.Query{
		Filter:          filter,
		Text:            req.Query,
		Locale:          req.Locale,
		Viewer:          viewerOf(c),
		Limit:           req.Limit,
		Offset:          req.Offset,
		InferAttributes: req.InferAttributes,
	}
	set, err := s.Retriever.Retrieve(c.Request().Context(), q)
	if err != nil {
		return err
	}

	resp := &searchResponse{
		Items:    make([]*candidateView, 0, len(set.Items)),
		Keywords: set.Keywords,
		Degraded: set.Degraded,
		Total:    set.Total,
		Limit:    q.Limit,
		Offset:   q.Offset,
	}
	if resp.Keywords == nil {
		resp.Keywords = []string{}
	}
	for _, item := range set.Items {
		resp.Items = append(resp.Items, &candidateView{
			Experience:   convertExperienceFromStore(item.Experience),
			Score:        item.Score,
			VectorScore:  item.VectorScore,
			KeywordScore: item.KeywordScore,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTime(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, apperrors.InvalidArgument("invalid %s %q, want RFC 3339 or YYYY-MM-DD", field, s)
}
