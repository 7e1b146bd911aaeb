package v1

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/uncanny/ai/patterns"
	"github.com/hrygo/uncanny/internal/apperrors"
)

// Short path names accepted next to the canonical kinds.
var patternAliases = map[string]patterns.Kind{
	"geo":   patterns.KindGeographic,
	"tags":  patterns.KindTagNetwork,
	"cross": patterns.KindCrossCategory,
}

type detectRequest struct {
	CandidateIDs []string        `json:"candidate_ids"`
	Params       json.RawMessage `json:"params,omitempty"`
}

type patternsResponse struct {
	Results []patterns.Envelope `json:"results"`
}

// DetectPatterns runs one detector over the given candidate ids.
// POST /api/v1/patterns/:type
func (s *APIV1Service) DetectPatterns(c echo.Context) error {
	kind := patterns.Kind(c.Param("type"))
	if alias, ok := patternAliases[string(kind)]; ok {
		kind = alias
	}

	var req detectRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.InvalidArgument("invalid pattern request: %v", err)
	}
	if len(req.CandidateIDs) == 0 {
		return apperrors.InvalidArgument("candidate_ids required")
	}

	results, err := s.Detector.Detect(c.Request().Context(), &patterns.Request{
		Kind:         kind,
		CandidateIDs: req.CandidateIDs,
		Params:       req.Params,
		Viewer:       viewerOf(c),
	})
	if err != nil {
		return err
	}
	envelopes, err := patterns.Encode(results)
	if err != nil {
		return apperrors.Internal("encode pattern results", err)
	}
	return c.JSON(http.StatusOK, &patternsResponse{Results: envelopes})
}

// ExplainSimilarity breaks down the similarity of two experiences.
// GET /api/v1/experiences/:id/similarity/:other
func (s *APIV1Service) ExplainSimilarity(c echo.Context) error {
	results, err := s.Detector.Detect(c.Request().Context(), &patterns.Request{
		Kind:         patterns.KindSimilarity,
		CandidateIDs: []string{c.Param("id"), c.Param("other")},
		Viewer:       viewerOf(c),
	})
	if err != nil {
		return err
	}
	if len(results) != 1 {
		return apperrors.Internal("similarity returned no explanation", nil)
	}
	return c.JSON(http.StatusOK, results[0])
}
