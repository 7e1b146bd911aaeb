// Package v1 serves the engine over HTTP JSON under /api/v1.
package v1

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/uncanny/ai/agents/orchestrator"
	"github.com/hrygo/uncanny/ai/core/retrieval"
	"github.com/hrygo/uncanny/ai/metrics"
	"github.com/hrygo/uncanny/ai/patterns"
	"github.com/hrygo/uncanny/ai/ratelimit"
	"github.com/hrygo/uncanny/ai/twins"
	"github.com/hrygo/uncanny/store"
)

// Retriever runs hybrid retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, q *retrieval.Query) (*retrieval.CandidateSet, error)
}

// Detector runs pattern detectors.
type Detector interface {
	Detect(ctx context.Context, req *patterns.Request) ([]patterns.Result, error)
}

// TwinFinder ranks similar users.
type TwinFinder interface {
	FindTwins(ctx context.Context, user int32, minScore float64, limit int) ([]*twins.Twin, error)
}

// Conversations runs and lists turns.
type Conversations interface {
	Converse(ctx context.Context, req *orchestrator.Request) (*store.AgentTurn, error)
	Turns(ctx context.Context, sessionID string, limit int) ([]*store.AgentTurn, error)
}

// APIV1Service holds the engine components behind the HTTP API.
type APIV1Service struct {
	Retriever   Retriever
	Detector    Detector
	Twins       TwinFinder
	Experiences Experiences
	Limiter     *ratelimit.Limiter
	Metrics     *metrics.PrometheusExporter

	// Conversations is nil when no LLM is configured.
	Conversations Conversations

	// OnExperienceCreated runs after an experience is stored, e.g. to queue its embedding.
	OnExperienceCreated func(*store.Experience)
}

// RegisterRoutes mounts the API on g. Every route is rate limited per caller.
func (s *APIV1Service) RegisterRoutes(g *echo.Group) {
	g.Use(viewerMiddleware, s.rateLimitMiddleware)

	g.GET("/search", s.Search)
	g.POST("/search", s.Search)
	g.POST("/patterns/:type", s.DetectPatterns)
	g.POST("/experiences", s.CreateExperience)
	g.GET("/experiences/:id", s.GetExperience)
	g.GET("/experiences/:id/similarity/:other", s.ExplainSimilarity)
	g.GET("/users/:id/twins", s.FindTwins)
	g.POST("/sessions/:session/turns", s.CreateTurn)
	g.GET("/sessions/:session/turns", s.ListTurns)
}
