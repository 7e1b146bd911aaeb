// Package server assembles the engine and serves it over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/ai"
	"github.com/hrygo/uncanny/ai/agents/orchestrator"
	"github.com/hrygo/uncanny/ai/agents/tools"
	"github.com/hrygo/uncanny/ai/core/embedding"
	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/ai/core/retrieval"
	"github.com/hrygo/uncanny/ai/enrichment"
	"github.com/hrygo/uncanny/ai/metrics"
	"github.com/hrygo/uncanny/ai/patterns"
	"github.com/hrygo/uncanny/ai/ratelimit"
	"github.com/hrygo/uncanny/ai/session"
	"github.com/hrygo/uncanny/ai/twins"
	"github.com/hrygo/uncanny/internal/profile"
	"github.com/hrygo/uncanny/internal/scheduler"
	apiv1 "github.com/hrygo/uncanny/server/router/api/v1"
	"github.com/hrygo/uncanny/store"
)

const (
	backfillBatch   = 100
	shutdownTimeout = 10 * time.Second
)

// Server owns the HTTP listener and the background jobs.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	scheduler  *scheduler.Scheduler
	trigger    *enrichment.Trigger
	metrics    *metrics.PrometheusExporter
	twins      *twins.Engine
}

// Engine is the wired component graph without the HTTP layer.
type Engine struct {
	Metrics      *metrics.PrometheusExporter
	Retriever    *retrieval.HybridRetriever
	Detector     *patterns.Detector
	Twins        *twins.Engine
	Enricher     *enrichment.Enricher
	Orchestrator *orchestrator.Orchestrator
}

// NewEngine builds every component from the profile. The embedder and the
// LLM are optional: without them retrieval runs keyword-only and the
// orchestrator is nil.
func NewEngine(p *profile.Profile, st *store.Store) (*Engine, error) {
	cfg := ai.NewConfigFromProfile(p)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid engine config")
	}
	m := metrics.NewPrometheusExporter(metrics.DefaultConfig())

	var embedder embedding.Service
	if cfg.EmbeddingEnabled {
		var err error
		if embedder, err = embedding.NewService(&cfg.Embedding); err != nil {
			return nil, errors.Wrap(err, "failed to create embedding service")
		}
	} else {
		slog.Warn("server: embedding disabled, retrieval is keyword-only")
	}

	retriever, err := retrieval.NewHybridRetriever(st, embedder, retrieval.WithWeights(cfg.Weights), retrieval.WithMetrics(m))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create retriever")
	}
	engine := &Engine{
		Metrics:   m,
		Retriever: retriever,
		Detector:  patterns.NewDetector(st),
		Twins:     twins.NewEngine(st, twins.WithStaleness(p.TwinStaleness), twins.WithMetrics(m)),
	}
	if embedder != nil {
		engine.Enricher = enrichment.NewEnricher(st, embedder)
	}

	if !cfg.LLMEnabled {
		slog.Warn("server: LLM not configured, conversations disabled")
		return engine, nil
	}
	service, err := llm.NewService(&cfg.LLM)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create llm service")
	}
	registry, err := tools.NewDefaultRegistry(retriever, engine.Detector, engine.Twins)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register tools")
	}
	engine.Orchestrator = orchestrator.New(
		llm.Instrument(service, cfg.LLM.Model, m),
		registry,
		st,
		session.NewLocks(),
		cfg.Orchestrator,
		orchestrator.WithMetrics(m),
	)
	return engine, nil
}

func NewServer(ctx context.Context, p *profile.Profile, st *store.Store) (*Server, error) {
	engine, err := NewEngine(p, st)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Profile:   p,
		Store:     st,
		scheduler: scheduler.New(),
		metrics:   engine.Metrics,
		twins:     engine.Twins,
	}

	if err := s.scheduler.Add("twins_recompute", p.TwinSchedule, time.Hour, func(ctx context.Context) error {
		_, err := engine.Twins.RecomputeAll(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	api := &apiv1.APIV1Service{
		Retriever:   engine.Retriever,
		Detector:    engine.Detector,
		Twins:       engine.Twins,
		Experiences: st,
		Limiter:     ratelimit.New(p.RateLimit, p.RateWindow),
		Metrics:     engine.Metrics,
	}
	// Assigned only when present so the interface stays nil without an LLM.
	if engine.Orchestrator != nil {
		api.Conversations = engine.Orchestrator
	}
	if engine.Enricher != nil {
		s.trigger = enrichment.NewTrigger(engine.Enricher, 3)
		api.OnExperienceCreated = s.trigger.TriggerAsync
		if err := s.scheduler.Add("embedding_backfill", p.BackfillSchedule, 10*time.Minute, func(ctx context.Context) error {
			_, err := engine.Enricher.Backfill(ctx, backfillBatch)
			return err
		}); err != nil {
			return nil, err
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apiv1.ErrorHandler
	e.Use(middleware.Recover())
	e.Use(apiv1.RequestLogger)

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(engine.Metrics.Handler()))
	api.RegisterRoutes(e.Group("/api/v1"))
	s.echoServer = e

	slog.InfoContext(ctx, "server: created",
		"mode", p.Mode,
		"driver", p.Driver,
		"llm", engine.Orchestrator != nil,
		"embedding", engine.Enricher != nil,
		"jobs", s.scheduler.Jobs(),
	)
	return s, nil
}

// Handler exposes the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.echoServer
}

func (s *Server) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.GetDriver().GetDB().PingContext(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": s.Profile.Version})
}

// Start begins serving in the background and starts the jobs.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}

	if s.trigger != nil {
		s.trigger.Start()
	}
	s.scheduler.Start()

	go func() {
		srv := &http.Server{Handler: s.echoServer, ReadHeaderTimeout: 10 * time.Second}
		s.echoServer.Listener = listener
		if err := s.echoServer.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server: failed to serve", "error", err)
		}
	}()
	slog.InfoContext(ctx, "server: listening", "address", listener.Addr().String())
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	slog.Info("server: shutting down")
	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("server: failed to shutdown http", "error", err)
	}
	s.scheduler.Stop()
	if s.trigger != nil {
		s.trigger.Stop()
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("server: failed to close store", "error", err)
	}
	slog.Info("server: stopped")
}
