// Package retrieval implements hybrid vector + keyword retrieval over experiences.
package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/uncanny/ai/core/embedding"
	"github.com/hrygo/uncanny/ai/extract"
	"github.com/hrygo/uncanny/ai/metrics"
	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

// Signal names, also used as degraded markers.
const (
	SignalVector  = "vector"
	SignalKeyword = "keyword"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	// MaxPool bounds the per-signal candidate pool fetched from the store.
	// Pages must end within it.
	MaxPool = 1000
)

// Weights combine the normalized signals. They are re-normalized to sum to one.
type Weights struct {
	Vector  float64
	Keyword float64
}

// DefaultWeights keeps vector similarity dominant.
func DefaultWeights() Weights {
	return Weights{Vector: 0.7, Keyword: 0.3}
}

// Store is the subset of the store used by the retriever.
type Store interface {
	VectorSearch(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.ExperienceWithScore, error)
	KeywordSearch(ctx context.Context, opts *store.KeywordSearchOptions) ([]*store.ExperienceWithScore, error)
	ListExperiences(ctx context.Context, find *store.FindExperience) ([]*store.Experience, error)
	ListAttributeSchemas(ctx context.Context) ([]*store.AttributeSchema, error)
}

// Query is one retrieval request.
type Query struct {
	Filter *store.ExperienceFilter `json:"filter,omitempty"`
	Text   string                  `json:"text"`
	Locale string                  `json:"locale,omitempty"`
	Viewer store.Viewer            `json:"-"`
	Limit  int                     `json:"limit,omitempty"`
	Offset int                     `json:"offset,omitempty"`
	// InferAttributes merges attribute filters extracted from Text into Filter.
	InferAttributes bool `json:"infer_attributes,omitempty"`
}

// Candidate is one ranked experience.
type Candidate struct {
	Experience   *store.Experience `json:"-"`
	ExperienceID string            `json:"experience_id"`
	Score        float64           `json:"score"`
	VectorScore  float64           `json:"vector_score"`
	KeywordScore float64           `json:"keyword_score"`
}

// CandidateSet is the request-scoped ranked result. It is never persisted.
type CandidateSet struct {
	Items    []*Candidate `json:"items"`
	Keywords []string     `json:"keywords"`
	// Degraded lists signals that failed and were left out of scoring.
	Degraded []string `json:"degraded,omitempty"`
	// Total is the number of ranked candidates before pagination, at most
	// MaxPool per signal.
	Total int `json:"total"`
}

// IDs returns the experience ids in rank order.
func (c *CandidateSet) IDs() []string {
	ids := make([]string, 0, len(c.Items))
	for _, item := range c.Items {
		ids = append(ids, item.ExperienceID)
	}
	return ids
}

// Experiences returns the resolved experiences in rank order.
func (c *CandidateSet) Experiences() []*store.Experience {
	list := make([]*store.Experience, 0, len(c.Items))
	for _, item := range c.Items {
		list = append(list, item.Experience)
	}
	return list
}

// HybridRetriever ranks visible experiences by vector and keyword signals behind a filter gate.
type HybridRetriever struct {
	store    Store
	embedder embedding.Service
	metrics  *metrics.PrometheusExporter
	celEnv   *cel.Env
	weights  Weights
}

// Option configures a HybridRetriever.
type Option func(*HybridRetriever)

// WithWeights overrides the signal weights.
func WithWeights(w Weights) Option {
	return func(r *HybridRetriever) {
		if w.Vector >= 0 && w.Keyword >= 0 && w.Vector+w.Keyword > 0 {
			r.weights = w
		}
	}
}

// WithMetrics records signal latency and degradation.
func WithMetrics(m *metrics.PrometheusExporter) Option {
	return func(r *HybridRetriever) {
		r.metrics = m
	}
}

// NewHybridRetriever creates a retriever. A nil embedder disables the vector signal.
func NewHybridRetriever(st Store, embedder embedding.Service, opts ...Option) (*HybridRetriever, error) {
	env, err := newFilterEnv()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create filter environment")
	}
	r := &HybridRetriever{
		store:    st,
		embedder: embedder,
		celEnv:   env,
		weights:  DefaultWeights(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Weights returns the normalized signal weights.
func (r *HybridRetriever) Weights() Weights {
	sum := r.weights.Vector + r.weights.Keyword
	return Weights{Vector: r.weights.Vector / sum, Keyword: r.weights.Keyword / sum}
}

// Retrieve runs the query. Zero matches yield an empty set, never an error.
func (r *HybridRetriever) Retrieve(ctx context.Context, q *Query) (*CandidateSet, error) {
	limit, err := normalizePage(q)
	if err != nil {
		return nil, err
	}

	filter, err := r.prepareFilter(ctx, q)
	if err != nil {
		return nil, err
	}
	var expr *FilterExpression
	if filter.Expression != "" {
		if expr, err = CompileFilter(r.celEnv, filter.Expression); err != nil {
			return nil, err
		}
	}

	extracted := extract.Extract(q.Text, q.Locale)
	pool := min(MaxPool, max(100, (q.Offset+limit)*3))

	var hits map[string]*Candidate
	var degraded []string
	if q.Text == "" || extracted.IsEmpty() && r.embedder == nil {
		hits, err = r.filterOnly(ctx, q.Viewer, filter, pool)
	} else {
		hits, degraded, err = r.hybrid(ctx, q, filter, extracted.Keywords, pool)
	}
	if err != nil {
		return nil, err
	}

	ranked := make([]*Candidate, 0, len(hits))
	for _, c := range hits {
		// The gate is pushed down to the store and re-checked here.
		if !q.Viewer.CanSee(c.Experience) || !store.MatchesFilter(c.Experience, filter) || !expr.Match(c.Experience) {
			continue
		}
		ranked = append(ranked, c)
	}
	sortCandidates(ranked)

	set := &CandidateSet{Items: []*Candidate{}, Keywords: extracted.Keywords, Degraded: degraded, Total: len(ranked)}
	if q.Offset < len(ranked) {
		set.Items = ranked[q.Offset:min(len(ranked), q.Offset+limit)]
	}
	slog.DebugContext(ctx, "retrieval: query ranked",
		"keywords", len(extracted.Keywords),
		"total", set.Total,
		"returned", len(set.Items),
		"degraded", degraded,
	)
	return set, nil
}

func normalizePage(q *Query) (int, error) {
	if q.Offset < 0 {
		return 0, apperrors.InvalidArgument("offset cannot be negative: %d", q.Offset)
	}
	limit := q.Limit
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit < 1:
		limit = 1
	case limit > MaxLimit:
		limit = MaxLimit
	}
	if q.Offset+limit > MaxPool {
		return 0, apperrors.InvalidArgument("offset %d with limit %d pages past the %d ranked candidates", q.Offset, limit, MaxPool)
	}
	return limit, nil
}

// prepareFilter validates the filter against the attribute vocabulary and
// merges attributes inferred from the text.
func (r *HybridRetriever) prepareFilter(ctx context.Context, q *Query) (*store.ExperienceFilter, error) {
	filter := &store.ExperienceFilter{}
	if q.Filter != nil {
		copied := *q.Filter
		filter = &copied
	}
	if filter.IsEmpty() && !q.InferAttributes {
		return filter, nil
	}

	schemas, err := r.store.ListAttributeSchemas(ctx)
	if err != nil {
		return nil, apperrors.FromDependency(ctx, "store", err)
	}
	if err := store.ValidateFilter(filter, schemas); err != nil {
		return nil, apperrors.InvalidArgument("%v", err)
	}
	if q.InferAttributes {
		inferred := extract.ExtractAttributes(q.Text, schemas)
		if len(inferred) > 0 {
			merged := make(map[string]string, len(filter.Attributes)+len(inferred))
			for k, v := range inferred {
				merged[k] = v
			}
			for k, v := range filter.Attributes {
				merged[k] = v
			}
			filter.Attributes = merged
		}
	}
	return filter, nil
}

func (r *HybridRetriever) filterOnly(ctx context.Context, viewer store.Viewer, filter *store.ExperienceFilter, pool int) (map[string]*Candidate, error) {
	list, err := r.store.ListExperiences(ctx, &store.FindExperience{Filter: filter, Viewer: viewer, Limit: pool})
	if err != nil {
		return nil, apperrors.FromDependency(ctx, "store", err)
	}
	hits := make(map[string]*Candidate, len(list))
	for _, e := range list {
		hits[e.ID] = &Candidate{Experience: e, ExperienceID: e.ID}
	}
	return hits, nil
}

// hybrid runs both signals concurrently. A failed signal is dropped and reported
// in degraded; both failing is an upstream error.
func (r *HybridRetriever) hybrid(ctx context.Context, q *Query, filter *store.ExperienceFilter, keywords []string, pool int) (map[string]*Candidate, []string, error) {
	var (
		vectorHits, keywordHits []*store.ExperienceWithScore
		vectorErr, keywordErr   error
	)

	g, gctx := errgroup.WithContext(ctx)
	if r.embedder != nil {
		g.Go(func() error {
			start := time.Now()
			vectorHits, vectorErr = r.vectorSignal(gctx, q, filter, pool)
			r.metrics.RecordRetrieval(SignalVector, time.Since(start), vectorErr != nil)
			return nil
		})
	} else {
		vectorErr = errors.New("embedding disabled")
	}
	if len(keywords) > 0 {
		g.Go(func() error {
			start := time.Now()
			keywordHits, keywordErr = r.store.KeywordSearch(gctx, &store.KeywordSearchOptions{
				Filter: filter, Keywords: keywords, Viewer: q.Viewer, Limit: pool,
			})
			r.metrics.RecordRetrieval(SignalKeyword, time.Since(start), keywordErr != nil)
			return nil
		})
	}
	_ = g.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, nil, apperrors.FromContext(ctxErr)
	}

	var degraded []string
	w := r.Weights()
	switch {
	case vectorErr != nil && (keywordErr != nil || len(keywords) == 0):
		cause := vectorErr
		if keywordErr != nil {
			cause = keywordErr
		}
		return nil, nil, apperrors.Upstream("retrieval", cause)
	case vectorErr != nil:
		slog.WarnContext(ctx, "retrieval: vector signal failed, using keywords only", "error", vectorErr)
		degraded = append(degraded, SignalVector)
		w = Weights{Keyword: 1}
	case keywordErr != nil:
		slog.WarnContext(ctx, "retrieval: keyword signal failed, using vectors only", "error", keywordErr)
		degraded = append(degraded, SignalKeyword)
		w = Weights{Vector: 1}
	}

	hits := map[string]*Candidate{}
	get := func(e *store.Experience) *Candidate {
		c, ok := hits[e.ID]
		if !ok {
			c = &Candidate{Experience: e, ExperienceID: e.ID}
			hits[e.ID] = c
		}
		return c
	}
	for _, h := range vectorHits {
		get(h.Experience).VectorScore = clamp01(float64(h.Score))
	}
	var maxRank float64
	for _, h := range keywordHits {
		maxRank = math.Max(maxRank, float64(h.Score))
	}
	if maxRank > 0 {
		for _, h := range keywordHits {
			get(h.Experience).KeywordScore = clamp01(float64(h.Score) / maxRank)
		}
	}
	for _, c := range hits {
		c.Score = w.Vector*c.VectorScore + w.Keyword*c.KeywordScore
	}
	return hits, degraded, nil
}

func (r *HybridRetriever) vectorSignal(ctx context.Context, q *Query, filter *store.ExperienceFilter, pool int) ([]*store.ExperienceWithScore, error) {
	vector, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	return r.store.VectorSearch(ctx, &store.VectorSearchOptions{
		Filter: filter, Vector: vector, Viewer: q.Viewer, Limit: pool,
	})
}

// sortCandidates orders by score, then newer occurrence, then id.
func sortCandidates(list []*Candidate) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Experience.OccurredAt.Equal(b.Experience.OccurredAt) {
			return a.Experience.OccurredAt.After(b.Experience.OccurredAt)
		}
		return a.ExperienceID < b.ExperienceID
	})
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
