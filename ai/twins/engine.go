package twins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hrygo/uncanny/ai/metrics"
	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

const (
	DefaultStaleness = 24 * time.Hour
	DefaultLimit     = 10
	MaxLimit         = 100
	cacheType        = "user_similarity"
)

// Store is the subset of the store used by the engine.
type Store interface {
	ListCategoryCounts(ctx context.Context, find *store.FindUserAggregates) ([]*store.CategoryCount, error)
	ListLocationCells(ctx context.Context, find *store.FindUserAggregates) ([]*store.LocationCell, error)
	GetUserSimilarity(ctx context.Context, a, b int32) (*store.UserSimilarityEntry, error)
	ListUserSimilarities(ctx context.Context, user int32) ([]*store.UserSimilarityEntry, error)
	UpsertUserSimilarity(ctx context.Context, entry *store.UserSimilarityEntry) (*store.UserSimilarityEntry, error)
}

// Twin is one ranked match of FindTwins.
type Twin struct {
	SharedCategories []store.Category `json:"shared_categories"`
	Band             string           `json:"band"`
	Score            float64          `json:"score"`
	UserID           int32            `json:"user_id"`
	SameLocation     bool             `json:"same_location"`
}

// Engine computes user similarity through a read-through cache kept in the store.
type Engine struct {
	store     Store
	metrics   *metrics.PrometheusExporter
	now       func() time.Time
	group     singleflight.Group
	staleness time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

func WithStaleness(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.staleness = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithMetrics(m *metrics.PrometheusExporter) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func NewEngine(st Store, opts ...Option) *Engine {
	e := &Engine{store: st, now: time.Now, staleness: DefaultStaleness}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Similarity returns the cached or freshly computed similarity of a and b.
func (e *Engine) Similarity(ctx context.Context, a, b int32) (*store.UserSimilarityEntry, error) {
	if a == b {
		return nil, apperrors.InvalidArgument("cannot compare user %d with itself", a)
	}
	cached, err := e.cached(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	profiles, err := e.loadProfiles(ctx, []int32{a, b})
	if err != nil {
		return nil, err
	}
	for _, id := range []int32{a, b} {
		if profiles[id] == nil {
			return nil, apperrors.NotFound("user", id)
		}
	}
	return e.recompute(ctx, profiles[a], profiles[b])
}

// FindTwins ranks the other users by similarity to user.
func (e *Engine) FindTwins(ctx context.Context, user int32, minScore float64, limit int) ([]*Twin, error) {
	if minScore < 0 || minScore > 1 {
		return nil, apperrors.InvalidArgument("min_score must be in [0, 1], got %v", minScore)
	}
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit < 0:
		return nil, apperrors.InvalidArgument("limit cannot be negative: %d", limit)
	case limit > MaxLimit:
		limit = MaxLimit
	}

	profiles, err := e.loadProfiles(ctx, nil)
	if err != nil {
		return nil, err
	}
	self := profiles[user]
	if self == nil {
		return nil, apperrors.NotFound("user", user)
	}

	rows, err := e.store.ListUserSimilarities(ctx, user)
	if err != nil {
		return nil, apperrors.FromDependency(ctx, "store", err)
	}
	now := e.now()
	fresh := make(map[int32]*store.UserSimilarityEntry, len(rows))
	for _, row := range rows {
		if row.Fresh(now, e.staleness) {
			fresh[row.Other(user)] = row
		}
	}

	twins := make([]*Twin, 0, len(profiles)-1)
	for id, other := range profiles {
		if id == user {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, apperrors.FromContext(err)
		}
		entry := fresh[id]
		if entry != nil {
			e.metrics.RecordCacheHit(cacheType)
		} else {
			e.metrics.RecordCacheMiss(cacheType)
			if entry, err = e.recompute(ctx, self, other); err != nil {
				return nil, err
			}
		}
		if entry.Score < minScore {
			continue
		}
		twins = append(twins, &Twin{
			UserID:           id,
			Score:            entry.Score,
			Band:             Band(entry.Score),
			SharedCategories: entry.SharedCategories,
			SameLocation:     entry.SameLocation,
		})
	}

	sort.Slice(twins, func(i, j int) bool {
		if twins[i].Score != twins[j].Score {
			return twins[i].Score > twins[j].Score
		}
		return twins[i].UserID < twins[j].UserID
	})
	if len(twins) > limit {
		twins = twins[:limit]
	}
	return twins, nil
}

// RecomputeAll replaces the cached row of every pair of active users.
func (e *Engine) RecomputeAll(ctx context.Context) (int, error) {
	profiles, err := e.loadProfiles(ctx, nil)
	if err != nil {
		return 0, err
	}
	ids := make([]int32, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	pairs := 0
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			a, b := profiles[ids[i]], profiles[ids[j]]
			pairs++
			g.Go(func() error {
				_, err := e.recompute(gctx, a, b)
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "twins: recomputed",
		"users", len(ids),
		"pairs", pairs,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return pairs, nil
}

// cached returns the stored row when it is fresh, else nil.
func (e *Engine) cached(ctx context.Context, a, b int32) (*store.UserSimilarityEntry, error) {
	entry, err := e.store.GetUserSimilarity(ctx, a, b)
	if err != nil {
		return nil, apperrors.FromDependency(ctx, "store", err)
	}
	if entry.Fresh(e.now(), e.staleness) {
		e.metrics.RecordCacheHit(cacheType)
		return entry, nil
	}
	e.metrics.RecordCacheMiss(cacheType)
	return nil, nil
}

// recompute scores the pair and replaces its row. Concurrent callers for one
// canonical pair share a single computation.
func (e *Engine) recompute(ctx context.Context, a, b *Profile) (*store.UserSimilarityEntry, error) {
	lo, hi := store.CanonicalPair(a.UserID, b.UserID)
	key := fmt.Sprintf("%d:%d", lo, hi)
	v, err, _ := e.group.Do(key, func() (any, error) {
		cmp := Compare(a, b)
		return e.store.UpsertUserSimilarity(ctx, &store.UserSimilarityEntry{
			UserA:            lo,
			UserB:            hi,
			Score:            cmp.Score,
			SharedCategories: cmp.Shared,
			SharedCount:      len(cmp.Shared),
			SameLocation:     cmp.SameLocation,
			ComputedTs:       e.now().Unix(),
		})
	})
	if err != nil {
		return nil, apperrors.FromDependency(ctx, "store", err)
	}
	return v.(*store.UserSimilarityEntry), nil
}

func (e *Engine) loadProfiles(ctx context.Context, users []int32) (map[int32]*Profile, error) {
	find := &store.FindUserAggregates{CreatorIDs: users}
	counts, err := e.store.ListCategoryCounts(ctx, find)
	if err != nil {
		return nil, apperrors.FromDependency(ctx, "store", err)
	}
	cells, err := e.store.ListLocationCells(ctx, find)
	if err != nil {
		return nil, apperrors.FromDependency(ctx, "store", err)
	}
	return BuildProfiles(counts, cells), nil
}
