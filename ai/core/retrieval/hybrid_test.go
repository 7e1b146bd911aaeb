package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/internal/testutil"
	"github.com/hrygo/uncanny/store"
)

type fixture struct {
	st    *store.Store
	lake  *store.Experience
	road  *store.Experience
	quiet *store.Experience
	owned *store.Experience
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	base := time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)
	return &fixture{
		st: st,
		lake: testutil.Seed(t, st, &store.Experience{
			CreatorID: 1, Category: store.CategoryUFO, Narrative: "bright lights over the lake",
			Tags: []string{"orb"}, OccurredAt: base, Embedding: []float32{1, 0, 0},
		}),
		road: testutil.Seed(t, st, &store.Experience{
			CreatorID: 2, Category: store.CategoryGhost, Narrative: "lights on the road",
			OccurredAt: base.Add(time.Hour), Embedding: []float32{0, 1, 0},
		}),
		quiet: testutil.Seed(t, st, &store.Experience{
			CreatorID: 3, Category: store.CategoryUFO, Narrative: "a quiet night walk",
			OccurredAt: base.Add(2 * time.Hour), Embedding: []float32{1, 0, 0},
		}),
		owned: testutil.Seed(t, st, &store.Experience{
			CreatorID: 9, Category: store.CategoryUFO, Narrative: "lights over the lake again",
			Visibility: store.Private, OccurredAt: base, Embedding: []float32{1, 0, 0},
		}),
	}
}

func embedderReturning(vector []float32, err error) *testutil.MockEmbedder {
	m := new(testutil.MockEmbedder)
	m.On("Embed", mock.Anything, mock.Anything).Return(vector, err)
	return m
}

func TestRetrieve_RanksBySignals(t *testing.T) {
	f := newFixture(t)
	r, err := NewHybridRetriever(f.st, embedderReturning([]float32{1, 0, 0}, nil))
	require.NoError(t, err)

	set, err := r.Retrieve(context.Background(), &Query{Text: "lights over the lake"})
	require.NoError(t, err)

	assert.Equal(t, []string{f.lake.ID, f.quiet.ID, f.road.ID}, set.IDs())
	assert.Empty(t, set.Degraded)
	assert.Equal(t, 3, set.Total)
	assert.InDelta(t, 1.0, set.Items[0].Score, 1e-6)
	assert.InDelta(t, 0.7, set.Items[1].Score, 1e-6)
	assert.InDelta(t, 0.15, set.Items[2].Score, 1e-6)
	assert.Contains(t, set.Keywords, "lake")
}

func TestRetrieve_Deterministic(t *testing.T) {
	f := newFixture(t)
	r, err := NewHybridRetriever(f.st, embedderReturning([]float32{1, 0, 0}, nil))
	require.NoError(t, err)

	q := &Query{Text: "lights over the lake", Viewer: store.Viewer{UserID: 9}}
	first, err := r.Retrieve(context.Background(), q)
	require.NoError(t, err)
	for range 5 {
		again, err := r.Retrieve(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, first.IDs(), again.IDs())
	}
	// Equal scores: the newer occurrence wins, then the smaller id.
	assert.Contains(t, first.IDs(), f.owned.ID)
}

func TestRetrieve_VisibilityAndExpression(t *testing.T) {
	f := newFixture(t)
	r, err := NewHybridRetriever(f.st, embedderReturning([]float32{1, 0, 0}, nil))
	require.NoError(t, err)

	set, err := r.Retrieve(context.Background(), &Query{
		Text:   "lights over the lake",
		Viewer: store.Viewer{UserID: 9},
		Filter: &store.ExperienceFilter{Expression: `category == "ufo" && "orb" in tags`},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{f.lake.ID}, set.IDs())

	_, err = r.Retrieve(context.Background(), &Query{
		Text:   "lake",
		Filter: &store.ExperienceFilter{Expression: `category`},
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))
}

func TestRetrieve_DegradesToKeywords(t *testing.T) {
	f := newFixture(t)
	r, err := NewHybridRetriever(f.st, embedderReturning(nil, errors.New("embedding down")))
	require.NoError(t, err)

	set, err := r.Retrieve(context.Background(), &Query{Text: "lights over the lake"})
	require.NoError(t, err)
	assert.Equal(t, []string{SignalVector}, set.Degraded)
	assert.Equal(t, []string{f.lake.ID, f.road.ID}, set.IDs())
	assert.InDelta(t, 1.0, set.Items[0].Score, 1e-6)
	assert.InDelta(t, 0.5, set.Items[1].Score, 1e-6)
}

type keywordFailingStore struct {
	*store.Store
}

func (keywordFailingStore) KeywordSearch(context.Context, *store.KeywordSearchOptions) ([]*store.ExperienceWithScore, error) {
	return nil, errors.New("fts unavailable")
}

func TestRetrieve_BothSignalsFail(t *testing.T) {
	f := newFixture(t)

	vectorOnly, err := NewHybridRetriever(keywordFailingStore{f.st}, embedderReturning([]float32{1, 0, 0}, nil))
	require.NoError(t, err)
	set, err := vectorOnly.Retrieve(context.Background(), &Query{Text: "lights over the lake"})
	require.NoError(t, err)
	assert.Equal(t, []string{SignalKeyword}, set.Degraded)
	assert.Equal(t, []string{f.quiet.ID, f.lake.ID}, set.IDs()[:2])

	none, err := NewHybridRetriever(keywordFailingStore{f.st}, embedderReturning(nil, errors.New("embedding down")))
	require.NoError(t, err)
	_, err = none.Retrieve(context.Background(), &Query{Text: "lights over the lake"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUpstreamUnavailable))
}

func TestRetrieve_FilterOnlyAndPaging(t *testing.T) {
	f := newFixture(t)
	r, err := NewHybridRetriever(f.st, nil)
	require.NoError(t, err)

	set, err := r.Retrieve(context.Background(), &Query{
		Filter: &store.ExperienceFilter{Categories: []store.Category{store.CategoryUFO}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{f.quiet.ID, f.lake.ID}, set.IDs())

	page, err := r.Retrieve(context.Background(), &Query{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, []string{f.road.ID}, page.IDs())

	empty, err := r.Retrieve(context.Background(), &Query{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty.Items)

	_, err = r.Retrieve(context.Background(), &Query{Offset: -1})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))
}

func TestRetrieve_ValidatesAttributes(t *testing.T) {
	f := newFixture(t)
	r, err := NewHybridRetriever(f.st, nil)
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), &Query{
		Filter: &store.ExperienceFilter{Attributes: map[string]string{"shape": "disc"}},
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))

	_, err = f.st.UpsertAttributeSchema(context.Background(), &store.AttributeSchema{
		Key: "shape", Type: store.AttributeEnum, AllowedValues: []string{"disc", "triangle"}, Filterable: true,
	})
	require.NoError(t, err)
	set, err := r.Retrieve(context.Background(), &Query{Text: "a triangle over the lake", InferAttributes: true})
	require.NoError(t, err)
	assert.Empty(t, set.Items, "no experience carries shape=triangle")
}

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		limit    int
		expected int
	}{
		{0, DefaultLimit},
		{-3, 1},
		{7, 7},
		{500, MaxLimit},
	}
	for _, tt := range tests {
		got, err := normalizePage(&Query{Limit: tt.limit})
		require.NoError(t, err)
		assert.Equal(t, tt.expected, got)
	}

	got, err := normalizePage(&Query{Offset: MaxPool - 10, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 10, got)

	_, err = normalizePage(&Query{Offset: MaxPool - 10, Limit: 11})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))
	_, err = normalizePage(&Query{Offset: MaxPool})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))
	_, err = normalizePage(&Query{Offset: -1})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))
}

func TestWeights(t *testing.T) {
	r, err := NewHybridRetriever(nil, nil, WithWeights(Weights{Vector: 3, Keyword: 1}))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, r.Weights().Vector, 1e-9)

	r, err = NewHybridRetriever(nil, nil, WithWeights(Weights{}))
	require.NoError(t, err)
	assert.InDelta(t, DefaultWeights().Vector, r.Weights().Vector, 1e-9)
	assert.InDelta(t, DefaultWeights().Keyword, r.Weights().Keyword, 1e-9)
}
