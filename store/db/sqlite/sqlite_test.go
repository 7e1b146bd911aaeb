package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/uncanny/internal/profile"
	"github.com/hrygo/uncanny/store"
)

func newTestingStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db"), EmbeddingDim: 3}
	driver, err := NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() { driver.Close() })
	return store.New(driver, p)
}

func createExperience(ctx context.Context, t *testing.T, ts *store.Store, e *store.Experience) *store.Experience {
	t.Helper()
	created, err := ts.CreateExperience(ctx, e)
	require.NoError(t, err)
	return created
}

func TestExperienceVisibility(t *testing.T) {
	ctx := context.Background()
	ts := newTestingStore(t)

	initialized, err := ts.GetDriver().IsInitialized(ctx)
	require.NoError(t, err)
	require.True(t, initialized)

	public := createExperience(ctx, t, ts, &store.Experience{CreatorID: 1, Category: store.CategoryUFO, Narrative: "lights", Visibility: store.Public, OccurredAt: time.Now()})
	protected := createExperience(ctx, t, ts, &store.Experience{CreatorID: 1, Category: store.CategoryGhost, Narrative: "cold spot", Visibility: store.Protected, OccurredAt: time.Now()})
	private := createExperience(ctx, t, ts, &store.Experience{CreatorID: 1, Category: store.CategoryDream, Narrative: "falling"})
	assert.Equal(t, store.Private, private.Visibility)
	assert.NotEmpty(t, private.ID)

	ids := []string{public.ID, protected.ID, private.ID}

	anonymous, err := ts.GetExperiences(ctx, ids, store.Viewer{})
	require.NoError(t, err)
	require.Len(t, anonymous, 1)
	assert.Equal(t, public.ID, anonymous[0].ID)

	other, err := ts.GetExperiences(ctx, ids, store.Viewer{UserID: 2})
	require.NoError(t, err)
	assert.Len(t, other, 2)

	owner, err := ts.GetExperiences(ctx, append(ids, "missing", public.ID), store.Viewer{UserID: 1})
	require.NoError(t, err)
	require.Len(t, owner, 3)
	assert.Equal(t, public.ID, owner[0].ID)
	assert.Equal(t, private.ID, owner[2].ID)
}

func TestExperienceUpdate(t *testing.T) {
	ctx := context.Background()
	ts := newTestingStore(t)

	e := createExperience(ctx, t, ts, &store.Experience{
		CreatorID: 1, Category: store.CategoryCryptid, Narrative: "tracks", Tags: []string{"forest"},
		Attributes: map[string]string{"weather": "fog"}, Embedding: []float32{1, 0, 0},
	})
	assert.Equal(t, []float32{1, 0, 0}, e.Embedding)

	_, err := ts.UpdateExperience(ctx, 2, &store.UpdateExperience{ID: e.ID, Tags: []string{"x"}})
	assert.Error(t, err, "non-owner cannot edit")

	narrative := "large tracks"
	updated, err := ts.UpdateExperience(ctx, 1, &store.UpdateExperience{ID: e.ID, Narrative: &narrative})
	require.NoError(t, err)
	assert.Equal(t, narrative, updated.Narrative)
	assert.Nil(t, updated.Embedding, "narrative change clears the embedding")
	assert.Equal(t, "fog", updated.Attributes["weather"])

	locked := true
	_, err = ts.UpdateExperience(ctx, 1, &store.UpdateExperience{ID: e.ID, Locked: &locked})
	require.NoError(t, err)
	_, err = ts.UpdateExperience(ctx, 1, &store.UpdateExperience{ID: e.ID, Tags: []string{"y"}})
	assert.Error(t, err, "locked experience is immutable")

	missing, err := ts.ListExperiences(ctx, &store.FindExperience{MissingEmbedding: true, IgnoreVisibility: true})
	require.NoError(t, err)
	require.Len(t, missing, 1)

	require.NoError(t, ts.UpdateExperienceEmbedding(ctx, &store.UpdateExperienceEmbedding{ID: e.ID, Model: "m", Embedding: []float32{0, 1, 0}}))
	missing, err = ts.ListExperiences(ctx, &store.FindExperience{MissingEmbedding: true, IgnoreVisibility: true})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	ts := newTestingStore(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	a := createExperience(ctx, t, ts, &store.Experience{CreatorID: 1, Category: store.CategoryUFO, Visibility: store.Public,
		Narrative: "Bright disc over the lake", Tags: []string{"lake"}, Embedding: []float32{1, 0, 0}, OccurredAt: base,
		Attributes: map[string]string{"witnesses": "3"}})
	b := createExperience(ctx, t, ts, &store.Experience{CreatorID: 1, Category: store.CategoryUFO, Visibility: store.Public,
		Narrative: "Silent triangle", Tags: []string{"night"}, Embedding: []float32{0.8, 0.6, 0}, OccurredAt: base.Add(time.Hour),
		Attributes: map[string]string{"witnesses": "1"}})
	createExperience(ctx, t, ts, &store.Experience{CreatorID: 1, Category: store.CategoryGhost, Visibility: store.Public,
		Narrative: "Footsteps by the lake", Embedding: []float32{0, 0, 1}, OccurredAt: base})

	t.Run("vector", func(t *testing.T) {
		hits, err := ts.VectorSearch(ctx, &store.VectorSearchOptions{Vector: []float32{1, 0, 0}, Limit: 2})
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, a.ID, hits[0].Experience.ID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
		assert.Equal(t, b.ID, hits[1].Experience.ID)
		assert.InDelta(t, 0.8, hits[1].Score, 1e-6)
	})

	t.Run("vector with filter", func(t *testing.T) {
		minWitnesses := 2.0
		hits, err := ts.VectorSearch(ctx, &store.VectorSearchOptions{
			Vector: []float32{0, 1, 0},
			Filter: &store.ExperienceFilter{Categories: []store.Category{store.CategoryUFO}, Ranges: map[string]store.Range{"witnesses": {Min: &minWitnesses}}},
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, a.ID, hits[0].Experience.ID)
	})

	t.Run("keyword", func(t *testing.T) {
		hits, err := ts.KeywordSearch(ctx, &store.KeywordSearchOptions{Keywords: []string{"lake", "disc"}})
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, a.ID, hits[0].Experience.ID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
		assert.InDelta(t, 0.5, hits[1].Score, 1e-6)
	})

	t.Run("keyword with tag filter", func(t *testing.T) {
		hits, err := ts.KeywordSearch(ctx, &store.KeywordSearchOptions{Keywords: []string{"lake"}, Filter: &store.ExperienceFilter{Tags: []string{"lake"}}})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, a.ID, hits[0].Experience.ID)
	})

	t.Run("empty keywords", func(t *testing.T) {
		hits, err := ts.KeywordSearch(ctx, &store.KeywordSearchOptions{})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestAggregates(t *testing.T) {
	ctx := context.Background()
	ts := newTestingStore(t)

	createExperience(ctx, t, ts, &store.Experience{CreatorID: 1, Category: store.CategoryUFO, Visibility: store.Public, Location: &store.GeoPoint{Lat: 40.5, Lon: -73.5}})
	createExperience(ctx, t, ts, &store.Experience{CreatorID: 1, Category: store.CategoryUFO, Visibility: store.Public, Location: &store.GeoPoint{Lat: 40.1, Lon: -73.9}})
	createExperience(ctx, t, ts, &store.Experience{CreatorID: 2, Category: store.CategoryGhost, Visibility: store.Public})
	// Non-public rows never reach the shared profiles.
	createExperience(ctx, t, ts, &store.Experience{CreatorID: 3, Category: store.CategoryNDE, Visibility: store.Private, Location: &store.GeoPoint{Lat: 10, Lon: 10}})
	createExperience(ctx, t, ts, &store.Experience{CreatorID: 1, Category: store.CategoryNDE, Visibility: store.Protected, Location: &store.GeoPoint{Lat: 10, Lon: 10}})

	counts, err := ts.ListCategoryCounts(ctx, &store.FindUserAggregates{})
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, 2, counts[0].Count)
	for _, cc := range counts {
		assert.NotEqual(t, store.CategoryNDE, cc.Category)
		assert.NotEqual(t, int32(3), cc.CreatorID)
	}

	cells, err := ts.ListLocationCells(ctx, &store.FindUserAggregates{CreatorIDs: []int32{3}})
	require.NoError(t, err)
	assert.Empty(t, cells)

	cells, err = ts.ListLocationCells(ctx, &store.FindUserAggregates{CreatorIDs: []int32{1}})
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, 40, cells[0].LatCell)
	assert.Equal(t, -74, cells[0].LonCell)
	assert.Equal(t, 2, cells[0].Count)
}

func TestUserSimilarity(t *testing.T) {
	ctx := context.Background()
	ts := newTestingStore(t)

	_, err := ts.UpsertUserSimilarity(ctx, &store.UserSimilarityEntry{UserA: 3, UserB: 3})
	assert.Error(t, err)

	_, err = ts.UpsertUserSimilarity(ctx, &store.UserSimilarityEntry{UserA: 5, UserB: 2, Score: 0.4, ComputedTs: 10})
	require.NoError(t, err)
	_, err = ts.UpsertUserSimilarity(ctx, &store.UserSimilarityEntry{UserA: 2, UserB: 5, Score: 0.9, ComputedTs: 20,
		SharedCategories: []store.Category{store.CategoryUFO}})
	require.NoError(t, err)

	entry, err := ts.GetUserSimilarity(ctx, 5, 2)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int32(2), entry.UserA)
	assert.Equal(t, 0.9, entry.Score)
	assert.Equal(t, []store.Category{store.CategoryUFO}, entry.SharedCategories)

	missing, err := ts.GetUserSimilarity(ctx, 1, 9)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = ts.UpsertUserSimilarity(ctx, &store.UserSimilarityEntry{UserA: 7, UserB: 2, Score: 0.1, ComputedTs: 30})
	require.NoError(t, err)
	_, err = ts.UpsertUserSimilarity(ctx, &store.UserSimilarityEntry{UserA: 7, UserB: 8, Score: 0.2, ComputedTs: 30})
	require.NoError(t, err)

	rows, err := ts.ListUserSimilarities(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int32(5), rows[0].Other(2))
	assert.Equal(t, int32(7), rows[1].Other(2))
	assert.Equal(t, []store.Category{store.CategoryUFO}, rows[0].SharedCategories)

	none, err := ts.ListUserSimilarities(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAgentTurns(t *testing.T) {
	ctx := context.Background()
	ts := newTestingStore(t)

	_, err := ts.CreateAgentTurn(ctx, &store.AgentTurn{ID: "t0", SessionID: "s", State: store.TurnPlanning})
	assert.Error(t, err, "only terminal turns are persisted")

	for i, id := range []string{"t1", "t2", "t3"} {
		turn, err := ts.CreateAgentTurn(ctx, &store.AgentTurn{
			ID: id, SessionID: "s", State: store.TurnDelivered, Message: "q",
			Plan:      []*store.ToolCallRecord{{ID: "c1", Tool: "search_experiences", Status: "succeeded"}},
			Citations: []store.Citation{{Marker: "[E:x]", ExperienceID: "x"}},
		})
		require.NoError(t, err)
		assert.Equal(t, int32(i+1), turn.Seq)
	}
	_, err = ts.CreateAgentTurn(ctx, &store.AgentTurn{ID: "o1", SessionID: "other", State: store.TurnFailed, FailureReason: "cancelled"})
	require.NoError(t, err)

	turns, err := ts.ListAgentTurns(ctx, &store.FindAgentTurn{SessionID: "s"})
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "t1", turns[0].ID)
	assert.Equal(t, "search_experiences", turns[0].Plan[0].Tool)
	assert.Equal(t, "x", turns[0].Citations[0].ExperienceID)

	latest, err := ts.ListAgentTurns(ctx, &store.FindAgentTurn{SessionID: "s", Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "t2", latest[0].ID)
	assert.Equal(t, "t3", latest[1].ID)
}

func TestAttributeSchemas(t *testing.T) {
	ctx := context.Background()
	ts := newTestingStore(t)

	_, err := ts.UpsertAttributeSchema(ctx, &store.AttributeSchema{Key: "shape", Type: store.AttributeEnum})
	assert.Error(t, err)

	_, err = ts.UpsertAttributeSchema(ctx, &store.AttributeSchema{Key: "shape", Type: store.AttributeEnum, AllowedValues: []string{"disc", "triangle"}, Filterable: true})
	require.NoError(t, err)
	list, err := ts.ListAttributeSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = ts.UpsertAttributeSchema(ctx, &store.AttributeSchema{Key: "witnesses", Type: store.AttributeNumber, Filterable: true})
	require.NoError(t, err)
	list, err = ts.ListAttributeSchemas(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2, "upsert invalidates the cached vocabulary")

	assert.NoError(t, store.ValidateFilter(&store.ExperienceFilter{Attributes: map[string]string{"shape": "disc"}}, list))
	assert.Error(t, store.ValidateFilter(&store.ExperienceFilter{Attributes: map[string]string{"shape": "cigar"}}, list))
	assert.Error(t, store.ValidateFilter(&store.ExperienceFilter{Ranges: map[string]store.Range{"shape": {}}}, list))
}
