package patterns

import (
	"context"
	"math"
	"sort"

	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

// Component weights before re-normalization over available components.
const (
	weightTags      = 0.2
	weightCategory  = 0.1
	weightGeo       = 0.2
	weightTemporal  = 0.15
	weightEmbedding = 0.35
)

// ExperienceGetter resolves one visible experience, returning nil when absent.
type ExperienceGetter interface {
	GetExperience(ctx context.Context, id string, viewer store.Viewer) (*store.Experience, error)
}

// Explain loads both experiences and explains their similarity.
func Explain(ctx context.Context, getter ExperienceGetter, viewer store.Viewer, a, b string) (*SimilarityExplanation, error) {
	if a == "" || b == "" {
		return nil, apperrors.InvalidArgument("two experience ids required")
	}
	if a == b {
		return nil, apperrors.InvalidArgument("cannot explain an experience against itself: %s", a)
	}
	left, err := getter.GetExperience(ctx, a, viewer)
	if err != nil {
		return nil, apperrors.FromDependency(ctx, "store", err)
	}
	if left == nil {
		return nil, apperrors.NotFound("experience", a)
	}
	right, err := getter.GetExperience(ctx, b, viewer)
	if err != nil {
		return nil, apperrors.FromDependency(ctx, "store", err)
	}
	if right == nil {
		return nil, apperrors.NotFound("experience", b)
	}
	return ExplainPair(left, right), nil
}

// ExplainPair computes the weighted similarity breakdown of two resolved experiences.
func ExplainPair(a, b *store.Experience) *SimilarityExplanation {
	shared, jaccard := tagOverlap(a.Tags, b.Tags)
	days := math.Abs(a.OccurredAt.Sub(b.OccurredAt).Hours()) / 24

	out := &SimilarityExplanation{
		A:          a.ID,
		B:          b.ID,
		SharedTags: shared,
		DaysApart:  round(days),
		Breakdown: Breakdown{
			TagOverlap: round(jaccard),
			Temporal:   round(math.Exp(-days / 30)),
		},
	}
	if a.Category == b.Category {
		out.Breakdown.CategoryMatch = 1
	}

	total := weightTags*out.Breakdown.TagOverlap + weightCategory*out.Breakdown.CategoryMatch + weightTemporal*out.Breakdown.Temporal
	weights := weightTags + weightCategory + weightTemporal

	if a.Location != nil && b.Location != nil {
		d := Haversine(*a.Location, *b.Location)
		proximity := round(math.Exp(-d / 100))
		out.DistanceKm = ptr(round(d))
		out.Breakdown.GeoProximity = &proximity
		total += weightGeo * proximity
		weights += weightGeo
	}
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		cos := round(clamp01(cosine(a.Embedding, b.Embedding)))
		out.Breakdown.Embedding = &cos
		total += weightEmbedding * cos
		weights += weightEmbedding
	}
	out.Aggregate = round(clamp01(total / weights))
	return out
}

func tagOverlap(a, b []string) ([]string, float64) {
	left, right := normalizeTags(a), normalizeTags(b)
	inRight := make(map[string]struct{}, len(right))
	for _, t := range right {
		inRight[t] = struct{}{}
	}
	shared := []string{}
	for _, t := range left {
		if _, ok := inRight[t]; ok {
			shared = append(shared, t)
		}
	}
	union := len(left) + len(right) - len(shared)
	if union == 0 {
		return shared, 0
	}
	sort.Strings(shared)
	return shared, float64(len(shared)) / float64(union)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func ptr(v float64) *float64 {
	return &v
}
