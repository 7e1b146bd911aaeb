package patterns

import (
	"sort"
	"strings"

	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

// TagParams configures the co-occurrence network.
type TagParams struct {
	MinCooccurrence int     `json:"min_cooccurrence"`
	MinScore        float64 `json:"min_score,omitempty"`
}

func (p TagParams) Validate() error {
	if p.MinCooccurrence < 1 {
		return apperrors.InvalidArgument("min_cooccurrence must be at least 1, got %d", p.MinCooccurrence)
	}
	return validateMinScore(p.MinScore)
}

type tagKey struct{ a, b string }

// BuildTagNetwork emits an edge for every pair of distinct tags seen together
// on at least MinCooccurrence experiences.
func BuildTagNetwork(experiences []*store.Experience, p TagParams) ([]*TagPair, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(experiences) < p.MinCooccurrence {
		return []*TagPair{}, nil
	}

	edges := map[tagKey][]string{}
	for _, e := range experiences {
		tags := normalizeTags(e.Tags)
		for i := 0; i < len(tags); i++ {
			for j := i + 1; j < len(tags); j++ {
				k := tagKey{tags[i], tags[j]}
				edges[k] = append(edges[k], e.ID)
			}
		}
	}

	n := float64(len(experiences))
	pairs := []*TagPair{}
	for k, ids := range edges {
		if len(ids) < p.MinCooccurrence {
			continue
		}
		score := clamp01(float64(len(ids)) / n)
		if score < p.MinScore {
			continue
		}
		sort.Strings(ids)
		pairs = append(pairs, &TagPair{A: k.a, B: k.b, IDs: ids, Count: len(ids), Confidence: round(score)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
	return pairs, nil
}

// normalizeTags case-folds, trims and deduplicates tags into sorted order.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
