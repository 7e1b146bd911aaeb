package patterns

import (
	"fmt"
	"math"
	"sort"

	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

// CrossParams configures the cross-category overlap detector.
type CrossParams struct {
	MinOverlap int     `json:"min_overlap"`
	MinScore   float64 `json:"min_score,omitempty"`
}

func (p CrossParams) Validate() error {
	if p.MinOverlap < 1 {
		return apperrors.InvalidArgument("min_overlap must be at least 1, got %d", p.MinOverlap)
	}
	return validateMinScore(p.MinScore)
}

// secondarySignals returns the tag, location cell and ISO week signals of e.
func secondarySignals(e *store.Experience) []string {
	signals := make([]string, 0, len(e.Tags)+2)
	for _, t := range normalizeTags(e.Tags) {
		signals = append(signals, "tag:"+t)
	}
	if e.Location != nil {
		signals = append(signals, fmt.Sprintf("geo:%d,%d", int(math.Floor(e.Location.Lat)), int(math.Floor(e.Location.Lon))))
	}
	if !e.OccurredAt.IsZero() {
		year, week := e.OccurredAt.UTC().ISOWeek()
		signals = append(signals, fmt.Sprintf("week:%d-W%02d", year, week))
	}
	return signals
}

// crossPairs counts unordered pairs of members from different categories.
func crossPairs(byCategory map[store.Category]int) int {
	total, same := 0, 0
	for _, c := range byCategory {
		total += c
		same += c * (c - 1) / 2
	}
	return total*(total-1)/2 - same
}

// DetectCrossCategory finds secondary signals shared by experiences of different categories.
func DetectCrossCategory(experiences []*store.Experience, p CrossParams) ([]*CrossCategoryPattern, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	all := map[store.Category]int{}
	groups := map[string][]*store.Experience{}
	for _, e := range experiences {
		all[e.Category]++
		for _, s := range secondarySignals(e) {
			groups[s] = append(groups[s], e)
		}
	}
	possible := crossPairs(all)
	if possible == 0 {
		return []*CrossCategoryPattern{}, nil
	}

	results := []*CrossCategoryPattern{}
	for signal, members := range groups {
		byCategory := map[store.Category]int{}
		for _, e := range members {
			byCategory[e.Category]++
		}
		pairs := crossPairs(byCategory)
		if pairs < p.MinOverlap {
			continue
		}
		score := clamp01(float64(pairs) / float64(possible))
		if score < p.MinScore {
			continue
		}
		categories := make([]store.Category, 0, len(byCategory))
		for c := range byCategory {
			categories = append(categories, c)
		}
		sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })
		ids := make([]string, 0, len(members))
		for _, e := range members {
			ids = append(ids, e.ID)
		}
		sort.Strings(ids)
		results = append(results, &CrossCategoryPattern{
			Signal:     signal,
			Categories: categories,
			IDs:        ids,
			Pairs:      pairs,
			Confidence: round(score),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Pairs != results[j].Pairs {
			return results[i].Pairs > results[j].Pairs
		}
		return results[i].Signal < results[j].Signal
	})
	return results, nil
}
