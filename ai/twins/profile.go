// Package twins finds users who report strikingly similar experiences.
package twins

import (
	"math"

	"github.com/hrygo/uncanny/store"
)

// Profile summarizes one user's experiences.
type Profile struct {
	// Home is the most frequent 1 degree cell, nil when no experience is located.
	Home *store.LocationCell
	// Distribution holds category proportions in store.Categories order.
	Distribution []float64
	Total        int
	UserID       int32
}

// Categories returns the categories the user reported at least once.
func (p *Profile) Categories() []store.Category {
	list := []store.Category{}
	for i, share := range p.Distribution {
		if share > 0 {
			list = append(list, store.Categories[i])
		}
	}
	return list
}

// BuildProfiles groups aggregates by user. Users without categorized experiences are omitted.
func BuildProfiles(counts []*store.CategoryCount, cells []*store.LocationCell) map[int32]*Profile {
	index := make(map[store.Category]int, len(store.Categories))
	for i, c := range store.Categories {
		index[c] = i
	}

	profiles := map[int32]*Profile{}
	for _, c := range counts {
		i, ok := index[c.Category]
		if !ok || c.Count <= 0 {
			continue
		}
		p, ok := profiles[c.CreatorID]
		if !ok {
			p = &Profile{UserID: c.CreatorID, Distribution: make([]float64, len(store.Categories))}
			profiles[c.CreatorID] = p
		}
		p.Distribution[i] += float64(c.Count)
		p.Total += c.Count
	}
	for _, p := range profiles {
		for i := range p.Distribution {
			p.Distribution[i] /= float64(p.Total)
		}
	}

	for _, cell := range cells {
		p, ok := profiles[cell.CreatorID]
		if !ok {
			continue
		}
		if p.Home == nil || cell.Count > p.Home.Count || cell.Count == p.Home.Count && lessCell(cell, p.Home) {
			copied := *cell
			p.Home = &copied
		}
	}
	return profiles
}

func lessCell(a, b *store.LocationCell) bool {
	if a.LatCell != b.LatCell {
		return a.LatCell < b.LatCell
	}
	return a.LonCell < b.LonCell
}

// Comparison is the pairwise similarity of two profiles.
type Comparison struct {
	Shared       []store.Category
	Jaccard      float64
	Cosine       float64
	Score        float64
	SameLocation bool
}

// Compare combines category overlap, distribution shape and a shared-home bonus.
func Compare(a, b *Profile) *Comparison {
	var dot, na, nb float64
	var union int
	cmp := &Comparison{Shared: []store.Category{}}
	for i := range store.Categories {
		x, y := a.Distribution[i], b.Distribution[i]
		dot += x * y
		na += x * x
		nb += y * y
		if x > 0 || y > 0 {
			union++
		}
		if x > 0 && y > 0 {
			cmp.Shared = append(cmp.Shared, store.Categories[i])
		}
	}
	if union > 0 {
		cmp.Jaccard = float64(len(cmp.Shared)) / float64(union)
	}
	if na > 0 && nb > 0 {
		cmp.Cosine = dot / (math.Sqrt(na) * math.Sqrt(nb))
	}
	cmp.SameLocation = a.Home != nil && b.Home != nil && a.Home.LatCell == b.Home.LatCell && a.Home.LonCell == b.Home.LonCell

	score := 0.4*cmp.Jaccard + 0.6*cmp.Cosine
	if cmp.SameLocation {
		score += 0.1
	}
	cmp.Score = math.Round(math.Max(0, math.Min(1, score))*1e6) / 1e6
	return cmp
}

// Band labels a similarity score.
func Band(score float64) string {
	switch {
	case score >= 0.85:
		return "excellent"
	case score >= 0.70:
		return "very_good"
	case score >= 0.55:
		return "good"
	}
	return "fair"
}
