// Package patterns detects structural regularities over a set of experiences.
package patterns

import (
	"encoding/json"
	"math"

	"github.com/hrygo/uncanny/store"
)

// Kind identifies a detector and the Result variant it produces.
type Kind string

const (
	KindGeographic    Kind = "geographic"
	KindTemporal      Kind = "temporal"
	KindTagNetwork    Kind = "tag_network"
	KindCrossCategory Kind = "cross_category"
	KindSimilarity    Kind = "similarity"
)

// Kinds lists every detector kind.
var Kinds = []Kind{KindGeographic, KindTemporal, KindTagNetwork, KindCrossCategory, KindSimilarity}

// Result is a detected pattern. The set of implementations is closed.
type Result interface {
	Kind() Kind
	// Score is the confidence or strength in [0,1].
	Score() float64
	ContributingIDs() []string

	sealed()
}

// GeographicCluster is a dense group of experiences.
type GeographicCluster struct {
	Centroid   store.GeoPoint `json:"centroid"`
	MemberIDs  []string       `json:"member_ids"`
	Count      int            `json:"count"`
	RadiusKm   float64        `json:"radius_km"`
	Confidence float64        `json:"score"`
}

// TemporalPattern is a lunar phase observed more often than chance.
type TemporalPattern struct {
	Phase      string   `json:"phase"`
	IDs        []string `json:"contributing_ids"`
	PhaseIndex int      `json:"phase_index"`
	Observed   int      `json:"observed"`
	Expected   float64  `json:"expected"`
	// Deviation is the z-score of Observed against Expected.
	Deviation  float64 `json:"deviation"`
	Confidence float64 `json:"score"`
}

// TagPair is a weighted edge of the tag co-occurrence network. A < B.
type TagPair struct {
	A          string   `json:"a"`
	B          string   `json:"b"`
	IDs        []string `json:"contributing_ids"`
	Count      int      `json:"count"`
	Confidence float64  `json:"score"`
}

// CrossCategoryPattern is a secondary signal shared across categories.
type CrossCategoryPattern struct {
	// Signal is tag:<tag>, geo:<lat>,<lon> or week:<year>-W<week>.
	Signal     string           `json:"signal"`
	Categories []store.Category `json:"categories"`
	IDs        []string         `json:"contributing_ids"`
	Pairs      int              `json:"pairs"`
	Confidence float64          `json:"score"`
}

// Breakdown holds the explainer components. Nil components were unavailable.
type Breakdown struct {
	GeoProximity  *float64 `json:"geo_proximity,omitempty"`
	Embedding     *float64 `json:"embedding,omitempty"`
	TagOverlap    float64  `json:"tag_overlap"`
	CategoryMatch float64  `json:"category_match"`
	Temporal      float64  `json:"temporal"`
}

// SimilarityExplanation explains why two experiences look alike.
type SimilarityExplanation struct {
	DistanceKm *float64  `json:"distance_km,omitempty"`
	A          string    `json:"a"`
	B          string    `json:"b"`
	SharedTags []string  `json:"shared_tags"`
	Breakdown  Breakdown `json:"breakdown"`
	Aggregate  float64   `json:"score"`
	DaysApart  float64   `json:"days_apart"`
}

func (*GeographicCluster) Kind() Kind     { return KindGeographic }
func (*TemporalPattern) Kind() Kind       { return KindTemporal }
func (*TagPair) Kind() Kind               { return KindTagNetwork }
func (*CrossCategoryPattern) Kind() Kind  { return KindCrossCategory }
func (*SimilarityExplanation) Kind() Kind { return KindSimilarity }

func (r *GeographicCluster) Score() float64     { return r.Confidence }
func (r *TemporalPattern) Score() float64       { return r.Confidence }
func (r *TagPair) Score() float64               { return r.Confidence }
func (r *CrossCategoryPattern) Score() float64  { return r.Confidence }
func (r *SimilarityExplanation) Score() float64 { return r.Aggregate }

func (r *GeographicCluster) ContributingIDs() []string     { return r.MemberIDs }
func (r *TemporalPattern) ContributingIDs() []string       { return r.IDs }
func (r *TagPair) ContributingIDs() []string               { return r.IDs }
func (r *CrossCategoryPattern) ContributingIDs() []string  { return r.IDs }
func (r *SimilarityExplanation) ContributingIDs() []string { return []string{r.A, r.B} }

func (*GeographicCluster) sealed()     {}
func (*TemporalPattern) sealed()       {}
func (*TagPair) sealed()               {}
func (*CrossCategoryPattern) sealed()  {}
func (*SimilarityExplanation) sealed() {}

// Envelope is the wire form of a Result.
type Envelope struct {
	Result Result          `json:"-"`
	Kind   Kind            `json:"kind"`
	Data   json.RawMessage `json:"data"`
}

// Encode wraps results with their kind for transport.
func Encode(results []Result) ([]Envelope, error) {
	out := make([]Envelope, 0, len(results))
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, Envelope{Result: r, Kind: r.Kind(), Data: data})
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// round keeps reported scores stable across platforms.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
