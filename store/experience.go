package store

import (
	"time"

	"github.com/pkg/errors"
)

// Category is the fixed classification of an experience.
type Category string

const (
	CategoryUFO      Category = "ufo"
	CategoryCryptid  Category = "cryptid"
	CategoryGhost    Category = "ghost"
	CategoryDream    Category = "dream"
	CategoryNDE      Category = "nde"
	CategoryPsychic  Category = "psychic"
	CategoryTimeSlip Category = "time_slip"
	CategoryOther    Category = "other"
)

// Categories lists every category in a stable order.
// The order defines the axes of user category-distribution vectors.
var Categories = []Category{
	CategoryUFO,
	CategoryCryptid,
	CategoryGhost,
	CategoryDream,
	CategoryNDE,
	CategoryPsychic,
	CategoryTimeSlip,
	CategoryOther,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Visibility controls who may read an experience.
type Visibility string

const (
	// Public experiences are visible to everyone, including anonymous callers.
	Public Visibility = "PUBLIC"
	// Protected experiences are visible to any signed-in user.
	Protected Visibility = "PROTECTED"
	// Private experiences are visible to their owner only.
	Private Visibility = "PRIVATE"
)

// RowStatus is the soft-delete state of a row.
type RowStatus string

const (
	Normal   RowStatus = "NORMAL"
	Archived RowStatus = "ARCHIVED"
)

// TimeOfDay is the coarse time an experience happened.
type TimeOfDay string

const (
	TimeOfDayUnknown   TimeOfDay = "unknown"
	TimeOfDayNight     TimeOfDay = "night"
	TimeOfDayMorning   TimeOfDay = "morning"
	TimeOfDayAfternoon TimeOfDay = "afternoon"
	TimeOfDayEvening   TimeOfDay = "evening"
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies within coordinate bounds.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Experience is a first-person account of an anomalous event.
type Experience struct {
	OccurredAt time.Time
	Location   *GeoPoint
	Attributes map[string]string
	ID         string
	Category   Category
	Narrative  string
	TimeOfDay  TimeOfDay
	Visibility Visibility
	RowStatus  RowStatus
	Tags       []string
	Embedding  []float32
	CreatedTs  int64
	UpdatedTs  int64
	CreatorID  int32
	Locked     bool
}

// Range is an inclusive numeric range; nil bounds are open.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Contains reports whether v lies within r.
func (r Range) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// ExperienceFilter is the hard include/exclude gate applied by every query.
// All populated fields must match.
type ExperienceFilter struct {
	OccurredAfter  *time.Time        `json:"occurred_after,omitempty"`
	OccurredBefore *time.Time        `json:"occurred_before,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Ranges         map[string]Range  `json:"ranges,omitempty"`
	// Expression is an optional CEL predicate evaluated by the retriever.
	Expression string     `json:"expression,omitempty"`
	Categories []Category `json:"categories,omitempty"`
	// Tags requires every listed tag to be present.
	Tags []string `json:"tags,omitempty"`
}

// IsEmpty reports whether the filter constrains nothing.
func (f *ExperienceFilter) IsEmpty() bool {
	return f == nil || (f.OccurredAfter == nil && f.OccurredBefore == nil && len(f.Attributes) == 0 &&
		len(f.Ranges) == 0 && f.Expression == "" && len(f.Categories) == 0 && len(f.Tags) == 0)
}

// Viewer is the caller on whose behalf rows are read.
// A zero UserID is an anonymous caller.
type Viewer struct {
	UserID int32
}

// CanSee is the in-memory form of the visibility predicate used by the drivers.
func (v Viewer) CanSee(e *Experience) bool {
	if e == nil || e.RowStatus != Normal {
		return false
	}
	switch e.Visibility {
	case Public:
		return true
	case Protected:
		return v.UserID != 0
	default:
		return v.UserID != 0 && e.CreatorID == v.UserID
	}
}

// FindExperience selects experiences.
type FindExperience struct {
	Filter    *ExperienceFilter
	CreatorID *int32
	IDs       []string
	Viewer    Viewer
	// MissingEmbedding selects rows whose embedding has not been computed yet.
	MissingEmbedding bool
	// IgnoreVisibility is for background jobs that operate on every row.
	IgnoreVisibility bool
	Limit            int
	Offset           int
}

// UpdateExperience patches mutable fields.
type UpdateExperience struct {
	Narrative  *string
	Tags       []string
	Attributes map[string]string
	Visibility *Visibility
	RowStatus  *RowStatus
	Locked     *bool
	ID         string
	UpdatedTs  int64
}

// UpdateExperienceEmbedding stores a computed embedding.
type UpdateExperienceEmbedding struct {
	ID        string
	Model     string
	Embedding []float32
}

// ExperienceWithScore is a search hit with its raw signal score.
type ExperienceWithScore struct {
	Experience *Experience
	Score      float32
}

// VectorSearchOptions configures a nearest-neighbour query.
type VectorSearchOptions struct {
	Filter *ExperienceFilter
	Vector []float32
	Viewer Viewer
	Limit  int
}

// Validate validates the options and applies the default limit.
func (o *VectorSearchOptions) Validate() error {
	if len(o.Vector) == 0 {
		return errors.New("vector cannot be empty")
	}
	if o.Limit < 0 {
		return errors.Errorf("limit cannot be negative: %d", o.Limit)
	}
	if o.Limit == 0 {
		o.Limit = 50
	}
	if o.Limit > 1000 {
		return errors.Errorf("limit too large: %d", o.Limit)
	}
	return nil
}

// KeywordSearchOptions configures a full-text query.
type KeywordSearchOptions struct {
	Filter   *ExperienceFilter
	Keywords []string
	Viewer   Viewer
	Limit    int
}

// Validate validates the options and applies the default limit.
func (o *KeywordSearchOptions) Validate() error {
	if o.Limit < 0 {
		return errors.Errorf("limit cannot be negative: %d", o.Limit)
	}
	if o.Limit == 0 {
		o.Limit = 50
	}
	if o.Limit > 1000 {
		return errors.Errorf("limit too large: %d", o.Limit)
	}
	return nil
}

// CategoryCount is the number of a user's experiences in one category.
type CategoryCount struct {
	Category  Category
	Count     int
	CreatorID int32
}

// LocationCell counts a user's experiences in a 1 degree lat/lon cell.
type LocationCell struct {
	CreatorID int32
	LatCell   int
	LonCell   int
	Count     int
}

// FindUserAggregates selects the users whose aggregates are returned.
// An empty CreatorIDs selects every user.
type FindUserAggregates struct {
	CreatorIDs []int32
}
