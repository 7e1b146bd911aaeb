package patterns

import (
	"math"
	"sort"
	"time"

	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

const (
	synodicMonthDays = 29.530588853
	phaseCount       = 8
)

// referenceNewMoon is the new moon of 2000-01-06 18:14 UTC.
var referenceNewMoon = time.Date(2000, 1, 6, 18, 14, 0, 0, time.UTC)

// PhaseNames are the lunar phases in cycle order starting at the new moon.
var PhaseNames = [phaseCount]string{
	"new_moon",
	"waxing_crescent",
	"first_quarter",
	"waxing_gibbous",
	"full_moon",
	"waning_gibbous",
	"last_quarter",
	"waning_crescent",
}

// TemporalParams configures the lunar cycle detector. Zero values take defaults.
type TemporalParams struct {
	MinCount int     `json:"min_count,omitempty"`
	MinZ     float64 `json:"min_z,omitempty"`
	MinScore float64 `json:"min_score,omitempty"`
}

func (p TemporalParams) withDefaults() TemporalParams {
	if p.MinCount == 0 {
		p.MinCount = 3
	}
	if p.MinZ == 0 {
		p.MinZ = 2.0
	}
	return p
}

func (p TemporalParams) Validate() error {
	if p.MinCount < 0 {
		return apperrors.InvalidArgument("min_count cannot be negative: %d", p.MinCount)
	}
	if p.MinZ < 0 {
		return apperrors.InvalidArgument("min_z cannot be negative: %v", p.MinZ)
	}
	return validateMinScore(p.MinScore)
}

// LunarPhase returns the phase bucket of t, 0 being the new moon.
func LunarPhase(t time.Time) int {
	days := t.Sub(referenceNewMoon).Hours() / 24
	age := math.Mod(days, synodicMonthDays)
	if age < 0 {
		age += synodicMonthDays
	}
	// Buckets are centred on their phase.
	return int(math.Floor(age/synodicMonthDays*phaseCount+0.5)) % phaseCount
}

// DetectTemporalCycles flags lunar phases with significantly more occurrences than a uniform spread.
func DetectTemporalCycles(experiences []*store.Experience, p TemporalParams) ([]*TemporalPattern, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.withDefaults()

	n := len(experiences)
	if n < p.MinCount {
		return []*TemporalPattern{}, nil
	}

	var buckets [phaseCount][]string
	for _, e := range experiences {
		phase := LunarPhase(e.OccurredAt)
		buckets[phase] = append(buckets[phase], e.ID)
	}

	expected := float64(n) / phaseCount
	sd := math.Sqrt(expected * (1 - 1.0/phaseCount))
	results := []*TemporalPattern{}
	for phase, ids := range buckets {
		observed := len(ids)
		if observed < p.MinCount || sd == 0 {
			continue
		}
		z := (float64(observed) - expected) / sd
		if z < p.MinZ {
			continue
		}
		score := clamp01(1 - math.Exp(-z/3))
		if score < p.MinScore {
			continue
		}
		sort.Strings(ids)
		results = append(results, &TemporalPattern{
			Phase:      PhaseNames[phase],
			PhaseIndex: phase,
			IDs:        ids,
			Observed:   observed,
			Expected:   round(expected),
			Deviation:  round(z),
			Confidence: round(score),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Observed != results[j].Observed {
			return results[i].Observed > results[j].Observed
		}
		return results[i].PhaseIndex < results[j].PhaseIndex
	})
	return results, nil
}
