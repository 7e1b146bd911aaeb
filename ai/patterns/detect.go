package patterns

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

// Store is the subset of the store the detectors read from.
type Store interface {
	ExperienceGetter
	GetExperiences(ctx context.Context, ids []string, viewer store.Viewer) ([]*store.Experience, error)
}

// Request invokes one detector over a candidate set.
type Request struct {
	Kind         Kind            `json:"kind"`
	CandidateIDs []string        `json:"candidate_ids"`
	Params       json.RawMessage `json:"params,omitempty"`
	Viewer       store.Viewer    `json:"-"`
}

// Detector resolves candidate ids and dispatches to the detector of a kind.
type Detector struct {
	store Store
}

func NewDetector(st Store) *Detector {
	return &Detector{store: st}
}

// Detect validates parameters before resolving candidates. Invisible or missing
// candidates are dropped, except for similarity where they are Not-Found.
func (d *Detector) Detect(ctx context.Context, req *Request) ([]Result, error) {
	if !slices.Contains(Kinds, req.Kind) {
		return nil, apperrors.InvalidArgument("unknown pattern type: %s", req.Kind)
	}

	if req.Kind == KindSimilarity {
		if len(req.CandidateIDs) != 2 {
			return nil, apperrors.InvalidArgument("similarity needs exactly two candidate ids, got %d", len(req.CandidateIDs))
		}
		explanation, err := Explain(ctx, d.store, req.Viewer, req.CandidateIDs[0], req.CandidateIDs[1])
		if err != nil {
			return nil, err
		}
		return []Result{explanation}, nil
	}

	run, err := d.prepare(req.Kind, req.Params)
	if err != nil {
		return nil, err
	}
	experiences, err := d.store.GetExperiences(ctx, req.CandidateIDs, req.Viewer)
	if err != nil {
		return nil, apperrors.FromDependency(ctx, "store", err)
	}
	results, err := run(experiences)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "patterns: detected",
		"kind", req.Kind,
		"candidates", len(req.CandidateIDs),
		"resolved", len(experiences),
		"results", len(results),
	)
	return results, nil
}

// prepare decodes and validates params, returning the bound detector.
func (d *Detector) prepare(kind Kind, raw json.RawMessage) (func([]*store.Experience) ([]Result, error), error) {
	switch kind {
	case KindGeographic:
		p := DefaultGeoParams()
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return func(list []*store.Experience) ([]Result, error) {
			return collect(DetectGeoClusters(list, p))
		}, nil
	case KindTemporal:
		var p TemporalParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return func(list []*store.Experience) ([]Result, error) {
			return collect(DetectTemporalCycles(list, p))
		}, nil
	case KindTagNetwork:
		p := TagParams{MinCooccurrence: 2}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return func(list []*store.Experience) ([]Result, error) {
			return collect(BuildTagNetwork(list, p))
		}, nil
	case KindCrossCategory:
		p := CrossParams{MinOverlap: 2}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return func(list []*store.Experience) ([]Result, error) {
			return collect(DetectCrossCategory(list, p))
		}, nil
	}
	return nil, apperrors.InvalidArgument("unknown pattern type: %s", kind)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.InvalidArgument("invalid params: %v", err)
	}
	return nil
}

func collect[T Result](list []T, err error) ([]Result, error) {
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(list))
	for _, r := range list {
		out = append(out, r)
	}
	return out, nil
}
