package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/ai/cache"
	"github.com/hrygo/uncanny/internal/profile"
)

const attributeSchemaCacheKey = "attribute_schemas"

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// schemaCache holds the admin-curated attribute vocabulary.
	schemaCache *cache.LRUCache[string, []*AttributeSchema]
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:      driver,
		profile:     profile,
		schemaCache: cache.NewLRUCache[string, []*AttributeSchema](1, 5*time.Minute),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// Migrate applies the schema when the database is not initialized yet.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) CreateExperience(ctx context.Context, create *Experience) (*Experience, error) {
	if !create.Category.Valid() {
		return nil, errors.Errorf("invalid category: %s", create.Category)
	}
	if create.Location != nil && !create.Location.Valid() {
		return nil, errors.Errorf("invalid location: %v", *create.Location)
	}
	if create.ID == "" {
		create.ID = uuid.NewString()
	}
	if create.Visibility == "" {
		create.Visibility = Private
	}
	if create.RowStatus == "" {
		create.RowStatus = Normal
	}
	if create.TimeOfDay == "" {
		create.TimeOfDay = TimeOfDayUnknown
	}
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	create.UpdatedTs = create.CreatedTs
	return s.driver.CreateExperience(ctx, create)
}

// UpdateExperience patches an experience owned by editor.
// Locked experiences are immutable.
func (s *Store) UpdateExperience(ctx context.Context, editor int32, update *UpdateExperience) (*Experience, error) {
	current, err := s.GetExperience(ctx, update.ID, Viewer{UserID: editor})
	if err != nil {
		return nil, err
	}
	if current == nil || current.CreatorID != editor {
		return nil, errors.Errorf("experience %s not owned by %d", update.ID, editor)
	}
	if current.Locked {
		return nil, errors.Errorf("experience %s is locked", update.ID)
	}
	update.UpdatedTs = time.Now().Unix()
	return s.driver.UpdateExperience(ctx, update)
}

func (s *Store) UpdateExperienceEmbedding(ctx context.Context, update *UpdateExperienceEmbedding) error {
	return s.driver.UpdateExperienceEmbedding(ctx, update)
}

func (s *Store) ListExperiences(ctx context.Context, find *FindExperience) ([]*Experience, error) {
	return s.driver.ListExperiences(ctx, find)
}

// GetExperience returns the experience if it exists and viewer can see it, else nil.
func (s *Store) GetExperience(ctx context.Context, id string, viewer Viewer) (*Experience, error) {
	list, err := s.driver.ListExperiences(ctx, &FindExperience{IDs: []string{id}, Viewer: viewer})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// GetExperiences resolves ids in input order, silently dropping missing or invisible ones.
func (s *Store) GetExperiences(ctx context.Context, ids []string, viewer Viewer) ([]*Experience, error) {
	if len(ids) == 0 {
		return []*Experience{}, nil
	}
	list, err := s.driver.ListExperiences(ctx, &FindExperience{IDs: ids, Viewer: viewer})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Experience, len(list))
	for _, e := range list {
		byID[e.ID] = e
	}
	ordered := make([]*Experience, 0, len(list))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}

func (s *Store) VectorSearch(ctx context.Context, opts *VectorSearchOptions) ([]*ExperienceWithScore, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return s.driver.VectorSearch(ctx, opts)
}

func (s *Store) KeywordSearch(ctx context.Context, opts *KeywordSearchOptions) ([]*ExperienceWithScore, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Keywords) == 0 {
		return []*ExperienceWithScore{}, nil
	}
	return s.driver.KeywordSearch(ctx, opts)
}

func (s *Store) ListCategoryCounts(ctx context.Context, find *FindUserAggregates) ([]*CategoryCount, error) {
	return s.driver.ListCategoryCounts(ctx, find)
}

func (s *Store) ListLocationCells(ctx context.Context, find *FindUserAggregates) ([]*LocationCell, error) {
	return s.driver.ListLocationCells(ctx, find)
}
