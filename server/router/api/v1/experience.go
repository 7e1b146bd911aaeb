package v1

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

// Experiences stores and reads experiences.
type Experiences interface {
	CreateExperience(ctx context.Context, create *store.Experience) (*store.Experience, error)
	GetExperience(ctx context.Context, id string, viewer store.Viewer) (*store.Experience, error)
	ListAttributeSchemas(ctx context.Context) ([]*store.AttributeSchema, error)
}

type createExperienceRequest struct {
	OccurredAt time.Time         `json:"occurred_at"`
	Location   *store.GeoPoint   `json:"location"`
	Attributes map[string]string `json:"attributes"`
	Category   store.Category    `json:"category"`
	Narrative  string            `json:"narrative"`
	TimeOfDay  store.TimeOfDay   `json:"time_of_day"`
	Visibility store.Visibility  `json:"visibility"`
	Tags       []string          `json:"tags"`
}

// CreateExperience records an account for the signed-in caller and queues its embedding.
// POST /api/v1/experiences
func (s *APIV1Service) CreateExperience(c echo.Context) error {
	viewer := viewerOf(c)
	if viewer.UserID == 0 {
		return apperrors.InvalidArgument("%s header required to create experiences", HeaderUserID)
	}
	var req createExperienceRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.InvalidArgument("invalid experience: %v", err)
	}
	if strings.TrimSpace(req.Narrative) == "" {
		return apperrors.InvalidArgument("narrative cannot be empty")
	}
	if !req.Category.Valid() {
		return apperrors.InvalidArgument("unknown category: %s", req.Category)
	}
	if req.Location != nil && !req.Location.Valid() {
		return apperrors.InvalidArgument("location out of range: %v,%v", req.Location.Lat, req.Location.Lon)
	}
	switch req.Visibility {
	case "", store.Public, store.Protected, store.Private:
	default:
		return apperrors.InvalidArgument("unknown visibility: %s", req.Visibility)
	}
	if req.OccurredAt.IsZero() {
		return apperrors.InvalidArgument("occurred_at required")
	}

	ctx := c.Request().Context()
	if err := s.validateAttributes(ctx, req.Attributes); err != nil {
		return err
	}

	created, err := s.Experiences.CreateExperience(ctx, &store.Experience{
		OccurredAt: req.OccurredAt.UTC(),
		Location:   req.Location,
		Attributes: req.Attributes,
		Category:   req.Category,
		Narrative:  req.Narrative,
		TimeOfDay:  req.TimeOfDay,
		Visibility: req.Visibility,
		Tags:       req.Tags,
		CreatorID:  viewer.UserID,
	})
	if err != nil {
		return apperrors.FromDependency(ctx, "store", err)
	}
	if s.OnExperienceCreated != nil {
		s.OnExperienceCreated(created)
	}
	return c.JSON(http.StatusCreated, convertExperienceFromStore(created))
}

// GetExperience returns one experience the caller can see.
// GET /api/v1/experiences/:id
func (s *APIV1Service) GetExperience(c echo.Context) error {
	ctx := c.Request().Context()
	e, err := s.Experiences.GetExperience(ctx, c.Param("id"), viewerOf(c))
	if err != nil {
		return apperrors.FromDependency(ctx, "store", err)
	}
	if e == nil {
		return apperrors.NotFound("experience", c.Param("id"))
	}
	return c.JSON(http.StatusOK, convertExperienceFromStore(e))
}

func (s *APIV1Service) validateAttributes(ctx context.Context, attributes map[string]string) error {
	if len(attributes) == 0 {
		return nil
	}
	schemas, err := s.Experiences.ListAttributeSchemas(ctx)
	if err != nil {
		return apperrors.FromDependency(ctx, "store", err)
	}
	byKey := make(map[string]*store.AttributeSchema, len(schemas))
	for _, schema := range schemas {
		byKey[schema.Key] = schema
	}
	for key, value := range attributes {
		schema, ok := byKey[key]
		if !ok {
			return apperrors.InvalidArgument("unknown attribute: %s", key)
		}
		if err := schema.ValidateValue(value); err != nil {
			return apperrors.InvalidArgument("%v", err)
		}
	}
	return nil
}
