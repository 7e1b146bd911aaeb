package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/uncanny/ai/twins"
	"github.com/hrygo/uncanny/internal/apperrors"
)

type twinsResponse struct {
	Twins  []*twins.Twin `json:"twins"`
	UserID int32         `json:"user_id"`
}

// FindTwins ranks users by similarity to the path user.
// GET /api/v1/users/:id/twins?min_score=&limit=
func (s *APIV1Service) FindTwins(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil || id <= 0 {
		return apperrors.InvalidArgument("invalid user id: %s", c.Param("id"))
	}

	var minScore float64
	if raw := c.QueryParam("min_score"); raw != "" {
		if minScore, err = strconv.ParseFloat(raw, 64); err != nil {
			return apperrors.InvalidArgument("invalid min_score: %s", raw)
		}
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}

	list, err := s.Twins.FindTwins(c.Request().Context(), int32(id), minScore, limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*twins.Twin{}
	}
	return c.JSON(http.StatusOK, &twinsResponse{Twins: list, UserID: int32(id)})
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.InvalidArgument("invalid %s: %s", name, raw)
	}
	return v, nil
}
