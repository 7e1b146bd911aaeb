package v1

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

// HeaderUserID carries the authenticated user id set by the fronting gateway.
// Authentication itself happens outside this service.
const HeaderUserID = "X-User-Id"

const viewerKey = "viewer"

// viewerMiddleware resolves the caller. A missing header is an anonymous caller.
func viewerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var viewer store.Viewer
		if raw := c.Request().Header.Get(HeaderUserID); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 32)
			if err != nil || id <= 0 {
				return apperrors.InvalidArgument("invalid %s header: %q", HeaderUserID, raw)
			}
			viewer.UserID = int32(id)
		}
		c.Set(viewerKey, viewer)
		return next(c)
	}
}

func viewerOf(c echo.Context) store.Viewer {
	viewer, _ := c.Get(viewerKey).(store.Viewer)
	return viewer
}

// callerKey identifies the caller for rate limiting: the user when known, else the client address.
func callerKey(c echo.Context) string {
	if viewer := viewerOf(c); viewer.UserID != 0 {
		return "user:" + strconv.Itoa(int(viewer.UserID))
	}
	return "ip:" + c.RealIP()
}

func (s *APIV1Service) rateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.Limiter == nil {
			return next(c)
		}
		key := callerKey(c)
		d := s.Limiter.Allow(key)
		c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			s.Metrics.RecordRateLimitReject(c.Path())
			return apperrors.RateLimited(key, d.ResetAt)
		}
		return next(c)
	}
}
