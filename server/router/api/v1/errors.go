package v1

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/uncanny/ai/observability/logging"
	"github.com/hrygo/uncanny/internal/apperrors"
)

// StatusClientClosedRequest is returned when the caller went away.
const StatusClientClosedRequest = 499

type errorBody struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

// HTTPStatus maps an error code to its response status.
func HTTPStatus(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case apperrors.CodeCancelled:
		return StatusClientClosedRequest
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// ErrorHandler renders typed errors as JSON. It is installed as the echo HTTPErrorHandler.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		_ = c.JSON(he.Code, errorBody{Code: codeForStatus(he.Code), Message: msg})
		return
	}

	code := apperrors.CodeOf(err)
	status := HTTPStatus(code)
	message := err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if code == apperrors.CodeInternal {
		message = "internal error"
	}
	if resetAt, ok := apperrors.ResetAt(err); ok {
		seconds := int(math.Ceil(time.Until(resetAt).Seconds()))
		c.Response().Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
	}

	logger := logging.FromContext(c.Request().Context())
	if status >= http.StatusInternalServerError {
		logger.Error("api: request failed", "path", c.Path(), "status", status, "error", err)
	} else {
		logger.Debug("api: request rejected", "path", c.Path(), "status", status, "error", err)
	}
	_ = c.JSON(status, errorBody{Code: code, Message: message})
}

func codeForStatus(status int) apperrors.Code {
	switch status {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return apperrors.CodeInvalidArgument
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return apperrors.CodeNotFound
	case http.StatusTooManyRequests:
		return apperrors.CodeRateLimitExceeded
	}
	return apperrors.CodeInternal
}

// RequestLogger tags the request context with a request id and logs completion.
func RequestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		requestID := req.Header.Get(echo.HeaderXRequestID)
		if requestID == "" {
			requestID = logging.NewRequestID()
		}
		ctx := logging.WithRequest(req.Context(), requestID)
		c.SetRequest(req.WithContext(ctx))
		c.Response().Header().Set(echo.HeaderXRequestID, requestID)

		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		slog.InfoContext(ctx, "api: request",
			"method", req.Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}
}
