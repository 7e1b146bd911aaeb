package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/ai/agents/orchestrator"
	"github.com/hrygo/uncanny/ai/observability/logging"
	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

var errConversationsDisabled = errors.New("conversations require a configured LLM")

type createTurnRequest struct {
	Message string `json:"message"`
}

type turnsResponse struct {
	Turns []*store.AgentTurn `json:"turns"`
}

// CreateTurn asks one question in a session. With ?stream=true the turn's
// progress is written as server-sent events and the final turn arrives as the
// "turn" event. A client disconnect cancels the turn.
// POST /api/v1/sessions/:session/turns
func (s *APIV1Service) CreateTurn(c echo.Context) error {
	if s.Conversations == nil {
		return apperrors.Upstream("llm", errConversationsDisabled)
	}
	var req createTurnRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.InvalidArgument("invalid turn request: %v", err)
	}
	stream, _ := strconv.ParseBool(c.QueryParam("stream"))

	turnReq := &orchestrator.Request{
		SessionID: c.Param("session"),
		Message:   req.Message,
		Viewer:    viewerOf(c),
	}
	var sse *sseWriter
	if stream {
		sse = &sseWriter{c: c}
		turnReq.OnEvent = sse.write
	}

	ctx := c.Request().Context()
	turn, err := s.Conversations.Converse(ctx, turnReq)
	if sse != nil && sse.started {
		// The failed turn already reached the client as the final event.
		if err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "api: streamed turn failed", "error", err)
		}
		return nil
	}
	if err != nil && turn == nil {
		return err
	}
	if err != nil {
		// Failed turns are still persisted; report the typed status with the turn body.
		return c.JSON(HTTPStatus(apperrors.CodeOf(err)), turn)
	}
	return c.JSON(http.StatusOK, turn)
}

// ListTurns returns a session's turns in sequence order.
// GET /api/v1/sessions/:session/turns?limit=
func (s *APIV1Service) ListTurns(c echo.Context) error {
	if s.Conversations == nil {
		return apperrors.Upstream("llm", errConversationsDisabled)
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}
	if limit < 0 {
		return apperrors.InvalidArgument("limit cannot be negative: %d", limit)
	}
	turns, err := s.Conversations.Turns(c.Request().Context(), c.Param("session"), limit)
	if err != nil {
		return err
	}
	if turns == nil {
		turns = []*store.AgentTurn{}
	}
	return c.JSON(http.StatusOK, &turnsResponse{Turns: turns})
}

// sseWriter commits the event-stream headers on the first event, so errors
// raised before the turn starts still get a regular JSON error response.
type sseWriter struct {
	c       echo.Context
	started bool
	broken  bool
}

func (w *sseWriter) write(e orchestrator.Event) {
	if w.broken {
		return
	}
	res := w.c.Response()
	if !w.started {
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set("Cache-Control", "no-cache")
		res.Header().Set("Connection", "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)
		w.started = true
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		logging.FromContext(w.c.Request().Context()).Error("api: encode event", "type", e.Type, "error", err)
		return
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		w.broken = true
		return
	}
	res.Flush()
}
