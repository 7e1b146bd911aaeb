package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/uncanny/ai/agents/orchestrator"
	"github.com/hrygo/uncanny/ai/core/retrieval"
	"github.com/hrygo/uncanny/ai/patterns"
	"github.com/hrygo/uncanny/ai/ratelimit"
	"github.com/hrygo/uncanny/ai/twins"
	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

type stubRetriever struct {
	last *retrieval.Query
	err  error
}

func (s *stubRetriever) Retrieve(_ context.Context, q *retrieval.Query) (*retrieval.CandidateSet, error) {
	s.last = q
	if s.err != nil {
		return nil, s.err
	}
	exp := &store.Experience{
		ID:         "e1",
		Category:   store.CategoryUFO,
		Narrative:  "lights over the lake",
		OccurredAt: time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC),
		Visibility: store.Public,
	}
	return &retrieval.CandidateSet{
		Items:    []*retrieval.Candidate{{Experience: exp, ExperienceID: "e1", Score: 0.9, VectorScore: 1, KeywordScore: 0.6}},
		Keywords: []string{"lights"},
		Degraded: []string{"vector"},
		Total:    1,
	}, nil
}

type stubDetector struct {
	last *patterns.Request
}

func (s *stubDetector) Detect(ctx context.Context, req *patterns.Request) ([]patterns.Result, error) {
	s.last = req
	if req.Kind == patterns.KindSimilarity {
		explanation, err := patterns.Explain(ctx, nilGetter{}, req.Viewer, req.CandidateIDs[0], req.CandidateIDs[1])
		if err != nil {
			return nil, err
		}
		return []patterns.Result{explanation}, nil
	}
	return []patterns.Result{&patterns.TagPair{A: "ufo", B: "lake", IDs: req.CandidateIDs, Confidence: 0.5}}, nil
}

type nilGetter struct{}

func (nilGetter) GetExperience(context.Context, string, store.Viewer) (*store.Experience, error) {
	return nil, nil
}

type stubExperiences struct {
	created []*store.Experience
}

func (s *stubExperiences) CreateExperience(_ context.Context, create *store.Experience) (*store.Experience, error) {
	create.ID = "new"
	create.RowStatus = store.Normal
	s.created = append(s.created, create)
	return create, nil
}

func (s *stubExperiences) GetExperience(_ context.Context, id string, viewer store.Viewer) (*store.Experience, error) {
	for _, e := range s.created {
		if e.ID == id && viewer.CanSee(e) {
			return e, nil
		}
	}
	return nil, nil
}

func (*stubExperiences) ListAttributeSchemas(context.Context) ([]*store.AttributeSchema, error) {
	return []*store.AttributeSchema{
		{Key: "shape", Type: store.AttributeEnum, AllowedValues: []string{"disc", "orb"}, Filterable: true},
	}, nil
}

type stubTwins struct{}

func (stubTwins) FindTwins(_ context.Context, user int32, _ float64, _ int) ([]*twins.Twin, error) {
	if user == 404 {
		return nil, apperrors.NotFound("user", user)
	}
	return []*twins.Twin{{UserID: 2, Score: 0.8, Band: "high"}}, nil
}

type stubConversations struct {
	err error
}

func (s *stubConversations) Converse(_ context.Context, req *orchestrator.Request) (*store.AgentTurn, error) {
	if req.Message == "" {
		return nil, apperrors.InvalidArgument("message cannot be empty")
	}
	turn := &store.AgentTurn{ID: "t1", SessionID: req.SessionID, Message: req.Message, State: store.TurnDelivered, Answer: "done"}
	if req.OnEvent != nil {
		req.OnEvent(orchestrator.Event{Type: orchestrator.EventState, Data: map[string]string{"state": "planning"}})
		req.OnEvent(orchestrator.Event{Type: orchestrator.EventChunk, Data: "do"})
		req.OnEvent(orchestrator.Event{Type: orchestrator.EventTurn, Data: turn})
	}
	if s.err != nil {
		turn.State = store.TurnFailed
		return turn, s.err
	}
	return turn, nil
}

func (s *stubConversations) Turns(_ context.Context, sessionID string, _ int) ([]*store.AgentTurn, error) {
	return []*store.AgentTurn{{ID: "t1", SessionID: sessionID, State: store.TurnDelivered, Seq: 1}}, nil
}

func newTestServer(svc *APIV1Service) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	e.Use(RequestLogger)
	svc.RegisterRoutes(e.Group("/api/v1"))
	return e
}

func newService() *APIV1Service {
	return &APIV1Service{
		Retriever:     &stubRetriever{},
		Detector:      &stubDetector{},
		Twins:         stubTwins{},
		Experiences:   &stubExperiences{},
		Conversations: &stubConversations{},
	}
}

func do(t *testing.T, e *echo.Echo, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code apperrors.Code
		want int
	}{
		{apperrors.CodeInvalidArgument, http.StatusBadRequest},
		{apperrors.CodeNotFound, http.StatusNotFound},
		{apperrors.CodeUpstreamUnavailable, http.StatusServiceUnavailable},
		{apperrors.CodeRateLimitExceeded, http.StatusTooManyRequests},
		{apperrors.CodeCancelled, StatusClientClosedRequest},
		{apperrors.CodeTimeout, http.StatusGatewayTimeout},
		{apperrors.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}

func TestSearch(t *testing.T) {
	svc := newService()
	e := newTestServer(svc)

	t.Run("get with query params", func(t *testing.T) {
		rec := do(t, e, http.MethodGet, "/api/v1/search?q=lights&tag=lake,night&category=ufo&occurred_after=2024-01-01&limit=5", "", map[string]string{HeaderUserID: "7"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		q := svc.Retriever.(*stubRetriever).last
		assert.Equal(t, "lights", q.Text)
		assert.Equal(t, []string{"lake", "night"}, q.Filter.Tags)
		assert.Equal(t, []store.Category{store.CategoryUFO}, q.Filter.Categories)
		require.NotNil(t, q.Filter.OccurredAfter)
		assert.Equal(t, 2024, q.Filter.OccurredAfter.Year())
		assert.Equal(t, int32(7), q.Viewer.UserID)
		assert.Equal(t, 5, q.Limit)

		var resp struct {
			Items []struct {
				Experience struct {
					ID       string `json:"id"`
					Category string `json:"category"`
				} `json:"experience"`
				Score float64 `json:"score"`
			} `json:"items"`
			Degraded []string `json:"degraded"`
			Total    int      `json:"total"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Items, 1)
		assert.Equal(t, "e1", resp.Items[0].Experience.ID)
		assert.Equal(t, "ufo", resp.Items[0].Experience.Category)
		assert.Equal(t, []string{"vector"}, resp.Degraded)
		assert.Equal(t, 1, resp.Total)
	})

	t.Run("post with json body", func(t *testing.T) {
		rec := do(t, e, http.MethodPost, "/api/v1/search", `{"query":"hum","attributes":{"shape":"disc"},"ranges":{"witnesses":{"min":2}}}`, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		q := svc.Retriever.(*stubRetriever).last
		assert.Equal(t, "hum", q.Text)
		assert.Equal(t, "disc", q.Filter.Attributes["shape"])
		require.NotNil(t, q.Filter.Ranges["witnesses"].Min)
		assert.Equal(t, 2.0, *q.Filter.Ranges["witnesses"].Min)
		assert.Zero(t, q.Viewer.UserID)
	})

	t.Run("bad date", func(t *testing.T) {
		rec := do(t, e, http.MethodGet, "/api/v1/search?q=x&occurred_before=yesterday", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeInvalidArgument, decodeError(t, rec).Code)
	})

	t.Run("upstream error maps to 503", func(t *testing.T) {
		svc.Retriever.(*stubRetriever).err = apperrors.Upstream("store", assert.AnError)
		defer func() { svc.Retriever.(*stubRetriever).err = nil }()

		rec := do(t, e, http.MethodGet, "/api/v1/search?q=x", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "store unavailable", decodeError(t, rec).Message)
	})

	t.Run("internal error hides details", func(t *testing.T) {
		svc.Retriever.(*stubRetriever).err = apperrors.Internal("secret detail", assert.AnError)
		defer func() { svc.Retriever.(*stubRetriever).err = nil }()

		rec := do(t, e, http.MethodGet, "/api/v1/search?q=x", "", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "internal error", decodeError(t, rec).Message)
	})
}

func TestViewerHeader(t *testing.T) {
	e := newTestServer(newService())
	rec := do(t, e, http.MethodGet, "/api/v1/search?q=x", "", map[string]string{HeaderUserID: "abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestRateLimit(t *testing.T) {
	svc := newService()
	now := time.Date(2024, 6, 1, 12, 0, 10, 0, time.UTC)
	svc.Limiter = ratelimit.New(2, time.Minute, ratelimit.WithClock(func() time.Time { return now }))
	e := newTestServer(svc)
	header := map[string]string{HeaderUserID: "3"}

	for i := 0; i < 2; i++ {
		rec := do(t, e, http.MethodGet, "/api/v1/search?q=x", "", header)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, e, http.MethodGet, "/api/v1/search?q=x", "", header)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apperrors.CodeRateLimitExceeded, decodeError(t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// Other callers keep their own budget.
	rec = do(t, e, http.MethodGet, "/api/v1/search?q=x", "", map[string]string{HeaderUserID: "4"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPatterns(t *testing.T) {
	svc := newService()
	e := newTestServer(svc)

	t.Run("alias path", func(t *testing.T) {
		rec := do(t, e, http.MethodPost, "/api/v1/patterns/tags", `{"candidate_ids":["a","b"],"params":{"min_cooccurrence":2}}`, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		last := svc.Detector.(*stubDetector).last
		assert.Equal(t, patterns.KindTagNetwork, last.Kind)
		assert.JSONEq(t, `{"min_cooccurrence":2}`, string(last.Params))

		var resp struct {
			Results []struct {
				Kind string `json:"kind"`
			} `json:"results"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "tag_network", resp.Results[0].Kind)
	})

	t.Run("missing candidates", func(t *testing.T) {
		rec := do(t, e, http.MethodPost, "/api/v1/patterns/geographic", `{}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("similarity of the same experience", func(t *testing.T) {
		rec := do(t, e, http.MethodGet, "/api/v1/experiences/x/similarity/x", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("similarity of a missing experience", func(t *testing.T) {
		rec := do(t, e, http.MethodGet, "/api/v1/experiences/x/similarity/y", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestFindTwins(t *testing.T) {
	e := newTestServer(newService())

	rec := do(t, e, http.MethodGet, "/api/v1/users/1/twins?min_score=0.5&limit=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp twinsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int32(1), resp.UserID)
	require.Len(t, resp.Twins, 1)

	assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodGet, "/api/v1/users/zero/twins", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodGet, "/api/v1/users/1/twins?limit=many", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, e, http.MethodGet, "/api/v1/users/404/twins", "", nil).Code)
}

func TestCreateTurn(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		e := newTestServer(newService())
		rec := do(t, e, http.MethodPost, "/api/v1/sessions/s1/turns", `{"message":"any ufo near lakes?"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var turn store.AgentTurn
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &turn))
		assert.Equal(t, "s1", turn.SessionID)
		assert.Equal(t, store.TurnDelivered, turn.State)
	})

	t.Run("stream", func(t *testing.T) {
		e := newTestServer(newService())
		rec := do(t, e, http.MethodPost, "/api/v1/sessions/s1/turns?stream=true", `{"message":"hello"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

		body := rec.Body.String()
		assert.Contains(t, body, "event: state\ndata: {\"state\":\"planning\"}\n\n")
		assert.Contains(t, body, "event: chunk\ndata: \"do\"\n\n")
		assert.Contains(t, body, "event: turn\n")
		assert.Less(t, strings.Index(body, "event: state"), strings.Index(body, "event: turn"))
	})

	t.Run("stream rejected before start", func(t *testing.T) {
		e := newTestServer(newService())
		rec := do(t, e, http.MethodPost, "/api/v1/sessions/s1/turns?stream=true", `{"message":""}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
	})

	t.Run("failed turn carries its status", func(t *testing.T) {
		svc := newService()
		svc.Conversations = &stubConversations{err: apperrors.Timeout("turn timeout", nil)}
		e := newTestServer(svc)
		rec := do(t, e, http.MethodPost, "/api/v1/sessions/s1/turns", `{"message":"hello"}`, nil)
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		var turn store.AgentTurn
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &turn))
		assert.Equal(t, store.TurnFailed, turn.State)
	})

	t.Run("disabled without llm", func(t *testing.T) {
		svc := newService()
		svc.Conversations = nil
		e := newTestServer(svc)
		rec := do(t, e, http.MethodPost, "/api/v1/sessions/s1/turns", `{"message":"hello"}`, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestListTurns(t *testing.T) {
	e := newTestServer(newService())
	rec := do(t, e, http.MethodGet, "/api/v1/sessions/s1/turns?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp turnsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Turns, 1)
	assert.Equal(t, int32(1), resp.Turns[0].Seq)

	assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodGet, "/api/v1/sessions/s1/turns?limit=-1", "", nil).Code)
}

func TestExperiences(t *testing.T) {
	svc := newService()
	var queued []string
	svc.OnExperienceCreated = func(e *store.Experience) { queued = append(queued, e.ID) }
	e := newTestServer(svc)
	owner := map[string]string{HeaderUserID: "9"}
	body := `{"narrative":"A silent **disc** over the lake","category":"ufo","occurred_at":"2024-06-01T22:00:00Z","attributes":{"shape":"disc"},"tags":["lake"]}`

	t.Run("anonymous callers cannot create", func(t *testing.T) {
		rec := do(t, e, http.MethodPost, "/api/v1/experiences", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid attribute value", func(t *testing.T) {
		bad := strings.Replace(body, `"disc"}`, `"cube"}`, 1)
		rec := do(t, e, http.MethodPost, "/api/v1/experiences", bad, owner)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("create then read", func(t *testing.T) {
		rec := do(t, e, http.MethodPost, "/api/v1/experiences", body, owner)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var view experienceView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		assert.Equal(t, "new", view.ID)
		assert.Equal(t, int32(9), view.CreatorID)
		assert.Equal(t, []string{"new"}, queued)

		assert.Equal(t, http.StatusOK, do(t, e, http.MethodGet, "/api/v1/experiences/new", "", owner).Code)
	})

	t.Run("private experiences are hidden from others", func(t *testing.T) {
		rec := do(t, e, http.MethodGet, "/api/v1/experiences/new", "", map[string]string{HeaderUserID: "10"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
