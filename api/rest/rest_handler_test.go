package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/drawcast/api/rest"
	"github.com/zlnvch/drawcast/broadcast"
	"github.com/zlnvch/drawcast/cache/memory"
	"github.com/zlnvch/drawcast/models"
	"github.com/zlnvch/drawcast/service"
	"github.com/zlnvch/drawcast/store"
	storemocks "github.com/zlnvch/drawcast/store/mocks"
	"github.com/zlnvch/drawcast/store/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	router  *gin.Engine
	svc     *service.Service
	gateway *broadcast.Gateway
}

func newRouter(h *rest.Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	drawing := router.Group("/drawing")
	drawing.Use(h.Authenticate(!h.AllowAnonymous))
	{
		drawing.POST("/broadcast", h.HandleBroadcast)
		drawing.POST("/undo", h.HandleUndo)
		drawing.POST("/redo", h.HandleRedo)
		drawing.GET("/history", h.HandleHistory)
	}

	router.POST("/login", h.HandleLogin)
	me := router.Group("/me")
	me.Use(h.Authenticate(true))
	{
		me.GET("", h.HandleGetMe)
		me.DELETE("", h.HandleDeleteMe)
	}
	return router
}

func setupServer(t *testing.T, drawingStore store.DrawingStore, allowAnonymous bool) *testServer {
	t.Helper()

	drawingCache := memory.NewMemoryDrawingCache()
	gateway := broadcast.NewGateway(drawingCache, discardLogger())
	svc, err := service.NewService(drawingStore, drawingCache, gateway, nil, nil, nil, []byte("secret"), discardLogger())
	require.NoError(t, err)

	return &testServer{
		router:  newRouter(rest.NewHandler(svc, allowAnonymous, discardLogger())),
		svc:     svc,
		gateway: gateway,
	}
}

func setupSqliteServer(t *testing.T, allowAnonymous bool) *testServer {
	t.Helper()
	drawingStore, err := sqlite.NewSqliteDrawingStore(context.Background(), filepath.Join(t.TempDir(), "rest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { drawingStore.Close() })
	return setupServer(t, drawingStore, allowAnonymous)
}

// login creates a user directly in the store and returns a token for it.
func (s *testServer) login(t *testing.T) (models.User, string) {
	t.Helper()
	user, err := s.svc.Store.CreateUser(context.Background(), models.User{
		Provider:   "github",
		ProviderId: "42",
		Name:       "Ada",
		Email:      "ada@example.com",
	})
	require.NoError(t, err)
	token, err := s.svc.CreateJWT(user.Id, user.Provider, user.ProviderId)
	require.NoError(t, err)
	return user, token
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func drawBody(sessionId string, content string) map[string]any {
	return map[string]any{"type": "draw", "sessionId": sessionId, "data": map[string]any{"content": content}}
}

func TestBroadcast_AssignsSequentialSteps(t *testing.T) {
	s := setupSqliteServer(t, false)
	_, token := s.login(t)

	w := s.do(t, http.MethodPost, "/drawing/broadcast", drawBody("room", "A"), bearer(token))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","step":1}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/drawing/broadcast", drawBody("room", "B"), bearer(token))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","step":2}`, w.Body.String())
}

func TestBroadcast_ValidationErrors(t *testing.T) {
	s := setupSqliteServer(t, false)
	_, token := s.login(t)

	tests := []struct {
		name  string
		body  any
		field string
		msg   string
	}{
		{
			name:  "missing sessionId",
			body:  map[string]any{"type": "draw", "data": map[string]any{}},
			field: "sessionId",
			msg:   "The sessionId field is required.",
		},
		{
			name:  "missing data",
			body:  map[string]any{"type": "draw", "sessionId": "room"},
			field: "data",
			msg:   "The data field is required.",
		},
		{
			name:  "data is not an object",
			body:  `{"type":"draw","sessionId":"room","data":"nope"}`,
			field: "data",
			msg:   "The data field must be of type map.",
		},
		{
			name:  "malformed sessionId",
			body:  drawBody("room with spaces", "A"),
			field: "sessionId",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/drawing/broadcast", tc.body, bearer(token))
			require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

			var resp struct {
				Errors map[string]string `json:"errors"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.Contains(t, resp.Errors, tc.field)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, resp.Errors[tc.field])
			}
		})
	}

	steps, err := s.svc.Store.ListActiveSteps(context.Background(), "room")
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestBroadcast_MalformedJSON(t *testing.T) {
	s := setupSqliteServer(t, false)
	_, token := s.login(t)

	w := s.do(t, http.MethodPost, "/drawing/broadcast", `{"type":`, bearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBroadcast_RequiresToken(t *testing.T) {
	s := setupSqliteServer(t, false)

	w := s.do(t, http.MethodPost, "/drawing/broadcast", drawBody("room", "A"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/drawing/broadcast", drawBody("room", "A"), bearer("not-a-jwt"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBroadcast_Anonymous(t *testing.T) {
	s := setupSqliteServer(t, true)

	w := s.do(t, http.MethodPost, "/drawing/broadcast", drawBody("room", "A"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	steps, err := s.svc.Store.ListActiveSteps(context.Background(), "room")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Empty(t, steps[0].UserId)

	// A bad token is still rejected
	w = s.do(t, http.MethodPost, "/drawing/broadcast", drawBody("room", "B"), bearer("not-a-jwt"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBroadcast_IgnoresClaimedUserId(t *testing.T) {
	s := setupSqliteServer(t, false)
	user, token := s.login(t)

	body := drawBody("room", "A")
	body["userId"] = "someone-else"
	w := s.do(t, http.MethodPost, "/drawing/broadcast", body, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)

	steps, err := s.svc.Store.ListActiveSteps(context.Background(), "room")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, user.Id, steps[0].UserId)
}

func TestBroadcast_ExcludesSocketFromHeader(t *testing.T) {
	s := setupSqliteServer(t, false)
	_, token := s.login(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	envelopes := make(chan models.Envelope, 1)
	require.NoError(t, s.gateway.Subscribe(ctx, "room", func(e models.Envelope) { envelopes <- e }))

	headers := bearer(token)
	headers[rest.SocketIdHeader] = "socket-123"
	w := s.do(t, http.MethodPost, "/drawing/broadcast", drawBody("room", "A"), headers)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case e := <-envelopes:
		assert.Equal(t, "socket-123", e.ExcludeSocketId)
		assert.JSONEq(t, `{"type":"draw","data":{"content":"A","step":1},"userId":"`+mustUserId(t, s)+`"}`, string(e.Payload))
	case <-time.After(time.Second):
		assert.Fail(t, "no broadcast received")
	}
}

func mustUserId(t *testing.T, s *testServer) string {
	user, err := s.svc.Store.GetUser(context.Background(), "github", "42")
	require.NoError(t, err)
	return user.Id
}

func TestUndoRedo(t *testing.T) {
	s := setupSqliteServer(t, false)
	_, token := s.login(t)

	w := s.do(t, http.MethodPost, "/drawing/undo", map[string]any{"sessionId": "room"}, bearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"status":"error","message":"No steps to undo"}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/drawing/redo", map[string]any{"sessionId": "room"}, bearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"status":"error","message":"No steps to redo"}`, w.Body.String())

	for _, content := range []string{"A", "B"} {
		w = s.do(t, http.MethodPost, "/drawing/broadcast", drawBody("room", content), bearer(token))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w = s.do(t, http.MethodPost, "/drawing/undo", map[string]any{"sessionId": "room"}, bearer(token))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","step":2}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/drawing/history?sessionId=room", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Steps []models.DrawingStep `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.Steps, 1)
	assert.Equal(t, 1, history.Steps[0].Step)
	assert.Equal(t, "A", history.Steps[0].Content["content"])

	w = s.do(t, http.MethodPost, "/drawing/redo", map[string]any{"sessionId": "room"}, bearer(token))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","step":2}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/drawing/undo", map[string]any{}, bearer(token))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHistory_EmptySession(t *testing.T) {
	s := setupSqliteServer(t, false)
	_, token := s.login(t)

	w := s.do(t, http.MethodGet, "/drawing/history?sessionId=empty", nil, bearer(token))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"steps":[]}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/drawing/history", nil, bearer(token))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestBroadcast_PersistenceFailureIsGeneric(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	s := setupServer(t, mockStore, true)

	mockStore.On("AppendStep", mock.Anything, "room", mock.Anything, "").
		Return(models.DrawingStep{}, errors.New("disk I/O error at /var/lib/drawcast.db"))

	w := s.do(t, http.MethodPost, "/drawing/broadcast", drawBody("room", "A"), nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"status":"error","message":"Failed to broadcast drawing step"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "disk")
}

func TestMe(t *testing.T) {
	s := setupSqliteServer(t, false)
	user, token := s.login(t)

	w := s.do(t, http.MethodGet, "/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/me", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"Ada","id":"`+user.Id+`","email":"ada@example.com","provider":"github","stepCount":0}`, w.Body.String())

	w = s.do(t, http.MethodDelete, "/me", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	_, err := s.svc.Store.GetUser(context.Background(), "github", "42")
	assert.ErrorIs(t, err, store.ErrItemNotFound)

	// The token outlives the account but no longer authenticates
	w = s.do(t, http.MethodGet, "/me", nil, bearer(token))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin_Validation(t *testing.T) {
	s := setupSqliteServer(t, false)

	w := s.do(t, http.MethodPost, "/login", map[string]any{"provider": "myspace", "code": "x"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "The selected provider is invalid.")

	// Valid input, but no OAuth provider is configured
	w = s.do(t, http.MethodPost, "/login", map[string]any{"provider": "github", "code": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
