package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-examiner/backend/internal/model/prompt"
	"github.com/zhouzirui/z-examiner/backend/internal/service/lifecycle"
	"github.com/zhouzirui/z-examiner/backend/internal/service/turn"
)

// stubSessions only answers OnLogin; the router test checks wiring, not behaviour.
type stubSessions struct {
	lifecycle.Orchestrator
}

func (*stubSessions) OnLogin(_ context.Context, owner string) (lifecycle.LoginResult, error) {
	return lifecycle.LoginResult{OwnerID: owner}, nil
}

func (*stubSessions) Subscribe(string, string, turn.Listener) (func(), error) {
	return func() {}, nil
}

func newTestRouter() http.Handler {
	return NewRouter(Dependencies{
		Sessions:       &stubSessions{},
		Topics:         prompt.NewMemoryStore(prompt.Seed()),
		AllowedOrigins: []string{"http://localhost:5173"},
		Health:         Health{Store: "memory"},
	})
}

func TestHealth(t *testing.T) {
	resp := httptest.NewRecorder()
	newTestRouter().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Status   string `json:"status"`
		Features Health `json:"features"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "memory", body.Features.Store)
}

func TestRoutesAreMountedUnderAPI(t *testing.T) {
	router := newTestRouter()

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/topics", nil))
	assert.Equal(t, http.StatusOK, resp.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	req.Header.Set("X-Owner-ID", "alice")
	req.Header.Set("Origin", "http://localhost:5173")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "http://localhost:5173", resp.Header().Get("Access-Control-Allow-Origin"))

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/topics", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
