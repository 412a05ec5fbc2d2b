package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, "session not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"session not found"}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	var payload struct {
		Topic string `json:"topic"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"topic":"travel"}`))
	require.NoError(t, DecodeJSON(httptest.NewRecorder(), req, &payload))
	assert.Equal(t, "travel", payload.Topic)

	payload.Topic = ""
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	require.NoError(t, DecodeJSON(httptest.NewRecorder(), req, &payload))
	assert.Empty(t, payload.Topic)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"topic":`))
	assert.Error(t, DecodeJSON(httptest.NewRecorder(), req, &payload))
}
