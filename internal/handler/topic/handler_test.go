package topic

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-examiner/backend/internal/model/prompt"
)

func setupRouter() *chi.Mux {
	r := chi.NewRouter()
	New(prompt.NewMemoryStore(prompt.Seed())).RegisterRoutes(r)
	return r
}

func TestListTopics(t *testing.T) {
	r := setupRouter()
	req := httptest.NewRequest(http.MethodGet, "/topics", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var topics []topicSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &topics); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(topics) != len(prompt.Seed()) {
		t.Fatalf("expected %d topics, got %d", len(prompt.Seed()), len(topics))
	}
	for _, topic := range topics {
		if topic.PromptCount == 0 {
			t.Fatalf("topic %s has no prompts", topic.ID)
		}
	}
}

func TestGetTopic(t *testing.T) {
	r := setupRouter()

	req := httptest.NewRequest(http.MethodGet, "/topics/hometown", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var set prompt.PromptSet
	if err := json.Unmarshal(resp.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("expected 3 prompts, got %d", set.Len())
	}

	req = httptest.NewRequest(http.MethodGet, "/topics/astronomy", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
