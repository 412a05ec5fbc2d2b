package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-examiner/backend/internal/handler/session"
	"github.com/zhouzirui/z-examiner/backend/internal/handler/topic"
	middlewarePkg "github.com/zhouzirui/z-examiner/backend/internal/middleware"
	"github.com/zhouzirui/z-examiner/backend/internal/model/prompt"
	"github.com/zhouzirui/z-examiner/backend/pkg/utils"
)

// Health describes which optional collaborators are wired.
type Health struct {
	AI     bool   `json:"ai"`
	Speech bool   `json:"speech"`
	Store  string `json:"store"`
}

// Dependencies are the services exposed over HTTP.
type Dependencies struct {
	Sessions       session.Sessions
	Topics         prompt.Store
	AllowedOrigins []string
	Health         Health
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))
	r.Use(middlewarePkg.Owner)

	started := time.Now()

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":   "ok",
				"uptime":   time.Since(started).Round(time.Second).String(),
				"features": deps.Health,
			})
		})

		topic.New(deps.Topics).RegisterRoutes(api)
		session.New(deps.Sessions).RegisterRoutes(api)
	})

	return r
}
