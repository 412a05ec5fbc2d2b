package topic

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-examiner/backend/internal/model/prompt"
	"github.com/zhouzirui/z-examiner/backend/pkg/utils"
)

// Handler 话题目录的HTTP处理器
type Handler struct {
	topics prompt.Store
}

// New 创建话题处理器
func New(topics prompt.Store) *Handler {
	return &Handler{topics: topics}
}

// RegisterRoutes 注册话题相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/topics", h.handleListTopics)
	r.Get("/topics/{topicID}", h.handleGetTopic)
}

type topicSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	PromptCount int    `json:"promptCount"`
}

// handleListTopics 列出话题，不包含具体题目
func (h *Handler) handleListTopics(w http.ResponseWriter, r *http.Request) {
	sets := h.topics.List()
	out := make([]topicSummary, 0, len(sets))
	for _, set := range sets {
		out = append(out, topicSummary{
			ID:          set.ID,
			Title:       set.Title,
			Description: set.Description,
			PromptCount: set.Len(),
		})
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	set, ok := h.topics.FindByID(chi.URLParam(r, "topicID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "topic not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, set)
}
