package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-examiner/backend/internal/middleware"
	sessionModel "github.com/zhouzirui/z-examiner/backend/internal/model/session"
	"github.com/zhouzirui/z-examiner/backend/internal/model/speech"
	"github.com/zhouzirui/z-examiner/backend/internal/service/lifecycle"
	"github.com/zhouzirui/z-examiner/backend/internal/service/turn"
	"github.com/zhouzirui/z-examiner/backend/pkg/utils"
)

// maxAudioBytes caps multipart uploads for a single turn.
const maxAudioBytes = 32 << 20

// Sessions 是处理器依赖的会话编排能力，由 lifecycle.Orchestrator 实现
type Sessions interface {
	OnLogin(ctx context.Context, ownerID string) (lifecycle.LoginResult, error)
	StartSession(ctx context.Context, ownerID, topic string) (lifecycle.StartResult, error)
	SubmitTurn(ctx context.Context, ownerID, sessionID string, in turn.Input) (turn.Result, error)
	BeginCapture(ownerID, sessionID string) error
	Retry(ctx context.Context, ownerID, sessionID string) error
	EndSession(ctx context.Context, ownerID, sessionID string) error
	Abandon(ctx context.Context, ownerID, sessionID string) error
	Session(ctx context.Context, ownerID, sessionID string) (lifecycle.SessionView, error)
	Subscribe(ownerID, sessionID string, l turn.Listener) (func(), error)
}

// Handler 会话生命周期的HTTP处理器
type Handler struct {
	sessions Sessions
	live     *WebSocketHandler
}

// New 创建会话处理器
func New(sessions Sessions) *Handler {
	return &Handler{
		sessions: sessions,
		live:     NewWebSocketHandler(sessions),
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Route("/sessions", func(sr chi.Router) {
		sr.Use(middleware.RequireOwner)
		sr.Post("/", h.handleStart)
		sr.Route("/{sessionID}", func(one chi.Router) {
			one.Get("/", h.handleGet)
			one.Post("/capture", h.handleCapture)
			one.Post("/turns", h.handleTurn)
			one.Post("/retry", h.handleRetry)
			one.Post("/end", h.handleEnd)
			one.Get("/ws", h.live.handleWebSocket)
		})
	})
}

// turnResponse 是一轮问答的响应，音频以 base64 编码
type turnResponse struct {
	TurnIndex   int        `json:"turnIndex"`
	Respondent  string     `json:"respondent"`
	Examiner    string     `json:"examiner"`
	AudioData   string     `json:"audioData,omitempty"`
	AudioFormat string     `json:"audioFormat,omitempty"`
	State       turn.State `json:"state"`
	Finished    bool       `json:"finished"`
}

func newTurnResponse(res turn.Result) turnResponse {
	out := turnResponse{
		TurnIndex:  res.TurnIndex,
		Respondent: res.Respondent,
		Examiner:   res.Examiner,
		State:      res.State,
		Finished:   res.Finished,
	}
	if !res.Audio.Empty() {
		out.AudioData = base64.StdEncoding.EncodeToString(res.Audio.Data)
		out.AudioFormat = res.Audio.Format
	}
	return out
}

// handleLogin 触发孤儿会话回收并返回最近一次的记忆摘要
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		OwnerID string `json:"ownerId"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner := middleware.OwnerFrom(r.Context())
	if owner == "" {
		owner = strings.TrimSpace(payload.OwnerID)
	}

	result, err := h.sessions.OnLogin(r.Context(), owner)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleStart 创建会话
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Topic string `json:"topic"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Topic == "" {
		utils.RespondError(w, http.StatusBadRequest, "topic is required")
		return
	}

	result, err := h.sessions.StartSession(r.Context(), middleware.OwnerFrom(r.Context()), payload.Topic)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := h.sessions.Session(r.Context(), middleware.OwnerFrom(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCapture(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.BeginCapture(middleware.OwnerFrom(r.Context()), chi.URLParam(r, "sessionID")); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"state": string(turn.StateRecording)})
}

// handleTurn 接受 JSON 文本或 multipart 音频作为考生回答
func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	in, err := readTurnInput(w, r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	res, err := h.sessions.SubmitTurn(r.Context(), middleware.OwnerFrom(r.Context()), sessionID, in)
	if err != nil {
		log.Printf("[session] turn failed session=%s: %v", sessionID, err)
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, newTurnResponse(res))
}

func readTurnInput(w http.ResponseWriter, r *http.Request) (turn.Input, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var payload struct {
			Text string `json:"text"`
		}
		if err := utils.DecodeJSON(w, r, &payload); err != nil {
			return turn.Input{}, err
		}
		return turn.Input{Text: payload.Text}, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		return turn.Input{}, fmt.Errorf("failed to parse multipart form: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		return turn.Input{Text: r.FormValue("text")}, nil
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return turn.Input{}, fmt.Errorf("failed to read audio: %w", err)
	}
	format := r.FormValue("format")
	if format == "" {
		format = audioFormatFromName(header.Filename)
	}
	return turn.Input{Audio: &speech.Audio{Data: data, Format: format}}, nil
}

func audioFormatFromName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 && i < len(name)-1 {
		return strings.ToLower(name[i+1:])
	}
	return "wav"
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.Retry(r.Context(), owner, sessionID); err != nil {
		respondServiceError(w, err)
		return
	}
	view, err := h.sessions.Session(r.Context(), owner, sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, view)
}

// handleEnd 结束会话；总结在后台生成
func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.EndSession(r.Context(), middleware.OwnerFrom(r.Context()), sessionID); err != nil {
		log.Printf("[session] end failed session=%s: %v", sessionID, err)
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{
		"sessionId": sessionID,
		"state":     string(turn.StateFinalizing),
	})
}

// respondServiceError 按错误类别映射HTTP状态码
func respondServiceError(w http.ResponseWriter, err error) {
	utils.RespondError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sessionModel.ErrOwnerRequired),
		errors.Is(err, turn.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, sessionModel.ErrOwnerMismatch):
		return http.StatusForbidden
	case errors.Is(err, sessionModel.ErrSessionNotFound),
		errors.Is(err, sessionModel.ErrTopicNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessionModel.ErrInvalidStateTransition),
		errors.Is(err, turn.ErrTurnAborted):
		return http.StatusConflict
	case errors.Is(err, sessionModel.ErrCollaboratorTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, sessionModel.ErrCollaboratorRejected):
		return http.StatusBadGateway
	case errors.Is(err, sessionModel.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
