package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-examiner/backend/internal/middleware"
	sessionModel "github.com/zhouzirui/z-examiner/backend/internal/model/session"
	"github.com/zhouzirui/z-examiner/backend/internal/model/speech"
	"github.com/zhouzirui/z-examiner/backend/internal/service/turn"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	outboxSize   = 32
)

// WebSocketHandler 实时会话通道：推送状态变化，接收文本或分片音频回答
type WebSocketHandler struct {
	sessions Sessions
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(sessions Sessions) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			// 跨域由 CORS 中间件控制
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// AudioMessage 音频分片，audioData 为 base64
type AudioMessage struct {
	AudioData []byte `json:"audioData"`
	Format    string `json:"format"`
	IsFinal   bool   `json:"isFinal"`
}

// TextMessage 文本回答
type TextMessage struct {
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type stateChange struct {
	From  turn.State `json:"from"`
	To    turn.State `json:"to"`
	Event turn.Event `json:"event"`
}

// connection 只有 writeLoop 写 conn
type connection struct {
	sessionID string
	ownerID   string
	conn      *websocket.Conn
	outbox    chan outgoingMessage
	busy      atomic.Bool
	turns     sync.WaitGroup

	audioFormat string
	audio       []byte
}

// send 不阻塞：发送队列满时丢弃，客户端可通过 GET 会话接口补齐状态
func (c *connection) send(msgType string, data interface{}) {
	msg := outgoingMessage{
		Type:      msgType,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	select {
	case c.outbox <- msg:
	default:
		log.Printf("[websocket] outbox full, dropping %s for session=%s", msgType, c.sessionID)
	}
}

func (c *connection) sendError(err error) {
	c.send("error", map[string]any{
		"message": err.Error(),
		"status":  statusFor(err),
	})
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	owner := middleware.OwnerFrom(r.Context())

	c := &connection{
		sessionID: sessionID,
		ownerID:   owner,
		outbox:    make(chan outgoingMessage, outboxSize),
	}

	// 升级前订阅：会话不存在或不属于该用户时返回普通HTTP错误
	unsubscribe, err := h.sessions.Subscribe(owner, sessionID, func(_ string, from, to turn.State, ev turn.Event) {
		c.send("state", stateChange{From: from, To: to, Event: ev})
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	c.conn = conn

	log.Printf("[websocket] new connection owner=%s session=%s", owner, sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, c)
	}()

	if view, err := h.sessions.Session(ctx, owner, sessionID); err == nil {
		c.send("connected", map[string]any{
			"state":       view.State,
			"turnIndex":   view.TurnIndex,
			"promptCount": view.PromptCount,
		})
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	ended := false
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msg.SessionID != "" && msg.SessionID != sessionID {
			c.sendError(errors.New("session mismatch"))
			continue
		}
		if ended = h.handleMessage(ctx, c, &msg); ended {
			break
		}
	}

	cancel()
	c.turns.Wait()
	<-writerDone

	if !ended {
		// 客户端未发送 end 就断开：保存转写并交给下次登录时的恢复
		abandonCtx, cancelAbandon := context.WithTimeout(context.Background(), writeTimeout)
		defer cancelAbandon()
		if err := h.sessions.Abandon(abandonCtx, owner, sessionID); err != nil && !errors.Is(err, sessionModel.ErrSessionNotFound) {
			log.Printf("[websocket] abandon session=%s failed: %v", sessionID, err)
		}
	}
	log.Printf("[websocket] connection closed session=%s", sessionID)
}

// handleMessage 返回 true 时关闭连接
func (h *WebSocketHandler) handleMessage(ctx context.Context, c *connection, msg *inboundMessage) bool {
	switch msg.Type {
	case "capture":
		if err := h.sessions.BeginCapture(c.ownerID, c.sessionID); err != nil {
			c.sendError(err)
		}
	case "text":
		var text TextMessage
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			c.sendError(errors.New("invalid text payload"))
			return false
		}
		h.startTurn(ctx, c, turn.Input{Text: text.Text})
	case "audio":
		var chunk AudioMessage
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			c.sendError(errors.New("invalid audio payload"))
			return false
		}
		c.audio = append(c.audio, chunk.AudioData...)
		if chunk.Format != "" {
			c.audioFormat = chunk.Format
		}
		if !chunk.IsFinal {
			return false
		}
		audio := speech.Audio{Data: c.audio, Format: c.audioFormat}
		if audio.Format == "" {
			audio.Format = "wav"
		}
		c.audio = nil
		h.startTurn(ctx, c, turn.Input{Audio: &audio})
	case "retry":
		if err := h.sessions.Retry(ctx, c.ownerID, c.sessionID); err != nil {
			c.sendError(err)
		}
	case "end":
		if err := h.sessions.EndSession(ctx, c.ownerID, c.sessionID); err != nil {
			c.sendError(err)
			return false
		}
		c.send("ended", map[string]any{"state": turn.StateFinalizing})
		return true
	default:
		c.sendError(errors.New("unsupported message type: " + msg.Type))
	}
	return false
}

// startTurn 在后台执行一轮问答，读循环保持可用以便随时接收 end
func (h *WebSocketHandler) startTurn(ctx context.Context, c *connection, in turn.Input) {
	if !c.busy.CompareAndSwap(false, true) {
		c.sendError(errors.New("a turn is already in progress"))
		return
	}
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		defer c.busy.Store(false)

		res, err := h.sessions.SubmitTurn(ctx, c.ownerID, c.sessionID, in)
		if err != nil {
			if errors.Is(err, turn.ErrTurnAborted) || errors.Is(err, sessionModel.ErrSessionNotFound) {
				return
			}
			c.sendError(err)
			return
		}
		c.send("turn", newTurnResponse(res))
		if res.Finished {
			c.send("ended", map[string]any{"state": turn.StateFinalizing})
		}
	}()
}

// writeLoop 串行写出消息并定期发送ping
func (h *WebSocketHandler) writeLoop(ctx context.Context, c *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("[websocket] write failed: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			h.drainOutbox(c)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// drainOutbox 在关闭前尽量写出已排队的消息
func (h *WebSocketHandler) drainOutbox(c *connection) {
	for {
		select {
		case msg := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
