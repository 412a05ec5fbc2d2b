package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-examiner/backend/internal/model/speech"
)

const defaultASREndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"

// 16kHz 16bit 单声道，200ms 一包
const asrChunkBytes = 6400

// ASRClient 通过火山引擎大模型流式识别接口把一段录音转成文本。
type ASRClient struct {
	AppID       string
	AccessToken string
	Language    string
	Endpoint    string
	ResourceID  string
	// ChunkInterval paces audio chunks; zero sends them back to back.
	ChunkInterval time.Duration

	dialer *websocket.Dialer
}

// NewASRClient creates a client with production defaults.
func NewASRClient(appID, accessToken, language string) *ASRClient {
	return &ASRClient{
		AppID:         appID,
		AccessToken:   accessToken,
		Language:      language,
		Endpoint:      defaultASREndpoint,
		ResourceID:    "volc.bigasr.sauc.duration",
		ChunkInterval: 20 * time.Millisecond,
		dialer:        &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate"`
		Bits     int    `json:"bits"`
		Channel  int    `json:"channel"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn"`
		EnablePunc     bool   `json:"enable_punc"`
		ShowUtterances bool   `json:"show_utterances"`
		ResultType     string `json:"result_type"`
	} `json:"request"`
}

type asrResult struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances"`
	} `json:"result"`
}

func (r asrResult) text() string {
	if t := strings.TrimSpace(r.Result.Text); t != "" {
		return t
	}
	parts := make([]string, 0, len(r.Result.Utterances))
	for _, u := range r.Result.Utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Transcribe sends audio and waits for the final recognition result.
func (c *ASRClient) Transcribe(ctx context.Context, sessionID string, audio speech.Audio) (string, error) {
	if audio.Empty() {
		return "", errors.New("no audio data to send")
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", c.AppID)
	header.Set("X-Api-Access-Key", c.AccessToken)
	header.Set("X-Api-Resource-Id", c.ResourceID)
	header.Set("X-Api-Connect-Id", sessionID)

	conn, resp, err := c.dialer.DialContext(ctx, c.Endpoint, header)
	if err != nil {
		return "", fmt.Errorf("failed to connect to ASR WebSocket: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[ASR] session=%s connected logid=%s", sessionID, logid)
		}
	}

	payload, err := json.Marshal(c.buildRequest(sessionID, audio.Format))
	if err != nil {
		return "", fmt.Errorf("failed to marshal ASR request: %w", err)
	}
	req, err := requestFrame(payload, true)
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, req.marshal()); err != nil {
		return "", fmt.Errorf("failed to send ASR request: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	// ReadMessage ignores contexts; closing the socket unblocks it
	stop := context.AfterFunc(gctx, func() { conn.Close() })
	defer stop()

	var text string
	g.Go(func() error {
		return c.sendAudio(gctx, conn, audio.Data)
	})
	g.Go(func() error {
		var err error
		text, err = c.receive(conn)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}

	log.Printf("[ASR] session=%s recognized %d chars from %d bytes", sessionID, len(text), len(audio.Data))
	return text, nil
}

func (c *ASRClient) buildRequest(sessionID, format string) asrRequest {
	var req asrRequest
	req.User.UID = sessionID
	req.Audio.Format = format
	if req.Audio.Format == "" {
		req.Audio.Format = "wav"
	}
	req.Audio.Language = c.Language
	req.Audio.Codec = "raw"
	req.Audio.Rate = 16000
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	return req
}

func (c *ASRClient) sendAudio(ctx context.Context, conn *websocket.Conn, data []byte) error {
	// 序号 1 被完整请求占用，音频从 2 开始
	sequence := int32(2)
	for start := 0; start < len(data); start += asrChunkBytes {
		end := min(start+asrChunkBytes, len(data))
		last := end == len(data)

		f, err := audioFrame(data[start:end], sequence, last)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, f.marshal()); err != nil {
			return fmt.Errorf("failed to send audio chunk %d: %w", sequence, err)
		}
		sequence++

		if last || c.ChunkInterval <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.ChunkInterval):
		}
	}
	return nil
}

func (c *ASRClient) receive(conn *websocket.Conn) (string, error) {
	var text string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("failed to read ASR response: %w", err)
		}
		f, err := parseFrame(data)
		if err != nil {
			return "", fmt.Errorf("failed to decode ASR frame: %w", err)
		}

		switch f.kind {
		case kindServerError:
			body, _ := f.body()
			return "", fmt.Errorf("ASR error %d: %s", f.errorCode, string(body))
		case kindServerFull:
			body, err := f.body()
			if err != nil {
				return "", fmt.Errorf("failed to decompress ASR payload: %w", err)
			}
			var result asrResult
			if err := json.Unmarshal(body, &result); err != nil {
				log.Printf("[ASR] skip undecodable result: %v", err)
				continue
			}
			if result.Code != 0 && result.Code != 20000000 {
				return "", fmt.Errorf("ASR API error %d: %s", result.Code, result.Message)
			}
			if t := result.text(); t != "" {
				text = t
			}
			if f.last() || result.Sequence < 0 {
				return text, nil
			}
		}
	}
}
