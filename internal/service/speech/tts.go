package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-examiner/backend/internal/model/speech"
)

const (
	defaultTTSEndpoint = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"
	defaultVoice       = "en_female_amy_jupiter_bigtts"

	resourceStandard = "volc.service_type.10029"
	resourceClone    = "volc.megatts.default"
	resourceSeed     = "seed-tts-2.0"
)

// TTSClient 调用火山引擎单向流式合成接口，把考官文本转成音频。
type TTSClient struct {
	AppID       string
	AccessToken string
	Voice       string
	Language    string
	Speed       float32
	Volume      float32
	Format      string
	Endpoint    string

	dialer *websocket.Dialer
}

// NewTTSClient creates a client with production defaults.
func NewTTSClient(appID, accessToken, voice string) *TTSClient {
	if strings.TrimSpace(voice) == "" {
		voice = defaultVoice
	}
	return &TTSClient{
		AppID:       appID,
		AccessToken: accessToken,
		Voice:       voice,
		Format:      "mp3",
		Speed:       1,
		Volume:      1,
		Endpoint:    defaultTTSEndpoint,
		dialer:      &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		Language    string         `json:"language,omitempty"`
		AudioParams ttsAudioParams `json:"audio_params"`
	} `json:"req_params"`
}

type ttsAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

type ttsResult struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
}

var errResourceMismatch = errors.New("resource ID is mismatched with speaker related resource")

// Synthesize renders text with the configured voice. Returning means the
// whole utterance is available, which the turn loop treats as playback done.
func (c *TTSClient) Synthesize(ctx context.Context, sessionID, text string) (speech.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return speech.Audio{}, errors.New("TTS text is empty")
	}

	var lastErr error
	for i, resource := range resourcesForVoice(c.Voice) {
		data, err := c.synthesizeWith(ctx, sessionID, text, resource)
		if err == nil {
			if i > 0 {
				log.Printf("[TTS] voice %s succeeded with fallback resource %s", c.Voice, resource)
			}
			return speech.Audio{Data: data, Format: c.Format}, nil
		}
		if !errors.Is(err, errResourceMismatch) {
			return speech.Audio{}, err
		}
		log.Printf("[TTS] voice %s resource %s mismatch", c.Voice, resource)
		lastErr = err
	}
	return speech.Audio{}, lastErr
}

func (c *TTSClient) synthesizeWith(ctx context.Context, sessionID, text, resource string) ([]byte, error) {
	header := http.Header{}
	header.Set("X-Api-App-Key", c.AppID)
	header.Set("X-Api-Access-Key", c.AccessToken)
	header.Set("X-Api-Resource-Id", resource)
	header.Set("X-Api-Connect-Id", uuid.NewString())

	conn, resp, err := c.dialer.DialContext(ctx, c.Endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS WebSocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[TTS] session=%s connected logid=%s", sessionID, logid)
		}
	}

	payload, err := json.Marshal(c.buildRequest(sessionID, text))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	req, err := requestFrame(payload, false)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, req.marshal()); err != nil {
		return nil, fmt.Errorf("failed to send TTS request: %w", err)
	}

	var audio bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to read TTS response: %w", err)
		}
		f, err := parseFrame(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode TTS frame: %w", err)
		}

		switch f.kind {
		case kindServerError:
			body, _ := f.body()
			if strings.Contains(string(body), errResourceMismatch.Error()) {
				return nil, fmt.Errorf("TTS error %d: %w", f.errorCode, errResourceMismatch)
			}
			return nil, fmt.Errorf("TTS error %d: %s", f.errorCode, string(body))

		case kindServerAudio:
			chunk, err := f.body()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress audio chunk: %w", err)
			}
			audio.Write(chunk)
			if f.last() {
				return finish(&audio)
			}

		case kindServerFull:
			body, err := f.body()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress TTS payload: %w", err)
			}
			var result ttsResult
			if len(body) > 0 {
				if err := json.Unmarshal(body, &result); err != nil {
					log.Printf("[TTS] skip undecodable payload: %v", err)
				}
			}
			if result.Code != 0 && result.Code != 3000 && result.Code != 20000000 {
				if strings.Contains(result.Message, errResourceMismatch.Error()) {
					return nil, fmt.Errorf("TTS API error %d: %w", result.Code, errResourceMismatch)
				}
				return nil, fmt.Errorf("TTS API error %d: %s", result.Code, result.Message)
			}
			if result.Data != "" {
				chunk, err := base64.StdEncoding.DecodeString(result.Data)
				if err != nil {
					return nil, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
				}
				audio.Write(chunk)
			}
			if (f.hasEvent() && f.event == eventSessionFinished) || f.last() || result.Sequence < 0 {
				return finish(&audio)
			}
		}
	}
}

func finish(audio *bytes.Buffer) ([]byte, error) {
	if audio.Len() == 0 {
		return nil, errors.New("TTS audio is empty")
	}
	return audio.Bytes(), nil
}

func (c *TTSClient) buildRequest(sessionID, text string) ttsRequest {
	var req ttsRequest
	req.User.UID = sessionID
	req.ReqParams.Speaker = c.Voice
	req.ReqParams.Text = text
	req.ReqParams.Language = c.Language
	req.ReqParams.AudioParams.Format = c.Format
	req.ReqParams.AudioParams.SampleRate = 24000
	if c.Speed > 0 && c.Speed != 1 {
		req.ReqParams.AudioParams.SpeedRatio = c.Speed
	}
	if c.Volume > 0 && c.Volume != 1 {
		req.ReqParams.AudioParams.VolumeRatio = c.Volume
	}
	return req
}

// resourcesForVoice orders resource ids by how likely they serve voice.
func resourcesForVoice(voice string) []string {
	voice = strings.TrimSpace(voice)
	if strings.HasPrefix(voice, "S_") {
		return []string{resourceClone}
	}
	lower := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "jupiter", "uranus", "venus", "mars"} {
		if strings.Contains(lower, hint) {
			return []string{resourceSeed, resourceStandard}
		}
	}
	return []string{resourceStandard, resourceSeed}
}
