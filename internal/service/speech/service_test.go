package speech

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-examiner/backend/internal/config"
	"github.com/zhouzirui/z-examiner/backend/internal/model/speech"
)

var upgrader = websocket.Upgrader{}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// fakeASR answers with a final result once the last audio chunk arrives.
func fakeASR(t *testing.T, chunks *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-App-Key") != "app" {
			http.Error(w, "missing app key", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := parseFrame(data)
		if err != nil || req.kind != kindClientRequest {
			t.Errorf("expected request frame, got %v %v", req.kind, err)
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := parseFrame(data)
			if err != nil {
				t.Errorf("parse audio frame: %v", err)
				return
			}
			chunks.Add(1)
			if f.last() {
				break
			}
		}

		body, _ := json.Marshal(map[string]any{
			"sequence": -1,
			"result":   map[string]any{"text": "I come from a small town."},
		})
		resp := frame{kind: kindServerFull, flags: flagLastNoSeq, serialization: serialJSON, payload: body}
		_ = conn.WriteMessage(websocket.BinaryMessage, resp.marshal())
	}))
}

func TestASRTranscribe(t *testing.T) {
	var chunks atomic.Int32
	server := fakeASR(t, &chunks)
	defer server.Close()

	client := NewASRClient("app", "token", "en-US")
	client.Endpoint = wsURL(server)
	client.ChunkInterval = 0

	audio := speech.Audio{Data: make([]byte, asrChunkBytes*2+10), Format: "wav"}
	text, err := client.Transcribe(context.Background(), "sess-1", audio)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "I come from a small town." {
		t.Fatalf("unexpected text %q", text)
	}
	if n := chunks.Load(); n != 3 {
		t.Fatalf("expected 3 audio chunks, got %d", n)
	}
}

func TestASRTranscribeRejectsEmptyAudio(t *testing.T) {
	client := NewASRClient("app", "token", "en-US")
	if _, err := client.Transcribe(context.Background(), "sess-1", speech.Audio{}); err == nil {
		t.Fatal("expected error for empty audio")
	}
}

func fakeTTS(t *testing.T, failFirstResource bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := parseFrame(data)
		if err != nil {
			t.Errorf("parse request: %v", err)
			return
		}
		var payload ttsRequest
		if err := json.Unmarshal(req.payload, &payload); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}

		if failFirstResource && r.Header.Get("X-Api-Resource-Id") == resourceSeed {
			errFrame := frame{kind: kindServerError, errorCode: 55000000, payload: []byte(errResourceMismatch.Error())}
			_ = conn.WriteMessage(websocket.BinaryMessage, errFrame.marshal())
			return
		}

		for _, chunk := range [][]byte{[]byte("ID3"), []byte(payload.ReqParams.Text)} {
			f := frame{kind: kindServerAudio, flags: flagNoSequence, payload: chunk}
			_ = conn.WriteMessage(websocket.BinaryMessage, f.marshal())
		}
		done := frame{kind: kindServerFull, flags: flagEvent, serialization: serialJSON, event: eventSessionFinished, sessionID: "s", payload: []byte(`{}`)}
		_ = conn.WriteMessage(websocket.BinaryMessage, done.marshal())
	}))
}

func TestTTSSynthesize(t *testing.T) {
	server := fakeTTS(t, false)
	defer server.Close()

	client := NewTTSClient("app", "token", "")
	client.Endpoint = wsURL(server)

	audio, err := client.Synthesize(context.Background(), "sess-1", "Where is your hometown?")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if audio.Format != "mp3" || string(audio.Data) != "ID3Where is your hometown?" {
		t.Fatalf("unexpected audio %q (%s)", audio.Data, audio.Format)
	}
}

func TestTTSFallsBackOnResourceMismatch(t *testing.T) {
	server := fakeTTS(t, true)
	defer server.Close()

	client := NewTTSClient("app", "token", defaultVoice)
	client.Endpoint = wsURL(server)

	audio, err := client.Synthesize(context.Background(), "sess-1", "Hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio.Data) != "ID3Hello" {
		t.Fatalf("unexpected audio %q", audio.Data)
	}
}

func TestTTSRespectsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// never answer
		time.Sleep(time.Second)
	}))
	defer server.Close()

	client := NewTTSClient("app", "token", "")
	client.Endpoint = wsURL(server)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Synthesize(ctx, "sess-1", "Hello")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDisabledService(t *testing.T) {
	svc := NewService(config.SpeechConfig{})
	if svc.Enabled() {
		t.Fatal("expected disabled service")
	}
	if _, err := svc.Transcribe(context.Background(), "s", speech.Audio{Data: []byte{1}}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	audio, err := svc.Synthesize(context.Background(), "s", "hello")
	if err != nil || !audio.Empty() {
		t.Fatalf("expected empty audio without error, got %v %v", audio, err)
	}
}

func TestResourcesForVoice(t *testing.T) {
	if got := resourcesForVoice("S_custom"); len(got) != 1 || got[0] != resourceClone {
		t.Fatalf("unexpected resources for cloned voice: %v", got)
	}
	if got := resourcesForVoice(defaultVoice); got[0] != resourceSeed {
		t.Fatalf("expected seed resource first, got %v", got)
	}
	if got := resourcesForVoice("BV001_streaming"); got[0] != resourceStandard {
		t.Fatalf("expected standard resource first, got %v", got)
	}
}
