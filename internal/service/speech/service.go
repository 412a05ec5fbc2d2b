// Package speech wraps the Volcengine ASR and TTS WebSocket APIs behind the
// transcriber and synthesizer used by the turn loop.
package speech

import (
	"context"
	"errors"
	"log"

	"github.com/zhouzirui/z-examiner/backend/internal/config"
	"github.com/zhouzirui/z-examiner/backend/internal/model/speech"
)

// ErrDisabled is returned for audio input when no speech credentials are configured.
var ErrDisabled = errors.New("speech service is not configured")

// Service 聚合 ASR 与 TTS。未配置凭证时只支持文本输入，合成返回空音频。
type Service struct {
	asr     *ASRClient
	tts     *TTSClient
	enabled bool
}

// NewService builds both clients from cfg.
func NewService(cfg config.SpeechConfig) *Service {
	if !cfg.Enabled {
		log.Printf("[speech] SPEECH_APP_ID or SPEECH_ACCESS_TOKEN missing, running text-only")
		return &Service{}
	}

	tts := NewTTSClient(cfg.AppID, cfg.AccessToken, cfg.TTSVoice)
	tts.Language = cfg.TTSLanguage
	tts.Speed = cfg.TTSSpeed
	tts.Volume = cfg.TTSVolume

	return &Service{
		asr:     NewASRClient(cfg.AppID, cfg.AccessToken, cfg.ASRLanguage),
		tts:     tts,
		enabled: true,
	}
}

// NewServiceWithClients is used when the clients need non-default endpoints.
func NewServiceWithClients(asr *ASRClient, tts *TTSClient) *Service {
	return &Service{asr: asr, tts: tts, enabled: asr != nil && tts != nil}
}

// Enabled reports whether audio is supported.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// Transcribe converts respondent audio to text.
func (s *Service) Transcribe(ctx context.Context, sessionID string, audio speech.Audio) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	return s.asr.Transcribe(ctx, sessionID, audio)
}

// Synthesize voices the examiner's line. In text-only mode it returns empty audio.
func (s *Service) Synthesize(ctx context.Context, sessionID, text string) (speech.Audio, error) {
	if !s.Enabled() {
		return speech.Audio{}, nil
	}
	return s.tts.Synthesize(ctx, sessionID, text)
}
