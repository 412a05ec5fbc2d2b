// Package ai holds the language-model collaborators of a session: the examiner
// that asks the next question, the summarizer that writes memory and the
// analyst that scores a finished transcript.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-examiner/backend/internal/analysis/fluency"
	"github.com/zhouzirui/z-examiner/backend/internal/model/prompt"
	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
)

// Config controls the AI service.
type Config struct {
	// HistoryLimit caps how many recent turns are sent with each question.
	HistoryLimit int
	// ModelAnalysis enables model-based scoring; otherwise the heuristic is used.
	ModelAnalysis bool
}

type chain = compose.Runnable[map[string]any, *schema.Message]

// Service implements the examiner, summarizer and analyst. With a nil chat
// model it runs offline: cues are asked verbatim and reports are heuristic.
type Service struct {
	cfg        Config
	examiner   chain
	summarizer chain
	analyst    chain
}

// NewService compiles the three chains over chatModel.
func NewService(ctx context.Context, chatModel model.BaseChatModel, cfg Config) (*Service, error) {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 12
	}
	svc := &Service{cfg: cfg}
	if chatModel == nil {
		log.Printf("[ai] no chat model configured, running offline")
		return svc, nil
	}

	var err error
	svc.examiner, err = compileChain(ctx, chatModel, einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{instruction}"),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to compile examiner chain: %w", err)
	}

	svc.summarizer, err = compileChain(ctx, chatModel, einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{transcript}"),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to compile summarizer chain: %w", err)
	}

	svc.analyst, err = compileChain(ctx, chatModel, einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{transcript}"),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to compile analyst chain: %w", err)
	}
	return svc, nil
}

func compileChain(ctx context.Context, chatModel model.BaseChatModel, tpl einoprompt.ChatTemplate) (chain, error) {
	c := compose.NewChain[map[string]any, *schema.Message]()
	c.AppendChatTemplate(tpl)
	c.AppendChatModel(chatModel)
	return c.Compile(ctx)
}

// Online reports whether a chat model backs the service.
func (s *Service) Online() bool {
	return s != nil && s.examiner != nil
}

// NextQuestion produces the examiner's line for p after history.
func (s *Service) NextQuestion(ctx context.Context, p prompt.Prompt, history []session.Turn) (string, error) {
	if !s.Online() {
		return p.Text, nil
	}

	msg, err := s.examiner.Invoke(ctx, map[string]any{
		"system":      buildExaminerSystem(p),
		"history":     s.historyMessages(history),
		"instruction": "Continue the test now with the cue.",
	})
	if err != nil {
		return "", fmt.Errorf("failed to run examiner chain: %w", err)
	}
	return strings.TrimSpace(msg.Content), nil
}

// Summarize writes the memory summary of a finished transcript.
func (s *Service) Summarize(ctx context.Context, turns []session.Turn) (string, error) {
	if !s.Online() {
		return offlineSummary(turns), nil
	}

	msg, err := s.summarizer.Invoke(ctx, map[string]any{
		"system":     summarizerRules,
		"transcript": formatTranscript(turns),
	})
	if err != nil {
		return "", fmt.Errorf("failed to run summarizer chain: %w", err)
	}
	summary := strings.TrimSpace(msg.Content)
	log.Printf("[ai] summarized %d turns into %d chars", len(turns), len(summary))
	return summary, nil
}

// Analyze scores turns. Unusable model output falls back to the heuristic;
// only cancellation is returned as an error.
func (s *Service) Analyze(ctx context.Context, turns []session.Turn) (*session.AnalysisReport, error) {
	if !s.Online() || !s.cfg.ModelAnalysis {
		report := fluency.Analyze(turns)
		return &report, nil
	}

	msg, err := s.analyst.Invoke(ctx, map[string]any{
		"system":     analystRules,
		"transcript": formatTranscript(turns),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to run analyst chain: %w", err)
		}
		log.Printf("[ai] analyst invoke failed, use heuristic: %v", err)
		report := fluency.Analyze(turns)
		return &report, nil
	}

	report, err := parseReport(msg.Content)
	if err != nil {
		log.Printf("[ai] analyst output parse failed, use heuristic: %v", err)
		fallback := fluency.Analyze(turns)
		return &fallback, nil
	}
	return report, nil
}

func (s *Service) historyMessages(turns []session.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}
	start := 0
	if len(turns) > s.cfg.HistoryLimit {
		start = len(turns) - s.cfg.HistoryLimit
	}

	history := make([]*schema.Message, 0, len(turns)-start)
	for _, t := range turns[start:] {
		switch t.Role {
		case session.RoleRespondent:
			history = append(history, schema.UserMessage(t.Content))
		case session.RoleExaminer:
			history = append(history, schema.AssistantMessage(t.Content, nil))
		}
	}
	return history
}

type reportPayload struct {
	OverallBand   float64  `json:"overallBand"`
	Fluency       float64  `json:"fluency"`
	Vocabulary    float64  `json:"vocabulary"`
	Grammar       float64  `json:"grammar"`
	Pronunciation float64  `json:"pronunciation"`
	Strengths     []string `json:"strengths"`
	Improvements  []string `json:"improvements"`
	Comment       string   `json:"comment"`
}

// parseReport extracts the first JSON object from content.
func parseReport(content string) (*session.AnalysisReport, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	var payload reportPayload
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return nil, err
	}
	if payload.OverallBand <= 0 || payload.OverallBand > 9 {
		return nil, fmt.Errorf("overall band %.1f out of range", payload.OverallBand)
	}
	return &session.AnalysisReport{
		OverallBand:   clampBand(payload.OverallBand),
		Fluency:       clampBand(payload.Fluency),
		Vocabulary:    clampBand(payload.Vocabulary),
		Grammar:       clampBand(payload.Grammar),
		Pronunciation: clampBand(payload.Pronunciation),
		Strengths:     payload.Strengths,
		Improvements:  payload.Improvements,
		Comment:       strings.TrimSpace(payload.Comment),
		Source:        session.ReportSourceModel,
	}, nil
}

func clampBand(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 9 {
		return 9
	}
	return v
}

// offlineSummary keeps the first words of every answer.
func offlineSummary(turns []session.Turn) string {
	const wordsPerAnswer = 12
	var parts []string
	for _, t := range turns {
		if t.Role != session.RoleRespondent {
			continue
		}
		words := strings.Fields(t.Content)
		if len(words) > wordsPerAnswer {
			words = append(words[:wordsPerAnswer], "...")
		}
		if len(words) > 0 {
			parts = append(parts, strings.Join(words, " "))
		}
	}
	if len(parts) == 0 {
		return "The candidate ended the session without answering."
	}
	return fmt.Sprintf("The candidate gave %d answers: %s", len(parts), strings.Join(parts, " | "))
}
