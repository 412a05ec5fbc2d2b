package fluency

import (
	"testing"

	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
)

func transcript(answers ...string) []session.Turn {
	var turns []session.Turn
	for _, a := range answers {
		turns = session.AppendTurn(turns, session.RoleExaminer, "Tell me about that.")
		turns = session.AppendTurn(turns, session.RoleRespondent, a)
	}
	return turns
}

func TestAnalyzeEmptyTranscript(t *testing.T) {
	report := Analyze(nil)
	if report.Source != session.ReportSourceHeuristic {
		t.Fatalf("expected heuristic source, got %s", report.Source)
	}
	if report.OverallBand != 0 {
		t.Fatalf("expected zero band for empty transcript, got %.1f", report.OverallBand)
	}
	if len(report.Improvements) == 0 {
		t.Fatal("expected an improvement hint for an empty transcript")
	}
}

func TestAnalyzeRewardsDevelopedAnswers(t *testing.T) {
	weak := Analyze(transcript("um yes", "like, uh, no", "um fine"))
	strong := Analyze(transcript(
		"I grew up in a coastal town in the south, which is famous for its seafood markets and old harbour.",
		"What I like most is the slower pace of life, because people actually have time to talk to each other.",
		"I would move back eventually, although the job market there is quite limited for engineers like me.",
	))

	if strong.OverallBand <= weak.OverallBand {
		t.Fatalf("expected developed answers to score higher: strong=%.1f weak=%.1f", strong.OverallBand, weak.OverallBand)
	}
	if strong.Pronunciation != 0 {
		t.Fatalf("pronunciation must stay unscored, got %.1f", strong.Pronunciation)
	}
	if len(strong.Strengths) == 0 {
		t.Fatal("expected strengths for a developed transcript")
	}
}

func TestMeasureIgnoresExaminerTurns(t *testing.T) {
	m := Measure(transcript("um I think so because it is nice"))
	if m.Answers != 1 {
		t.Fatalf("expected 1 answer, got %d", m.Answers)
	}
	if m.Fillers != 1 {
		t.Fatalf("expected 1 filler, got %d", m.Fillers)
	}
	if m.Connectives != 1 {
		t.Fatalf("expected 1 connective, got %d", m.Connectives)
	}
	if m.ShortAnswers != 0 {
		t.Fatalf("expected no short answers, got %d", m.ShortAnswers)
	}
}

func TestBandBounds(t *testing.T) {
	cases := map[float64]float64{-1: 0, 3.26: 3.5, 6.74: 6.5, 12: 9}
	for in, want := range cases {
		if got := band(in); got != want {
			t.Fatalf("band(%.2f) = %.1f, want %.1f", in, got, want)
		}
	}
}
