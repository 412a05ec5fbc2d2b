package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestStatusDerivedFromSummary(t *testing.T) {
	s := Session{ID: "s1"}
	if s.Status() != StatusOpen {
		t.Fatalf("expected OPEN, got %s", s.Status())
	}

	summary := "talked about hometown"
	s.MemorySummary = &summary
	if s.Status() != StatusFinalized {
		t.Fatalf("expected FINALIZED, got %s", s.Status())
	}
}

func TestAppendTurnAssignsSequence(t *testing.T) {
	var turns []Turn
	turns = AppendTurn(turns, RoleRespondent, "hello")
	turns = AppendTurn(turns, RoleExaminer, "where are you from?")

	for i, turn := range turns {
		if turn.SequenceIndex != i {
			t.Fatalf("turn %d has sequence %d", i, turn.SequenceIndex)
		}
	}
	if CountRole(turns, RoleExaminer) != 1 {
		t.Fatalf("expected one examiner turn")
	}
}

func TestCloneTranscriptIsIndependent(t *testing.T) {
	turns := AppendTurn(nil, RoleRespondent, "a")
	cloned := CloneTranscript(turns)
	cloned[0].Content = "b"
	if turns[0].Content != "a" {
		t.Fatal("clone shares backing array")
	}
	if CloneTranscript(nil) == nil {
		t.Fatal("clone of nil should be empty, not nil")
	}
}

func TestCollaboratorErrorClassification(t *testing.T) {
	timeout := CollaboratorError("transcribe", fmt.Errorf("dial: %w", context.DeadlineExceeded))
	if !errors.Is(timeout, ErrCollaboratorTimeout) {
		t.Fatalf("expected timeout classification, got %v", timeout)
	}

	rejected := CollaboratorError("synthesize", errors.New("bad voice"))
	if !errors.Is(rejected, ErrCollaboratorRejected) {
		t.Fatalf("expected rejected classification, got %v", rejected)
	}

	if CollaboratorError("noop", nil) != nil {
		t.Fatal("nil error should stay nil")
	}
}
