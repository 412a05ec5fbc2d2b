package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/z-examiner/backend/internal/model/prompt"
	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
)

const examinerRules = `You are a calm, professional speaking examiner running part one of an English speaking test.
Rules:
- Speak in plain English, one or two short sentences.
- Briefly acknowledge the candidate's last answer without judging or correcting it.
- Then ask exactly the cue below, rephrased naturally if needed. Never ask two questions at once.
- Do not give feedback, scores, or language advice during the test.`

const summarizerRules = `You write the long-term memory of a speaking-practice tutor.
Summarize the session in at most five sentences: the topic, what the candidate said about themselves
(facts worth remembering next time), and the most noticeable language habits. Write in the third person.
Return plain text only.`

const analystRules = `You are an experienced speaking examiner. Assess the candidate's answers in the transcript.
Return only one JSON object with these fields:
overallBand, fluency, vocabulary, grammar, pronunciation (numbers from 0 to 9 in steps of 0.5; use 0 for pronunciation because only text is available),
strengths (array of short strings), improvements (array of short strings), comment (one short paragraph).
Do not output anything except the JSON object.`

// buildExaminerSystem combines the examiner rules with the cue for this turn.
func buildExaminerSystem(p prompt.Prompt) string {
	var b strings.Builder
	b.WriteString(examinerRules)
	b.WriteString("\n\nCue to ask now: ")
	b.WriteString(strings.TrimSpace(p.Text))
	if hint := strings.TrimSpace(p.Hint); hint != "" {
		b.WriteString("\nExaminer note: ")
		b.WriteString(hint)
	}
	return b.String()
}

// formatTranscript renders turns as "Examiner:/Candidate:" lines.
func formatTranscript(turns []session.Turn) string {
	if len(turns) == 0 {
		return "(the candidate did not say anything)"
	}
	var b strings.Builder
	for i, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		speaker := "Candidate"
		if t.Role == session.RoleExaminer {
			speaker = "Examiner"
		}
		fmt.Fprintf(&b, "%s: %s", speaker, content)
		if i < len(turns)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
