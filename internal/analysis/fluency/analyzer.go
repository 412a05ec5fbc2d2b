// Package fluency scores a spoken-exam transcript without a language model.
// It backs the analysis report when the model is disabled or returns garbage.
package fluency

import (
	"math"
	"strings"
	"unicode"

	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
)

// Metrics are the raw counts behind a heuristic report.
type Metrics struct {
	Answers        int
	Words          int
	UniqueWords    int
	Fillers        int
	Connectives    int
	Sentences      int
	ShortAnswers   int
	AvgAnswerWords float64
}

var fillerWords = []string{
	"um", "uh", "er", "erm", "hmm", "like", "you know", "i mean", "sort of", "kind of", "嗯", "呃",
}

var connectives = []string{
	"because", "however", "although", "though", "therefore", "moreover", "for example", "for instance",
	"on the other hand", "in addition", "as a result", "whereas", "since", "unless", "which", "while",
	"actually", "especially", "instead",
}

// shortAnswerWords marks an answer as too brief for a part-one response.
const shortAnswerWords = 8

// Measure collects metrics over the respondent turns of turns.
func Measure(turns []session.Turn) Metrics {
	var m Metrics
	unique := make(map[string]struct{})
	for _, t := range turns {
		if t.Role != session.RoleRespondent {
			continue
		}
		text := strings.ToLower(strings.TrimSpace(t.Content))
		if text == "" {
			continue
		}
		m.Answers++

		words := tokenize(text)
		m.Words += len(words)
		if len(words) < shortAnswerWords {
			m.ShortAnswers++
		}
		for _, w := range words {
			unique[w] = struct{}{}
		}

		padded := " " + strings.Join(words, " ") + " "
		for _, f := range fillerWords {
			m.Fillers += strings.Count(padded, " "+f+" ")
		}
		for _, c := range connectives {
			m.Connectives += strings.Count(padded, " "+c+" ")
		}
		m.Sentences += countSentences(text)
	}
	m.UniqueWords = len(unique)
	if m.Answers > 0 {
		m.AvgAnswerWords = float64(m.Words) / float64(m.Answers)
	}
	return m
}

// Analyze builds a report from metrics. Pronunciation cannot be judged from text and stays 0.
func Analyze(turns []session.Turn) session.AnalysisReport {
	m := Measure(turns)
	report := session.AnalysisReport{Source: session.ReportSourceHeuristic}
	if m.Answers == 0 || m.Words == 0 {
		report.Comment = "No spoken answers were recorded in this session."
		report.Improvements = []string{"Answer each question with at least two or three sentences."}
		return report
	}

	// 长度与填充词共同决定流利度
	fluency := 4 + math.Min(m.AvgAnswerWords/10, 3) - math.Min(float64(m.Fillers)/float64(m.Answers), 2)
	if m.Connectives > 0 {
		fluency += math.Min(float64(m.Connectives)/float64(m.Answers), 1.5)
	}

	ttr := float64(m.UniqueWords) / float64(m.Words)
	vocabulary := 3 + ttr*4 + math.Min(float64(m.UniqueWords)/60, 2)

	grammar := 4.5
	if m.Sentences > 0 {
		perSentence := float64(m.Words) / float64(m.Sentences)
		if perSentence >= 8 && perSentence <= 25 {
			grammar += 1.5
		}
	}
	grammar += math.Min(float64(m.Connectives)/float64(m.Answers), 1.5)

	report.Fluency = band(fluency)
	report.Vocabulary = band(vocabulary)
	report.Grammar = band(grammar)
	report.OverallBand = band((report.Fluency + report.Vocabulary + report.Grammar) / 3)

	if m.AvgAnswerWords >= 25 {
		report.Strengths = append(report.Strengths, "Answers are developed at a good length.")
	}
	if ttr >= 0.6 {
		report.Strengths = append(report.Strengths, "Word choice is varied.")
	}
	if m.Connectives >= m.Answers {
		report.Strengths = append(report.Strengths, "Ideas are linked with connectives.")
	}
	if m.ShortAnswers > 0 {
		report.Improvements = append(report.Improvements, "Extend short answers with a reason or an example.")
	}
	if m.Fillers > m.Answers {
		report.Improvements = append(report.Improvements, "Reduce filler words such as \"um\" and \"like\".")
	}
	if m.Connectives == 0 {
		report.Improvements = append(report.Improvements, "Use linking words like \"because\" or \"however\".")
	}
	report.Comment = "Estimated from the transcript only; pronunciation was not assessed."
	return report
}

// band rounds to the nearest half band inside 0-9.
func band(v float64) float64 {
	if v < 0 {
		v = 0
	}
	if v > 9 {
		v = 9
	}
	return math.Round(v*2) / 2
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func countSentences(text string) int {
	n := strings.Count(text, ".") + strings.Count(text, "?") + strings.Count(text, "!")
	if n == 0 {
		return 1
	}
	return n
}
