package session

// ReportSource records which analyzer produced a report.
type ReportSource string

const (
	ReportSourceModel     ReportSource = "model"
	ReportSourceHeuristic ReportSource = "heuristic"
)

// AnalysisReport is the structured result of the deep analysis pass. Scores use
// the 0-9 band scale; Pronunciation stays 0 when it cannot be judged from text.
type AnalysisReport struct {
	OverallBand   float64      `json:"overallBand"`
	Fluency       float64      `json:"fluency"`
	Vocabulary    float64      `json:"vocabulary"`
	Grammar       float64      `json:"grammar"`
	Pronunciation float64      `json:"pronunciation"`
	Strengths     []string     `json:"strengths,omitempty"`
	Improvements  []string     `json:"improvements,omitempty"`
	Comment       string       `json:"comment,omitempty"`
	Source        ReportSource `json:"source"`
}
