package session

import "time"

// Status is derived from the presence of a memory summary; it is never stored.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusFinalized Status = "FINALIZED"
)

// Session is the unit of conversation and memory for one owner.
type Session struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"ownerId"`
	Topic          string          `json:"topic"`
	CreatedAt      time.Time       `json:"createdAt"`
	Transcript     []Turn          `json:"transcript"`
	MemorySummary  *string         `json:"memorySummary,omitempty"`
	AnalysisReport *AnalysisReport `json:"analysisReport,omitempty"`
}

// Status reports OPEN until the finalizer has committed a summary.
func (s Session) Status() Status {
	if s.MemorySummary == nil {
		return StatusOpen
	}
	return StatusFinalized
}

// Finalized is shorthand for Status() == StatusFinalized.
func (s Session) Finalized() bool {
	return s.MemorySummary != nil
}
