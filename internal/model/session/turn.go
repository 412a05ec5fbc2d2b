package session

// Role identifies who produced a turn.
type Role string

const (
	RoleExaminer   Role = "examiner"
	RoleRespondent Role = "respondent"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleExaminer || r == RoleRespondent
}

// Turn is one exchange unit inside a transcript.
type Turn struct {
	Role          Role   `json:"role"`
	Content       string `json:"content"`
	SequenceIndex int    `json:"sequenceIndex"`
}

// CloneTranscript returns an independent copy so callers can keep mutating theirs.
func CloneTranscript(turns []Turn) []Turn {
	if turns == nil {
		return []Turn{}
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// AppendTurn appends content under role with the next sequence index.
func AppendTurn(turns []Turn, role Role, content string) []Turn {
	return append(turns, Turn{Role: role, Content: content, SequenceIndex: len(turns)})
}

// CountRole returns how many turns were produced by role.
func CountRole(turns []Turn, role Role) int {
	n := 0
	for _, t := range turns {
		if t.Role == role {
			n++
		}
	}
	return n
}
