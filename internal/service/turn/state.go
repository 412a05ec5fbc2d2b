package turn

import (
	"fmt"

	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
)

// State is a node of the live turn loop.
type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
	StateAsking       State = "asking"
	StateSpeaking     State = "speaking"
	StateFinished     State = "finished"
	StateFinalizing   State = "finalizing"
	StateError        State = "error"
)

// Event drives a transition.
type Event string

const (
	EventCaptureStarted   Event = "capture_started"
	EventCaptureStopped   Event = "capture_stopped"
	EventTextObtained     Event = "text_obtained"
	EventResponseObtained Event = "response_obtained"
	EventPlaybackEnded    Event = "playback_ended"
	EventEndRequested     Event = "end_requested"
	EventFailed           Event = "failed"
	EventRetry            Event = "retry"
)

// Terminal reports whether no further turn can run from s.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFinalizing
}

var transitions = map[State]map[Event]State{
	StateIdle:         {EventCaptureStarted: StateRecording},
	StateRecording:    {EventCaptureStopped: StateTranscribing},
	StateTranscribing: {EventTextObtained: StateAsking},
	StateAsking:       {EventResponseObtained: StateSpeaking},
	// speaking resolves to idle or finished depending on the remaining prompts
	StateSpeaking: {EventPlaybackEnded: StateIdle},
	StateError:    {EventRetry: StateIdle},
}

// next returns the state reached from current on ev. End requests are legal from
// every state, failures from every state but finalizing.
func next(current State, ev Event) (State, bool) {
	switch ev {
	case EventEndRequested:
		return StateFinalizing, true
	case EventFailed:
		if current == StateFinalizing {
			return current, false
		}
		return StateError, true
	}
	to, ok := transitions[current][ev]
	return to, ok
}

// TransitionError reports an event that the current state does not define.
type TransitionError struct {
	SessionID string
	State     State
	Event     Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: event %s not allowed in state %s", e.SessionID, e.Event, e.State)
}

func (e *TransitionError) Unwrap() error {
	return session.ErrInvalidStateTransition
}
