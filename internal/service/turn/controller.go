// Package turn implements the live, single-session turn loop:
// idle → recording → transcribing → asking → speaking → idle.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-examiner/backend/internal/model/prompt"
	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
	"github.com/zhouzirui/z-examiner/backend/internal/model/speech"
)

// ErrTurnAborted is returned by a turn that was overtaken by an end request.
var ErrTurnAborted = errors.New("turn aborted: session is ending")

// ErrEmptyInput is returned when a turn carries neither audio nor text.
var ErrEmptyInput = errors.New("turn input is empty")

// Transcriber converts respondent audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, sessionID string, audio speech.Audio) (string, error)
}

// QuestionGenerator produces the examiner's next line for a prompt given the history.
type QuestionGenerator interface {
	NextQuestion(ctx context.Context, p prompt.Prompt, history []session.Turn) (string, error)
}

// Synthesizer renders examiner text to audio. Its return is the playback
// acknowledgement the loop advances on.
type Synthesizer interface {
	Synthesize(ctx context.Context, sessionID, text string) (speech.Audio, error)
}

// Checkpointer receives best-effort transcript snapshots after each turn.
type Checkpointer interface {
	Checkpoint(sessionID string, turns []session.Turn)
}

// Dependencies are the collaborators a controller calls.
type Dependencies struct {
	Transcriber  Transcriber
	Questions    QuestionGenerator
	Synthesizer  Synthesizer
	Checkpointer Checkpointer
}

// Config tunes a controller.
type Config struct {
	// CollaboratorTimeout bounds every leaf call; zero disables the bound.
	CollaboratorTimeout time.Duration
}

// Listener observes state changes. It runs with the controller locked and must
// not call back into the controller.
type Listener func(sessionID string, from, to State, ev Event)

// Input is the respondent's contribution to a turn. Audio wins over Text.
type Input struct {
	Audio *speech.Audio
	Text  string
}

// Result describes a completed turn.
type Result struct {
	TurnIndex  int          `json:"turnIndex"`
	Respondent string       `json:"respondent"`
	Examiner   string       `json:"examiner"`
	Audio      speech.Audio `json:"audio"`
	State      State        `json:"state"`
	Finished   bool         `json:"finished"`
}

// View is a point-in-time copy of the controller.
type View struct {
	SessionID   string         `json:"sessionId"`
	Topic       string         `json:"topic"`
	State       State          `json:"state"`
	TurnIndex   int            `json:"turnIndex"`
	PromptCount int            `json:"promptCount"`
	Transcript  []session.Turn `json:"transcript"`
	LastError   string         `json:"lastError,omitempty"`
}

// Controller owns one live session. Turns run strictly one at a time; an end
// request may arrive at any moment and cancels the in-flight leaf call.
type Controller struct {
	sessionID string
	prompts   prompt.PromptSet
	deps      Dependencies
	cfg       Config

	mu         sync.Mutex
	state      State
	index      int
	transcript []session.Turn
	lastErr    error
	cancelTurn context.CancelFunc
	listeners  map[int]Listener
	nextListen int
}

// New creates a controller at turn index 0.
func New(sessionID string, prompts prompt.PromptSet, deps Dependencies, cfg Config) *Controller {
	initial := StateIdle
	if prompts.Len() == 0 {
		initial = StateFinished
	}
	return &Controller{
		sessionID:  sessionID,
		prompts:    prompts,
		deps:       deps,
		cfg:        cfg,
		state:      initial,
		transcript: []session.Turn{},
		listeners:  make(map[int]Listener),
	}
}

// SessionID returns the id of the session this controller drives.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Subscribe registers l and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextListen
	c.nextListen++
	c.listeners[id] = l
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// fireLocked applies ev, or returns a TransitionError without changing state.
func (c *Controller) fireLocked(ev Event) error {
	from := c.state
	to, ok := next(from, ev)
	if !ok {
		err := &TransitionError{SessionID: c.sessionID, State: from, Event: ev}
		log.Printf("[turn] INVALID TRANSITION session=%s state=%s event=%s", c.sessionID, from, ev)
		return err
	}
	if from == StateSpeaking && ev == EventPlaybackEnded && c.index >= c.prompts.Len() {
		to = StateFinished
	}
	c.state = to
	for _, l := range c.listeners {
		l(c.sessionID, from, to, ev)
	}
	return nil
}

// BeginCapture moves idle → recording, for clients that stream audio before submitting.
func (c *Controller) BeginCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fireLocked(EventCaptureStarted)
}

// SubmitTurn runs one full turn: transcription, question generation and
// synthesis. It is legal from idle, or from recording after BeginCapture.
func (c *Controller) SubmitTurn(ctx context.Context, in Input) (Result, error) {
	if (in.Audio == nil || in.Audio.Empty()) && strings.TrimSpace(in.Text) == "" {
		return Result{}, ErrEmptyInput
	}

	c.mu.Lock()
	if c.state == StateIdle {
		if err := c.fireLocked(EventCaptureStarted); err != nil {
			c.mu.Unlock()
			return Result{}, err
		}
	}
	if err := c.fireLocked(EventCaptureStopped); err != nil {
		c.mu.Unlock()
		return Result{}, err
	}
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancelTurn = cancel
	index := c.index
	current := c.prompts.Prompts[index]
	history := session.CloneTranscript(c.transcript)
	c.mu.Unlock()
	defer cancel()

	respondent := strings.TrimSpace(in.Text)
	if in.Audio != nil && !in.Audio.Empty() {
		text, err := c.call(turnCtx, "transcribe", func(ctx context.Context) (string, error) {
			return c.deps.Transcriber.Transcribe(ctx, c.sessionID, *in.Audio)
		})
		if err != nil {
			return Result{}, c.fail(err)
		}
		respondent = strings.TrimSpace(text)
		if respondent == "" {
			return Result{}, c.fail(session.CollaboratorError("transcribe", errors.New("empty transcription")))
		}
	}

	if err := c.advance(StateTranscribing, EventTextObtained); err != nil {
		return Result{}, err
	}

	withAnswer := session.AppendTurn(history, session.RoleRespondent, respondent)
	examiner, err := c.call(turnCtx, "next question", func(ctx context.Context) (string, error) {
		return c.deps.Questions.NextQuestion(ctx, current, withAnswer)
	})
	if err != nil {
		return Result{}, c.fail(err)
	}
	examiner = strings.TrimSpace(examiner)
	if examiner == "" {
		return Result{}, c.fail(session.CollaboratorError("next question", errors.New("empty question")))
	}

	if err := c.advance(StateAsking, EventResponseObtained); err != nil {
		return Result{}, err
	}

	var audio speech.Audio
	_, err = c.call(turnCtx, "synthesize", func(ctx context.Context) (string, error) {
		var synthErr error
		audio, synthErr = c.deps.Synthesizer.Synthesize(ctx, c.sessionID, examiner)
		return "", synthErr
	})
	if err != nil {
		return Result{}, c.fail(err)
	}

	c.mu.Lock()
	if c.state != StateSpeaking {
		c.mu.Unlock()
		return Result{}, ErrTurnAborted
	}
	c.transcript = session.AppendTurn(c.transcript, session.RoleRespondent, respondent)
	c.transcript = session.AppendTurn(c.transcript, session.RoleExaminer, examiner)
	c.index++
	if err := c.fireLocked(EventPlaybackEnded); err != nil {
		c.mu.Unlock()
		return Result{}, err
	}
	c.cancelTurn = nil
	state := c.state
	snapshot := session.CloneTranscript(c.transcript)
	c.mu.Unlock()

	if c.deps.Checkpointer != nil {
		c.deps.Checkpointer.Checkpoint(c.sessionID, snapshot)
	}

	log.Printf("[turn] completed session=%s turn=%d/%d state=%s", c.sessionID, index+1, c.prompts.Len(), state)
	return Result{
		TurnIndex:  index,
		Respondent: respondent,
		Examiner:   examiner,
		Audio:      audio,
		State:      state,
		Finished:   state == StateFinished,
	}, nil
}

// call runs one leaf collaborator under the configured timeout.
func (c *Controller) call(ctx context.Context, name string, fn func(context.Context) (string, error)) (string, error) {
	if c.cfg.CollaboratorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CollaboratorTimeout)
		defer cancel()
	}
	out, err := fn(ctx)
	if err != nil {
		return "", session.CollaboratorError(name, err)
	}
	return out, nil
}

// advance fires ev if the controller is still in expected; an end request that
// arrived during the leaf call turns this into ErrTurnAborted.
func (c *Controller) advance(expected State, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != expected {
		if c.state == StateFinalizing {
			return ErrTurnAborted
		}
		return &TransitionError{SessionID: c.sessionID, State: c.state, Event: ev}
	}
	return c.fireLocked(ev)
}

// fail moves the loop to error and halts it. The partial turn is discarded.
func (c *Controller) fail(cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelTurn = nil
	if c.state == StateFinalizing {
		return fmt.Errorf("%w: %v", ErrTurnAborted, cause)
	}
	if err := c.fireLocked(EventFailed); err != nil {
		return err
	}
	c.lastErr = cause
	log.Printf("[turn] session=%s halted in error: %v", c.sessionID, cause)
	return cause
}

// Retry restarts the failed turn from idle at the same turn index.
func (c *Controller) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fireLocked(EventRetry); err != nil {
		return err
	}
	c.lastErr = nil
	return nil
}

// End moves the controller to finalizing from any state, cancels an in-flight
// leaf call and returns the transcript accumulated so far.
func (c *Controller) End() []session.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
	if c.state != StateFinalizing {
		// end is defined for every state, so this cannot fail
		_ = c.fireLocked(EventEndRequested)
	}
	return session.CloneTranscript(c.transcript)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the controller's observable state.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		SessionID:   c.sessionID,
		Topic:       c.prompts.ID,
		State:       c.state,
		TurnIndex:   c.index,
		PromptCount: c.prompts.Len(),
		Transcript:  session.CloneTranscript(c.transcript),
	}
	if c.lastErr != nil {
		v.LastError = c.lastErr.Error()
	}
	return v
}
