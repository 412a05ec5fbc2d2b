package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-examiner/backend/internal/model/prompt"
	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
	"github.com/zhouzirui/z-examiner/backend/internal/model/speech"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ string, _ speech.Audio) (string, error) {
	return f.text, f.err
}

type fakeQuestions struct {
	mu       sync.Mutex
	calls    int
	failOn   int
	block    chan struct{}
	entered  chan struct{}
	histLens []int
}

func (f *fakeQuestions) NextQuestion(ctx context.Context, p prompt.Prompt, history []session.Turn) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.histLens = append(f.histLens, len(history))
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.failOn == call {
		return "", errors.New("model refused")
	}
	return fmt.Sprintf("examiner on %s", p.ID), nil
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, _ string, text string) (speech.Audio, error) {
	return speech.Audio{Data: []byte(text), Format: "mp3"}, nil
}

type recordingCheckpointer struct {
	mu        sync.Mutex
	snapshots [][]session.Turn
}

func (r *recordingCheckpointer) Checkpoint(_ string, turns []session.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, turns)
}

func hometown() prompt.PromptSet {
	return prompt.PromptSet{
		ID: "hometown",
		Prompts: []prompt.Prompt{
			{ID: "hometown-1", Text: "Where is your hometown?"},
			{ID: "hometown-2", Text: "What do you like about it?"},
			{ID: "hometown-3", Text: "Would you move back?"},
		},
	}
}

func newController(q *fakeQuestions, cp Checkpointer) *Controller {
	return New("s-1", hometown(), Dependencies{
		Transcriber:  &fakeTranscriber{text: "from audio"},
		Questions:    q,
		Synthesizer:  fakeSynth{},
		Checkpointer: cp,
	}, Config{CollaboratorTimeout: time.Second})
}

func TestControllerRunsAllPrompts(t *testing.T) {
	cp := &recordingCheckpointer{}
	c := newController(&fakeQuestions{}, cp)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := c.SubmitTurn(ctx, Input{Text: fmt.Sprintf("answer %d", i)})
		require.NoError(t, err)
		assert.Equal(t, i, res.TurnIndex)
		assert.Equal(t, fmt.Sprintf("examiner on hometown-%d", i+1), res.Examiner)
		assert.Equal(t, "mp3", res.Audio.Format)
		assert.Equal(t, i == 2, res.Finished)
	}

	assert.Equal(t, StateFinished, c.State())
	view := c.Snapshot()
	require.Len(t, view.Transcript, 6)
	for i, turn := range view.Transcript {
		assert.Equal(t, i, turn.SequenceIndex)
	}
	assert.Equal(t, session.RoleRespondent, view.Transcript[0].Role)
	assert.Equal(t, session.RoleExaminer, view.Transcript[5].Role)
	assert.Len(t, cp.snapshots, 3)
	assert.Len(t, cp.snapshots[2], 6)

	_, err := c.SubmitTurn(ctx, Input{Text: "one more"})
	assert.ErrorIs(t, err, session.ErrInvalidStateTransition)
}

func TestControllerTranscribesAudio(t *testing.T) {
	c := newController(&fakeQuestions{}, nil)
	require.NoError(t, c.BeginCapture())
	assert.Equal(t, StateRecording, c.State())

	res, err := c.SubmitTurn(context.Background(), Input{Audio: &speech.Audio{Data: []byte{1, 2}, Format: "pcm"}})
	require.NoError(t, err)
	assert.Equal(t, "from audio", res.Respondent)
	assert.Equal(t, StateIdle, res.State)
}

func TestControllerRunsWithoutCheckpointer(t *testing.T) {
	c := New("s-2", hometown(), Dependencies{
		Transcriber: &fakeTranscriber{text: "from audio"},
		Questions:   &fakeQuestions{},
		Synthesizer: fakeSynth{},
	}, Config{})

	res, err := c.SubmitTurn(context.Background(), Input{Text: "no snapshots wanted"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.TurnIndex)
	assert.Len(t, c.Snapshot().Transcript, 2)
}

func TestControllerRejectsEmptyInput(t *testing.T) {
	c := newController(&fakeQuestions{}, nil)
	_, err := c.SubmitTurn(context.Background(), Input{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, StateIdle, c.State())
}

func TestControllerFailureHaltsAndRetryResumesSameTurn(t *testing.T) {
	q := &fakeQuestions{failOn: 2}
	c := newController(q, nil)
	ctx := context.Background()

	_, err := c.SubmitTurn(ctx, Input{Text: "first"})
	require.NoError(t, err)

	_, err = c.SubmitTurn(ctx, Input{Text: "second"})
	assert.ErrorIs(t, err, session.ErrCollaboratorRejected)
	assert.Equal(t, StateError, c.State())
	assert.NotEmpty(t, c.Snapshot().LastError)
	assert.Len(t, c.Snapshot().Transcript, 2)

	_, err = c.SubmitTurn(ctx, Input{Text: "again"})
	assert.ErrorIs(t, err, session.ErrInvalidStateTransition)

	require.NoError(t, c.Retry())
	res, err := c.SubmitTurn(ctx, Input{Text: "second again"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TurnIndex)
	assert.Equal(t, "examiner on hometown-2", res.Examiner)
	assert.Len(t, c.Snapshot().Transcript, 4)
}

func TestControllerTimeoutIsClassified(t *testing.T) {
	q := &fakeQuestions{block: make(chan struct{})}
	c := New("s-1", hometown(), Dependencies{
		Questions:   q,
		Synthesizer: fakeSynth{},
	}, Config{CollaboratorTimeout: 20 * time.Millisecond})

	_, err := c.SubmitTurn(context.Background(), Input{Text: "slow"})
	assert.ErrorIs(t, err, session.ErrCollaboratorTimeout)
	assert.Equal(t, StateError, c.State())
}

func TestControllerEndAbortsInFlightTurn(t *testing.T) {
	q := &fakeQuestions{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := newController(q, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.SubmitTurn(context.Background(), Input{Text: "interrupted"})
		done <- err
	}()

	<-q.entered
	turns := c.End()
	assert.Empty(t, turns)
	assert.Equal(t, StateFinalizing, c.State())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTurnAborted)
	case <-time.After(time.Second):
		t.Fatal("turn was not cancelled by End")
	}
	assert.Equal(t, StateFinalizing, c.State())

	// a second end request is accepted
	c.End()
	assert.Equal(t, StateFinalizing, c.State())
}

func TestControllerInvalidTransitions(t *testing.T) {
	c := newController(&fakeQuestions{}, nil)

	err := c.Retry()
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateIdle, te.State)
	assert.Equal(t, EventRetry, te.Event)
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.BeginCapture())
	assert.ErrorIs(t, c.BeginCapture(), session.ErrInvalidStateTransition)
}

func TestControllerWithoutPromptsStartsFinished(t *testing.T) {
	c := New("s-empty", prompt.PromptSet{ID: "empty"}, Dependencies{}, Config{})
	assert.Equal(t, StateFinished, c.State())
	_, err := c.SubmitTurn(context.Background(), Input{Text: "hi"})
	assert.ErrorIs(t, err, session.ErrInvalidStateTransition)
}

func TestControllerNotifiesListeners(t *testing.T) {
	c := newController(&fakeQuestions{}, nil)
	var seen []State
	unsubscribe := c.Subscribe(func(_ string, _, to State, _ Event) {
		seen = append(seen, to)
	})

	_, err := c.SubmitTurn(context.Background(), Input{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []State{StateRecording, StateTranscribing, StateAsking, StateSpeaking, StateIdle}, seen)

	unsubscribe()
	c.End()
	assert.Len(t, seen, 5)
}

func TestNextTable(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{StateIdle, EventCaptureStarted, StateRecording, true},
		{StateIdle, EventTextObtained, StateIdle, false},
		{StateSpeaking, EventPlaybackEnded, StateIdle, true},
		{StateError, EventRetry, StateIdle, true},
		{StateFinished, EventEndRequested, StateFinalizing, true},
		{StateAsking, EventFailed, StateError, true},
		{StateFinalizing, EventFailed, StateFinalizing, false},
		{StateFinalizing, EventRetry, StateFinalizing, false},
	}
	for _, tc := range cases {
		to, ok := next(tc.from, tc.ev)
		assert.Equal(t, tc.ok, ok, "%s + %s", tc.from, tc.ev)
		if tc.ok {
			assert.Equal(t, tc.to, to, "%s + %s", tc.from, tc.ev)
		}
	}
}
