package transcript

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
)

type recordingWriter struct {
	mu     sync.Mutex
	calls  int
	stored map[string][]session.Turn
	fail   error
	block  chan struct{}
	inside chan struct{}
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{stored: make(map[string][]session.Turn)}
}

func (w *recordingWriter) OverwriteTranscript(_ context.Context, sessionID string, turns []session.Turn) error {
	w.mu.Lock()
	block, inside := w.block, w.inside
	w.block, w.inside = nil, nil
	w.mu.Unlock()

	if inside != nil {
		close(inside)
	}
	if block != nil {
		<-block
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fail != nil {
		return w.fail
	}
	w.stored[sessionID] = session.CloneTranscript(turns)
	return nil
}

func (w *recordingWriter) snapshot(sessionID string) ([]session.Turn, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stored[sessionID], w.calls
}

func turnsOf(n int) []session.Turn {
	var turns []session.Turn
	for i := 0; i < n; i++ {
		role := session.RoleRespondent
		if i%2 == 1 {
			role = session.RoleExaminer
		}
		turns = session.AppendTurn(turns, role, "line")
	}
	return turns
}

func TestCheckpointCoalescesWithinWindow(t *testing.T) {
	w := newRecordingWriter()
	syncer := NewSynchronizer(w, Config{Debounce: 30 * time.Millisecond})
	defer syncer.Close()

	syncer.Checkpoint("s1", turnsOf(2))
	syncer.Checkpoint("s1", turnsOf(4))
	syncer.Checkpoint("s1", turnsOf(6))

	require.Eventually(t, func() bool {
		stored, _ := w.snapshot("s1")
		return len(stored) == 6
	}, time.Second, 5*time.Millisecond)

	_, calls := w.snapshot("s1")
	assert.Equal(t, 1, calls)
}

func TestCheckpointFailureIsSuppressed(t *testing.T) {
	w := newRecordingWriter()
	w.fail = session.ErrStoreUnavailable
	syncer := NewSynchronizer(w, Config{})
	defer syncer.Close()

	syncer.Checkpoint("s1", turnsOf(2))

	require.Eventually(t, func() bool {
		_, calls := w.snapshot("s1")
		return calls == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFlushReturnsStoreError(t *testing.T) {
	w := newRecordingWriter()
	w.fail = session.ErrStoreUnavailable
	syncer := NewSynchronizer(w, Config{})

	err := syncer.Flush(context.Background(), "s1", turnsOf(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrStoreUnavailable))
}

func TestFlushCancelsPendingCheckpoint(t *testing.T) {
	w := newRecordingWriter()
	syncer := NewSynchronizer(w, Config{Debounce: 50 * time.Millisecond})
	defer syncer.Close()

	syncer.Checkpoint("s1", turnsOf(2))
	require.NoError(t, syncer.Flush(context.Background(), "s1", turnsOf(4)))

	time.Sleep(100 * time.Millisecond)
	stored, calls := w.snapshot("s1")
	assert.Len(t, stored, 4)
	assert.Equal(t, 1, calls)
}

func TestInFlightCheckpointNeverLandsAfterFlush(t *testing.T) {
	w := newRecordingWriter()
	release := make(chan struct{})
	inside := make(chan struct{})
	w.block, w.inside = release, inside

	syncer := NewSynchronizer(w, Config{})
	defer syncer.Close()

	syncer.Checkpoint("s1", turnsOf(2))
	<-inside // checkpoint write is now in flight

	done := make(chan error, 1)
	go func() { done <- syncer.Flush(context.Background(), "s1", turnsOf(6)) }()

	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	stored, _ := w.snapshot("s1")
	assert.Len(t, stored, 6)
}

func TestCheckpointCopiesTranscript(t *testing.T) {
	w := newRecordingWriter()
	syncer := NewSynchronizer(w, Config{Debounce: 20 * time.Millisecond})
	defer syncer.Close()

	turns := turnsOf(2)
	syncer.Checkpoint("s1", turns)
	turns[0].Content = "mutated after checkpoint"

	require.Eventually(t, func() bool {
		stored, _ := w.snapshot("s1")
		return len(stored) == 2
	}, time.Second, 5*time.Millisecond)

	stored, _ := w.snapshot("s1")
	assert.Equal(t, "line", stored[0].Content)
}
