// Package transcript closes the gap between a live controller's in-memory
// transcript and the session store.
package transcript

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
)

// Writer is the subset of the store gateway the synchronizer needs.
type Writer interface {
	OverwriteTranscript(ctx context.Context, sessionID string, turns []session.Turn) error
}

// Config controls checkpoint pacing.
type Config struct {
	// Debounce is how long a checkpoint waits before writing; checkpoints that
	// arrive meanwhile replace the pending snapshot instead of queueing.
	Debounce time.Duration
	// WriteTimeout bounds background checkpoint writes.
	WriteTimeout time.Duration
}

type sessionState struct {
	writeMu sync.Mutex

	// guarded by Synchronizer.mu
	version        uint64
	written        uint64
	pending        []session.Turn
	pendingVersion uint64
	timer          *time.Timer
}

// Synchronizer performs full-document transcript overwrites. Checkpoint is
// best-effort and non-blocking; Flush is authoritative and blocking. Writes for
// one session are serialized and versioned, so an older snapshot never lands
// after a newer one.
type Synchronizer struct {
	writer Writer
	cfg    Config

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewSynchronizer creates a synchronizer writing through w.
func NewSynchronizer(w Writer, cfg Config) *Synchronizer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	return &Synchronizer{
		writer:   w,
		cfg:      cfg,
		sessions: make(map[string]*sessionState),
	}
}

func (s *Synchronizer) stateLocked(sessionID string) *sessionState {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		s.sessions[sessionID] = st
	}
	return st
}

// Checkpoint schedules a background write of turns. It never blocks on the store.
func (s *Synchronizer) Checkpoint(sessionID string, turns []session.Turn) {
	snapshot := session.CloneTranscript(turns)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(sessionID)
	st.version++
	st.pending = snapshot
	st.pendingVersion = st.version
	if st.timer == nil {
		st.timer = time.AfterFunc(s.cfg.Debounce, func() { s.writePending(sessionID, st) })
	}
}

func (s *Synchronizer) writePending(sessionID string, st *sessionState) {
	s.mu.Lock()
	turns, version := st.pending, st.pendingVersion
	st.pending = nil
	st.timer = nil
	s.mu.Unlock()

	if turns == nil {
		return
	}

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	s.mu.Lock()
	stale := version <= st.written
	s.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if err := s.writer.OverwriteTranscript(ctx, sessionID, turns); err != nil {
		log.Printf("[sync] checkpoint failed session=%s turns=%d: %v", sessionID, len(turns), err)
		return
	}
	s.markWritten(st, version)
}

// Flush cancels any pending checkpoint and writes turns synchronously. The
// returned error must stop finalization.
func (s *Synchronizer) Flush(ctx context.Context, sessionID string, turns []session.Turn) error {
	snapshot := session.CloneTranscript(turns)

	s.mu.Lock()
	st := s.stateLocked(sessionID)
	st.version++
	version := st.version
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.pending = nil
	s.mu.Unlock()

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	if err := s.writer.OverwriteTranscript(ctx, sessionID, snapshot); err != nil {
		return fmt.Errorf("flush transcript for session %s: %w", sessionID, err)
	}
	s.markWritten(st, version)
	log.Printf("[sync] flushed session=%s turns=%d", sessionID, len(snapshot))
	return nil
}

func (s *Synchronizer) markWritten(st *sessionState, version uint64) {
	s.mu.Lock()
	if version > st.written {
		st.written = version
	}
	s.mu.Unlock()
}

// Forget drops per-session bookkeeping once a session no longer has a live controller.
func (s *Synchronizer) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.sessions[sessionID]; ok {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.pending = nil
		delete(s.sessions, sessionID)
	}
}

// Close stops every pending checkpoint timer.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.sessions {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(s.sessions, id)
	}
}
