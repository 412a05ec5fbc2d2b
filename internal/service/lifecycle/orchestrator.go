// Package lifecycle wires the live turn loop to the terminal finalization
// pipeline and exposes the session operations used by the HTTP layer.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/z-examiner/backend/internal/model/prompt"
	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
	"github.com/zhouzirui/z-examiner/backend/internal/service/recovery"
	"github.com/zhouzirui/z-examiner/backend/internal/service/turn"
	"github.com/zhouzirui/z-examiner/backend/internal/store"
)

// Syncer is the transcript synchronizer as seen by the orchestrator.
type Syncer interface {
	Checkpoint(sessionID string, turns []session.Turn)
	Flush(ctx context.Context, sessionID string, turns []session.Turn) error
	Forget(sessionID string)
}

// Dependencies groups everything the orchestrator drives.
type Dependencies struct {
	Store       store.Gateway
	Prompts     prompt.Store
	Syncer      Syncer
	Finalizer   recovery.Finalizer
	Transcriber turn.Transcriber
	Questions   turn.QuestionGenerator
	Synthesizer turn.Synthesizer
}

// Config holds lifecycle tuning.
type Config struct {
	CollaboratorTimeout time.Duration
	// FinalizeTimeout bounds a background finalization started by EndSession
	// and a recovery sweep shared by concurrent logins.
	FinalizeTimeout time.Duration
	// IdleTimeout is how long a live controller may go without a call before it
	// counts as abandoned. Defaults to the sweep grace window.
	IdleTimeout time.Duration
	Sweep       recovery.Config
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source for activity tracking and the sweep cutoff.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// LoginResult is returned by OnLogin.
type LoginResult struct {
	OwnerID       string          `json:"ownerId"`
	Sweep         recovery.Report `json:"sweep"`
	LastSessionID string          `json:"lastSessionId,omitempty"`
	LastTopic     string          `json:"lastTopic,omitempty"`
	LastSummary   *string         `json:"lastSummary,omitempty"`
}

// StartResult is returned by StartSession.
type StartResult struct {
	SessionID   string     `json:"sessionId"`
	Topic       string     `json:"topic"`
	Title       string     `json:"title"`
	OpeningLine string     `json:"openingLine"`
	PromptCount int        `json:"promptCount"`
	State       turn.State `json:"state"`
}

// SessionView merges the stored record with the live controller, if any.
type SessionView struct {
	SessionID      string                  `json:"sessionId"`
	OwnerID        string                  `json:"ownerId"`
	Topic          string                  `json:"topic"`
	Status         session.Status          `json:"status"`
	Live           bool                    `json:"live"`
	State          turn.State              `json:"state,omitempty"`
	TurnIndex      int                     `json:"turnIndex"`
	PromptCount    int                     `json:"promptCount,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
	Transcript     []session.Turn          `json:"transcript"`
	MemorySummary  *string                 `json:"memorySummary,omitempty"`
	AnalysisReport *session.AnalysisReport `json:"analysisReport,omitempty"`
	LastError      string                  `json:"lastError,omitempty"`
}

// liveSession fields other than controller are guarded by Orchestrator.mu.
type liveSession struct {
	ownerID    string
	controller *turn.Controller
	lastActive time.Time
	inFlight   int
}

// Orchestrator owns every live controller of the process. There is no global
// current session; each operation names its session.
type Orchestrator struct {
	deps    Dependencies
	cfg     Config
	sweeper *recovery.Sweeper
	now     func() time.Time

	mu    sync.Mutex
	live  map[string]*liveSession
	swept map[string]bool

	sweeps     singleflight.Group
	background sync.WaitGroup
}

// New creates an orchestrator. The sweeper it builds skips sessions live here.
func New(deps Dependencies, cfg Config, opts ...Option) *Orchestrator {
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 2 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = cfg.Sweep.GraceWindow
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	o := &Orchestrator{
		deps:  deps,
		cfg:   cfg,
		now:   time.Now,
		live:  make(map[string]*liveSession),
		swept: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.sweeper = recovery.New(deps.Store, deps.Finalizer, cfg.Sweep,
		recovery.WithLiveChecker(o), recovery.WithClock(o.now))
	return o
}

// IsLive reports whether a controller in this process still drives sessionID.
// A controller idle for longer than IdleTimeout no longer counts.
func (o *Orchestrator) IsLive(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	ls, ok := o.live[sessionID]
	return ok && !o.staleLocked(ls)
}

func (o *Orchestrator) staleLocked(ls *liveSession) bool {
	return ls.inFlight == 0 && o.now().Sub(ls.lastActive) >= o.cfg.IdleTimeout
}

func (o *Orchestrator) touch(ls *liveSession) {
	o.mu.Lock()
	ls.lastActive = o.now()
	o.mu.Unlock()
}

// Topics lists the available prompt sets.
func (o *Orchestrator) Topics() []prompt.PromptSet {
	return o.deps.Prompts.List()
}

// OnLogin runs the recovery sweep for ownerID and returns the most recent
// memory summary for context injection.
func (o *Orchestrator) OnLogin(ctx context.Context, ownerID string) (LoginResult, error) {
	if ownerID == "" {
		return LoginResult{}, session.ErrOwnerRequired
	}
	report, err := o.sweep(ctx, ownerID)
	if err != nil {
		return LoginResult{}, err
	}

	result := LoginResult{OwnerID: ownerID, Sweep: report}
	latest, found, err := o.deps.Store.LatestSummary(ctx, ownerID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("latest summary: %w", err)
	}
	if found {
		result.LastSessionID = latest.ID
		result.LastTopic = latest.Topic
		result.LastSummary = latest.MemorySummary
	}
	return result, nil
}

// sweep coalesces concurrent sweeps of one owner and marks the owner as swept.
// Stale controllers of the owner are retired first so the sweep can reach them.
// The shared run does not inherit the first caller's cancellation.
func (o *Orchestrator) sweep(ctx context.Context, ownerID string) (recovery.Report, error) {
	ch := o.sweeps.DoChan(ownerID, func() (interface{}, error) {
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
		defer cancel()
		o.retireStale(sweepCtx, ownerID)
		return o.sweeper.Sweep(sweepCtx, ownerID)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return recovery.Report{}, ctx.Err()
	}
	v, err := res.Val, res.Err
	if err != nil {
		return recovery.Report{}, err
	}
	o.mu.Lock()
	o.swept[ownerID] = true
	o.mu.Unlock()
	return v.(recovery.Report), nil
}

// StartSession creates a session for ownerID on topic and registers its
// controller. The owner's orphans are swept first if that has not happened yet,
// and any session the owner still has running here is ended and finalized.
func (o *Orchestrator) StartSession(ctx context.Context, ownerID, topic string) (StartResult, error) {
	if ownerID == "" {
		return StartResult{}, session.ErrOwnerRequired
	}
	o.mu.Lock()
	swept := o.swept[ownerID]
	o.mu.Unlock()
	if !swept {
		if _, err := o.sweep(ctx, ownerID); err != nil {
			return StartResult{}, fmt.Errorf("recovery sweep before start: %w", err)
		}
	}

	set, err := prompt.Sequence(o.deps.Prompts, topic)
	if err != nil {
		return StartResult{}, err
	}
	// one live session per owner: whatever is still running was left behind
	o.retireOwner(ctx, ownerID)

	created, err := o.deps.Store.Create(ctx, ownerID, set.ID)
	if err != nil {
		return StartResult{}, fmt.Errorf("create session: %w", err)
	}

	controller := turn.New(created.ID, set, turn.Dependencies{
		Transcriber:  o.deps.Transcriber,
		Questions:    o.deps.Questions,
		Synthesizer:  o.deps.Synthesizer,
		Checkpointer: o.deps.Syncer,
	}, turn.Config{CollaboratorTimeout: o.cfg.CollaboratorTimeout})

	o.mu.Lock()
	o.live[created.ID] = &liveSession{ownerID: ownerID, controller: controller, lastActive: o.now()}
	o.mu.Unlock()

	log.Printf("[lifecycle] owner=%s started session=%s topic=%s prompts=%d", ownerID, created.ID, set.ID, set.Len())
	return StartResult{
		SessionID:   created.ID,
		Topic:       set.ID,
		Title:       set.Title,
		OpeningLine: set.OpeningLine,
		PromptCount: set.Len(),
		State:       controller.State(),
	}, nil
}

func (o *Orchestrator) liveFor(ownerID, sessionID string) (*liveSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ls, ok := o.live[sessionID]
	if !ok || o.staleLocked(ls) {
		return nil, session.ErrSessionNotFound
	}
	if ownerID != "" && ls.ownerID != ownerID {
		return nil, session.ErrOwnerMismatch
	}
	ls.lastActive = o.now()
	return ls, nil
}

// peek returns the live controller of sessionID without counting it as activity.
func (o *Orchestrator) peek(sessionID string) *liveSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	ls, ok := o.live[sessionID]
	if !ok || o.staleLocked(ls) {
		return nil
	}
	return ls
}

// SubmitTurn drives one full turn. When the last prompt is answered the
// end-of-session path runs before returning.
func (o *Orchestrator) SubmitTurn(ctx context.Context, ownerID, sessionID string, in turn.Input) (turn.Result, error) {
	ls, err := o.liveFor(ownerID, sessionID)
	if err != nil {
		return turn.Result{}, err
	}
	o.mu.Lock()
	ls.inFlight++
	o.mu.Unlock()
	res, err := ls.controller.SubmitTurn(ctx, in)
	o.mu.Lock()
	ls.inFlight--
	ls.lastActive = o.now()
	o.mu.Unlock()
	if err != nil {
		return res, err
	}
	if res.Finished {
		if err := o.endLive(ctx, sessionID, ls); err != nil {
			return res, err
		}
		res.State = turn.StateFinalizing
	}
	return res, nil
}

// BeginCapture signals that the respondent started speaking.
func (o *Orchestrator) BeginCapture(ownerID, sessionID string) error {
	ls, err := o.liveFor(ownerID, sessionID)
	if err != nil {
		return err
	}
	return ls.controller.BeginCapture()
}

// Subscribe attaches a state listener to a live session.
func (o *Orchestrator) Subscribe(ownerID, sessionID string, l turn.Listener) (func(), error) {
	ls, err := o.liveFor(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	return ls.controller.Subscribe(l), nil
}

// Retry restarts a failed turn.
func (o *Orchestrator) Retry(_ context.Context, ownerID, sessionID string) error {
	ls, err := o.liveFor(ownerID, sessionID)
	if err != nil {
		return err
	}
	return ls.controller.Retry()
}

// EndSession ends a session explicitly. The transcript is flushed before the
// finalizer is scheduled; a flush failure is returned and the session stays OPEN.
func (o *Orchestrator) EndSession(ctx context.Context, ownerID, sessionID string) error {
	ls, err := o.liveFor(ownerID, sessionID)
	if err == nil {
		return o.endLive(ctx, sessionID, ls)
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}

	// idle past the timeout but not reaped yet
	o.mu.Lock()
	idle, ok := o.live[sessionID]
	o.mu.Unlock()
	if ok {
		if ownerID != "" && idle.ownerID != ownerID {
			return session.ErrOwnerMismatch
		}
		return o.endLive(ctx, sessionID, idle)
	}

	// not live here: the stored transcript is all there is
	stored, err := o.deps.Store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if ownerID != "" && stored.OwnerID != ownerID {
		return session.ErrOwnerMismatch
	}
	if !stored.Finalized() {
		o.scheduleFinalize(sessionID)
	}
	return nil
}

// Abandon drops a live controller whose client went away without ending it.
// The transcript is flushed and the session stays OPEN for the recovery sweep.
func (o *Orchestrator) Abandon(ctx context.Context, ownerID, sessionID string) error {
	o.mu.Lock()
	ls, ok := o.live[sessionID]
	if !ok {
		o.mu.Unlock()
		return session.ErrSessionNotFound
	}
	if ownerID != "" && ls.ownerID != ownerID {
		o.mu.Unlock()
		return session.ErrOwnerMismatch
	}
	delete(o.live, sessionID)
	o.mu.Unlock()

	o.retire(ctx, sessionID, ls, false)
	return nil
}

// Reap retires every controller idle past IdleTimeout and finalizes it.
func (o *Orchestrator) Reap(ctx context.Context) int {
	stale := o.takeLive(func(ls *liveSession) bool { return o.staleLocked(ls) })
	for id, ls := range stale {
		o.retire(ctx, id, ls, true)
	}
	return len(stale)
}

// Run reaps idle controllers until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(max(o.cfg.IdleTimeout/2, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.Reap(ctx); n > 0 {
				log.Printf("[lifecycle] reaped %d idle sessions", n)
			}
		}
	}
}

// retireStale removes the owner's idle controllers and leaves them to the sweep.
func (o *Orchestrator) retireStale(ctx context.Context, ownerID string) {
	stale := o.takeLive(func(ls *liveSession) bool {
		return ls.ownerID == ownerID && o.staleLocked(ls)
	})
	for id, ls := range stale {
		o.retire(ctx, id, ls, false)
	}
}

// retireOwner ends every live controller of ownerID and finalizes it.
func (o *Orchestrator) retireOwner(ctx context.Context, ownerID string) {
	owned := o.takeLive(func(ls *liveSession) bool { return ls.ownerID == ownerID })
	for id, ls := range owned {
		o.retire(ctx, id, ls, true)
	}
}

func (o *Orchestrator) takeLive(match func(*liveSession) bool) map[string]*liveSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]*liveSession)
	for id, ls := range o.live {
		if match(ls) {
			out[id] = ls
			delete(o.live, id)
		}
	}
	return out
}

// retire ends a controller already removed from the registry. When the flush
// fails the last checkpoint stands and the session is left to the sweep.
func (o *Orchestrator) retire(ctx context.Context, sessionID string, ls *liveSession, finalizeNow bool) {
	turns := ls.controller.End()
	err := o.deps.Syncer.Flush(ctx, sessionID, turns)
	o.deps.Syncer.Forget(sessionID)
	if err != nil {
		log.Printf("[lifecycle] session=%s retired, final transcript not saved: %v", sessionID, err)
		return
	}
	log.Printf("[lifecycle] owner=%s session=%s retired with %d turns", ls.ownerID, sessionID, len(turns))
	if finalizeNow {
		o.scheduleFinalize(sessionID)
	}
}

func (o *Orchestrator) endLive(ctx context.Context, sessionID string, ls *liveSession) error {
	turns := ls.controller.End()
	if err := o.deps.Syncer.Flush(ctx, sessionID, turns); err != nil {
		log.Printf("[lifecycle] session=%s final transcript not saved, finalization skipped: %v", sessionID, err)
		return fmt.Errorf("save final transcript: %w", err)
	}

	o.mu.Lock()
	delete(o.live, sessionID)
	o.mu.Unlock()
	o.deps.Syncer.Forget(sessionID)

	log.Printf("[lifecycle] session=%s ended with %d turns", sessionID, len(turns))
	o.scheduleFinalize(sessionID)
	return nil
}

func (o *Orchestrator) scheduleFinalize(sessionID string) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FinalizeTimeout)
		defer cancel()
		if _, err := o.deps.Finalizer.Finalize(ctx, sessionID); err != nil {
			log.Printf("[lifecycle] session=%s finalize failed, left for the next sweep: %v", sessionID, err)
		}
	}()
}

// Session returns the merged view of sessionID.
func (o *Orchestrator) Session(ctx context.Context, ownerID, sessionID string) (SessionView, error) {
	stored, err := o.deps.Store.Get(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if ownerID != "" && stored.OwnerID != ownerID {
		return SessionView{}, session.ErrOwnerMismatch
	}

	view := SessionView{
		SessionID:      stored.ID,
		OwnerID:        stored.OwnerID,
		Topic:          stored.Topic,
		Status:         stored.Status(),
		CreatedAt:      stored.CreatedAt,
		Transcript:     session.CloneTranscript(stored.Transcript),
		MemorySummary:  stored.MemorySummary,
		AnalysisReport: stored.AnalysisReport,
		TurnIndex:      session.CountRole(stored.Transcript, session.RoleExaminer),
	}
	if ls := o.peek(sessionID); ls != nil && ls.ownerID == stored.OwnerID {
		snap := ls.controller.Snapshot()
		view.Live = true
		view.State = snap.State
		view.TurnIndex = snap.TurnIndex
		view.PromptCount = snap.PromptCount
		view.Transcript = snap.Transcript
		view.LastError = snap.LastError
	}
	return view, nil
}

// Drain waits for background finalizations to finish or ctx to expire.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
