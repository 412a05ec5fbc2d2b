// Package finalize turns a completed session into its durable memory summary
// and analysis report, exactly once per session.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
	"github.com/zhouzirui/z-examiner/backend/internal/store"
)

// Summarizer compresses a transcript into a memory summary.
type Summarizer interface {
	Summarize(ctx context.Context, turns []session.Turn) (string, error)
}

// Analyzer scores a transcript.
type Analyzer interface {
	Analyze(ctx context.Context, turns []session.Turn) (*session.AnalysisReport, error)
}

// Outcome tells the caller what a successful Finalize actually did.
type Outcome string

const (
	// OutcomeFinalized means this call wrote the summary.
	OutcomeFinalized Outcome = "finalized"
	// OutcomeAlreadyFinalized means the summary existed before the call.
	OutcomeAlreadyFinalized Outcome = "already_finalized"
	// OutcomeClaimedElsewhere means another worker holds the session's claim.
	OutcomeClaimedElsewhere Outcome = "claimed_elsewhere"
	// OutcomeLostRace means another worker committed the summary first.
	OutcomeLostRace Outcome = "lost_race"
)

// Config tunes the finalizer.
type Config struct {
	// ClaimTTL bounds how long a crashed worker can block others.
	ClaimTTL time.Duration
	// CollaboratorTimeout bounds each summarize/analyze call; zero disables it.
	CollaboratorTimeout time.Duration
}

// Finalizer runs the terminal phase of a session.
type Finalizer struct {
	store      store.Gateway
	summarizer Summarizer
	analyzer   Analyzer
	cfg        Config

	group singleflight.Group
}

// New creates a finalizer. analyzer may be nil, in which case no report is produced.
func New(gw store.Gateway, summarizer Summarizer, analyzer Analyzer, cfg Config) *Finalizer {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	return &Finalizer{
		store:      gw,
		summarizer: summarizer,
		analyzer:   analyzer,
		cfg:        cfg,
	}
}

// Finalize is idempotent per session. Concurrent calls for the same id inside
// this process share one execution.
func (f *Finalizer) Finalize(ctx context.Context, sessionID string) (Outcome, error) {
	v, err, shared := f.group.Do(sessionID, func() (interface{}, error) {
		return f.finalize(ctx, sessionID)
	})
	if shared {
		log.Printf("[finalize] session=%s joined in-flight finalization", sessionID)
	}
	outcome, _ := v.(Outcome)
	return outcome, err
}

func (f *Finalizer) finalize(ctx context.Context, sessionID string) (Outcome, error) {
	sess, err := f.store.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess.Finalized() {
		return OutcomeAlreadyFinalized, nil
	}

	token := uuid.NewString()
	ok, err := f.store.Claim(ctx, sessionID, token, f.cfg.ClaimTTL)
	if err != nil {
		return "", fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	if !ok {
		if again, err := f.store.Get(ctx, sessionID); err == nil && again.Finalized() {
			return OutcomeAlreadyFinalized, nil
		}
		log.Printf("[finalize] session=%s is claimed by another worker, leaving it", sessionID)
		return OutcomeClaimedElsewhere, nil
	}

	// the claim may have been won after someone else committed
	sess, err = f.store.Get(ctx, sessionID)
	if err != nil {
		f.release(sessionID, token)
		return "", fmt.Errorf("reload session %s: %w", sessionID, err)
	}
	if sess.Finalized() {
		f.release(sessionID, token)
		return OutcomeAlreadyFinalized, nil
	}

	turns := session.CloneTranscript(sess.Transcript)
	start := time.Now()

	var wg sync.WaitGroup
	if f.analyzer != nil && sess.AnalysisReport == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.analyze(ctx, sessionID, turns)
		}()
	}

	outcome, err := f.summarize(ctx, sessionID, turns)
	wg.Wait()

	if err != nil {
		f.release(sessionID, token)
		log.Printf("[finalize] session=%s failed, stays OPEN: %v", sessionID, err)
		return "", err
	}
	f.release(sessionID, token)
	log.Printf("[finalize] session=%s %s turns=%d took=%s", sessionID, outcome, len(turns), time.Since(start).Round(time.Millisecond))
	return outcome, nil
}

func (f *Finalizer) summarize(ctx context.Context, sessionID string, turns []session.Turn) (Outcome, error) {
	callCtx, cancel := f.callContext(ctx)
	summary, err := f.summarizer.Summarize(callCtx, turns)
	cancel()
	if err != nil {
		return "", session.CollaboratorError("summarize", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", session.CollaboratorError("summarize", errors.New("empty summary"))
	}

	err = f.store.WriteSummary(ctx, sessionID, summary)
	switch {
	case errors.Is(err, session.ErrStoreWriteConflict):
		log.Printf("[finalize] WARNING session=%s summary already committed by another worker", sessionID)
		return OutcomeLostRace, nil
	case err != nil:
		return "", fmt.Errorf("write summary %s: %w", sessionID, err)
	}
	return OutcomeFinalized, nil
}

// analyze is best-effort: failures are logged and never affect the summary.
func (f *Finalizer) analyze(ctx context.Context, sessionID string, turns []session.Turn) {
	callCtx, cancel := f.callContext(ctx)
	report, err := f.analyzer.Analyze(callCtx, turns)
	cancel()
	if err != nil {
		log.Printf("[finalize] session=%s analysis failed: %v", sessionID, session.CollaboratorError("analyze", err))
		return
	}
	if report == nil {
		return
	}
	if err := f.store.WriteAnalysis(ctx, sessionID, *report); err != nil {
		log.Printf("[finalize] session=%s write analysis failed: %v", sessionID, err)
	}
}

func (f *Finalizer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.cfg.CollaboratorTimeout > 0 {
		return context.WithTimeout(ctx, f.cfg.CollaboratorTimeout)
	}
	return context.WithCancel(ctx)
}

// release uses its own context so a cancelled caller still frees the claim.
func (f *Finalizer) release(sessionID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.store.Release(ctx, sessionID, token); err != nil {
		log.Printf("[finalize] session=%s release claim failed: %v", sessionID, err)
	}
}
