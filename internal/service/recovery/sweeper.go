// Package recovery finalizes sessions that were abandoned without an explicit end.
package recovery

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-examiner/backend/internal/service/finalize"
)

// Lister finds OPEN sessions of an owner created before a cutoff.
type Lister interface {
	ListOpenSessions(ctx context.Context, ownerID string, olderThan time.Time) ([]string, error)
}

// Finalizer is satisfied by *finalize.Finalizer.
type Finalizer interface {
	Finalize(ctx context.Context, sessionID string) (finalize.Outcome, error)
}

// LiveChecker reports sessions still driven by a controller in this process.
type LiveChecker interface {
	IsLive(sessionID string) bool
}

// Config tunes a sweep.
type Config struct {
	// GraceWindow excludes sessions younger than this, which may still be live elsewhere.
	GraceWindow time.Duration
	// Parallelism bounds concurrent finalizations; values below 1 mean sequential.
	Parallelism int
}

// Report summarizes one sweep.
type Report struct {
	OwnerID   string `json:"ownerId"`
	Scanned   int    `json:"scanned"`
	Finalized int    `json:"finalized"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// Sweeper is the janitor run on login.
type Sweeper struct {
	lister    Lister
	finalizer Finalizer
	live      LiveChecker
	cfg       Config
	now       func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLiveChecker makes the sweeper skip sessions that are live in this process.
func WithLiveChecker(live LiveChecker) Option {
	return func(s *Sweeper) { s.live = live }
}

// WithClock overrides the time source for the grace window cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a sweeper.
func New(lister Lister, finalizer Finalizer, cfg Config, opts ...Option) *Sweeper {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	s := &Sweeper{
		lister:    lister,
		finalizer: finalizer,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep finalizes every orphaned session of ownerID. Individual failures are
// counted and logged; only a listing failure is returned.
func (s *Sweeper) Sweep(ctx context.Context, ownerID string) (Report, error) {
	report := Report{OwnerID: ownerID}
	cutoff := s.now().Add(-s.cfg.GraceWindow)

	ids, err := s.lister.ListOpenSessions(ctx, ownerID, cutoff)
	if err != nil {
		return report, fmt.Errorf("list open sessions for %s: %w", ownerID, err)
	}
	report.Scanned = len(ids)
	if len(ids) == 0 {
		return report, nil
	}

	var finalized, skipped, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, id := range ids {
		if s.live != nil && s.live.IsLive(id) {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			outcome, err := s.finalizer.Finalize(gctx, id)
			if err != nil {
				failed.Add(1)
				log.Printf("[janitor] owner=%s session=%s finalize failed: %v", ownerID, id, err)
				return nil
			}
			if outcome == finalize.OutcomeFinalized {
				finalized.Add(1)
			} else {
				skipped.Add(1)
			}
			return nil
		})
	}
	// workers never return errors
	_ = g.Wait()

	report.Finalized = int(finalized.Load())
	report.Skipped = int(skipped.Load())
	report.Failed = int(failed.Load())
	log.Printf("[janitor] owner=%s scanned=%d finalized=%d skipped=%d failed=%d",
		ownerID, report.Scanned, report.Finalized, report.Skipped, report.Failed)
	return report, nil
}
