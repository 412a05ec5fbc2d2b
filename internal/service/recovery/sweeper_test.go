package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
	"github.com/zhouzirui/z-examiner/backend/internal/service/finalize"
	"github.com/zhouzirui/z-examiner/backend/internal/store"
)

type summarizer struct {
	calls   atomic.Int32
	failFor string
}

func (s *summarizer) Summarize(ctx context.Context, turns []session.Turn) (string, error) {
	s.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	if s.failFor != "" && len(turns) > 0 && turns[0].Content == s.failFor {
		return "", errors.New("model unavailable")
	}
	return "remembered", nil
}

type liveSet map[string]bool

func (l liveSet) IsLive(id string) bool { return l[id] }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func abandon(t *testing.T, gw store.Gateway, owner, answer string) string {
	t.Helper()
	ctx := context.Background()
	s, err := gw.Create(ctx, owner, "hometown")
	require.NoError(t, err)
	turns := session.AppendTurn(nil, session.RoleRespondent, answer)
	turns = session.AppendTurn(turns, session.RoleExaminer, "Tell me more.")
	require.NoError(t, gw.OverwriteTranscript(ctx, s.ID, turns))
	return s.ID
}

func TestSweepFinalizesAbandonedSessionOnce(t *testing.T) {
	clk := newClock()
	gw := store.NewMemory(store.WithClock(clk.Now))
	id := abandon(t, gw, "owner-1", "I live in Hangzhou.")
	clk.Advance(time.Minute)

	summ := &summarizer{}
	sw := New(gw, finalize.New(gw, summ, nil, finalize.Config{}), Config{GraceWindow: 30 * time.Second}, WithClock(clk.Now))

	report, err := sw.Sweep(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, Report{OwnerID: "owner-1", Scanned: 1, Finalized: 1}, report)

	got, err := gw.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got.MemorySummary)

	report, err = sw.Sweep(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.EqualValues(t, 1, summ.calls.Load())
}

func TestSweepRespectsGraceWindowAndLiveSessions(t *testing.T) {
	clk := newClock()
	gw := store.NewMemory(store.WithClock(clk.Now))
	liveID := abandon(t, gw, "owner-1", "still talking")
	clk.Advance(time.Minute)
	fresh := abandon(t, gw, "owner-1", "just started")

	sw := New(gw, finalize.New(gw, &summarizer{}, nil, finalize.Config{}),
		Config{GraceWindow: 30 * time.Second}, WithClock(clk.Now), WithLiveChecker(liveSet{liveID: true}))

	report, err := sw.Sweep(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Finalized)

	got, err := gw.Get(context.Background(), fresh)
	require.NoError(t, err)
	assert.False(t, got.Finalized())
}

func TestSweepCountsFailuresWithoutAborting(t *testing.T) {
	clk := newClock()
	gw := store.NewMemory(store.WithClock(clk.Now))
	bad := abandon(t, gw, "owner-1", "poison")
	good := abandon(t, gw, "owner-1", "fine")
	clk.Advance(time.Hour)

	summ := &summarizer{failFor: "poison"}
	sw := New(gw, finalize.New(gw, summ, nil, finalize.Config{}), Config{Parallelism: 2}, WithClock(clk.Now))

	report, err := sw.Sweep(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Finalized)
	assert.Equal(t, 1, report.Failed)

	s, err := gw.Get(context.Background(), bad)
	require.NoError(t, err)
	assert.False(t, s.Finalized())
	s, err = gw.Get(context.Background(), good)
	require.NoError(t, err)
	assert.True(t, s.Finalized())
}

func TestConcurrentSweepsFinalizeEachSessionOnce(t *testing.T) {
	clk := newClock()
	gw := store.NewMemory(store.WithClock(clk.Now))
	const orphans = 6
	for i := 0; i < orphans; i++ {
		abandon(t, gw, "owner-1", "orphan")
	}
	clk.Advance(time.Hour)

	summ := &summarizer{}
	// separate finalizers stand in for separate processes sharing one store
	sweepers := []*Sweeper{
		New(gw, finalize.New(gw, summ, nil, finalize.Config{}), Config{Parallelism: 3}, WithClock(clk.Now)),
		New(gw, finalize.New(gw, summ, nil, finalize.Config{}), Config{Parallelism: 3}, WithClock(clk.Now)),
		New(gw, finalize.New(gw, summ, nil, finalize.Config{}), Config{Parallelism: 1}, WithClock(clk.Now)),
	}

	var wg sync.WaitGroup
	var total atomic.Int32
	for _, sw := range sweepers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := sw.Sweep(context.Background(), "owner-1")
			assert.NoError(t, err)
			assert.Zero(t, report.Failed)
			total.Add(int32(report.Finalized))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, orphans, summ.calls.Load())
	assert.EqualValues(t, orphans, total.Load())

	ids, err := gw.ListOpenSessions(context.Background(), "owner-1", clk.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

type failingLister struct{}

func (failingLister) ListOpenSessions(context.Context, string, time.Time) ([]string, error) {
	return nil, session.ErrStoreUnavailable
}

func TestSweepListingFailure(t *testing.T) {
	sw := New(failingLister{}, finalize.New(store.NewMemory(), &summarizer{}, nil, finalize.Config{}), Config{})
	_, err := sw.Sweep(context.Background(), "owner-1")
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
}
