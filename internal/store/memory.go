package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
)

type memoryRecord struct {
	session      session.Session
	claimToken   string
	claimExpires time.Time
}

// Memory keeps sessions in process memory. Every conditional write happens
// under one mutex, which gives it the same atomicity as the SQLite backend.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
	now      func() time.Time
}

// NewMemory bootstraps an empty in-memory gateway.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		sessions: make(map[string]*memoryRecord),
		now:      o.now,
	}
}

// Create provisions a session owned by ownerID.
func (m *Memory) Create(_ context.Context, ownerID, topic string) (session.Session, error) {
	if ownerID == "" {
		return session.Session{}, session.ErrOwnerRequired
	}

	s := session.Session{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Topic:      topic,
		CreatedAt:  m.now(),
		Transcript: []session.Turn{},
	}

	m.mu.Lock()
	m.sessions[s.ID] = &memoryRecord{session: s}
	m.mu.Unlock()

	return cloneSession(s), nil
}

// Get returns a copy of the stored session.
func (m *Memory) Get(_ context.Context, sessionID string) (session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return cloneSession(rec.session), nil
}

// ReadTranscript returns the stored turns for sessionID.
func (m *Memory) ReadTranscript(ctx context.Context, sessionID string) ([]session.Turn, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.Transcript, nil
}

// OverwriteTranscript replaces the whole transcript of an OPEN session.
func (m *Memory) OverwriteTranscript(_ context.Context, sessionID string, turns []session.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	if rec.session.Finalized() {
		return session.ErrStoreWriteConflict
	}
	rec.session.Transcript = session.CloneTranscript(turns)
	return nil
}

// WriteSummary sets the memory summary once.
func (m *Memory) WriteSummary(_ context.Context, sessionID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	if rec.session.Finalized() {
		return session.ErrStoreWriteConflict
	}
	rec.session.MemorySummary = &summary
	rec.claimToken = ""
	rec.claimExpires = time.Time{}
	return nil
}

// WriteAnalysis stores the analysis report.
func (m *Memory) WriteAnalysis(_ context.Context, sessionID string, report session.AnalysisReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	cp := cloneReport(report)
	rec.session.AnalysisReport = &cp
	return nil
}

// ListOpenSessions returns ids of the owner's OPEN sessions created before olderThan, oldest first.
func (m *Memory) ListOpenSessions(_ context.Context, ownerID string, olderThan time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []session.Session
	for _, rec := range m.sessions {
		s := rec.session
		if s.OwnerID != ownerID || s.Finalized() || !s.CreatedAt.Before(olderThan) {
			continue
		}
		open = append(open, s)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })

	ids := make([]string, 0, len(open))
	for _, s := range open {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// Claim takes the session-scoped claim if it is free, expired or already ours.
func (m *Memory) Claim(_ context.Context, sessionID, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return false, session.ErrSessionNotFound
	}
	if rec.session.Finalized() {
		return false, nil
	}
	now := m.now()
	if rec.claimToken != "" && rec.claimToken != token && now.Before(rec.claimExpires) {
		return false, nil
	}
	rec.claimToken = token
	rec.claimExpires = now.Add(ttl)
	return true, nil
}

// Release drops the claim if token still holds it.
func (m *Memory) Release(_ context.Context, sessionID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	if rec.claimToken == token {
		rec.claimToken = ""
		rec.claimExpires = time.Time{}
	}
	return nil
}

// LatestSummary returns the owner's most recent finalized session.
func (m *Memory) LatestSummary(_ context.Context, ownerID string) (session.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		latest session.Session
		found  bool
	)
	for _, rec := range m.sessions {
		s := rec.session
		if s.OwnerID != ownerID || !s.Finalized() {
			continue
		}
		if !found || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
			found = true
		}
	}
	if !found {
		return session.Session{}, false, nil
	}
	return cloneSession(latest), true, nil
}

func cloneSession(s session.Session) session.Session {
	s.Transcript = session.CloneTranscript(s.Transcript)
	if s.MemorySummary != nil {
		summary := *s.MemorySummary
		s.MemorySummary = &summary
	}
	if s.AnalysisReport != nil {
		report := cloneReport(*s.AnalysisReport)
		s.AnalysisReport = &report
	}
	return s
}

func cloneReport(r session.AnalysisReport) session.AnalysisReport {
	r.Strengths = append([]string(nil), r.Strengths...)
	r.Improvements = append([]string(nil), r.Improvements...)
	return r
}
