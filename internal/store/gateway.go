// Package store is the Session Store Gateway: the only way the lifecycle
// services read or write session records.
package store

import (
	"context"
	"time"

	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
)

// Gateway is implemented by every session backend.
//
// WriteSummary and OverwriteTranscript are conditional on the session still
// being OPEN and fail with session.ErrStoreWriteConflict otherwise. Claim is a
// conditional update too, so callers in different processes can serialize
// finalization of a session without any other lock.
type Gateway interface {
	Create(ctx context.Context, ownerID, topic string) (session.Session, error)
	Get(ctx context.Context, sessionID string) (session.Session, error)
	ReadTranscript(ctx context.Context, sessionID string) ([]session.Turn, error)
	OverwriteTranscript(ctx context.Context, sessionID string, turns []session.Turn) error
	WriteSummary(ctx context.Context, sessionID, summary string) error
	WriteAnalysis(ctx context.Context, sessionID string, report session.AnalysisReport) error
	ListOpenSessions(ctx context.Context, ownerID string, olderThan time.Time) ([]string, error)
	Claim(ctx context.Context, sessionID, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, sessionID, token string) error
	LatestSummary(ctx context.Context, ownerID string) (session.Session, bool, error)
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for createdAt and claim expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
