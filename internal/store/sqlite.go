package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	topic            TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	transcript       TEXT NOT NULL DEFAULT '[]',
	memory_summary   TEXT,
	analysis_report  TEXT,
	claim_token      TEXT,
	claim_expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner_open
	ON sessions (owner_id, created_at) WHERE memory_summary IS NULL;
CREATE INDEX IF NOT EXISTS idx_sessions_owner_created
	ON sessions (owner_id, created_at);
`

// SQLite persists sessions in a SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at dsn and applies the schema.
// dsn may be ":memory:" for an ephemeral database.
func OpenSQLite(ctx context.Context, dsn string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" is per-connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	o := buildOptions(opts)
	return &SQLite{db: db, now: o.now}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Create inserts a new OPEN session.
func (s *SQLite) Create(ctx context.Context, ownerID, topic string) (session.Session, error) {
	if ownerID == "" {
		return session.Session{}, session.ErrOwnerRequired
	}

	created := session.Session{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Topic:      topic,
		CreatedAt:  s.now(),
		Transcript: []session.Turn{},
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, owner_id, topic, created_at) VALUES (?, ?, ?, ?)",
		created.ID, created.OwnerID, created.Topic, created.CreatedAt.UnixNano())
	if err != nil {
		return session.Session{}, unavailable("insert session", err)
	}
	return created, nil
}

// Get loads one session.
func (s *SQLite) Get(ctx context.Context, sessionID string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, topic, created_at, transcript, memory_summary, analysis_report
		FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// ReadTranscript returns only the transcript of sessionID.
func (s *SQLite) ReadTranscript(ctx context.Context, sessionID string) ([]session.Turn, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT transcript FROM sessions WHERE id = ?", sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("read transcript", err)
	}
	return decodeTranscript(raw)
}

// OverwriteTranscript replaces the stored transcript while the session is OPEN.
func (s *SQLite) OverwriteTranscript(ctx context.Context, sessionID string, turns []session.Turn) error {
	payload, err := json.Marshal(session.CloneTranscript(turns))
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET transcript = ? WHERE id = ? AND memory_summary IS NULL",
		string(payload), sessionID)
	if err != nil {
		return unavailable("overwrite transcript", err)
	}
	return s.conditionalResult(ctx, res, sessionID)
}

// WriteSummary commits the summary if none is stored yet and clears any claim.
func (s *SQLite) WriteSummary(ctx context.Context, sessionID, summary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET memory_summary = ?, claim_token = NULL, claim_expires_at = NULL
		WHERE id = ? AND memory_summary IS NULL`, summary, sessionID)
	if err != nil {
		return unavailable("write summary", err)
	}
	return s.conditionalResult(ctx, res, sessionID)
}

// WriteAnalysis stores the analysis report as JSON.
func (s *SQLite) WriteAnalysis(ctx context.Context, sessionID string, report session.AnalysisReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis report: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET analysis_report = ? WHERE id = ?", string(payload), sessionID)
	if err != nil {
		return unavailable("write analysis", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("write analysis", err)
	}
	if n == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// ListOpenSessions returns the owner's OPEN sessions created before olderThan, oldest first.
func (s *SQLite) ListOpenSessions(ctx context.Context, ownerID string, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE owner_id = ? AND memory_summary IS NULL AND created_at < ?
		ORDER BY created_at ASC`, ownerID, olderThan.UnixNano())
	if err != nil {
		return nil, unavailable("list open sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan open session", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate open sessions", err)
	}
	return ids, nil
}

// Claim sets the claim marker when it is free, expired, or already held by token.
func (s *SQLite) Claim(ctx context.Context, sessionID, token string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET claim_token = ?, claim_expires_at = ?
		WHERE id = ? AND memory_summary IS NULL
		  AND (claim_token IS NULL OR claim_token = ? OR claim_expires_at <= ?)`,
		token, now.Add(ttl).UnixNano(), sessionID, token, now.UnixNano())
	if err != nil {
		return false, unavailable("claim session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("claim session", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.exists(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}

// Release clears the claim if token still holds it.
func (s *SQLite) Release(ctx context.Context, sessionID, token string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET claim_token = NULL, claim_expires_at = NULL WHERE id = ? AND claim_token = ?",
		sessionID, token)
	if err != nil {
		return unavailable("release claim", err)
	}
	return nil
}

// LatestSummary returns the owner's most recently created finalized session.
func (s *SQLite) LatestSummary(ctx context.Context, ownerID string) (session.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, topic, created_at, transcript, memory_summary, analysis_report
		FROM sessions
		WHERE owner_id = ? AND memory_summary IS NOT NULL
		ORDER BY created_at DESC LIMIT 1`, ownerID)
	found, err := scanSession(row)
	if errors.Is(err, session.ErrSessionNotFound) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, err
	}
	return found, true, nil
}

// conditionalResult turns "no row updated" into not-found or a write conflict.
func (s *SQLite) conditionalResult(ctx context.Context, res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.exists(ctx, sessionID); err != nil {
		return err
	}
	return session.ErrStoreWriteConflict
}

func (s *SQLite) exists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, session.ErrSessionNotFound
	}
	if err != nil {
		return false, unavailable("lookup session", err)
	}
	return true, nil
}

func scanSession(row *sql.Row) (session.Session, error) {
	var (
		out        session.Session
		createdAt  int64
		transcript string
		summary    sql.NullString
		report     sql.NullString
	)
	err := row.Scan(&out.ID, &out.OwnerID, &out.Topic, &createdAt, &transcript, &summary, &report)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrSessionNotFound
	}
	if err != nil {
		return session.Session{}, unavailable("scan session", err)
	}

	out.CreatedAt = time.Unix(0, createdAt).UTC()
	if out.Transcript, err = decodeTranscript(transcript); err != nil {
		return session.Session{}, err
	}
	if summary.Valid {
		text := summary.String
		out.MemorySummary = &text
	}
	if report.Valid && report.String != "" {
		var r session.AnalysisReport
		if err := json.Unmarshal([]byte(report.String), &r); err != nil {
			log.Printf("[store] session %s has unreadable analysis report: %v", out.ID, err)
		} else {
			out.AnalysisReport = &r
		}
	}
	return out, nil
}

func decodeTranscript(raw string) ([]session.Turn, error) {
	turns := []session.Turn{}
	if raw == "" {
		return turns, nil
	}
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	return turns, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, session.ErrStoreUnavailable, err)
}
