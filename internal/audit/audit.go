// Package audit keeps a write-only record of every matching run for
// compliance review.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/subventia/matching-engine/internal/matching"
)

// Store implements matching.AuditSink with SQLite persistence. Rows are
// append-only; there is no update or delete path.
type Store struct {
	db *sqlx.DB
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS run_events (
	run_id           TEXT PRIMARY KEY,
	profile_id       TEXT NOT NULL,
	account_id       TEXT NOT NULL DEFAULT '',
	profile_summary  TEXT NOT NULL DEFAULT '',
	candidate_count  INTEGER NOT NULL DEFAULT 0,
	pre_scored_count INTEGER NOT NULL DEFAULT 0,
	top_score        REAL NOT NULL DEFAULT 0,
	was_ai_refined   INTEGER NOT NULL DEFAULT 0,
	fallback_reason  TEXT NOT NULL DEFAULT '',
	pipeline_version TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_events_profile ON run_events (profile_id, created_at);
`

func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) RecordRun(ctx context.Context, ev matching.RunEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (
			run_id, profile_id, account_id, profile_summary,
			candidate_count, pre_scored_count, top_score,
			was_ai_refined, fallback_reason, pipeline_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.ProfileID, ev.AccountID, ev.ProfileSummary,
		ev.CandidateCount, ev.PreScoredCount, ev.TopScore,
		ev.WasAIRefined, string(ev.FallbackReason), ev.PipelineVersion,
		at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record run event: %w", err)
	}
	return nil
}

// RecentByProfile lists a profile's newest run events, for support
// tooling.
type RunRow struct {
	RunID           string  `db:"run_id"`
	ProfileID       string  `db:"profile_id"`
	AccountID       string  `db:"account_id"`
	ProfileSummary  string  `db:"profile_summary"`
	CandidateCount  int     `db:"candidate_count"`
	PreScoredCount  int     `db:"pre_scored_count"`
	TopScore        float64 `db:"top_score"`
	WasAIRefined    bool    `db:"was_ai_refined"`
	FallbackReason  string  `db:"fallback_reason"`
	PipelineVersion string  `db:"pipeline_version"`
	CreatedAt       string  `db:"created_at"`
}

func (s *Store) RecentByProfile(ctx context.Context, profileID string, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []RunRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM run_events
		WHERE profile_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	return rows, nil
}
