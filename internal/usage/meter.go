package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/subventia/matching-engine/internal/matching"
)

// Meter is the SQLite-backed spend meter. It is the authoritative billing
// record; the quota check reads the same rows, so admission and
// accumulation can never disagree about the period total.
type Meter struct {
	db       *sqlx.DB
	pricing  Pricing
	ceilings PlanCeilings
	clock    func() time.Time
}

const meterSchema = `
CREATE TABLE IF NOT EXISTS usage_periods (
	account_id TEXT NOT NULL,
	period     TEXT NOT NULL,
	cost_eur   REAL NOT NULL DEFAULT 0,
	calls      INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (account_id, period)
);

CREATE TABLE IF NOT EXISTS usage_records (
	record_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id    TEXT NOT NULL,
	profile_id    TEXT NOT NULL DEFAULT '',
	run_id        TEXT NOT NULL DEFAULT '',
	function      TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	cost_eur      REAL NOT NULL DEFAULT 0,
	success       INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_records_account ON usage_records (account_id, created_at);
`

func NewMeter(dbPath string, pricing Pricing, ceilings PlanCeilings) (*Meter, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(meterSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if ceilings == nil {
		ceilings = DefaultPlanCeilings()
	}
	return &Meter{db: db, pricing: pricing, ceilings: ceilings, clock: time.Now}, nil
}

func (m *Meter) Close() error { return m.db.Close() }

// period is the monthly accounting bucket, computed in UTC so the rollover
// does not depend on server timezone.
func (m *Meter) period() string {
	return m.clock().UTC().Format("2006-01")
}

// Check implements matching.QuotaGate. The decision is advisory: a call
// already in flight when the ceiling is crossed still completes and is
// still billed.
func (m *Meter) Check(ctx context.Context, accountID, plan string) (matching.QuotaDecision, error) {
	resolvedPlan, ceiling := m.ceilings.Ceiling(plan)
	var cost float64
	err := m.db.GetContext(ctx, &cost,
		`SELECT cost_eur FROM usage_periods WHERE account_id = ? AND period = ?`,
		accountID, m.period())
	if err != nil && err != sql.ErrNoRows {
		return matching.QuotaDecision{}, fmt.Errorf("read usage period: %w", err)
	}
	return matching.QuotaDecision{
		Allowed: cost < ceiling,
		Plan:    resolvedPlan,
		Cost:    cost,
		Ceiling: ceiling,
	}, nil
}

// Record is one priced reasoning call. Function names the engine
// operation that made the call; Success distinguishes billable answers
// from failed attempts, which are still recorded (usually at zero
// tokens) so the billing trail accounts for every attempt.
type Record struct {
	AccountID    string
	ProfileID    string
	RunID        string
	Function     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
	Success      bool
}

// Log prices the call and accumulates it into the account's period total.
// The accumulation is a single upsert with an additive conflict clause, so
// concurrent calls from parallel runs never lose an update.
func (m *Meter) Log(ctx context.Context, rec Record) (float64, error) {
	cost := m.pricing.CostEUR(rec.InputTokens, rec.OutputTokens, rec.CachedTokens)
	now := m.clock().UTC().Format(time.RFC3339)

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_periods (account_id, period, cost_eur, calls, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (account_id, period) DO UPDATE SET
			cost_eur   = cost_eur + excluded.cost_eur,
			calls      = calls + 1,
			updated_at = excluded.updated_at`,
		rec.AccountID, m.period(), cost, now); err != nil {
		return 0, fmt.Errorf("accumulate usage: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_records (
			account_id, profile_id, run_id, function, model,
			input_tokens, output_tokens, cached_tokens, cost_eur, success, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AccountID, rec.ProfileID, rec.RunID, rec.Function, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CachedTokens, cost, rec.Success, now); err != nil {
		return 0, fmt.Errorf("write usage record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit usage tx: %w", err)
	}
	return cost, nil
}

// PeriodTotal reads an account's spend for the current period.
func (m *Meter) PeriodTotal(ctx context.Context, accountID string) (float64, error) {
	var cost float64
	err := m.db.GetContext(ctx, &cost,
		`SELECT cost_eur FROM usage_periods WHERE account_id = ? AND period = ?`,
		accountID, m.period())
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage period: %w", err)
	}
	return cost, nil
}
