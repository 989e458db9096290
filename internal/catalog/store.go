// Package catalog persists the subsidy catalog and serves the candidate
// queries the matching engine fans out.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/subventia/matching-engine/internal/matching"
)

// Store is the SQLite-backed subsidy catalog. List-valued columns
// (regions, categories, keywords) are stored as JSON arrays.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS subsidies (
	subsidy_id        TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	agency            TEXT NOT NULL DEFAULT '',
	sector            TEXT NOT NULL DEFAULT '',
	regions           TEXT NOT NULL DEFAULT '[]',
	funding_type      TEXT NOT NULL DEFAULT '',
	min_amount        REAL NOT NULL DEFAULT 0,
	max_amount        REAL NOT NULL DEFAULT 0,
	deadline          TEXT NOT NULL DEFAULT '',
	categories        TEXT NOT NULL DEFAULT '[]',
	keywords          TEXT NOT NULL DEFAULT '[]',
	eligibility_text  TEXT NOT NULL DEFAULT '',
	universal_sector  INTEGER NOT NULL DEFAULT 0,
	business_relevant INTEGER NOT NULL DEFAULT 1,
	active            INTEGER NOT NULL DEFAULT 1,
	updated_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subsidies_active ON subsidies (active, business_relevant);
CREATE INDEX IF NOT EXISTS idx_subsidies_amount ON subsidies (max_amount);
`

func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type subsidyRow struct {
	SubsidyID        string  `db:"subsidy_id"`
	Title            string  `db:"title"`
	Description      string  `db:"description"`
	Agency           string  `db:"agency"`
	Sector           string  `db:"sector"`
	Regions          string  `db:"regions"`
	FundingType      string  `db:"funding_type"`
	MinAmount        float64 `db:"min_amount"`
	MaxAmount        float64 `db:"max_amount"`
	Deadline         string  `db:"deadline"`
	Categories       string  `db:"categories"`
	Keywords         string  `db:"keywords"`
	EligibilityText  string  `db:"eligibility_text"`
	UniversalSector  bool    `db:"universal_sector"`
	BusinessRelevant bool    `db:"business_relevant"`
	Active           bool    `db:"active"`
	UpdatedAt        string  `db:"updated_at"`
}

func (r subsidyRow) toSubsidy() (matching.Subsidy, error) {
	sub := matching.Subsidy{
		ID:               r.SubsidyID,
		Title:            r.Title,
		Description:      r.Description,
		Agency:           r.Agency,
		Sector:           r.Sector,
		FundingType:      r.FundingType,
		MinAmount:        r.MinAmount,
		MaxAmount:        r.MaxAmount,
		EligibilityText:  r.EligibilityText,
		UniversalSector:  r.UniversalSector,
		BusinessRelevant: r.BusinessRelevant,
		Active:           r.Active,
	}
	if err := json.Unmarshal([]byte(r.Regions), &sub.Regions); err != nil {
		return sub, fmt.Errorf("decode regions for %s: %w", r.SubsidyID, err)
	}
	if err := json.Unmarshal([]byte(r.Categories), &sub.Categories); err != nil {
		return sub, fmt.Errorf("decode categories for %s: %w", r.SubsidyID, err)
	}
	if err := json.Unmarshal([]byte(r.Keywords), &sub.Keywords); err != nil {
		return sub, fmt.Errorf("decode keywords for %s: %w", r.SubsidyID, err)
	}
	if r.Deadline != "" {
		t, err := time.Parse(time.RFC3339, r.Deadline)
		if err != nil {
			return sub, fmt.Errorf("decode deadline for %s: %w", r.SubsidyID, err)
		}
		sub.Deadline = &t
	}
	return sub, nil
}

func rowFromSubsidy(sub matching.Subsidy, now time.Time) (subsidyRow, error) {
	regions, err := jsonList(sub.Regions)
	if err != nil {
		return subsidyRow{}, err
	}
	categories, err := jsonList(sub.Categories)
	if err != nil {
		return subsidyRow{}, err
	}
	keywords, err := jsonList(sub.Keywords)
	if err != nil {
		return subsidyRow{}, err
	}
	deadline := ""
	if sub.Deadline != nil {
		deadline = sub.Deadline.UTC().Format(time.RFC3339)
	}
	return subsidyRow{
		SubsidyID:        sub.ID,
		Title:            sub.Title,
		Description:      sub.Description,
		Agency:           sub.Agency,
		Sector:           sub.Sector,
		Regions:          regions,
		FundingType:      sub.FundingType,
		MinAmount:        sub.MinAmount,
		MaxAmount:        sub.MaxAmount,
		Deadline:         deadline,
		Categories:       categories,
		Keywords:         keywords,
		EligibilityText:  sub.EligibilityText,
		UniversalSector:  sub.UniversalSector,
		BusinessRelevant: sub.BusinessRelevant,
		Active:           sub.Active,
		UpdatedAt:        now.UTC().Format(time.RFC3339),
	}, nil
}

func jsonList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Upsert writes or replaces one catalog entry.
func (s *Store) Upsert(ctx context.Context, sub matching.Subsidy) error {
	row, err := rowFromSubsidy(sub, time.Now())
	if err != nil {
		return fmt.Errorf("encode subsidy %s: %w", sub.ID, err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO subsidies (
			subsidy_id, title, description, agency, sector, regions,
			funding_type, min_amount, max_amount, deadline, categories,
			keywords, eligibility_text, universal_sector, business_relevant,
			active, updated_at
		) VALUES (
			:subsidy_id, :title, :description, :agency, :sector, :regions,
			:funding_type, :min_amount, :max_amount, :deadline, :categories,
			:keywords, :eligibility_text, :universal_sector, :business_relevant,
			:active, :updated_at
		)`, row)
	if err != nil {
		return fmt.Errorf("upsert subsidy %s: %w", sub.ID, err)
	}
	return nil
}

// ByID fetches one entry. Returns sql.ErrNoRows when absent.
func (s *Store) ByID(ctx context.Context, id string) (matching.Subsidy, error) {
	var row subsidyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM subsidies WHERE subsidy_id = ?`, id)
	if err != nil {
		return matching.Subsidy{}, err
	}
	return row.toSubsidy()
}

// ByRegion returns active business-relevant programs open in the given
// region or nation-wide. Regions are stored as a JSON array, so the match
// is a quoted-substring probe.
func (s *Store) ByRegion(ctx context.Context, region string, limit int) ([]matching.Subsidy, error) {
	query := `
		SELECT * FROM subsidies
		WHERE active = 1 AND business_relevant = 1
		  AND (regions = '[]' OR regions LIKE ? OR regions LIKE ?)
		ORDER BY max_amount DESC, subsidy_id
		LIMIT ?`
	return s.query(ctx, query, quotedPattern(region), quotedPattern(matching.RegionNational), limit)
}

// BySector returns active business-relevant programs whose sector field or
// text mentions any of the given terms. Terms are matched case-insensitively;
// at most the first few terms are used to keep the query bounded.
func (s *Store) BySector(ctx context.Context, terms []string, limit int) ([]matching.Subsidy, error) {
	if len(terms) > 5 {
		terms = terms[:5]
	}
	clauses := make([]string, 0, len(terms)+1)
	args := make([]any, 0, len(terms)*4+2)
	clauses = append(clauses, "universal_sector = 1")
	for _, term := range terms {
		p := "%" + strings.ToLower(term) + "%"
		clauses = append(clauses, "(LOWER(sector) LIKE ? OR LOWER(title) LIKE ? OR LOWER(description) LIKE ? OR LOWER(keywords) LIKE ?)")
		args = append(args, p, p, p, p)
	}
	query := fmt.Sprintf(`
		SELECT * FROM subsidies
		WHERE active = 1 AND business_relevant = 1
		  AND (%s)
		ORDER BY max_amount DESC, subsidy_id
		LIMIT ?`, strings.Join(clauses, " OR "))
	args = append(args, limit)
	return s.query(ctx, query, args...)
}

// HighValueNational returns active nation-wide programs above the amount
// floor, regardless of sector.
func (s *Store) HighValueNational(ctx context.Context, minAmount float64, limit int) ([]matching.Subsidy, error) {
	query := `
		SELECT * FROM subsidies
		WHERE active = 1 AND business_relevant = 1
		  AND (regions = '[]' OR regions LIKE ?)
		  AND max_amount >= ?
		ORDER BY max_amount DESC, subsidy_id
		LIMIT ?`
	return s.query(ctx, query, quotedPattern(matching.RegionNational), minAmount, limit)
}

// ActiveBusinessRelevant is the unfiltered fallback query used when every
// targeted query failed.
func (s *Store) ActiveBusinessRelevant(ctx context.Context, limit int) ([]matching.Subsidy, error) {
	query := `
		SELECT * FROM subsidies
		WHERE active = 1 AND business_relevant = 1
		ORDER BY max_amount DESC, subsidy_id
		LIMIT ?`
	return s.query(ctx, query, limit)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]matching.Subsidy, error) {
	var rows []subsidyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	out := make([]matching.Subsidy, 0, len(rows))
	for _, r := range rows {
		sub, err := r.toSubsidy()
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func quotedPattern(value string) string {
	return `%"` + value + `"%`
}
