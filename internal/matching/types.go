package matching

import (
	"context"
	"time"
)

// PipelineVersion tags every run so downstream consumers can correlate
// results with the scoring model that produced them.
const PipelineVersion = "match-pipeline/2.3"

// RegionNational is the catalog sentinel for programs open to companies
// anywhere in the country, regardless of region.
const RegionNational = "National"

const (
	// MinPreScore is the default pre-filter floor ahead of refinement.
	MinPreScore = 10.0
	// MaxRefineCandidates bounds the candidate list sent to the reasoning
	// service, to bound token cost.
	MaxRefineCandidates = 30
	// FallbackStrictThreshold filters heuristic-only results.
	FallbackStrictThreshold = 30.0
	// FallbackRelaxedThreshold applies when nothing clears the strict bar.
	FallbackRelaxedThreshold = 20.0
	// FallbackMaxSuccessProbability caps the probability estimate of any
	// match that was not confirmed by the refinement stage.
	FallbackMaxSuccessProbability = 40.0
	// DefaultResultLimit is the number of matches returned when the caller
	// does not ask for a specific count.
	DefaultResultLimit = 5

	// MissingRefinementMarker flags heuristic-only matches so the
	// presentation layer can distinguish them from AI-confirmed ones.
	MissingRefinementMarker = "analyse approfondie indisponible (mode heuristique)"
)

// SizeCategory buckets a company by headcount/turnover the way the French
// administrative categories do.
type SizeCategory string

const (
	SizeTPE SizeCategory = "tpe"
	SizePME SizeCategory = "pme"
	SizeETI SizeCategory = "eti"
)

// WebIntelligence carries the optional enrichment sub-scores attached to a
// profile by the (out of scope) web analysis job. All values are in [0,1].
type WebIntelligence struct {
	Innovation     float64 `json:"innovation"`
	Sustainability float64 `json:"sustainability"`
	Export         float64 `json:"export"`
	Digital        float64 `json:"digital"`
}

// Profile is the company record being matched. It is owned by the consuming
// account and read-only to the engine.
type Profile struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"account_id"`
	Sector         string           `json:"sector"`
	SubSector      string           `json:"sub_sector,omitempty"`
	ActivityLabel  string           `json:"activity_label,omitempty"`
	Region         string           `json:"region,omitempty"`
	Department     string           `json:"department,omitempty"`
	EmployeeBucket string           `json:"employee_bucket,omitempty"`
	AnnualTurnover float64          `json:"annual_turnover,omitempty"`
	LegalForm      string           `json:"legal_form,omitempty"`
	SizeCategory   SizeCategory     `json:"size_category,omitempty"`
	YearFounded    int              `json:"year_founded,omitempty"`
	Description    string           `json:"description,omitempty"`
	ProjectTypes   []string         `json:"project_types,omitempty"`
	Certifications []string         `json:"certifications,omitempty"`
	WebIntel       *WebIntelligence `json:"web_intel,omitempty"`
	Plan           string           `json:"plan,omitempty"`
}

// Subsidy is a catalog entry under consideration. Immutable from the
// engine's perspective.
type Subsidy struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Agency           string     `json:"agency"`
	Sector           string     `json:"sector,omitempty"`
	Regions          []string   `json:"regions"`
	FundingType      string     `json:"funding_type"`
	MinAmount        float64    `json:"min_amount"`
	MaxAmount        float64    `json:"max_amount"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	Categories       []string   `json:"categories"`
	Keywords         []string   `json:"keywords"`
	EligibilityText  string     `json:"eligibility_text,omitempty"`
	UniversalSector  bool       `json:"universal_sector"`
	BusinessRelevant bool       `json:"business_relevant"`
	Active           bool       `json:"active"`
}

// National reports whether the program is open nation-wide, either via the
// explicit sentinel or because no region restriction is set.
func (s Subsidy) National() bool {
	if len(s.Regions) == 0 {
		return true
	}
	for _, r := range s.Regions {
		if r == RegionNational {
			return true
		}
	}
	return false
}

// CoversRegion reports whether the program's region list names the given
// region exactly.
func (s Subsidy) CoversRegion(region string) bool {
	if region == "" {
		return false
	}
	for _, r := range s.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// AnalyzedProfile is the ephemeral signal set derived from a Profile.
// Computed once per matching request, never persisted.
type AnalyzedProfile struct {
	ProfileID     string
	AccountID     string
	Plan          string
	Sector        string
	SearchTerms   []string
	Exclusions    []string
	SizeCategory  SizeCategory
	Region        string
	HasSector     bool
	SectorLabel   string
	ActivityTerms []string
	ProjectTypes  []string
	WebIntel      *WebIntelligence
}

// PreScoreResult is the deterministic pre-refinement score for one
// candidate. PreScore is clamped to [0,100]; Reasons is non-empty whenever
// PreScore is positive.
type PreScoreResult struct {
	Subsidy  Subsidy
	PreScore float64
	Reasons  []string
}

// Match is the final output unit returned to the caller.
type Match struct {
	SubsidyID          string   `json:"subsidy_id"`
	Score              float64  `json:"score"`
	SuccessProbability float64  `json:"success_probability"`
	Reasons            []string `json:"reasons"`
	MatchingCriteria   []string `json:"matching_criteria"`
	MissingCriteria    []string `json:"missing_criteria"`
}

// FallbackReason is the structured observability code explaining why the
// refinement stage did not contribute to a run.
type FallbackReason string

const (
	FallbackNone          FallbackReason = ""
	FallbackQuotaExceeded FallbackReason = "quota_exceeded"
	FallbackRateLimited   FallbackReason = "rate_limited"
	FallbackTimeout       FallbackReason = "timeout"
	FallbackParseError    FallbackReason = "parse_error"
	FallbackError         FallbackReason = "error"
	FallbackDisabled      FallbackReason = "disabled"
)

// PipelineStats summarizes one matching run for the caller and the audit
// sink.
type PipelineStats struct {
	RunID           string         `json:"run_id"`
	CandidateCount  int            `json:"candidate_count"`
	PreScoredCount  int            `json:"pre_scored_count"`
	RefinedCount    int            `json:"refined_count"`
	TopScore        float64        `json:"top_score"`
	FallbackReason  FallbackReason `json:"fallback_reason,omitempty"`
	CacheHit        bool           `json:"cache_hit"`
	Duration        time.Duration  `json:"duration_ns"`
	PipelineVersion string         `json:"pipeline_version"`
}

// Result is the public engine contract's return value.
type Result struct {
	Matches      []Match       `json:"matches"`
	WasAIRefined bool          `json:"was_ai_refined"`
	Stats        PipelineStats `json:"pipeline_stats"`
}

// Options controls a single Match invocation.
type Options struct {
	Limit        int  `json:"limit"`
	ForceRefresh bool `json:"force_refresh"`
}

// CandidateRetriever produces the deduplicated candidate set for an
// analyzed profile. An empty slice with a nil error is a valid zero-match
// outcome; a non-nil error means every retrieval path failed.
type CandidateRetriever interface {
	Retrieve(ctx context.Context, ap AnalyzedProfile) ([]Subsidy, error)
}

// QuotaDecision is the gate's read-only admission verdict.
type QuotaDecision struct {
	Allowed bool
	Plan    string
	Cost    float64
	Ceiling float64
}

// QuotaGate admits or denies refinement calls based on the account's
// cumulative spend. The check is advisory; the meter's accumulation is the
// authoritative record.
type QuotaGate interface {
	Check(ctx context.Context, accountID, plan string) (QuotaDecision, error)
}

// RefineOutcome is what the refinement stage hands back. Refinement never
// fails the pipeline: on any abnormal condition Refined is false and
// Reason carries the structured cause.
type RefineOutcome struct {
	Matches []Match
	Refined bool
	Reason  FallbackReason
}

// Refiner sends the pre-scored candidates to the external reasoning
// service and maps its answer back onto Matches.
type Refiner interface {
	Refine(ctx context.Context, ap AnalyzedProfile, candidates []PreScoreResult, limit int) RefineOutcome
}

// CachedResult is the cache payload for one profile.
type CachedResult struct {
	Matches    []Match   `json:"matches"`
	WasRefined bool      `json:"was_refined"`
	ComputedAt time.Time `json:"computed_at"`
}

// RecommendationCache is the short-lived per-profile result cache. A nil
// entry with a nil error is a miss. The cache is an optimization layer
// only; callers treat errors as misses.
type RecommendationCache interface {
	Get(ctx context.Context, profileID string) (*CachedResult, error)
	Set(ctx context.Context, profileID string, res CachedResult) error
}

// RunEvent is the per-run record emitted to the compliance sink.
type RunEvent struct {
	RunID           string
	ProfileID       string
	AccountID       string
	ProfileSummary  string
	CandidateCount  int
	PreScoredCount  int
	TopScore        float64
	WasAIRefined    bool
	FallbackReason  FallbackReason
	PipelineVersion string
	At              time.Time
}

// AuditSink receives one event per matching run. Write-only; failures are
// logged and never fail the run.
type AuditSink interface {
	RecordRun(ctx context.Context, ev RunEvent) error
}

// Clamp bounds a score into [0,100]. Boosts are summed before this is
// applied, never after.
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
