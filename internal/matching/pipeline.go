package matching

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/subventia/matching-engine/internal/metrics"
)

// DefaultPlan applies when a profile carries no plan tag.
const DefaultPlan = "decouverte"

// Deps bundles the engine's collaborators. Retriever and Scorer are
// required; the rest degrade gracefully when nil (no cache, no audit, no
// refinement, unlimited quota).
type Deps struct {
	Retriever CandidateRetriever
	Scorer    *Scorer
	Finalizer *Finalizer
	Gate      QuotaGate
	Refiner   Refiner
	Cache     RecommendationCache
	Audit     AuditSink
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Engine runs the full matching pipeline: Normalizer → Retriever →
// LocalScorer → QuotaGate → Refinement-or-skip → Finalizer → Cache.
// Stage order within a request is strict; concurrent duplicate requests
// for the same profile coalesce onto one in-flight computation.
type Engine struct {
	retriever CandidateRetriever
	scorer    *Scorer
	finalizer *Finalizer
	gate      QuotaGate
	refiner   Refiner
	cache     RecommendationCache
	audit     AuditSink
	log       *zap.Logger
	clock     func() time.Time
	group     singleflight.Group
}

func NewEngine(deps Deps) *Engine {
	if deps.Scorer == nil {
		deps.Scorer = NewScorer(DefaultScorerConfig(), nil)
	}
	if deps.Finalizer == nil {
		deps.Finalizer = NewFinalizer()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Engine{
		retriever: deps.Retriever,
		scorer:    deps.Scorer,
		finalizer: deps.Finalizer,
		gate:      deps.Gate,
		refiner:   deps.Refiner,
		cache:     deps.Cache,
		audit:     deps.Audit,
		log:       deps.Logger,
		clock:     deps.Clock,
	}
}

// Match is the public engine contract. Only RetrievalError and a missing
// profile identifier surface as errors; every other abnormal condition
// degrades to a lower-confidence but still-useful result.
func (e *Engine) Match(ctx context.Context, profile Profile, opts Options) (Result, error) {
	if strings.TrimSpace(profile.ID) == "" {
		return Result{}, ErrMissingProfileID
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultResultLimit
	}

	if !opts.ForceRefresh && e.cache != nil {
		if hit, err := e.cache.Get(ctx, profile.ID); err != nil {
			e.log.Warn("recommendation cache read failed", zap.String("profile_id", profile.ID), zap.Error(err))
		} else if hit != nil {
			metrics.CacheHits.Inc()
			metrics.MatchRuns.WithLabelValues("cache_hit").Inc()
			return Result{
				Matches:      truncateMatches(hit.Matches, limit),
				WasAIRefined: hit.WasRefined,
				Stats: PipelineStats{
					CacheHit:        true,
					TopScore:        topScore(hit.Matches),
					PipelineVersion: PipelineVersion,
				},
			}, nil
		}
	}

	key := fmt.Sprintf("%s|%d", profile.ID, limit)
	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.run(ctx, profile, limit)
	})
	if err != nil {
		metrics.MatchRuns.WithLabelValues("error").Inc()
		return Result{}, err
	}
	return v.(Result), nil
}

func (e *Engine) run(ctx context.Context, profile Profile, limit int) (Result, error) {
	tracer := otel.Tracer("matching")
	ctx, span := tracer.Start(ctx, "matching.run")
	defer span.End()

	started := e.clock()
	runID := uuid.NewString()

	ap := Normalize(profile)

	retrieveCtx, retrieveSpan := tracer.Start(ctx, "matching.retrieve")
	candidates, err := e.retriever.Retrieve(retrieveCtx, ap)
	retrieveSpan.End()
	if err != nil {
		return Result{}, err
	}

	prescored := e.scorer.PreFilter(ap, candidates)

	plan := profile.Plan
	if plan == "" {
		plan = DefaultPlan
	}

	outcome := RefineOutcome{Reason: FallbackDisabled}
	if e.refiner != nil && len(prescored) > 0 {
		allowed := true
		if e.gate != nil {
			decision, gerr := e.gate.Check(ctx, profile.AccountID, plan)
			if gerr != nil {
				e.log.Warn("quota check failed, skipping refinement",
					zap.String("account_id", profile.AccountID), zap.Error(gerr))
				allowed = false
				outcome.Reason = FallbackError
			} else if !decision.Allowed {
				// Designed degradation path, not a failure.
				allowed = false
				outcome.Reason = FallbackQuotaExceeded
				e.log.Info("refinement skipped: quota exceeded",
					zap.String("account_id", profile.AccountID),
					zap.String("plan", decision.Plan),
					zap.Float64("cost", decision.Cost),
					zap.Float64("ceiling", decision.Ceiling))
			}
		}
		if allowed {
			refineCtx, refineSpan := tracer.Start(ctx, "matching.refine")
			outcome = e.refiner.Refine(refineCtx, ap, prescored, limit)
			refineSpan.End()
		}
	}

	var matches []Match
	if outcome.Refined {
		matches = outcome.Matches
	} else {
		if outcome.Reason != FallbackNone {
			metrics.RefinementFallbacks.WithLabelValues(string(outcome.Reason)).Inc()
		}
		matches = MatchesFromPreScores(e.scorer.FallbackFilter(prescored))
	}

	subsByID := make(map[string]Subsidy, len(prescored))
	for _, ps := range prescored {
		subsByID[ps.Subsidy.ID] = ps.Subsidy
	}
	final := e.finalizer.Finalize(matches, subsByID, ap.SizeCategory, outcome.Refined, limit)

	duration := e.clock().Sub(started)
	result := Result{
		Matches:      final,
		WasAIRefined: outcome.Refined,
		Stats: PipelineStats{
			RunID:           runID,
			CandidateCount:  len(candidates),
			PreScoredCount:  len(prescored),
			RefinedCount:    refinedCount(outcome),
			TopScore:        topScore(final),
			FallbackReason:  outcome.Reason,
			Duration:        duration,
			PipelineVersion: PipelineVersion,
		},
	}

	if outcome.Refined {
		metrics.MatchRuns.WithLabelValues("refined").Inc()
	} else {
		metrics.MatchRuns.WithLabelValues("fallback").Inc()
	}
	metrics.MatchDuration.Observe(duration.Seconds())

	if e.cache != nil {
		entry := CachedResult{Matches: final, WasRefined: outcome.Refined, ComputedAt: e.clock()}
		if cerr := e.cache.Set(ctx, profile.ID, entry); cerr != nil {
			e.log.Warn("recommendation cache write failed", zap.String("profile_id", profile.ID), zap.Error(cerr))
		}
	}

	if e.audit != nil {
		ev := RunEvent{
			RunID:           runID,
			ProfileID:       profile.ID,
			AccountID:       profile.AccountID,
			ProfileSummary:  profileSummary(ap),
			CandidateCount:  len(candidates),
			PreScoredCount:  len(prescored),
			TopScore:        result.Stats.TopScore,
			WasAIRefined:    outcome.Refined,
			FallbackReason:  outcome.Reason,
			PipelineVersion: PipelineVersion,
			At:              e.clock(),
		}
		if aerr := e.audit.RecordRun(ctx, ev); aerr != nil {
			e.log.Warn("audit event write failed", zap.String("run_id", runID), zap.Error(aerr))
		}
	}

	e.log.Info("matching run complete",
		zap.String("run_id", runID),
		zap.String("profile_id", profile.ID),
		zap.Int("candidates", len(candidates)),
		zap.Int("pre_scored", len(prescored)),
		zap.Int("matches", len(final)),
		zap.Bool("refined", outcome.Refined),
		zap.String("fallback_reason", string(outcome.Reason)),
		zap.Duration("duration", duration))

	return result, nil
}

func refinedCount(outcome RefineOutcome) int {
	if !outcome.Refined {
		return 0
	}
	return len(outcome.Matches)
}

func topScore(matches []Match) float64 {
	top := 0.0
	for _, m := range matches {
		if m.Score > top {
			top = m.Score
		}
	}
	return top
}

func truncateMatches(matches []Match, limit int) []Match {
	if limit > 0 && len(matches) > limit {
		return matches[:limit]
	}
	return matches
}

func profileSummary(ap AnalyzedProfile) string {
	sector := ap.Sector
	if sector == "" {
		sector = "secteur inconnu"
	}
	region := ap.Region
	if region == "" {
		region = RegionNational
	}
	return fmt.Sprintf("%s / %s / %s", sector, region, ap.SizeCategory)
}
