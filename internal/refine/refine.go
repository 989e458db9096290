package refine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/subventia/matching-engine/internal/matching"
	"github.com/subventia/matching-engine/internal/metrics"
	"github.com/subventia/matching-engine/internal/usage"
)

const (
	// DefaultTimeout bounds one whole Refine call, attempts and backoff
	// included.
	DefaultTimeout  = 45 * time.Second
	defaultAttempts = 3

	// charsPerToken is the estimation fallback when the transport did not
	// report usage.
	charsPerToken = 4
)

// UsageLogger is the slice of the spend meter the stage needs.
type UsageLogger interface {
	Log(ctx context.Context, rec usage.Record) (float64, error)
}

type Config struct {
	Timeout     time.Duration
	MaxAttempts int
}

// Stage implements matching.Refiner on top of an LLMCaller. One Refine
// call makes up to MaxAttempts transport attempts inside a single overall
// timeout, and logs spend to the meter exactly once, whatever happens.
type Stage struct {
	caller LLMCaller
	meter  UsageLogger
	log    *zap.Logger
	cfg    Config
}

func NewStage(caller LLMCaller, meter UsageLogger, log *zap.Logger, cfg Config) *Stage {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Stage{caller: caller, meter: meter, log: log, cfg: cfg}
}

func (s *Stage) Refine(ctx context.Context, ap matching.AnalyzedProfile, candidates []matching.PreScoreResult, limit int) matching.RefineOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	prompt := buildPrompt(ap, candidates, limit)

	var spent tokenTally
	defer s.logSpend(ap, &spent)

	reason := matching.FallbackError
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return matching.RefineOutcome{Reason: matching.FallbackTimeout}
		}

		completion, err := s.caller.Generate(ctx, prompt)
		if err != nil {
			reason = classifyTransportError(err)
			s.log.Warn("refinement attempt failed",
				zap.Int("attempt", attempt),
				zap.String("class", string(reason)),
				zap.Error(err))
			if retryable(reason) && attempt < s.cfg.MaxAttempts {
				if sleepCtx(ctx, backoffDelay(attempt)) != nil {
					return matching.RefineOutcome{Reason: matching.FallbackTimeout}
				}
				continue
			}
			return matching.RefineOutcome{Reason: reason}
		}
		spent.add(completion, prompt)

		matches, perr := parseResponse(completion.Text, candidates)
		if perr != nil {
			reason = matching.FallbackParseError
			s.log.Warn("refinement response unparseable",
				zap.Int("attempt", attempt),
				zap.Int("response_chars", len(completion.Text)),
				zap.Error(perr))
			if attempt < s.cfg.MaxAttempts {
				continue
			}
			return matching.RefineOutcome{Reason: reason}
		}

		spent.succeeded = true
		return matching.RefineOutcome{Matches: matches, Refined: true}
	}
	return matching.RefineOutcome{Reason: reason}
}

// refineFunction names this stage in the billing trail.
const refineFunction = "refine_matches"

// tokenTally aggregates spend across the attempts of one Refine call.
type tokenTally struct {
	input     int64
	output    int64
	cached    int64
	model     string
	succeeded bool
}

func (t *tokenTally) add(c Completion, prompt string) {
	if c.Model != "" {
		t.model = c.Model
	}
	if c.InputTokens == 0 && c.OutputTokens == 0 {
		// Transport reported nothing; estimate from character counts.
		t.input += int64(len(prompt) / charsPerToken)
		t.output += int64(len(c.Text) / charsPerToken)
	} else {
		t.input += c.InputTokens
		t.output += c.OutputTokens
		t.cached += c.CachedTokens
	}
}

// logSpend writes the aggregated tally to the meter. Called exactly once
// per Refine call, including when every attempt failed (a zero-token,
// success=false record), so the billing trail covers failures too.
// Metering failures are logged, never surfaced.
func (s *Stage) logSpend(ap matching.AnalyzedProfile, t *tokenTally) {
	if s.meter == nil {
		return
	}
	metrics.RefinementTokens.WithLabelValues("input").Add(float64(t.input))
	metrics.RefinementTokens.WithLabelValues("output").Add(float64(t.output))

	// Detached context: the run's deadline may already be exhausted, but
	// spend still has to be recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cost, err := s.meter.Log(ctx, usage.Record{
		AccountID:    ap.AccountID,
		ProfileID:    ap.ProfileID,
		Function:     refineFunction,
		Model:        t.model,
		InputTokens:  t.input,
		OutputTokens: t.output,
		CachedTokens: t.cached,
		Success:      t.succeeded,
	})
	if err != nil {
		s.log.Error("usage metering failed",
			zap.String("account_id", ap.AccountID),
			zap.Int64("input_tokens", t.input),
			zap.Int64("output_tokens", t.output),
			zap.Error(err))
		return
	}
	s.log.Debug("usage metered",
		zap.String("account_id", ap.AccountID),
		zap.Float64("cost_eur", cost))
}
