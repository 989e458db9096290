package refine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/subventia/matching-engine/internal/matching"
	"github.com/subventia/matching-engine/internal/usage"
)

type scriptedCaller struct {
	mu      sync.Mutex
	replies []func() (Completion, error)
	calls   int
}

func (c *scriptedCaller) Generate(ctx context.Context, prompt string) (Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls >= len(c.replies) {
		return Completion{}, errors.New("no scripted reply left")
	}
	reply := c.replies[c.calls]
	c.calls++
	return reply()
}

type recordingMeter struct {
	mu      sync.Mutex
	records []usage.Record
	err     error
}

func (m *recordingMeter) Log(_ context.Context, rec usage.Record) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return 0.01, m.err
}

func ok(text string, in, out int64) func() (Completion, error) {
	return func() (Completion, error) {
		return Completion{Text: text, Model: "claude-sonnet-4", InputTokens: in, OutputTokens: out}, nil
	}
}

func fail(err error) func() (Completion, error) {
	return func() (Completion, error) { return Completion{}, err }
}

const goodReply = `{"matches":[{"index":0,"score":72,"success_probability":65,"reasons":["Alignement sectoriel fort"]}]}`

func refineCandidates() []matching.PreScoreResult {
	return []matching.PreScoreResult{
		{Subsidy: matching.Subsidy{ID: "sub-a"}, PreScore: 60},
	}
}

func refineProfile() matching.AnalyzedProfile {
	return matching.AnalyzedProfile{ProfileID: "p1", AccountID: "acc1", SizeCategory: matching.SizePME}
}

func TestRefineHappyPath(t *testing.T) {
	caller := &scriptedCaller{replies: []func() (Completion, error){ok(goodReply, 900, 120)}}
	meter := &recordingMeter{}
	stage := NewStage(caller, meter, nil, Config{})

	outcome := stage.Refine(context.Background(), refineProfile(), refineCandidates(), 5)
	if !outcome.Refined {
		t.Fatalf("expected refined outcome, got %+v", outcome)
	}
	if len(outcome.Matches) != 1 || outcome.Matches[0].Score != 72 {
		t.Errorf("matches: %+v", outcome.Matches)
	}
	if len(meter.records) != 1 {
		t.Fatalf("meter calls: got %d, want exactly 1", len(meter.records))
	}
	rec := meter.records[0]
	if rec.AccountID != "acc1" || rec.InputTokens != 900 || rec.OutputTokens != 120 {
		t.Errorf("usage record: %+v", rec)
	}
	if rec.Function != "refine_matches" || !rec.Success {
		t.Errorf("usage record attribution: %+v", rec)
	}
}

func TestRefineRetriesRateLimitThenSucceeds(t *testing.T) {
	caller := &scriptedCaller{replies: []func() (Completion, error){
		fail(errors.New("request failed: 429 too many requests")),
		ok(goodReply, 900, 120),
	}}
	meter := &recordingMeter{}
	stage := NewStage(caller, meter, nil, Config{})

	outcome := stage.Refine(context.Background(), refineProfile(), refineCandidates(), 5)
	if !outcome.Refined {
		t.Fatalf("expected refined outcome after retry, got %+v", outcome)
	}
	if caller.calls != 2 {
		t.Errorf("attempts: got %d, want 2", caller.calls)
	}
	if len(meter.records) != 1 {
		t.Errorf("meter calls: got %d, want exactly 1", len(meter.records))
	}
}

func TestRefineTimeoutDoesNotRetry(t *testing.T) {
	caller := &scriptedCaller{replies: []func() (Completion, error){
		fail(context.DeadlineExceeded),
		ok(goodReply, 900, 120),
	}}
	stage := NewStage(caller, &recordingMeter{}, nil, Config{})

	outcome := stage.Refine(context.Background(), refineProfile(), refineCandidates(), 5)
	if outcome.Refined || outcome.Reason != matching.FallbackTimeout {
		t.Fatalf("expected timeout fallback, got %+v", outcome)
	}
	if caller.calls != 1 {
		t.Errorf("timeout must not retry, got %d attempts", caller.calls)
	}
}

func TestRefineExhaustedRateLimitReportsReason(t *testing.T) {
	rateLimited := fail(errors.New("429 too many requests"))
	caller := &scriptedCaller{replies: []func() (Completion, error){rateLimited, rateLimited, rateLimited}}
	meter := &recordingMeter{}
	stage := NewStage(caller, meter, nil, Config{})

	outcome := stage.Refine(context.Background(), refineProfile(), refineCandidates(), 5)
	if outcome.Refined || outcome.Reason != matching.FallbackRateLimited {
		t.Fatalf("expected rate_limited fallback, got %+v", outcome)
	}
	if caller.calls != 3 {
		t.Errorf("attempts: got %d, want 3", caller.calls)
	}
	// Failed refinements still leave a billing record: zero tokens,
	// success=false.
	if len(meter.records) != 1 {
		t.Fatalf("meter calls: got %d, want exactly 1", len(meter.records))
	}
	rec := meter.records[0]
	if rec.Success || rec.InputTokens != 0 || rec.OutputTokens != 0 {
		t.Errorf("failure record: %+v", rec)
	}
	if rec.Function != "refine_matches" || rec.AccountID != "acc1" || rec.ProfileID != "p1" {
		t.Errorf("failure record attribution: %+v", rec)
	}
}

func TestRefineParseFailureFallsBackAndEstimatesTokens(t *testing.T) {
	garbage := ok("je ne peux pas générer de JSON pour cette demande", 0, 0)
	caller := &scriptedCaller{replies: []func() (Completion, error){garbage, garbage, garbage}}
	meter := &recordingMeter{}
	stage := NewStage(caller, meter, nil, Config{})

	outcome := stage.Refine(context.Background(), refineProfile(), refineCandidates(), 5)
	if outcome.Refined || outcome.Reason != matching.FallbackParseError {
		t.Fatalf("expected parse_error fallback, got %+v", outcome)
	}
	if caller.calls != 3 {
		t.Errorf("attempts: got %d, want 3", caller.calls)
	}
	if len(meter.records) != 1 {
		t.Fatalf("meter calls: got %d, want exactly 1", len(meter.records))
	}
	// No usage was reported, so tokens are estimated from character
	// counts across all three attempts.
	if meter.records[0].InputTokens == 0 || meter.records[0].OutputTokens == 0 {
		t.Errorf("expected estimated tokens, got %+v", meter.records[0])
	}
	if meter.records[0].Success {
		t.Errorf("parse failure must not be billed as a success: %+v", meter.records[0])
	}
}

func TestRefineBudgetCancelsBackoff(t *testing.T) {
	rateLimited := fail(errors.New("429 too many requests"))
	caller := &scriptedCaller{replies: []func() (Completion, error){rateLimited, rateLimited, rateLimited}}
	stage := NewStage(caller, nil, nil, Config{Timeout: 50 * time.Millisecond})

	start := time.Now()
	outcome := stage.Refine(context.Background(), refineProfile(), refineCandidates(), 5)
	if outcome.Refined || outcome.Reason != matching.FallbackTimeout {
		t.Fatalf("expected timeout when backoff overruns the budget, got %+v", outcome)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("backoff overran the stage budget: %v", elapsed)
	}
}

func TestRefineMeteringFailureDoesNotSurface(t *testing.T) {
	caller := &scriptedCaller{replies: []func() (Completion, error){ok(goodReply, 900, 120)}}
	meter := &recordingMeter{err: errors.New("database is locked")}
	stage := NewStage(caller, meter, nil, Config{})

	outcome := stage.Refine(context.Background(), refineProfile(), refineCandidates(), 5)
	if !outcome.Refined {
		t.Fatalf("metering failure must not affect the outcome: %+v", outcome)
	}
}
