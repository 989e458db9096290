package usage

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestMeter(t *testing.T) *Meter {
	t.Helper()
	m, err := NewMeter(filepath.Join(t.TempDir(), "usage.db"), DefaultPricing(), DefaultPlanCeilings())
	if err != nil {
		t.Fatalf("open meter: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPricingCostEUR(t *testing.T) {
	p := Pricing{InputPerMillionUSD: 3, OutputPerMillionUSD: 15, CachedPerMillionUSD: 0.3, USDToEUR: 0.92}
	// 1M input + 1M output + 1M cached = 18.30 USD = 16.836 EUR.
	got := p.CostEUR(1_000_000, 1_000_000, 1_000_000)
	if math.Abs(got-16.836) > 1e-9 {
		t.Errorf("CostEUR: got %v, want 16.836", got)
	}
	if p.CostEUR(-10, -10, -10) != 0 {
		t.Error("negative token counts must price at zero")
	}
}

func TestCeilingResolution(t *testing.T) {
	c := DefaultPlanCeilings()
	cases := []struct {
		plan        string
		wantPlan    string
		wantCeiling float64
	}{
		{"decouverte", "decouverte", 1.00},
		{"Essentiel", "essentiel", 5.00},
		{"premium", "premium", 15.00},
		{"", "decouverte", 1.00},
		{"enterprise", "decouverte", 1.00},
	}
	for _, tc := range cases {
		plan, ceiling := c.Ceiling(tc.plan)
		if plan != tc.wantPlan || ceiling != tc.wantCeiling {
			t.Errorf("Ceiling(%q): got (%s, %v), want (%s, %v)", tc.plan, plan, ceiling, tc.wantPlan, tc.wantCeiling)
		}
	}
}

func TestLogAccumulatesAtomically(t *testing.T) {
	m := newTestMeter(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Log(ctx, Record{AccountID: "acc1", InputTokens: 100_000, OutputTokens: 50_000}); err != nil {
				t.Errorf("Log: %v", err)
			}
		}()
	}
	wg.Wait()

	perCall := DefaultPricing().CostEUR(100_000, 50_000, 0)
	total, err := m.PeriodTotal(ctx, "acc1")
	if err != nil {
		t.Fatalf("PeriodTotal: %v", err)
	}
	if math.Abs(total-perCall*n) > 1e-6 {
		t.Errorf("accumulated total: got %v, want %v", total, perCall*n)
	}
}

func TestLogRecordsAttemptOutcome(t *testing.T) {
	m := newTestMeter(t)
	ctx := context.Background()

	if _, err := m.Log(ctx, Record{AccountID: "acc1", Function: "refine_matches", Success: true, InputTokens: 900, OutputTokens: 120}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	// Failed attempts are recorded too, typically at zero tokens.
	if _, err := m.Log(ctx, Record{AccountID: "acc1", Function: "refine_matches", Success: false}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	var rows []struct {
		Function string  `db:"function"`
		Success  bool    `db:"success"`
		CostEUR  float64 `db:"cost_eur"`
	}
	if err := m.db.SelectContext(ctx,
		&rows, `SELECT function, success, cost_eur FROM usage_records ORDER BY record_id`); err != nil {
		t.Fatalf("read records: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("records: got %d, want 2", len(rows))
	}
	if rows[0].Function != "refine_matches" || !rows[0].Success || rows[0].CostEUR <= 0 {
		t.Errorf("success record: %+v", rows[0])
	}
	if rows[1].Success || rows[1].CostEUR != 0 {
		t.Errorf("failure record: %+v", rows[1])
	}
}

func TestCheckBlocksAtCeiling(t *testing.T) {
	m := newTestMeter(t)
	ctx := context.Background()

	d, err := m.Check(ctx, "acc1", "decouverte")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.Ceiling != 1.00 {
		t.Fatalf("fresh account must be allowed under a 1.00 ceiling: %+v", d)
	}

	// Push the account exactly to its ceiling. At cost == ceiling the
	// account is blocked; only strictly-below passes.
	needTokens := int64(1.00 / (DefaultPricing().OutputPerMillionUSD * DefaultPricing().USDToEUR) * 1_000_000)
	if _, err := m.Log(ctx, Record{AccountID: "acc1", OutputTokens: needTokens}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if _, err := m.Log(ctx, Record{AccountID: "acc1", OutputTokens: 1_000}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	d, err = m.Check(ctx, "acc1", "decouverte")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Errorf("account at ceiling must be blocked: %+v", d)
	}

	// A bigger plan for the same spend still admits.
	d, err = m.Check(ctx, "acc1", "premium")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Errorf("premium ceiling must still admit: %+v", d)
	}
}

func TestCheckIsolatesAccountsAndPeriods(t *testing.T) {
	m := newTestMeter(t)
	ctx := context.Background()

	if _, err := m.Log(ctx, Record{AccountID: "acc1", OutputTokens: 10_000_000}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	d, err := m.Check(ctx, "acc2", "decouverte")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.Cost != 0 {
		t.Errorf("acc2 must be unaffected by acc1 spend: %+v", d)
	}

	// Advance the clock into the next month: the period rolls over and the
	// blocked account is admitted again.
	m.clock = func() time.Time { return time.Now().AddDate(0, 1, 0) }
	d, err = m.Check(ctx, "acc1", "decouverte")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.Cost != 0 {
		t.Errorf("new period must reset the meter: %+v", d)
	}
}
