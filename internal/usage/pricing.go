// Package usage meters reasoning-service spend per account and enforces
// the monthly plan ceilings.
package usage

import "strings"

// Pricing converts token counts into euro cost. Rates are per million
// tokens in USD; the FX rate folds the conversion into the stored cost so
// ceilings compare in one currency. Injected from configuration, never
// hard-coded at call sites.
type Pricing struct {
	InputPerMillionUSD  float64 `mapstructure:"input_per_million_usd"`
	OutputPerMillionUSD float64 `mapstructure:"output_per_million_usd"`
	CachedPerMillionUSD float64 `mapstructure:"cached_per_million_usd"`
	USDToEUR            float64 `mapstructure:"usd_to_eur"`
}

func DefaultPricing() Pricing {
	return Pricing{
		InputPerMillionUSD:  3.00,
		OutputPerMillionUSD: 15.00,
		CachedPerMillionUSD: 0.30,
		USDToEUR:            0.92,
	}
}

// CostEUR prices one call. Negative token counts are treated as zero.
func (p Pricing) CostEUR(inputTokens, outputTokens, cachedTokens int64) float64 {
	usd := perMillion(inputTokens)*p.InputPerMillionUSD +
		perMillion(outputTokens)*p.OutputPerMillionUSD +
		perMillion(cachedTokens)*p.CachedPerMillionUSD
	return usd * p.USDToEUR
}

func perMillion(tokens int64) float64 {
	if tokens < 0 {
		return 0
	}
	return float64(tokens) / 1_000_000
}

// PlanCeilings maps a plan name onto its monthly spend ceiling in euros.
type PlanCeilings map[string]float64

func DefaultPlanCeilings() PlanCeilings {
	return PlanCeilings{
		"decouverte": 1.00,
		"essentiel":  5.00,
		"premium":    15.00,
	}
}

// Ceiling resolves a plan name, defaulting unknown or empty plans to the
// most restrictive tier.
func (c PlanCeilings) Ceiling(plan string) (string, float64) {
	plan = strings.ToLower(strings.TrimSpace(plan))
	if ceiling, ok := c[plan]; ok {
		return plan, ceiling
	}
	return "decouverte", c["decouverte"]
}
