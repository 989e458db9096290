package matching

import (
	"fmt"
	"sort"
	"strings"
)

// strategicAgencyBoosts lists funding bodies with historically higher
// approval throughput. A small static bonus surfaces their programs on
// near-ties. Matched in order, highest boost first, so an agency string
// naming several bodies always gets the same bonus.
var strategicAgencyBoosts = []struct {
	name  string
	boost float64
}{
	{"bpifrance", 5},
	{"ademe", 3},
	{"france 2030", 3},
	{"conseil regional", 2},
	{"conseil régional", 2},
}

// sizeReferenceAmount anchors what "a large award" means for each company
// size category, in euros.
var sizeReferenceAmount = map[SizeCategory]float64{
	SizeTPE: 50_000,
	SizePME: 200_000,
	SizeETI: 1_000_000,
}

const maxAmountBoost = 8

// Finalizer applies the deterministic post-hoc boosts and produces the
// ranked, truncated match list. Boosts are added to the incoming score
// before the single final clamp.
type Finalizer struct{}

func NewFinalizer() *Finalizer { return &Finalizer{} }

// Finalize boosts, clamps, sorts descending, and truncates to limit. Ties
// keep the incoming order, which follows candidate retrieval order.
func (f *Finalizer) Finalize(matches []Match, subsidies map[string]Subsidy, size SizeCategory, refined bool, limit int) []Match {
	out := make([]Match, len(matches))
	copy(out, matches)

	for i := range out {
		sub, ok := subsidies[out[i].SubsidyID]
		if !ok {
			out[i].Score = Clamp(out[i].Score)
			out[i].SuccessProbability = resolveProbability(out[i], refined)
			continue
		}
		score := out[i].Score
		if b := amountBoost(sub.MaxAmount, size); b > 0 {
			score += b
			out[i].Reasons = append(out[i].Reasons, fmt.Sprintf("Montant d'aide élevé (jusqu'à %.0f €)", sub.MaxAmount))
		}
		if b := agencyBoost(sub.Agency); b > 0 {
			score += b
			out[i].Reasons = append(out[i].Reasons, fmt.Sprintf("Organisme à fort taux d'accompagnement (%s)", sub.Agency))
		}
		out[i].Score = Clamp(score)
		out[i].SuccessProbability = resolveProbability(out[i], refined)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MatchesFromPreScores synthesizes heuristic-only matches directly from
// pre-score results, used whenever the refinement stage is skipped or
// fails. Every match carries the explicit refinement-unavailable marker.
func MatchesFromPreScores(results []PreScoreResult) []Match {
	out := make([]Match, 0, len(results))
	for _, r := range results {
		out = append(out, Match{
			SubsidyID:        r.Subsidy.ID,
			Score:            Clamp(r.PreScore),
			Reasons:          append([]string(nil), r.Reasons...),
			MatchingCriteria: append([]string(nil), r.Reasons...),
			MissingCriteria:  []string{MissingRefinementMarker},
		})
	}
	return out
}

func amountBoost(maxAmount float64, size SizeCategory) float64 {
	ref, ok := sizeReferenceAmount[size]
	if !ok || ref <= 0 || maxAmount <= 0 {
		return 0
	}
	ratio := maxAmount / ref
	switch {
	case ratio >= 10:
		return maxAmountBoost
	case ratio >= 3:
		return 5
	case ratio >= 1:
		return 2
	}
	return 0
}

func agencyBoost(agency string) float64 {
	a := strings.ToLower(strings.TrimSpace(agency))
	if a == "" {
		return 0
	}
	for _, entry := range strategicAgencyBoosts {
		if strings.Contains(a, entry.name) {
			return entry.boost
		}
	}
	return 0
}

// resolveProbability keeps an upstream probability estimate when one is
// present, derives it from score bands otherwise, and in both cases caps
// heuristic-only matches.
func resolveProbability(m Match, refined bool) float64 {
	p := m.SuccessProbability
	if p <= 0 {
		p = successProbability(m.Score, refined)
	}
	if !refined && p > FallbackMaxSuccessProbability {
		p = FallbackMaxSuccessProbability
	}
	if p > 100 {
		p = 100
	}
	return p
}

// successProbability derives the coarser probability estimate from score
// bands. Heuristic-only matches are deliberately capped below what a
// refined result can achieve.
func successProbability(score float64, refined bool) float64 {
	var p float64
	switch {
	case score >= 80:
		p = 75
	case score >= 60:
		p = 60
	case score >= 40:
		p = 45
	case score >= 20:
		p = 30
	default:
		p = 15
	}
	if !refined && p > FallbackMaxSuccessProbability {
		p = FallbackMaxSuccessProbability
	}
	return p
}
