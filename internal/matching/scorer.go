package matching

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Point schedule of the deterministic scorer. The raw sum can reach ~110;
// the clamp happens after summation so boosts and overlapping signals keep
// their magnitude until the very end.
const (
	regionExactPoints      = 30
	regionNationalPoints   = 15
	regionNationalOverlap  = 5
	sectorExactPoints      = 30
	sectorTagKeywordPoints = 25
	sectorKeywordPoints    = 15
	activityStrongPoints   = 25
	activityWeakPoints     = 15
	projectTypePoints      = 10
	projectTypeCap         = 20
	webIntelPoints         = 5
	exclusionPenalty       = 15
	exclusionPenaltyCap    = 30
)

// projectTypeKeywords maps a declared project-type tag onto the catalog
// wording that signals the candidate funds that kind of project.
var projectTypeKeywords = map[string][]string{
	"innovation":            {"innovation", "innovant", "r&d", "recherche", "prototype", "brevet"},
	"export":                {"export", "international", "marches etrangers"},
	"embauche":              {"embauche", "recrutement", "emploi", "apprentissage", "alternance"},
	"transition ecologique": {"ecologique", "environnement", "decarbonation", "climat", "energie"},
	"numerique":             {"numerique", "digital", "digitalisation", "logiciel", "cybersecurite"},
	"investissement":        {"investissement", "equipement", "materiel", "modernisation"},
	"formation":             {"formation", "competences", "qualification"},
	"international":         {"export", "international", "implantation"},
}

var webIntelKeywords = map[string][]string{
	"innovation":     {"innovation", "innovant", "r&d", "recherche", "deeptech"},
	"sustainability": {"environnement", "ecologique", "durable", "transition", "decarbonation"},
	"export":         {"export", "international", "etranger"},
}

// ScorerConfig carries the thresholds of the pre-filter and the fallback
// filter. Injected so tests can run with synthetic values.
type ScorerConfig struct {
	MinPreScore      float64
	MaxCandidates    int
	StrictThreshold  float64
	RelaxedThreshold float64
}

func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		MinPreScore:      MinPreScore,
		MaxCandidates:    MaxRefineCandidates,
		StrictThreshold:  FallbackStrictThreshold,
		RelaxedThreshold: FallbackRelaxedThreshold,
	}
}

// Scorer is the deterministic, rule-based relevance model. It is used both
// as the pre-filter ahead of refinement and as the sole scorer in fallback
// mode. Same inputs always produce the same output.
type Scorer struct {
	cfg ScorerConfig
	now func() time.Time
}

func NewScorer(cfg ScorerConfig, now func() time.Time) *Scorer {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = MaxRefineCandidates
	}
	if now == nil {
		now = time.Now
	}
	return &Scorer{cfg: cfg, now: now}
}

// Score computes the pre-score for one candidate. The returned PreScore is
// clamped to [0,100]; Reasons explain every component that contributed.
func (s *Scorer) Score(ap AnalyzedProfile, sub Subsidy) PreScoreResult {
	raw := 0.0
	var reasons []string
	haystack := candidateText(sub)

	// Region.
	exactRegion := sub.CoversRegion(ap.Region)
	if exactRegion {
		raw += regionExactPoints
		reasons = append(reasons, fmt.Sprintf("Programme disponible dans votre région (%s)", ap.Region))
	}
	if sub.National() {
		if exactRegion {
			raw += regionNationalOverlap
		} else {
			raw += regionNationalPoints
			reasons = append(reasons, "Programme ouvert au niveau national")
		}
	}

	// Sector, tiered: only the highest qualifying tier applies.
	sectorPts, sectorReason := s.sectorTier(ap, sub, haystack)
	raw += sectorPts
	if sectorReason != "" {
		reasons = append(reasons, sectorReason)
	}

	// Activity-label match, mutually exclusive with the sector tier.
	if sectorPts == 0 {
		actPts, actReason := activityTier(ap, sub, haystack)
		raw += actPts
		if actReason != "" {
			reasons = append(reasons, actReason)
		}
	}

	// Declared project types.
	projPts, projReasons := projectTypeScore(ap.ProjectTypes, haystack)
	raw += projPts
	reasons = append(reasons, projReasons...)

	// Web-intelligence alignment.
	webPts, webReasons := webIntelScore(ap.WebIntel, haystack)
	raw += webPts
	reasons = append(reasons, webReasons...)

	// Timing.
	timingPts, timingReason := s.timingScore(sub.Deadline)
	raw += timingPts
	if timingReason != "" {
		reasons = append(reasons, timingReason)
	}

	// Exclusion keywords down-rank even when other signals match.
	penalty := 0.0
	for _, excl := range ap.Exclusions {
		if strings.Contains(haystack, excl) {
			penalty += exclusionPenalty
			reasons = append(reasons, fmt.Sprintf("Réserve: le programme cible \"%s\"", excl))
		}
	}
	if penalty > exclusionPenaltyCap {
		penalty = exclusionPenaltyCap
	}
	raw -= penalty

	score := Clamp(raw)
	if score == 0 {
		reasons = nil
	}
	return PreScoreResult{Subsidy: sub, PreScore: score, Reasons: reasons}
}

func (s *Scorer) sectorTier(ap AnalyzedProfile, sub Subsidy, haystack string) (float64, string) {
	if !ap.HasSector {
		return 0, ""
	}
	sectorField := strings.ToLower(strings.TrimSpace(sub.Sector))
	if sectorField != "" && (strings.Contains(sectorField, ap.Sector) || strings.Contains(ap.Sector, sectorField)) {
		return sectorExactPoints, fmt.Sprintf("Secteur %s explicitement ciblé", ap.Sector)
	}

	kwHits := 0
	for _, term := range ap.SearchTerms {
		if strings.Contains(haystack, term) {
			kwHits++
		}
	}
	tagMatch := false
	for _, cat := range sub.Categories {
		cat = strings.ToLower(cat)
		if cat == ap.Sector || strings.Contains(cat, ap.Sector) {
			tagMatch = true
			break
		}
	}
	switch {
	case tagMatch && kwHits > 0:
		return sectorTagKeywordPoints, "Catégorie et mots-clés alignés avec votre secteur"
	case kwHits > 0:
		return sectorKeywordPoints, "Mots-clés du secteur présents dans le programme"
	}
	return 0, ""
}

func activityTier(ap AnalyzedProfile, sub Subsidy, haystack string) (float64, string) {
	hits := 0
	for _, term := range ap.ActivityTerms {
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	switch {
	case hits >= 2:
		return activityStrongPoints, "Votre activité correspond précisément au programme"
	case hits == 1 && len(strings.TrimSpace(sub.Sector)) >= 3:
		return activityWeakPoints, "Votre activité recoupe partiellement le programme"
	}
	return 0, ""
}

func projectTypeScore(projectTypes []string, haystack string) (float64, []string) {
	pts := 0.0
	var reasons []string
	for _, tag := range projectTypes {
		kws, ok := projectTypeKeywords[tag]
		if !ok {
			continue
		}
		for _, kw := range kws {
			if strings.Contains(haystack, kw) {
				pts += projectTypePoints
				reasons = append(reasons, fmt.Sprintf("Finance les projets de type \"%s\"", tag))
				break
			}
		}
		if pts >= projectTypeCap {
			pts = projectTypeCap
			break
		}
	}
	return pts, reasons
}

func webIntelScore(wi *WebIntelligence, haystack string) (float64, []string) {
	if wi == nil {
		return 0, nil
	}
	pts := 0.0
	var reasons []string
	dims := []struct {
		name  string
		value float64
		label string
	}{
		{"innovation", wi.Innovation, "Profil innovant détecté, programme orienté innovation"},
		{"sustainability", wi.Sustainability, "Engagement durable détecté, programme orienté transition"},
		{"export", wi.Export, "Activité export détectée, programme orienté international"},
	}
	for _, d := range dims {
		if d.value <= 0.5 {
			continue
		}
		for _, kw := range webIntelKeywords[d.name] {
			if strings.Contains(haystack, kw) {
				pts += webIntelPoints
				reasons = append(reasons, d.label)
				break
			}
		}
	}
	return pts, reasons
}

func (s *Scorer) timingScore(deadline *time.Time) (float64, string) {
	if deadline == nil {
		return 8, "Programme ouvert sans date limite"
	}
	days := int(deadline.Sub(s.now()).Hours() / 24)
	switch {
	case days < 15:
		// Too urgent to be a quality recommendation.
		return 0, ""
	case days <= 30:
		return 7, fmt.Sprintf("Date limite proche (%d jours)", days)
	case days <= 180:
		return 10, fmt.Sprintf("Fenêtre de dépôt favorable (%d jours)", days)
	default:
		return 5, "Date limite lointaine"
	}
}

// PreFilter scores every candidate, discards scores below the configured
// minimum, sorts descending, and truncates to the candidate cap. Ties keep
// retrieval order.
func (s *Scorer) PreFilter(ap AnalyzedProfile, candidates []Subsidy) []PreScoreResult {
	results := make([]PreScoreResult, 0, len(candidates))
	for _, sub := range candidates {
		res := s.Score(ap, sub)
		if res.PreScore < s.cfg.MinPreScore {
			continue
		}
		results = append(results, res)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].PreScore > results[j].PreScore
	})
	if len(results) > s.cfg.MaxCandidates {
		results = results[:s.cfg.MaxCandidates]
	}
	return results
}

// FallbackFilter applies the standalone meaningfulness threshold used when
// refinement is unavailable, relaxing once so the caller is never left
// with zero results when some plausible relevance exists.
func (s *Scorer) FallbackFilter(results []PreScoreResult) []PreScoreResult {
	strict := filterByScore(results, s.cfg.StrictThreshold)
	if len(strict) > 0 {
		return strict
	}
	return filterByScore(results, s.cfg.RelaxedThreshold)
}

func filterByScore(results []PreScoreResult, min float64) []PreScoreResult {
	out := make([]PreScoreResult, 0, len(results))
	for _, r := range results {
		if r.PreScore >= min {
			out = append(out, r)
		}
	}
	return out
}

func candidateText(sub Subsidy) string {
	parts := []string{sub.Title, sub.Description, sub.EligibilityText}
	parts = append(parts, sub.Keywords...)
	parts = append(parts, sub.Categories...)
	return strings.ToLower(strings.Join(parts, " "))
}
