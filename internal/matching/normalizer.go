package matching

import (
	"strings"
	"time"
)

// sectorSynonyms expands a normalized sector into the catalog vocabulary
// actually used in program titles and descriptions. Static by design: the
// table changes with catalog curation, not at runtime.
var sectorSynonyms = map[string][]string{
	"agriculture": {"agricole", "exploitation agricole", "agroalimentaire", "elevage", "viticulture"},
	"industrie":   {"industriel", "manufacture", "production", "usine", "industrie 4.0"},
	"commerce":    {"commercial", "point de vente", "boutique", "distribution", "e-commerce"},
	"services":    {"prestation", "conseil", "services aux entreprises", "b2b"},
	"numerique":   {"digital", "logiciel", "informatique", "tech", "saas", "intelligence artificielle"},
	"btp":         {"batiment", "construction", "travaux publics", "renovation", "chantier"},
	"tourisme":    {"hotellerie", "restauration", "hebergement", "loisirs"},
	"transport":   {"logistique", "fret", "mobilite", "livraison"},
	"energie":     {"energies renouvelables", "photovoltaique", "efficacite energetique", "hydrogene"},
	"sante":       {"medical", "biotech", "dispositif medical", "e-sante"},
	"artisanat":   {"artisan", "metiers d'art", "savoir-faire"},
}

// sectorAliases maps raw sector labels (and common catalog spellings) onto
// the canonical keys of sectorSynonyms.
var sectorAliases = map[string]string{
	"agricole":     "agriculture",
	"agro":         "agriculture",
	"industry":     "industrie",
	"digital":      "numerique",
	"tech":         "numerique",
	"informatique": "numerique",
	"construction": "btp",
	"batiment":     "btp",
	"hotellerie":   "tourisme",
	"restauration": "tourisme",
	"logistique":   "transport",
	"medical":      "sante",
}

// youngCompanyAgeYears is the cutoff past which "jeune entreprise" style
// programs no longer apply.
const youngCompanyAgeYears = 8

// Normalize turns a raw company profile into the analyzed signal set the
// rest of the pipeline consumes. Pure function: no I/O, no failure mode.
// A profile with every field absent resolves to maximally permissive
// defaults (no exclusions, national-only region assumption, pme size).
func Normalize(p Profile) AnalyzedProfile {
	ap := AnalyzedProfile{
		ProfileID:    p.ID,
		AccountID:    p.AccountID,
		Plan:         p.Plan,
		Region:       strings.TrimSpace(p.Region),
		SizeCategory: resolveSize(p),
		ProjectTypes: normalizeTerms(p.ProjectTypes),
		WebIntel:     p.WebIntel,
	}

	sector := normalizeSector(p.Sector)
	ap.Sector = sector
	ap.HasSector = sector != ""
	ap.SectorLabel = strings.TrimSpace(p.Sector)

	seen := map[string]struct{}{}
	add := func(term string) {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			return
		}
		if _, ok := seen[term]; ok {
			return
		}
		seen[term] = struct{}{}
		ap.SearchTerms = append(ap.SearchTerms, term)
	}

	// Ranked: sector first, then sub-sector, then synonym expansion, then
	// activity label terms and declared project types.
	add(sector)
	add(p.SubSector)
	for _, syn := range sectorSynonyms[sector] {
		add(syn)
	}
	ap.ActivityTerms = activityTerms(p.ActivityLabel)
	for _, t := range ap.ActivityTerms {
		add(t)
	}
	for _, t := range ap.ProjectTypes {
		add(t)
	}

	ap.Exclusions = deriveExclusions(p, ap.SizeCategory)
	return ap
}

func normalizeSector(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if canonical, ok := sectorAliases[s]; ok {
		return canonical
	}
	if _, ok := sectorSynonyms[s]; ok {
		return s
	}
	// Unknown sectors are kept as-is: the sector query is a substring
	// match, so an uncurated label still retrieves something.
	return s
}

func resolveSize(p Profile) SizeCategory {
	switch p.SizeCategory {
	case SizeTPE, SizePME, SizeETI:
		return p.SizeCategory
	}
	switch strings.TrimSpace(p.EmployeeBucket) {
	case "0-9", "1-9":
		return SizeTPE
	case "10-49", "50-249", "10-249":
		return SizePME
	case "250+", "250-4999":
		return SizeETI
	}
	switch {
	case p.AnnualTurnover > 0 && p.AnnualTurnover < 2_000_000:
		return SizeTPE
	case p.AnnualTurnover >= 50_000_000:
		return SizeETI
	}
	return SizePME
}

// activityTerms keeps the discriminating words of a NAF-style activity
// label. Terms under 4 characters are articles and abbreviations that
// match everything.
func activityTerms(label string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, tok := range strings.Fields(strings.ToLower(label)) {
		tok = strings.Trim(tok, ",.;:()'")
		if len([]rune(tok)) < 4 {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// deriveExclusions turns explicit negative signals into keywords that
// down-rank a candidate even when its other signals match.
func deriveExclusions(p Profile, size SizeCategory) []string {
	var out []string
	if size == SizeETI {
		// Large companies do not qualify for micro-enterprise programs.
		out = append(out, "startup", "micro-entreprise", "tpe uniquement")
	}
	if p.YearFounded > 0 && time.Now().Year()-p.YearFounded > youngCompanyAgeYears {
		out = append(out, "jeune entreprise", "creation d'entreprise")
	}
	return out
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
