package refine

import (
	"fmt"
	"strings"

	"github.com/subventia/matching-engine/internal/matching"
)

const maxTitleRunes = 90

// buildPrompt renders the compact candidate projection. Full catalog
// records are never sent: index, truncated title, sector, first region,
// amount bucket, heuristic pre-score and its top reasons are enough for
// the model to rank, at a fraction of the token cost.
func buildPrompt(ap matching.AnalyzedProfile, candidates []matching.PreScoreResult, limit int) string {
	var sb strings.Builder

	sb.WriteString("PROFIL ENTREPRISE\n")
	fmt.Fprintf(&sb, "- Secteur: %s\n", orUnknown(ap.SectorLabel))
	fmt.Fprintf(&sb, "- Région: %s\n", orUnknown(ap.Region))
	fmt.Fprintf(&sb, "- Taille: %s\n", ap.SizeCategory)
	if len(ap.ProjectTypes) > 0 {
		fmt.Fprintf(&sb, "- Projets: %s\n", strings.Join(ap.ProjectTypes, ", "))
	}
	if len(ap.ActivityTerms) > 0 {
		fmt.Fprintf(&sb, "- Activité: %s\n", strings.Join(ap.ActivityTerms, " "))
	}

	sb.WriteString("\nDISPOSITIFS CANDIDATS (pré-classés par score heuristique)\n")
	for i, c := range candidates {
		fmt.Fprintf(&sb, "%d. %s | secteur: %s | région: %s | montant: %s | pré-score: %.0f",
			i, truncateTitle(c.Subsidy.Title), orUnknown(c.Subsidy.Sector),
			firstRegion(c.Subsidy), amountBucket(c.Subsidy.MaxAmount), c.PreScore)
		if reasons := topReasons(c.Reasons, 2); reasons != "" {
			fmt.Fprintf(&sb, " | %s", reasons)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, `
CONSIGNES
Évalue chaque dispositif pour ce profil et retourne les %d plus pertinents.
Ton score doit rester dans une fourchette de 25 points autour du pré-score.
Réponds uniquement avec ce JSON:
{"matches":[{"index":0,"score":85,"success_probability":70,"reasons":["..."],"matching_criteria":["..."],"missing_criteria":["..."]}]}
`, limit)
	return sb.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "non renseigné"
	}
	return s
}

func truncateTitle(title string) string {
	r := []rune(strings.TrimSpace(title))
	if len(r) <= maxTitleRunes {
		return string(r)
	}
	return string(r[:maxTitleRunes-1]) + "…"
}

func firstRegion(sub matching.Subsidy) string {
	if len(sub.Regions) == 0 {
		return matching.RegionNational
	}
	return sub.Regions[0]
}

func amountBucket(max float64) string {
	switch {
	case max <= 0:
		return "non précisé"
	case max < 10_000:
		return "< 10 k€"
	case max < 50_000:
		return "10-50 k€"
	case max < 200_000:
		return "50-200 k€"
	case max < 1_000_000:
		return "200 k€ - 1 M€"
	default:
		return "> 1 M€"
	}
}

func topReasons(reasons []string, n int) string {
	if len(reasons) > n {
		reasons = reasons[:n]
	}
	return strings.Join(reasons, "; ")
}
