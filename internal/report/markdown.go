// Package report renders a recommendation set as a client-facing
// document, in Markdown and PDF.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/subventia/matching-engine/internal/matching"
)

const disclaimer = "Ce rapport est généré automatiquement à partir du catalogue d'aides publiques. Il ne constitue pas un engagement des organismes financeurs; vérifiez l'éligibilité détaillée auprès de chaque dispositif."

// Document bundles everything the rendering surfaces need.
type Document struct {
	Profile     matching.Profile `json:"profile"`
	Result      matching.Result  `json:"result"`
	Subsidies   map[string]matching.Subsidy `json:"subsidies"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// BuildMarkdown renders the recommendation report.
func BuildMarkdown(doc Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Recommandations d'aides publiques\n\n")
	fmt.Fprintf(&b, "- Profil: %s\n", doc.Profile.ID)
	if doc.Profile.Sector != "" {
		fmt.Fprintf(&b, "- Secteur: %s\n", doc.Profile.Sector)
	}
	if doc.Profile.Region != "" {
		fmt.Fprintf(&b, "- Région: %s\n", doc.Profile.Region)
	}
	fmt.Fprintf(&b, "- Date: %s\n\n", doc.GeneratedAt.Format("02/01/2006"))
	fmt.Fprintf(&b, "%s\n\n", disclaimer)

	fmt.Fprintf(&b, "## Synthèse\n\n")
	fmt.Fprintf(&b, "%d dispositif(s) recommandé(s).\n", len(doc.Result.Matches))
	if doc.Result.WasAIRefined {
		fmt.Fprintf(&b, "Les recommandations ont été affinées par analyse approfondie.\n\n")
	} else {
		fmt.Fprintf(&b, "Recommandations issues du classement heuristique (%s).\n\n",
			fallbackLabel(doc.Result.Stats.FallbackReason))
	}

	for i, m := range doc.Result.Matches {
		sub, known := doc.Subsidies[m.SubsidyID]
		title := m.SubsidyID
		if known {
			title = sub.Title
		}
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, title)
		fmt.Fprintf(&b, "- Score de pertinence: **%.0f/100**\n", m.Score)
		fmt.Fprintf(&b, "- Probabilité de succès estimée: %.0f%%\n", m.SuccessProbability)
		if known {
			if sub.Agency != "" {
				fmt.Fprintf(&b, "- Organisme: %s\n", sub.Agency)
			}
			if sub.MaxAmount > 0 {
				fmt.Fprintf(&b, "- Montant: jusqu'à %.0f €\n", sub.MaxAmount)
			}
			if sub.Deadline != nil {
				fmt.Fprintf(&b, "- Date limite: %s\n", sub.Deadline.Format("02/01/2006"))
			}
		}
		b.WriteString("\n")
		if len(m.Reasons) > 0 {
			fmt.Fprintf(&b, "### Pourquoi ce dispositif\n\n")
			for _, r := range m.Reasons {
				fmt.Fprintf(&b, "- %s\n", r)
			}
			b.WriteString("\n")
		}
		if len(m.MissingCriteria) > 0 {
			fmt.Fprintf(&b, "### Points à vérifier\n\n")
			for _, c := range m.MissingCriteria {
				fmt.Fprintf(&b, "- %s\n", c)
			}
			b.WriteString("\n")
		}
	}

	if len(doc.Result.Matches) == 0 {
		fmt.Fprintf(&b, "Aucun dispositif suffisamment pertinent n'a été identifié pour ce profil. Complétez le profil (secteur, région, types de projets) pour élargir la recherche.\n")
	}
	return b.String()
}

func fallbackLabel(reason matching.FallbackReason) string {
	switch reason {
	case matching.FallbackQuotaExceeded:
		return "quota mensuel atteint"
	case matching.FallbackRateLimited, matching.FallbackTimeout, matching.FallbackError, matching.FallbackParseError:
		return "analyse approfondie momentanément indisponible"
	case matching.FallbackDisabled:
		return "analyse approfondie désactivée"
	default:
		return "mode heuristique"
	}
}
