package refine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/subventia/matching-engine/internal/matching"
)

// maxScoreDrift bounds how far the model may move a score away from the
// deterministic pre-score. Keeps a hallucinated judgment from overriding
// the rule-based signal entirely.
const maxScoreDrift = 25

var errUnparseable = errors.New("no usable match payload in response")

// responseShape tags which of the accepted answer layouts was detected.
type responseShape int

const (
	shapeUnparseable responseShape = iota
	// shapeVerbose is the requested layout: an object with a "matches"
	// array of per-candidate objects.
	shapeVerbose
	// shapeCompact is a bare top-level array of per-candidate objects,
	// which several models emit despite the instructions.
	shapeCompact
)

func detectShape(doc gjson.Result) responseShape {
	if doc.IsObject() && doc.Get("matches").IsArray() {
		return shapeVerbose
	}
	if doc.IsArray() {
		return shapeCompact
	}
	return shapeUnparseable
}

// parseResponse extracts matches from a free-form model answer. Lenient
// on purpose: the JSON fragment may be wrapped in prose or code fences,
// candidates may be referenced by index or by id, and missing fields
// default to the pre-score signal. Items that reference no known
// candidate are dropped; an answer with zero resolvable items is an
// error.
func parseResponse(raw string, pre []matching.PreScoreResult) ([]matching.Match, error) {
	fragment := extractJSONFragment(stripCodeFences(raw))
	if fragment == "" || !gjson.Valid(fragment) {
		return nil, errUnparseable
	}
	doc := gjson.Parse(fragment)

	var items []gjson.Result
	switch detectShape(doc) {
	case shapeVerbose:
		items = doc.Get("matches").Array()
	case shapeCompact:
		items = doc.Array()
	default:
		return nil, errUnparseable
	}

	byID := make(map[string]int, len(pre))
	for i, p := range pre {
		byID[p.Subsidy.ID] = i
	}

	var matches []matching.Match
	seen := map[int]struct{}{}
	for _, item := range items {
		idx, ok := resolveCandidate(item, byID, len(pre))
		if !ok {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		matches = append(matches, itemToMatch(item, pre[idx]))
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %d items, none resolvable", errUnparseable, len(items))
	}
	return matches, nil
}

func resolveCandidate(item gjson.Result, byID map[string]int, n int) (int, bool) {
	if id := item.Get("subsidy_id"); id.Exists() {
		if idx, ok := byID[id.String()]; ok {
			return idx, true
		}
	}
	if idxField := item.Get("index"); idxField.Exists() {
		idx := int(idxField.Int())
		if idx >= 0 && idx < n {
			return idx, true
		}
	}
	return 0, false
}

// Per-candidate field names under the two phrasings the service has
// produced: the compact one the prompt asks for, and a verbose one that
// earlier prompt revisions provoked. Each field is read under both,
// compact first.
var (
	scoreKeys       = []string{"score", "adjusted_score"}
	probabilityKeys = []string{"success_probability", "probability"}
	reasonKeys      = []string{"reasons", "match_reasons"}
	matchingKeys    = []string{"matching_criteria", "satisfied_criteria"}
	missingKeys     = []string{"missing_criteria", "missing_or_uncertain_criteria"}
)

// pick returns the first of the named fields present on the item.
func pick(item gjson.Result, keys []string) gjson.Result {
	for _, k := range keys {
		if v := item.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func itemToMatch(item gjson.Result, p matching.PreScoreResult) matching.Match {
	score := p.PreScore
	if s := pick(item, scoreKeys); s.Exists() {
		score = clampDrift(s.Float(), p.PreScore)
	}
	m := matching.Match{
		SubsidyID:          p.Subsidy.ID,
		Score:              matching.Clamp(score),
		SuccessProbability: pick(item, probabilityKeys).Float(),
		Reasons:            stringList(pick(item, reasonKeys)),
		MatchingCriteria:   stringList(pick(item, matchingKeys)),
		MissingCriteria:    stringList(pick(item, missingKeys)),
	}
	if len(m.Reasons) == 0 {
		m.Reasons = append([]string(nil), p.Reasons...)
	}
	if len(m.MatchingCriteria) == 0 {
		m.MatchingCriteria = append([]string(nil), p.Reasons...)
	}
	return m
}

func clampDrift(score, pre float64) float64 {
	if score > pre+maxScoreDrift {
		return pre + maxScoreDrift
	}
	if score < pre-maxScoreDrift {
		return pre - maxScoreDrift
	}
	return score
}

func stringList(v gjson.Result) []string {
	if !v.IsArray() {
		return nil
	}
	var out []string
	for _, item := range v.Array() {
		s := strings.TrimSpace(item.String())
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// extractJSONFragment locates the outermost JSON value inside free text.
func extractJSONFragment(s string) string {
	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')
	start := objStart
	end := strings.LastIndexByte(s, '}')
	if objStart == -1 || (arrStart != -1 && arrStart < objStart) {
		start = arrStart
		end = strings.LastIndexByte(s, ']')
	}
	if start == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}
