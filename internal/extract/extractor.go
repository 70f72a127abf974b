// Package extract parses raw text into typed quantitative facts using a
// fixed table of pattern families. Extraction is a pure function of its
// input: malformed matches are skipped, never raised.
package extract

import (
	"strings"

	"github.com/opencouncil/civicdata/internal/model"
)

// contextRadius is the number of characters captured on each side of a
// match for human review.
const contextRadius = 50

// Extractor matches quantitative facts against its pattern families.
// The zero value is not usable; construct with New.
type Extractor struct {
	families []family
}

// New builds an Extractor with the default pattern families.
func New() *Extractor {
	return &Extractor{families: loadFamilies()}
}

// Extract returns all quantitative facts found in text. Pattern families
// scan independently, so the same number may yield a fact in more than
// one family (a financial match may also satisfy the count pattern);
// duplicates within a single family at the same offset are suppressed.
func (e *Extractor) Extract(text string) []model.ExtractedFact {
	var facts []model.ExtractedFact

	for _, fam := range e.families {
		seen := make(map[int]bool)
		for _, m := range fam.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[0], m[1]
			if seen[start] {
				continue
			}

			groups := make([]string, 0, len(m)/2)
			for i := 0; i < len(m); i += 2 {
				if m[i] < 0 {
					groups = append(groups, "")
					continue
				}
				groups = append(groups, text[m[i]:m[i+1]])
			}

			value, unit, err := fam.normalize(groups)
			if err != nil {
				// Malformed numeric token: skip the match.
				continue
			}
			seen[start] = true

			facts = append(facts, model.ExtractedFact{
				Kind:       fam.kind,
				Value:      value,
				Unit:       unit,
				Context:    contextWindow(text, start, end),
				Confidence: fam.confidence,
				Offset:     start,
			})
		}
	}

	return facts
}

// ParseAmount parses a single cell or token expected to hold a financial
// amount. Returns false when no financial pattern matches.
func (e *Extractor) ParseAmount(cell string) (float64, bool) {
	for _, fam := range e.families {
		if fam.kind != model.FactKindFinancial {
			continue
		}
		m := fam.re.FindStringSubmatch(cell)
		if m == nil {
			continue
		}
		value, _, err := fam.normalize(m)
		if err != nil {
			return 0, false
		}
		return value, true
	}
	// Fall back to a bare number, since table cells often omit the
	// currency symbol repeated in the header.
	v, err := parseNumber(strings.TrimSpace(cell))
	if err != nil {
		return 0, false
	}
	return v, true
}

// contextWindow returns ~100 characters centered on the match.
func contextWindow(text string, start, end int) string {
	lo := start - contextRadius
	if lo < 0 {
		lo = 0
	}
	hi := end + contextRadius
	if hi > len(text) {
		hi = len(text)
	}
	return strings.TrimSpace(text[lo:hi])
}
