package extract

import (
	_ "embed"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opencouncil/civicdata/internal/model"
)

//go:embed vocab.yaml
var vocabYAML []byte

// vocabFile is the on-disk shape of the embedded pattern vocabulary.
type vocabFile struct {
	CountNouns []string `yaml:"count_nouns"`
}

// multipliers maps magnitude suffixes to their numeric factor.
var multipliers = map[string]float64{
	"thousand": 1_000,
	"k":        1_000,
	"million":  1_000_000,
	"m":        1_000_000,
	"billion":  1_000_000_000,
	"bn":       1_000_000_000,
}

// family is one data-driven extraction pattern: a compiled regex plus a
// normalization function turning capture groups into a value and unit.
// New vocabularies are added by extending the table, not the control flow.
type family struct {
	kind       model.FactKind
	re         *regexp.Regexp
	confidence model.Confidence
	normalize  func(groups []string) (value float64, unit string, err error)
}

// defaultFamilies builds the fixed set of pattern families. The count
// noun list comes from the embedded YAML vocabulary.
func defaultFamilies() ([]family, error) {
	var vocab vocabFile
	if err := yaml.Unmarshal(vocabYAML, &vocab); err != nil {
		return nil, eris.Wrap(err, "extract: parse vocabulary")
	}
	if len(vocab.CountNouns) == 0 {
		return nil, eris.New("extract: empty count vocabulary")
	}

	nounAlt := strings.Join(vocab.CountNouns, "|")

	return []family{
		{
			kind:       model.FactKindFinancial,
			re:         regexp.MustCompile(`(?i)£\s*([0-9](?:[0-9,]*[0-9])?(?:\.[0-9]+)?)\s*(thousand|million|billion|k|m|bn)?\b`),
			confidence: model.ConfidenceHigh,
			normalize: func(groups []string) (float64, string, error) {
				v, err := parseNumber(groups[1])
				if err != nil {
					return 0, "", err
				}
				if suffix := strings.ToLower(groups[2]); suffix != "" {
					v *= multipliers[suffix]
				}
				return v, "GBP", nil
			},
		},
		{
			kind:       model.FactKindPercentage,
			re:         regexp.MustCompile(`(?i)\b([0-9]+(?:\.[0-9]+)?)\s*(?:%|percent\b)`),
			confidence: model.ConfidenceMedium,
			normalize: func(groups []string) (float64, string, error) {
				v, err := parseNumber(groups[1])
				if err != nil {
					return 0, "", err
				}
				return v, "%", nil
			},
		},
		{
			kind:       model.FactKindCount,
			re:         regexp.MustCompile(`(?i)\b([0-9](?:[0-9,]*[0-9])?)\s+(` + nounAlt + `)\b`),
			confidence: model.ConfidenceLow,
			normalize: func(groups []string) (float64, string, error) {
				v, err := parseNumber(groups[1])
				if err != nil {
					return 0, "", err
				}
				return v, strings.ToLower(groups[2]), nil
			},
		},
	}, nil
}

// parseNumber strips digit grouping and parses a float. Malformed tokens
// (misplaced commas, trailing separators) return an error so the caller
// can skip the match.
func parseNumber(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, ",") || strings.HasSuffix(raw, ".") {
		return 0, eris.Errorf("extract: malformed numeric token %q", raw)
	}
	if strings.Contains(raw, ",") {
		// Comma groups must be exactly three digits after the first.
		parts := strings.Split(raw, ",")
		for i, p := range parts {
			intPart := p
			if i == len(parts)-1 {
				if dot := strings.IndexByte(p, '.'); dot >= 0 {
					intPart = p[:dot]
				}
			}
			if i > 0 && len(intPart) != 3 {
				return 0, eris.Errorf("extract: malformed digit grouping %q", raw)
			}
		}
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return 0, eris.Wrapf(err, "extract: parse %q", raw)
	}
	return v, nil
}

// loadFamilies returns the pattern table, degrading to an empty table if
// the embedded vocabulary is broken. An empty table means no matches, not
// a raised error; the extractor contract is that it never fails.
func loadFamilies() []family {
	fams, err := defaultFamilies()
	if err != nil {
		zap.L().Error("extract: falling back to empty pattern table", zap.Error(err))
		return nil
	}
	return fams
}
