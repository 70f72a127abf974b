package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/civicdata/internal/model"
)

func findKind(facts []model.ExtractedFact, kind model.FactKind) []model.ExtractedFact {
	var out []model.ExtractedFact
	for _, f := range facts {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func TestExtract_FinancialMultipliers(t *testing.T) {
	t.Parallel()
	e := New()

	tests := []struct {
		name  string
		text  string
		value float64
	}{
		{"million", "The council approved £2.5 million for road repairs.", 2_500_000},
		{"billion", "A £1.2 billion regeneration programme", 1_200_000_000},
		{"thousand", "£75 thousand was allocated", 75_000},
		{"plain grouped", "The grant was £1,200 this year", 1200},
		{"plain large", "£1,250,000 in reserves", 1_250_000},
		{"decimal", "£99.50 per resident", 99.50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			facts := findKind(e.Extract(tt.text), model.FactKindFinancial)
			require.Len(t, facts, 1)
			assert.Equal(t, tt.value, facts[0].Value)
			assert.Equal(t, "GBP", facts[0].Unit)
			assert.Equal(t, model.ConfidenceHigh, facts[0].Confidence)
		})
	}
}

func TestExtract_Percentage(t *testing.T) {
	t.Parallel()
	e := New()

	tests := []struct {
		name  string
		text  string
		value float64
	}{
		{"symbol", "Recycling rose to 42.5% this quarter", 42.5},
		{"word", "about 30 percent of households", 30},
		{"integer", "a 7% increase", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			facts := findKind(e.Extract(tt.text), model.FactKindPercentage)
			require.Len(t, facts, 1)
			assert.Equal(t, model.FactKindPercentage, facts[0].Kind)
			assert.Equal(t, tt.value, facts[0].Value)
			assert.Equal(t, "%", facts[0].Unit)
		})
	}
}

func TestExtract_CountVocabulary(t *testing.T) {
	t.Parallel()
	e := New()

	facts := findKind(e.Extract("Processed 1,240 applications over 14 days for 3,000 residents."), model.FactKindCount)
	require.Len(t, facts, 3)

	byUnit := make(map[string]float64)
	for _, f := range facts {
		byUnit[f.Unit] = f.Value
		assert.Equal(t, model.ConfidenceLow, f.Confidence)
	}
	assert.Equal(t, float64(1240), byUnit["applications"])
	assert.Equal(t, float64(14), byUnit["days"])
	assert.Equal(t, float64(3000), byUnit["residents"])
}

func TestExtract_CountIgnoresUnknownNouns(t *testing.T) {
	t.Parallel()
	e := New()

	facts := findKind(e.Extract("We planted 500 trees along 12 streets."), model.FactKindCount)
	assert.Empty(t, facts)
}

// Cross-family overlap is permitted: "£5 million" does not also match the
// count family (no vocabulary noun), but a number followed by a noun and a
// percent sign can legitimately appear in two families. Within one family
// the same offset never yields two facts.
func TestExtract_OverlapPolicy(t *testing.T) {
	t.Parallel()
	e := New()

	facts := e.Extract("Support reached 1,500 residents, 40% of the ward.")
	counts := findKind(facts, model.FactKindCount)
	pcts := findKind(facts, model.FactKindPercentage)
	require.Len(t, counts, 1)
	require.Len(t, pcts, 1)

	offsets := make(map[model.FactKind]map[int]int)
	for _, f := range facts {
		if offsets[f.Kind] == nil {
			offsets[f.Kind] = make(map[int]int)
		}
		offsets[f.Kind][f.Offset]++
	}
	for kind, m := range offsets {
		for off, n := range m {
			assert.Equalf(t, 1, n, "duplicate fact in family %s at offset %d", kind, off)
		}
	}
}

func TestExtract_ContextWindow(t *testing.T) {
	t.Parallel()
	e := New()

	padding := strings.Repeat("x ", 100)
	facts := findKind(e.Extract(padding+"£500 grant"+padding), model.FactKindFinancial)
	require.Len(t, facts, 1)
	assert.Contains(t, facts[0].Context, "£500")
	assert.LessOrEqual(t, len(facts[0].Context), 120)
}

// The extractor never raises: garbled and malformed inputs produce zero
// or fewer facts, not panics or errors.
func TestExtract_NeverRaises(t *testing.T) {
	t.Parallel()
	e := New()

	inputs := []string{
		"",
		"£",
		"£,,,",
		"£9,9 million",
		"% percent 50",
		strings.Repeat("£9", 1000),
		"\x00\xff£3 million\xfe",
		"£999999999999999999999999999999 billion",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { e.Extract(in) })
	}
}

func TestExtract_MalformedGroupingSkipped(t *testing.T) {
	t.Parallel()
	e := New()

	facts := findKind(e.Extract("budget of £9,9 recorded"), model.FactKindFinancial)
	assert.Empty(t, facts)
}

func TestParseAmount(t *testing.T) {
	t.Parallel()
	e := New()

	tests := []struct {
		name  string
		cell  string
		value float64
		ok    bool
	}{
		{"symbol", "£50,000", 50_000, true},
		{"symbol multiplier", "£1.5 million", 1_500_000, true},
		{"bare number", "50000", 50_000, true},
		{"bare grouped", "12,500.75", 12_500.75, true},
		{"not a number", "N/A", 0, false},
		{"empty", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, ok := e.ParseAmount(tt.cell)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.value, v)
			}
		})
	}
}
