package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/civicdata/internal/extract"
	"github.com/opencouncil/civicdata/internal/model"
)

func newTestClassifier() *Classifier {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(extract.New()).WithClock(func() time.Time { return fixed })
}

func classifyHTML(t *testing.T, html string) *Result {
	t.Helper()
	res, err := newTestClassifier().Classify(model.Page{
		URL:  "https://council.gov.uk/finance",
		HTML: html,
	})
	require.NoError(t, err)
	return res
}

func TestClassify_BudgetTieBreak(t *testing.T) {
	t.Parallel()

	budgetTable := `<html><body><table>
		<tr><th>Description</th><th>Budget Allocation</th><th>Department</th></tr>
		<tr><td>Road repairs</td><td>£50,000</td><td>Highways</td></tr>
	</table></body></html>`

	res := classifyHTML(t, budgetTable)
	require.Len(t, res.BudgetItems, 1)
	assert.Empty(t, res.SpendingRecords)
	item := res.BudgetItems[0]
	assert.Equal(t, "Road repairs", item.Description)
	assert.Equal(t, float64(50_000), item.Amount)
	assert.Equal(t, "Highways", item.Department)
	assert.Equal(t, "GBP", item.Currency)
	assert.Equal(t, "https://council.gov.uk/finance", item.SourceURL)
}

func TestClassify_SpendingWithoutBudgetKeyword(t *testing.T) {
	t.Parallel()

	spendingTable := `<html><body><table>
		<tr><th>Description</th><th>Amount</th><th>Department</th></tr>
		<tr><td>Road repairs</td><td>£50,000</td><td>Highways</td></tr>
	</table></body></html>`

	res := classifyHTML(t, spendingTable)
	require.Len(t, res.SpendingRecords, 1)
	assert.Empty(t, res.BudgetItems)
	assert.Equal(t, float64(50_000), res.SpendingRecords[0].Amount)
}

func TestClassify_SkipsUnparseableRowsOnly(t *testing.T) {
	t.Parallel()

	html := `<html><body><table>
		<tr><th>Item</th><th>Cost</th></tr>
		<tr><td>Bin collection</td><td>not published</td></tr>
		<tr><td>Street lighting</td><td>£12,000</td></tr>
		<tr><td>Short row</td></tr>
	</table></body></html>`

	res := classifyHTML(t, html)
	require.Len(t, res.SpendingRecords, 1)
	assert.Equal(t, "Street lighting", res.SpendingRecords[0].Description)
}

func TestClassify_IgnoresNonFinancialTables(t *testing.T) {
	t.Parallel()

	html := `<html><body><table>
		<tr><th>Councillor</th><th>Ward</th></tr>
		<tr><td>J. Smith</td><td>Riverside</td></tr>
	</table></body></html>`

	res := classifyHTML(t, html)
	assert.Empty(t, res.BudgetItems)
	assert.Empty(t, res.SpendingRecords)
}

func TestClassify_ChartScripts(t *testing.T) {
	t.Parallel()

	html := `<html><body><script>
		var chart = new Chart(ctx, {
			labels: ['Housing', 'Transport', 'Leisure'],
			data: [120000, 85000, 30000],
		});
	</script></body></html>`

	res := classifyHTML(t, html)
	require.Len(t, res.Statistics, 3)
	assert.Equal(t, "Housing", res.Statistics[0].Label)
	assert.Equal(t, float64(120_000), res.Statistics[0].Value)
	assert.Equal(t, "Leisure", res.Statistics[2].Label)
}

func TestClassify_ChartPositionalPairing(t *testing.T) {
	t.Parallel()

	// Mismatched lengths pair up to the shorter array.
	html := `<html><body><script>
		labels: ['A', 'B'],
		data: [1, 2, 3],
	</script></body></html>`

	res := classifyHTML(t, html)
	assert.Len(t, res.Statistics, 2)
}

func TestClassify_KPIElements(t *testing.T) {
	t.Parallel()

	html := `<html><body>
		<div class="kpi-card" data-metric="resident satisfaction">87% </div>
		<span class="performance-indicator">4.2 days average response</span>
		<p class="metric">no number here</p>
	</body></html>`

	res := classifyHTML(t, html)
	require.Len(t, res.Metrics, 2)

	byName := make(map[string]model.PerformanceMetric)
	for _, m := range res.Metrics {
		byName[m.Name] = m
	}

	sat := byName["resident satisfaction"]
	assert.Equal(t, float64(87), sat.Value)
	assert.Equal(t, "%", sat.Unit)

	resp := byName["average response"]
	assert.Equal(t, 4.2, resp.Value)
	assert.Equal(t, "days", resp.Unit)
}

func TestClassify_FreeTextTriage(t *testing.T) {
	t.Parallel()

	html := `<html><body>
		<p>The council invested £3.5 million serving 12,000 residents, with 64% satisfaction.</p>
		<table><tr><th>Item</th><th>Cost</th></tr><tr><td>X</td><td>£10</td></tr></table>
	</body></html>`

	res := classifyHTML(t, html)

	kinds := make(map[model.FactKind]int)
	for _, f := range res.Unclassified {
		kinds[f.Kind]++
	}
	assert.Equal(t, 1, kinds[model.FactKindFinancial])
	assert.Equal(t, 1, kinds[model.FactKindCount])
	assert.Equal(t, 1, kinds[model.FactKindPercentage])

	// Table content is classified, not re-reported as free text.
	for _, f := range res.Unclassified {
		assert.NotEqual(t, float64(10), f.Value)
	}
	require.Len(t, res.SpendingRecords, 1)
}

func TestClassify_MalformedHTMLDoesNotFail(t *testing.T) {
	t.Parallel()

	res := classifyHTML(t, `<table><tr><th>Cost<td>£5<div></span>`)
	assert.NotNil(t, res)
}
