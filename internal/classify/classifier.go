// Package classify turns raw council page HTML into typed financial and
// performance records. Tabular data is routed through the quantity
// extractor; embedded chart scripts and KPI-tagged elements are mined
// separately; everything else falls back to free-text extraction for
// manual triage.
package classify

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opencouncil/civicdata/internal/extract"
	"github.com/opencouncil/civicdata/internal/model"
)

// financialHeaderKeywords mark a table as carrying monetary data.
var financialHeaderKeywords = []string{
	"amount", "cost", "budget", "spend", "price", "fee", "£", "$", "€",
}

// budgetHeaderKeywords decide the BudgetItem / SpendingRecord tie-break.
var budgetHeaderKeywords = []string{"budget", "allocation"}

var (
	descriptionHeaders = []string{"description", "item", "detail", "service", "project", "name"}
	departmentHeaders  = []string{"department", "directorate", "service area", "team", "division"}
	amountHeaders      = []string{"amount", "cost", "budget", "spend", "price", "fee", "allocation", "value", "total"}
)

// Result holds the classified output of one page.
type Result struct {
	BudgetItems     []model.BudgetItem
	SpendingRecords []model.SpendingRecord
	Metrics         []model.PerformanceMetric
	Statistics      []model.StatisticalData
	Unclassified    []model.ExtractedFact
}

// Classifier routes page content into budget, spending, performance and
// statistical buckets. The clock is injectable for deterministic tests.
type Classifier struct {
	extractor *extract.Extractor
	now       func() time.Time
}

// New creates a Classifier delegating numeric parsing to the extractor.
func New(extractor *extract.Extractor) *Classifier {
	return &Classifier{extractor: extractor, now: time.Now}
}

// WithClock overrides the classifier's clock.
func (c *Classifier) WithClock(now func() time.Time) *Classifier {
	c.now = now
	return c
}

// Classify parses a page and buckets its quantitative content. Row-level
// parse failures skip the row, never the table or the page.
func (c *Classifier) Classify(page model.Page) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, eris.Wrapf(err, "classify: parse %s", page.URL)
	}

	res := &Result{}
	c.classifyTables(doc, page.URL, res)
	c.classifyCharts(doc, page.URL, res)
	c.classifyKPIElements(doc, page.URL, res)

	// Free-text mining for triage: drop structured regions first so
	// already-classified numbers are not re-reported.
	doc.Find("script, style, table").Remove()
	res.Unclassified = c.extractor.Extract(doc.Find("body").Text())

	zap.L().Debug("classify: page done",
		zap.String("url", page.URL),
		zap.Int("budget_items", len(res.BudgetItems)),
		zap.Int("spending_records", len(res.SpendingRecords)),
		zap.Int("metrics", len(res.Metrics)),
		zap.Int("statistics", len(res.Statistics)),
		zap.Int("unclassified", len(res.Unclassified)),
	)
	return res, nil
}

// classifyTables locates tables with financial header rows and routes
// each data row through the extractor.
func (c *Classifier) classifyTables(doc *goquery.Document, pageURL string, res *Result) {
	now := c.now().UTC()

	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		headers := tableHeaders(table)
		if !containsAny(headers, financialHeaderKeywords) {
			return
		}

		isBudget := containsAny(headers, budgetHeaderKeywords)
		amountCol := findColumn(headers, amountHeaders)
		descCol := findColumn(headers, descriptionHeaders)
		deptCol := findColumn(headers, departmentHeaders)
		if amountCol < 0 {
			return
		}

		table.Find("tr").Each(func(i int, row *goquery.Selection) {
			if i == 0 {
				return // header row
			}
			cells := rowCells(row)
			if amountCol >= len(cells) {
				return
			}

			amount, ok := c.extractor.ParseAmount(cells[amountCol])
			if !ok {
				// Unparseable amount cell: skip this row only.
				return
			}

			description := cellAt(cells, descCol)
			department := cellAt(cells, deptCol)

			if isBudget {
				res.BudgetItems = append(res.BudgetItems, model.BudgetItem{
					Department:  department,
					Description: description,
					Amount:      amount,
					Currency:    "GBP",
					Date:        now,
					SourceURL:   pageURL,
				})
				return
			}
			res.SpendingRecords = append(res.SpendingRecords, model.SpendingRecord{
				Department:  department,
				Description: description,
				Amount:      amount,
				Currency:    "GBP",
				Date:        now,
				SourceURL:   pageURL,
			})
		})
	})
}

// tableHeaders returns lowercased header cell texts from the first row.
func tableHeaders(table *goquery.Selection) []string {
	var headers []string
	table.Find("tr").First().Find("th, td").Each(func(_ int, cell *goquery.Selection) {
		headers = append(headers, strings.ToLower(strings.TrimSpace(cell.Text())))
	})
	return headers
}

// rowCells returns trimmed cell texts for a data row.
func rowCells(row *goquery.Selection) []string {
	var cells []string
	row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
		cells = append(cells, strings.TrimSpace(cell.Text()))
	})
	return cells
}

func cellAt(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return cells[idx]
}

// findColumn returns the index of the first header matching any keyword,
// or -1 when none match.
func findColumn(headers []string, keywords []string) int {
	for i, h := range headers {
		for _, kw := range keywords {
			if strings.Contains(h, kw) {
				return i
			}
		}
	}
	return -1
}

func containsAny(headers []string, keywords []string) bool {
	return findColumn(headers, keywords) >= 0
}
