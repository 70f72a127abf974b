package classify

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/opencouncil/civicdata/internal/model"
)

// kpiSelector matches elements tagged with performance indicator class
// names or data attributes.
const kpiSelector = `[class*="kpi"], [class*="performance"], [class*="metric"], [data-metric]`

// kpiValueRe captures a leading numeric token and an optional trailing
// unit token ("87%", "4.2 days", "12 per 1000").
var kpiValueRe = regexp.MustCompile(`^\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*(%|[A-Za-z]+)?`)

// classifyKPIElements extracts performance metrics from KPI-tagged
// elements. The metric name comes from the data-metric attribute when
// present, otherwise from the text after the value.
func (c *Classifier) classifyKPIElements(doc *goquery.Document, pageURL string, res *Result) {
	now := c.now().UTC()

	doc.Find(kpiSelector).Each(func(_ int, el *goquery.Selection) {
		// Skip containers whose children are themselves KPI-tagged, so
		// a wrapping <div class="kpi-grid"> does not swallow its cells.
		if el.Find(kpiSelector).Length() > 0 {
			return
		}

		text := strings.TrimSpace(el.Text())
		m := kpiValueRe.FindStringSubmatch(text)
		if m == nil {
			return
		}
		value, ok := c.extractor.ParseAmount(m[1])
		if !ok {
			return
		}

		unit := m[2]
		name, _ := el.Attr("data-metric")
		if name == "" {
			name = strings.TrimSpace(strings.TrimPrefix(text, m[0]))
		}
		if name == "" {
			name = unit
		}
		if name == "" {
			return
		}

		res.Metrics = append(res.Metrics, model.PerformanceMetric{
			Name:      name,
			Value:     value,
			Unit:      unit,
			Date:      now,
			SourceURL: pageURL,
		})
	})
}
