package classify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/opencouncil/civicdata/internal/model"
)

// Chart scripts assign parallel arrays, e.g.
//
//	labels: ['Housing', 'Transport'],
//	data: [120000, 85000],
//
// which are paired positionally into StatisticalData points.
var (
	chartDataRe   = regexp.MustCompile(`data\s*:\s*\[([^\]]*)\]`)
	chartLabelsRe = regexp.MustCompile(`labels\s*:\s*\[([^\]]*)\]`)
	quotedRe      = regexp.MustCompile(`['"]([^'"]*)['"]`)
)

// classifyCharts scans embedded script blocks for chart data/labels
// array assignments.
func (c *Classifier) classifyCharts(doc *goquery.Document, pageURL string, res *Result) {
	doc.Find("script").Each(func(_ int, script *goquery.Selection) {
		body := script.Text()
		dataMatch := chartDataRe.FindStringSubmatch(body)
		labelsMatch := chartLabelsRe.FindStringSubmatch(body)
		if dataMatch == nil || labelsMatch == nil {
			return
		}

		values := parseNumericArray(dataMatch[1])
		labels := parseLabelArray(labelsMatch[1])

		n := len(values)
		if len(labels) < n {
			n = len(labels)
		}
		for i := 0; i < n; i++ {
			res.Statistics = append(res.Statistics, model.StatisticalData{
				Label:     labels[i],
				Value:     values[i],
				SourceURL: pageURL,
			})
		}
	})
}

// parseNumericArray splits a bracketed array body into floats, skipping
// unparseable entries.
func parseNumericArray(body string) []float64 {
	var out []float64
	for _, tok := range strings.Split(body, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// parseLabelArray extracts quoted strings from a bracketed array body.
func parseLabelArray(body string) []string {
	var out []string
	for _, m := range quotedRe.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}
