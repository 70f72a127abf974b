// Package report renders extraction output into durable artifacts on
// disk and produces the machine-readable executive summary the
// orchestrator analyzes.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opencouncil/civicdata/internal/model"
	"github.com/opencouncil/civicdata/internal/store"
)

// Freshness bucket boundaries for persisted facts.
const (
	freshWindow = 7 * 24 * time.Hour
	staleWindow = 30 * 24 * time.Hour
)

// coreKinds are the fact kinds a complete dataset must cover; an empty
// kind is reported as a critical gap.
var coreKinds = []string{"budget_item", "spending_record", "performance_metric"}

// FileRenderer writes report artifacts under a directory and computes
// the executive summary from the persisted facts.
type FileRenderer struct {
	store store.Store
	dir   string
	now   func() time.Time
}

// NewFileRenderer creates a renderer writing into dir.
func NewFileRenderer(st store.Store, dir string) *FileRenderer {
	return &FileRenderer{store: st, dir: dir, now: time.Now}
}

// WithClock injects a clock for tests.
func (r *FileRenderer) WithClock(now func() time.Time) *FileRenderer {
	r.now = now
	return r
}

// Render writes the JSON, CSV and Markdown artifacts and returns the
// executive summary as JSON.
func (r *FileRenderer) Render(ctx context.Context, input model.ReportInput) ([]byte, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "report: create output dir")
	}

	facts, err := r.store.ListActiveFacts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "report: load facts")
	}
	summary := r.buildSummary(facts, input)

	summaryData, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "report: marshal summary")
	}

	if err := r.writeArtifacts(input, facts, summary, summaryData); err != nil {
		return nil, err
	}

	zap.L().Info("report rendered",
		zap.String("dir", r.dir),
		zap.Int("facts", len(facts)),
		zap.Float64("completeness", summary.QualityMetrics.CompletenessScore),
	)
	return summaryData, nil
}

func (r *FileRenderer) buildSummary(facts []model.Fact, input model.ReportInput) *model.ExecutiveSummary {
	now := r.now().UTC()
	qm := model.QualityMetrics{TotalRecords: len(facts)}

	cited := 0
	kindCounts := map[string]int{}
	departments := map[string]bool{}
	for _, f := range facts {
		age := now.Sub(f.ScrapedAt)
		switch {
		case age <= freshWindow:
			qm.FreshRecords++
		case age <= staleWindow:
			qm.StaleRecords++
		default:
			qm.OutdatedRecords++
		}
		if f.Citation != nil {
			cited++
		}
		kindCounts[f.Kind]++
		if f.Department != "" {
			departments[f.Department] = true
		}
	}
	if len(facts) > 0 {
		qm.CompletenessScore = float64(cited) / float64(len(facts))
	}

	for _, kind := range coreKinds {
		if kindCounts[kind] == 0 {
			qm.CriticalGaps = append(qm.CriticalGaps, "no "+strings.ReplaceAll(kind, "_", " ")+" data")
		}
	}
	if input.CitationReport != nil && input.CitationReport.Broken > 0 {
		qm.Recommendations = append(qm.Recommendations,
			fmt.Sprintf("repair %d broken citations", input.CitationReport.Broken))
	}
	if qm.OutdatedRecords > qm.FreshRecords {
		qm.Recommendations = append(qm.Recommendations, "refresh outdated records")
	}

	return &model.ExecutiveSummary{
		SchemaVersion:  model.SummarySchemaVersion,
		GeneratedAt:    now,
		QualityMetrics: qm,
		WardSummary:    model.WardSummary{TotalWards: len(departments)},
	}
}

func (r *FileRenderer) writeArtifacts(input model.ReportInput, facts []model.Fact, summary *model.ExecutiveSummary, summaryData []byte) error {
	inputData, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return eris.Wrap(err, "report: marshal input")
	}
	for name, data := range map[string][]byte{
		"report.json":  inputData,
		"summary.json": summaryData,
	} {
		if err := os.WriteFile(filepath.Join(r.dir, name), data, 0o644); err != nil {
			return eris.Wrapf(err, "report: write %s", name)
		}
	}
	if err := r.writeFactsCSV(facts); err != nil {
		return err
	}
	return r.writeMarkdown(input, summary)
}

func (r *FileRenderer) writeFactsCSV(facts []model.Fact) error {
	f, err := os.Create(filepath.Join(r.dir, "facts.csv"))
	if err != nil {
		return eris.Wrap(err, "report: create facts.csv")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "kind", "description", "value", "unit", "department", "source_url", "scraped_at"}); err != nil {
		return eris.Wrap(err, "report: write csv header")
	}
	for _, fact := range facts {
		record := []string{
			strconv.FormatInt(fact.ID, 10),
			fact.Kind,
			fact.Description,
			strconv.FormatFloat(fact.Value, 'f', -1, 64),
			fact.Unit,
			fact.Department,
			fact.SourceURL,
			fact.ScrapedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return eris.Wrap(err, "report: write csv row")
		}
	}
	w.Flush()
	return eris.Wrap(w.Error(), "report: flush csv")
}

func (r *FileRenderer) writeMarkdown(input model.ReportInput, summary *model.ExecutiveSummary) error {
	var b strings.Builder
	qm := summary.QualityMetrics

	b.WriteString("# Civic Data Report\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", summary.GeneratedAt.Format(time.RFC3339))
	b.WriteString("## Data Quality\n\n")
	fmt.Fprintf(&b, "- Completeness: %.0f%%\n", qm.CompletenessScore*100)
	fmt.Fprintf(&b, "- Records: %d total (%d fresh, %d stale, %d outdated)\n",
		qm.TotalRecords, qm.FreshRecords, qm.StaleRecords, qm.OutdatedRecords)
	fmt.Fprintf(&b, "- Wards covered: %d\n", summary.WardSummary.TotalWards)

	if len(qm.CriticalGaps) > 0 {
		b.WriteString("\n## Critical Gaps\n\n")
		for _, gap := range qm.CriticalGaps {
			fmt.Fprintf(&b, "- %s\n", gap)
		}
	}

	b.WriteString("\n## Extraction Counts\n\n")
	counts := map[string]int{
		"Budget items":        len(input.BudgetItems),
		"Spending records":    len(input.SpendingRecords),
		"Performance metrics": len(input.Metrics),
		"Statistical points":  len(input.Statistics),
		"Unclassified facts":  len(input.Unclassified),
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %d\n", name, counts[name])
	}

	err := os.WriteFile(filepath.Join(r.dir, "summary.md"), []byte(b.String()), 0o644)
	return eris.Wrap(err, "report: write summary.md")
}
