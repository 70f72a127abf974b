package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// SummarySchemaVersion is the executive-summary contract version this
// orchestrator understands. The renderer must emit a compatible version;
// shape drift is surfaced as a parse error rather than silent zeros.
const SummarySchemaVersion = 1

// QualityMetrics is the data-quality section of the executive summary.
type QualityMetrics struct {
	CompletenessScore float64  `json:"completenessScore"`
	FreshRecords      int      `json:"freshRecords"`
	StaleRecords      int      `json:"staleRecords"`
	OutdatedRecords   int      `json:"outdatedRecords"`
	TotalRecords      int      `json:"totalRecords"`
	CriticalGaps      []string `json:"criticalGaps"`
	Recommendations   []string `json:"recommendations"`
}

// WardSummary is the geographic coverage section of the executive summary.
type WardSummary struct {
	TotalWards int `json:"totalWards"`
}

// ExecutiveSummary is the machine-readable summary the report renderer
// must honor. The orchestrator computes its run metrics from this shape.
type ExecutiveSummary struct {
	SchemaVersion  int            `json:"schemaVersion"`
	GeneratedAt    time.Time      `json:"generatedAt"`
	QualityMetrics QualityMetrics `json:"qualityMetrics"`
	WardSummary    WardSummary    `json:"wardSummary"`
}

// FreshRatio returns the fraction of records classified fresh, or 0 when
// the summary holds no records.
func (s *ExecutiveSummary) FreshRatio() float64 {
	if s.QualityMetrics.TotalRecords == 0 {
		return 0
	}
	return float64(s.QualityMetrics.FreshRecords) / float64(s.QualityMetrics.TotalRecords)
}

// ParseExecutiveSummary decodes and validates a summary document at the
// orchestrator boundary.
func ParseExecutiveSummary(data []byte) (*ExecutiveSummary, error) {
	var s ExecutiveSummary
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, eris.Wrap(err, "summary: decode")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the summary for contract compatibility.
func (s *ExecutiveSummary) Validate() error {
	if s.SchemaVersion != SummarySchemaVersion {
		return eris.Errorf("summary: unsupported schema version %d (want %d)", s.SchemaVersion, SummarySchemaVersion)
	}
	qm := s.QualityMetrics
	if qm.TotalRecords < 0 {
		return eris.New("summary: negative total records")
	}
	if qm.FreshRecords+qm.StaleRecords+qm.OutdatedRecords > qm.TotalRecords {
		return eris.New("summary: freshness buckets exceed total records")
	}
	if qm.CompletenessScore < 0 || qm.CompletenessScore > 1 {
		return eris.Errorf("summary: completeness score %.3f out of range", qm.CompletenessScore)
	}
	return nil
}

// ReportInput is the aggregate extraction/citation output handed to the
// report renderer.
type ReportInput struct {
	BudgetItems     []BudgetItem        `json:"budget_items"`
	SpendingRecords []SpendingRecord    `json:"spending_records"`
	Metrics         []PerformanceMetric `json:"performance_metrics"`
	Statistics      []StatisticalData   `json:"statistics"`
	Unclassified    []ExtractedFact     `json:"unclassified"`
	CitationReport  *CitationReport     `json:"citation_report,omitempty"`
}
