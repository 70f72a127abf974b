package model

import "time"

// FactKind identifies the pattern family a quantitative fact was matched by.
type FactKind string

const (
	FactKindFinancial  FactKind = "financial"
	FactKindPercentage FactKind = "percentage"
	FactKindCount      FactKind = "count"
)

// Confidence is a three-tier trust rating for extractions and citations.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ExtractedFact is one quantitative datum pulled from a page. Facts are
// created per extraction pass and never mutated; the classifier either
// consumes them into a typed record or leaves them for manual triage.
type ExtractedFact struct {
	Kind       FactKind   `json:"kind"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit"`
	Context    string     `json:"context"`
	Confidence Confidence `json:"confidence"`
	Offset     int        `json:"offset"`
}

// BudgetItem is a classified financial fact from a table whose header
// carries a budget/allocation keyword.
type BudgetItem struct {
	ID          int64     `json:"id,omitempty"`
	Department  string    `json:"department"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Date        time.Time `json:"date"`
	SourceURL   string    `json:"source_url"`
}

// SpendingRecord is a classified financial fact from a financial table
// without budget keywords.
type SpendingRecord struct {
	ID          int64     `json:"id,omitempty"`
	Department  string    `json:"department"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Date        time.Time `json:"date"`
	SourceURL   string    `json:"source_url"`
}

// PerformanceMetric is a KPI-style measurement extracted from tagged
// page elements.
type PerformanceMetric struct {
	ID        int64     `json:"id,omitempty"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Date      time.Time `json:"date"`
	SourceURL string    `json:"source_url"`
}

// StatisticalData is an ad-hoc label/value point recovered from embedded
// chart scripts.
type StatisticalData struct {
	Label     string  `json:"label"`
	Value     float64 `json:"value"`
	SourceURL string  `json:"source_url"`
}

// Page is one raw page handed to the classifier by the fetch collaborator.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	HTML  string `json:"html"`
}

// Fact is a persisted classified datum as stored by the relational store.
// The citation service enriches it in place; the fact itself is immutable
// after creation.
type Fact struct {
	ID                   int64      `json:"id"`
	Kind                 string     `json:"kind"`
	Description          string     `json:"description"`
	Value                float64    `json:"value"`
	Unit                 string     `json:"unit"`
	Department           string     `json:"department,omitempty"`
	SourceURL            string     `json:"source_url"`
	SourceTitle          string     `json:"source_title,omitempty"`
	SourceDomain         string     `json:"source_domain,omitempty"`
	FileURL              string     `json:"file_url,omitempty"`
	ParentPageURL        string     `json:"parent_page_url,omitempty"`
	ExtractionConfidence float64    `json:"extraction_confidence"`
	ScrapedAt            time.Time  `json:"scraped_at"`
	Status               string     `json:"status"`
	Archived             bool       `json:"archived"`
	Citation             *Citation  `json:"citation,omitempty"`
}
