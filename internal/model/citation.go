package model

import "time"

// CitationType categorizes a source by its URL path patterns.
type CitationType string

const (
	CitationTypePage     CitationType = "page"
	CitationTypePlanning CitationType = "planning"
	CitationTypeMeeting  CitationType = "meeting"
	CitationTypeSpending CitationType = "spending"
	CitationTypeBudget   CitationType = "budget"
	CitationTypeDocument CitationType = "document"
)

// Citation is the provenance record attached 1:1 to a persisted fact.
// SourceURL is required; FileURL and ParentPageURL are set when the fact
// was found inside a file linked from a page. When FileURL is present,
// ParentPageURL should describe where the file was discovered, but its
// absence does not invalidate the record.
type Citation struct {
	FactID        int64         `json:"fact_id,omitempty"`
	SourceURL     string        `json:"source_url"`
	SourceTitle   string        `json:"source_title,omitempty"`
	FileURL       string        `json:"file_url,omitempty"`
	FileType      string        `json:"file_type,omitempty"`
	ParentPageURL string        `json:"parent_page_url,omitempty"`
	Type          CitationType  `json:"type"`
	Confidence    Confidence    `json:"confidence"`
	Verification  *Verification `json:"verification,omitempty"`
	CreatedAt     time.Time     `json:"created_at,omitempty"`
}

// Verification captures the outcome of a source reachability check.
// Updated in place by verification passes; network failures land in
// Error rather than propagating to callers.
type Verification struct {
	SourceURL   string    `json:"source_url"`
	Accessible  bool      `json:"accessible"`
	StatusCode  int       `json:"status_code,omitempty"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	Error       string    `json:"error,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

// SourceGroup is a set of facts sharing one source URL, surfaced by
// duplicate-source detection for deduplication review.
type SourceGroup struct {
	SourceURL string  `json:"source_url"`
	FactIDs   []int64 `json:"fact_ids"`
}

// DeepLinkInfo is the pure classification of a URL used to pre-fill
// citation type and file type on new citations.
type DeepLinkInfo struct {
	IsDirectFile       bool         `json:"is_direct_file"`
	FileType           string       `json:"file_type,omitempty"`
	IsGovernmentDomain bool         `json:"is_government_domain"`
	SuggestedType      CitationType `json:"suggested_type"`
}

// CitationReport aggregates citation coverage for data-quality dashboards.
type CitationReport struct {
	TotalFacts          int            `json:"total_facts"`
	WithCitation        int            `json:"with_citation"`
	WithFile            int            `json:"with_file"`
	Verified            int            `json:"verified"`
	Broken              int            `json:"broken"`
	ConfidenceBreakdown map[string]int `json:"confidence_breakdown"`
	DomainBreakdown     map[string]int `json:"domain_breakdown"`
	GeneratedAt         time.Time      `json:"generated_at"`
}

// VerifyStats summarizes one bulk verification batch.
type VerifyStats struct {
	Verified int `json:"verified"`
	Broken   int `json:"broken"`
	Errored  int `json:"errored"`
}
