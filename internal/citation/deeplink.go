package citation

import (
	"net/url"
	"path"
	"strings"

	"github.com/opencouncil/civicdata/internal/model"
)

// fileExtensions maps direct-file URL extensions to the file type stored
// on citations.
var fileExtensions = map[string]string{
	".pdf":  "pdf",
	".csv":  "csv",
	".xls":  "xls",
	".xlsx": "xlsx",
	".doc":  "doc",
	".docx": "docx",
	".ods":  "ods",
}

// pathTypeKeywords routes URL path segments to citation types. First
// match wins, checked in listed order.
var pathTypeKeywords = []struct {
	keyword string
	ctype   model.CitationType
}{
	{"planning", model.CitationTypePlanning},
	{"minutes", model.CitationTypeMeeting},
	{"agenda", model.CitationTypeMeeting},
	{"meeting", model.CitationTypeMeeting},
	{"spending", model.CitationTypeSpending},
	{"payments", model.CitationTypeSpending},
	{"expenditure", model.CitationTypeSpending},
	{"budget", model.CitationTypeBudget},
}

// ExtractDeepLinkInfo classifies a URL by its path and host, with no
// network access. The result pre-fills type and file type on new
// citations.
func ExtractDeepLinkInfo(rawURL string) model.DeepLinkInfo {
	info := model.DeepLinkInfo{SuggestedType: model.CitationTypePage}

	u, err := url.Parse(rawURL)
	if err != nil {
		return info
	}

	lowerPath := strings.ToLower(u.Path)
	if ft, ok := fileExtensions[path.Ext(lowerPath)]; ok {
		info.IsDirectFile = true
		info.FileType = ft
		info.SuggestedType = model.CitationTypeDocument
	}

	host := strings.ToLower(u.Hostname())
	if host == "gov.uk" || strings.HasSuffix(host, ".gov.uk") ||
		host == "gov" || strings.HasSuffix(host, ".gov") {
		info.IsGovernmentDomain = true
	}

	for _, kw := range pathTypeKeywords {
		if containsSegmentKeyword(lowerPath, kw.keyword) {
			info.SuggestedType = kw.ctype
			break
		}
	}
	return info
}

// containsSegmentKeyword reports whether any path segment contains the
// keyword, so "/open-data/spending-2026/q1.csv" matches "spending" but
// a keyword buried in a query string does not.
func containsSegmentKeyword(urlPath, keyword string) bool {
	for _, seg := range strings.Split(urlPath, "/") {
		if strings.Contains(seg, keyword) {
			return true
		}
	}
	return false
}
