// Package report turns evaluation and LLM output into artifacts: a PDF
// for success-side outcomes, JSON for failure-side ones. This package
// owns assembling the PASSED/PASSED_WITH_ISSUES document structure and
// the FAILED JSON structure, and delegates the actual byte production
// for PDFs to a narrow port — PDF rendering itself is an external
// collaborator.
package report

// PassedDocument is the ordered content of the evaluation PDF:
// cover page, executive summary, file info table, issue counts table,
// per-issue section (only when Issues is non-empty), quality assessment,
// recommendations.
type PassedDocument struct {
	StatusBadge       string // "PASSED" or "PASSED_WITH_ISSUES"
	FileIdentifier    string
	NWBVersion        string
	Date              string
	ExecutiveSummary  string
	FileInfoTable     map[string]string
	IssueCountsTable  map[string]int
	Issues            []IssueDetail
	QualityAssessment string
	Recommendations   []string
}

// IssueDetail is one per-issue section entry: location + message + the
// LLM's explanation of it.
type IssueDetail struct {
	Location    string
	Message     string
	Explanation string
}

// PDFPort renders a PassedDocument to PDF bytes. The concrete
// implementation (e.g. a wkhtmltopdf/gofpdf/weasyprint-backed service) is
// outside this core's scope; Report Service only needs bytes back.
type PDFPort interface {
	RenderPDF(doc PassedDocument) ([]byte, error)
}
