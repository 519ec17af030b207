package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nwbconvert/kernel/pkg/kernerr"
	"github.com/nwbconvert/kernel/pkg/session"
)

// FixRoadmapEntry is one numbered step of the LLM's ordered fix roadmap.
// It carries no reference to the issue it addresses, and fixRoadmap
// fills only Step and Description: DependsOnStep is never set, so the
// JSON records no dependencies between steps.
type FixRoadmapEntry struct {
	Step          int    `json:"step"`
	Description   string `json:"description"`
	DependsOnStep int    `json:"depends_on_step,omitempty"`
}

// FailedDocument is the JSON artifact written for FAILED runs.
type FailedDocument struct {
	RunID           string                `json:"run_id"`
	Timestamp       time.Time             `json:"timestamp"`
	Status          session.OverallStatus `json:"status"`
	FailureSummary  string                `json:"failure_summary"`
	CriticalIssues  []IssueDetail         `json:"critical_issues"`
	FixRoadmap      []FixRoadmapEntry     `json:"fix_roadmap"`
	AutoFixable     []string              `json:"auto_fixable"`
	UserInputNeeded []string              `json:"user_input_needed"`
	References      []string              `json:"references,omitempty"`
	AttemptNumber   int                   `json:"attempt_number"`
}

// Artifact describes a written report file.
type Artifact struct {
	Path           string
	ChecksumSHA256 string
}

// Service implements render_passed/render_failed.
type Service struct {
	pdf       PDFPort
	outputDir string
	log       *slog.Logger
}

// NewService builds a Report Service writing into outputDir.
func NewService(pdf PDFPort, outputDir string) *Service {
	return &Service{pdf: pdf, outputDir: outputDir, log: slog.Default().With("component", "report_service")}
}

// nwbBaseName strips the directory and .nwb extension from an NWB path,
// used to derive both report filenames.
func nwbBaseName(nwbPath string) string {
	base := filepath.Base(nwbPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func writeFile(path string, data []byte) (Artifact, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Artifact{}, kernerr.Wrap(err, "report_service", kernerr.CodeReportGenerationErr,
			"failed to create report directory", map[string]any{"path": path})
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Artifact{}, kernerr.Wrap(err, "report_service", kernerr.CodeReportGenerationErr,
			"failed to write report file", map[string]any{"path": path})
	}
	sum := sha256.Sum256(data)
	return Artifact{Path: path, ChecksumSHA256: hex.EncodeToString(sum[:])}, nil
}

// RenderPassed builds the PDF for PASSED/PASSED_WITH_ISSUES outcomes.
// llmQuality is the parsed evaluation_quality response.
func (s *Service) RenderPassed(vr session.ValidationResult, llmQuality map[string]any) (Artifact, error) {
	doc := PassedDocument{
		StatusBadge:       string(vr.OverallStatus),
		FileIdentifier:    nwbBaseName(vr.NWBFilePath),
		NWBVersion:        vr.FileInfo.NWBVersion,
		Date:              vr.Timestamp.UTC().Format(time.RFC3339),
		ExecutiveSummary:  stringField(llmQuality, "executive_summary"),
		FileInfoTable:     fileInfoTable(vr.FileInfo),
		IssueCountsTable:  severityCountTable(vr.IssueCounts),
		QualityAssessment: stringField(llmQuality, "quality_assessment"),
		Recommendations:   stringSliceField(llmQuality, "recommendations"),
	}

	if vr.OverallStatus == session.OverallPassedWithIssues {
		doc.Issues = issueDetails(vr.Issues, nil)
	}

	data, err := s.pdf.RenderPDF(doc)
	if err != nil {
		return Artifact{}, kernerr.Wrap(err, "report_service", kernerr.CodeReportGenerationErr,
			"PDF rendering failed", map[string]any{"nwb_file_path": vr.NWBFilePath})
	}

	path := filepath.Join(s.outputDir, nwbBaseName(vr.NWBFilePath)+"_evaluation_report.pdf")
	art, err := writeFile(path, data)
	if err != nil {
		return Artifact{}, err
	}
	s.log.Info("rendered passed report", "path", art.Path, "status", vr.OverallStatus)
	return art, nil
}

// RenderFailed builds the JSON correction-context artifact for FAILED
// outcomes. llmCorrection is the parsed evaluation_correction
// response; autoFixable/userInputNeeded are the classification the
// Evaluation Agent computed, passed through rather than
// re-derived from the LLM's own categorization since the static ruleset
// takes precedence.
func (s *Service) RenderFailed(vr session.ValidationResult, llmCorrection map[string]any, autoFixable, userInputNeeded []string, attemptNumber int) (Artifact, error) {
	doc := FailedDocument{
		RunID:           nwbBaseName(vr.NWBFilePath),
		Timestamp:       vr.Timestamp,
		Status:          vr.OverallStatus,
		FailureSummary:  firstNonEmpty(joinIssueAnalysis(llmCorrection), "conversion failed NWB validation"),
		CriticalIssues:  issueDetails(criticalOnly(vr.Issues), llmCorrection),
		FixRoadmap:      fixRoadmap(llmCorrection),
		AutoFixable:     autoFixable,
		UserInputNeeded: userInputNeeded,
		AttemptNumber:   attemptNumber,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Artifact{}, kernerr.Wrap(err, "report_service", kernerr.CodeReportGenerationErr,
			"failed to marshal correction context", map[string]any{"nwb_file_path": vr.NWBFilePath})
	}

	path := filepath.Join(s.outputDir, nwbBaseName(vr.NWBFilePath)+"_correction_context.json")
	art, err := writeFile(path, data)
	if err != nil {
		return Artifact{}, err
	}
	s.log.Info("rendered failed report", "path", art.Path, "attempt_number", attemptNumber)
	return art, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func fileInfoTable(fi session.FileInfo) map[string]string {
	return map[string]string{
		"nwb_version":      fi.NWBVersion,
		"sampling_rate_hz": fmt.Sprintf("%g", fi.SamplingRateHz),
		"channel_count":    fmt.Sprintf("%d", fi.ChannelCount),
		"duration_sec":     fmt.Sprintf("%g", fi.DurationSec),
		"dtype":            fi.DType,
	}
}

func severityCountTable(counts map[session.Severity]int) map[string]int {
	out := make(map[string]int, len(counts))
	for sev, n := range counts {
		out[string(sev)] = n
	}
	return out
}

func criticalOnly(issues []session.ValidationIssue) []session.ValidationIssue {
	out := make([]session.ValidationIssue, 0, len(issues))
	for _, i := range issues {
		if i.Severity == session.SeverityCritical || i.Severity == session.SeverityError {
			out = append(out, i)
		}
	}
	return out
}

func issueDetails(issues []session.ValidationIssue, llm map[string]any) []IssueDetail {
	explanations := explanationsByCheck(llm)
	out := make([]IssueDetail, 0, len(issues))
	for _, i := range issues {
		out = append(out, IssueDetail{
			Location:    i.Location,
			Message:     i.Message,
			Explanation: explanations[i.CheckName],
		})
	}
	return out
}

func explanationsByCheck(llm map[string]any) map[string]string {
	out := map[string]string{}
	raw, ok := llm["issue_analysis"].([]any)
	if !ok {
		return out
	}
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		check, _ := m["check_name"].(string)
		explanation, _ := m["explanation"].(string)
		if check != "" {
			out[check] = explanation
		}
	}
	return out
}

func joinIssueAnalysis(llm map[string]any) string {
	explanations := explanationsByCheck(llm)
	parts := make([]string, 0, len(explanations))
	for _, v := range explanations {
		parts = append(parts, v)
	}
	return strings.Join(parts, " ")
}

func fixRoadmap(llm map[string]any) []FixRoadmapEntry {
	raw, ok := llm["fix_roadmap"].([]any)
	if !ok {
		return nil
	}
	out := make([]FixRoadmapEntry, 0, len(raw))
	for i, v := range raw {
		step, _ := v.(string)
		out = append(out, FixRoadmapEntry{Step: i + 1, Description: step})
	}
	return out
}

func firstNonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
