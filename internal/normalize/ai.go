package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"argus/internal/analysis"
)

// aiReviewReport is the structured output the AI reviewer is prompted to
// emit. Models routinely wrap the JSON in prose or markdown fences, or
// truncate trailing brackets, so parsing repairs before it rejects.
type aiReviewReport struct {
	Findings []struct {
		Severity    string `json:"severity"`
		Category    string `json:"category"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Suggestion  string `json:"suggestion"`
		File        string `json:"file"`
		LineStart   int    `json:"line_start"`
		LineEnd     int    `json:"line_end"`
	} `json:"findings"`
}

// parseAIReview decodes the AI reviewer's JSON, repairing malformed output
// before giving up.
func (r *Registry) parseAIReview(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	payload := extractJSONBlock(string(raw.Stdout))

	var report aiReviewReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, fmt.Errorf("ai review output unparseable: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &report); err != nil {
			return nil, fmt.Errorf("ai review output unparseable after repair: %w", err)
		}
		r.logger.Debug("ai review output required JSON repair")
	}

	findings := make([]analysis.Finding, 0, len(report.Findings))
	for _, f := range report.Findings {
		category := tool.Category
		switch strings.ToLower(f.Category) {
		case "security":
			category = analysis.CategorySecurity
		case "performance":
			category = analysis.CategoryPerformance
		case "code_quality", "quality":
			category = analysis.CategoryCodeQuality
		}
		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: category,
			Severity: r.severity(tool.Name, f.Severity),
			RuleID:   "ai-review",
			Message: analysis.Message{
				Title:       f.Title,
				Description: f.Description,
				Solution:    f.Suggestion,
			},
			File: analysis.FileRef{Path: f.File, LineStart: f.LineStart, LineEnd: f.LineEnd},
		})
	}
	return findings, nil
}

// extractJSONBlock pulls the first JSON object out of surrounding prose or
// a markdown code fence.
func extractJSONBlock(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		s = strings.TrimSpace(rest)
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return s
	}
	end := strings.LastIndex(s, "}")
	if end <= start {
		// truncated output; hand the fragment to the repairer as-is
		return s[start:]
	}
	return s[start : end+1]
}
