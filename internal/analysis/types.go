package analysis

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies an analyzer family. Request kinds additionally include
// security (served by the static pool) and comprehensive (fans out to all).
type Kind string

const (
	KindStatic        Kind = "static"
	KindDynamic       Kind = "dynamic"
	KindPerformance   Kind = "performance"
	KindAI            Kind = "ai"
	KindSecurity      Kind = "security"
	KindComprehensive Kind = "comprehensive"
)

// ParseKind validates a caller-supplied kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindStatic, KindDynamic, KindPerformance, KindAI, KindSecurity, KindComprehensive:
		return k, nil
	}
	return "", fmt.Errorf("unknown analysis kind %q", s)
}

// PoolKind maps a request kind onto the replica pool that serves it.
// Security analyses run on the static pool; comprehensive has no single pool.
func (k Kind) PoolKind() Kind {
	if k == KindSecurity {
		return KindStatic
	}
	return k
}

// Subtasks lists the analyzer kinds a request kind fans out to.
func (k Kind) Subtasks() []Kind {
	if k == KindComprehensive {
		return []Kind{KindStatic, KindDynamic, KindPerformance, KindAI}
	}
	return []Kind{k}
}

// RequiresRunningTarget reports whether the subject application must be up
// before tools of this kind can execute.
func (k Kind) RequiresRunningTarget() bool {
	return k == KindDynamic || k == KindPerformance
}

// Severity is the fixed five-level vocabulary for findings.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities for counting and sorting; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Category classifies what a finding is about.
type Category string

const (
	CategorySecurity    Category = "security"
	CategoryCodeQuality Category = "code_quality"
	CategoryPerformance Category = "performance"
)

// ToolStatus describes how a tool execution concluded.
type ToolStatus string

const (
	StatusSuccess   ToolStatus = "success"
	StatusNoIssues  ToolStatus = "no_issues"
	StatusCompleted ToolStatus = "completed"
	StatusSkipped   ToolStatus = "skipped"
	StatusFailed    ToolStatus = "failed"
)

// Executed reports whether the status implies the tool actually ran.
func (s ToolStatus) Executed() bool {
	switch s {
	case StatusSuccess, StatusNoIssues, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Message carries the human-readable portion of a finding.
type Message struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Solution    string `json:"solution,omitempty"`
}

// FileRef locates a finding in the subject application source.
type FileRef struct {
	Path      string `json:"path"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end,omitempty"`
}

// Evidence holds supporting material extracted by the tool.
type Evidence struct {
	CodeSnippet string `json:"code_snippet,omitempty"`
}

// Finding is one normalised observation produced by a tool.
type Finding struct {
	Tool     string   `json:"tool"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	RuleID   string   `json:"rule_id"`
	Message  Message  `json:"message"`
	File     FileRef  `json:"file"`
	Evidence Evidence `json:"evidence,omitempty"`
}

// ToolRecord is the per-tool execution metadata attached to every result.
type ToolRecord struct {
	Tool            string     `json:"tool"`
	Executed        bool       `json:"executed"`
	Status          ToolStatus `json:"status"`
	IssuesFound     int        `json:"issues_found"`
	DurationSeconds float64    `json:"duration_seconds"`
	Error           string     `json:"error,omitempty"`
}

// ToolResult couples a ToolRecord with its findings inside the tools map.
type ToolResult struct {
	ToolRecord
	Findings  []Finding `json:"findings,omitempty"`
	SarifFile string    `json:"sarif_file,omitempty"`
}

// Summary aggregates a completed analysis for the task row and payload.
type Summary struct {
	TotalFindings   int            `json:"total_findings"`
	SeverityCounts  map[string]int `json:"severity_counts"`
	ToolsExecuted   []string       `json:"tools_executed"`
	ToolsFailed     []string       `json:"tools_failed,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	StartedAt       time.Time      `json:"started_at,omitempty"`
	CompletedAt     time.Time      `json:"completed_at,omitempty"`
}

// Summarise computes summary counts from a tools map.
func Summarise(tools map[string]ToolResult) Summary {
	s := Summary{SeverityCounts: map[string]int{}}
	for name, tr := range tools {
		if tr.Status == StatusFailed {
			s.ToolsFailed = append(s.ToolsFailed, name)
		} else if tr.Executed {
			s.ToolsExecuted = append(s.ToolsExecuted, name)
		}
		s.DurationSeconds += tr.DurationSeconds
		for _, f := range tr.Findings {
			s.TotalFindings++
			s.SeverityCounts[string(f.Severity)]++
		}
	}
	sort.Strings(s.ToolsExecuted)
	sort.Strings(s.ToolsFailed)
	return s
}
