package normalize

import (
	"fmt"
	"strings"
	"sync"

	"argus/internal/analysis"
	"argus/internal/logging"
	"argus/internal/sarif"
)

// Parser consumes a typed raw-output record for one tool and returns
// normalised findings. Parsers never fail the tool for empty output; a
// parse error marks the tool record failed while the task proceeds.
type Parser func(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error)

// Registry maps tool identifiers to parsers. Construction is explicit;
// there is no lazily-mutated global table.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
	logger  logging.Logger
}

// NewRegistry builds a registry pre-populated with every catalogued tool.
func NewRegistry(logger logging.Logger) *Registry {
	r := &Registry{
		parsers: make(map[string]Parser),
		logger:  logging.OrNop(logger),
	}
	r.Register("bandit", r.parseBandit)
	r.Register("pylint", r.parsePylint)
	r.Register("semgrep", r.parseSemgrep)
	r.Register("mypy", r.parseMypy)
	r.Register("safety", r.parseSafety)
	r.Register("vulture", r.parseVulture)
	r.Register("eslint", r.parseESLint)
	r.Register("npm-audit", r.parseNpmAudit)
	r.Register("zap", r.parseZap)
	r.Register("nikto", r.parseNikto)
	r.Register("locust", r.parseLocust)
	r.Register("ab", r.parseApacheBench)
	r.Register("ai-review", r.parseAIReview)
	return r
}

// Register installs or replaces the parser for a tool identifier.
func (r *Registry) Register(tool string, parser Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[strings.ToLower(tool)] = parser
}

// Normalise turns one tool's raw output into a ToolResult plus an optional
// SARIF document. The exit-code policy decides the status; parse failures
// on an otherwise acceptable exit are demoted to a failed record.
func (r *Registry) Normalise(toolID string, raw RawOutput) (analysis.ToolResult, *sarif.Log) {
	toolID = strings.ToLower(toolID)
	tool, known := analysis.Catalogue[toolID]
	if !known {
		return analysis.ToolResult{ToolRecord: analysis.ToolRecord{
			Tool:   toolID,
			Status: analysis.StatusFailed,
			Error:  fmt.Sprintf("unknown tool %q", toolID),
		}}, nil
	}

	status := tool.ClassifyExit(raw.ExitCode)
	record := analysis.ToolRecord{
		Tool:            tool.Name,
		Executed:        true,
		Status:          status,
		DurationSeconds: raw.DurationSeconds,
	}
	if status == analysis.StatusFailed {
		record.Error = failureDetail(raw)
		return analysis.ToolResult{ToolRecord: record}, nil
	}

	r.mu.RLock()
	parser := r.parsers[toolID]
	r.mu.RUnlock()

	var findings []analysis.Finding
	if parser != nil && raw.Kind != RawExitOnly {
		parsed, err := parser(tool, raw)
		if err != nil {
			r.logger.Warn("normalise %s: parse failed: %v", toolID, err)
			record.Status = analysis.StatusFailed
			record.Error = fmt.Sprintf("output parse failed: %v", err)
			return analysis.ToolResult{ToolRecord: record}, nil
		}
		findings = parsed
	}

	record.IssuesFound = len(findings)
	// the parsed output outranks the exit code in both directions
	if len(findings) == 0 && status == analysis.StatusSuccess {
		record.Status = analysis.StatusNoIssues
	}
	if len(findings) > 0 && status == analysis.StatusNoIssues {
		record.Status = analysis.StatusSuccess
	}

	result := analysis.ToolResult{ToolRecord: record, Findings: findings}
	var doc *sarif.Log
	if tool.EmitsSarif {
		doc = sarif.FromFindings(tool.Name, findings)
	}
	return result, doc
}

// severity resolves a native token, logging unknown tokens once per call.
func (r *Registry) severity(tool, token string) analysis.Severity {
	sev, known := analysis.NormaliseSeverity(token)
	if !known {
		r.logger.Warn("normalise %s: unknown severity token %q mapped to info", tool, token)
	}
	return sev
}

func failureDetail(raw RawOutput) string {
	detail := strings.TrimSpace(string(raw.Stderr))
	if detail == "" {
		detail = strings.TrimSpace(string(raw.Stdout))
	}
	if len(detail) > 500 {
		detail = detail[:500]
	}
	return fmt.Sprintf("exit %d: %s", raw.ExitCode, detail)
}

// CollectTools applies the metadata filtering rule to a raw service
// response, returning only entries that are genuine tool records.
//
// Two gates apply, in order: a key in the reserved metadata set (matched
// case-insensitively) is always skipped, and a surviving entry is admitted
// only when it carries at least one of the fields tool / executed / status.
func CollectTools(response map[string]any, logger logging.Logger) map[string]map[string]any {
	logger = logging.OrNop(logger)
	tools := make(map[string]map[string]any)
	for key, value := range response {
		if analysis.IsReservedMetadataKey(key) {
			continue
		}
		entry, ok := value.(map[string]any)
		if !ok {
			logger.Debug("collect tools: skipping non-object entry %q", key)
			continue
		}
		if !looksLikeToolRecord(entry) {
			logger.Warn("collect tools: entry %q has no tool/executed/status field, skipped", key)
			continue
		}
		tools[strings.ToLower(key)] = entry
	}
	return tools
}

func looksLikeToolRecord(entry map[string]any) bool {
	for _, field := range []string{"tool", "executed", "status"} {
		if _, ok := entry[field]; ok {
			return true
		}
	}
	return false
}
