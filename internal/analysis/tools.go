package analysis

import "strings"

// Tool describes one supported analysis tool and its execution contract.
type Tool struct {
	Name         string
	Kind         Kind
	Category     Category
	EmitsSarif   bool
	// IssueExits are exit codes that mean "ran fine, issues present".
	// Zero always means clean. Codes outside {0} ∪ IssueExits are failures,
	// unless BitFlagMax is set, in which case any code up to BitFlagMax is
	// interpreted as a composite of issue flags rather than a failure.
	IssueExits []int
	BitFlagMax int
}

// Catalogue is the fixed registry of known tools, keyed by identifier.
// Lint-style tools exit 1 when issues are found; scanners such as semgrep
// return bit-flag composites.
var Catalogue = map[string]Tool{
	"bandit":    {Name: "bandit", Kind: KindStatic, Category: CategorySecurity, EmitsSarif: true, IssueExits: []int{1}},
	"pylint":    {Name: "pylint", Kind: KindStatic, Category: CategoryCodeQuality, BitFlagMax: 32},
	"semgrep":   {Name: "semgrep", Kind: KindStatic, Category: CategorySecurity, EmitsSarif: true, IssueExits: []int{1}},
	"mypy":      {Name: "mypy", Kind: KindStatic, Category: CategoryCodeQuality, IssueExits: []int{1}},
	"safety":    {Name: "safety", Kind: KindStatic, Category: CategorySecurity, IssueExits: []int{1, 64}},
	"vulture":   {Name: "vulture", Kind: KindStatic, Category: CategoryCodeQuality, IssueExits: []int{1, 3}},
	"eslint":    {Name: "eslint", Kind: KindStatic, Category: CategoryCodeQuality, EmitsSarif: true, IssueExits: []int{1}},
	"npm-audit": {Name: "npm-audit", Kind: KindStatic, Category: CategorySecurity, IssueExits: []int{1}},
	"zap":       {Name: "zap", Kind: KindDynamic, Category: CategorySecurity, EmitsSarif: true, IssueExits: []int{1, 2}},
	"nikto":     {Name: "nikto", Kind: KindDynamic, Category: CategorySecurity, IssueExits: []int{1}},
	"locust":    {Name: "locust", Kind: KindPerformance, Category: CategoryPerformance, IssueExits: []int{1}},
	"ab":        {Name: "ab", Kind: KindPerformance, Category: CategoryPerformance},
	"ai-review": {Name: "ai-review", Kind: KindAI, Category: CategoryCodeQuality},
}

// KnownTool reports whether id names a catalogued tool.
func KnownTool(id string) bool {
	_, ok := Catalogue[strings.ToLower(id)]
	return ok
}

// ToolsForKind returns the catalogue subset served by an analyzer kind.
func ToolsForKind(kind Kind) []Tool {
	var out []Tool
	for _, t := range Catalogue {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// ClassifyExit maps a tool's process exit code to a status.
func (t Tool) ClassifyExit(code int) ToolStatus {
	if code == 0 {
		return StatusNoIssues
	}
	for _, ok := range t.IssueExits {
		if code == ok {
			return StatusSuccess
		}
	}
	if t.BitFlagMax > 0 && code > 0 && code <= t.BitFlagMax {
		return StatusSuccess
	}
	return StatusFailed
}

// reservedMetadataKeys are service-response keys that must never be admitted
// into the tools map. Matching is case-insensitive because originating
// services mix conventions.
var reservedMetadataKeys = map[string]struct{}{
	"tool_status":           {},
	"_metadata":             {},
	"status":                {},
	"file_counts":           {},
	"security_files":        {},
	"total_files":           {},
	"message":               {},
	"error":                 {},
	"analysis_time":         {},
	"model_slug":            {},
	"app_number":            {},
	"tools_used":            {},
	"configuration_applied": {},
	"results":               {},
	"_project_metadata":     {},
}

// IsReservedMetadataKey reports whether key belongs to the reserved set.
func IsReservedMetadataKey(key string) bool {
	_, ok := reservedMetadataKeys[strings.ToLower(key)]
	return ok
}

// severityAliases maps tool-native severity tokens onto the fixed vocabulary.
var severityAliases = map[string]Severity{
	"critical":      SeverityCritical,
	"blocker":       SeverityCritical,
	"fatal":         SeverityCritical,
	"high":          SeverityHigh,
	"error":         SeverityHigh,
	"severe":        SeverityHigh,
	"major":         SeverityHigh,
	"medium":        SeverityMedium,
	"moderate":      SeverityMedium,
	"warning":       SeverityMedium,
	"warn":          SeverityMedium,
	"low":           SeverityLow,
	"minor":         SeverityLow,
	"note":          SeverityLow,
	"style":         SeverityLow,
	"convention":    SeverityLow,
	"refactor":      SeverityLow,
	"info":          SeverityInfo,
	"informational": SeverityInfo,
	"none":          SeverityInfo,
	"unknown":       SeverityInfo,
}

// NormaliseSeverity maps a native token to the five-level vocabulary.
// Unknown tokens map to info; the second return value is false so the
// caller can log a warning instead of dropping the finding.
func NormaliseSeverity(token string) (Severity, bool) {
	if sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(token))]; ok {
		return sev, true
	}
	return SeverityInfo, false
}
