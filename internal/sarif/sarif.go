// Package sarif provides a minimal SARIF 2.1.0 document model, enough to
// synthesise reports from normalised findings and to consolidate the
// documents emitted natively by scanners.
package sarif

import (
	"encoding/json"
	"fmt"

	"argus/internal/analysis"
)

const (
	// Version is the SARIF spec version every emitted document declares.
	Version = "2.1.0"
	// Schema is the canonical schema URI for SARIF 2.1.0.
	Schema = "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json"
)

// Log is the top-level SARIF document.
type Log struct {
	Version string `json:"version"`
	Schema  string `json:"$schema"`
	Runs    []Run  `json:"runs"`
}

// Run holds the results of one tool invocation.
type Run struct {
	Tool    Tool     `json:"tool"`
	Results []Result `json:"results"`
}

// Tool wraps the driver description.
type Tool struct {
	Driver Driver `json:"driver"`
}

// Driver identifies the tool that produced a run.
type Driver struct {
	Name           string `json:"name"`
	InformationURI string `json:"informationUri,omitempty"`
	Rules          []Rule `json:"rules,omitempty"`
}

// Rule describes one reporting rule referenced by results.
type Rule struct {
	ID               string  `json:"id"`
	ShortDescription Text    `json:"shortDescription,omitempty"`
	Help             Text    `json:"help,omitempty"`
}

// Text is a SARIF multiformat message string.
type Text struct {
	Text string `json:"text,omitempty"`
}

// Result is one reported observation.
type Result struct {
	RuleID    string     `json:"ruleId"`
	Level     string     `json:"level"`
	Message   Text       `json:"message"`
	Locations []Location `json:"locations,omitempty"`
}

// Location points into the analysed artifact.
type Location struct {
	PhysicalLocation PhysicalLocation `json:"physicalLocation"`
}

// PhysicalLocation couples an artifact reference with a region.
type PhysicalLocation struct {
	ArtifactLocation ArtifactLocation `json:"artifactLocation"`
	Region           *Region          `json:"region,omitempty"`
}

// ArtifactLocation names a file by URI.
type ArtifactLocation struct {
	URI string `json:"uri"`
}

// Region is a line range inside an artifact.
type Region struct {
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
	Snippet   *Text  `json:"snippet,omitempty"`
}

// LevelForSeverity maps the finding vocabulary onto SARIF levels.
func LevelForSeverity(sev analysis.Severity) string {
	switch sev {
	case analysis.SeverityCritical, analysis.SeverityHigh:
		return "error"
	case analysis.SeverityMedium:
		return "warning"
	default:
		return "note"
	}
}

// FromFindings synthesises a single-run SARIF document for one tool.
func FromFindings(tool string, findings []analysis.Finding) *Log {
	run := Run{
		Tool:    Tool{Driver: Driver{Name: tool}},
		Results: make([]Result, 0, len(findings)),
	}

	seenRules := map[string]struct{}{}
	for _, f := range findings {
		ruleID := f.RuleID
		if ruleID == "" {
			ruleID = tool
		}
		if _, ok := seenRules[ruleID]; !ok {
			seenRules[ruleID] = struct{}{}
			rule := Rule{ID: ruleID, ShortDescription: Text{Text: f.Message.Title}}
			if f.Message.Solution != "" {
				rule.Help = Text{Text: f.Message.Solution}
			}
			run.Tool.Driver.Rules = append(run.Tool.Driver.Rules, rule)
		}

		result := Result{
			RuleID:  ruleID,
			Level:   LevelForSeverity(f.Severity),
			Message: Text{Text: f.Message.Description},
		}
		if f.File.Path != "" {
			region := &Region{StartLine: f.File.LineStart, EndLine: f.File.LineEnd}
			if f.Evidence.CodeSnippet != "" {
				region.Snippet = &Text{Text: f.Evidence.CodeSnippet}
			}
			result.Locations = []Location{{
				PhysicalLocation: PhysicalLocation{
					ArtifactLocation: ArtifactLocation{URI: f.File.Path},
					Region:           region,
				},
			}}
		}
		run.Results = append(run.Results, result)
	}

	return &Log{Version: Version, Schema: Schema, Runs: []Run{run}}
}

// Parse decodes raw bytes into a Log, validating the version.
func Parse(raw []byte) (*Log, error) {
	var log Log
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, fmt.Errorf("parse sarif: %w", err)
	}
	if log.Version != Version {
		return nil, fmt.Errorf("unsupported sarif version %q", log.Version)
	}
	return &log, nil
}

// Consolidate merges runs from several documents into one document.
// Input order is preserved; nil documents are skipped.
func Consolidate(logs ...*Log) *Log {
	out := &Log{Version: Version, Schema: Schema}
	for _, l := range logs {
		if l == nil {
			continue
		}
		out.Runs = append(out.Runs, l.Runs...)
	}
	if out.Runs == nil {
		out.Runs = []Run{}
	}
	return out
}
