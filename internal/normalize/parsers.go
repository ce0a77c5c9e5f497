package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"argus/internal/analysis"
)

// parseBandit reads bandit's native JSON report.
func (r *Registry) parseBandit(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	var report struct {
		Results []struct {
			TestID       string `json:"test_id"`
			TestName     string `json:"test_name"`
			IssueText    string `json:"issue_text"`
			Severity     string `json:"issue_severity"`
			Filename     string `json:"filename"`
			LineNumber   int    `json:"line_number"`
			LineRange    []int  `json:"line_range"`
			Code         string `json:"code"`
			MoreInfo     string `json:"more_info"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw.Stdout, &report); err != nil {
		return nil, fmt.Errorf("bandit report: %w", err)
	}

	findings := make([]analysis.Finding, 0, len(report.Results))
	for _, res := range report.Results {
		lineEnd := res.LineNumber
		if n := len(res.LineRange); n > 0 {
			lineEnd = res.LineRange[n-1]
		}
		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: tool.Category,
			Severity: r.severity(tool.Name, res.Severity),
			RuleID:   res.TestID,
			Message: analysis.Message{
				Title:       res.TestName,
				Description: res.IssueText,
				Solution:    res.MoreInfo,
			},
			File:     analysis.FileRef{Path: res.Filename, LineStart: res.LineNumber, LineEnd: lineEnd},
			Evidence: analysis.Evidence{CodeSnippet: res.Code},
		})
	}
	return findings, nil
}

// parsePylint reads pylint's JSON output (an array of messages).
func (r *Registry) parsePylint(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	var messages []struct {
		Type      string `json:"type"`
		Symbol    string `json:"symbol"`
		MessageID string `json:"message-id"`
		Message   string `json:"message"`
		Path      string `json:"path"`
		Line      int    `json:"line"`
		EndLine   *int   `json:"endLine"`
	}
	if err := json.Unmarshal(raw.Stdout, &messages); err != nil {
		return nil, fmt.Errorf("pylint report: %w", err)
	}

	findings := make([]analysis.Finding, 0, len(messages))
	for _, msg := range messages {
		lineEnd := msg.Line
		if msg.EndLine != nil {
			lineEnd = *msg.EndLine
		}
		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: tool.Category,
			Severity: r.severity(tool.Name, msg.Type),
			RuleID:   msg.MessageID,
			Message: analysis.Message{
				Title:       msg.Symbol,
				Description: msg.Message,
			},
			File: analysis.FileRef{Path: msg.Path, LineStart: msg.Line, LineEnd: lineEnd},
		})
	}
	return findings, nil
}

// parseSemgrep reads semgrep's JSON results.
func (r *Registry) parseSemgrep(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	var report struct {
		Results []struct {
			CheckID string `json:"check_id"`
			Path    string `json:"path"`
			Start   struct {
				Line int `json:"line"`
			} `json:"start"`
			End struct {
				Line int `json:"line"`
			} `json:"end"`
			Extra struct {
				Severity string `json:"severity"`
				Message  string `json:"message"`
				Lines    string `json:"lines"`
				Fix      string `json:"fix"`
			} `json:"extra"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw.Stdout, &report); err != nil {
		return nil, fmt.Errorf("semgrep report: %w", err)
	}

	findings := make([]analysis.Finding, 0, len(report.Results))
	for _, res := range report.Results {
		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: tool.Category,
			Severity: r.severity(tool.Name, res.Extra.Severity),
			RuleID:   res.CheckID,
			Message: analysis.Message{
				Title:       lastRuleSegment(res.CheckID),
				Description: res.Extra.Message,
				Solution:    res.Extra.Fix,
			},
			File:     analysis.FileRef{Path: res.Path, LineStart: res.Start.Line, LineEnd: res.End.Line},
			Evidence: analysis.Evidence{CodeSnippet: res.Extra.Lines},
		})
	}
	return findings, nil
}

// mypyLine matches "path:line: error: message  [code]".
var mypyLine = regexp.MustCompile(`^(.+?):(\d+):(?:\d+:)?\s*(error|warning|note):\s*(.*?)(?:\s+\[([\w-]+)\])?$`)

// parseMypy scrapes mypy's line-oriented text output.
func (r *Registry) parseMypy(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	var findings []analysis.Finding
	for _, line := range strings.Split(string(raw.Stdout), "\n") {
		m := mypyLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		if m[3] == "note" {
			continue
		}
		ruleID := m[5]
		if ruleID == "" {
			ruleID = "mypy"
		}
		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: tool.Category,
			Severity: r.severity(tool.Name, m[3]),
			RuleID:   ruleID,
			Message:  analysis.Message{Title: ruleID, Description: m[4]},
			File:     analysis.FileRef{Path: m[1], LineStart: atoiSafe(m[2])},
		})
	}
	return findings, nil
}

// parseSafety reads safety's JSON vulnerability report.
func (r *Registry) parseSafety(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	var report struct {
		Vulnerabilities []struct {
			PackageName       string `json:"package_name"`
			VulnerabilityID   string `json:"vulnerability_id"`
			Advisory          string `json:"advisory"`
			Severity          string `json:"severity"`
			AnalyzedVersion   string `json:"analyzed_version"`
			FixedVersions     []string `json:"fixed_versions"`
		} `json:"vulnerabilities"`
	}
	if err := json.Unmarshal(raw.Stdout, &report); err != nil {
		return nil, fmt.Errorf("safety report: %w", err)
	}

	findings := make([]analysis.Finding, 0, len(report.Vulnerabilities))
	for _, vuln := range report.Vulnerabilities {
		solution := ""
		if len(vuln.FixedVersions) > 0 {
			solution = "upgrade to " + strings.Join(vuln.FixedVersions, ", ")
		}
		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: tool.Category,
			Severity: r.severity(tool.Name, vuln.Severity),
			RuleID:   vuln.VulnerabilityID,
			Message: analysis.Message{
				Title:       fmt.Sprintf("%s %s vulnerable", vuln.PackageName, vuln.AnalyzedVersion),
				Description: vuln.Advisory,
				Solution:    solution,
			},
			File: analysis.FileRef{Path: "requirements.txt", LineStart: 1},
		})
	}
	return findings, nil
}

// vultureLine matches "path:line: unused variable 'x' (60% confidence)".
var vultureLine = regexp.MustCompile(`^(.+?):(\d+):\s*(.+?)\s*\((\d+)% confidence\)$`)

func (r *Registry) parseVulture(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	var findings []analysis.Finding
	for _, line := range strings.Split(string(raw.Stdout), "\n") {
		m := vultureLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: tool.Category,
			Severity: analysis.SeverityLow,
			RuleID:   "dead-code",
			Message:  analysis.Message{Title: "dead code", Description: m[3]},
			File:     analysis.FileRef{Path: m[1], LineStart: atoiSafe(m[2])},
		})
	}
	return findings, nil
}

// parseESLint reads eslint's JSON formatter output.
func (r *Registry) parseESLint(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	var files []struct {
		FilePath string `json:"filePath"`
		Messages []struct {
			RuleID   string `json:"ruleId"`
			Severity int    `json:"severity"` // 1 warn, 2 error
			Message  string `json:"message"`
			Line     int    `json:"line"`
			EndLine  int    `json:"endLine"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw.Stdout, &files); err != nil {
		return nil, fmt.Errorf("eslint report: %w", err)
	}

	var findings []analysis.Finding
	for _, file := range files {
		for _, msg := range file.Messages {
			sev := analysis.SeverityMedium
			if msg.Severity >= 2 {
				sev = analysis.SeverityHigh
			}
			ruleID := msg.RuleID
			if ruleID == "" {
				ruleID = "eslint"
			}
			findings = append(findings, analysis.Finding{
				Tool:     tool.Name,
				Category: tool.Category,
				Severity: sev,
				RuleID:   ruleID,
				Message:  analysis.Message{Title: ruleID, Description: msg.Message},
				File:     analysis.FileRef{Path: file.FilePath, LineStart: msg.Line, LineEnd: msg.EndLine},
			})
		}
	}
	return findings, nil
}

// parseNpmAudit reads `npm audit --json` (v2 schema).
func (r *Registry) parseNpmAudit(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	var report struct {
		Vulnerabilities map[string]struct {
			Severity     string            `json:"severity"`
			Range        string            `json:"range"`
			Via          []json.RawMessage `json:"via"`
			FixAvailable any               `json:"fixAvailable"`
		} `json:"vulnerabilities"`
	}
	if err := json.Unmarshal(raw.Stdout, &report); err != nil {
		return nil, fmt.Errorf("npm audit report: %w", err)
	}

	var findings []analysis.Finding
	for pkg, vuln := range report.Vulnerabilities {
		title := fmt.Sprintf("%s %s vulnerable", pkg, vuln.Range)
		description := title
		// via entries are either advisory objects or package-name strings
		for _, via := range vuln.Via {
			var advisory struct {
				Title string `json:"title"`
				URL   string `json:"url"`
			}
			if err := json.Unmarshal(via, &advisory); err == nil && advisory.Title != "" {
				description = advisory.Title
				break
			}
		}
		solution := ""
		if fix, ok := vuln.FixAvailable.(bool); ok && fix {
			solution = "npm audit fix"
		}
		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: tool.Category,
			Severity: r.severity(tool.Name, vuln.Severity),
			RuleID:   "npm-advisory",
			Message:  analysis.Message{Title: title, Description: description, Solution: solution},
			File:     analysis.FileRef{Path: "package.json", LineStart: 1},
		})
	}
	return findings, nil
}

// parseZap reads a ZAP JSON report, falling back to the HTML report when
// the scanner only produced the latter.
func (r *Registry) parseZap(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	if raw.Kind == RawHTML {
		return r.parseZapHTML(tool, raw.Stdout)
	}

	var report struct {
		Site []struct {
			Alerts []struct {
				Alert     string `json:"alert"`
				RiskDesc  string `json:"riskdesc"`
				Desc      string `json:"desc"`
				Solution  string `json:"solution"`
				PluginID  string `json:"pluginid"`
				Instances []struct {
					URI string `json:"uri"`
				} `json:"instances"`
			} `json:"alerts"`
		} `json:"site"`
	}
	if err := json.Unmarshal(raw.Stdout, &report); err != nil {
		return nil, fmt.Errorf("zap report: %w", err)
	}

	var findings []analysis.Finding
	for _, site := range report.Site {
		for _, alert := range site.Alerts {
			path := ""
			if len(alert.Instances) > 0 {
				path = alert.Instances[0].URI
			}
			findings = append(findings, analysis.Finding{
				Tool:     tool.Name,
				Category: tool.Category,
				Severity: r.severity(tool.Name, zapRisk(alert.RiskDesc)),
				RuleID:   alert.PluginID,
				Message: analysis.Message{
					Title:       alert.Alert,
					Description: stripTags(alert.Desc),
					Solution:    stripTags(alert.Solution),
				},
				File: analysis.FileRef{Path: path, LineStart: 0},
			})
		}
	}
	return findings, nil
}

// niktoLine matches "+ OSVDB-3092: /admin/: Description".
var niktoLine = regexp.MustCompile(`^\+\s+(OSVDB-\d+|[A-Z]+-\d+):\s+(\S+):\s+(.*)$`)

func (r *Registry) parseNikto(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	var findings []analysis.Finding
	for _, line := range strings.Split(string(raw.Stdout), "\n") {
		m := niktoLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: tool.Category,
			Severity: analysis.SeverityMedium,
			RuleID:   m[1],
			Message:  analysis.Message{Title: m[1], Description: m[3]},
			File:     analysis.FileRef{Path: m[2], LineStart: 0},
		})
	}
	return findings, nil
}

// parseLocust reads the locust stats summary and raises findings for
// endpoints whose failure rate or latency breaches fixed thresholds.
func (r *Registry) parseLocust(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	var stats []struct {
		Name              string  `json:"name"`
		Method            string  `json:"method"`
		NumRequests       int     `json:"num_requests"`
		NumFailures       int     `json:"num_failures"`
		AvgResponseTime   float64 `json:"avg_response_time"`
		P95ResponseTime   float64 `json:"response_time_percentile_0.95"`
	}
	if err := json.Unmarshal(raw.Stdout, &stats); err != nil {
		return nil, fmt.Errorf("locust stats: %w", err)
	}

	const (
		failureRateThreshold = 0.01
		p95ThresholdMs       = 2000.0
	)

	var findings []analysis.Finding
	for _, s := range stats {
		if s.NumRequests == 0 || s.Name == "Aggregated" {
			continue
		}
		endpoint := strings.TrimSpace(s.Method + " " + s.Name)
		if rate := float64(s.NumFailures) / float64(s.NumRequests); rate > failureRateThreshold {
			findings = append(findings, analysis.Finding{
				Tool:     tool.Name,
				Category: tool.Category,
				Severity: analysis.SeverityHigh,
				RuleID:   "load-failures",
				Message: analysis.Message{
					Title:       "request failures under load",
					Description: fmt.Sprintf("%s failed %d of %d requests (%.1f%%)", endpoint, s.NumFailures, s.NumRequests, rate*100),
				},
				File: analysis.FileRef{Path: s.Name, LineStart: 0},
			})
		}
		if s.P95ResponseTime > p95ThresholdMs {
			findings = append(findings, analysis.Finding{
				Tool:     tool.Name,
				Category: tool.Category,
				Severity: analysis.SeverityMedium,
				RuleID:   "slow-endpoint",
				Message: analysis.Message{
					Title:       "slow endpoint",
					Description: fmt.Sprintf("%s p95 latency %.0fms exceeds %.0fms", endpoint, s.P95ResponseTime, p95ThresholdMs),
				},
				File: analysis.FileRef{Path: s.Name, LineStart: 0},
			})
		}
	}
	return findings, nil
}

var abRequestsPerSecond = regexp.MustCompile(`Requests per second:\s+([\d.]+)`)
var abFailedRequests = regexp.MustCompile(`Failed requests:\s+(\d+)`)

// parseApacheBench scrapes ab's summary text.
func (r *Registry) parseApacheBench(tool analysis.Tool, raw RawOutput) ([]analysis.Finding, error) {
	out := string(raw.Stdout)
	var findings []analysis.Finding

	if m := abFailedRequests.FindStringSubmatch(out); m != nil && atoiSafe(m[1]) > 0 {
		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: tool.Category,
			Severity: analysis.SeverityHigh,
			RuleID:   "failed-requests",
			Message: analysis.Message{
				Title:       "failed requests under load",
				Description: fmt.Sprintf("%s requests failed during benchmark", m[1]),
			},
		})
	}
	if m := abRequestsPerSecond.FindStringSubmatch(out); m != nil {
		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: tool.Category,
			Severity: analysis.SeverityInfo,
			RuleID:   "throughput",
			Message: analysis.Message{
				Title:       "benchmark throughput",
				Description: fmt.Sprintf("sustained %s requests per second", m[1]),
			},
		})
	}
	return findings, nil
}

func lastRuleSegment(checkID string) string {
	if idx := strings.LastIndex(checkID, "."); idx >= 0 {
		return checkID[idx+1:]
	}
	return checkID
}

// zapRisk extracts the risk token from "High (Medium)" style descriptors.
func zapRisk(riskDesc string) string {
	if idx := strings.Index(riskDesc, " "); idx > 0 {
		return riskDesc[:idx]
	}
	return riskDesc
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

func stripTags(s string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(s, ""))
}

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
