package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/analysis"
	"argus/internal/logging"
)

func TestParseESLint(t *testing.T) {
	r := NewRegistry(logging.Nop())
	out := `[
	  {"filePath": "frontend/src/App.jsx", "messages": [
	    {"ruleId": "no-unused-vars", "severity": 2, "message": "'x' is defined but never used.", "line": 4, "endLine": 4},
	    {"ruleId": null, "severity": 1, "message": "Parsing warning", "line": 9}
	  ]},
	  {"filePath": "frontend/src/index.js", "messages": []}
	]`

	findings, err := r.parseESLint(analysis.Catalogue["eslint"], RawOutput{Stdout: []byte(out)})
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, analysis.SeverityHigh, findings[0].Severity)
	assert.Equal(t, "no-unused-vars", findings[0].RuleID)
	assert.Equal(t, analysis.SeverityMedium, findings[1].Severity)
	assert.Equal(t, "eslint", findings[1].RuleID)
}

func TestParseSemgrep(t *testing.T) {
	r := NewRegistry(logging.Nop())
	out := `{"results":[{"check_id":"python.flask.security.audit.debug-enabled","path":"backend/app.py",
	  "start":{"line":3},"end":{"line":3},
	  "extra":{"severity":"ERROR","message":"Flask debug mode enabled","lines":"app.run(debug=True)","fix":""}}]}`

	findings, err := r.parseSemgrep(analysis.Catalogue["semgrep"], RawOutput{Stdout: []byte(out)})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, analysis.SeverityHigh, findings[0].Severity)
	assert.Equal(t, "debug-enabled", findings[0].Message.Title)
	assert.Equal(t, "app.run(debug=True)", findings[0].Evidence.CodeSnippet)
}

func TestParseSafety(t *testing.T) {
	r := NewRegistry(logging.Nop())
	out := `{"vulnerabilities":[{"package_name":"flask","vulnerability_id":"CVE-2023-30861",
	  "advisory":"Flask cookie disclosure","severity":"high","analyzed_version":"2.2.0","fixed_versions":["2.2.5","2.3.2"]}]}`

	findings, err := r.parseSafety(analysis.Catalogue["safety"], RawOutput{Stdout: []byte(out)})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "CVE-2023-30861", findings[0].RuleID)
	assert.Contains(t, findings[0].Message.Solution, "2.2.5")
}

func TestParseNpmAudit(t *testing.T) {
	r := NewRegistry(logging.Nop())
	out := `{"vulnerabilities":{"lodash":{"severity":"high","range":"<4.17.21",
	  "via":[{"title":"Prototype Pollution","url":"https://npmjs.com/advisories/1673"}],"fixAvailable":true}}}`

	findings, err := r.parseNpmAudit(analysis.Catalogue["npm-audit"], RawOutput{Stdout: []byte(out)})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, analysis.SeverityHigh, findings[0].Severity)
	assert.Equal(t, "Prototype Pollution", findings[0].Message.Description)
	assert.Equal(t, "npm audit fix", findings[0].Message.Solution)
}

func TestParseZapJSON(t *testing.T) {
	r := NewRegistry(logging.Nop())
	out := `{"site":[{"alerts":[{"alert":"X-Frame-Options Header Not Set","riskdesc":"Medium (High)",
	  "desc":"<p>The header is missing</p>","solution":"<p>Set the header</p>","pluginid":"10020",
	  "instances":[{"uri":"http://localhost:6051/"}]}]}]}`

	findings, err := r.parseZap(analysis.Catalogue["zap"], RawOutput{Kind: RawJSON, Stdout: []byte(out)})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, analysis.SeverityMedium, findings[0].Severity)
	assert.Equal(t, "The header is missing", findings[0].Message.Description)
	assert.Equal(t, "http://localhost:6051/", findings[0].File.Path)
}

func TestParseZapHTMLFallback(t *testing.T) {
	r := NewRegistry(logging.Nop())
	html := `<html><body>
	<table class="results">
	  <tr><th>High</th><th>SQL Injection</th></tr>
	  <tr><td>Description</td><td>Parameter id is injectable</td></tr>
	  <tr><td>URL</td><td>http://localhost:6051/items?id=1</td></tr>
	  <tr><td>Solution</td><td>Use parameterised queries</td></tr>
	</table>
	</body></html>`

	findings, err := r.parseZap(analysis.Catalogue["zap"], RawOutput{Kind: RawHTML, Stdout: []byte(html)})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, analysis.SeverityHigh, findings[0].Severity)
	assert.Equal(t, "SQL Injection", findings[0].Message.Title)
	assert.Equal(t, "zap-sql-injection", findings[0].RuleID)
	assert.Equal(t, "Use parameterised queries", findings[0].Message.Solution)
}

func TestParseNikto(t *testing.T) {
	r := NewRegistry(logging.Nop())
	out := "+ OSVDB-3092: /admin/: This might be interesting.\n+ Server: nginx/1.25.2\n"

	findings, err := r.parseNikto(analysis.Catalogue["nikto"], RawOutput{Stdout: []byte(out)})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "OSVDB-3092", findings[0].RuleID)
	assert.Equal(t, "/admin/", findings[0].File.Path)
}

func TestParseLocustThresholds(t *testing.T) {
	r := NewRegistry(logging.Nop())
	out := `[
	  {"name":"/api/items","method":"GET","num_requests":1000,"num_failures":50,"avg_response_time":120,"response_time_percentile_0.95":300},
	  {"name":"/api/slow","method":"GET","num_requests":1000,"num_failures":0,"avg_response_time":1500,"response_time_percentile_0.95":3500},
	  {"name":"Aggregated","method":"","num_requests":2000,"num_failures":50,"avg_response_time":800,"response_time_percentile_0.95":2100}
	]`

	findings, err := r.parseLocust(analysis.Catalogue["locust"], RawOutput{Stdout: []byte(out)})
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "load-failures", findings[0].RuleID)
	assert.Equal(t, "slow-endpoint", findings[1].RuleID)
}

func TestParseApacheBench(t *testing.T) {
	r := NewRegistry(logging.Nop())
	out := "Concurrency Level:      10\nFailed requests:        3\nRequests per second:    412.52 [#/sec] (mean)\n"

	findings, err := r.parseApacheBench(analysis.Catalogue["ab"], RawOutput{Stdout: []byte(out)})
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "failed-requests", findings[0].RuleID)
	assert.Equal(t, "throughput", findings[1].RuleID)
}

func TestParseAIReviewCleanJSON(t *testing.T) {
	r := NewRegistry(logging.Nop())
	out := `{"findings":[{"severity":"high","category":"security","title":"Secret in source",
	  "description":"API key committed","suggestion":"move to env","file":"backend/config.py","line_start":2,"line_end":2}]}`

	findings, err := r.parseAIReview(analysis.Catalogue["ai-review"], RawOutput{Stdout: []byte(out)})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, analysis.CategorySecurity, findings[0].Category)
	assert.Equal(t, analysis.SeverityHigh, findings[0].Severity)
}

func TestParseAIReviewRepairsFencedOutput(t *testing.T) {
	r := NewRegistry(logging.Nop())
	out := "Here is my review:\n```json\n{\"findings\": [{\"severity\": \"low\", \"title\": \"style\", \"description\": \"long function\", \"file\": \"app.py\", \"line_start\": 1,]}\n```"

	findings, err := r.parseAIReview(analysis.Catalogue["ai-review"], RawOutput{Stdout: []byte(out)})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, analysis.SeverityLow, findings[0].Severity)
}

func TestExtractJSONBlock(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSONBlock("prefix {\"a\":1} suffix"))
	assert.Equal(t, `{"a":1}`, extractJSONBlock("```json\n{\"a\":1}\n```"))
}
