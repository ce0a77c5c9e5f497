package sarif

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/analysis"
)

func sampleFindings() []analysis.Finding {
	return []analysis.Finding{
		{
			Tool:     "bandit",
			Severity: analysis.SeverityHigh,
			RuleID:   "B108",
			Message:  analysis.Message{Title: "hardcoded tmp", Description: "Probable insecure usage of temp file", Solution: "use tempfile"},
			File:     analysis.FileRef{Path: "backend/app.py", LineStart: 42, LineEnd: 43},
			Evidence: analysis.Evidence{CodeSnippet: "open('/tmp/x')"},
		},
		{
			Tool:     "bandit",
			Severity: analysis.SeverityMedium,
			RuleID:   "B108",
			Message:  analysis.Message{Description: "second hit"},
			File:     analysis.FileRef{Path: "backend/util.py", LineStart: 7},
		},
	}
}

func TestFromFindings(t *testing.T) {
	log := FromFindings("bandit", sampleFindings())

	require.Len(t, log.Runs, 1)
	run := log.Runs[0]
	assert.Equal(t, "bandit", run.Tool.Driver.Name)
	// duplicate rule ids collapse into one rule entry
	require.Len(t, run.Tool.Driver.Rules, 1)
	assert.Equal(t, "B108", run.Tool.Driver.Rules[0].ID)

	require.Len(t, run.Results, 2)
	assert.Equal(t, "error", run.Results[0].Level)
	assert.Equal(t, "warning", run.Results[1].Level)
	require.Len(t, run.Results[0].Locations, 1)
	loc := run.Results[0].Locations[0].PhysicalLocation
	assert.Equal(t, "backend/app.py", loc.ArtifactLocation.URI)
	assert.Equal(t, 42, loc.Region.StartLine)
	assert.Equal(t, "open('/tmp/x')", loc.Region.Snippet.Text)
}

func TestParseRoundTrip(t *testing.T) {
	log := FromFindings("semgrep", sampleFindings())
	raw, err := json.Marshal(log)
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, Version, parsed.Version)
	require.Len(t, parsed.Runs, 1)
	assert.Len(t, parsed.Runs[0].Results, 2)
}

func TestParseRejectsWrongVersion(t *testing.T) {
	_, err := Parse([]byte(`{"version":"1.0.0","runs":[]}`))
	assert.Error(t, err)
}

func TestConsolidate(t *testing.T) {
	a := FromFindings("bandit", sampleFindings())
	b := FromFindings("semgrep", sampleFindings()[:1])

	merged := Consolidate(a, nil, b)
	require.Len(t, merged.Runs, 2)
	assert.Equal(t, "bandit", merged.Runs[0].Tool.Driver.Name)
	assert.Equal(t, "semgrep", merged.Runs[1].Tool.Driver.Name)

	empty := Consolidate()
	assert.NotNil(t, empty.Runs)
	assert.Empty(t, empty.Runs)
}

func TestLevelForSeverity(t *testing.T) {
	assert.Equal(t, "error", LevelForSeverity(analysis.SeverityCritical))
	assert.Equal(t, "warning", LevelForSeverity(analysis.SeverityMedium))
	assert.Equal(t, "note", LevelForSeverity(analysis.SeverityInfo))
	assert.Equal(t, "note", LevelForSeverity(analysis.SeverityLow))
}
