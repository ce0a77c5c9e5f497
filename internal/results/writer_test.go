package results

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/analysis"
	"argus/internal/logging"
	"argus/internal/sarif"
	"argus/internal/store"
)

func sampleBundle() Bundle {
	return Bundle{
		TaskID:      "t-1",
		Kind:        "static",
		Model:       "gpt_4o",
		AppNum:      1,
		CompletedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Summary:     analysis.Summary{TotalFindings: 1, ToolsExecuted: []string{"bandit"}},
		Tools: map[string]analysis.ToolResult{
			"bandit": {
				ToolRecord: analysis.ToolRecord{Tool: "bandit", Executed: true, Status: analysis.StatusSuccess, IssuesFound: 1},
				Findings: []analysis.Finding{
					{
						Tool:     "bandit",
						Severity: analysis.SeverityHigh,
						RuleID:   "B602",
						Message:  analysis.Message{Title: "subprocess with shell=True"},
						File:     analysis.FileRef{Path: "app.py", LineStart: 10},
					},
				},
			},
		},
	}
}

func TestWriteCreatesBundleTree(t *testing.T) {
	w := NewWriter(t.TempDir(), logging.Nop())
	b := sampleBundle()

	dir, outcome, err := w.Write(b)
	require.NoError(t, err)
	assert.Equal(t, Written, outcome)
	assert.Equal(t, w.Dir(b), dir)
	assert.Equal(t, "task_t-1", filepath.Base(dir))

	assert.FileExists(t, filepath.Join(dir, "payload.json"))
	assert.FileExists(t, filepath.Join(dir, "services", "static.json"))
	assert.FileExists(t, filepath.Join(dir, "sarif", "static_bandit.sarif.json"))
	assert.FileExists(t, filepath.Join(dir, "sarif", "static_consolidated.sarif.json"))

	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	var manifest []manifestEntry
	require.NoError(t, json.Unmarshal(data, &manifest))
	require.Len(t, manifest, 4)
	assert.Equal(t, "payload.json", manifest[0].Path)
	assert.NotEmpty(t, manifest[0].SHA256)
}

func TestWriteRewritesSarifRefs(t *testing.T) {
	w := NewWriter(t.TempDir(), logging.Nop())
	b := sampleBundle()
	dir, _, err := w.Write(b)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "payload.json"))
	require.NoError(t, err)
	var got Bundle
	require.NoError(t, json.Unmarshal(data, &got))
	ref := got.Tools["bandit"].SarifFile
	assert.Equal(t, filepath.Join("sarif", "static_bandit.sarif.json"), ref)
	assert.FileExists(t, filepath.Join(dir, ref))

	sarifData, err := os.ReadFile(filepath.Join(dir, ref))
	require.NoError(t, err)
	log, err := sarif.Parse(sarifData)
	require.NoError(t, err)
	require.Len(t, log.Runs, 1)
	assert.Equal(t, "bandit", log.Runs[0].Tool.Driver.Name)
}

func TestWriteSkipsSarifForNonSarifTools(t *testing.T) {
	w := NewWriter(t.TempDir(), logging.Nop())
	b := sampleBundle()
	b.Tools = map[string]analysis.ToolResult{
		"mypy": {
			ToolRecord: analysis.ToolRecord{Tool: "mypy", Executed: true, Status: analysis.StatusSuccess, IssuesFound: 1},
			Findings:   []analysis.Finding{{Tool: "mypy", Severity: analysis.SeverityLow, Message: analysis.Message{Title: "missing annotation"}}},
		},
	}

	dir, outcome, err := w.Write(b)
	require.NoError(t, err)
	assert.Equal(t, Written, outcome)
	assert.NoDirExists(t, filepath.Join(dir, "sarif"))
}

func TestWriteIsIdempotent(t *testing.T) {
	w := NewWriter(t.TempDir(), logging.Nop())
	b := sampleBundle()

	_, _, err := w.Write(b)
	require.NoError(t, err)
	_, outcome, err := w.Write(b)
	require.NoError(t, err)
	assert.Equal(t, Written, outcome)
	assert.True(t, w.Verify(b))
}

func TestWriteUnwritableRootIsRecoverable(t *testing.T) {
	root := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(root, []byte("file, not dir"), 0o644))
	w := NewWriter(root, logging.Nop())

	_, outcome, err := w.Write(sampleBundle())
	require.Error(t, err)
	assert.Equal(t, FailedRecoverable, outcome)
}

func TestVerifyDetectsTampering(t *testing.T) {
	w := NewWriter(t.TempDir(), logging.Nop())
	b := sampleBundle()
	dir, _, err := w.Write(b)
	require.NoError(t, err)
	assert.True(t, w.Verify(b))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "payload.json"), []byte("{}"), 0o644))
	assert.False(t, w.Verify(b))
}

func TestLoadRoundTrip(t *testing.T) {
	w := NewWriter(t.TempDir(), logging.Nop())
	b := sampleBundle()
	_, _, err := w.Write(b)
	require.NoError(t, err)

	got, err := w.Load(b.Model, b.AppNum, b.TaskID)
	require.NoError(t, err)
	assert.Equal(t, b.TaskID, got.TaskID)
	assert.Equal(t, b.Summary, got.Summary)
}

// fakeTaskSource serves tasks pending reconciliation.
type fakeTaskSource struct {
	tasks  []*store.Task
	marked []string
}

func (f *fakeTaskSource) TasksMissingResultFiles(_ context.Context, _ int) ([]*store.Task, error) {
	return f.tasks, nil
}

func (f *fakeTaskSource) MarkResultFilesWritten(_ context.Context, id, _ string) error {
	f.marked = append(f.marked, id)
	return nil
}

func TestReconcilerRepairsFromSummary(t *testing.T) {
	w := NewWriter(t.TempDir(), logging.Nop())
	b := sampleBundle()
	summary, err := json.Marshal(b)
	require.NoError(t, err)

	source := &fakeTaskSource{tasks: []*store.Task{
		{ID: "t-1", Kind: "static", Model: "gpt_4o", AppNum: 1, Summary: summary},
		{ID: "t-2", Kind: "static", Model: "gpt_4o", AppNum: 1, Summary: []byte("not json")},
	}}
	r := NewReconciler(source, w, logging.Nop())

	repaired, err := r.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, []string{"t-1"}, source.marked)
	assert.True(t, w.Verify(b))
}

func TestReconcilerFillsIdentityFromTaskRow(t *testing.T) {
	w := NewWriter(t.TempDir(), logging.Nop())
	// legacy summary without identity fields
	summary := []byte(`{"summary":{"total_findings":0},"tools":{}}`)
	done := time.Now().UTC()
	source := &fakeTaskSource{tasks: []*store.Task{
		{ID: "t-7", Kind: "dynamic", Model: "gpt_4o", AppNum: 2, Summary: summary, CompletedAt: &done},
	}}
	r := NewReconciler(source, w, logging.Nop())

	repaired, err := r.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	got, err := w.Load("gpt_4o", 2, "t-7")
	require.NoError(t, err)
	assert.Equal(t, "t-7", got.TaskID)
}
