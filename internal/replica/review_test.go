package replica

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/analysis"
	"argus/internal/logging"
	"argus/internal/normalize"
)

type fakeLLM struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func newReviewer(llm LLM) *Reviewer {
	return NewReviewer(llm, normalize.NewRegistry(logging.Nop()), logging.Nop())
}

func writeSource(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCollectSourceSkipsVendoredDirs(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "backend/app.py", "print('hi')")
	writeSource(t, dir, "frontend/src/App.jsx", "export default null")
	writeSource(t, dir, "node_modules/lib/index.js", "module.exports = {}")
	writeSource(t, dir, "backend/__pycache__/app.pyc", "binary")
	writeSource(t, dir, "notes.txt", "not source")

	r := newReviewer(&fakeLLM{})
	files, err := r.collectSource(dir)
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.path)
	}
	assert.Equal(t, []string{"backend/app.py", "frontend/src/App.jsx"}, paths)
}

func TestBuildPromptRespectsTokenBudget(t *testing.T) {
	r := newReviewer(&fakeLLM{})

	big := strings.Repeat("def handler():\n    return 'x'\n", 40000)
	files := []sourceFile{
		{path: "a.py", content: "print('small')"},
		{path: "huge.py", content: big},
	}

	prompt, omitted := r.BuildPrompt(files)
	assert.Equal(t, []string{"huge.py"}, omitted)
	assert.Contains(t, prompt, "a.py")
	assert.Contains(t, prompt, "Files omitted for length: huge.py")
	assert.LessOrEqual(t, r.countTokens(prompt), TokenBudget+100)
}

func TestReviewParsesModelResponse(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "app.py", "import os\npassword = 'hunter2'\n")

	llm := &fakeLLM{response: `{"findings":[{"severity":"high","category":"security",
		"title":"Hardcoded credential","description":"password in source","file":"app.py","line_start":2}]}`}
	r := newReviewer(llm)

	result := r.Review(context.Background(), dir)
	assert.Equal(t, analysis.StatusSuccess, result.Status)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, analysis.SeverityHigh, result.Findings[0].Severity)
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "app.py")
}

func TestReviewEmptyDirSkips(t *testing.T) {
	r := newReviewer(&fakeLLM{})
	result := r.Review(context.Background(), t.TempDir())
	assert.Equal(t, analysis.StatusSkipped, result.Status)
}

func TestReviewModelFailureDegrades(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "app.py", "print('hi')")

	r := newReviewer(&fakeLLM{err: assert.AnError})
	result := r.Review(context.Background(), dir)
	assert.Equal(t, analysis.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "model call failed")
}
