package replica

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"argus/internal/analysis"
	"argus/internal/logging"
	"argus/internal/normalize"
)

// TokenBudget caps how much source the review prompt may carry. Files are
// added smallest-path-first until the budget runs out; the rest is listed by
// name only.
const TokenBudget = 32000

// LLM completes a prompt. Implementations wrap whatever model endpoint the
// replica is configured with.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Reviewer runs the AI code review tool.
type Reviewer struct {
	llm      LLM
	registry *normalize.Registry
	logger   logging.Logger
	encoding *tiktoken.Tiktoken
}

// NewReviewer builds a reviewer. Token counting uses the cl100k_base
// encoding; an initialisation failure falls back to a bytes/4 estimate.
func NewReviewer(llm LLM, registry *normalize.Registry, logger logging.Logger) *Reviewer {
	r := &Reviewer{llm: llm, registry: registry, logger: logging.OrNop(logger)}
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		r.logger.Warn("replica: tiktoken unavailable, estimating tokens: %v", err)
	} else {
		r.encoding = encoding
	}
	return r
}

func (r *Reviewer) countTokens(s string) int {
	if r.encoding != nil {
		return len(r.encoding.Encode(s, nil, nil))
	}
	return len(s) / 4
}

var sourceExtensions = map[string]bool{
	".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".html": true, ".css": true, ".sql": true, ".yml": true, ".yaml": true,
	".json": true, ".go": true,
}

var skippedDirs = map[string]bool{
	"node_modules": true, ".git": true, "dist": true, "build": true,
	"venv": true, ".venv": true, "__pycache__": true, "vendor": true,
}

type sourceFile struct {
	path    string
	content string
}

// collectSource gathers reviewable files under dir in stable order.
func (r *Reviewer) collectSource(dir string) ([]sourceFile, error) {
	var files []sourceFile
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[filepath.Ext(path)] {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		files = append(files, sourceFile{path: rel, content: string(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect source: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

const promptHeader = `You are a code reviewer for a generated web application. Review the source
below for security, performance and code quality problems. Respond with JSON
only, in the shape:
{"findings": [{"severity": "...", "category": "...", "title": "...",
"description": "...", "suggestion": "...", "file": "...", "line_start": 0,
"line_end": 0}]}
Severity is one of critical, high, medium, low, info. Category is one of
security, performance, code_quality.

`

// BuildPrompt assembles the review prompt within the token budget and
// returns it with the list of files that did not fit.
func (r *Reviewer) BuildPrompt(files []sourceFile) (string, []string) {
	var b strings.Builder
	b.WriteString(promptHeader)
	remaining := TokenBudget - r.countTokens(promptHeader)

	var omitted []string
	for _, f := range files {
		section := fmt.Sprintf("--- %s ---\n%s\n", f.path, f.content)
		cost := r.countTokens(section)
		if cost > remaining {
			omitted = append(omitted, f.path)
			continue
		}
		b.WriteString(section)
		remaining -= cost
	}
	if len(omitted) > 0 {
		b.WriteString("\nFiles omitted for length: " + strings.Join(omitted, ", ") + "\n")
	}
	return b.String(), omitted
}

// Review collects the app's source, prompts the model and normalises its
// answer into a tool result. Failures degrade to a failed tool record, they
// never abort the surrounding analysis.
func (r *Reviewer) Review(ctx context.Context, dir string) analysis.ToolResult {
	start := time.Now()
	fail := func(msg string) analysis.ToolResult {
		return analysis.ToolResult{ToolRecord: analysis.ToolRecord{
			Tool: "ai-review", Status: analysis.StatusFailed, Error: msg,
			DurationSeconds: time.Since(start).Seconds(),
		}}
	}

	files, err := r.collectSource(dir)
	if err != nil {
		return fail(err.Error())
	}
	if len(files) == 0 {
		return analysis.ToolResult{ToolRecord: analysis.ToolRecord{
			Tool: "ai-review", Status: analysis.StatusSkipped, Error: "no reviewable source files",
		}}
	}

	prompt, omitted := r.BuildPrompt(files)
	if len(omitted) > 0 {
		r.logger.Info("replica: review prompt omitted %d file(s) over token budget", len(omitted))
	}

	response, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		return fail(fmt.Sprintf("model call failed: %v", err))
	}

	result, _ := r.registry.Normalise("ai-review", normalize.RawOutput{
		Kind:            normalize.RawJSON,
		Stdout:          []byte(response),
		ExitCode:        0,
		DurationSeconds: time.Since(start).Seconds(),
	})
	return result
}
