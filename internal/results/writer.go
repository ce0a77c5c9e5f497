package results

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"argus/internal/analysis"
	"argus/internal/logging"
	"argus/internal/sarif"
)

// Outcome classifies a file write attempt. The database summary is the
// primary record; a failed file write degrades the task, it never fails it.
type Outcome int

const (
	// Written means all files landed on disk.
	Written Outcome = iota
	// FailedRecoverable means the write failed but a later reconciliation
	// sweep can repeat it from the database summary.
	FailedRecoverable
	// FailedFatal means the payload itself cannot be serialised; retrying
	// will not help.
	FailedFatal
)

// Bundle is everything written to disk for one completed task.
type Bundle struct {
	TaskID      string                         `json:"task_id"`
	Kind        string                         `json:"kind"`
	Model       string                         `json:"model"`
	AppNum      int                            `json:"app_num"`
	CompletedAt time.Time                      `json:"completed_at"`
	Summary     analysis.Summary               `json:"summary"`
	Tools       map[string]analysis.ToolResult `json:"tools"`
	Sarif       *sarif.Log                     `json:"-"`
}

// serviceSnapshot is the per-analyzer-kind view under services/.
type serviceSnapshot struct {
	Kind    string                         `json:"kind"`
	Summary analysis.Summary               `json:"summary"`
	Tools   map[string]analysis.ToolResult `json:"tools"`
}

// manifestEntry records one written file with its checksum.
type manifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Writer persists result bundles under the results root.
//
// Layout per task:
//
//	{root}/{model}/app{N}/task_{task_id}/
//	  payload.json
//	  manifest.json
//	  services/{kind}.json
//	  sarif/{kind}_{tool}.sarif.json
//	  sarif/{kind}_consolidated.sarif.json
type Writer struct {
	root   string
	logger logging.Logger
}

// NewWriter builds a result writer rooted at dir.
func NewWriter(root string, logger logging.Logger) *Writer {
	return &Writer{root: root, logger: logging.OrNop(logger)}
}

// Dir returns the directory a task's files live in.
func (w *Writer) Dir(b Bundle) string {
	return filepath.Join(w.root, b.Model, fmt.Sprintf("app%d", b.AppNum), "task_"+b.TaskID)
}

// sarifRef returns the relative path of one tool's SARIF file.
func sarifRef(kind, tool string) string {
	return filepath.Join("sarif", fmt.Sprintf("%s_%s.sarif.json", kind, tool))
}

// Write persists the bundle. SARIF documents are regenerated from the
// per-tool findings so a reconciliation replay from the database summary
// produces the identical tree. manifest.json is written last; a complete
// manifest implies a complete bundle. Rewrites are idempotent.
func (w *Writer) Write(b Bundle) (string, Outcome, error) {
	// rewrite sarif refs before the payload is encoded so payload.json,
	// services/ and the files on disk agree
	tools := make(map[string]analysis.ToolResult, len(b.Tools))
	sarifLogs := make(map[string]*sarif.Log)
	for name, tr := range b.Tools {
		tool, known := analysis.Catalogue[name]
		if known && tool.EmitsSarif && len(tr.Findings) > 0 {
			tr.SarifFile = sarifRef(b.Kind, name)
			sarifLogs[name] = sarif.FromFindings(name, tr.Findings)
		} else {
			tr.SarifFile = ""
		}
		tools[name] = tr
	}
	b.Tools = tools

	payloadJSON, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", FailedFatal, fmt.Errorf("encode payload for task %s: %w", b.TaskID, err)
	}

	dir := w.Dir(b)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", FailedRecoverable, fmt.Errorf("create result dir: %w", err)
	}

	var manifest []manifestEntry
	writeFile := func(rel string, data []byte) error {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		manifest = append(manifest, manifestEntry{
			Path:   rel,
			SHA256: hex.EncodeToString(sum[:]),
			Bytes:  len(data),
		})
		return nil
	}
	writeJSON := func(rel string, v any) (Outcome, error) {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return FailedFatal, fmt.Errorf("encode %s for task %s: %w", rel, b.TaskID, err)
		}
		if err := writeFile(rel, data); err != nil {
			return FailedRecoverable, fmt.Errorf("write %s: %w", rel, err)
		}
		return Written, nil
	}

	if err := writeFile("payload.json", payloadJSON); err != nil {
		return "", FailedRecoverable, fmt.Errorf("write payload.json: %w", err)
	}

	snapshot := serviceSnapshot{Kind: b.Kind, Summary: b.Summary, Tools: b.Tools}
	if outcome, err := writeJSON(filepath.Join("services", b.Kind+".json"), snapshot); err != nil {
		return "", outcome, err
	}

	names := make([]string, 0, len(sarifLogs))
	for name := range sarifLogs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if outcome, err := writeJSON(sarifRef(b.Kind, name), sarifLogs[name]); err != nil {
			return "", outcome, err
		}
	}
	if len(names) > 0 {
		consolidated := b.Sarif
		if consolidated == nil || len(consolidated.Runs) == 0 {
			logs := make([]*sarif.Log, 0, len(names))
			for _, name := range names {
				logs = append(logs, sarifLogs[name])
			}
			consolidated = sarif.Consolidate(logs...)
		}
		rel := filepath.Join("sarif", fmt.Sprintf("%s_consolidated.sarif.json", b.Kind))
		if outcome, err := writeJSON(rel, consolidated); err != nil {
			return "", outcome, err
		}
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", FailedFatal, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestJSON, 0o644); err != nil {
		return "", FailedRecoverable, fmt.Errorf("write manifest: %w", err)
	}
	return dir, Written, nil
}

// Verify reports whether a previously written bundle is intact: the manifest
// exists and every file it lists matches its checksum.
func (w *Writer) Verify(b Bundle) bool {
	dir := w.Dir(b)
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return false
	}
	var manifest []manifestEntry
	if err := json.Unmarshal(data, &manifest); err != nil {
		return false
	}
	for _, entry := range manifest {
		content, err := os.ReadFile(filepath.Join(dir, entry.Path))
		if err != nil {
			return false
		}
		sum := sha256.Sum256(content)
		if hex.EncodeToString(sum[:]) != entry.SHA256 {
			return false
		}
	}
	return true
}

// Load reads a bundle back from disk.
func (w *Writer) Load(model string, appNum int, taskID string) (*Bundle, error) {
	path := filepath.Join(w.root, model, fmt.Sprintf("app%d", appNum), "task_"+taskID, "payload.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load result for task %s: %w", taskID, err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode result for task %s: %w", taskID, err)
	}
	return &b, nil
}
