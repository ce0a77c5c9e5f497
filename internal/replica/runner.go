package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"argus/internal/analysis"
	"argus/internal/logging"
	"argus/internal/normalize"
	"argus/internal/protocol"
)

var (
	errUnknownKind = errors.New("unknown analysis kind")
	errTargetDown  = errors.New("target application unreachable")
)

// CommandRunner executes one tool process. Tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

// ExecRunner is the production CommandRunner.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// analysis tools signal findings through exit codes; only a
		// failure to launch is an error here
		exitCode = exitErr.ExitCode()
		err = nil
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// toolCommand builds the argv for one tool against a source dir or target.
type toolCommand func(sourceDir, targetURL string) (name string, args []string, raw normalize.RawKind)

var toolCommands = map[string]toolCommand{
	"bandit": func(dir, _ string) (string, []string, normalize.RawKind) {
		return "bandit", []string{"-r", dir, "-f", "json", "-q"}, normalize.RawJSON
	},
	"pylint": func(dir, _ string) (string, []string, normalize.RawKind) {
		return "pylint", []string{"--output-format=json", "--recursive=y", dir}, normalize.RawJSON
	},
	"semgrep": func(dir, _ string) (string, []string, normalize.RawKind) {
		return "semgrep", []string{"scan", "--config", "auto", "--json", "--quiet", dir}, normalize.RawJSON
	},
	"mypy": func(dir, _ string) (string, []string, normalize.RawKind) {
		return "mypy", []string{"--no-error-summary", dir}, normalize.RawText
	},
	"safety": func(dir, _ string) (string, []string, normalize.RawKind) {
		return "safety", []string{"check", "--json", "-r", dir + "/requirements.txt"}, normalize.RawJSON
	},
	"vulture": func(dir, _ string) (string, []string, normalize.RawKind) {
		return "vulture", []string{dir}, normalize.RawText
	},
	"eslint": func(dir, _ string) (string, []string, normalize.RawKind) {
		return "npx", []string{"--no-install", "eslint", "-f", "json", "."}, normalize.RawJSON
	},
	"npm-audit": func(dir, _ string) (string, []string, normalize.RawKind) {
		return "npm", []string{"audit", "--json"}, normalize.RawJSON
	},
	"zap": func(_, target string) (string, []string, normalize.RawKind) {
		return "zap-baseline.py", []string{"-t", target, "-J", "-"}, normalize.RawJSON
	},
	"nikto": func(_, target string) (string, []string, normalize.RawKind) {
		return "nikto", []string{"-h", target, "-nointeractive"}, normalize.RawText
	},
	"locust": func(dir, target string) (string, []string, normalize.RawKind) {
		return "locust", []string{"--headless", "-f", dir + "/locustfile.py", "--host", target,
			"-u", "10", "-r", "2", "--run-time", "60s", "--json"}, normalize.RawJSON
	},
	"ab": func(_, target string) (string, []string, normalize.RawKind) {
		return "ab", []string{"-n", "200", "-c", "10", target + "/"}, normalize.RawText
	},
}

// ToolRunner runs the tools of an analysis kind and assembles the response
// payload the orchestrator normalises.
type ToolRunner struct {
	commands CommandRunner
	registry *normalize.Registry
	reviewer *Reviewer
	appsRoot string
	client   *http.Client
	logger   logging.Logger
}

// NewToolRunner builds a tool runner. reviewer may be nil when the replica
// does not serve AI analyses.
func NewToolRunner(commands CommandRunner, registry *normalize.Registry, reviewer *Reviewer, appsRoot string, logger logging.Logger) *ToolRunner {
	return &ToolRunner{
		commands: commands,
		registry: registry,
		reviewer: reviewer,
		appsRoot: appsRoot,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logging.OrNop(logger),
	}
}

func (r *ToolRunner) sourceDir(req protocol.Request) string {
	return fmt.Sprintf("%s/%s/app%d", strings.TrimRight(r.appsRoot, "/"), req.Model, req.AppNum)
}

// Run executes every tool of the request's kind and returns the payload map:
// one normalised entry per tool plus reserved metadata keys.
func (r *ToolRunner) Run(ctx context.Context, req protocol.Request, progress func(protocol.Progress)) (map[string]any, error) {
	kind, err := analysis.ParseKind(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w %q", errUnknownKind, req.Kind)
	}

	tools := req.Tools
	if len(tools) == 0 {
		for _, t := range analysis.ToolsForKind(kind) {
			tools = append(tools, t.Name)
		}
	}

	if kind.RequiresRunningTarget() {
		if err := r.probeTarget(ctx, req.TargetURL); err != nil {
			return nil, err
		}
	}

	started := time.Now()
	payload := map[string]any{}
	for i, name := range tools {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress(protocol.Progress{
			Stage:   "tool",
			Tool:    name,
			Percent: float64(i) / float64(len(tools)) * 100,
			Message: fmt.Sprintf("running %s (%d/%d)", name, i+1, len(tools)),
		})
		payload[strings.ToLower(name)] = r.runTool(ctx, name, req)
	}

	payload["analysis_time"] = time.Since(started).Seconds()
	payload["_metadata"] = map[string]any{
		"model":   req.Model,
		"app_num": req.AppNum,
		"kind":    req.Kind,
	}
	progress(protocol.Progress{Stage: "done", Percent: 100})
	return payload, nil
}

func (r *ToolRunner) runTool(ctx context.Context, name string, req protocol.Request) map[string]any {
	if name == "ai-review" {
		return r.runReview(ctx, req)
	}

	command, ok := toolCommands[name]
	if !ok {
		return toolMap(analysis.ToolResult{ToolRecord: analysis.ToolRecord{
			Tool: name, Status: analysis.StatusFailed, Error: "no command for tool",
		}})
	}

	bin, args, rawKind := command(r.sourceDir(req), req.TargetURL)
	start := time.Now()
	stdout, stderr, exitCode, err := r.commands.Run(ctx, r.sourceDir(req), bin, args...)
	duration := time.Since(start).Seconds()
	if err != nil {
		r.logger.Warn("replica: %s did not launch: %v", name, err)
		return toolMap(analysis.ToolResult{ToolRecord: analysis.ToolRecord{
			Tool: name, Status: analysis.StatusFailed, Error: fmt.Sprintf("launch failed: %v", err), DurationSeconds: duration,
		}})
	}

	result, doc := r.registry.Normalise(name, normalize.RawOutput{
		Kind:            rawKind,
		Stdout:          stdout,
		Stderr:          stderr,
		ExitCode:        exitCode,
		DurationSeconds: duration,
	})
	if doc != nil {
		result.SarifFile = fmt.Sprintf("sarif/%s.sarif", name)
	}
	return toolMap(result)
}

func (r *ToolRunner) runReview(ctx context.Context, req protocol.Request) map[string]any {
	if r.reviewer == nil {
		return toolMap(analysis.ToolResult{ToolRecord: analysis.ToolRecord{
			Tool: "ai-review", Status: analysis.StatusSkipped, Error: "no reviewer configured",
		}})
	}
	result := r.reviewer.Review(ctx, r.sourceDir(req))
	return toolMap(result)
}

// probeTarget verifies the application answers HTTP before dynamic tools run.
func (r *ToolRunner) probeTarget(ctx context.Context, target string) error {
	if target == "" {
		return fmt.Errorf("%w: no target url", errTargetDown)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errTargetDown, err)
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", errTargetDown, err)
	}
	resp.Body.Close()
	return nil
}

// toolMap converts a ToolResult into the generic payload form.
func toolMap(result analysis.ToolResult) map[string]any {
	data, err := json.Marshal(result)
	if err != nil {
		return map[string]any{"tool": result.Tool, "status": string(analysis.StatusFailed), "error": "unencodable result"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"tool": result.Tool, "status": string(analysis.StatusFailed), "error": "unencodable result"}
	}
	return m
}
