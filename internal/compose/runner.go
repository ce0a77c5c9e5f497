package compose

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner executes compose invocations. The production implementation shells
// out to the docker CLI; tests substitute a fake.
type Runner interface {
	// Run executes `docker compose <args>` in dir with extra environment
	// variables appended, returning trimmed stdout and stderr.
	Run(ctx context.Context, dir string, env []string, args ...string) (string, string, error)
}

// CLIRunner implements Runner by shelling out to the docker CLI.
type CLIRunner struct {
	dockerBin string
}

// NewCLIRunner creates a CLI-based compose runner.
func NewCLIRunner() *CLIRunner {
	bin := "docker"
	if p, err := exec.LookPath("docker"); err == nil {
		bin = p
	}
	return &CLIRunner{dockerBin: bin}
}

func (r *CLIRunner) Run(ctx context.Context, dir string, env []string, args ...string) (string, string, error) {
	full := append([]string{"compose"}, args...)
	cmd := exec.CommandContext(ctx, r.dockerBin, full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())
	if err != nil {
		return out, errOut, fmt.Errorf("docker compose %s: %s: %w", strings.Join(args, " "), errOut, err)
	}
	return out, errOut, nil
}
