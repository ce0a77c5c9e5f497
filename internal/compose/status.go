package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// ContainerStatus is one container's state as reported by compose ps.
type ContainerStatus struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
}

// Healthy reports whether the container is running and, when it defines a
// healthcheck, the check passes. Containers without a healthcheck count as
// healthy once running.
func (c ContainerStatus) Healthy() bool {
	if c.State != "running" {
		return false
	}
	return c.Health == "" || c.Health == "healthy"
}

// StackStatus summarises the stack.
type StackStatus struct {
	Target     Target            `json:"target"`
	Running    bool              `json:"running"`
	Healthy    bool              `json:"healthy"`
	Containers []ContainerStatus `json:"containers"`
}

// Status inspects the target's containers. No containers means the stack is
// down, not an error.
func (d *Driver) Status(ctx context.Context, t Target) (StackStatus, error) {
	out, _, err := d.runner.Run(ctx, d.dir(t), d.env(t), "ps", "--all", "--format", "json")
	if err != nil {
		return StackStatus{Target: t}, fmt.Errorf("compose %s: ps: %w", t, err)
	}

	status := StackStatus{Target: t, Healthy: true}
	// compose v2 emits one JSON object per line
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var c ContainerStatus
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			d.logger.Warn("compose %s: unreadable ps line: %v", t, err)
			continue
		}
		status.Containers = append(status.Containers, c)
		if c.State == "running" {
			status.Running = true
		}
		if !c.Healthy() {
			status.Healthy = false
		}
	}
	if len(status.Containers) == 0 {
		status.Healthy = false
	}
	return status, nil
}

// waitHealthy polls container state until every container reports healthy,
// a container lands in a terminal failure state, or the timeout elapses.
func (d *Driver) waitHealthy(ctx context.Context, t Target) error {
	deadline := time.Now().Add(d.opts.HealthTimeout)
	ticker := time.NewTicker(d.opts.HealthInterval)
	defer ticker.Stop()

	var last StackStatus
	for {
		status, err := d.Status(ctx, t)
		if err == nil {
			last = status
			if status.Healthy && len(status.Containers) > 0 {
				return nil
			}
			for _, c := range status.Containers {
				if c.State == "exited" || c.State == "dead" || c.Health == "unhealthy" {
					return fmt.Errorf("compose %s: container %s is %s", t, c.Name, describeState(c))
				}
			}
		} else {
			d.logger.Warn("compose %s: health poll failed: %v", t, err)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("compose %s: not healthy after %s: %s", t, d.opts.HealthTimeout, summarise(last))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func describeState(c ContainerStatus) string {
	if c.Health == "unhealthy" {
		return "unhealthy"
	}
	return c.State
}

func summarise(s StackStatus) string {
	if len(s.Containers) == 0 {
		return "no containers"
	}
	parts := make([]string, 0, len(s.Containers))
	for _, c := range s.Containers {
		parts = append(parts, fmt.Sprintf("%s=%s", c.Service, describeState(c)))
	}
	return strings.Join(parts, " ")
}

// ProbePort checks that a TCP port on the host accepts connections. Used as
// a cheap readiness signal before dispatching dynamic analyses.
func ProbePort(ctx context.Context, host string, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	var dialer net.Dialer
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dialer.DialContext(dctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("port %d not reachable: %w", port, err)
	}
	return conn.Close()
}
