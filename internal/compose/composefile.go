package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the subset of a docker-compose.yml the orchestrator cares about:
// which services exist and which host ports they publish.
type File struct {
	Services map[string]Service `yaml:"services"`
}

// Service is one compose service definition.
type Service struct {
	Image string   `yaml:"image"`
	Ports []string `yaml:"ports"`
}

var composeFileNames = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}

// LoadFile reads the compose file in dir, trying the standard file names.
func LoadFile(dir string) (*File, error) {
	var lastErr error
	for _, name := range composeFileNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			lastErr = err
			continue
		}
		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return &f, nil
	}
	return nil, fmt.Errorf("no compose file in %s: %w", dir, lastErr)
}

// ServiceNames returns service names in stable order.
func (f *File) ServiceNames() []string {
	names := make([]string, 0, len(f.Services))
	for name := range f.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HostPorts returns every host port the file publishes, in ascending order.
// Compose port entries look like "6051:5000", "127.0.0.1:6051:5000" or a
// bare container port; bare entries publish no fixed host port and are
// skipped.
func (f *File) HostPorts() []int {
	var ports []int
	for _, svc := range f.Services {
		for _, entry := range svc.Ports {
			if p, ok := hostPort(entry); ok {
				ports = append(ports, p)
			}
		}
	}
	sort.Ints(ports)
	return ports
}

func hostPort(entry string) (int, bool) {
	entry = strings.TrimSpace(entry)
	if i := strings.Index(entry, "/"); i >= 0 {
		entry = entry[:i]
	}
	parts := strings.Split(entry, ":")
	if len(parts) < 2 {
		return 0, false
	}
	// host port is second from the end: [ip:]host:container
	p, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0, false
	}
	return p, true
}
