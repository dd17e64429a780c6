// Package mountsecurity validates bind mounts before they reach the
// container spawn call. Grounded on the teacher's sandbox mount
// validation style (the teacher gates what host paths its Docker-based
// sandbox may expose); here the same gate applies to every mount the
// §4.4 spawn contract builds, with extra scrutiny on the
// workspace-config-supplied "additional_mounts" list since that's the
// one source of mounts an operator writes free-form.
package mountsecurity

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/crypdick/pynchy/internal/container"
)

// forbiddenHostPrefixes never get exposed to a container, even read-only:
// they would leak host secrets or let a container escape its sandbox.
var forbiddenHostPrefixes = []string{
	"/etc/shadow",
	"/etc/ssh",
	"/root/.ssh",
	"/var/run/docker.sock",
	"/proc",
	"/sys",
}

// Validate rejects a mount whose host path is relative, empty, or under a
// forbidden prefix, or whose container path is empty.
func Validate(m container.Mount) error {
	if m.HostPath == "" {
		return fmt.Errorf("mountsecurity: empty host path")
	}
	if !filepath.IsAbs(m.HostPath) {
		return fmt.Errorf("mountsecurity: host path %q must be absolute", m.HostPath)
	}
	if m.ContainerPath == "" {
		return fmt.Errorf("mountsecurity: empty container path for host path %q", m.HostPath)
	}
	clean := filepath.Clean(m.HostPath)
	for _, prefix := range forbiddenHostPrefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return fmt.Errorf("mountsecurity: host path %q is forbidden", m.HostPath)
		}
	}
	return nil
}

// ParseAdditional parses one workspace config "additional_mounts" entry,
// in docker -v syntax ("host:container" or "host:container:ro"), and
// validates the result.
func ParseAdditional(spec string) (container.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return container.Mount{}, fmt.Errorf("mountsecurity: malformed additional mount %q, want host:container[:ro]", spec)
	}
	m := container.Mount{HostPath: parts[0], ContainerPath: parts[1]}
	if len(parts) == 3 {
		if parts[2] != "ro" && parts[2] != "rw" {
			return container.Mount{}, fmt.Errorf("mountsecurity: malformed mode %q in %q, want ro or rw", parts[2], spec)
		}
		m.ReadOnly = parts[2] == "ro"
	}
	if err := Validate(m); err != nil {
		return container.Mount{}, err
	}
	return m, nil
}

// ValidateAll parses and validates every additional_mounts entry,
// dropping (and returning separately) any that fail validation rather
// than failing the whole spawn — one misconfigured mount shouldn't block
// a workspace that has others configured correctly.
func ValidateAll(specs []string) (mounts []container.Mount, rejected []string) {
	for _, s := range specs {
		m, err := ParseAdditional(s)
		if err != nil {
			rejected = append(rejected, s)
			continue
		}
		mounts = append(mounts, m)
	}
	return mounts, rejected
}
