package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/crypdick/pynchy/internal/config"
	"github.com/crypdick/pynchy/internal/container"
	"github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/mountsecurity"
	"github.com/crypdick/pynchy/internal/store"
)

// buildMounts assembles the full §4.4 spawn mount list for one run,
// validating every mount (including workspace-config-supplied
// additional_mounts) through internal/mountsecurity before it reaches
// the container runner.
func (o *Orchestrator) buildMounts(folder string, ws store.WorkspaceProfile, resolved config.ResolvedWorkspaceConfig, bus *ipc.Bus, repoAccess string) ([]container.Mount, error) {
	c := o.cfg.Get()
	var mounts []container.Mount

	add := func(m container.Mount) error {
		if err := mountsecurity.Validate(m); err != nil {
			return fmt.Errorf("buildMounts %s: %w", folder, err)
		}
		mounts = append(mounts, m)
		return nil
	}

	groupDir := filepath.Join(c.DataDir, "workspaces", folder)
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure group dir %s: %w", groupDir, err)
	}
	if err := add(container.Mount{HostPath: groupDir, ContainerPath: "/workspace/group"}); err != nil {
		return nil, err
	}

	if !ws.IsAdmin {
		if dirExists(c.GlobalDir) {
			if err := add(container.Mount{HostPath: c.GlobalDir, ContainerPath: "/workspace/global", ReadOnly: true}); err != nil {
				o.log.Warn("global mount rejected", "folder", folder, "error", err)
			}
		}
	}

	if repoAccess != "" {
		wtPath := o.worktree.Path(folder)
		if err := add(container.Mount{HostPath: wtPath, ContainerPath: "/workspace/project", ReadOnly: repoAccess == "read"}); err != nil {
			return nil, err
		}
		gitDir := o.worktree.GitDir(folder)
		if dirExists(gitDir) {
			// Same host path on both sides: the worktree's ".git" file
			// references this path, and the container's git must resolve
			// it at the identical location (§4.4).
			if err := add(container.Mount{HostPath: gitDir, ContainerPath: gitDir, ReadOnly: repoAccess == "read"}); err != nil {
				o.log.Warn("worktree gitdir mount rejected", "folder", folder, "error", err)
			}
		}
	}

	claudeDir, err := o.ensureClaudeDir(folder, resolved.Skills)
	if err != nil {
		o.log.Warn("ensure claude dir failed", "folder", folder, "error", err)
	} else if err := add(container.Mount{HostPath: claudeDir, ContainerPath: "/home/agent/.claude"}); err != nil {
		return nil, err
	}

	if err := add(container.Mount{HostPath: bus.Root(), ContainerPath: "/workspace/ipc"}); err != nil {
		return nil, err
	}

	if dirExists(c.ScriptsDir) {
		if err := add(container.Mount{HostPath: c.ScriptsDir, ContainerPath: "/workspace/scripts", ReadOnly: true}); err != nil {
			o.log.Warn("scripts mount rejected", "folder", folder, "error", err)
		}
	}

	envDir, err := o.ensureEnvDir(folder)
	if err != nil {
		o.log.Warn("ensure env dir failed", "folder", folder, "error", err)
	} else if err := add(container.Mount{HostPath: envDir, ContainerPath: "/workspace/env-dir", ReadOnly: true}); err != nil {
		return nil, err
	}

	if dirExists(c.AgentSrcDir) {
		if err := add(container.Mount{HostPath: c.AgentSrcDir, ContainerPath: "/app/src", ReadOnly: true}); err != nil {
			o.log.Warn("agent src mount rejected", "folder", folder, "error", err)
		}
	}

	if ws.IsAdmin {
		cfgToml := filepath.Join(c.RepoDir, "config.toml")
		if fileExists(cfgToml) {
			if err := add(container.Mount{HostPath: cfgToml, ContainerPath: "/workspace/config.toml"}); err != nil {
				o.log.Warn("config.toml mount rejected", "folder", folder, "error", err)
			}
		}
	}

	for _, name := range resolved.MCPServers {
		path := filepath.Join(c.DataDir, "mcp", name)
		if !dirExists(path) {
			continue
		}
		if err := add(container.Mount{HostPath: path, ContainerPath: "/workspace/mcp/" + name, ReadOnly: true}); err != nil {
			o.log.Warn("plugin mcp mount rejected", "folder", folder, "server", name, "error", err)
		}
	}

	extra, rejected := mountsecurity.ValidateAll(resolved.AdditionalMounts)
	for _, r := range rejected {
		o.log.Warn("additional mount rejected by mountsecurity", "folder", folder, "spec", r)
	}
	mounts = append(mounts, extra...)

	return mounts, nil
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ensureClaudeDir creates (if absent) the per-workspace session dir
// bind-mounted at /home/agent/.claude, pre-populated with a settings
// file naming the workspace's configured skills. Grounded on §4.4's
// "pre-populated with settings and filtered skill directories".
func (o *Orchestrator) ensureClaudeDir(folder string, skills []string) (string, error) {
	dir := filepath.Join(o.cfg.Get().DataDir, "claude", folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir claude dir %s: %w", dir, err)
	}
	if err := writeSettingsFile(dir, skills); err != nil {
		return "", err
	}
	return dir, nil
}
