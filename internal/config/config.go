// Package config loads the Pynchy gateway's TOML configuration document
// and resolves per-workspace effective policy. Struct shape follows the
// teacher's nested-sub-config, ReplaceFrom-on-reload convention.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// TriggerMode is how a non-admin workspace gates agent activation.
type TriggerMode string

const (
	TriggerAlways  TriggerMode = "always"
	TriggerMention TriggerMode = "mention"
)

// AccessMode controls whether a workspace may launch a container at all.
type AccessMode string

const (
	AccessRead      AccessMode = "read"
	AccessWrite     AccessMode = "write"
	AccessReadWrite AccessMode = "read-write"
)

// GitPolicy controls worktree publish behavior.
type GitPolicy string

const (
	GitMergeToMain  GitPolicy = "merge-to-main"
	GitPullRequest  GitPolicy = "pull-request"
)

// WorkspaceConfig is one [workspaces.<folder>] table.
type WorkspaceConfig struct {
	Name            string      `toml:"name"`
	IsAdmin         bool        `toml:"is_admin"`
	Trigger         TriggerMode `toml:"trigger"`
	Access          AccessMode  `toml:"access"`
	GitPolicy       GitPolicy   `toml:"git_policy"`
	RepoAccess      string      `toml:"repo_access"`
	MCPServers      []string    `toml:"mcp_servers"`
	AdditionalMounts []string   `toml:"additional_mounts"`
	Skills          []string    `toml:"skills"`
	// Tasks seeds [workspaces.<folder>.tasks.<name>] scheduled tasks into
	// the store at startup (§4.10 step 8 "seed tasks from config").
	Tasks map[string]TaskConfig `toml:"tasks"`
}

// TaskConfig is one [workspaces.<folder>.tasks.<name>] table — a
// scheduled task materialized into the store on startup if it isn't
// there already (seeding is keyed by folder+name, so re-running startup
// never duplicates a task).
type TaskConfig struct {
	Prompt        string `toml:"prompt"`
	ScheduleType  string `toml:"schedule_type"` // "cron" | "interval" | "once"
	ScheduleValue string `toml:"schedule_value"`
	RepoAccess    bool   `toml:"repo_access"`
}

// CronJobConfig is one [cron_jobs.<name>] table — an admin-only host job.
type CronJobConfig struct {
	Schedule string `toml:"schedule"`
	Command  string `toml:"command"`
	Enabled  bool   `toml:"enabled"`
}

// SchedulerConfig controls the scheduled-task poll loop.
type SchedulerConfig struct {
	PollInterval time.Duration `toml:"-"`
	PollIntervalRaw string     `toml:"poll_interval"`
}

// IntervalsConfig controls the inbound polling loop.
type IntervalsConfig struct {
	MessagePoll    time.Duration `toml:"-"`
	MessagePollRaw string        `toml:"message_poll"`
}

// ContainerConfig controls container runner resource limits.
type ContainerConfig struct {
	MaxOutputSize    int `toml:"max_output_size"`
	ContainerTimeout int `toml:"container_timeout"` // seconds
	IdleTimeout      int `toml:"idle_timeout"`       // seconds
}

// AgentConfig names the agent identity and default core selection.
type AgentConfig struct {
	Name         string `toml:"name"`
	Trigger      string `toml:"trigger"`
	Core         string `toml:"core"`
	EmojiPrefix  string `toml:"emoji_prefix"`
}

// Config is the full resolved document.
type Config struct {
	Agent      AgentConfig                 `toml:"agent"`
	Workspaces map[string]WorkspaceConfig  `toml:"workspaces"`
	CronJobs   map[string]CronJobConfig    `toml:"cron_jobs"`
	Scheduler  SchedulerConfig             `toml:"scheduler"`
	Intervals  IntervalsConfig             `toml:"intervals"`
	Container  ContainerConfig             `toml:"container"`

	DataDir      string `toml:"data_dir"`
	WorktreesDir string `toml:"worktrees_dir"`
	RepoDir      string `toml:"repo_dir"`

	// GlobalDir, ScriptsDir, AgentSrcDir back the §4.4 spawn mount
	// contract: global shared read-only data, host-side hook scripts, and
	// the agent-runner source tree respectively.
	GlobalDir   string `toml:"global_dir"`
	ScriptsDir  string `toml:"scripts_dir"`
	AgentSrcDir string `toml:"agent_src_dir"`
}

func defaults() Config {
	return Config{
		Agent: AgentConfig{Name: "pynchy", Trigger: "@pynchy", Core: "default", EmojiPrefix: "\U0001F99E "},
		Scheduler: SchedulerConfig{PollInterval: 5 * time.Second, PollIntervalRaw: "5s"},
		Intervals: IntervalsConfig{MessagePoll: time.Second, MessagePollRaw: "1s"},
		Container: ContainerConfig{MaxOutputSize: 1 << 20, ContainerTimeout: 600, IdleTimeout: 120},
		DataDir:      "./data",
		WorktreesDir: "./data/worktrees",
		RepoDir:      ".",
		GlobalDir:    "./data/global",
		ScriptsDir:   "./scripts",
		AgentSrcDir:  "./agent-runner/src",
	}
}

// Load reads and parses a TOML config document at path, applying defaults
// for anything unset.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		// Missing config file: run on defaults (mirrors the teacher's
		// first-run fallback, minus the interactive onboarding wizard).
	}
	if cfg.Scheduler.PollIntervalRaw != "" {
		d, err := time.ParseDuration(cfg.Scheduler.PollIntervalRaw)
		if err != nil {
			return nil, fmt.Errorf("scheduler.poll_interval: %w", err)
		}
		cfg.Scheduler.PollInterval = d
	}
	if cfg.Intervals.MessagePollRaw != "" {
		d, err := time.ParseDuration(cfg.Intervals.MessagePollRaw)
		if err != nil {
			return nil, fmt.Errorf("intervals.message_poll: %w", err)
		}
		cfg.Intervals.MessagePoll = d
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	admins := 0
	for folder, w := range c.Workspaces {
		if w.IsAdmin {
			admins++
		}
		if w.Trigger == "" {
			w.Trigger = TriggerMention
			c.Workspaces[folder] = w
		}
	}
	if admins > 1 {
		return fmt.Errorf("config: expected zero or one admin workspace, found %d", admins)
	}
	return nil
}

// ResolvedWorkspaceConfig is the computed effective policy for one
// workspace, per spec.md §3 "Workspace resolved config".
type ResolvedWorkspaceConfig struct {
	Folder           string
	Trigger          TriggerMode
	Access           AccessMode
	GitPolicy        GitPolicy
	RepoAccess       string
	Skills           []string
	MCPServers       []string
	AdditionalMounts []string
}

// Resolve computes the effective config for folder, applying defaults
// for any unset field.
func (c *Config) Resolve(folder string) ResolvedWorkspaceConfig {
	w, ok := c.Workspaces[folder]
	r := ResolvedWorkspaceConfig{Folder: folder, Trigger: TriggerMention, Access: AccessReadWrite, GitPolicy: GitMergeToMain}
	if !ok {
		return r
	}
	if w.Trigger != "" {
		r.Trigger = w.Trigger
	}
	if w.IsAdmin {
		r.Trigger = TriggerAlways
	}
	if w.Access != "" {
		r.Access = w.Access
	}
	if w.GitPolicy != "" {
		r.GitPolicy = w.GitPolicy
	}
	r.RepoAccess = w.RepoAccess
	r.Skills = w.Skills
	r.MCPServers = w.MCPServers
	r.AdditionalMounts = w.AdditionalMounts
	return r
}

// IsAdmin reports whether folder is configured as the admin workspace.
func (c *Config) IsAdmin(folder string) bool {
	w, ok := c.Workspaces[folder]
	return ok && w.IsAdmin
}

// Live is a hot-reloadable config handle, guarded the way the teacher
// guards its live settings object: a pointer swap under RWMutex so
// readers never block a reload.
type Live struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewLive(cfg *Config) *Live { return &Live{cfg: cfg} }

func (l *Live) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// ReplaceFrom atomically swaps in a freshly loaded config, e.g. on SIGHUP.
func (l *Live) ReplaceFrom(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// EnsureDataDirs creates the data/worktree directory tree if absent.
func (c *Config) EnsureDataDirs() error {
	for _, dir := range []string{c.DataDir, c.WorktreesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}
