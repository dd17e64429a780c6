// Package store defines the durable data model for the Pynchy gateway:
// workspace profiles, JID aliases, messages, scheduled tasks, host jobs,
// task run logs, and the outbound delivery ledger. See Store for the
// semantic operations a backing engine must implement.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// MessageType classifies a Message. Only MessageTypeUser counts as
// "user-origin" for the purposes of Message.IsUserOrigin.
type MessageType string

const (
	MessageTypeUser       MessageType = "user"
	MessageTypeAssistant  MessageType = "assistant"
	MessageTypeSystem     MessageType = "system"
	MessageTypeHost       MessageType = "host"
	MessageTypeToolResult MessageType = "tool_result"
)

// deployTUISenders are literal sender tokens (beyond "contains '@'") that
// also count as user-origin, matching spec.md §3's "match the literal
// tokens for TUI/deploy" rule.
var deployTUISenders = map[string]bool{
	"tui":    true,
	"deploy": true,
}

// SenderIsUserOrigin reports whether messages from this sender are
// user-origin (visible to inbound polling) as opposed to internal
// (bot/host/tool_use/tool_result/system/thinking/result_meta).
func SenderIsUserOrigin(senderID string) bool {
	if strings.Contains(senderID, "@") {
		return true
	}
	return deployTUISenders[senderID]
}

// WorkspaceProfile identifies a chat-bound agent sandbox. One per canonical JID.
type WorkspaceProfile struct {
	JID         string    `json:"jid"`          // canonical, channel-agnostic identifier
	DisplayName string    `json:"display_name"` // human-facing label
	Folder      string    `json:"folder"`       // filesystem-safe on-disk folder name
	Trigger     string    `json:"trigger"`      // e.g. "@Bot" or "always"
	IsAdmin     bool      `json:"is_admin"`     // unlocks cross-workspace actions, host jobs, deploy
	AddedAt     time.Time `json:"added_at"`
}

// JIDAlias maps a per-channel JID to the canonical JID that owns it.
type JIDAlias struct {
	AliasJID     string `json:"alias_jid"`
	CanonicalJID string `json:"canonical_jid"`
	Channel      string `json:"channel"` // channel-name tag, e.g. "slack", "wa"
}

// Message is an immutable record in the durable message log.
type Message struct {
	ID          string          `json:"id"` // unique per chat
	ChatJID     string          `json:"chat_jid"`
	SenderID    string          `json:"sender_id"`
	DisplayName string          `json:"display_name"`
	Content     string          `json:"content"`
	Timestamp   time.Time       `json:"timestamp"` // monotonic ordering key
	IsFromMe    bool            `json:"is_from_me"`
	Type        MessageType     `json:"message_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// IsUserOrigin reports whether this message counts as user-origin.
func (m Message) IsUserOrigin() bool {
	return m.Type == MessageTypeUser && SenderIsUserOrigin(m.SenderID)
}

// OutboundLedgerEntry records one broadcast attempt for retry-on-reconnect.
type OutboundLedgerEntry struct {
	ID             int64     `json:"id"`
	ChatJID        string    `json:"chat_jid"`
	Content        string    `json:"content"`
	Source         string    `json:"source"` // e.g. "agent", "host"
	Channels       []string  `json:"channels"`
	Delivered      map[string]bool `json:"delivered"` // channel name -> delivered
	AttemptCount   int       `json:"attempt_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
}

// ScheduleType enumerates how a ScheduledTask's NextRun is computed.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// ContextMode controls whether a scheduled task shares the workspace's
// running conversation context or runs isolated.
type ContextMode string

const (
	ContextGroup    ContextMode = "group"
	ContextIsolated ContextMode = "isolated"
)

// TaskStatus is the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ScheduledTask is an agent-initiated or config-seeded recurring/one-off task.
type ScheduledTask struct {
	ID            string       `json:"id"`
	WorkspaceFolder string     `json:"workspace_folder"`
	ChatJID       string       `json:"chat_jid"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"` // cron expr | ms integer | ISO-8601
	ContextMode   ContextMode  `json:"context_mode"`
	NextRun       *time.Time   `json:"next_run"`
	LastRun       *time.Time   `json:"last_run"`
	LastResult    string       `json:"last_result"`
	Status        TaskStatus   `json:"status"`
	RepoAccess    bool         `json:"repo_access"`
	CreatedAt     time.Time    `json:"created_at"`
}

// HostJob is an admin-only scheduled shell command. Never runs in a container.
type HostJob struct {
	ID            string       `json:"id"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	Command       string       `json:"command"`
	WorkingDir    string       `json:"working_dir"`
	TimeoutSec    int          `json:"timeout_sec"`
	Enabled       bool         `json:"enabled"`
	Status        TaskStatus   `json:"status"`
	NextRun       *time.Time   `json:"next_run"`
	LastRun       *time.Time   `json:"last_run"`
}

// RunStatus is the outcome of a single TaskRunLog entry.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// TaskRunLog is an append-only execution record for a ScheduledTask or HostJob.
type TaskRunLog struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	RunAt      time.Time `json:"run_at"`
	DurationMs int64     `json:"duration_ms"`
	Status     RunStatus `json:"status"`
	Result     string    `json:"result"`
	Error      string    `json:"error"`
}

// Store is the semantic set of durable operations the message store
// backing engine must implement (spec.md §3/§6). It is intentionally
// described as operations, not SQL — see internal/store/sqlite for the
// concrete schema.
type Store interface {
	// Messages
	AppendMessage(ctx context.Context, msg Message) error
	// GetNewMessages returns messages of MessageTypeUser from every chat
	// with timestamp > since, ordered by timestamp ascending. Selection is
	// by message type only; the sender is not checked and chats are not
	// filtered by registration.
	GetNewMessages(ctx context.Context, since time.Time) ([]Message, error)
	// GetMessagesSince returns messages of MessageTypeUser for one chat
	// JID with timestamp > since; the sender is not checked.
	GetMessagesSince(ctx context.Context, chatJID string, since time.Time) ([]Message, error)
	// GetChatHistory returns ALL messages (including internal senders) for
	// a chat, honoring the chat's cleared-at marker if clearedFilter is true.
	GetChatHistory(ctx context.Context, chatJID string, limit int, clearedFilter bool) ([]Message, error)

	// Cleared-at marker
	SetClearedAt(ctx context.Context, chatJID string, at time.Time) error
	GetClearedAt(ctx context.Context, chatJID string) (*time.Time, error)

	// Cursors
	GetLastTimestamp(ctx context.Context) (time.Time, error)
	SetLastTimestamp(ctx context.Context, ts time.Time) error
	GetLastAgentTimestamp(ctx context.Context, jid string) (time.Time, error)
	SetLastAgentTimestamp(ctx context.Context, jid string, ts time.Time) error

	// Workspaces + aliases
	GetWorkspace(ctx context.Context, jid string) (*WorkspaceProfile, error)
	PutWorkspace(ctx context.Context, w WorkspaceProfile) error
	ListWorkspaces(ctx context.Context) ([]WorkspaceProfile, error)
	ResolveAlias(ctx context.Context, aliasJID string) (canonicalJID string, ok bool, err error)
	PutAlias(ctx context.Context, alias JIDAlias) error

	// Sessions (opaque to the host)
	GetSessionID(ctx context.Context, folder string) (string, error)
	SetSessionID(ctx context.Context, folder, sessionID string) error
	ClearSession(ctx context.Context, folder string) error

	// Scheduled tasks
	PutTask(ctx context.Context, t ScheduledTask) error
	GetTask(ctx context.Context, id string) (*ScheduledTask, error)
	DeleteTask(ctx context.Context, id string) error
	DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error)
	ListTasksForWorkspace(ctx context.Context, folder string) ([]ScheduledTask, error)
	ListAllTasks(ctx context.Context) ([]ScheduledTask, error)

	// Host jobs
	ListHostJobs(ctx context.Context) ([]HostJob, error)
	PutHostJob(ctx context.Context, j HostJob) error

	// Run logs
	AppendRunLog(ctx context.Context, l TaskRunLog) error

	// Outbound ledger
	AppendLedgerEntry(ctx context.Context, e OutboundLedgerEntry) (int64, error)
	MarkDelivered(ctx context.Context, id int64, channel string) error
	UndeliveredForChannel(ctx context.Context, channel string) ([]OutboundLedgerEntry, error)

	Close() error
}
