// Package container spawns the isolated agent-core process per run,
// streams its marker-delimited stdout, enforces the rolling idle+hard
// timeout, and applies the final-result policy. Grounded on the
// teacher's pattern of shelling to an external runtime CLI (its
// sandbox.DockerManager invokes "docker run" via os/exec) and on
// the container runner's recorded timeout/streaming semantics.
package container

import "encoding/json"

// Input is the container's stdin contract (snake_case JSON), §4.4/§6.
type Input struct {
	Messages         []InputMessage  `json:"messages"`
	GroupFolder      string          `json:"group_folder"`
	ChatJID          string          `json:"chat_jid"`
	IsAdmin          bool            `json:"is_admin"`
	SessionID        string          `json:"session_id,omitempty"`
	IsScheduledTask  bool            `json:"is_scheduled_task"`
	SystemNotices    []string        `json:"system_notices,omitempty"`
	RepoAccess       string          `json:"repo_access,omitempty"`
	AgentCoreModule  string          `json:"agent_core_module"`
	AgentCoreClass   string          `json:"agent_core_class"`
	AgentCoreConfig  json.RawMessage `json:"agent_core_config,omitempty"`
	PluginMCPServers map[string]any  `json:"plugin_mcp_servers,omitempty"`
}

// InputMessage is one formatted message handed to the agent core.
type InputMessage struct {
	SenderID    string `json:"sender_id"`
	DisplayName string `json:"display_name"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
	IsFromMe    bool   `json:"is_from_me"`
}

// EventType enumerates the streamed output event kinds, §6.
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventText       EventType = "text"
	EventSystem     EventType = "system"
	EventResult     EventType = "result"
)

// Event is one parsed marker-delimited stdout event.
type Event struct {
	Status string    `json:"status"` // "success" | "error"
	Type   EventType `json:"type"`

	Thinking string `json:"thinking,omitempty"`

	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	ToolResultID      string `json:"tool_result_id,omitempty"`
	ToolResultContent string `json:"tool_result_content,omitempty"`
	ToolResultIsError bool   `json:"tool_result_is_error,omitempty"`

	Text string `json:"text,omitempty"`

	SystemSubtype string          `json:"system_subtype,omitempty"`
	SystemData    json.RawMessage `json:"system_data,omitempty"`

	Result         string          `json:"result,omitempty"`
	NewSessionID   string          `json:"new_session_id,omitempty"`
	ResultMetadata json.RawMessage `json:"result_metadata,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Result is the final outcome of a container run, per the §4.4 final
// result policy.
type Result struct {
	Status       string // "success" | "error"
	Result       string
	NewSessionID string
	Error        string
	TimedOut     bool
	ExitCode     int
}

// Mount describes one bind mount into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Limits bounds a single run.
type Limits struct {
	MaxOutputSize    int // bytes; excess stdout is dropped from the in-memory buffer, not the process
	ContainerTimeout int // seconds, configured floor for the rolling timer
	IdleTimeout      int // seconds
}

// EffectiveTimeout implements §4.4's single rolling timer formula.
func (l Limits) EffectiveTimeout() int {
	floor := l.IdleTimeout + 30
	if l.ContainerTimeout > floor {
		return l.ContainerTimeout
	}
	return floor
}
