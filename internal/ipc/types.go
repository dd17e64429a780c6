// Package ipc implements the host/container file-bus: atomic writes of
// request files under data/ipc/<workspace-folder>/, consumed and
// unlinked by their reader, plus the authoritative snapshot files
// written before every container launch.
package ipc

import "encoding/json"

// RequestType tags a container->host or host->container IPC file.
type RequestType string

const (
	ReqMessage          RequestType = "message"
	ReqScheduleTask      RequestType = "schedule_task"
	ReqScheduleHostJob   RequestType = "schedule_host_job"
	ReqPauseTask         RequestType = "pause_task"
	ReqResumeTask        RequestType = "resume_task"
	ReqCancelTask        RequestType = "cancel_task"
	ReqRegisterGroup     RequestType = "register_group"
	ReqAskUser           RequestType = "ask_user"
	ReqResetContext      RequestType = "reset_context"
	ReqFinishedWork      RequestType = "finished_work"
	ReqSyncWorktree      RequestType = "sync_worktree_to_main"
	ReqDeploy            RequestType = "deploy"
)

// Request is the envelope every container->host IPC file carries: a type
// tag plus request-specific fields left as raw JSON for the dispatcher
// to further unmarshal per type.
type Request struct {
	Type      RequestType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"-"`
}

// MessagePayload backs ReqMessage: outbound user-facing text.
type MessagePayload struct {
	Text       string `json:"text"`
	SenderRole string `json:"sender_role,omitempty"`
}

// ScheduleTaskPayload backs ReqScheduleTask. TargetGroupJID schedules
// the task against another workspace's chat; only the admin workspace
// may set it.
type ScheduleTaskPayload struct {
	Prompt         string `json:"prompt"`
	ScheduleType   string `json:"schedule_type"`
	ScheduleValue  string `json:"schedule_value"`
	ContextMode    string `json:"context_mode"`
	RepoAccess     bool   `json:"repo_access"`
	TargetGroupJID string `json:"target_group_jid,omitempty"`
}

// ScheduleHostJobPayload backs ReqScheduleHostJob. Admin-only.
type ScheduleHostJobPayload struct {
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Command       string `json:"command"`
	WorkingDir    string `json:"working_dir"`
	TimeoutSec    int    `json:"timeout_sec"`
}

// TaskControlPayload backs pause_task/resume_task/cancel_task.
type TaskControlPayload struct {
	TaskID string `json:"task_id"`
}

// RegisterGroupPayload backs ReqRegisterGroup. Admin-only.
type RegisterGroupPayload struct {
	JID     string `json:"jid"`
	Name    string `json:"name"`
	Folder  string `json:"folder"`
	Trigger string `json:"trigger"`
}

// AskUserPayload backs ReqAskUser: the container wants a structured
// clarifying answer from the user. Channels without the ask-user
// capability receive the questions as a plain message; the answer comes
// back through the normal inbound path and is forwarded via input/.
type AskUserPayload struct {
	Questions []string `json:"questions"`
}

// ResetContextPayload backs ReqResetContext: an optional handoff prompt
// written to reset_prompt.json and prepended to the next session.
type ResetContextPayload struct {
	Prompt string `json:"prompt,omitempty"`
}

// FinishedWorkPayload backs ReqFinishedWork: scheduled-task self-shutdown.
type FinishedWorkPayload struct {
	TaskID string `json:"task_id"`
	Result string `json:"result"`
}

// SyncWorktreePayload backs ReqSyncWorktree.
type SyncWorktreePayload struct {
	CommitMessage string `json:"commit_message,omitempty"`
}

// DeployPayload backs ReqDeploy. Admin-only.
type DeployPayload struct {
	Reason string `json:"reason,omitempty"`
}

// MergeResult is written to merge_results/<requestId>.json in response to
// a sync_worktree_to_main request. The container polls for this file.
type MergeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CurrentTasksSnapshot is written atomically before every container
// launch. Non-admin workspaces see only their own tasks and no host jobs.
type CurrentTasksSnapshot struct {
	Tasks     []TaskView `json:"tasks"`
	HostJobs  []HostJobView `json:"host_jobs,omitempty"`
}

type TaskView struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"group_folder"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Status        string `json:"status"`
	NextRun       string `json:"next_run,omitempty"`
}

type HostJobView struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Status  string `json:"status"`
	NextRun string `json:"next_run,omitempty"`
}

// AvailableGroupsSnapshot is written atomically before every container
// launch. Non-admin workspaces always see an empty list.
type AvailableGroupsSnapshot struct {
	Groups []GroupView `json:"groups"`
}

type GroupView struct {
	JID    string `json:"jid"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
}
