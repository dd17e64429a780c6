// Package dispatch routes container->host IPC requests to host-side
// effects, enforcing admin/self authorization. Per spec.md §9's
// "avoid back-pointers" guidance, the Dispatcher holds only narrow
// callback dependencies injected by the orchestrator rather than a
// reference to the orchestrator itself.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/store"
)

// Effects is the set of host-side side-effect hooks the dispatcher may
// invoke in response to a container's request. Each is independently
// nil-able; a nil hook makes that request type a no-op (Dispatch returns
// nil), except that a nil ResolveWorkspace makes a cross-workspace
// schedule_task fail.
type Effects struct {
	PutTask          func(ctx context.Context, t store.ScheduledTask) error
	PutHostJob       func(ctx context.Context, j store.HostJob) error
	SetTaskStatus    func(ctx context.Context, taskID string, status store.TaskStatus) error
	RegisterGroup    func(ctx context.Context, p ipc.RegisterGroupPayload) error
	BroadcastHost    func(ctx context.Context, jid, text string) error
	BroadcastMessage func(ctx context.Context, jid, text, senderRole string) error
	ClearSession     func(ctx context.Context, folder string) error
	EnqueueRecheck   func(jid string)
	KillContainer    func(jid string)
	TriggerDeploy    func(ctx context.Context, reason string) error
	SyncWorktree     func(ctx context.Context, folder string, msg ipc.SyncWorktreePayload) ipc.MergeResult
	MarkTaskFinished func(ctx context.Context, taskID, result string) error
	// ResolveWorkspace maps a canonical JID to its workspace folder, used
	// to validate an admin's cross-workspace target_group_jid.
	ResolveWorkspace func(ctx context.Context, jid string) (folder string, ok bool, err error)
	// AskUser posts a structured clarifying-question prompt to the user's
	// channels. The answer arrives through the normal inbound path.
	AskUser func(ctx context.Context, jid, requestID string, questions []string) error
}

// Dispatcher authorizes and routes requests drained from one workspace's
// IPC bus.
type Dispatcher struct {
	log     *slog.Logger
	effects Effects
	buses   func(folder string) *ipc.Bus
}

// New constructs a Dispatcher. buses resolves a workspace folder to its
// IPC bus, used only to write the blocking merge_results response file
// for sync_worktree_to_main requests.
func New(log *slog.Logger, effects Effects, buses func(folder string) *ipc.Bus) *Dispatcher {
	return &Dispatcher{log: log, effects: effects, buses: buses}
}

// adminOnly is the set of request types that require the source
// workspace to be the admin workspace.
var adminOnly = map[ipc.RequestType]bool{
	ipc.ReqRegisterGroup:   true,
	ipc.ReqDeploy:          true,
	ipc.ReqScheduleHostJob: true,
}

// ErrNotAuthorized is returned when a non-admin workspace issues an
// admin-only request.
var ErrNotAuthorized = fmt.Errorf("ipc: request not authorized for this workspace")

// Dispatch handles one request from the workspace "folder" at canonical
// JID "jid". isAdmin reflects that workspace's profile at dispatch time.
func (d *Dispatcher) Dispatch(ctx context.Context, folder, jid string, isAdmin bool, req ipc.Request) error {
	if adminOnly[req.Type] && !isAdmin {
		d.log.Warn("ipc request rejected: not authorized", "folder", folder, "type", req.Type)
		return ErrNotAuthorized
	}

	switch req.Type {
	case ipc.ReqMessage:
		var p ipc.MessagePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode message payload: %w", err)
		}
		if d.effects.BroadcastMessage == nil {
			return nil
		}
		return d.effects.BroadcastMessage(ctx, jid, p.Text, p.SenderRole)

	case ipc.ReqScheduleTask:
		var p ipc.ScheduleTaskPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode schedule_task payload: %w", err)
		}
		if d.effects.PutTask == nil {
			return nil
		}
		targetJID, targetFolder := jid, folder
		if p.TargetGroupJID != "" && p.TargetGroupJID != jid {
			// Cross-workspace targeting is admin-only (§4.5).
			if !isAdmin {
				d.log.Warn("ipc request rejected: cross-workspace target", "folder", folder, "target", p.TargetGroupJID)
				return ErrNotAuthorized
			}
			if d.effects.ResolveWorkspace == nil {
				return fmt.Errorf("schedule_task: cross-workspace targeting unsupported")
			}
			f, ok, err := d.effects.ResolveWorkspace(ctx, p.TargetGroupJID)
			if err != nil {
				return fmt.Errorf("schedule_task: resolve target %s: %w", p.TargetGroupJID, err)
			}
			if !ok {
				return fmt.Errorf("schedule_task: target workspace %s not found", p.TargetGroupJID)
			}
			targetJID, targetFolder = p.TargetGroupJID, f
		}
		task := store.ScheduledTask{
			ID:              newTaskID(targetFolder),
			WorkspaceFolder: targetFolder,
			ChatJID:         targetJID,
			Prompt:          p.Prompt,
			ScheduleType:    store.ScheduleType(p.ScheduleType),
			ScheduleValue:   p.ScheduleValue,
			ContextMode:     store.ContextMode(p.ContextMode),
			Status:          store.TaskActive,
			RepoAccess:      p.RepoAccess,
			CreatedAt:       time.Now().UTC(),
		}
		return d.effects.PutTask(ctx, task)

	case ipc.ReqScheduleHostJob:
		var p ipc.ScheduleHostJobPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode schedule_host_job payload: %w", err)
		}
		if d.effects.PutHostJob == nil {
			return nil
		}
		job := store.HostJob{
			ID:            newTaskID("host"),
			ScheduleType:  store.ScheduleType(p.ScheduleType),
			ScheduleValue: p.ScheduleValue,
			Command:       p.Command,
			WorkingDir:    p.WorkingDir,
			TimeoutSec:    p.TimeoutSec,
			Enabled:       true,
			Status:        store.TaskActive,
		}
		return d.effects.PutHostJob(ctx, job)

	case ipc.ReqPauseTask, ipc.ReqResumeTask, ipc.ReqCancelTask:
		var p ipc.TaskControlPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode task control payload: %w", err)
		}
		if d.effects.SetTaskStatus == nil {
			return nil
		}
		status := map[ipc.RequestType]store.TaskStatus{
			ipc.ReqPauseTask:  store.TaskPaused,
			ipc.ReqResumeTask: store.TaskActive,
			ipc.ReqCancelTask: store.TaskCompleted,
		}[req.Type]
		return d.effects.SetTaskStatus(ctx, p.TaskID, status)

	case ipc.ReqRegisterGroup:
		var p ipc.RegisterGroupPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode register_group payload: %w", err)
		}
		if d.effects.RegisterGroup == nil {
			return nil
		}
		return d.effects.RegisterGroup(ctx, p)

	case ipc.ReqAskUser:
		var p ipc.AskUserPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode ask_user payload: %w", err)
		}
		if d.effects.AskUser == nil {
			return nil
		}
		return d.effects.AskUser(ctx, jid, req.RequestID, p.Questions)

	case ipc.ReqResetContext:
		var p ipc.ResetContextPayload
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				return fmt.Errorf("decode reset_context payload: %w", err)
			}
		}
		if d.effects.ClearSession == nil {
			return nil
		}
		if err := d.effects.ClearSession(ctx, folder); err != nil {
			return fmt.Errorf("reset_context: %w", err)
		}
		if p.Prompt != "" && d.buses != nil {
			if bus := d.buses(folder); bus != nil {
				if err := bus.WriteResetPrompt(p.Prompt); err != nil {
					d.log.Warn("write reset prompt failed", "folder", folder, "error", err)
				}
			}
		}
		if d.effects.EnqueueRecheck != nil {
			d.effects.EnqueueRecheck(jid)
		}
		return nil

	case ipc.ReqFinishedWork:
		var p ipc.FinishedWorkPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode finished_work payload: %w", err)
		}
		if d.effects.MarkTaskFinished == nil {
			return nil
		}
		if err := d.effects.MarkTaskFinished(ctx, p.TaskID, p.Result); err != nil {
			return err
		}
		if d.effects.KillContainer != nil {
			d.effects.KillContainer(jid)
		}
		return nil

	case ipc.ReqSyncWorktree:
		var p ipc.SyncWorktreePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode sync_worktree payload: %w", err)
		}
		if d.effects.SyncWorktree == nil || req.RequestID == "" {
			return nil
		}
		result := d.effects.SyncWorktree(ctx, folder, p)
		d.log.Info("worktree sync dispatched", "folder", folder, "request_id", req.RequestID, "success", result.Success)
		if d.buses != nil {
			if bus := d.buses(folder); bus != nil {
				if err := bus.WriteMergeResult(req.RequestID, result); err != nil {
					return fmt.Errorf("write merge result: %w", err)
				}
			}
		}
		return nil

	case ipc.ReqDeploy:
		var p ipc.DeployPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fmt.Errorf("decode deploy payload: %w", err)
		}
		if d.effects.TriggerDeploy == nil {
			return nil
		}
		return d.effects.TriggerDeploy(ctx, p.Reason)

	default:
		d.log.Warn("ipc request: unknown type", "type", req.Type, "folder", folder)
		return nil
	}
}

func newTaskID(folder string) string {
	return fmt.Sprintf("%s-%d", folder, time.Now().UnixNano())
}
