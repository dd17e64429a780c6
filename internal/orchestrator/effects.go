package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/crypdick/pynchy/internal/config"
	"github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/store"
	"github.com/crypdick/pynchy/internal/worktree"
)

// effectPutTask backs schedule_task: an IPC-created task arrives without
// a next_run, so compute its first one before persisting — otherwise
// DueTasks would never see it.
func (o *Orchestrator) effectPutTask(ctx context.Context, t store.ScheduledTask) error {
	if t.NextRun == nil && t.Status == store.TaskActive {
		next, err := nextRunFor(t.ScheduleType, t.ScheduleValue, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("put task %s: first next_run: %w", t.ID, err)
		}
		t.NextRun = next
	}
	return o.store.PutTask(ctx, t)
}

// effectResolveWorkspace maps a canonical JID to its folder, for the
// dispatcher's cross-workspace target validation.
func (o *Orchestrator) effectResolveWorkspace(ctx context.Context, jid string) (string, bool, error) {
	ws, err := o.store.GetWorkspace(ctx, jid)
	if err != nil {
		return "", false, err
	}
	if ws == nil {
		return "", false, nil
	}
	return ws.Folder, true, nil
}

// effectAskUser backs ask_user: record the pending request so the
// pipeline routes the user's next message back as an ask_user_answer,
// then fan the questions out to the workspace's channels.
func (o *Orchestrator) effectAskUser(ctx context.Context, jid, requestID string, questions []string) error {
	o.asksMu.Lock()
	o.pendingAsks[jid] = requestID
	o.asksMu.Unlock()
	return o.plane.SendAskUserToChannels(ctx, jid, requestID, questions)
}

// takePendingAsk reports and clears jid's pending ask_user request.
func (o *Orchestrator) takePendingAsk(jid string) (string, bool) {
	o.asksMu.Lock()
	defer o.asksMu.Unlock()
	id, ok := o.pendingAsks[jid]
	if ok {
		delete(o.pendingAsks, jid)
	}
	return id, ok
}

// effectSetTaskStatus backs pause_task/resume_task/cancel_task.
func (o *Orchestrator) effectSetTaskStatus(ctx context.Context, taskID string, status store.TaskStatus) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("set task status: lookup %s: %w", taskID, err)
	}
	if t == nil {
		return fmt.Errorf("set task status: task %s not found", taskID)
	}
	t.Status = status
	return o.store.PutTask(ctx, *t)
}

// effectRegisterGroup backs the admin-only register_group request: it
// materializes a new workspace profile for a channel-created chat.
func (o *Orchestrator) effectRegisterGroup(ctx context.Context, p ipc.RegisterGroupPayload) error {
	profile := store.WorkspaceProfile{
		JID: p.JID, DisplayName: p.Name, Folder: p.Folder, Trigger: p.Trigger,
	}
	return o.store.PutWorkspace(ctx, profile)
}

func (o *Orchestrator) effectBroadcastHost(ctx context.Context, jid, text string) error {
	return o.plane.BroadcastHostMessage(ctx, jid, text)
}

// effectBroadcastMessage backs the container's send_message request
// (§4.5): agent-originated text fans out via BroadcastToChannels (the
// agent's own source, §4.8), not the host-message path, so it gets the
// per-channel assistant-name prefix rather than the "🏠" host marker.
func (o *Orchestrator) effectBroadcastMessage(ctx context.Context, jid, text, senderRole string) error {
	source := senderRole
	if source == "" {
		source = "agent"
	}
	o.plane.BroadcastToChannels(ctx, jid, text, source)
	return nil
}

// effectKillContainer backs finished_work's self-shutdown: stop the
// active process for jid if one is tracked.
func (o *Orchestrator) effectKillContainer(jid string) {
	o.runsMu.Lock()
	run, ok := o.runs[jid]
	o.runsMu.Unlock()
	if ok {
		run.cancel()
	}
}

// effectTriggerDeploy backs the admin-only deploy request and the
// redeploy magic command. Actual deploy execution is host-environment
// specific and out of this core's scope (spec.md §1 non-goals); this
// records the intent via a host broadcast.
func (o *Orchestrator) effectTriggerDeploy(ctx context.Context, reason string) error {
	o.log.Info("deploy triggered", "reason", reason)
	admin, err := o.adminWorkspace(ctx)
	if err != nil || admin == nil {
		return err
	}
	return o.plane.BroadcastHostMessage(ctx, admin.JID, "deploy triggered: "+reason)
}

// effectSyncWorktree backs sync_worktree_to_main: runs the configured
// git policy synchronously and returns the merge result the container is
// polling for.
func (o *Orchestrator) effectSyncWorktree(ctx context.Context, folder string, _ ipc.SyncWorktreePayload) ipc.MergeResult {
	resolved := o.cfg.Get().Resolve(folder)
	policy := worktree.Policy(resolved.GitPolicy)
	result := o.worktree.Publish(ctx, folder, repoSlugFor(o.repoDir), policy)
	return ipc.MergeResult{Success: result.Success, Message: result.Message}
}

// effectMarkTaskFinished backs finished_work: records the final result
// and marks the task completed.
func (o *Orchestrator) effectMarkTaskFinished(ctx context.Context, taskID, result string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("mark task finished: lookup %s: %w", taskID, err)
	}
	if t == nil {
		return nil
	}
	t.Status = store.TaskCompleted
	t.LastResult = result
	return o.store.PutTask(ctx, *t)
}

func (o *Orchestrator) adminWorkspace(ctx context.Context) (*store.WorkspaceProfile, error) {
	all, err := o.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	for _, w := range all {
		if w.IsAdmin {
			ws := w
			return &ws, nil
		}
	}
	return nil, nil
}

// publishWorktree runs in the background after a successful repo-access
// agent run (§4.2 step 8): merge-and-publish per the workspace's git
// policy, notifying the workspace of the outcome.
func (o *Orchestrator) publishWorktree(folder string, policy config.GitPolicy) {
	ctx := context.Background()
	result := o.worktree.Publish(ctx, folder, repoSlugFor(o.repoDir), worktree.Policy(policy))

	ws, err := o.store.GetWorkspace(ctx, jidForFolder(folder, o.store))
	if err != nil || ws == nil {
		o.log.Warn("publish worktree: workspace lookup failed", "folder", folder, "error", err)
		return
	}
	msg := result.Message
	if !result.Success {
		msg = "worktree publish failed: " + msg
	}
	if err := o.plane.BroadcastHostMessage(ctx, ws.JID, msg); err != nil {
		o.log.Warn("publish worktree: notify failed", "folder", folder, "error", err)
	}
	if result.DeployNeeded {
		if err := o.effectTriggerDeploy(ctx, "worktree merge touched deploy-relevant paths"); err != nil {
			o.log.Warn("publish worktree: deploy trigger failed", "folder", folder, "error", err)
		}
	}
	if result.MainMoved {
		o.notifyOtherWorktrees(ctx, folder)
	}
}

// notifyOtherWorktrees implements §4.7's "notify all other worktrees" on
// main movement: every other repo-access workspace gets its worktree
// rebased onto the new main, and its workspace is told the outcome.
func (o *Orchestrator) notifyOtherWorktrees(ctx context.Context, movedFolder string) {
	all, err := o.store.ListWorkspaces(ctx)
	if err != nil {
		o.log.Warn("notify other worktrees: list workspaces failed", "error", err)
		return
	}
	c := o.cfg.Get()
	for _, w := range all {
		if w.Folder == movedFolder {
			continue
		}
		resolved := c.Resolve(w.Folder)
		if resolved.RepoAccess == "" {
			continue
		}
		notice, err := o.worktree.Reconcile(ctx, w.Folder)
		if err != nil {
			o.log.Warn("notify other worktrees: reconcile failed", "folder", w.Folder, "error", err)
			continue
		}
		if notice == "" {
			continue
		}
		if err := o.plane.BroadcastHostMessage(ctx, w.JID, notice); err != nil {
			o.log.Warn("notify other worktrees: broadcast failed", "folder", w.Folder, "error", err)
		}
	}
}

// jidForFolder reverse-looks-up a workspace's canonical JID from its
// folder name by scanning the workspace list; folders are unique per
// workspace so this is unambiguous.
func jidForFolder(folder string, st store.Store) string {
	all, err := st.ListWorkspaces(context.Background())
	if err != nil {
		return ""
	}
	for _, w := range all {
		if w.Folder == folder {
			return w.JID
		}
	}
	return ""
}
