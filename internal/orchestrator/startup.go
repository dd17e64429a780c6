package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/crypdick/pynchy/internal/channels"
	"github.com/crypdick/pynchy/internal/config"
	"github.com/crypdick/pynchy/internal/store"
)

// bootstrapAdminWorkspace implements §4.10 step 6: on first run (no
// workspaces registered at all), create an admin workspace bound to the
// CLI channel so there is always a way to operate the gateway.
func (o *Orchestrator) bootstrapAdminWorkspace(ctx context.Context) error {
	all, err := o.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	if len(all) > 0 {
		return nil
	}
	profile := store.WorkspaceProfile{
		JID: "cli:local", DisplayName: "admin", Folder: "admin",
		Trigger: "always", IsAdmin: true, AddedAt: time.Now().UTC(),
	}
	if err := o.store.PutWorkspace(ctx, profile); err != nil {
		return fmt.Errorf("create admin workspace: %w", err)
	}
	o.log.Info("first run: created admin workspace", "jid", profile.JID)
	return nil
}

// reconcileWorktrees implements §4.10 step 7: every workspace with
// non-empty repo access gets its worktree created/repaired/rebased.
func (o *Orchestrator) reconcileWorktrees(ctx context.Context) error {
	all, err := o.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	c := o.cfg.Get()
	for _, w := range all {
		resolved := c.Resolve(w.Folder)
		if resolved.RepoAccess == "" {
			continue
		}
		notice, err := o.worktree.Reconcile(ctx, w.Folder)
		if err != nil {
			o.log.Error("worktree reconcile failed", "folder", w.Folder, "error", err)
			continue
		}
		if notice != "" {
			if bErr := o.plane.BroadcastHostMessage(ctx, w.JID, notice); bErr != nil {
				o.log.Warn("worktree notice broadcast failed", "folder", w.Folder, "error", bErr)
			}
		}
	}
	return nil
}

// worktreeWatchPaths builds the folder-by-path map the dirty watcher
// needs, and registers each repo-access workspace's worktree path.
func (o *Orchestrator) worktreeWatchPaths(ctx context.Context) map[string]string {
	out := make(map[string]string)
	if o.dirty == nil {
		return out
	}
	all, err := o.store.ListWorkspaces(ctx)
	if err != nil {
		return out
	}
	c := o.cfg.Get()
	for _, w := range all {
		resolved := c.Resolve(w.Folder)
		if resolved.RepoAccess == "" {
			continue
		}
		path := o.worktree.Path(w.Folder)
		if err := o.dirty.Watch(w.Folder, path); err != nil {
			o.log.Debug("dirty watcher: add path failed", "folder", w.Folder, "error", err)
			continue
		}
		out[path] = w.Folder
	}
	return out
}

// recoverPendingMessages implements §4.10 step 12's recovery half: any
// user-origin message newer than last_agent_timestamp[jid] at startup is
// immediately processed, covering messages that arrived while the
// gateway was down.
func (o *Orchestrator) recoverPendingMessages(ctx context.Context) error {
	all, err := o.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	for _, w := range all {
		cursor, err := o.store.GetLastAgentTimestamp(ctx, w.JID)
		if err != nil {
			o.log.Warn("recover: get cursor failed", "jid", w.JID, "error", err)
			continue
		}
		msgs, err := o.store.GetMessagesSince(ctx, w.JID, cursor)
		if err != nil {
			o.log.Warn("recover: get messages failed", "jid", w.JID, "error", err)
			continue
		}
		if len(msgs) > 0 {
			o.queue.EnqueueMessageCheck(w.JID)
		}
	}
	return nil
}

// reconcileWorkspaceConfiguration implements §4.10 step 8: create a chat
// group for every configured workspace that doesn't have one yet (via
// whichever connected channel exposes create_group), then seed
// scheduled tasks and host cron jobs declared in config that the store
// doesn't already know about.
func (o *Orchestrator) reconcileWorkspaceConfiguration(ctx context.Context) error {
	c := o.cfg.Get()

	existing, err := o.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("reconcile config: list workspaces: %w", err)
	}
	byFolder := make(map[string]store.WorkspaceProfile, len(existing))
	for _, w := range existing {
		byFolder[w.Folder] = w
	}

	var creator channels.GroupCreatorChannel
	for _, ch := range o.channelsList {
		if gc, ok := ch.(channels.GroupCreatorChannel); ok && gc.IsConnected() {
			creator = gc
			break
		}
	}

	for folder, wc := range c.Workspaces {
		ws, ok := byFolder[folder]
		if !ok {
			if creator == nil {
				o.log.Warn("no group-creator channel connected, skipping workspace creation", "folder", folder)
				continue
			}
			name := wc.Name
			if name == "" {
				name = folder
			}
			jid, err := creator.CreateGroup(ctx, name)
			if err != nil {
				o.log.Error("create group failed", "folder", folder, "error", err)
				continue
			}
			ws = store.WorkspaceProfile{
				JID: jid, DisplayName: name, Folder: folder,
				Trigger: string(wc.Trigger), IsAdmin: wc.IsAdmin, AddedAt: time.Now().UTC(),
			}
			if err := o.store.PutWorkspace(ctx, ws); err != nil {
				o.log.Error("persist created workspace failed", "folder", folder, "error", err)
				continue
			}
			byFolder[folder] = ws
			o.log.Info("created missing chat group", "folder", folder, "jid", jid)
		}

		if err := o.seedWorkspaceTasks(ctx, ws, wc.Tasks); err != nil {
			o.log.Warn("seed workspace tasks failed", "folder", folder, "error", err)
		}
	}

	if err := o.seedHostJobs(ctx); err != nil {
		o.log.Warn("seed host jobs failed", "error", err)
	}
	return nil
}

// seedWorkspaceTasks materializes any [workspaces.<folder>.tasks.<name>]
// entries not already present in the store, keyed deterministically by
// "<folder>/<name>" so repeated startups never duplicate a task.
func (o *Orchestrator) seedWorkspaceTasks(ctx context.Context, ws store.WorkspaceProfile, tasks map[string]config.TaskConfig) error {
	for name, tc := range tasks {
		id := ws.Folder + "/" + name
		existing, err := o.store.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("get task %s: %w", id, err)
		}
		if existing != nil {
			continue
		}
		next, err := nextRunFor(store.ScheduleType(tc.ScheduleType), tc.ScheduleValue, time.Now().UTC())
		if err != nil {
			o.log.Warn("seed task: next run failed", "task", id, "error", err)
		}
		task := store.ScheduledTask{
			ID: id, WorkspaceFolder: ws.Folder, ChatJID: ws.JID, Prompt: tc.Prompt,
			ScheduleType: store.ScheduleType(tc.ScheduleType), ScheduleValue: tc.ScheduleValue,
			NextRun: next, Status: store.TaskActive, RepoAccess: tc.RepoAccess,
			CreatedAt: time.Now().UTC(),
		}
		if err := o.store.PutTask(ctx, task); err != nil {
			return fmt.Errorf("put seeded task %s: %w", id, err)
		}
		o.log.Info("seeded task from config", "task", id)
	}
	return nil
}

// seedHostJobs materializes every [cron_jobs.<name>] entry not already
// present in the store, keyed by its config name so repeated startups
// never reset an admin's in-store edits to an already-seeded job.
func (o *Orchestrator) seedHostJobs(ctx context.Context) error {
	c := o.cfg.Get()
	if len(c.CronJobs) == 0 {
		return nil
	}
	existing, err := o.store.ListHostJobs(ctx)
	if err != nil {
		return fmt.Errorf("list host jobs: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, j := range existing {
		have[j.ID] = true
	}
	for name, jc := range c.CronJobs {
		if have[name] {
			continue
		}
		next, err := nextRunFor(store.ScheduleCron, jc.Schedule, time.Now().UTC())
		if err != nil {
			o.log.Warn("seed host job: next run failed", "job", name, "error", err)
		}
		job := store.HostJob{
			ID: name, ScheduleType: store.ScheduleCron, ScheduleValue: jc.Schedule,
			Command: jc.Command, Enabled: jc.Enabled, Status: store.TaskActive, NextRun: next,
		}
		if err := o.store.PutHostJob(ctx, job); err != nil {
			return fmt.Errorf("put seeded host job %s: %w", name, err)
		}
		o.log.Info("seeded host job from config", "job", name)
	}
	return nil
}

// nextRunFor mirrors the scheduler's own next-run calculation (§4.9) so
// a freshly seeded task/job is immediately eligible for the poll loop
// rather than waiting for its first PutTask round-trip through Scheduler.
func nextRunFor(scheduleType store.ScheduleType, value string, now time.Time) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(value, now, false)
		if err != nil {
			return nil, fmt.Errorf("cron next tick %q: %w", value, err)
		}
		return &next, nil
	case store.ScheduleInterval:
		var ms int64
		if _, err := fmt.Sscanf(value, "%d", &ms); err != nil {
			return nil, fmt.Errorf("interval value %q: %w", value, err)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case store.ScheduleOnce:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("once value %q: %w", value, err)
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("unknown schedule_type %q", scheduleType)
	}
}
