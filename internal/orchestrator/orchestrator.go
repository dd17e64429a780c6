// Package orchestrator owns the in-memory state the rest of the
// gateway is built around, wires every other package together, and runs
// the startup/polling/shutdown sequence. Grounded on the teacher's
// cmd/gateway.go: components are built bottom-up, wired via injected
// callbacks (never back-pointers), and the whole thing is driven by a
// handful of ticker-fed goroutines feeding a small set of owned state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crypdick/pynchy/internal/broadcast"
	"github.com/crypdick/pynchy/internal/channels"
	"github.com/crypdick/pynchy/internal/channels/cli"
	"github.com/crypdick/pynchy/internal/channels/discord"
	"github.com/crypdick/pynchy/internal/config"
	"github.com/crypdick/pynchy/internal/container"
	"github.com/crypdick/pynchy/internal/inbound"
	"github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/ipc/dispatch"
	"github.com/crypdick/pynchy/internal/queue"
	"github.com/crypdick/pynchy/internal/scheduler"
	"github.com/crypdick/pynchy/internal/store"
	"github.com/crypdick/pynchy/internal/worktree"
)

// Orchestrator is the single process-lifetime owner of every component.
type Orchestrator struct {
	log *slog.Logger
	cfg *config.Live

	store    store.Store
	queue    *queue.Queue
	plane    *broadcast.Plane
	pipeline *inbound.Pipeline
	sched    *scheduler.Scheduler
	runner   *container.Runner
	worktree *worktree.Manager
	dirty    *worktree.DirtyWatcher
	dispatch *dispatch.Dispatcher

	dataDir      string
	worktreesDir string
	repoDir      string

	busesMu sync.Mutex
	buses   map[string]*ipc.Bus

	runsMu sync.Mutex
	runs   map[string]*activeRun // keyed by canonical jid

	// chanCursors tracks the per-channel reconciliation cursor
	// ("<channel>|<jid>" -> ISO timestamp); touched only from mainLoop.
	chanCursors map[string]string

	asksMu      sync.Mutex
	pendingAsks map[string]string // jid -> unanswered ask_user request id

	channelsList []channels.Channel

	status *statusServer

	shutdownOnce sync.Once
}

// activeRun tracks the cancel hook and IPC-watcher stop channel for one
// in-flight container, so the queue's stop hook and the IPC drain loop
// can be torn down together when the run ends.
type activeRun struct {
	cancel     context.CancelFunc
	stopWatch  chan struct{}
}

// New builds every component and wires the callback graph between them.
// It does not start any goroutine; call Run to start the gateway.
func New(log *slog.Logger, cfg *config.Live, st store.Store, runtime string) (*Orchestrator, error) {
	c := cfg.Get()

	o := &Orchestrator{
		log:          log,
		cfg:          cfg,
		store:        st,
		dataDir:      c.DataDir,
		worktreesDir: c.WorktreesDir,
		repoDir:      c.RepoDir,
		buses:        make(map[string]*ipc.Bus),
		runs:         make(map[string]*activeRun),
		chanCursors:  make(map[string]string),
		pendingAsks:  make(map[string]string),
	}

	o.queue = queue.New(log)
	o.plane = broadcast.NewPlane(log, st, c.Agent.EmojiPrefix)
	o.runner = container.NewRunner(runtime, c.DataDir, log)
	o.worktree = worktree.NewManager(c.RepoDir, c.WorktreesDir, log)

	dirty, err := worktree.NewDirtyWatcher(log)
	if err != nil {
		log.Warn("dirty watcher unavailable", "error", err)
	}
	o.dirty = dirty

	o.dispatch = dispatch.New(log, dispatch.Effects{
		PutTask:          o.effectPutTask,
		PutHostJob:       st.PutHostJob,
		SetTaskStatus:    o.effectSetTaskStatus,
		RegisterGroup:    o.effectRegisterGroup,
		BroadcastHost:    o.effectBroadcastHost,
		BroadcastMessage: o.effectBroadcastMessage,
		ClearSession:     st.ClearSession,
		EnqueueRecheck:   o.queue.EnqueueMessageCheck,
		KillContainer:    o.effectKillContainer,
		TriggerDeploy:    o.effectTriggerDeploy,
		SyncWorktree:     o.effectSyncWorktree,
		MarkTaskFinished: o.effectMarkTaskFinished,
		ResolveWorkspace: o.effectResolveWorkspace,
		AskUser:          o.effectAskUser,
	}, o.busFor)

	o.pipeline = inbound.New(log, st, cfg, o.queue, o.plane, o.RunAgent, o.busFor)
	o.pipeline.SetRedeployFn(func(ctx context.Context) error {
		return o.effectTriggerDeploy(ctx, "manual redeploy command")
	})
	o.pipeline.SetAskPendingFn(o.takePendingAsk)
	o.pipeline.SetWorkDirFn(o.workspaceWorkDir)
	o.sched = scheduler.New(log, st, o.queue, o.plane, o.RunAgent)
	o.status = newStatusServer(log, st, o.queue)

	return o, nil
}

func (o *Orchestrator) busFor(folder string) *ipc.Bus {
	o.busesMu.Lock()
	defer o.busesMu.Unlock()
	b, ok := o.buses[folder]
	if !ok {
		b = ipc.NewBus(o.dataDir, folder)
		o.buses[folder] = b
	}
	return b
}

// workspaceWorkDir resolves a workspace folder to its real filesystem
// tree: the git worktree for repo-access workspaces, the group dir
// otherwise. Direct shell commands run here (§4.3 "in the workspace
// folder").
func (o *Orchestrator) workspaceWorkDir(folder string) string {
	c := o.cfg.Get()
	if c.Resolve(folder).RepoAccess != "" {
		return o.worktree.Path(folder)
	}
	return filepath.Join(c.DataDir, "workspaces", folder)
}

func sanitizeFolder(jid string) string {
	f := strings.NewReplacer(":", "_", "/", "_", "@", "_at_").Replace(jid)
	if f == "" {
		f = "workspace"
	}
	return f
}

// ensureWorkspace looks up jid's workspace profile, creating one on
// first contact per the resolved config (§4.10 step 8: "seed tasks from
// config" implies workspaces are materialized lazily from config intent
// rather than requiring a prior explicit register_group call for every
// channel-originated JID).
func (o *Orchestrator) ensureWorkspace(ctx context.Context, jid, displayName string) (*store.WorkspaceProfile, error) {
	ws, err := o.store.GetWorkspace(ctx, jid)
	if err != nil {
		return nil, err
	}
	if ws != nil {
		return ws, nil
	}
	folder := sanitizeFolder(jid)
	resolved := o.cfg.Get().Resolve(folder)
	profile := store.WorkspaceProfile{
		JID: jid, DisplayName: displayName, Folder: folder,
		Trigger: string(resolved.Trigger), IsAdmin: o.cfg.Get().IsAdmin(folder),
		AddedAt: time.Now().UTC(),
	}
	if err := o.store.PutWorkspace(ctx, profile); err != nil {
		return nil, fmt.Errorf("ensure workspace %s: %w", jid, err)
	}
	return &profile, nil
}

// HandleInboundText is the entrypoint every channel calls on a new
// inbound message: store it as a user-origin message; the polling loop
// picks it up on its next tick (§4.2).
func (o *Orchestrator) HandleInboundText(ctx context.Context, jid, senderID, displayName, text string) {
	if _, err := o.ensureWorkspace(ctx, jid, displayName); err != nil {
		o.log.Error("ensure workspace failed", "jid", jid, "error", err)
		return
	}
	msg := store.Message{
		ID: fmt.Sprintf("in-%d", time.Now().UnixNano()), ChatJID: jid, SenderID: senderID,
		DisplayName: displayName, Content: text, Timestamp: time.Now().UTC(),
		Type: store.MessageTypeUser,
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		o.log.Error("append inbound message failed", "jid", jid, "error", err)
	}
}

func (o *Orchestrator) buildChannels() []channels.Channel {
	var cs []channels.Channel

	cliJID := "cli:local"
	cs = append(cs, cli.New(cliJID, func(text string) {
		o.HandleInboundText(context.Background(), cliJID, "operator", "operator", text)
	}))

	if token := os.Getenv("PYNCHY_DISCORD_TOKEN"); token != "" {
		cs = append(cs, discord.New(o.log, token, func(jid, senderID, displayName, text string) {
			o.HandleInboundText(context.Background(), jid, senderID, displayName, text)
		}))
	}

	return cs
}

func (o *Orchestrator) currentTasksSnapshot(ctx context.Context, ws store.WorkspaceProfile) ipc.CurrentTasksSnapshot {
	var tasks []store.ScheduledTask
	var err error
	if ws.IsAdmin {
		tasks, err = o.store.ListAllTasks(ctx)
	} else {
		tasks, err = o.store.ListTasksForWorkspace(ctx, ws.Folder)
	}
	if err != nil {
		o.log.Warn("list tasks for snapshot failed", "folder", ws.Folder, "error", err)
	}
	snap := ipc.CurrentTasksSnapshot{}
	for _, t := range tasks {
		view := ipc.TaskView{
			ID: t.ID, GroupFolder: t.WorkspaceFolder, Prompt: t.Prompt,
			ScheduleType: string(t.ScheduleType), ScheduleValue: t.ScheduleValue, Status: string(t.Status),
		}
		if t.NextRun != nil {
			view.NextRun = t.NextRun.Format(time.RFC3339)
		}
		snap.Tasks = append(snap.Tasks, view)
	}
	if ws.IsAdmin {
		jobs, err := o.store.ListHostJobs(ctx)
		if err != nil {
			o.log.Warn("list host jobs for snapshot failed", "error", err)
		}
		for _, j := range jobs {
			view := ipc.HostJobView{ID: j.ID, Command: j.Command, Status: string(j.Status)}
			if j.NextRun != nil {
				view.NextRun = j.NextRun.Format(time.RFC3339)
			}
			snap.HostJobs = append(snap.HostJobs, view)
		}
	}
	return snap
}

func (o *Orchestrator) availableGroupsSnapshot(ctx context.Context, ws store.WorkspaceProfile) ipc.AvailableGroupsSnapshot {
	if !ws.IsAdmin {
		return ipc.AvailableGroupsSnapshot{}
	}
	all, err := o.store.ListWorkspaces(ctx)
	if err != nil {
		o.log.Warn("list workspaces for snapshot failed", "error", err)
		return ipc.AvailableGroupsSnapshot{}
	}
	snap := ipc.AvailableGroupsSnapshot{}
	for _, w := range all {
		snap.Groups = append(snap.Groups, ipc.GroupView{JID: w.JID, Name: w.DisplayName, Folder: w.Folder})
	}
	return snap
}

func repoSlugFor(repoDir string) string {
	return filepath.Base(repoDir)
}
