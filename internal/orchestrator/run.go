package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/crypdick/pynchy/internal/container"
	"github.com/crypdick/pynchy/internal/inbound"
	"github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/store"
)

// RunAgent implements inbound.RunAgentFn and scheduler's run hook: the
// unified agent-run pipeline (§4.6). It builds the container input,
// starts the IPC drain loop for the run's duration, launches the
// container, and on success triggers a background worktree publish.
func (o *Orchestrator) RunAgent(ctx context.Context, req inbound.AgentRunRequest) (container.Result, error) {
	folder := req.Workspace.Folder
	c := o.cfg.Get()
	resolved := c.Resolve(folder)

	bus := o.busFor(folder)
	if err := bus.EnsureLayout(); err != nil {
		return container.Result{}, fmt.Errorf("run agent: ipc layout: %w", err)
	}
	if err := bus.WriteCurrentTasks(o.currentTasksSnapshot(ctx, req.Workspace)); err != nil {
		o.log.Warn("write current tasks snapshot failed", "folder", folder, "error", err)
	}
	if err := bus.WriteAvailableGroups(o.availableGroupsSnapshot(ctx, req.Workspace)); err != nil {
		o.log.Warn("write available groups snapshot failed", "folder", folder, "error", err)
	}

	sessionID, err := o.store.GetSessionID(ctx, folder)
	if err != nil {
		o.log.Warn("get session id failed", "folder", folder, "error", err)
	}

	repoAccess := resolved.RepoAccess
	switch req.RepoAccessOverride {
	case "", "inherit":
		// scheduled tasks flagged repo_access inherit the workspace's
		// configured repo; everything else keeps the resolved default
	default:
		repoAccess = req.RepoAccessOverride
	}

	notices := req.ExtraNotices
	if prompt, ok, promptErr := bus.ConsumeResetPrompt(); promptErr == nil && ok {
		notices = append(append([]string(nil), notices...), "Handoff from previous session: "+prompt)
	}

	mounts, err := o.buildMounts(folder, req.Workspace, resolved, bus, repoAccess)
	if err != nil {
		return container.Result{}, fmt.Errorf("run agent: build mounts: %w", err)
	}

	input := container.Input{
		Messages:        inputMessages(req.Messages),
		GroupFolder:     folder,
		ChatJID:         req.ChatJID,
		IsAdmin:         req.Workspace.IsAdmin,
		SessionID:       sessionID,
		IsScheduledTask: req.IsScheduledTask,
		SystemNotices:   notices,
		RepoAccess:      repoAccess,
		AgentCoreModule: c.Agent.Core,
		AgentCoreClass:  "Agent",
	}

	spec := container.Spec{
		Folder: folder,
		Mounts: mounts,
		Limits: container.Limits{
			MaxOutputSize:    c.Container.MaxOutputSize,
			ContainerTimeout: c.Container.ContainerTimeout,
			IdleTimeout:      c.Container.IdleTimeout,
		},
		Input: input,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopWatch := make(chan struct{})
	o.runsMu.Lock()
	o.runs[req.ChatJID] = &activeRun{cancel: cancel, stopWatch: stopWatch}
	o.runsMu.Unlock()
	defer func() {
		o.runsMu.Lock()
		delete(o.runs, req.ChatJID)
		o.runsMu.Unlock()
	}()

	o.queue.BindActiveProcess(req.ChatJID,
		func(text string) bool { return bus.WriteInput(text) == nil },
		cancel,
	)
	o.queue.BindStdinCloser(req.ChatJID, func() {
		if err := bus.Close(); err != nil {
			o.log.Warn("ipc close sentinel write failed", "folder", folder, "error", err)
		}
	})
	defer o.queue.UnbindActiveProcess(req.ChatJID)

	go o.watchIPC(runCtx, folder, req.ChatJID, req.Workspace.IsAdmin, stopWatch)

	// Idle timer: with no streamed events for idle_timeout seconds, the
	// container is told to end its turn via the "_close" sentinel (§5).
	// The runner's own rolling timer remains the hard bound.
	idle := time.Duration(c.Container.IdleTimeout) * time.Second
	var idleTimer *time.Timer
	if idle > 0 {
		idleTimer = time.AfterFunc(idle, func() { o.queue.CloseStdin(req.ChatJID) })
		defer idleTimer.Stop()
	}

	var latestSessionID string
	onOutput := func(ev container.Event) {
		if idleTimer != nil {
			idleTimer.Reset(idle)
		}
		if ev.NewSessionID != "" {
			latestSessionID = ev.NewSessionID
		}
		if req.OnOutput != nil {
			req.OnOutput(ev)
		}
	}

	result, err := o.runner.Run(runCtx, spec, onOutput)
	close(stopWatch)

	if latestSessionID == "" {
		latestSessionID = result.NewSessionID
	}
	if latestSessionID != "" {
		if setErr := o.store.SetSessionID(ctx, folder, latestSessionID); setErr != nil {
			o.log.Warn("persist session id failed", "folder", folder, "error", setErr)
		}
	}

	if repoAccess != "" && bus.ConsumeNeedsDirtyCheck() {
		if notice, recErr := o.worktree.Reconcile(ctx, folder); recErr == nil && notice != "" {
			_ = o.plane.BroadcastHostMessage(ctx, req.ChatJID, notice)
		}
	}

	if err == nil && result.Status == "success" && repoAccess != "" && repoAccess != "read" {
		go o.publishWorktree(folder, resolved.GitPolicy)
	}

	return result, err
}

func inputMessages(msgs []store.Message) []container.InputMessage {
	out := make([]container.InputMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, container.InputMessage{
			SenderID: m.SenderID, DisplayName: m.DisplayName, Content: m.Content,
			Timestamp: m.Timestamp.Format(time.RFC3339Nano), IsFromMe: m.IsFromMe,
		})
	}
	return out
}

// watchIPC drains a running container's messages/ and tasks/ request
// directories at the spec's ~500ms IPC poll interval until stopWatch
// closes, dispatching each drained request.
func (o *Orchestrator) watchIPC(ctx context.Context, folder, jid string, isAdmin bool, stopWatch <-chan struct{}) {
	bus := o.busFor(folder)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stopWatch:
			o.drainOnce(ctx, bus, folder, jid, isAdmin)
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.drainOnce(ctx, bus, folder, jid, isAdmin)
		}
	}
}

func (o *Orchestrator) drainOnce(ctx context.Context, bus *ipc.Bus, folder, jid string, isAdmin bool) {
	for _, sub := range []string{"messages", "tasks"} {
		reqs, bad, err := bus.DrainDir(sub)
		if err != nil {
			o.log.Warn("ipc drain failed", "folder", folder, "sub", sub, "error", err)
			continue
		}
		for _, name := range bad {
			o.log.Warn("ipc request file unparseable, dropped", "folder", folder, "sub", sub, "file", name)
		}
		for _, req := range reqs {
			if err := o.dispatch.Dispatch(ctx, folder, jid, isAdmin, req); err != nil {
				o.log.Warn("ipc dispatch failed", "folder", folder, "type", req.Type, "error", err)
			}
		}
	}
}
