package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run executes the startup sequence (§4.10), then blocks on the
// polling/scheduler/IPC-watcher tickers until a shutdown signal arrives.
func (o *Orchestrator) Run(ctx context.Context) error {
	c := o.cfg.Get()

	if err := c.EnsureDataDirs(); err != nil {
		return err
	}

	if err := o.bootstrapAdminWorkspace(ctx); err != nil {
		o.log.Warn("bootstrap admin workspace failed", "error", err)
	}

	if err := o.reconcileWorktrees(ctx); err != nil {
		o.log.Warn("worktree reconcile failed", "error", err)
	}

	o.channelsList = o.buildChannels()
	o.plane.SetChannels(o.channelsList)
	for _, ch := range o.channelsList {
		if err := ch.Connect(ctx); err != nil {
			o.log.Warn("channel connect failed", "channel", ch.Name(), "error", err)
			continue
		}
		o.plane.RetryUndelivered(ctx, ch)
	}

	if err := o.reconcileWorkspaceConfiguration(ctx); err != nil {
		o.log.Warn("reconcile workspace configuration failed", "error", err)
	}

	if o.dirty != nil {
		go o.dirty.Run(o.worktreeWatchPaths(ctx))
	}

	if err := o.status.Start(); err != nil {
		o.log.Warn("status endpoint failed to start", "error", err)
	}

	if err := o.recoverPendingMessages(ctx); err != nil {
		o.log.Warn("recover pending messages failed", "error", err)
	}

	if admin, err := o.adminWorkspace(ctx); err == nil && admin != nil {
		_ = o.plane.BroadcastHostMessage(ctx, admin.JID, "pynchy gateway started.")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.mainLoop(runCtx)
	}()

	select {
	case sig := <-sigCh:
		o.log.Info("shutdown initiated", "signal", sig)
		o.gracefulShutdown(cancel, sigCh)
	case <-ctx.Done():
		o.log.Info("shutdown initiated", "reason", "parent context done")
		o.gracefulShutdown(cancel, sigCh)
	}
	<-done
	return nil
}

// mainLoop runs the polling/scheduler ticks at their configured
// intervals (§5: "one loop per polling, scheduler, IPC watcher, git
// sync, HTTP server"). The IPC watcher itself runs per-active-run in
// run.go, not here.
func (o *Orchestrator) mainLoop(ctx context.Context) {
	c := o.cfg.Get()
	pollTicker := time.NewTicker(c.Intervals.MessagePoll)
	defer pollTicker.Stop()
	taskTicker := time.NewTicker(c.Scheduler.PollInterval)
	defer taskTicker.Stop()
	hostJobTicker := time.NewTicker(c.Scheduler.PollInterval)
	defer hostJobTicker.Stop()
	reconcileTicker := time.NewTicker(10 * time.Second)
	defer reconcileTicker.Stop()
	gitSyncTicker := time.NewTicker(5 * time.Minute)
	defer gitSyncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			if err := o.pipeline.Poll(ctx); err != nil {
				o.log.Error("inbound poll failed", "error", err)
			}
		case <-taskTicker.C:
			if err := o.sched.PollTasks(ctx); err != nil {
				o.log.Error("scheduled task poll failed", "error", err)
			}
		case <-hostJobTicker.C:
			if err := o.sched.PollHostJobs(ctx); err != nil {
				o.log.Error("host job poll failed", "error", err)
			}
		case <-reconcileTicker.C:
			o.reconcileChannels(ctx)
		case <-gitSyncTicker.C:
			if err := o.syncExternalRepos(ctx); err != nil {
				o.log.Debug("git sync tick failed", "error", err)
			}
		}
	}
}

// gracefulShutdown implements §4.10/§5's shutdown sequence: admin
// broadcast, a 12s hard watchdog armed for the rest of the sequence,
// queue drain, channel disconnect, then closing the dirty watcher,
// status server and store. Channels are not told to suppress reconnects.
// A second signal force-exits immediately.
func (o *Orchestrator) gracefulShutdown(cancelMain context.CancelFunc, sigCh <-chan os.Signal) {
	o.shutdownOnce.Do(func() {
		ctx := context.Background()
		if admin, err := o.adminWorkspace(ctx); err == nil && admin != nil {
			_ = o.plane.BroadcastHostMessage(ctx, admin.JID, "shutting down.")
		}

		watchdog := time.AfterFunc(12*time.Second, func() {
			o.log.Error("graceful shutdown exceeded 12s, forcing exit")
			os.Exit(1)
		})
		defer watchdog.Stop()

		go func() {
			if sig, ok := <-sigCh; ok {
				o.log.Error("second shutdown signal received, forcing exit", "signal", sig)
				os.Exit(1)
			}
		}()

		drainCtx, drainCancel := context.WithTimeout(ctx, 10*time.Second)
		defer drainCancel()
		if err := o.queue.Shutdown(drainCtx); err != nil {
			o.log.Warn("queue shutdown incomplete", "error", err)
		}

		for _, ch := range o.channelsList {
			if err := ch.Disconnect(ctx); err != nil {
				o.log.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
			}
		}
		if o.dirty != nil {
			_ = o.dirty.Close()
		}
		o.status.Stop(ctx)
		_ = o.store.Close()

		cancelMain()
	})
}
