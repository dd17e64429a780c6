// Package scheduler polls due scheduled tasks and host cron jobs,
// invoking the unified agent-run pipeline with scheduled-task flags.
// Grounded on the teacher's cmd/gateway_cron.go makeCronJobHandler,
// generalized from "cron trigger -> job run" to "cron/interval/once
// trigger -> queue dispatch".
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/adhocore/gronx"

	"github.com/crypdick/pynchy/internal/broadcast"
	"github.com/crypdick/pynchy/internal/container"
	"github.com/crypdick/pynchy/internal/inbound"
	"github.com/crypdick/pynchy/internal/queue"
	"github.com/crypdick/pynchy/internal/store"
)

// Scheduler owns the due-task poll loop and the host cron job loop.
type Scheduler struct {
	log   *slog.Logger
	store store.Store
	q     *queue.Queue
	plane *broadcast.Plane
	run   inbound.RunAgentFn
}

func New(log *slog.Logger, st store.Store, q *queue.Queue, plane *broadcast.Plane, run inbound.RunAgentFn) *Scheduler {
	return &Scheduler{log: log, store: st, q: q, plane: plane, run: run}
}

// PollTasks runs one tick of the scheduled-task loop (§4.9).
func (s *Scheduler) PollTasks(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("scheduler: due tasks: %w", err)
	}
	for _, t := range due {
		task := t
		// Advance next_run BEFORE running so a slow run cannot re-queue
		// itself on the next tick (§4.9).
		if err := s.advance(ctx, &task, now); err != nil {
			s.log.Error("scheduler: advance failed", "task", task.ID, "error", err)
			continue
		}

		ws, err := s.store.GetWorkspace(ctx, task.ChatJID)
		if err != nil || ws == nil {
			s.log.Error("scheduler: workspace not found for task", "task", task.ID, "chat_jid", task.ChatJID)
			_ = s.store.AppendRunLog(ctx, store.TaskRunLog{
				TaskID: task.ID, RunAt: now, Status: store.RunError, Error: "workspace not found",
			})
			continue
		}

		s.q.EnqueueTask(task.ChatJID, task.ID, func(runCtx context.Context) {
			s.runTask(runCtx, task, *ws)
		})
	}
	return nil
}

func (s *Scheduler) advance(ctx context.Context, t *store.ScheduledTask, now time.Time) error {
	next, err := s.nextRun(*t, now)
	if err != nil {
		return err
	}
	t.NextRun = next
	if next == nil {
		t.Status = store.TaskCompleted
	}
	return s.store.PutTask(ctx, *t)
}

// nextRun implements §4.9's next-run calculation.
func (s *Scheduler) nextRun(t store.ScheduledTask, now time.Time) (*time.Time, error) {
	switch t.ScheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(t.ScheduleValue, now, false)
		if err != nil {
			return nil, fmt.Errorf("cron next tick %q: %w", t.ScheduleValue, err)
		}
		return &next, nil
	case store.ScheduleInterval:
		var ms int64
		if _, err := fmt.Sscanf(t.ScheduleValue, "%d", &ms); err != nil {
			return nil, fmt.Errorf("interval value %q: %w", t.ScheduleValue, err)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case store.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule_type %q", t.ScheduleType)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t store.ScheduledTask, ws store.WorkspaceProfile) {
	start := time.Now()
	_ = s.plane.BroadcastHostMessage(ctx, t.ChatJID, "⏱ Scheduled task starting.")

	msg := store.Message{
		ID: fmt.Sprintf("task-%s-%d", t.ID, start.UnixNano()), ChatJID: t.ChatJID, SenderID: "scheduler",
		DisplayName: "scheduler", Content: t.Prompt, Timestamp: start, Type: store.MessageTypeSystem,
	}

	st := broadcast.NewStreamState()
	result, err := s.run(ctx, inbound.AgentRunRequest{
		Workspace: ws, ChatJID: t.ChatJID, Messages: []store.Message{msg}, IsScheduledTask: true,
		InputSource: "scheduled_task", RepoAccessOverride: boolToRepoOverride(t.RepoAccess, ws),
		OnOutput: func(ev container.Event) { s.plane.HandleStreamedOutput(ctx, t.ChatJID, st, ev) },
	})

	status := store.RunSuccess
	resultText := ""
	errText := ""
	if err != nil {
		status = store.RunError
		errText = err.Error()
	} else {
		resultText = result.Result
		if result.Status == "error" {
			status = store.RunError
			errText = result.Error
		}
	}

	now := time.Now().UTC()
	t.LastRun = &now
	t.LastResult = resultText
	if err := s.store.PutTask(ctx, t); err != nil {
		s.log.Warn("scheduler: persist last_run failed", "task", t.ID, "error", err)
	}
	if err := s.store.AppendRunLog(ctx, store.TaskRunLog{
		TaskID: t.ID, RunAt: start, DurationMs: time.Since(start).Milliseconds(),
		Status: status, Result: resultText, Error: errText,
	}); err != nil {
		s.log.Warn("scheduler: append run log failed", "task", t.ID, "error", err)
	}
}

func boolToRepoOverride(repoAccess bool, ws store.WorkspaceProfile) string {
	if !repoAccess {
		return ""
	}
	return "inherit"
}

// PollHostJobs runs one tick of the admin-only host cron job loop
// (§4.9): each enabled job whose cron is due spawns the shell command
// with its timeout and records a run log.
func (s *Scheduler) PollHostJobs(ctx context.Context) error {
	now := time.Now().UTC()
	jobs, err := s.store.ListHostJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list host jobs: %w", err)
	}
	for _, j := range jobs {
		if !j.Enabled || j.Status != store.TaskActive {
			continue
		}
		due, err := gronx.New().IsDue(j.ScheduleValue, now)
		if err != nil {
			s.log.Warn("scheduler: host job cron parse failed", "job", j.ID, "error", err)
			continue
		}
		if !due {
			continue
		}
		job := j
		go s.runHostJob(ctx, job)
	}
	return nil
}

func (s *Scheduler) runHostJob(ctx context.Context, j store.HostJob) {
	start := time.Now()
	timeout := time.Duration(j.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", j.Command)
	cmd.Dir = j.WorkingDir
	out, err := cmd.CombinedOutput()

	status := store.RunSuccess
	errText := ""
	if err != nil {
		status = store.RunError
		errText = err.Error()
	}
	now := time.Now().UTC()
	j.LastRun = &now
	if putErr := s.store.PutHostJob(ctx, j); putErr != nil {
		s.log.Warn("scheduler: persist host job last_run failed", "job", j.ID, "error", putErr)
	}
	if logErr := s.store.AppendRunLog(ctx, store.TaskRunLog{
		TaskID: j.ID, RunAt: start, DurationMs: time.Since(start).Milliseconds(),
		Status: status, Result: string(out), Error: errText,
	}); logErr != nil {
		s.log.Warn("scheduler: append host job run log failed", "job", j.ID, "error", logErr)
	}
}
