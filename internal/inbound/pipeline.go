// Package inbound implements the polling loop and per-workspace message
// handling: alias resolution, trigger/access filtering, special-command
// interception, and dispatch into the per-workspace queue. Grounded on
// the teacher's cmd/gateway_consumer.go consumeInboundMessages
// (debounce/route/lane-select/announce), generalized from "route to a
// provider lane" to "route to a per-workspace queue after
// trigger/access/command filtering".
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/crypdick/pynchy/internal/broadcast"
	"github.com/crypdick/pynchy/internal/config"
	"github.com/crypdick/pynchy/internal/container"
	"github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/queue"
	"github.com/crypdick/pynchy/internal/store"
)

// AgentRunRequest is the unified agent-run pipeline's input (§4.6),
// shared between the inbound pipeline and the scheduler.
type AgentRunRequest struct {
	Workspace         store.WorkspaceProfile
	ChatJID           string
	Messages          []store.Message
	IsScheduledTask   bool
	InputSource       string // "user" | "scheduled_task" | "reset_handoff"
	ExtraNotices      []string
	RepoAccessOverride string
	OnOutput          func(container.Event)
}

// RunAgentFn launches the unified agent-run pipeline. Injected by the
// orchestrator so this package never imports internal/orchestrator
// (spec.md §9: avoid back-pointers, pass callables).
type RunAgentFn func(ctx context.Context, req AgentRunRequest) (container.Result, error)

// BusForFn resolves a workspace folder to its IPC bus. Injected by the
// orchestrator so this package never imports internal/orchestrator
// (spec.md §9: avoid back-pointers, pass callables).
type BusForFn func(folder string) *ipc.Bus

// Pipeline owns polling and per-workspace dispatch.
type Pipeline struct {
	log    *slog.Logger
	store  store.Store
	cfg    *config.Live
	q      *queue.Queue
	plane  *broadcast.Plane
	run    RunAgentFn
	busFor BusForFn

	triggerCache map[string]*regexp.Regexp
	redeploy     func(ctx context.Context) error
	takeAsk      func(jid string) (requestID string, ok bool)
	workDirFor   func(folder string) string
}

// SetWorkDirFn injects the orchestrator's folder-to-filesystem-path
// resolver (the worktree path for repo-access workspaces, the group dir
// otherwise), used as the working directory for direct shell commands.
func (p *Pipeline) SetWorkDirFn(fn func(folder string) string) { p.workDirFor = fn }

// SetRedeployFn injects the orchestrator's manual-redeploy trigger,
// invoked by the redeploy magic command (§4.3).
func (p *Pipeline) SetRedeployFn(fn func(ctx context.Context) error) { p.redeploy = fn }

// SetAskPendingFn injects the orchestrator's pending ask_user tracker:
// when a workspace has an unanswered ask, the next user message is
// routed into the running container as an ask_user_answer instead of
// interrupting it.
func (p *Pipeline) SetAskPendingFn(fn func(jid string) (string, bool)) { p.takeAsk = fn }

func New(log *slog.Logger, st store.Store, cfg *config.Live, q *queue.Queue, plane *broadcast.Plane, run RunAgentFn, busFor BusForFn) *Pipeline {
	p := &Pipeline{log: log, store: st, cfg: cfg, q: q, plane: plane, run: run, busFor: busFor, triggerCache: make(map[string]*regexp.Regexp)}
	q.SetProcessMessagesFn(p.ProcessWorkspace)
	return p
}

// Poll runs one polling tick: read messages newer than last_timestamp,
// group them by canonical workspace, advance and persist the cursor
// BEFORE dispatch, then enqueue a check per workspace.
func (p *Pipeline) Poll(ctx context.Context) error {
	since, err := p.store.GetLastTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("poll: get last_timestamp: %w", err)
	}
	msgs, err := p.store.GetNewMessages(ctx, since)
	if err != nil {
		return fmt.Errorf("poll: get new messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	maxTS := since
	byJID := make(map[string]bool)
	for _, m := range msgs {
		if m.Timestamp.After(maxTS) {
			maxTS = m.Timestamp
		}
		canonical, ok, err := p.store.ResolveAlias(ctx, m.ChatJID)
		if err != nil || !ok {
			continue
		}
		byJID[canonical] = true
	}

	// Persisted before dispatch so a crash cannot re-deliver (spec
	// invariant, §4.2).
	if err := p.store.SetLastTimestamp(ctx, maxTS); err != nil {
		return fmt.Errorf("poll: set last_timestamp: %w", err)
	}

	for jid := range byJID {
		p.q.EnqueueMessageCheck(jid)
	}
	return nil
}

// ProcessWorkspace is bound as the queue's ProcessFn: it re-examines
// pending messages for jid and either intercepts a command, forwards via
// interrupt policy, or launches a fresh agent run.
func (p *Pipeline) ProcessWorkspace(ctx context.Context, jid string) bool {
	ws, err := p.store.GetWorkspace(ctx, jid)
	if err != nil {
		p.log.Error("process workspace: lookup failed", "jid", jid, "error", err)
		return true
	}
	if ws == nil {
		return true // unknown workspace: skip silently per §4.2 step 2
	}

	resolved := p.cfg.Get().Resolve(ws.Folder)
	if resolved.Access == config.AccessRead || resolved.Access == config.AccessWrite {
		return true // messages stored, never launches (§4.2 step 3)
	}

	cursor, err := p.store.GetLastAgentTimestamp(ctx, jid)
	if err != nil {
		p.log.Error("process workspace: get cursor failed", "jid", jid, "error", err)
		return true
	}
	msgs, err := p.store.GetMessagesSince(ctx, jid, cursor)
	if err != nil {
		p.log.Error("process workspace: get messages failed", "jid", jid, "error", err)
		return true
	}
	if len(msgs) == 0 {
		return true
	}

	if allSystemNotices(msgs) {
		return true // don't wake a sleeping agent for notices alone (§4.2)
	}

	last := strings.TrimSpace(msgs[len(msgs)-1].Content)

	if !ws.IsAdmin && resolved.Trigger == config.TriggerMention && !isMagicCommand(last) {
		if !p.triggerMatches(ws.Trigger, msgs) {
			return true // trigger required, not found: do not launch
		}
	}

	if kind, shellCmd, ok := matchCommand(last); ok {
		p.intercept(ctx, *ws, jid, msgs[len(msgs)-1], kind, shellCmd)
		return true
	}

	if p.q.IsActive(jid) {
		if p.takeAsk != nil && p.busFor != nil {
			if reqID, pending := p.takeAsk(jid); pending {
				if bus := p.busFor(ws.Folder); bus != nil {
					if err := bus.WriteAskUserAnswer(reqID, last); err != nil {
						p.log.Warn("ask-user answer write failed", "jid", jid, "error", err)
					}
				}
				p.q.EnqueueMessageCheck(jid)
				return true
			}
		}
		nonInterrupting, isTodo := queue.ClassifyInterrupt(last)
		if !nonInterrupting {
			p.q.ClearPendingTasks(jid)
			p.q.StopActiveProcess(jid)
			p.q.EnqueueMessageCheck(jid)
			return true
		}
		p.q.SendMessage(jid, last)
		p.q.EnqueueMessageCheck(jid)
		if isTodo {
			p.applyTodoMutation(ws.Folder, jid, last)
		}
		return true
	}

	return p.dispatchRun(ctx, *ws, jid, msgs, cursor)
}

func (p *Pipeline) triggerMatches(trigger string, msgs []store.Message) bool {
	re, ok := p.triggerCache[trigger]
	if !ok {
		re = regexp.MustCompile(triggerPattern(trigger))
		p.triggerCache[trigger] = re
	}
	for _, m := range msgs {
		if re.MatchString(m.Content) {
			return true
		}
	}
	return false
}

// triggerPattern anchors trigger on word boundaries. `\b` only exists
// next to a word character, so triggers like "@Bot" that start with a
// non-word rune get a whitespace-or-start anchor instead.
func triggerPattern(trigger string) string {
	quoted := regexp.QuoteMeta(trigger)
	lead, trail := `(?:^|\s)`, `(?:$|\s)`
	r := []rune(trigger)
	if len(r) > 0 && isWordRune(r[0]) {
		lead = `\b`
	}
	if len(r) > 0 && isWordRune(r[len(r)-1]) {
		trail = `\b`
	}
	return `(?i)` + lead + quoted + trail
}

func isWordRune(r rune) bool {
	return r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}

func isMagicCommand(text string) bool {
	_, _, ok := matchCommand(text)
	return ok
}

func allSystemNotices(msgs []store.Message) bool {
	for _, m := range msgs {
		if m.Type != store.MessageTypeSystem {
			return false
		}
	}
	return true
}

// intercept runs one special command (§4.3). All branches advance the
// cursor and never launch a container.
func (p *Pipeline) intercept(ctx context.Context, ws store.WorkspaceProfile, jid string, last store.Message, kind CommandKind, shellCmd string) {
	defer func() {
		if err := p.store.SetLastAgentTimestamp(ctx, jid, last.Timestamp); err != nil {
			p.log.Warn("intercept: advance cursor failed", "jid", jid, "error", err)
		}
	}()

	switch kind {
	case CommandContextReset:
		if err := p.store.ClearSession(ctx, ws.Folder); err != nil {
			p.log.Warn("reset context: clear session failed", "error", err)
		}
		if err := p.store.SetClearedAt(ctx, jid, last.Timestamp); err != nil {
			p.log.Warn("reset context: set cleared_at failed", "error", err)
		}
		p.q.EnqueueMessageCheck(jid)
		_ = p.plane.BroadcastHostMessage(ctx, jid, "context reset.")

	case CommandEndSession:
		if err := p.store.ClearSession(ctx, ws.Folder); err != nil {
			p.log.Warn("end session: clear session failed", "error", err)
		}

	case CommandRedeploy:
		_ = p.plane.BroadcastHostMessage(ctx, jid, "redeploy triggered.")
		if p.redeploy != nil {
			if err := p.redeploy(ctx); err != nil {
				p.log.Warn("redeploy trigger failed", "jid", jid, "error", err)
			}
		}

	case CommandDirectShell:
		dir := ws.Folder
		if p.workDirFor != nil {
			dir = p.workDirFor(ws.Folder)
		}
		stdout, stderr, ok := runDirectShell(ctx, dir, shellCmd)
		emoji := "✅"
		if !ok {
			emoji = "❌"
		}
		content := fmt.Sprintf("%s $ %s\n%s", emoji, shellCmd, stdout)
		if stderr != "" {
			content += "\n--- stderr ---\n" + stderr
		}
		if err := p.store.AppendMessage(ctx, store.Message{
			ID: fmt.Sprintf("shell-%d", time.Now().UnixNano()), ChatJID: jid, SenderID: "command_output",
			DisplayName: "command_output", Content: content, Timestamp: time.Now().UTC(), IsFromMe: true,
			Type: store.MessageTypeToolResult,
		}); err != nil {
			p.log.Warn("direct shell: append message failed", "error", err)
		}
		p.plane.BroadcastToChannels(ctx, jid, content, "direct_shell")
	}
}

// dispatchRun launches a fresh agent run for jid (§4.2 step 7): records
// the reading reaction, starts typing, advances the cursor with
// rollback-on-save-failure, and calls the unified agent-run pipeline.
func (p *Pipeline) dispatchRun(ctx context.Context, ws store.WorkspaceProfile, jid string, msgs []store.Message, prevCursor time.Time) bool {
	last := msgs[len(msgs)-1]
	p.plane.SendReactionToChannels(ctx, jid, last.ID, "\U0001F440")
	p.plane.SetTypingOnChannels(ctx, jid, true)
	defer p.plane.SetTypingOnChannels(ctx, jid, false)

	newCursor := last.Timestamp
	if err := p.store.SetLastAgentTimestamp(ctx, jid, newCursor); err != nil {
		p.log.Error("dispatch: advance cursor failed", "jid", jid, "error", err)
		return false
	}

	st := broadcast.NewStreamState()
	var delivered atomic.Bool
	onOutput := func(ev container.Event) {
		if p.plane.HandleStreamedOutput(ctx, jid, st, ev) {
			delivered.Store(true)
		}
	}

	result, err := p.run(ctx, AgentRunRequest{
		Workspace: ws, ChatJID: jid, Messages: msgs, InputSource: "user", OnOutput: onOutput,
	})
	if err != nil || result.Status == "error" {
		if !delivered.Load() && !anyOutputDelivered(result) {
			if rbErr := p.store.SetLastAgentTimestamp(ctx, jid, prevCursor); rbErr != nil {
				p.log.Error("dispatch: rollback cursor failed", "jid", jid, "error", rbErr)
			}
			_ = p.plane.BroadcastHostMessage(ctx, jid, "⚠️ Agent error occurred. Will retry on next message.")
			return false
		}
		return true // partial output already sent; don't roll back (§7)
	}
	return true
}

func anyOutputDelivered(r container.Result) bool {
	return r.Result != "" || r.TimedOut
}

// applyTodoMutation implements the "todo " non-interrupting path's extra
// effect (§4.1): it mutates the workspace's on-disk todo list directly
// (bypassing the container's MCP tool surface, per spec.md §9) and
// notifies the running container of the addition via a system-notice
// IPC input line.
const todoPrefix = "todo "

func (p *Pipeline) applyTodoMutation(folder, jid string, text string) {
	if p.busFor == nil {
		return
	}
	bus := p.busFor(folder)
	if bus == nil {
		return
	}
	item := text
	if len(text) >= len(todoPrefix) {
		item = strings.TrimSpace(text[len(todoPrefix):])
	}
	if err := TodoMutation(bus, item); err != nil {
		p.log.Warn("todo mutation failed", "jid", jid, "folder", folder, "error", err)
		return
	}
	if err := bus.WriteInput(fmt.Sprintf("system: todo added: %s", item)); err != nil {
		p.log.Warn("todo system notice write failed", "jid", jid, "folder", folder, "error", err)
	}
}

// TodoMutation is the explicit host-tool path for the "todo " prefix
// (spec.md §9 open question): rather than route through the container's
// MCP tool surface, the host mutates the IPC-visible todo list directly.
// It only updates the list; applyTodoMutation writes the system-notice
// IPC line afterwards.
func TodoMutation(bus *ipc.Bus, item string) error {
	items, err := bus.ReadTodoList()
	if err != nil {
		return fmt.Errorf("todo mutation: read failed: %w", err)
	}
	items = append(items, item)
	return bus.WriteTodoList(items)
}
