// Package queue serializes container activity per canonical JID: at most
// one active container per workspace, FIFO pending tasks, and the
// "btw "/"todo " non-interrupting-forward interrupt policy. Grounded on
// the teacher's per-sender serialization in cmd/gateway_consumer.go,
// generalized into mutex-guarded per-workspace state where each message
// check or task drain runs in its own goroutine, one at a time per
// workspace.
package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ProcessFn is the orchestrator-injected handler invoked when a
// workspace's queue decides to launch agent work. It is called with the
// pending-check semantics: ok=false suppresses immediate consumption of
// further pending checks (used for retry-on-next-message backoff).
type ProcessFn func(ctx context.Context, jid string) (ok bool)

// TaskFn is one piece of scheduled work enqueued via enqueue_task.
type TaskFn func(ctx context.Context)

type workspaceState struct {
	mu            sync.Mutex
	active        bool // a container (message or task) is running
	activeIsTask  bool
	sendToActive  func(text string) bool
	stopActive    func()
	closeStdin    func()
	pendingChecks int // coalesced: >0 means "re-examine pending messages"
	taskQueue     []queuedTask
	cancelled     bool
	draining      bool // a drainTasks loop is already running for this workspace
}

type queuedTask struct {
	id string
	fn TaskFn
}

// Queue owns one workspaceState per canonical JID.
type Queue struct {
	log *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*workspaceState

	processFn ProcessFn

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(log *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		log:        log,
		workspaces: make(map[string]*workspaceState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetProcessMessagesFn binds the inbound pipeline's handler, invoked
// whenever the queue decides a workspace should (re)examine pending
// messages.
func (q *Queue) SetProcessMessagesFn(fn ProcessFn) {
	q.mu.Lock()
	q.processFn = fn
	q.mu.Unlock()
}

func (q *Queue) state(jid string) *workspaceState {
	q.mu.Lock()
	defer q.mu.Unlock()
	ws, ok := q.workspaces[jid]
	if !ok {
		ws = &workspaceState{}
		q.workspaces[jid] = ws
	}
	return ws
}

// EnqueueMessageCheck signals the pipeline to re-examine pending
// messages for jid after current activity ends. Idempotent; coalesces.
func (q *Queue) EnqueueMessageCheck(jid string) {
	ws := q.state(jid)
	ws.mu.Lock()
	wasActive := ws.active
	ws.pendingChecks = 1
	ws.mu.Unlock()
	if !wasActive {
		q.runProcessFn(jid)
	}
}

func (q *Queue) runProcessFn(jid string) {
	q.mu.Lock()
	fn := q.processFn
	q.mu.Unlock()
	if fn == nil {
		return
	}
	ws := q.state(jid)
	ws.mu.Lock()
	if ws.active {
		ws.mu.Unlock()
		return
	}
	ws.active = true
	ws.pendingChecks = 0 // this run consumes the checks enqueued so far
	ws.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ok := fn(q.ctx, jid)
		ws.mu.Lock()
		ws.active = false
		// After a failed run, checks enqueued meanwhile stay pending and
		// are not run now; the next enqueue triggers the retry.
		again := ok && ws.pendingChecks > 0
		ws.mu.Unlock()
		q.drainTasks(jid)
		if again {
			q.runProcessFn(jid)
		}
	}()
}

// EnqueueTask schedules fn to run when jid is idle. Multiple pending
// tasks for the same workspace run FIFO.
func (q *Queue) EnqueueTask(jid, taskID string, fn TaskFn) {
	ws := q.state(jid)
	ws.mu.Lock()
	ws.taskQueue = append(ws.taskQueue, queuedTask{id: taskID, fn: fn})
	idle := !ws.active
	ws.mu.Unlock()
	if idle {
		q.drainTasks(jid)
	}
}

// drainTasks runs jid's queued tasks in their own goroutine so the
// caller (a scheduler tick, or the goroutine that just finished a
// message run) never blocks for a task's duration. At most one drain
// loop runs per workspace at a time.
func (q *Queue) drainTasks(jid string) {
	ws := q.state(jid)
	ws.mu.Lock()
	if ws.draining {
		ws.mu.Unlock()
		return
	}
	ws.draining = true
	ws.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			ws.mu.Lock()
			ws.draining = false
			ws.mu.Unlock()
		}()
		for {
			ws.mu.Lock()
			if ws.active || len(ws.taskQueue) == 0 || ws.cancelled {
				ws.mu.Unlock()
				return
			}
			next := ws.taskQueue[0]
			ws.taskQueue = ws.taskQueue[1:]
			ws.active = true
			ws.activeIsTask = true
			ws.mu.Unlock()

			next.fn(q.ctx)

			ws.mu.Lock()
			ws.active = false
			ws.activeIsTask = false
			ws.mu.Unlock()
		}
	}()
}

// IsActiveTask reports whether a scheduled task is currently running for jid.
func (q *Queue) IsActiveTask(jid string) bool {
	ws := q.state(jid)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.active && ws.activeIsTask
}

// IsActive reports whether any container (message or task) is running for jid.
func (q *Queue) IsActive(jid string) bool {
	ws := q.state(jid)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.active
}

// BindActiveProcess is called by the orchestrator when it launches a
// container for jid, registering how to forward stdin text and how to
// stop the process. Cleared when the run ends.
func (q *Queue) BindActiveProcess(jid string, send func(text string) bool, stop func()) {
	ws := q.state(jid)
	ws.mu.Lock()
	ws.sendToActive = send
	ws.stopActive = stop
	ws.mu.Unlock()
}

// BindStdinCloser registers how to signal idle to jid's running
// container (the IPC "_close" sentinel). Separate from BindActiveProcess
// so callers that only forward text need not wire it.
func (q *Queue) BindStdinCloser(jid string, fn func()) {
	ws := q.state(jid)
	ws.mu.Lock()
	ws.closeStdin = fn
	ws.mu.Unlock()
}

// CloseStdin sends the idle signal to jid's running container, causing
// it to end its current turn.
func (q *Queue) CloseStdin(jid string) {
	ws := q.state(jid)
	ws.mu.Lock()
	fn := ws.closeStdin
	ws.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// UnbindActiveProcess clears the active-process hooks once a run ends.
func (q *Queue) UnbindActiveProcess(jid string) {
	ws := q.state(jid)
	ws.mu.Lock()
	ws.sendToActive = nil
	ws.stopActive = nil
	ws.closeStdin = nil
	ws.mu.Unlock()
}

// SendMessage attempts to deliver text into jid's running container via
// IPC input. Returns true if forwarded.
func (q *Queue) SendMessage(jid, text string) bool {
	ws := q.state(jid)
	ws.mu.Lock()
	send := ws.sendToActive
	ws.mu.Unlock()
	if send == nil {
		return false
	}
	return send(text)
}

// ClearPendingTasks drops queued work for jid.
func (q *Queue) ClearPendingTasks(jid string) {
	ws := q.state(jid)
	ws.mu.Lock()
	ws.taskQueue = nil
	ws.mu.Unlock()
}

// StopActiveProcess cooperatively terminates the active process for jid.
func (q *Queue) StopActiveProcess(jid string) {
	ws := q.state(jid)
	ws.mu.Lock()
	stop := ws.stopActive
	ws.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Interrupt policy prefixes (§4.1). "todo " additionally needs host-tool
// handling, wired by the inbound package; the queue only classifies.
const (
	prefixBtw  = "btw "
	prefixTodo = "todo "
)

// ClassifyInterrupt reports whether text (already trimmed) is a
// non-interrupting forward ("btw "/"todo ") or a normal interrupting
// message.
func ClassifyInterrupt(text string) (nonInterrupting bool, isTodo bool) {
	lower := strings.ToLower(text)
	switch {
	case strings.HasPrefix(lower, prefixTodo):
		return true, true
	case strings.HasPrefix(lower, prefixBtw):
		return true, false
	default:
		return false, false
	}
}

// HandleInterrupt applies §4.1's interrupt policy for a newly polled
// batch whose representative text is `text`, given that jid currently
// has an active container. Returns what the caller (inbound pipeline)
// must do next.
type InterruptAction struct {
	Forward         bool // send text via IPC input
	EnqueueRecheck  bool
	AdvanceCursor   bool
	StopActive      bool
	ClearPending    bool
}

func HandleInterrupt(text string) InterruptAction {
	nonInterrupting, _ := ClassifyInterrupt(text)
	if nonInterrupting {
		return InterruptAction{Forward: true, EnqueueRecheck: true}
	}
	return InterruptAction{StopActive: true, ClearPending: true, EnqueueRecheck: true}
}

// Shutdown waits for all active work to drain, cancels queued work.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	for _, ws := range q.workspaces {
		ws.mu.Lock()
		ws.cancelled = true
		ws.taskQueue = nil
		stop := ws.stopActive
		ws.mu.Unlock()
		if stop != nil {
			stop()
		}
	}
	q.mu.Unlock()
	q.cancel()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		q.wg.Wait()
		return nil
	})
	return g.Wait()
}
