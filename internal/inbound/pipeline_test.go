package inbound

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypdick/pynchy/internal/broadcast"
	"github.com/crypdick/pynchy/internal/config"
	"github.com/crypdick/pynchy/internal/channels"
	"github.com/crypdick/pynchy/internal/container"
	"github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/queue"
	"github.com/crypdick/pynchy/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is a minimal in-memory store.Store used to drive Pipeline
// methods without a real database.
type fakeStore struct {
	mu          sync.Mutex
	workspaces  map[string]store.WorkspaceProfile
	cursor      map[string]time.Time
	lastTS      time.Time
	newMsgs     []store.Message
	sinceMsgs   map[string][]store.Message
	appended    []store.Message
	clearedAt   map[string]time.Time
	sessionsRst []string // folders whose session was cleared
	aliases     map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workspaces: map[string]store.WorkspaceProfile{},
		cursor:     map[string]time.Time{},
		sinceMsgs:  map[string][]store.Message{},
		clearedAt:  map[string]time.Time{},
		aliases:    map[string]string{},
	}
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, msg)
	return nil
}
func (f *fakeStore) GetNewMessages(ctx context.Context, since time.Time) ([]store.Message, error) {
	return f.newMsgs, nil
}
func (f *fakeStore) GetMessagesSince(ctx context.Context, chatJID string, since time.Time) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.sinceMsgs[chatJID] {
		if m.Timestamp.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeStore) GetChatHistory(ctx context.Context, chatJID string, limit int, clearedFilter bool) ([]store.Message, error) {
	return nil, nil
}
func (f *fakeStore) SetClearedAt(ctx context.Context, chatJID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedAt[chatJID] = at
	return nil
}
func (f *fakeStore) GetClearedAt(ctx context.Context, chatJID string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.clearedAt[chatJID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}
func (f *fakeStore) GetLastTimestamp(ctx context.Context) (time.Time, error) { return f.lastTS, nil }
func (f *fakeStore) SetLastTimestamp(ctx context.Context, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTS = ts
	return nil
}
func (f *fakeStore) GetLastAgentTimestamp(ctx context.Context, jid string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor[jid], nil
}
func (f *fakeStore) SetLastAgentTimestamp(ctx context.Context, jid string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor[jid] = ts
	return nil
}
func (f *fakeStore) GetWorkspace(ctx context.Context, jid string) (*store.WorkspaceProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[jid]
	if !ok {
		return nil, nil
	}
	return &ws, nil
}
func (f *fakeStore) PutWorkspace(ctx context.Context, w store.WorkspaceProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspaces[w.JID] = w
	return nil
}
func (f *fakeStore) ListWorkspaces(ctx context.Context) ([]store.WorkspaceProfile, error) {
	return nil, nil
}
func (f *fakeStore) ResolveAlias(ctx context.Context, aliasJID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.aliases[aliasJID]
	return c, ok, nil
}
func (f *fakeStore) PutAlias(ctx context.Context, alias store.JIDAlias) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[alias.AliasJID] = alias.CanonicalJID
	return nil
}
func (f *fakeStore) GetSessionID(ctx context.Context, folder string) (string, error) {
	return "", nil
}
func (f *fakeStore) SetSessionID(ctx context.Context, folder, sessionID string) error { return nil }
func (f *fakeStore) ClearSession(ctx context.Context, folder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionsRst = append(f.sessionsRst, folder)
	return nil
}
func (f *fakeStore) PutTask(ctx context.Context, t store.ScheduledTask) error { return nil }
func (f *fakeStore) GetTask(ctx context.Context, id string) (*store.ScheduledTask, error) {
	return nil, nil
}
func (f *fakeStore) DeleteTask(ctx context.Context, id string) error { return nil }
func (f *fakeStore) DueTasks(ctx context.Context, now time.Time) ([]store.ScheduledTask, error) {
	return nil, nil
}
func (f *fakeStore) ListTasksForWorkspace(ctx context.Context, folder string) ([]store.ScheduledTask, error) {
	return nil, nil
}
func (f *fakeStore) ListAllTasks(ctx context.Context) ([]store.ScheduledTask, error) { return nil, nil }
func (f *fakeStore) ListHostJobs(ctx context.Context) ([]store.HostJob, error)       { return nil, nil }
func (f *fakeStore) PutHostJob(ctx context.Context, j store.HostJob) error           { return nil }
func (f *fakeStore) AppendRunLog(ctx context.Context, l store.TaskRunLog) error      { return nil }
func (f *fakeStore) AppendLedgerEntry(ctx context.Context, e store.OutboundLedgerEntry) (int64, error) {
	return 0, nil
}
func (f *fakeStore) MarkDelivered(ctx context.Context, id int64, channel string) error { return nil }
func (f *fakeStore) UndeliveredForChannel(ctx context.Context, channel string) ([]store.OutboundLedgerEntry, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

func newTestPipeline(t *testing.T, st *fakeStore, run RunAgentFn) *Pipeline {
	t.Helper()
	cfg := config.NewLive(&config.Config{
		Workspaces: map[string]config.WorkspaceConfig{
			"readonly": {Access: config.AccessRead},
			"admin":    {IsAdmin: true},
		},
	})
	q := queue.New(testLogger())
	plane := broadcast.NewPlane(testLogger(), st, "")
	dataDir := t.TempDir()
	busFor := func(folder string) *ipc.Bus {
		b := ipc.NewBus(dataDir, folder)
		require.NoError(t, b.EnsureLayout())
		return b
	}
	p := New(testLogger(), st, cfg, q, plane, run, busFor)
	p.SetWorkDirFn(func(folder string) string { return dataDir })
	return p
}

func msg(jid, sender, content string, ts time.Time, typ store.MessageType) store.Message {
	return store.Message{ID: content, ChatJID: jid, SenderID: sender, Content: content, Timestamp: ts, Type: typ}
}

func TestProcessWorkspace_UnknownWorkspaceSkips(t *testing.T) {
	st := newFakeStore()
	p := newTestPipeline(t, st, nil)
	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:unknown"))
}

func TestProcessWorkspace_ReadOnlyAccessNeverLaunches(t *testing.T) {
	st := newFakeStore()
	st.workspaces["wa:1"] = store.WorkspaceProfile{JID: "wa:1", Folder: "readonly"}
	st.sinceMsgs["wa:1"] = []store.Message{msg("wa:1", "a@b.com", "hi", time.Now(), store.MessageTypeUser)}

	ran := false
	p := newTestPipeline(t, st, func(ctx context.Context, req AgentRunRequest) (container.Result, error) {
		ran = true
		return container.Result{}, nil
	})
	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))
	assert.False(t, ran, "read-only workspaces store messages but never launch")
}

func TestProcessWorkspace_NoNewMessagesReturnsTrue(t *testing.T) {
	st := newFakeStore()
	st.workspaces["wa:1"] = store.WorkspaceProfile{JID: "wa:1", Folder: "w1"}
	p := newTestPipeline(t, st, nil)
	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))
}

func TestProcessWorkspace_AllSystemNoticesSkipsLaunch(t *testing.T) {
	st := newFakeStore()
	st.workspaces["wa:1"] = store.WorkspaceProfile{JID: "wa:1", Folder: "w1", IsAdmin: true}
	st.sinceMsgs["wa:1"] = []store.Message{msg("wa:1", "host", "notice", time.Now(), store.MessageTypeSystem)}

	ran := false
	p := newTestPipeline(t, st, func(ctx context.Context, req AgentRunRequest) (container.Result, error) {
		ran = true
		return container.Result{}, nil
	})
	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))
	assert.False(t, ran)
}

func TestProcessWorkspace_DispatchesAgentRunForAdminWorkspace(t *testing.T) {
	st := newFakeStore()
	st.workspaces["wa:1"] = store.WorkspaceProfile{JID: "wa:1", Folder: "admin", IsAdmin: true}
	st.sinceMsgs["wa:1"] = []store.Message{msg("wa:1", "a@b.com", "hello agent", time.Now(), store.MessageTypeUser)}

	var gotReq AgentRunRequest
	p := newTestPipeline(t, st, func(ctx context.Context, req AgentRunRequest) (container.Result, error) {
		gotReq = req
		return container.Result{Status: "success", Result: "done"}, nil
	})
	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))
	assert.Equal(t, "wa:1", gotReq.ChatJID)
	assert.Equal(t, "user", gotReq.InputSource)
}

func TestProcessWorkspace_DirectShellCommandIsIntercepted(t *testing.T) {
	st := newFakeStore()
	st.workspaces["wa:1"] = store.WorkspaceProfile{JID: "wa:1", Folder: "admin", IsAdmin: true}
	now := time.Now()
	st.sinceMsgs["wa:1"] = []store.Message{msg("wa:1", "a@b.com", "!echo hi", now, store.MessageTypeUser)}

	ran := false
	p := newTestPipeline(t, st, func(ctx context.Context, req AgentRunRequest) (container.Result, error) {
		ran = true
		return container.Result{}, nil
	})
	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))
	assert.False(t, ran, "a direct shell command never reaches the agent run pipeline")
	assert.Equal(t, now, st.cursor["wa:1"], "intercept always advances the cursor")
	require.Len(t, st.appended, 1)
	assert.True(t, strings.HasPrefix(st.appended[0].Content, "✅"), "command must actually run in a real working directory")
	assert.Contains(t, st.appended[0].Content, "hi")
}

func TestProcessWorkspace_ContextResetClearsSessionAndClearedAt(t *testing.T) {
	st := newFakeStore()
	st.workspaces["wa:1"] = store.WorkspaceProfile{JID: "wa:1", Folder: "admin", IsAdmin: true}
	now := time.Now()
	st.sinceMsgs["wa:1"] = []store.Message{msg("wa:1", "a@b.com", "reset context", now, store.MessageTypeUser)}

	p := newTestPipeline(t, st, nil)
	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))
	assert.Contains(t, st.sessionsRst, "admin")
	assert.Equal(t, now, st.clearedAt["wa:1"])
}

func TestProcessWorkspace_BtwWhileActiveForwardsAndEnqueuesRecheck(t *testing.T) {
	st := newFakeStore()
	st.workspaces["wa:1"] = store.WorkspaceProfile{JID: "wa:1", Folder: "admin", IsAdmin: true}
	now := time.Now()
	st.sinceMsgs["wa:1"] = []store.Message{msg("wa:1", "a@b.com", "btw also check the logs", now, store.MessageTypeUser)}

	p := newTestPipeline(t, st, nil)

	var sentMu sync.Mutex
	var sent []string
	p.q.BindActiveProcess("wa:1", func(text string) bool {
		sentMu.Lock()
		sent = append(sent, text)
		sentMu.Unlock()
		return true
	}, func() {})

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	p.q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return true
	})
	p.q.EnqueueMessageCheck("wa:1") // makes IsActive("wa:1") true for the duration below
	<-started

	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))

	sentMu.Lock()
	require.Len(t, sent, 1, "a \"btw \" message must forward into the active container")
	assert.Contains(t, sent[0], "check the logs")
	sentMu.Unlock()

	close(release)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, time.Second, 10*time.Millisecond, "forwarding must also enqueue a recheck once the active run ends")
}

func TestProcessWorkspace_TodoWhileActiveMutatesListAndNotifies(t *testing.T) {
	st := newFakeStore()
	st.workspaces["wa:1"] = store.WorkspaceProfile{JID: "wa:1", Folder: "admin", IsAdmin: true}
	now := time.Now()
	st.sinceMsgs["wa:1"] = []store.Message{msg("wa:1", "a@b.com", "todo write the release notes", now, store.MessageTypeUser)}

	p := newTestPipeline(t, st, nil)
	p.q.BindActiveProcess("wa:1", func(text string) bool { return true }, func() {})

	started := make(chan struct{})
	release := make(chan struct{})
	p.q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		select {
		case <-started:
		default:
			close(started)
		}
		<-release
		return true
	})
	p.q.EnqueueMessageCheck("wa:1")
	<-started

	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))
	close(release)

	bus := p.busFor("admin")
	items, err := bus.ReadTodoList()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "write the release notes", items[0])

	require.Eventually(t, func() bool {
		lines, _, err := bus.DrainInput()
		require.NoError(t, err)
		for _, l := range lines {
			if strings.Contains(l, "write the release notes") {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "a \"todo \" message must write a system-notice input line")
}

func TestDispatchRun_RollsBackCursorWhenNoOutputDelivered(t *testing.T) {
	st := newFakeStore()
	prev := time.Now().Add(-time.Hour)
	st.cursor["wa:1"] = prev
	p := newTestPipeline(t, st, func(ctx context.Context, req AgentRunRequest) (container.Result, error) {
		return container.Result{Status: "error", Error: "boom"}, nil
	})

	ws := store.WorkspaceProfile{JID: "wa:1", Folder: "w1"}
	last := msg("wa:1", "a@b.com", "hi", time.Now(), store.MessageTypeUser)
	ok := p.dispatchRun(context.Background(), ws, "wa:1", []store.Message{last}, prev)
	assert.False(t, ok)
	assert.Equal(t, prev, st.cursor["wa:1"], "cursor must roll back when no output reached the user")
}

func TestDispatchRun_NoRollbackWhenPartialOutputDelivered(t *testing.T) {
	st := newFakeStore()
	prev := time.Now().Add(-time.Hour)
	p := newTestPipeline(t, st, func(ctx context.Context, req AgentRunRequest) (container.Result, error) {
		return container.Result{Status: "error", Result: "partial output already sent"}, nil
	})

	ws := store.WorkspaceProfile{JID: "wa:1", Folder: "w1"}
	last := msg("wa:1", "a@b.com", "hi", time.Now(), store.MessageTypeUser)
	ok := p.dispatchRun(context.Background(), ws, "wa:1", []store.Message{last}, prev)
	assert.True(t, ok)
	assert.NotEqual(t, prev, st.cursor["wa:1"], "cursor should not roll back once partial output was delivered")
}

func TestPoll_AdvancesCursorToNewestMessage(t *testing.T) {
	st := newFakeStore()
	st.aliases["wa:1"] = "wa:1"
	now := time.Now()
	st.newMsgs = []store.Message{msg("wa:1", "a@b.com", "hi", now, store.MessageTypeUser)}

	p := newTestPipeline(t, st, nil)
	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, now, st.lastTS)
}

func TestPoll_NoNewMessagesIsNoop(t *testing.T) {
	st := newFakeStore()
	p := newTestPipeline(t, st, nil)
	require.NoError(t, p.Poll(context.Background()))
	assert.True(t, st.lastTS.IsZero())
}

func TestTriggerPattern_MentionTriggers(t *testing.T) {
	cases := []struct {
		trigger string
		content string
		want    bool
	}{
		{"@Bot", "@Bot ping", true},
		{"@Bot", "hey @bot, are you there", true},
		{"@Bot", "hi", false},
		{"@Bot", "mail me at x@Botmail.com", false},
		{"Bot", "Bot please", true},
		{"Bot", "robots everywhere", false},
	}
	for _, tc := range cases {
		re := regexp.MustCompile(triggerPattern(tc.trigger))
		assert.Equal(t, tc.want, re.MatchString(tc.content), "trigger %q vs %q", tc.trigger, tc.content)
	}
}

func TestProcessWorkspace_MentionModeRequiresTrigger(t *testing.T) {
	st := newFakeStore()
	st.workspaces["wa:1"] = store.WorkspaceProfile{JID: "wa:1", Folder: "w1", Trigger: "@Bot"}
	now := time.Now()

	ran := false
	p := newTestPipeline(t, st, func(ctx context.Context, req AgentRunRequest) (container.Result, error) {
		ran = true
		return container.Result{Status: "success"}, nil
	})

	st.sinceMsgs["wa:1"] = []store.Message{msg("wa:1", "a@b.com", "hi", now, store.MessageTypeUser)}
	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))
	assert.False(t, ran, "no trigger match must not launch")

	st.sinceMsgs["wa:1"] = []store.Message{
		msg("wa:1", "a@b.com", "hi", now, store.MessageTypeUser),
		msg("wa:1", "a@b.com", "@Bot ping", now.Add(time.Second), store.MessageTypeUser),
	}
	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))
	assert.True(t, ran, "a trigger match anywhere in the batch launches")
}

func TestProcessWorkspace_MagicCommandBypassesTrigger(t *testing.T) {
	st := newFakeStore()
	st.workspaces["wa:1"] = store.WorkspaceProfile{JID: "wa:1", Folder: "w1", Trigger: "@Bot"}
	now := time.Now()
	st.sinceMsgs["wa:1"] = []store.Message{msg("wa:1", "a@b.com", "reset context", now, store.MessageTypeUser)}

	p := newTestPipeline(t, st, nil)
	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))
	assert.Contains(t, st.sessionsRst, "w1", "magic commands run even without a trigger match")
	assert.Equal(t, now, st.cursor["wa:1"])
}

func TestProcessWorkspace_PendingAskRoutesAnswerIntoContainer(t *testing.T) {
	st := newFakeStore()
	st.workspaces["wa:1"] = store.WorkspaceProfile{JID: "wa:1", Folder: "admin", IsAdmin: true}
	now := time.Now()
	st.sinceMsgs["wa:1"] = []store.Message{msg("wa:1", "a@b.com", "yes, merge it", now, store.MessageTypeUser)}

	p := newTestPipeline(t, st, nil)
	p.SetAskPendingFn(func(jid string) (string, bool) { return "ask-7", jid == "wa:1" })

	var stopped bool
	p.q.BindActiveProcess("wa:1", func(string) bool { return true }, func() { stopped = true })

	started := make(chan struct{})
	release := make(chan struct{})
	p.q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		select {
		case <-started:
		default:
			close(started)
		}
		<-release
		return true
	})
	p.q.EnqueueMessageCheck("wa:1")
	<-started

	assert.True(t, p.ProcessWorkspace(context.Background(), "wa:1"))
	close(release)

	assert.False(t, stopped, "an ask answer must not interrupt the running container")
	assert.True(t, st.cursor["wa:1"].IsZero(), "no cursor advance for a forwarded answer")

	bus := p.busFor("admin")
	require.Eventually(t, func() bool {
		lines, _, err := bus.DrainInput()
		require.NoError(t, err)
		for _, l := range lines {
			if strings.Contains(l, "merge it") {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

// stubChannel is the smallest channels.Channel that can own a JID, used
// to make HandleStreamedOutput report a real user-visible send.
type stubChannel struct {
	jid  string
	sent int
}

func (s *stubChannel) Name() string                        { return "stub" }
func (s *stubChannel) Connect(ctx context.Context) error    { return nil }
func (s *stubChannel) Disconnect(ctx context.Context) error { return nil }
func (s *stubChannel) Reconnect(ctx context.Context) error  { return nil }
func (s *stubChannel) IsConnected() bool                    { return true }
func (s *stubChannel) OwnsJID(jid string) bool              { return jid == s.jid }
func (s *stubChannel) PrefixAssistantName() bool            { return false }
func (s *stubChannel) SendMessage(ctx context.Context, jid, text string) error {
	s.sent++
	return nil
}

func TestDispatchRun_NoRollbackWhenStreamedEventsReachedUser(t *testing.T) {
	st := newFakeStore()
	prev := time.Now().Add(-time.Hour)
	st.cursor["wa:1"] = prev

	// The run streams a thinking event (broadcast to the user) and then
	// errors without ever emitting a final result event.
	p := newTestPipeline(t, st, func(ctx context.Context, req AgentRunRequest) (container.Result, error) {
		req.OnOutput(container.Event{Type: container.EventThinking})
		return container.Result{Status: "error", Error: "died mid-run"}, nil
	})
	ch := &stubChannel{jid: "wa:1"}
	p.plane.SetChannels([]channels.Channel{ch})

	ws := store.WorkspaceProfile{JID: "wa:1", Folder: "w1"}
	last := msg("wa:1", "a@b.com", "hi", time.Now(), store.MessageTypeUser)
	ok := p.dispatchRun(context.Background(), ws, "wa:1", []store.Message{last}, prev)
	assert.True(t, ok)
	assert.Positive(t, ch.sent, "the thinking event reached the channel")
	assert.NotEqual(t, prev, st.cursor["wa:1"], "streamed user-visible output must suppress the rollback")
}
