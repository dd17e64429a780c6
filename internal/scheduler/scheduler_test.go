package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypdick/pynchy/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore implements store.Store with in-memory state, enough to drive
// the scheduler's PollTasks/PollHostJobs loops without a real database.
type fakeStore struct {
	mu          sync.Mutex
	tasks       map[string]store.ScheduledTask
	hostJobs    map[string]store.HostJob
	runLogs     []store.TaskRunLog
	workspaces  map[string]store.WorkspaceProfile
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:      map[string]store.ScheduledTask{},
		hostJobs:   map[string]store.HostJob{},
		workspaces: map[string]store.WorkspaceProfile{},
	}
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg store.Message) error { return nil }
func (f *fakeStore) GetNewMessages(ctx context.Context, since time.Time) ([]store.Message, error) {
	return nil, nil
}
func (f *fakeStore) GetMessagesSince(ctx context.Context, chatJID string, since time.Time) ([]store.Message, error) {
	return nil, nil
}
func (f *fakeStore) GetChatHistory(ctx context.Context, chatJID string, limit int, clearedFilter bool) ([]store.Message, error) {
	return nil, nil
}
func (f *fakeStore) SetClearedAt(ctx context.Context, chatJID string, at time.Time) error { return nil }
func (f *fakeStore) GetClearedAt(ctx context.Context, chatJID string) (*time.Time, error) {
	return nil, nil
}
func (f *fakeStore) GetLastTimestamp(ctx context.Context) (time.Time, error) {
	return time.Time{}, nil
}
func (f *fakeStore) SetLastTimestamp(ctx context.Context, ts time.Time) error { return nil }
func (f *fakeStore) GetLastAgentTimestamp(ctx context.Context, jid string) (time.Time, error) {
	return time.Time{}, nil
}
func (f *fakeStore) SetLastAgentTimestamp(ctx context.Context, jid string, ts time.Time) error {
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
	return "", false, nil
}
func (f *fakeStore) PutAlias(ctx context.Context, alias store.JIDAlias) error { return nil }
func (f *fakeStore) GetSessionID(ctx context.Context, folder string) (string, error) {
	return "", nil
}
func (f *fakeStore) SetSessionID(ctx context.Context, folder, sessionID string) error { return nil }
func (f *fakeStore) ClearSession(ctx context.Context, folder string) error           { return nil }

func (f *fakeStore) PutTask(ctx context.Context, t store.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}
func (f *fakeStore) GetTask(ctx context.Context, id string) (*store.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}
func (f *fakeStore) DeleteTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}
func (f *fakeStore) DueTasks(ctx context.Context, now time.Time) ([]store.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []store.ScheduledTask
	for _, t := range f.tasks {
		if t.Status == store.TaskActive && t.NextRun != nil && !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}
func (f *fakeStore) ListTasksForWorkspace(ctx context.Context, folder string) ([]store.ScheduledTask, error) {
	return nil, nil
}
func (f *fakeStore) ListAllTasks(ctx context.Context) ([]store.ScheduledTask, error) {
	return nil, nil
}

func (f *fakeStore) ListHostJobs(ctx context.Context) ([]store.HostJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []store.HostJob
	for _, j := range f.hostJobs {
		jobs = append(jobs, j)
	}
	return jobs, nil
}
func (f *fakeStore) PutHostJob(ctx context.Context, j store.HostJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostJobs[j.ID] = j
	return nil
}

func (f *fakeStore) AppendRunLog(ctx context.Context, l store.TaskRunLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runLogs = append(f.runLogs, l)
	return nil
}

func (f *fakeStore) AppendLedgerEntry(ctx context.Context, e store.OutboundLedgerEntry) (int64, error) {
	return 0, nil
}
func (f *fakeStore) MarkDelivered(ctx context.Context, id int64, channel string) error { return nil }
func (f *fakeStore) UndeliveredForChannel(ctx context.Context, channel string) ([]store.OutboundLedgerEntry, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) runLogCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runLogs)
}

func TestNextRun_Cron(t *testing.T) {
	s := &Scheduler{log: testLogger()}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := s.nextRun(store.ScheduledTask{ScheduleType: store.ScheduleCron, ScheduleValue: "0 13 * * *"}, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 13, next.Hour())
	assert.True(t, next.After(now))
}

func TestNextRun_Interval(t *testing.T) {
	s := &Scheduler{log: testLogger()}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := s.nextRun(store.ScheduledTask{ScheduleType: store.ScheduleInterval, ScheduleValue: "5000"}, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(5*time.Second), *next)
}

func TestNextRun_Once_ReturnsNil(t *testing.T) {
	s := &Scheduler{log: testLogger()}
	next, err := s.nextRun(store.ScheduledTask{ScheduleType: store.ScheduleOnce}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextRun_UnknownScheduleType(t *testing.T) {
	s := &Scheduler{log: testLogger()}
	_, err := s.nextRun(store.ScheduledTask{ScheduleType: "bogus"}, time.Now())
	assert.Error(t, err)
}

func TestAdvance_OnceMarksTaskCompleted(t *testing.T) {
	fs := newFakeStore()
	s := &Scheduler{log: testLogger(), store: fs}
	task := store.ScheduledTask{ID: "t1", ScheduleType: store.ScheduleOnce, Status: store.TaskActive}
	require.NoError(t, s.advance(context.Background(), &task, time.Now()))
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Nil(t, task.NextRun)

	persisted, err := fs.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, store.TaskCompleted, persisted.Status)
}

func TestAdvance_IntervalKeepsTaskActiveWithNewNextRun(t *testing.T) {
	fs := newFakeStore()
	s := &Scheduler{log: testLogger(), store: fs}
	now := time.Now().UTC()
	task := store.ScheduledTask{ID: "t1", ScheduleType: store.ScheduleInterval, ScheduleValue: "1000", Status: store.TaskActive}
	require.NoError(t, s.advance(context.Background(), &task, now))
	assert.Equal(t, store.TaskActive, task.Status)
	require.NotNil(t, task.NextRun)
	assert.Equal(t, now.Add(time.Second), *task.NextRun)
}

func TestPollHostJobs_RunsDueEnabledJob(t *testing.T) {
	fs := newFakeStore()
	s := &Scheduler{log: testLogger(), store: fs}
	now := time.Now().UTC()
	job := store.HostJob{
		ID: "job1", ScheduleType: store.ScheduleCron, ScheduleValue: "* * * * *",
		Command: "echo hi", Enabled: true, Status: store.TaskActive, TimeoutSec: 5,
	}
	require.NoError(t, fs.PutHostJob(context.Background(), job))

	require.NoError(t, s.PollHostJobs(context.Background()))

	require.Eventually(t, func() bool { return fs.runLogCount() == 1 }, time.Second, 10*time.Millisecond)

	persisted, err := fs.ListHostJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.NotNil(t, persisted[0].LastRun)
	_ = now
}

func TestPollHostJobs_SkipsDisabledJob(t *testing.T) {
	fs := newFakeStore()
	s := &Scheduler{log: testLogger(), store: fs}
	job := store.HostJob{
		ID: "job1", ScheduleType: store.ScheduleCron, ScheduleValue: "* * * * *",
		Command: "echo hi", Enabled: false, Status: store.TaskActive,
	}
	require.NoError(t, fs.PutHostJob(context.Background(), job))
	require.NoError(t, s.PollHostJobs(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fs.runLogCount())
}

func TestRunHostJob_RecordsFailureOnNonZeroExit(t *testing.T) {
	fs := newFakeStore()
	s := &Scheduler{log: testLogger(), store: fs}
	job := store.HostJob{ID: "job1", Command: "exit 1", TimeoutSec: 5}
	s.runHostJob(context.Background(), job)

	require.Len(t, fs.runLogs, 1)
	assert.Equal(t, store.RunError, fs.runLogs[0].Status)
}

func TestBoolToRepoOverride(t *testing.T) {
	assert.Equal(t, "", boolToRepoOverride(false, store.WorkspaceProfile{}))
	assert.Equal(t, "inherit", boolToRepoOverride(true, store.WorkspaceProfile{}))
}
