package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fileNamePattern = regexp.MustCompile(`^\d+-[0-9a-f]{6}\.json$`)

func TestFileName_MatchesSpecPattern(t *testing.T) {
	name, err := fileName()
	require.NoError(t, err)
	assert.Regexp(t, fileNamePattern, name)
}

func TestEnsureLayout_CreatesAllSubdirs(t *testing.T) {
	dataDir := t.TempDir()
	b := NewBus(dataDir, "w1")
	require.NoError(t, b.EnsureLayout())

	for _, sub := range []string{"messages", "tasks", "input", "merge_results"} {
		info, err := os.Stat(filepath.Join(b.Root(), sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestWriteRequest_AtomicAndReadableByDrainDir(t *testing.T) {
	dataDir := t.TempDir()
	b := NewBus(dataDir, "w1")
	require.NoError(t, b.EnsureLayout())

	require.NoError(t, b.WriteRequest("tasks", ReqScheduleTask, ScheduleTaskPayload{
		Prompt: "check logs", ScheduleType: "cron", ScheduleValue: "*/5 * * * *",
	}))

	// No .tmp files left behind: rename happened.
	entries, err := os.ReadDir(filepath.Join(b.Root(), "tasks"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, fileNamePattern, entries[0].Name())

	reqs, bad, err := b.DrainDir("tasks")
	require.NoError(t, err)
	assert.Empty(t, bad)
	require.Len(t, reqs, 1)
	assert.Equal(t, ReqScheduleTask, reqs[0].Type)

	var payload ScheduleTaskPayload
	require.NoError(t, json.Unmarshal(reqs[0].Payload, &payload))
	assert.Equal(t, "check logs", payload.Prompt)

	// DrainDir unlinks consumed files.
	entries, err = os.ReadDir(filepath.Join(b.Root(), "tasks"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrainDir_PreservesCreationOrder(t *testing.T) {
	dataDir := t.TempDir()
	b := NewBus(dataDir, "w1")
	require.NoError(t, b.EnsureLayout())

	for i := 0; i < 5; i++ {
		require.NoError(t, b.WriteRequest("messages", ReqMessage, MessagePayload{Text: string(rune('a' + i))}))
	}

	reqs, _, err := b.DrainDir("messages")
	require.NoError(t, err)
	require.Len(t, reqs, 5)
	for i, r := range reqs {
		var p MessagePayload
		require.NoError(t, json.Unmarshal(r.Payload, &p))
		assert.Equal(t, string(rune('a'+i)), p.Text)
	}
}

func TestDrainDir_MissingDirReturnsEmpty(t *testing.T) {
	dataDir := t.TempDir()
	b := NewBus(dataDir, "w1")
	reqs, bad, err := b.DrainDir("messages")
	require.NoError(t, err)
	assert.Empty(t, reqs)
	assert.Empty(t, bad)
}

func TestDrainDir_CorruptFileIsSkippedAndDeleted(t *testing.T) {
	dataDir := t.TempDir()
	b := NewBus(dataDir, "w1")
	require.NoError(t, b.EnsureLayout())

	badPath := filepath.Join(b.Root(), "tasks", "1-aabbcc.json")
	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0o644))
	require.NoError(t, b.WriteRequest("tasks", ReqMessage, MessagePayload{Text: "ok"}))

	reqs, bad, err := b.DrainDir("tasks")
	require.NoError(t, err)
	assert.Len(t, bad, 1)
	require.Len(t, reqs, 1)

	_, statErr := os.Stat(badPath)
	assert.True(t, os.IsNotExist(statErr), "corrupt file should be unlinked")
}

func TestWriteInputAndDrainInput(t *testing.T) {
	dataDir := t.TempDir()
	b := NewBus(dataDir, "w1")
	require.NoError(t, b.EnsureLayout())

	require.NoError(t, b.WriteInput("also check logs"))
	require.NoError(t, b.WriteInput("one more thing"))

	lines, closed, err := b.DrainInput()
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, []string{"also check logs", "one more thing"}, lines)
}

func TestClose_WritesZeroByteCloseSentinel(t *testing.T) {
	dataDir := t.TempDir()
	b := NewBus(dataDir, "w1")
	require.NoError(t, b.EnsureLayout())

	require.NoError(t, b.Close())
	lines, closed, err := b.DrainInput()
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Empty(t, lines)
}

func TestDrainInput_CloseSentinelOrderedWithLines(t *testing.T) {
	dataDir := t.TempDir()
	b := NewBus(dataDir, "w1")
	require.NoError(t, b.EnsureLayout())

	require.NoError(t, b.WriteInput("line one"))
	require.NoError(t, b.Close())

	lines, closed, err := b.DrainInput()
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, []string{"line one"}, lines)
}

func TestWriteMergeResult(t *testing.T) {
	dataDir := t.TempDir()
	b := NewBus(dataDir, "w1")
	require.NoError(t, b.EnsureLayout())

	require.NoError(t, b.WriteMergeResult("req-123", MergeResult{Success: true, Message: "opened PR"}))

	data, err := os.ReadFile(filepath.Join(b.Root(), "merge_results", "req-123.json"))
	require.NoError(t, err)
	var got MergeResult
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, got.Success)
	assert.Equal(t, "opened PR", got.Message)
}

func TestWriteCurrentTasksAndAvailableGroups(t *testing.T) {
	dataDir := t.TempDir()
	b := NewBus(dataDir, "w1")
	require.NoError(t, b.EnsureLayout())

	require.NoError(t, b.WriteCurrentTasks(CurrentTasksSnapshot{
		Tasks: []TaskView{{ID: "t1", Prompt: "check"}},
	}))
	require.NoError(t, b.WriteAvailableGroups(AvailableGroupsSnapshot{
		Groups: []GroupView{{JID: "wa:123", Name: "Workspace"}},
	}))

	data, err := os.ReadFile(filepath.Join(b.Root(), "current_tasks.json"))
	require.NoError(t, err)
	var tasks CurrentTasksSnapshot
	require.NoError(t, json.Unmarshal(data, &tasks))
	require.Len(t, tasks.Tasks, 1)
	assert.Equal(t, "t1", tasks.Tasks[0].ID)

	data, err = os.ReadFile(filepath.Join(b.Root(), "available_groups.json"))
	require.NoError(t, err)
	var groups AvailableGroupsSnapshot
	require.NoError(t, json.Unmarshal(data, &groups))
	require.Len(t, groups.Groups, 1)
}

func TestTodoListRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	b := NewBus(dataDir, "w1")
	require.NoError(t, b.EnsureLayout())

	items, err := b.ReadTodoList()
	require.NoError(t, err)
	assert.Empty(t, items, "no todo list written yet")

	require.NoError(t, b.WriteTodoList([]string{"buy milk"}))
	items, err = b.ReadTodoList()
	require.NoError(t, err)
	assert.Equal(t, []string{"buy milk"}, items)
}

func TestResetPromptRoundTrip(t *testing.T) {
	bus := NewBus(t.TempDir(), "w1")
	require.NoError(t, bus.EnsureLayout())

	_, ok, err := bus.ConsumeResetPrompt()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bus.WriteResetPrompt("pick up where we left off"))
	prompt, ok, err := bus.ConsumeResetPrompt()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pick up where we left off", prompt)

	_, ok, err = bus.ConsumeResetPrompt()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNeedsDirtyCheckFlag(t *testing.T) {
	bus := NewBus(t.TempDir(), "w1")
	require.NoError(t, bus.EnsureLayout())

	assert.False(t, bus.ConsumeNeedsDirtyCheck())
	require.NoError(t, bus.MarkNeedsDirtyCheck())
	assert.True(t, bus.ConsumeNeedsDirtyCheck())
	assert.False(t, bus.ConsumeNeedsDirtyCheck())
}
