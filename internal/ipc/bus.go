package ipc

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Bus owns the on-disk file layout for one workspace folder:
// data/ipc/<folder>/{messages,tasks,input,merge_results}.
//
// Atomic write discipline is grounded on the teacher's session manager:
// write to "<name>.tmp" then rename over "<name>" so a reader observes
// either nothing or a complete file, never a partial write.
type Bus struct {
	root string // data/ipc/<folder>
}

func NewBus(dataDir, folder string) *Bus {
	return &Bus{root: filepath.Join(dataDir, "ipc", folder)}
}

func (b *Bus) dir(sub string) string { return filepath.Join(b.root, sub) }

// Root returns the host filesystem path this bus writes under, for
// callers that need to bind-mount it into a container.
func (b *Bus) Root() string { return b.root }

// EnsureLayout creates every subdirectory this workspace's IPC bus needs.
func (b *Bus) EnsureLayout() error {
	for _, sub := range []string{"messages", "tasks", "input", "merge_results"} {
		if err := os.MkdirAll(b.dir(sub), 0o755); err != nil {
			return fmt.Errorf("ipc mkdir %s: %w", sub, err)
		}
	}
	return nil
}

// writeAtomic writes data to dir/name via a temp file + rename, so
// partial writes are never observable by a concurrent reader.
func writeAtomic(dir, name string, data []byte) error {
	tmp := filepath.Join(dir, name+".tmp")
	final := filepath.Join(dir, name)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, final, err)
	}
	return nil
}

var (
	fileNameMu sync.Mutex
	lastFileMs int64
)

// fileName produces "<unix_ms>-<3-byte-hex>.json" so lexical order
// equals creation order within a directory. Names made in the same
// millisecond get successive millisecond values.
func fileName() (string, error) {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate ipc filename suffix: %w", err)
	}
	fileNameMu.Lock()
	ms := time.Now().UnixMilli()
	if ms <= lastFileMs {
		ms = lastFileMs + 1
	}
	lastFileMs = ms
	fileNameMu.Unlock()
	return fmt.Sprintf("%d-%s.json", ms, hex.EncodeToString(buf[:])), nil
}

// WriteRequest writes a container->host request into the "messages" or
// "tasks" subdirectory (by convention, message-type requests live in
// messages/ and everything else lives in tasks/). An optional requestID
// round-trips through DrainDir's Request.RequestID, used by requests
// (e.g. sync_worktree_to_main) that expect a blocking response file
// keyed by that ID.
func (b *Bus) WriteRequest(sub string, typ RequestType, payload any, requestID ...string) error {
	name, err := fileName()
	if err != nil {
		return err
	}
	var id string
	if len(requestID) > 0 {
		id = requestID[0]
	}
	env := struct {
		Type      RequestType `json:"type"`
		RequestID string      `json:"request_id,omitempty"`
		Payload   any         `json:"payload"`
	}{Type: typ, RequestID: id, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal ipc request: %w", err)
	}
	return writeAtomic(b.dir(sub), name, data)
}

// rawRequest is the on-disk envelope shape, kept separate from Request
// so callers don't need to pre-marshal payloads.
type rawRequest struct {
	Type      RequestType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// DrainDir lists, parses, and unlinks every *.json file in sub, in
// creation order. Files that fail to parse are logged by the caller and
// deleted; a single bad file never blocks the rest.
func (b *Bus) DrainDir(sub string) ([]Request, []string, error) {
	dir := b.dir(sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read ipc dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var reqs []Request
	var badFiles []string
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			badFiles = append(badFiles, name)
			continue
		}
		var raw rawRequest
		if err := json.Unmarshal(data, &raw); err != nil {
			badFiles = append(badFiles, name)
			os.Remove(path)
			continue
		}
		reqs = append(reqs, Request{Type: raw.Type, RequestID: raw.RequestID, Payload: raw.Payload})
		os.Remove(path)
	}
	return reqs, badFiles, nil
}

// WriteInput drops a host->container follow-up line into input/, drained
// on the container's next turn and concatenated into the follow-up
// prompt.
func (b *Bus) WriteInput(text string) error {
	name, err := fileName()
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return writeAtomic(b.dir("input"), name, data)
}

// WriteAskUserAnswer drops the user's answer to a pending ask_user
// request into input/. The envelope keeps the plain "text" field so a
// container that doesn't track request IDs still sees the answer as a
// follow-up line.
func (b *Bus) WriteAskUserAnswer(requestID, text string) error {
	name, err := fileName()
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]string{"type": "ask_user_answer", "request_id": requestID, "text": text})
	if err != nil {
		return err
	}
	return writeAtomic(b.dir("input"), name, data)
}

// Close writes the zero-byte "_close" sentinel to input/, ending the
// container's session on its next turn.
func (b *Bus) Close() error {
	return writeAtomic(b.dir("input"), "_close", nil)
}

// DrainInput reads and removes every pending host->container input file
// (including a trailing "_close" sentinel, reported via closed=true).
func (b *Bus) DrainInput() (lines []string, closed bool, err error) {
	dir := b.dir("input")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read input dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		if name == "_close" {
			closed = true
			os.Remove(path)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var payload struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(data, &payload) == nil {
			lines = append(lines, payload.Text)
		}
		os.Remove(path)
	}
	return lines, closed, nil
}

// WriteMergeResult writes the blocking response file for a
// sync_worktree_to_main request. The container polls for this path with
// a 120-second deadline.
func (b *Bus) WriteMergeResult(requestID string, result MergeResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return writeAtomic(b.dir("merge_results"), requestID+".json", data)
}

// WriteCurrentTasks atomically (re)writes current_tasks.json.
func (b *Bus) WriteCurrentTasks(snap CurrentTasksSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return writeAtomic(b.root, "current_tasks.json", data)
}

// WriteAvailableGroups atomically (re)writes available_groups.json.
func (b *Bus) WriteAvailableGroups(snap AvailableGroupsSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return writeAtomic(b.root, "available_groups.json", data)
}

// WriteResetPrompt records a self-initiated context-reset handoff
// prompt, consumed by the host before the workspace's next launch.
func (b *Bus) WriteResetPrompt(prompt string) error {
	data, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return err
	}
	return writeAtomic(b.root, "reset_prompt.json", data)
}

// ConsumeResetPrompt reads and removes a pending reset handoff prompt,
// returning ok=false when none is pending.
func (b *Bus) ConsumeResetPrompt() (prompt string, ok bool, err error) {
	path := filepath.Join(b.root, "reset_prompt.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		os.Remove(path)
		return "", false, err
	}
	os.Remove(path)
	return payload.Prompt, true, nil
}

// MarkNeedsDirtyCheck flags the workspace's worktree for an uncommitted-
// state check on the next reconcile pass.
func (b *Bus) MarkNeedsDirtyCheck() error {
	return writeAtomic(b.root, "needs_dirty_check.json", []byte(`{}`))
}

// ConsumeNeedsDirtyCheck reports and clears the dirty-check flag.
func (b *Bus) ConsumeNeedsDirtyCheck() bool {
	path := filepath.Join(b.root, "needs_dirty_check.json")
	if _, err := os.Stat(path); err != nil {
		return false
	}
	os.Remove(path)
	return true
}

// WriteTodoList atomically (re)writes the container-visible todo list.
func (b *Bus) WriteTodoList(items []string) error {
	data, err := json.Marshal(map[string][]string{"items": items})
	if err != nil {
		return err
	}
	return writeAtomic(b.root, "todo.json", data)
}

// ReadTodoList reads the current todo list, returning an empty slice if
// none has been written yet.
func (b *Bus) ReadTodoList() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(b.root, "todo.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var payload struct {
		Items []string `json:"items"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}
