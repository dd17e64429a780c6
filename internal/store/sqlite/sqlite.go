// Package sqlite implements store.Store on top of a local SQLite
// database via the pure-Go modernc.org/sqlite driver. No ORM: every
// query is raw SQL, matching the teacher's store/pg style.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crypdick/pynchy/internal/store"
)

// Store is a store.Store backed by SQLite. Reads of hot cursor state
// (last_timestamp, per-workspace agent cursor) are cached in memory and
// refreshed on write, matching the teacher's pg store's read-through
// cache discipline.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	mu                 sync.RWMutex
	lastTimestamp      time.Time
	lastAgentTimestamp map[string]time.Time
}

// Open opens (creating if absent) the SQLite database at path and runs
// any pending migrations.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; SQLite serializes anyway

	s := &Store{db: db, log: log, lastAgentTimestamp: make(map[string]time.Time)}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.primeCursors(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("prime cursors: %w", err)
	}
	return s, nil
}

func (s *Store) primeCursors(ctx context.Context) error {
	ts, err := s.queryLastTimestamp(ctx)
	if err != nil {
		return err
	}
	s.lastTimestamp = ts

	rows, err := s.db.QueryContext(ctx, `SELECT jid, ts FROM router_state`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var jid string
		var ts string
		if err := rows.Scan(&jid, &ts); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			continue
		}
		s.lastAgentTimestamp[jid] = t
	}
	return rows.Err()
}

func (s *Store) queryLastTimestamp(ctx context.Context) (time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = 'last_timestamp'`).Scan(&ts)
	if err == sql.ErrNoRows || !ts.Valid {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, ts.String)
}

func (s *Store) Close() error { return s.db.Close() }

// Messages

func (s *Store) AppendMessage(ctx context.Context, m store.Message) error {
	var meta any
	if len(m.Metadata) > 0 {
		meta = string(m.Metadata)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_jid, sender_id, display_name, content, ts, is_from_me, message_type, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid, id) DO NOTHING`,
		m.ID, m.ChatJID, m.SenderID, m.DisplayName, m.Content,
		m.Timestamp.UTC().Format(time.RFC3339Nano), boolToInt(m.IsFromMe), string(m.Type), meta)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) GetNewMessages(ctx context.Context, since time.Time) ([]store.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, chat_jid, sender_id, display_name, content, ts, is_from_me, message_type, metadata
		FROM messages WHERE ts > ? AND message_type = 'user' ORDER BY ts ASC`,
		since.UTC().Format(time.RFC3339Nano))
}

func (s *Store) GetMessagesSince(ctx context.Context, chatJID string, since time.Time) ([]store.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, chat_jid, sender_id, display_name, content, ts, is_from_me, message_type, metadata
		FROM messages WHERE chat_jid = ? AND ts > ? AND message_type = 'user' ORDER BY ts ASC`,
		chatJID, since.UTC().Format(time.RFC3339Nano))
}

func (s *Store) GetChatHistory(ctx context.Context, chatJID string, limit int, clearedFilter bool) ([]store.Message, error) {
	q := `SELECT id, chat_jid, sender_id, display_name, content, ts, is_from_me, message_type, metadata
		FROM messages WHERE chat_jid = ?`
	args := []any{chatJID}
	if clearedFilter {
		clearedAt, err := s.GetClearedAt(ctx, chatJID)
		if err != nil {
			return nil, err
		}
		if clearedAt != nil {
			q += ` AND ts > ?`
			args = append(args, clearedAt.UTC().Format(time.RFC3339Nano))
		}
	}
	q += ` ORDER BY ts ASC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryMessages(ctx, q, args...)
}

func (s *Store) queryMessages(ctx context.Context, q string, args ...any) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		var ts string
		var isFromMe int
		var mtype string
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.SenderID, &m.DisplayName, &m.Content, &ts, &isFromMe, &mtype, &meta); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse message ts: %w", err)
		}
		m.Timestamp = parsed
		m.IsFromMe = isFromMe != 0
		m.Type = store.MessageType(mtype)
		if meta.Valid {
			m.Metadata = json.RawMessage(meta.String)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cleared-at marker

func (s *Store) SetClearedAt(ctx context.Context, chatJID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, cleared_at) VALUES (?, ?)
		ON CONFLICT(jid) DO UPDATE SET cleared_at = excluded.cleared_at`,
		chatJID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set cleared_at: %w", err)
	}
	return nil
}

func (s *Store) GetClearedAt(ctx context.Context, chatJID string) (*time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT cleared_at FROM chats WHERE jid = ?`, chatJID).Scan(&ts)
	if err == sql.ErrNoRows || !ts.Valid {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cleared_at: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Cursors. last_timestamp must be persisted before any dispatch (spec
// invariant); last_agent_timestamp[jid] persists after advance-with-rollback.

func (s *Store) GetLastTimestamp(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTimestamp, nil
}

func (s *Store) SetLastTimestamp(ctx context.Context, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES ('last_timestamp', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set last_timestamp: %w", err)
	}
	s.mu.Lock()
	s.lastTimestamp = ts
	s.mu.Unlock()
	return nil
}

func (s *Store) GetLastAgentTimestamp(ctx context.Context, jid string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAgentTimestamp[jid], nil
}

func (s *Store) SetLastAgentTimestamp(ctx context.Context, jid string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_state (jid, ts) VALUES (?, ?)
		ON CONFLICT(jid) DO UPDATE SET ts = excluded.ts`,
		jid, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set last_agent_timestamp: %w", err)
	}
	s.mu.Lock()
	s.lastAgentTimestamp[jid] = ts
	s.mu.Unlock()
	return nil
}

// Workspaces + aliases

func (s *Store) GetWorkspace(ctx context.Context, jid string) (*store.WorkspaceProfile, error) {
	var w store.WorkspaceProfile
	var addedAt string
	var isAdmin int
	err := s.db.QueryRowContext(ctx, `
		SELECT jid, display_name, folder, trigger, is_admin, added_at
		FROM workspace_profiles WHERE jid = ?`, jid).
		Scan(&w.JID, &w.DisplayName, &w.Folder, &w.Trigger, &isAdmin, &addedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	w.IsAdmin = isAdmin != 0
	w.AddedAt, err = time.Parse(time.RFC3339Nano, addedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) PutWorkspace(ctx context.Context, w store.WorkspaceProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_profiles (jid, display_name, folder, trigger, is_admin, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET display_name = excluded.display_name,
			folder = excluded.folder, trigger = excluded.trigger, is_admin = excluded.is_admin`,
		w.JID, w.DisplayName, w.Folder, w.Trigger, boolToInt(w.IsAdmin), w.AddedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put workspace: %w", err)
	}
	return nil
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]store.WorkspaceProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT jid, display_name, folder, trigger, is_admin, added_at FROM workspace_profiles`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()
	var out []store.WorkspaceProfile
	for rows.Next() {
		var w store.WorkspaceProfile
		var addedAt string
		var isAdmin int
		if err := rows.Scan(&w.JID, &w.DisplayName, &w.Folder, &w.Trigger, &isAdmin, &addedAt); err != nil {
			return nil, err
		}
		w.IsAdmin = isAdmin != 0
		w.AddedAt, err = time.Parse(time.RFC3339Nano, addedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) ResolveAlias(ctx context.Context, aliasJID string) (string, bool, error) {
	var canonical string
	err := s.db.QueryRowContext(ctx, `SELECT canonical_jid FROM jid_aliases WHERE alias_jid = ?`, aliasJID).Scan(&canonical)
	if err == sql.ErrNoRows {
		// A JID with no alias row is its own canonical JID (spec §3: "the
		// canonical JID is itself a key pointing to itself implicitly").
		return aliasJID, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve alias: %w", err)
	}
	return canonical, true, nil
}

func (s *Store) PutAlias(ctx context.Context, a store.JIDAlias) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jid_aliases (alias_jid, canonical_jid, channel) VALUES (?, ?, ?)
		ON CONFLICT(alias_jid) DO UPDATE SET canonical_jid = excluded.canonical_jid, channel = excluded.channel`,
		a.AliasJID, a.CanonicalJID, a.Channel)
	if err != nil {
		return fmt.Errorf("put alias: %w", err)
	}
	return nil
}

// Sessions

func (s *Store) GetSessionID(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session id: %w", err)
	}
	return id, nil
}

func (s *Store) SetSessionID(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (folder, session_id) VALUES (?, ?)
		ON CONFLICT(folder) DO UPDATE SET session_id = excluded.session_id`,
		folder, sessionID)
	if err != nil {
		return fmt.Errorf("set session id: %w", err)
	}
	return nil
}

func (s *Store) ClearSession(ctx context.Context, folder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE folder = ?`, folder)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Scheduled tasks

func (s *Store) PutTask(ctx context.Context, t store.ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, workspace_folder, chat_jid, prompt, schedule_type, schedule_value,
			context_mode, next_run, last_run, last_result, status, repo_access, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET workspace_folder=excluded.workspace_folder, chat_jid=excluded.chat_jid,
			prompt=excluded.prompt, schedule_type=excluded.schedule_type, schedule_value=excluded.schedule_value,
			context_mode=excluded.context_mode, next_run=excluded.next_run, last_run=excluded.last_run,
			last_result=excluded.last_result, status=excluded.status, repo_access=excluded.repo_access`,
		t.ID, t.WorkspaceFolder, t.ChatJID, t.Prompt, string(t.ScheduleType), t.ScheduleValue,
		string(t.ContextMode), nullableTime(t.NextRun), nullableTime(t.LastRun), t.LastResult,
		string(t.Status), boolToInt(t.RepoAccess), t.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_folder, chat_jid, prompt, schedule_type, schedule_value,
			context_mode, next_run, last_run, last_result, status, repo_access, created_at
		FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, id)
	return err
}

func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]store.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_folder, chat_jid, prompt, schedule_type, schedule_value,
			context_mode, next_run, last_run, last_result, status, repo_access, created_at
		FROM scheduled_tasks WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) ListTasksForWorkspace(ctx context.Context, folder string) ([]store.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_folder, chat_jid, prompt, schedule_type, schedule_value,
			context_mode, next_run, last_run, last_result, status, repo_access, created_at
		FROM scheduled_tasks WHERE workspace_folder = ?`, folder)
	if err != nil {
		return nil, fmt.Errorf("list tasks for workspace: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) ListAllTasks(ctx context.Context) ([]store.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_folder, chat_jid, prompt, schedule_type, schedule_value,
			context_mode, next_run, last_run, last_result, status, repo_access, created_at
		FROM scheduled_tasks`)
	if err != nil {
		return nil, fmt.Errorf("list all tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.ScheduledTask, error) {
	var t store.ScheduledTask
	var scheduleType, contextMode, status string
	var nextRun, lastRun sql.NullString
	var repoAccess int
	var createdAt string
	err := row.Scan(&t.ID, &t.WorkspaceFolder, &t.ChatJID, &t.Prompt, &scheduleType, &t.ScheduleValue,
		&contextMode, &nextRun, &lastRun, &t.LastResult, &status, &repoAccess, &createdAt)
	if err != nil {
		return nil, err
	}
	t.ScheduleType = store.ScheduleType(scheduleType)
	t.ContextMode = store.ContextMode(contextMode)
	t.Status = store.TaskStatus(status)
	t.RepoAccess = repoAccess != 0
	t.NextRun, err = parseNullableTime(nextRun)
	if err != nil {
		return nil, err
	}
	t.LastRun, err = parseNullableTime(lastRun)
	if err != nil {
		return nil, err
	}
	t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]store.ScheduledTask, error) {
	var out []store.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Host jobs

func (s *Store) ListHostJobs(ctx context.Context) ([]store.HostJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_type, schedule_value, command, working_dir, timeout_sec, enabled, status, next_run, last_run
		FROM host_jobs`)
	if err != nil {
		return nil, fmt.Errorf("list host jobs: %w", err)
	}
	defer rows.Close()

	var out []store.HostJob
	for rows.Next() {
		var j store.HostJob
		var scheduleType, status string
		var enabled int
		var nextRun, lastRun sql.NullString
		if err := rows.Scan(&j.ID, &scheduleType, &j.ScheduleValue, &j.Command, &j.WorkingDir,
			&j.TimeoutSec, &enabled, &status, &nextRun, &lastRun); err != nil {
			return nil, fmt.Errorf("scan host job: %w", err)
		}
		j.ScheduleType = store.ScheduleType(scheduleType)
		j.Status = store.TaskStatus(status)
		j.Enabled = enabled != 0
		nr, err := parseNullableTime(nextRun)
		if err != nil {
			return nil, err
		}
		j.NextRun = nr
		lr, err := parseNullableTime(lastRun)
		if err != nil {
			return nil, err
		}
		j.LastRun = lr
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) PutHostJob(ctx context.Context, j store.HostJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_jobs (id, schedule_type, schedule_value, command, working_dir, timeout_sec, enabled, status, next_run, last_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET schedule_type=excluded.schedule_type, schedule_value=excluded.schedule_value,
			command=excluded.command, working_dir=excluded.working_dir, timeout_sec=excluded.timeout_sec,
			enabled=excluded.enabled, status=excluded.status, next_run=excluded.next_run, last_run=excluded.last_run`,
		j.ID, string(j.ScheduleType), j.ScheduleValue, j.Command, j.WorkingDir, j.TimeoutSec,
		boolToInt(j.Enabled), string(j.Status), nullableTime(j.NextRun), nullableTime(j.LastRun))
	if err != nil {
		return fmt.Errorf("put host job: %w", err)
	}
	return nil
}

// Run logs

func (s *Store) AppendRunLog(ctx context.Context, l store.TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.TaskID, l.RunAt.UTC().Format(time.RFC3339Nano), l.DurationMs, string(l.Status), l.Result, l.Error)
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// Outbound ledger

func (s *Store) AppendLedgerEntry(ctx context.Context, e store.OutboundLedgerEntry) (int64, error) {
	channels, err := json.Marshal(e.Channels)
	if err != nil {
		return 0, err
	}
	delivered, err := json.Marshal(e.Delivered)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbound_ledger (chat_jid, content, source, channels, delivered, attempt_count, created_at, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ChatJID, e.Content, e.Source, string(channels), string(delivered), e.AttemptCount,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.LastAttemptAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("append ledger entry: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) MarkDelivered(ctx context.Context, id int64, channel string) error {
	var delivered string
	err := s.db.QueryRowContext(ctx, `SELECT delivered FROM outbound_ledger WHERE id = ?`, id).Scan(&delivered)
	if err != nil {
		return fmt.Errorf("mark delivered read: %w", err)
	}
	m := map[string]bool{}
	if delivered != "" {
		if err := json.Unmarshal([]byte(delivered), &m); err != nil {
			return err
		}
	}
	m[channel] = true
	out, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE outbound_ledger SET delivered = ?, attempt_count = attempt_count + 1, last_attempt_at = ?
		WHERE id = ?`, string(out), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark delivered write: %w", err)
	}
	return nil
}

func (s *Store) UndeliveredForChannel(ctx context.Context, channel string) ([]store.OutboundLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, content, source, channels, delivered, attempt_count, created_at, last_attempt_at
		FROM outbound_ledger WHERE instr(channels, ?) > 0`, channel)
	if err != nil {
		return nil, fmt.Errorf("undelivered for channel: %w", err)
	}
	defer rows.Close()

	var out []store.OutboundLedgerEntry
	for rows.Next() {
		var e store.OutboundLedgerEntry
		var channelsJSON, deliveredJSON, createdAt, lastAttemptAt string
		if err := rows.Scan(&e.ID, &e.ChatJID, &e.Content, &e.Source, &channelsJSON, &deliveredJSON,
			&e.AttemptCount, &createdAt, &lastAttemptAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if err := json.Unmarshal([]byte(channelsJSON), &e.Channels); err != nil {
			return nil, err
		}
		e.Delivered = map[string]bool{}
		if deliveredJSON != "" {
			if err := json.Unmarshal([]byte(deliveredJSON), &e.Delivered); err != nil {
				return nil, err
			}
		}
		if e.Delivered[channel] {
			continue
		}
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, err
		}
		e.LastAttemptAt, err = time.Parse(time.RFC3339Nano, lastAttemptAt)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

var _ store.Store = (*Store)(nil)
