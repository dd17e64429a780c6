package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations is a forward-only, ordered list of schema steps. Each step
// is applied at most once, tracked via the connection's user_version
// pragma. New columns must ship with a default so old rows still scan;
// unknown-column reads are tolerated by scanning named columns only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT)`,
	`CREATE TABLE IF NOT EXISTS chats (jid TEXT PRIMARY KEY, cleared_at TEXT)`,
	`CREATE TABLE IF NOT EXISTS messages (
		chat_jid TEXT NOT NULL,
		id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL,
		is_from_me INTEGER NOT NULL DEFAULT 0,
		message_type TEXT NOT NULL DEFAULT 'user',
		metadata TEXT,
		PRIMARY KEY (chat_jid, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_jid, ts)`,
	`CREATE TABLE IF NOT EXISTS router_state (jid TEXT PRIMARY KEY, ts TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS workspace_profiles (
		jid TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		folder TEXT NOT NULL,
		trigger TEXT NOT NULL DEFAULT 'always',
		is_admin INTEGER NOT NULL DEFAULT 0,
		added_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jid_aliases (
		alias_jid TEXT PRIMARY KEY,
		canonical_jid TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (folder TEXT PRIMARY KEY, session_id TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		workspace_folder TEXT NOT NULL,
		chat_jid TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		schedule_type TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		context_mode TEXT NOT NULL DEFAULT 'group',
		next_run TEXT,
		last_run TEXT,
		last_result TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		repo_access INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(next_run, status)`,
	`CREATE TABLE IF NOT EXISTS host_jobs (
		id TEXT PRIMARY KEY,
		schedule_type TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		command TEXT NOT NULL,
		working_dir TEXT NOT NULL DEFAULT '',
		timeout_sec INTEGER NOT NULL DEFAULT 60,
		enabled INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'active',
		next_run TEXT,
		last_run TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS task_run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		run_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS outbound_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_jid TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		channels TEXT NOT NULL DEFAULT '[]',
		delivered TEXT NOT NULL DEFAULT '{}',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_attempt_at TEXT NOT NULL
	)`,
}

// SchemaVersion reports the applied migration version of the database at
// path alongside the latest version this binary ships, without applying
// anything.
func SchemaVersion(ctx context.Context, path string) (current, latest int, err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, 0, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	defer db.Close()
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return 0, 0, fmt.Errorf("read user_version: %w", err)
	}
	return current, len(migrations), nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		if _, err := db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			return fmt.Errorf("bump user_version to %d: %w", i+1, err)
		}
	}
	return nil
}
