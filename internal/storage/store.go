// Package storage persists workspaces, sessions, worktrees, messages,
// refresh tokens, and the audit log behind a narrow interface (§4.3),
// backed by SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed implementation of the storage contract.
// Message appends to the same session are serialised through a
// per-sessionId lock so timestamp ordering stays monotonic even under
// concurrent writers, without contending across unrelated sessions.
type Store struct {
	db *sql.DB

	writeLanesMu sync.Mutex
	writeLanes   map[string]*sync.Mutex
}

// Open creates or opens a SQLite database at path, applying WAL mode and
// running any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db, writeLanes: make(map[string]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{migrateV1}
	for i := version; i < len(migrations); i++ {
		slog.Info("applying storage migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			secret_hash TEXT NOT NULL,
			uid INTEGER NOT NULL,
			gid INTEGER NOT NULL,
			providers_json TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			repo_url TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			repository_dir TEXT NOT NULL,
			attachments_dir TEXT NOT NULL,
			worktrees_dir TEXT NOT NULL,
			logs_dir TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);

		CREATE TABLE IF NOT EXISTS worktrees (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			branch_name TEXT NOT NULL,
			status TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			config_json TEXT NOT NULL DEFAULT '{}',
			parent_worktree_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			color TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			worktree_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			attachments_json TEXT NOT NULL DEFAULT '[]',
			timestamp INTEGER NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_messages_worktree ON messages(session_id, worktree_id, timestamp);

		CREATE TABLE IF NOT EXISTS refresh_tokens (
			token_hash TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			previous_token_hash TEXT NOT NULL DEFAULT '',
			previous_valid_until INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_refresh_workspace ON refresh_tokens(workspace_id);

		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			workspace_id TEXT NOT NULL,
			event TEXT NOT NULL,
			details_json TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_events(workspace_id);
	`)
	return err
}

func nowMS() int64 { return time.Now().UnixMilli() }

// ---- Workspaces ----

func (s *Store) SaveWorkspace(ctx context.Context, w Workspace) error {
	if w.CreatedAt == 0 {
		w.CreatedAt = nowMS()
	}
	w.UpdatedAt = nowMS()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, secret_hash, uid, gid, providers_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			secret_hash=excluded.secret_hash,
			providers_json=excluded.providers_json,
			updated_at=excluded.updated_at`,
		w.ID, w.SecretHash, w.UID, w.GID, w.ProvidersJSON, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save workspace: %w", err)
	}
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var w Workspace
	row := s.db.QueryRowContext(ctx,
		`SELECT id, secret_hash, uid, gid, providers_json, created_at, updated_at FROM workspaces WHERE id = ?`, id)
	if err := row.Scan(&w.ID, &w.SecretHash, &w.UID, &w.GID, &w.ProvidersJSON, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &w, nil
}

// ---- Sessions ----

func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, repo_url, name, created_at, last_activity_at, repository_dir, attachments_dir, worktrees_dir, logs_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_activity_at=excluded.last_activity_at, name=excluded.name`,
		sess.ID, sess.WorkspaceID, sess.RepoURL, sess.Name, sess.CreatedAt, sess.LastActivityAt,
		sess.RepositoryDir, sess.AttachmentsDir, sess.WorktreesDir, sess.LogsDir)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, repo_url, name, created_at, last_activity_at, repository_dir, attachments_dir, worktrees_dir, logs_dir
		 FROM sessions WHERE id = ?`, id)
	if err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.RepoURL, &sess.Name, &sess.CreatedAt, &sess.LastActivityAt,
		&sess.RepositoryDir, &sess.AttachmentsDir, &sess.WorktreesDir, &sess.LogsDir); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, repo_url, name, created_at, last_activity_at, repository_dir, attachments_dir, worktrees_dir, logs_dir
		 FROM sessions WHERE workspace_id = ? ORDER BY created_at ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.WorkspaceID, &sess.RepoURL, &sess.Name, &sess.CreatedAt, &sess.LastActivityAt,
			&sess.RepositoryDir, &sess.AttachmentsDir, &sess.WorktreesDir, &sess.LogsDir); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ---- Worktrees ----

func (s *Store) SaveWorktree(ctx context.Context, wt Worktree) error {
	if wt.CreatedAt == 0 {
		wt.CreatedAt = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (id, session_id, branch_name, status, provider, config_json, parent_worktree_id, created_at, color)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			status=excluded.status, provider=excluded.provider, config_json=excluded.config_json`,
		wt.ID, wt.SessionID, wt.BranchName, wt.Status, wt.Provider, wt.ConfigJSON, wt.ParentWorktreeID, wt.CreatedAt, wt.Color)
	if err != nil {
		return fmt.Errorf("save worktree: %w", err)
	}
	return nil
}

func (s *Store) GetWorktree(ctx context.Context, sessionID, worktreeID string) (*Worktree, error) {
	var wt Worktree
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, branch_name, status, provider, config_json, parent_worktree_id, created_at, color
		 FROM worktrees WHERE session_id = ? AND id = ?`, sessionID, worktreeID)
	if err := row.Scan(&wt.ID, &wt.SessionID, &wt.BranchName, &wt.Status, &wt.Provider, &wt.ConfigJSON, &wt.ParentWorktreeID, &wt.CreatedAt, &wt.Color); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	return &wt, nil
}

func (s *Store) ListWorktrees(ctx context.Context, sessionID string) ([]Worktree, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, branch_name, status, provider, config_json, parent_worktree_id, created_at, color
		 FROM worktrees WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer rows.Close()

	worktrees := []Worktree{}
	for rows.Next() {
		var wt Worktree
		if err := rows.Scan(&wt.ID, &wt.SessionID, &wt.BranchName, &wt.Status, &wt.Provider, &wt.ConfigJSON, &wt.ParentWorktreeID, &wt.CreatedAt, &wt.Color); err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		worktrees = append(worktrees, wt)
	}
	return worktrees, rows.Err()
}

func (s *Store) DeleteWorktree(ctx context.Context, sessionID, worktreeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE session_id = ? AND id = ?`, sessionID, worktreeID)
	if err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	return nil
}

// ---- Messages ----

// writeLane returns the mutex serialising appends for one sessionId, so
// unrelated sessions never contend for the same lock (§4.3 "single-writer
// lane" generalised to per-key granularity).
func (s *Store) writeLane(sessionID string) *sync.Mutex {
	s.writeLanesMu.Lock()
	defer s.writeLanesMu.Unlock()
	lane, ok := s.writeLanes[sessionID]
	if !ok {
		lane = &sync.Mutex{}
		s.writeLanes[sessionID] = lane
	}
	return lane
}

// AppendMessage persists msg, assigning it a UUID v4 id if the caller
// left ID empty and a strictly increasing timestamp within its session.
func (s *Store) AppendMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	lane := s.writeLane(msg.SessionID)
	lane.Lock()
	defer lane.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if msg.Timestamp == 0 {
		msg.Timestamp = nowMS()
	}
	// Guarantee strict monotonicity even under sub-millisecond bursts.
	var lastTS int64
	_ = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(timestamp), 0) FROM messages WHERE session_id = ?`, msg.SessionID).Scan(&lastTS)
	if msg.Timestamp <= lastTS {
		msg.Timestamp = lastTS + 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, worktree_id, role, text, attachments_json, timestamp, command, output, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.WorktreeID, msg.Role, msg.Text, msg.AttachmentsJSON, msg.Timestamp, msg.Command, msg.Output, msg.Status)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns messages for (sessionID, worktreeID) with id
// greater than lastSeenID (by timestamp cursor), in order. An empty
// lastSeenID returns the full log.
func (s *Store) ListMessages(ctx context.Context, sessionID, worktreeID, lastSeenID string) ([]ChatMessage, error) {
	var cursorTS int64
	if lastSeenID != "" {
		if err := s.db.QueryRowContext(ctx, `SELECT timestamp FROM messages WHERE id = ?`, lastSeenID).Scan(&cursorTS); err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, worktree_id, role, text, attachments_json, timestamp, command, output, status
		FROM messages WHERE session_id = ? AND worktree_id = ? AND timestamp > ?
		ORDER BY timestamp ASC`, sessionID, worktreeID, cursorTS)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []ChatMessage{}
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.WorktreeID, &m.Role, &m.Text, &m.AttachmentsJSON, &m.Timestamp, &m.Command, &m.Output, &m.Status); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ---- Refresh tokens ----

func (s *Store) SaveWorkspaceRefreshToken(ctx context.Context, t RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, workspace_id, kind, expires_at, previous_token_hash, previous_valid_until)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token_hash) DO UPDATE SET kind=excluded.kind, expires_at=excluded.expires_at, previous_token_hash=excluded.previous_token_hash, previous_valid_until=excluded.previous_valid_until`,
		t.TokenHash, t.WorkspaceID, t.Kind, t.ExpiresAt, t.PreviousTokenHash, t.PreviousValidUntil)
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *Store) GetWorkspaceRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var t RefreshToken
	row := s.db.QueryRowContext(ctx,
		`SELECT token_hash, workspace_id, kind, expires_at, previous_token_hash, previous_valid_until FROM refresh_tokens WHERE token_hash = ?`, tokenHash)
	if err := row.Scan(&t.TokenHash, &t.WorkspaceID, &t.Kind, &t.ExpiresAt, &t.PreviousTokenHash, &t.PreviousValidUntil); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return &t, nil
}

func (s *Store) GetWorkspaceRefreshState(ctx context.Context, workspaceID string) (*RefreshState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token_hash, workspace_id, kind, expires_at, previous_token_hash, previous_valid_until
		 FROM refresh_tokens WHERE workspace_id = ? AND kind = ? LIMIT 1`, workspaceID, RefreshKindCurrent)
	var t RefreshToken
	if err := row.Scan(&t.TokenHash, &t.WorkspaceID, &t.Kind, &t.ExpiresAt, &t.PreviousTokenHash, &t.PreviousValidUntil); err != nil {
		if err == sql.ErrNoRows {
			return &RefreshState{}, nil
		}
		return nil, fmt.Errorf("get refresh state: %w", err)
	}
	return &RefreshState{Current: &t}, nil
}

func (s *Store) DeleteWorkspaceRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

// DeleteWorkspaceRefreshTokens removes every refresh token for a
// workspace; used on reuse-detection hardening (DESIGN.md Open Question 2).
func (s *Store) DeleteWorkspaceRefreshTokens(ctx context.Context, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return fmt.Errorf("delete workspace refresh tokens: %w", err)
	}
	return nil
}

// ---- Audit log ----

func (s *Store) AppendAuditEvent(ctx context.Context, workspaceID, event, detailsJSON string) error {
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (ts, workspace_id, event, details_json) VALUES (?, ?, ?, ?)`,
		nowMS(), workspaceID, event, detailsJSON)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, workspaceID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, workspace_id, event, details_json FROM audit_events WHERE workspace_id = ? ORDER BY id ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Ts, &e.WorkspaceID, &e.Event, &e.DetailsJSON); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
