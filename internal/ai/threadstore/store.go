package threadstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/floegence/flowerpilot/internal/ai/conversation"
	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed persistence layer for conversation threads.
//
// Notes:
// - A thread's messages are saved as a whole snapshot after every turn; the
//   conversation store stays the single source of truth while a turn runs.
// - WAL is enabled so `history` can read while a chat process writes.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Thread struct {
	ThreadID           string `json:"thread_id"`
	Title              string `json:"title"`
	Protocol           string `json:"protocol"`
	Model              string `json:"model"`
	RunStatus          string `json:"run_status"`
	RunUpdatedAtUnixMs int64  `json:"run_updated_at_unix_ms"`
	RunError           string `json:"run_error"`

	CreatedAtUnixMs    int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs    int64  `json:"updated_at_unix_ms"`
	MessageCount       int    `json:"message_count"`
	LastMessagePreview string `json:"last_message_preview"`
}

type ThreadsCursor struct {
	UpdatedAtUnixMs int64
	ThreadID        string
}

// EncodeCursor encodes a cursor as a URL-safe base64 string.
func EncodeCursor(c ThreadsCursor) string {
	if c.UpdatedAtUnixMs <= 0 || strings.TrimSpace(c.ThreadID) == "" {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnixMs, strings.TrimSpace(c.ThreadID))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(raw string) (ThreadsCursor, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ThreadsCursor{}, true
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return ThreadsCursor{}, false
	}
	msRaw, id, ok := strings.Cut(string(b), ":")
	if !ok {
		return ThreadsCursor{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(msRaw), 10, 64)
	if err != nil || ms <= 0 {
		return ThreadsCursor{}, false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ThreadsCursor{}, false
	}
	return ThreadsCursor{UpdatedAtUnixMs: ms, ThreadID: id}, true
}

const threadColumns = `
  thread_id, title, protocol, model,
  run_status, run_updated_at_unix_ms, run_error,
  created_at_unix_ms, updated_at_unix_ms, message_count, last_message_preview`

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (Thread, error) {
	var t Thread
	err := row.Scan(
		&t.ThreadID,
		&t.Title,
		&t.Protocol,
		&t.Model,
		&t.RunStatus,
		&t.RunUpdatedAtUnixMs,
		&t.RunError,
		&t.CreatedAtUnixMs,
		&t.UpdatedAtUnixMs,
		&t.MessageCount,
		&t.LastMessagePreview,
	)
	return t, err
}

// ListThreads returns threads newest first and the cursor of the next page
// ("" when there is none).
func (s *Store) ListThreads(ctx context.Context, limit int, cursor ThreadsCursor) ([]Thread, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	var args []any
	where := ""
	if cursor.UpdatedAtUnixMs > 0 && strings.TrimSpace(cursor.ThreadID) != "" {
		where = "WHERE (updated_at_unix_ms < ? OR (updated_at_unix_ms = ? AND thread_id < ?))"
		args = append(args, cursor.UpdatedAtUnixMs, cursor.UpdatedAtUnixMs, strings.TrimSpace(cursor.ThreadID))
	}
	args = append(args, limit+1)

	q := fmt.Sprintf(`
SELECT %s
FROM threads
%s
ORDER BY updated_at_unix_ms DESC, thread_id DESC
LIMIT ?
`, threadColumns, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Thread, 0, limit)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = EncodeCursor(ThreadsCursor{UpdatedAtUnixMs: last.UpdatedAtUnixMs, ThreadID: last.ThreadID})
	}
	return out, next, nil
}

// GetThread returns (nil, nil) when the thread does not exist.
func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	t, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE thread_id = ?`, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateThread(ctx context.Context, t Thread) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	t.ThreadID = strings.TrimSpace(t.ThreadID)
	if t.ThreadID == "" {
		return errors.New("missing thread_id")
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads (thread_id, title, protocol, model, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)
`, t.ThreadID, buildTitleCandidate(t.Title), strings.TrimSpace(t.Protocol), strings.TrimSpace(t.Model), now, now)
	return err
}

func (s *Store) RenameThread(ctx context.Context, threadID string, title string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET title = ?, updated_at_unix_ms = ? WHERE thread_id = ?`,
		buildTitleCandidate(title), s.now().UnixMilli(), strings.TrimSpace(threadID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func normalizeRunStatus(status string) string {
	status = strings.TrimSpace(status)
	switch status {
	case "idle", "running", "success", "failed", "canceled":
		return status
	default:
		return "idle"
	}
}

func (s *Store) UpdateThreadRunState(ctx context.Context, threadID string, runStatus string, runError string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}

	runStatus = normalizeRunStatus(runStatus)
	runError = strings.TrimSpace(runError)
	if runStatus != "failed" {
		runError = ""
	}
	runError = truncateRunes(runError, 600)

	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
UPDATE threads
SET run_status = ?,
    run_updated_at_unix_ms = ?,
    run_error = ?,
    updated_at_unix_ms = ?
WHERE thread_id = ?
`, runStatus, now, runError, now, threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// SaveMessages replaces the thread's messages with msgs and refreshes the
// thread metadata in the same transaction. Pending assistant placeholders are
// not persisted. The title defaults to the first user message.
func (s *Store) SaveMessages(ctx context.Context, threadID string, msgs []conversation.Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var title string
	if err := tx.QueryRowContext(ctx, `SELECT title FROM threads WHERE thread_id = ?`, threadID).Scan(&title); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO messages (thread_id, seq, role, text_content, message_json)
VALUES (?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	seq := 0
	preview := ""
	for _, m := range msgs {
		if m.Pending && !m.HasText() && len(m.ToolCalls) == 0 {
			continue
		}
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %d: %w", seq, err)
		}
		if _, err := stmt.ExecContext(ctx, threadID, seq, string(m.Role), m.Content, string(b)); err != nil {
			return err
		}
		seq++
		if m.Role == conversation.RoleUser && strings.TrimSpace(title) == "" {
			title = buildTitleCandidate(m.Content)
		}
		if !m.Hidden {
			if p := buildPreview(string(m.Role), m.Content); p != "" {
				preview = p
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE threads
SET title = ?, message_count = ?, last_message_preview = ?, updated_at_unix_ms = ?
WHERE thread_id = ?
`, title, seq, preview, s.now().UnixMilli(), threadID); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadMessages returns the saved messages in order.
func (s *Store) LoadMessages(ctx context.Context, threadID string) ([]conversation.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT message_json FROM messages WHERE thread_id = ? ORDER BY seq ASC`, strings.TrimSpace(threadID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m conversation.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", len(out), err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 2

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  protocol TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  run_status TEXT NOT NULL DEFAULT 'idle',
  run_updated_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  run_error TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at_unix_ms DESC, thread_id DESC);
CREATE TABLE IF NOT EXISTS messages (
  thread_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  role TEXT NOT NULL,
  text_content TEXT NOT NULL DEFAULT '',
  message_json TEXT NOT NULL,
  PRIMARY KEY (thread_id, seq)
);
`); err != nil {
		return err
	}

	// v2 added message_count.
	if has, err := columnExists(tx, "threads", "message_count"); err != nil {
		return err
	} else if !has {
		if _, err := tx.Exec(`ALTER TABLE threads ADD COLUMN message_count INTEGER NOT NULL DEFAULT 0`); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func columnExists(tx *sql.Tx, tableName string, colName string) (bool, error) {
	rows, err := tx.Query(`PRAGMA table_info(` + tableName + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notNull int
		var defaultValue sql.NullString
		var primaryKey int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &primaryKey); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), colName) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func buildPreview(role string, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		if role == "user" {
			return "(no text)"
		}
		return ""
	}
	// Single-line preview, capped.
	text = strings.Join(strings.Fields(text), " ")
	return truncateRunes(text, 160)
}

func buildTitleCandidate(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	return truncateRunes(text, 48)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
