package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/localapi/internal/domain"
)

const (
	contentTypeText  = "text"
	contentTypeParts = "parts"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store. File databases use WAL
// journaling and a busy timeout; the parent directory is created.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	memory := isMemoryDSN(dsn)
	if !memory {
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		dsn = withDefaultParams(dsn)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

func withDefaultParams(dsn string) string {
	params := []string{"_busy_timeout=5000", "_journal_mode=WAL", "_foreign_keys=on"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		key := p[:strings.IndexByte(p, '=')+1]
		if strings.Contains(dsn, key) {
			continue
		}
		dsn += sep + p
		sep = "&"
	}
	return dsn
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at, seq)`,
		`CREATE TABLE IF NOT EXISTS responses (
			response_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			request_message_id TEXT,
			output_message_id TEXT,
			status TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_thread ON responses(thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			thread_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE TABLE IF NOT EXISTS facts (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Databases created before multimodal input lack content_type.
	return s.ensureColumn("messages", "content_type", "ALTER TABLE messages ADD COLUMN content_type TEXT NOT NULL DEFAULT 'text'")
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func now() time.Time {
	return time.Now().UTC()
}

// CreateThread creates a thread with a fresh id.
func (s *SQLiteStore) CreateThread(ctx context.Context) (*domain.Thread, error) {
	thread := &domain.Thread{ThreadID: domain.NewThreadID(), CreatedAt: now()}
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO threads (thread_id, created_at) VALUES (?, ?)`,
			thread.ThreadID, thread.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// GetThread retrieves a thread by ID.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	var thread domain.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, created_at FROM threads WHERE thread_id = ?`,
		threadID).Scan(&thread.ThreadID, &thread.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// GetOrCreateThread returns the thread, creating it under the given id
// when it does not exist yet.
func (s *SQLiteStore) GetOrCreateThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO threads (thread_id, created_at) VALUES (?, ?)`,
			threadID, now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return s.GetThread(ctx, threadID)
}

// ResolveThread picks the thread for a turn: the explicit id (created if
// new), else the thread of the previous response, else a new thread.
func (s *SQLiteStore) ResolveThread(ctx context.Context, previousResponseID, threadID string) (string, error) {
	if threadID != "" {
		thread, err := s.GetOrCreateThread(ctx, threadID)
		if err != nil {
			return "", err
		}
		return thread.ThreadID, nil
	}
	if previousResponseID != "" {
		var tid string
		err := s.db.QueryRowContext(ctx,
			`SELECT thread_id FROM responses WHERE response_id = ?`,
			previousResponseID).Scan(&tid)
		if err == nil {
			return tid, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to look up previous response: %w", err)
		}
	}
	thread, err := s.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	return thread.ThreadID, nil
}

// InsertMessage appends a message to its thread.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	return withBusyRetry(ctx, func() error {
		return insertMessage(ctx, s.db, msg)
	})
}

func insertMessage(ctx context.Context, db execer, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	content, contentType, err := encodeContent(msg.Content)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO messages (message_id, thread_id, role, content, content_type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ThreadID, string(msg.Role), content, contentType, msg.CreatedAt.UTC())
	return err
}

// GetThreadMessages returns the last limit messages of a thread in
// chronological order. limit <= 0 returns all.
func (s *SQLiteStore) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, thread_id, role, content, content_type, created_at
		FROM messages WHERE thread_id = ?
		ORDER BY created_at DESC, seq DESC LIMIT ?`,
		threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var role, content, contentType string
		if err := rows.Scan(&msg.MessageID, &msg.ThreadID, &role, &content, &contentType, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = domain.Role(role)
		if msg.Content, err = decodeContent(content, contentType); err != nil {
			return nil, fmt.Errorf("message %s: %w", msg.MessageID, err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

// CountThreadMessages counts all stored messages of a thread.
func (s *SQLiteStore) CountThreadMessages(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&n)
	return n, err
}

// InsertResponse records a response as given.
func (s *SQLiteStore) InsertResponse(ctx context.Context, resp *domain.Response) error {
	return withBusyRetry(ctx, func() error {
		return insertResponse(ctx, s.db, resp)
	})
}

func insertResponse(ctx context.Context, db execer, resp *domain.Response) error {
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO responses (response_id, thread_id, request_message_id, output_message_id, status, prompt_tokens, completion_tokens, total_tokens, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.ResponseID, resp.ThreadID, nullString(resp.RequestMessageID), nullString(resp.OutputMessageID), string(resp.Status),
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens, nullString(resp.Error), resp.CreatedAt.UTC())
	return err
}

// UpdateResponseOutput links the output message and marks the response
// completed. It only applies once: false means the output was already set.
func (s *SQLiteStore) UpdateResponseOutput(ctx context.Context, responseID, messageID string) (bool, error) {
	var updated bool
	err := withBusyRetry(ctx, func() error {
		var err error
		updated, err = updateResponseOutput(ctx, s.db, responseID, messageID)
		return err
	})
	return updated, err
}

func updateResponseOutput(ctx context.Context, db execer, responseID, messageID string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE responses SET output_message_id = ?, status = ? WHERE response_id = ? AND output_message_id IS NULL`,
		messageID, string(domain.ResponseStatusCompleted), responseID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteTurn stores the assistant message (when given) and the response
// in one transaction. The output link and completed status are set together.
func (s *SQLiteStore) CompleteTurn(ctx context.Context, output *domain.Message, resp *domain.Response) error {
	return withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if output == nil {
			if err := insertResponse(ctx, tx, resp); err != nil {
				return err
			}
			return tx.Commit()
		}

		if err := insertMessage(ctx, tx, output); err != nil {
			return err
		}
		pending := *resp
		pending.OutputMessageID = ""
		if err := insertResponse(ctx, tx, &pending); err != nil {
			return err
		}
		updated, err := updateResponseOutput(ctx, tx, resp.ResponseID, output.MessageID)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("response %s already has an output", resp.ResponseID)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		resp.OutputMessageID = output.MessageID
		resp.Status = domain.ResponseStatusCompleted
		resp.CreatedAt = pending.CreatedAt
		return nil
	})
}

// GetResponse retrieves a response by ID.
func (s *SQLiteStore) GetResponse(ctx context.Context, responseID string) (*domain.Response, error) {
	var resp domain.Response
	var status string
	var requestID, outputID, errText sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT response_id, thread_id, request_message_id, output_message_id, status, prompt_tokens, completion_tokens, total_tokens, error, created_at
		FROM responses WHERE response_id = ?`,
		responseID).Scan(&resp.ResponseID, &resp.ThreadID, &requestID, &outputID, &status,
		&resp.Usage.PromptTokens, &resp.Usage.CompletionTokens, &resp.Usage.TotalTokens, &errText, &resp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	resp.Status = domain.ResponseStatus(status)
	resp.RequestMessageID = requestID.String
	resp.OutputMessageID = outputID.String
	resp.Error = errText.String
	return &resp, nil
}

// GetResponseDetail returns a response joined with its output text.
func (s *SQLiteStore) GetResponseDetail(ctx context.Context, responseID string) (*domain.ResponseDetail, error) {
	var d domain.ResponseDetail
	var status string
	var content, contentType, errText sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT r.response_id, r.thread_id, r.status, r.prompt_tokens, r.completion_tokens, r.total_tokens, r.error, r.created_at, m.content, m.content_type
		FROM responses r LEFT JOIN messages m ON m.message_id = r.output_message_id
		WHERE r.response_id = ?`,
		responseID).Scan(&d.ResponseID, &d.ThreadID, &status,
		&d.Usage.PromptTokens, &d.Usage.CompletionTokens, &d.Usage.TotalTokens, &errText, &d.CreatedAt, &content, &contentType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Status = domain.ResponseStatus(status)
	d.Error = errText.String
	if content.Valid {
		c, err := decodeContent(content.String, contentType.String)
		if err != nil {
			return nil, err
		}
		d.OutputText = c.PlainText()
	}
	return &d, nil
}

// GetSummary retrieves the summary of a thread.
func (s *SQLiteStore) GetSummary(ctx context.Context, threadID string) (*domain.Summary, error) {
	var sum domain.Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, content, updated_at FROM summaries WHERE thread_id = ?`,
		threadID).Scan(&sum.ThreadID, &sum.Content, &sum.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// UpsertSummary replaces the summary of a thread.
func (s *SQLiteStore) UpsertSummary(ctx context.Context, threadID, content string) error {
	return withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO summaries (thread_id, content, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(thread_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
			threadID, content, now())
		return err
	})
}

// GetFact retrieves a fact by key.
func (s *SQLiteStore) GetFact(ctx context.Context, key string) (*domain.Fact, error) {
	var f domain.Fact
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM facts WHERE key = ?`, key).Scan(&f.Key, &f.Value, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpsertFact sets a fact; the last write wins.
func (s *SQLiteStore) UpsertFact(ctx context.Context, key, value string) error {
	return withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO facts (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now())
		return err
	})
}

// ListFacts returns all facts ordered by key.
func (s *SQLiteStore) ListFacts(ctx context.Context) ([]domain.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM facts ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []domain.Fact
	for rows.Next() {
		var f domain.Fact
		if err := rows.Scan(&f.Key, &f.Value, &f.UpdatedAt); err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func encodeContent(c domain.Content) (string, string, error) {
	if !c.IsMultimodal() {
		return c.Text, contentTypeText, nil
	}
	b, err := json.Marshal(c.Parts)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode content parts: %w", err)
	}
	return string(b), contentTypeParts, nil
}

func decodeContent(content, contentType string) (domain.Content, error) {
	if contentType != contentTypeParts {
		return domain.TextContent(content), nil
	}
	var parts []domain.ContentPart
	if err := json.Unmarshal([]byte(content), &parts); err != nil {
		return domain.Content{}, fmt.Errorf("failed to decode content parts: %w", err)
	}
	if parts == nil {
		parts = []domain.ContentPart{}
	}
	return domain.PartsContent(parts...), nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
