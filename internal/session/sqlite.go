package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/acp2/gateway/pkg/api/v1"
)

// SQLiteStore persists sessions in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath and initializes
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		agent_session_id TEXT DEFAULT '',
		cwd TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		last_active_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		run_id TEXT DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, id, agent, cwd string) (Session, error) {
	sess, err := s.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	if err != ErrNotFound {
		return Session{}, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent, agent_session_id, cwd, created_at, last_active_at)
		VALUES (?, ?, '', ?, ?, ?)
	`, id, agent, cwd, now, now)
	if err != nil {
		return Session{}, err
	}

	return Session{
		ID:           id,
		Agent:        agent,
		CWD:          cwd,
		CreatedAt:    now,
		LastActiveAt: now,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.agent, s.agent_session_id, s.cwd, s.created_at, s.last_active_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s WHERE s.id = ?
	`, id).Scan(&sess.ID, &sess.Agent, &sess.AgentSessionID, &sess.CWD,
		&sess.CreatedAt, &sess.LastActiveAt, &sess.MessageCount)

	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateAgentSessionID(ctx context.Context, id, agentSessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET agent_session_id = ?, last_active_at = ? WHERE id = ?
	`, agentSessionID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *SQLiteStore) UpdateActivity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_active_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, id, runID string, msg v1.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal message content: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, run_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), id, runID, msg.Role, string(content), now)
	if err != nil {
		return err
	}

	return s.UpdateActivity(ctx, id)
}

func (s *SQLiteStore) History(ctx context.Context, id string, limit int) ([]StoredMessage, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	query := `
		SELECT id, session_id, run_id, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC
	`
	args := []interface{}{id}
	if limit > 0 {
		// Take the newest N, then restore chronological order.
		query = `
			SELECT id, session_id, run_id, role, content, created_at FROM (
				SELECT id, session_id, run_id, role, content, created_at
				FROM messages WHERE session_id = ?
				ORDER BY created_at DESC, id DESC LIMIT ?
			) ORDER BY created_at ASC, id ASC
		`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (s *SQLiteStore) List(ctx context.Context, agent string) ([]Session, error) {
	query := `
		SELECT s.id, s.agent, s.agent_session_id, s.cwd, s.created_at, s.last_active_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
	`
	args := []interface{}{}
	if agent != "" {
		query += ` WHERE s.agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY s.last_active_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Agent, &sess.AgentSessionID, &sess.CWD,
			&sess.CreatedAt, &sess.LastActiveAt, &sess.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// scanMessages reads stored messages from a result set, decoding the JSON
// content column.
func scanMessages(rows *sql.Rows) ([]StoredMessage, error) {
	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var content string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.RunID, &m.Message.Role, &content, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(content), &m.Message.Content); err != nil {
			return nil, fmt.Errorf("failed to decode message content: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
