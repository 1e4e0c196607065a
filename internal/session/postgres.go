package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/uuid"

	v1 "github.com/acp2/gateway/pkg/api/v1"
)

// PostgresStore persists sessions in PostgreSQL via a pgx connection pool.
// Selected when ACP2_SESSIONS_DSN is set.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database, verifies the connection and
// initializes the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		agent_session_id TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_active_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		run_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, id, agent, cwd string) (Session, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, agent, cwd, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, id, agent, cwd, now, now)
	if err != nil {
		return Session{}, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT s.id, s.agent, s.agent_session_id, s.cwd, s.created_at, s.last_active_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s WHERE s.id = $1
	`, id).Scan(&sess.ID, &sess.Agent, &sess.AgentSessionID, &sess.CWD,
		&sess.CreatedAt, &sess.LastActiveAt, &sess.MessageCount)

	if err == pgx.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *PostgresStore) UpdateAgentSessionID(ctx context.Context, id, agentSessionID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET agent_session_id = $1, last_active_at = $2 WHERE id = $3
	`, agentSessionID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateActivity(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET last_active_at = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, id, runID string, msg v1.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal message content: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, run_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), id, runID, msg.Role, content, time.Now().UTC())
	if err != nil {
		return err
	}

	return s.UpdateActivity(ctx, id)
}

func (s *PostgresStore) History(ctx context.Context, id string, limit int) ([]StoredMessage, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	query := `
		SELECT id, session_id, run_id, role, content, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at ASC, id ASC
	`
	args := []interface{}{id}
	if limit > 0 {
		query = `
			SELECT id, session_id, run_id, role, content, created_at FROM (
				SELECT id, session_id, run_id, role, content, created_at
				FROM messages WHERE session_id = $1
				ORDER BY created_at DESC, id DESC LIMIT $2
			) newest ORDER BY created_at ASC, id ASC
		`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var content []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.RunID, &m.Message.Role, &content, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(content, &m.Message.Content); err != nil {
			return nil, fmt.Errorf("failed to decode message content: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, agent string) ([]Session, error) {
	query := `
		SELECT s.id, s.agent, s.agent_session_id, s.cwd, s.created_at, s.last_active_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
	`
	args := []interface{}{}
	if agent != "" {
		query += ` WHERE s.agent = $1`
		args = append(args, agent)
	}
	query += ` ORDER BY s.last_active_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
