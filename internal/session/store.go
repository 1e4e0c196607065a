// Package session persists conversation sessions and their message history
// across runs.
package session

import (
	"context"
	"errors"
	"time"

	v1 "github.com/acp2/gateway/pkg/api/v1"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Session is one persistent conversation. ID is the gateway-facing session
// id supplied by clients; AgentSessionID is the id the agent subprocess
// assigned, used to reload context with session/load.
type Session struct {
	ID             string    `json:"id"`
	Agent          string    `json:"agent"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	CWD            string    `json:"cwd,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	MessageCount   int       `json:"message_count"`
}

// StoredMessage is one message recorded against a session.
type StoredMessage struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	RunID     string     `json:"run_id,omitempty"`
	Message   v1.Message `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// Store persists sessions and their message history. Implementations are
// safe for concurrent use.
type Store interface {
	// GetOrCreate returns the session with the given id, creating it for
	// the agent and working directory if it does not exist.
	GetOrCreate(ctx context.Context, id, agent, cwd string) (Session, error)

	// Get returns the session with the given id.
	Get(ctx context.Context, id string) (Session, error)

	// UpdateAgentSessionID records the agent-assigned session id.
	UpdateAgentSessionID(ctx context.Context, id, agentSessionID string) error

	// UpdateActivity bumps the session's last-active timestamp.
	UpdateActivity(ctx context.Context, id string) error

	// AppendMessage records a message against the session.
	AppendMessage(ctx context.Context, id, runID string, msg v1.Message) error

	// History returns the session's messages oldest first, capped at limit
	// when limit is positive.
	History(ctx context.Context, id string, limit int) ([]StoredMessage, error)

	// List returns sessions, newest activity first, optionally filtered by
	// agent name.
	List(ctx context.Context, agent string) ([]Session, error)

	// Delete removes the session and its history, reporting whether it
	// existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Close releases any underlying resources.
	Close() error
}
