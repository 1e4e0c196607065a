package acp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSON-RPC methods spoken to the agent.
const (
	MethodInitialize    = "initialize"
	MethodAuthenticate  = "authenticate"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"

	// NotificationSessionCancel is always sent as a notification, never a request.
	NotificationSessionCancel = "session/cancel"

	// Inbound notification methods.
	NotificationSessionUpdate    = "session/update"
	NotificationSessionCancelled = "session/cancelled"
)

// Session update kinds carried in session/update notifications.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateSessionCancelled  = "session/cancelled"
)

const protocolVersion = "v1"
const clientName = "cli"

// ErrPromptCancelled signals that the in-flight prompt was cancelled, either
// by the agent or by an external cancellation request. It is not a failure:
// callers translate it to a cancelled run.
var ErrPromptCancelled = errors.New("prompt cancelled")

// AgentError describes a failure while interacting with the agent subprocess:
// spawn errors, premature stdout close, or a JSON-RPC error object returned by
// the agent. Stderr carries the tail of the agent's stderr when available.
type AgentError struct {
	Code    int
	Message string
	Data    json.RawMessage
	Stderr  string
}

func (e *AgentError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
	}
	return e.Message
}

// frame is a generic inbound or outbound JSON-RPC 2.0 message.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// inboundFrame mirrors frame with raw params for dispatch.
type inboundFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NotificationHandler receives frames that arrive while a request is
// outstanding. Returning an error aborts the request's read loop; returning
// ErrPromptCancelled marks the prompt as cancelled.
type NotificationHandler func(method string, params json.RawMessage) error

// --- Request parameter and result shapes ---

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	ClientName      string                 `json:"clientName"`
	Capabilities    map[string]interface{} `json:"capabilities"`
}

type authMethod struct {
	ID string `json:"id"`
}

type initializeResult struct {
	AuthMethods []authMethod `json:"authMethods,omitempty"`
}

type authenticateParams struct {
	MethodID string `json:"methodId"`
}

// MCPServer describes an MCP server passed through to session creation.
type MCPServer map[string]interface{}

type sessionNewParams struct {
	CWD        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

type sessionLoadParams struct {
	SessionID  string      `json:"sessionId"`
	CWD        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// ContentBlock is one element of a structured prompt.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult is the final result of a session/prompt request. StopReason is
// treated as an opaque string supplied by the agent.
type PromptResult struct {
	StopReason string `json:"stopReason,omitempty"`
}

type sessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// sessionUpdateNotification is the payload of session/update notifications.
type sessionUpdateNotification struct {
	SessionID string        `json:"sessionId"`
	Update    sessionUpdate `json:"update"`
}

type sessionUpdate struct {
	SessionUpdate string        `json:"sessionUpdate"`
	Content       updateContent `json:"content"`
}

type updateContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
