// Package v1 defines the public API types exchanged over the run API.
package v1

import "time"

// RunMode selects how a run's output is delivered.
type RunMode string

const (
	RunModeSync   RunMode = "sync"
	RunModeStream RunMode = "stream"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCancelling RunStatus = "cancelling"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCancelled, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// MessagePart is a single text fragment of a message.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewTextPart builds a text message part.
func NewTextPart(text string) MessagePart {
	return MessagePart{Type: "text", Text: text}
}

// Message is the minimal message format accepted and produced by the gateway.
type Message struct {
	Role    string        `json:"role" binding:"required,oneof=user assistant system"`
	Content []MessagePart `json:"content" binding:"required,min=1"`
}

// Text returns the concatenation of all text parts.
func (m Message) Text() string {
	var out string
	for _, part := range m.Content {
		out += part.Text
	}
	return out
}

// ErrorDetail is a structured error attached to a failed run.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Run represents one prompt-and-response interaction with an agent.
type Run struct {
	ID         string       `json:"id"`
	Agent      string       `json:"agent"`
	Status     RunStatus    `json:"status"`
	Mode       RunMode      `json:"mode"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	Output     *Message     `json:"output,omitempty"`
	StopReason string       `json:"stop_reason,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// AgentSummary is a public agent listing entry.
type AgentSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ManifestCapabilities describes what an agent supports through the gateway.
type ManifestCapabilities struct {
	Modes                []RunMode `json:"modes"`
	SupportsStreaming    bool      `json:"supports_streaming"`
	SupportsCancellation bool      `json:"supports_cancellation"`
}

// AgentManifest is the public manifest returned for a configured agent.
type AgentManifest struct {
	Name         string               `json:"name"`
	Description  string               `json:"description"`
	Version      string               `json:"version"`
	Capabilities ManifestCapabilities `json:"capabilities"`
}

// SSE event names emitted by stream-mode runs and mirrored on the
// websocket hub and event bus.
const (
	EventRunStarted   = "run.started"
	EventMessagePart  = "message.part"
	EventRunCompleted = "run.completed"
	EventRunCancelled = "run.cancelled"
	EventRunFailed    = "run.failed"
)

// Delta is the payload of a message.part event.
type Delta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MessagePartEvent is the JSON body attached to message.part events.
type MessagePartEvent struct {
	RunID string `json:"run_id"`
	Delta Delta  `json:"delta"`
}
