// Package acp manages a single agent subprocess speaking newline-delimited
// JSON-RPC 2.0 over its stdin/stdout.
package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acp2/gateway/internal/common/logger"
)

const (
	// Close escalation bounds: stdin EOF, then terminate, then kill.
	exitGracePeriod = 1 * time.Second
	termGracePeriod = 2 * time.Second

	maxFrameSize   = 1024 * 1024
	stderrRingSize = 64
)

// Connection owns one agent child process for the lifetime of a run. It
// provides a request/response primitive that forwards in-flight notifications
// to a caller-supplied handler. Exactly one request may be outstanding at a
// time; the write lock serializes concurrent Notify calls against it.
type Connection struct {
	command []string
	apiKey  string
	logger  *logger.Logger

	mu      sync.Mutex // guards cmd/stdin lifecycle
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	stderr stderrRing

	nextID  atomic.Int64
	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewConnection builds a connection for the given agent argv. The process is
// not spawned until Start.
func NewConnection(command []string, apiKey string, log *logger.Logger) (*Connection, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agent command cannot be empty")
	}
	return &Connection{
		command: command,
		apiKey:  apiKey,
		logger:  log.WithFields(zap.String("component", "agent-connection")),
	}, nil
}

// Start spawns the agent subprocess with piped stdio. Idempotent when the
// process is already running. When an api_key is configured the child inherits
// the ambient environment plus OPENAI_API_KEY.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil
	}

	cmd := exec.Command(c.command[0], c.command[1:]...)
	if c.apiKey != "" {
		cmd.Env = append(os.Environ(), "OPENAI_API_KEY="+c.apiKey)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &AgentError{Message: fmt.Sprintf("agent stdin unavailable: %v", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &AgentError{Message: fmt.Sprintf("agent stdout unavailable: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &AgentError{Message: fmt.Sprintf("agent stderr unavailable: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		return &AgentError{Message: fmt.Sprintf("failed to start agent %q: %v", c.command[0], err)}
	}

	c.cmd = cmd
	c.stdin = stdin
	c.scanner = bufio.NewScanner(stdout)
	c.scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	// Drain stderr into a bounded ring for diagnostic reporting on failure.
	go c.stderr.drain(stderr)

	c.logger.Debug("started agent process",
		zap.String("argv0", c.command[0]),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Close shuts the subprocess down: close stdin for EOF, wait up to 1s for a
// natural exit, escalate to SIGTERM with a 2s grace, then SIGKILL. Safe to
// call after errors and idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	c.cmd = nil
	c.stdin = nil
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if stdin != nil {
		_ = stdin.Close()
	}

	// The process is reaped only here. Wait closes the parent's pipe ends,
	// so calling it while a request still reads stdout can drop a reply the
	// agent wrote just before exiting.
	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(exitGracePeriod):
		c.logger.Debug("agent still running after stdin close, terminating")
		_ = signalProcess(cmd.Process, syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(termGracePeriod):
			c.logger.Warn("agent did not terminate, killing")
			_ = signalProcess(cmd.Process, os.Kill)
			<-waitDone
		}
	}

	c.logger.Debug("agent process reaped")
	return nil
}

// signalProcess sends sig, treating an already-exited process as success.
func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Signal(sig)
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}

// Stderr returns the buffered tail of the agent's stderr output.
func (c *Connection) Stderr() string {
	return c.stderr.String()
}

// Request writes one request and reads frames until the matching response
// arrives. Frames with a different (or absent) id are notifications and are
// passed to handler; a handler error aborts the read loop and propagates.
// After an aborted request the outstanding id is orphaned; callers must not
// issue further requests and should close the connection.
func (c *Connection) Request(ctx context.Context, method string, params interface{}, handler NotificationHandler) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	req := &frame{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := c.writeFrame(req); err != nil {
		return nil, err
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := c.readFrame()
		if err != nil {
			return nil, err
		}

		if msg.ID != nil && *msg.ID == id {
			if msg.Error != nil {
				return nil, &AgentError{
					Code:    msg.Error.Code,
					Message: msg.Error.Message,
					Data:    msg.Error.Data,
				}
			}
			return msg.Result, nil
		}

		if handler != nil {
			if err := handler(msg.Method, msg.Params); err != nil {
				return nil, err
			}
		}
	}
}

// Notify writes a single notification. No response is awaited.
func (c *Connection) Notify(method string, params interface{}) error {
	return c.writeFrame(&frame{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Connection) writeFrame(msg *frame) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return &AgentError{Message: "agent stdin unavailable"}
	}

	if _, err := stdin.Write(data); err != nil {
		return &AgentError{Message: fmt.Sprintf("failed to write to agent: %v", err), Stderr: c.Stderr()}
	}
	c.logger.Debug("sent frame", zap.String("method", msg.Method))
	return nil
}

// readFrame reads lines until one parses as a JSON object. Blank lines,
// lines whose first non-space byte is not '{' and malformed JSON are
// skipped, since agents may interleave log output on stdout.
func (c *Connection) readFrame() (*inboundFrame, error) {
	c.mu.Lock()
	scanner := c.scanner
	c.mu.Unlock()
	if scanner == nil {
		return nil, &AgentError{Message: "agent stdout unavailable"}
	}

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var msg inboundFrame
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Debug("skipping malformed frame", zap.Error(err))
			continue
		}
		return &msg, nil
	}

	message := "agent closed stdout unexpectedly"
	if err := scanner.Err(); err != nil {
		message = fmt.Sprintf("%s: %v", message, err)
	}
	stderr := c.Stderr()
	if stderr != "" {
		message = fmt.Sprintf("%s. stderr: %s", message, stderr)
	}
	return nil, &AgentError{Message: message, Stderr: stderr}
}

// Initialize performs the protocol handshake and, when the agent advertises
// auth methods, authenticates with the configured api key.
func (c *Connection) Initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientName:      clientName,
		Capabilities:    map[string]interface{}{},
	}

	raw, err := c.Request(ctx, MethodInitialize, params, nil)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var result initializeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return &AgentError{Message: fmt.Sprintf("failed to parse initialize result: %v", err)}
		}
	}

	if len(result.AuthMethods) == 0 {
		return nil
	}

	var hasAPIKeyMethod bool
	for _, method := range result.AuthMethods {
		if method.ID == "apikey" {
			hasAPIKeyMethod = true
			break
		}
	}

	switch {
	case hasAPIKeyMethod && c.apiKey != "":
		if _, err := c.Request(ctx, MethodAuthenticate, authenticateParams{MethodID: "apikey"}, nil); err != nil {
			return fmt.Errorf("authenticate failed: %w", err)
		}
		c.logger.Debug("authenticated with api key")
		return nil
	case hasAPIKeyMethod:
		return &AgentError{Message: "agent requires api key authentication but no api key configured"}
	default:
		methods := make([]string, 0, len(result.AuthMethods))
		for _, m := range result.AuthMethods {
			methods = append(methods, m.ID)
		}
		return &AgentError{Message: fmt.Sprintf("agent requires authentication but no supported method found, available: %v", methods)}
	}
}

// StartSession creates a new agent-side session and returns its id.
func (c *Connection) StartSession(ctx context.Context, cwd string, mcpServers []MCPServer) (string, error) {
	if mcpServers == nil {
		mcpServers = []MCPServer{}
	}
	raw, err := c.Request(ctx, MethodSessionNew, sessionNewParams{CWD: cwd, MCPServers: mcpServers}, nil)
	if err != nil {
		return "", fmt.Errorf("session/new failed: %w", err)
	}

	var result sessionNewResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return "", &AgentError{Message: fmt.Sprintf("failed to parse session/new result: %v", err)}
		}
	}
	if result.SessionID == "" {
		return "", &AgentError{Message: "session/new missing sessionId"}
	}

	c.logger.Debug("session created", zap.String("session_id", result.SessionID))
	return result.SessionID, nil
}

// LoadSession resumes an existing agent-side session. The agent may replay
// conversation history as session/update notifications during the request;
// they are forwarded to handler and never break the request.
func (c *Connection) LoadSession(ctx context.Context, sessionID, cwd string, mcpServers []MCPServer, handler NotificationHandler) error {
	if mcpServers == nil {
		mcpServers = []MCPServer{}
	}
	params := sessionLoadParams{SessionID: sessionID, CWD: cwd, MCPServers: mcpServers}

	replay := func(method string, raw json.RawMessage) error {
		if method != NotificationSessionUpdate {
			return nil
		}
		if handler != nil {
			return handler(method, raw)
		}
		return nil
	}

	if _, err := c.Request(ctx, MethodSessionLoad, params, replay); err != nil {
		return fmt.Errorf("session/load failed: %w", err)
	}
	c.logger.Debug("session loaded", zap.String("session_id", sessionID))
	return nil
}

// Prompt sends session/prompt and streams agent_message_chunk updates to
// onChunk until the final result arrives. When cancel is supplied the request
// races against it: if cancellation wins, session/cancel is sent best-effort
// and ErrPromptCancelled is returned. The losing request goroutine is
// unblocked by Close, which callers run on every exit path.
func (c *Connection) Prompt(ctx context.Context, sessionID string, prompt []ContentBlock, onChunk func(string), cancel <-chan struct{}) (*PromptResult, error) {
	handler := func(method string, raw json.RawMessage) error {
		switch method {
		case NotificationSessionUpdate:
			var note sessionUpdateNotification
			if err := json.Unmarshal(raw, &note); err != nil {
				c.logger.Debug("skipping unparseable session update", zap.Error(err))
				return nil
			}
			switch note.Update.SessionUpdate {
			case UpdateAgentMessageChunk:
				if note.Update.Content.Text != "" && onChunk != nil {
					onChunk(note.Update.Content.Text)
				}
			case UpdateSessionCancelled:
				return ErrPromptCancelled
			}
		case NotificationSessionCancelled:
			return ErrPromptCancelled
		}
		return nil
	}

	params := sessionPromptParams{SessionID: sessionID, Prompt: prompt}

	request := func() (*PromptResult, error) {
		raw, err := c.Request(ctx, MethodSessionPrompt, params, handler)
		if err != nil {
			return nil, err
		}
		result := &PromptResult{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, result); err != nil {
				return nil, &AgentError{Message: fmt.Sprintf("failed to parse session/prompt result: %v", err)}
			}
		}
		return result, nil
	}

	if cancel == nil {
		return request()
	}

	type outcome struct {
		result *PromptResult
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		res, err := request()
		resultCh <- outcome{result: res, err: err}
	}()

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-cancel:
		if err := c.Cancel(sessionID); err != nil {
			c.logger.Warn("failed to send cancellation to agent", zap.Error(err))
		}
		return nil, ErrPromptCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel sends a session/cancel notification. Always a notification, never a
// request.
func (c *Connection) Cancel(sessionID string) error {
	var params interface{}
	if sessionID != "" {
		params = sessionCancelParams{SessionID: sessionID}
	}
	return c.Notify(NotificationSessionCancel, params)
}

// --- stderr ring ---

// stderrRing keeps the last stderrRingSize lines of the agent's stderr.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
}

func (r *stderrRing) drain(stream io.Reader) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	for scanner.Scan() {
		r.mu.Lock()
		r.lines = append(r.lines, scanner.Text())
		if len(r.lines) > stderrRingSize {
			r.lines = r.lines[len(r.lines)-stderrRingSize:]
		}
		r.mu.Unlock()
	}
}

func (r *stderrRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) == 0 {
		return ""
	}
	out := r.lines[0]
	for _, line := range r.lines[1:] {
		out += "\n" + line
	}
	return out
}
